package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a call session lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateActive   State = "active"
	StateEnded    State = "ended"
	StateErrored  State = "errored"
	StateTimedOut State = "timed_out"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateErrored || s == StateTimedOut
}

var ErrInvalidTransition = errors.New("invalid session state transition")

// Conn is the part of a live media connection the registry needs.
type Conn interface {
	CloseWithCode(code int, reason string) error
}

// CallSession is one media stream between handshake and teardown.
type CallSession struct {
	ID         string
	StreamSID  string
	CallSID    string
	AccountSID string
	CreatedAt  time.Time

	conn Conn

	mu        sync.Mutex
	state     State
	detail    string
	endedAt   time.Time
	cancel    context.CancelCauseFunc
	turnCount int
}

// Info is a point-in-time view of a session safe to serialize.
type Info struct {
	ID         string    `json:"id"`
	StreamSID  string    `json:"stream_sid"`
	CallSID    string    `json:"call_sid,omitempty"`
	State      State     `json:"state"`
	Turns      int       `json:"turns"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMS int64     `json:"duration_ms"`
}

func New(streamSID, callSID string, conn Conn) *CallSession {
	return &CallSession{
		ID:        uuid.NewString(),
		StreamSID: streamSID,
		CallSID:   callSID,
		CreatedAt: time.Now().UTC(),
		conn:      conn,
		state:     StateCreated,
	}
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Detail returns the reason recorded with the terminal state.
func (s *CallSession) Detail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detail
}

// Activate moves a created session to active.
func (s *CallSession) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateActive)
	}
	s.state = StateActive
	return nil
}

// Finish moves the session to a terminal state. Only the first terminal
// transition is kept.
func (s *CallSession) Finish(to State, detail string) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	// A session that never went active can only fail.
	if s.state == StateCreated && to != StateErrored {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	s.detail = detail
	s.endedAt = time.Now().UTC()
	return nil
}

// BindCancel attaches the cancel function of the session's run context.
func (s *CallSession) BindCancel(cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Cancel signals the running voice session to stop with cause.
func (s *CallSession) Cancel(cause error) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

func (s *CallSession) IncrementTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCount++
	return s.turnCount
}

// Close closes the underlying connection with a websocket close code.
func (s *CallSession) Close(code int, reason string) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.CloseWithCode(code, reason)
}

func (s *CallSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.endedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return Info{
		ID:         s.ID,
		StreamSID:  s.StreamSID,
		CallSID:    s.CallSID,
		State:      s.state,
		Turns:      s.turnCount,
		CreatedAt:  s.CreatedAt,
		DurationMS: end.Sub(s.CreatedAt).Milliseconds(),
	}
}
