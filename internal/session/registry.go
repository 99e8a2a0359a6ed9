package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDuplicateStream = errors.New("stream already registered")
	ErrDraining        = errors.New("registry is draining")
	ErrServerShutdown  = errors.New("server shutdown")
	ErrOverdue         = errors.New("session exceeded maximum lifetime")
)

// DrainResult summarizes a shutdown drain.
type DrainResult struct {
	Closed int
	Failed int
}

// Registry maps stream identifiers to live call sessions. Entries are
// inserted after a successful handshake and removed by the same handler on
// every exit path, or by Drain on shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
	draining bool
	logger   *zap.Logger
	onExpire func(*CallSession)
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*CallSession),
		logger:   logger,
	}
}

func (r *Registry) SetExpireHook(hook func(*CallSession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register inserts s keyed by its stream identifier.
func (r *Registry) Register(s *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	if _, exists := r.sessions[s.StreamSID]; exists {
		return ErrDuplicateStream
	}
	r.sessions[s.StreamSID] = s
	return nil
}

// Remove deletes s only if it is still the registered entry for its stream.
func (r *Registry) Remove(s *CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[s.StreamSID]
	if !ok || current != s {
		return false
	}
	delete(r.sessions, s.StreamSID)
	return true
}

func (r *Registry) Get(streamSID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamSID]
	return s, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// Snapshot lists registered sessions, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	list := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Drain refuses further registrations, closes every registered connection
// with code and clears the registry. Close failures are logged and counted.
func (r *Registry) Drain(code int, reason string) DrainResult {
	r.mu.Lock()
	r.draining = true
	list := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	var res DrainResult
	for _, s := range list {
		err := s.Close(code, reason)
		s.Cancel(ErrServerShutdown)
		if err != nil {
			res.Failed++
			r.logger.Warn("close session during drain failed",
				zap.String("stream_sid", s.StreamSID),
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
			continue
		}
		res.Closed++
	}

	r.mu.Lock()
	clear(r.sessions)
	r.mu.Unlock()
	return res
}

// StartJanitor periodically cancels sessions older than maxAge. It backs up
// the per-call ceiling for sessions whose pipeline ignores cancellation.
func (r *Registry) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireOverdue(maxAge)
			}
		}
	}()
}

func (r *Registry) expireOverdue(maxAge time.Duration) {
	now := time.Now().UTC()
	var overdue []*CallSession

	r.mu.Lock()
	for _, s := range r.sessions {
		if now.Sub(s.CreatedAt) < maxAge {
			continue
		}
		overdue = append(overdue, s)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, s := range overdue {
		r.logger.Warn("session overdue, cancelling",
			zap.String("stream_sid", s.StreamSID),
			zap.Duration("age", now.Sub(s.CreatedAt)),
		)
		s.Cancel(ErrOverdue)
		if hook != nil {
			hook(s)
		}
	}
}
