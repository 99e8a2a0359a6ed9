package callstore

import (
	"context"
	"time"
)

// Outcomes recorded for a call.
const (
	OutcomeActive   = "active"
	OutcomeRouted   = "routed"
	OutcomeEnded    = "ended"
	OutcomeErrored  = "errored"
	OutcomeTimedOut = "timed_out"
	OutcomeRejected = "rejected"
)

// Record is one bridged call, from intake or stream handshake to its end.
type Record struct {
	ID             string     `json:"id"`
	Mode           string     `json:"mode"`
	CallSID        string     `json:"call_sid,omitempty"`
	StreamSID      string     `json:"stream_sid,omitempty"`
	UpstreamCallID string     `json:"upstream_call_id,omitempty"`
	Outcome        string     `json:"outcome"`
	Detail         string     `json:"detail,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Store persists call records.
type Store interface {
	Start(ctx context.Context, record Record) error
	Finish(ctx context.Context, id, outcome, detail string, endedAt time.Time) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
