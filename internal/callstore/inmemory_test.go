package callstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(0)

	if err := s.Start(ctx, Record{ID: "a", Mode: "self_hosted", StreamSID: "MZ1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx, Record{ID: "b", Mode: "hosted", CallSID: "CA2", UpstreamCallID: "uv-2", Outcome: OutcomeRouted}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ended := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.Finish(ctx, "a", OutcomeTimedOut, "call timeout", ended); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].ID != "b" || recent[1].ID != "a" {
		t.Fatalf("order = %s,%s, want b,a", recent[0].ID, recent[1].ID)
	}
	if recent[1].Outcome != OutcomeTimedOut || recent[1].EndedAt == nil || !recent[1].EndedAt.Equal(ended) {
		t.Fatalf("unexpected finished record: %+v", recent[1])
	}
	if recent[0].Outcome != OutcomeRouted {
		t.Fatalf("outcome = %q, want %q", recent[0].Outcome, OutcomeRouted)
	}
}

func TestInMemoryStoreDefaults(t *testing.T) {
	s := NewInMemoryStore(0)
	if err := s.Start(context.Background(), Record{Mode: "self_hosted"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	recent, _ := s.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].ID == "" || recent[0].StartedAt.IsZero() || recent[0].Outcome != OutcomeActive {
		t.Fatalf("defaults not applied: %+v", recent)
	}
}

func TestInMemoryStoreFinishUnknown(t *testing.T) {
	err := NewInMemoryStore(0).Finish(context.Background(), "missing", OutcomeEnded, "", time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestInMemoryStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(2)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Start(ctx, Record{ID: id}); err != nil {
			t.Fatalf("Start(%s) error = %v", id, err)
		}
	}
	recent, _ := s.Recent(ctx, 0)
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("recent = %+v, want c,b", recent)
	}
	if err := s.Finish(ctx, "a", OutcomeEnded, "", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("evicted record should be gone, err = %v", err)
	}
}
