package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	codes  []int
	reason string
	err    error
}

func (c *fakeConn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
	c.reason = reason
	return c.err
}

func (c *fakeConn) closedWith() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.codes...)
}

func TestRegistryRegisterRemove(t *testing.T) {
	r := NewRegistry(nil)
	s := New("MZ1", "CA1", &fakeConn{})

	if err := r.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got, ok := r.Get("MZ1"); !ok || got != s {
		t.Fatalf("Get(MZ1) = %v, %v; want registered session", got, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	if !r.Remove(s) {
		t.Fatalf("Remove() = false, want true")
	}
	if _, ok := r.Get("MZ1"); ok {
		t.Fatalf("MZ1 still registered after Remove")
	}
	if r.Remove(s) {
		t.Fatalf("second Remove() = true, want false")
	}
}

func TestRegistryRejectsDuplicateStream(t *testing.T) {
	r := NewRegistry(nil)
	first := New("MZ1", "", &fakeConn{})
	second := New("MZ1", "", &fakeConn{})

	if err := r.Register(first); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(second); !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("Register(duplicate) error = %v, want ErrDuplicateStream", err)
	}
	// A rejected duplicate must not evict the live entry.
	if r.Remove(second) {
		t.Fatalf("Remove(second) = true, want false")
	}
	if got, _ := r.Get("MZ1"); got != first {
		t.Fatalf("registered entry changed")
	}
}

func TestRegistryDrainClosesAllAndClears(t *testing.T) {
	r := NewRegistry(nil)
	conns := []*fakeConn{{}, {err: errors.New("broken pipe")}, {}}
	for i, c := range conns {
		if err := r.Register(New("MZ"+string(rune('a'+i)), "", c)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	res := r.Drain(1001, "server shutdown")
	if res.Closed != 2 || res.Failed != 1 {
		t.Fatalf("Drain() = %+v, want 2 closed 1 failed", res)
	}
	for i, c := range conns {
		codes := c.closedWith()
		if len(codes) != 1 || codes[0] != 1001 {
			t.Fatalf("conn %d close codes = %v, want [1001]", i, codes)
		}
	}
	if r.Count() != 0 {
		t.Fatalf("Count() after drain = %d, want 0", r.Count())
	}
	if !r.Draining() {
		t.Fatalf("Draining() = false after Drain")
	}
	if err := r.Register(New("late", "", &fakeConn{})); !errors.Is(err, ErrDraining) {
		t.Fatalf("Register after drain error = %v, want ErrDraining", err)
	}
}

func TestRegistryDrainCancelsRunningSessions(t *testing.T) {
	r := NewRegistry(nil)
	s := New("MZ1", "", &fakeConn{})
	ctx, cancel := context.WithCancelCause(context.Background())
	s.BindCancel(cancel)
	if err := r.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Drain(1001, "server shutdown")
	if !errors.Is(context.Cause(ctx), ErrServerShutdown) {
		t.Fatalf("cause = %v, want ErrServerShutdown", context.Cause(ctx))
	}
}

func TestRegistryConcurrentRegisterAndDrain(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	conns := make([]*fakeConn, 64)
	for i := range conns {
		conns[i] = &fakeConn{}
	}
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *fakeConn) {
			defer wg.Done()
			s := New("MZ-"+strconv.Itoa(i), "", c)
			if err := r.Register(s); err != nil {
				// Refused registrations are closed by their own handler.
				_ = c.CloseWithCode(1001, "server shutdown")
			}
		}(i, c)
	}
	r.Drain(1001, "server shutdown")
	wg.Wait()

	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
	for i, c := range conns {
		if len(c.closedWith()) == 0 {
			t.Fatalf("conn %d never closed", i)
		}
	}
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	r := NewRegistry(nil)
	a := New("MZa", "CA1", &fakeConn{})
	b := New("MZb", "CA2", &fakeConn{})
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	_ = r.Register(b)
	_ = r.Register(a)
	_ = a.Activate()

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].StreamSID != "MZa" || snap[1].StreamSID != "MZb" {
		t.Fatalf("Snapshot() = %+v", snap)
	}
	if snap[0].State != StateActive || snap[1].State != StateCreated {
		t.Fatalf("states = %s,%s", snap[0].State, snap[1].State)
	}
}

func TestRegistryJanitorCancelsOverdue(t *testing.T) {
	r := NewRegistry(nil)
	s := New("MZ1", "", &fakeConn{})
	s.CreatedAt = time.Now().UTC().Add(-time.Hour)
	runCtx, cancelRun := context.WithCancelCause(context.Background())
	s.BindCancel(cancelRun)
	_ = r.Register(s)

	expired := make(chan *CallSession, 1)
	r.SetExpireHook(func(cs *CallSession) {
		select {
		case expired <- cs:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond, time.Minute)

	select {
	case got := <-expired:
		if got != s {
			t.Fatalf("expired unexpected session")
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire overdue session")
	}
	if !errors.Is(context.Cause(runCtx), ErrOverdue) {
		t.Fatalf("cause = %v, want ErrOverdue", context.Cause(runCtx))
	}
}
