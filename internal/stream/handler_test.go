package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/callstore"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/session"
)

type agentFunc func(ctx context.Context, conn protocol.MediaConn, desc protocol.StartDescriptor) error

func (f agentFunc) Run(ctx context.Context, conn protocol.MediaConn, desc protocol.StartDescriptor) error {
	return f(ctx, conn, desc)
}

type fakeTerminator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTerminator) Hangup(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callSID)
	return nil
}

func (f *fakeTerminator) hungUp() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	registry   *session.Registry
	store      *callstore.InMemoryStore
	terminator *fakeTerminator
	url        string
	done       chan struct{}
}

var metricsSeq struct {
	mu sync.Mutex
	n  int
}

func testMetrics() *observability.Metrics {
	metricsSeq.mu.Lock()
	defer metricsSeq.mu.Unlock()
	metricsSeq.n++
	return observability.NewMetrics("test_stream_" + strconv.FormatInt(time.Now().UnixNano(), 10) + "_" + strconv.Itoa(metricsSeq.n))
}

func newHarness(t *testing.T, opts Options, agent Agent) *harness {
	t.Helper()
	h := &harness{
		registry:   session.NewRegistry(nil),
		store:      callstore.NewInMemoryStore(0),
		terminator: &fakeTerminator{},
		done:       make(chan struct{}, 8),
	}
	handler := NewHandler(opts, h.registry, agent, h.store, h.terminator, testMetrics(), nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler.Serve(r.Context(), ws)
		h.done <- struct{}{}
	}))
	t.Cleanup(srv.Close)
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("handler did not finish")
	}
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write %s: %v", msg, err)
	}
}

// closeCode reads until the server closes and returns the close code.
func closeCode(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("read error = %v, want close frame", err)
	}
}

const (
	connectedMsg = `{"event":"connected","protocol":"Call","version":"1.0.0"}`
	startMsg     = `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`
	stopMsg      = `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`
)

func mustNotRun(t *testing.T) Agent {
	return agentFunc(func(context.Context, protocol.MediaConn, protocol.StartDescriptor) error {
		t.Errorf("agent must not run")
		return nil
	})
}

func TestHandshakeMissingStreamSIDClosesWithoutRegistering(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: time.Second}, mustNotRun(t))
	c := h.dial(t)
	send(t, c, connectedMsg)
	send(t, c, `{"event":"start","start":{"callSid":"CA1"}}`)

	if code := closeCode(t, c); code != CloseInvalidStart {
		t.Fatalf("close code = %d, want %d", code, CloseInvalidStart)
	}
	h.waitDone(t)
	if h.registry.Count() != 0 {
		t.Fatalf("registry Count() = %d, want 0", h.registry.Count())
	}
	if recent, _ := h.store.Recent(context.Background(), 0); len(recent) != 0 {
		t.Fatalf("store has %d records, want none", len(recent))
	}
}

func TestHandshakeMalformedJSON(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: time.Second}, mustNotRun(t))
	c := h.dial(t)
	send(t, c, connectedMsg)
	send(t, c, `{"start": {`)

	if code := closeCode(t, c); code != CloseMalformedJSON {
		t.Fatalf("close code = %d, want %d", code, CloseMalformedJSON)
	}
	h.waitDone(t)
}

func TestHandshakeTimeoutWithoutSecondMessage(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: 150 * time.Millisecond}, mustNotRun(t))
	c := h.dial(t)
	send(t, c, connectedMsg)

	start := time.Now()
	if code := closeCode(t, c); code != CloseHandshakeTimeout {
		t.Fatalf("close code = %d, want %d", code, CloseHandshakeTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("handshake timeout took %v", elapsed)
	}
	h.waitDone(t)
	if h.registry.Count() != 0 {
		t.Fatalf("registry Count() = %d, want 0", h.registry.Count())
	}
}

func TestHandshakeTimeoutWithoutFirstMessage(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: 150 * time.Millisecond}, mustNotRun(t))
	c := h.dial(t)
	if code := closeCode(t, c); code != CloseHandshakeTimeout {
		t.Fatalf("close code = %d, want %d", code, CloseHandshakeTimeout)
	}
	h.waitDone(t)
}

func TestCallRegisteredWhileRunningAndRemovedAfterStop(t *testing.T) {
	var h *harness
	registered := make(chan bool, 1)
	h = newHarness(t, Options{HandshakeTimeout: time.Second, CallTimeout: time.Minute},
		agentFunc(func(ctx context.Context, conn protocol.MediaConn, desc protocol.StartDescriptor) error {
			_, ok := h.registry.Get(desc.StreamSID)
			registered <- ok
			for {
				ev, err := conn.ReadEvent()
				if err != nil {
					return err
				}
				if ev.Event == protocol.EventStop {
					return nil
				}
			}
		}))

	c := h.dial(t)
	send(t, c, connectedMsg)
	send(t, c, startMsg)
	if ok := <-registered; !ok {
		t.Fatalf("stream not registered while agent runs")
	}
	send(t, c, stopMsg)

	if code := closeCode(t, c); code != CloseNormal {
		t.Fatalf("close code = %d, want %d", code, CloseNormal)
	}
	h.waitDone(t)
	if _, ok := h.registry.Get("MZ1"); ok {
		t.Fatalf("MZ1 still registered after call ended")
	}
	recent, _ := h.store.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].Outcome != callstore.OutcomeEnded || recent[0].StreamSID != "MZ1" {
		t.Fatalf("store record = %+v", recent)
	}
	if got := h.terminator.hungUp(); len(got) != 0 {
		t.Fatalf("hangup called for a normal end: %v", got)
	}
}

func TestInvalidLiveFramesAreSkipped(t *testing.T) {
	events := make(chan protocol.EventType, 4)
	h := newHarness(t, Options{HandshakeTimeout: time.Second, CallTimeout: time.Minute},
		agentFunc(func(_ context.Context, conn protocol.MediaConn, _ protocol.StartDescriptor) error {
			for {
				ev, err := conn.ReadEvent()
				if err != nil {
					return err
				}
				events <- ev.Event
				if ev.Event == protocol.EventStop {
					return nil
				}
			}
		}))

	c := h.dial(t)
	send(t, c, connectedMsg)
	send(t, c, startMsg)
	send(t, c, `{"event":"media","streamSid":"MZ1"}`)
	send(t, c, `{"event":"dtmf","streamSid":"MZ1"}`)
	send(t, c, `{"event":"media",`)
	send(t, c, `{"event":"media","streamSid":"MZ1","media":{"payload":"AQID"}}`)
	send(t, c, stopMsg)

	if code := closeCode(t, c); code != CloseNormal {
		t.Fatalf("close code = %d, want %d", code, CloseNormal)
	}
	h.waitDone(t)
	if got := <-events; got != protocol.EventMedia {
		t.Fatalf("first event = %q, want media", got)
	}
	if got := <-events; got != protocol.EventStop {
		t.Fatalf("second event = %q, want stop", got)
	}
	recent, _ := h.store.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].Outcome != callstore.OutcomeEnded {
		t.Fatalf("store record = %+v, want ended", recent)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("a", 119) + "é" + "tail"
	got := truncate(s, 120)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate() = %q, not valid UTF-8", got)
	}
	if want := strings.Repeat("a", 119) + "..."; got != want {
		t.Fatalf("truncate() = %q, want %q", got, want)
	}
	if got := truncate("short", 120); got != "short" {
		t.Fatalf("truncate(short) = %q, want short", got)
	}
}

func TestCallTimeoutEndsGracefully(t *testing.T) {
	causes := make(chan error, 1)
	h := newHarness(t, Options{HandshakeTimeout: time.Second, CallTimeout: 100 * time.Millisecond},
		agentFunc(func(ctx context.Context, _ protocol.MediaConn, _ protocol.StartDescriptor) error {
			<-ctx.Done()
			causes <- context.Cause(ctx)
			return context.Cause(ctx)
		}))

	c := h.dial(t)
	send(t, c, connectedMsg)
	send(t, c, startMsg)

	if code := closeCode(t, c); code != CloseNormal {
		t.Fatalf("close code = %d, want %d (graceful)", code, CloseNormal)
	}
	if cause := <-causes; !errors.Is(cause, ErrCallTimeout) {
		t.Fatalf("agent cause = %v, want ErrCallTimeout", cause)
	}
	h.waitDone(t)
	if h.registry.Count() != 0 {
		t.Fatalf("registry Count() = %d, want 0", h.registry.Count())
	}
	recent, _ := h.store.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].Outcome != callstore.OutcomeTimedOut {
		t.Fatalf("store record = %+v, want timed_out", recent)
	}
	if got := h.terminator.hungUp(); len(got) != 1 || got[0] != "CA1" {
		t.Fatalf("hangups = %v, want [CA1]", got)
	}
}

func TestAgentErrorClosesWithInternalError(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: time.Second, CallTimeout: time.Minute},
		agentFunc(func(context.Context, protocol.MediaConn, protocol.StartDescriptor) error {
			return errors.New("tts unavailable")
		}))
	c := h.dial(t)
	send(t, c, connectedMsg)
	send(t, c, startMsg)

	if code := closeCode(t, c); code != CloseInternalError {
		t.Fatalf("close code = %d, want %d", code, CloseInternalError)
	}
	h.waitDone(t)
	recent, _ := h.store.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].Outcome != callstore.OutcomeErrored {
		t.Fatalf("store record = %+v, want errored", recent)
	}
}

func TestAgentPanicIsContained(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: time.Second, CallTimeout: time.Minute},
		agentFunc(func(context.Context, protocol.MediaConn, protocol.StartDescriptor) error {
			panic("boom")
		}))
	c := h.dial(t)
	send(t, c, connectedMsg)
	send(t, c, startMsg)

	if code := closeCode(t, c); code != CloseInternalError {
		t.Fatalf("close code = %d, want %d", code, CloseInternalError)
	}
	h.waitDone(t)
	if h.registry.Count() != 0 {
		t.Fatalf("registry Count() = %d, want 0 after panic", h.registry.Count())
	}
}

func TestDuplicateStreamRejected(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Options{HandshakeTimeout: time.Second, CallTimeout: time.Minute},
		agentFunc(func(ctx context.Context, _ protocol.MediaConn, _ protocol.StartDescriptor) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}))
	defer close(release)

	first := h.dial(t)
	send(t, first, connectedMsg)
	send(t, first, startMsg)

	deadline := time.Now().Add(2 * time.Second)
	for h.registry.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := h.dial(t)
	send(t, second, connectedMsg)
	send(t, second, startMsg)
	if code := closeCode(t, second); code != CloseDuplicateStream {
		t.Fatalf("close code = %d, want %d", code, CloseDuplicateStream)
	}
	if h.registry.Count() != 1 {
		t.Fatalf("registry Count() = %d, want 1", h.registry.Count())
	}
}

func TestDrainClosesLiveCallWithShutdownCode(t *testing.T) {
	conns := make(chan *Conn, 1)
	h := newHarness(t, Options{HandshakeTimeout: time.Second, CallTimeout: time.Minute},
		agentFunc(func(ctx context.Context, conn protocol.MediaConn, _ protocol.StartDescriptor) error {
			conns <- conn.(*Conn)
			for {
				if _, err := conn.ReadEvent(); err != nil {
					return err
				}
			}
		}))
	c := h.dial(t)
	send(t, c, connectedMsg)
	send(t, c, startMsg)

	deadline := time.Now().Add(2 * time.Second)
	for h.registry.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res := h.registry.Drain(CloseServerShutdown, "server shutdown")
	if res.Closed != 1 {
		t.Fatalf("Drain() = %+v, want 1 closed", res)
	}
	if code := closeCode(t, c); code != CloseServerShutdown {
		t.Fatalf("close code = %d, want %d", code, CloseServerShutdown)
	}
	h.waitDone(t)
	if h.registry.Count() != 0 {
		t.Fatalf("registry Count() = %d, want 0", h.registry.Count())
	}
	if got := (<-conns).CloseCode(); got != CloseServerShutdown {
		t.Fatalf("CloseCode() = %d, want %d", got, CloseServerShutdown)
	}
}
