package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/callbridge/internal/protocol"
)

type fakeMediaConn struct {
	in chan protocol.Event

	mu      sync.Mutex
	written []protocol.Event
	readErr error
}

func newFakeMediaConn() *fakeMediaConn {
	return &fakeMediaConn{in: make(chan protocol.Event, 16)}
}

func (c *fakeMediaConn) ReadEvent() (protocol.Event, error) {
	ev, ok := <-c.in
	if !ok {
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = protocol.ErrStreamClosed
		}
		return protocol.Event{}, err
	}
	return ev, nil
}

func (c *fakeMediaConn) WriteEvent(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, ev)
	return nil
}

func (c *fakeMediaConn) snapshot() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.written...)
}

func (c *fakeMediaConn) waitFor(t *testing.T, what string, match func(protocol.Event) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range c.snapshot() {
			if match(ev) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; written = %+v", what, c.snapshot())
}

func isMark(name string) func(protocol.Event) bool {
	return func(ev protocol.Event) bool {
		return ev.Event == protocol.EventMark && ev.Mark != nil && ev.Mark.Name == name
	}
}

// scriptedConversation hands control of model events to the test.
type scriptedConversation struct {
	events    chan ModelEvent
	mu        sync.Mutex
	audio     int
	prompts   [][]Message
	closeOnce sync.Once
}

func (c *scriptedConversation) SendAudio(context.Context, []byte) error {
	c.mu.Lock()
	c.audio++
	c.mu.Unlock()
	return nil
}

func (c *scriptedConversation) Prompt(_ context.Context, msgs []Message) error {
	c.mu.Lock()
	c.prompts = append(c.prompts, msgs)
	c.mu.Unlock()
	return nil
}

func (c *scriptedConversation) Events() <-chan ModelEvent { return c.events }

func (c *scriptedConversation) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *scriptedConversation) audioFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

type scriptedModel struct{ conv *scriptedConversation }

func (m *scriptedModel) NewConversation(context.Context, ConversationConfig) (Conversation, error) {
	return m.conv, nil
}

func cacheOf(m SpeechModel) *ModelCache {
	return NewModelCache(func(context.Context) (SpeechModel, error) { return m, nil }, nil)
}

var testStart = protocol.StartDescriptor{StreamSID: "MZ1", CallSID: "CA1"}

func runPipeline(t *testing.T, ctx context.Context, p *Pipeline, conn *fakeMediaConn) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, conn, testStart) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("pipeline did not return")
		return nil
	}
}

func TestPipelineGreetsAndEndsOnStop(t *testing.T) {
	conn := newFakeMediaConn()
	p := NewPipeline(PipelineConfig{MaxTurns: 50}, cacheOf(NewMockSpeechModel()), NewMockTTSProvider())

	done := runPipeline(t, context.Background(), p, conn)
	conn.waitFor(t, "greeting mark", isMark("turn-1"))

	var media int
	for _, ev := range conn.snapshot() {
		if ev.Event == protocol.EventMedia {
			if ev.StreamSID != "MZ1" {
				t.Fatalf("media streamSid = %q, want MZ1", ev.StreamSID)
			}
			media++
		}
	}
	if media == 0 {
		t.Fatalf("no media written for greeting")
	}

	conn.in <- protocol.Event{Event: protocol.EventStop}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil on stop", err)
	}
}

func TestPipelineForwardsInboundAudio(t *testing.T) {
	conv := &scriptedConversation{events: make(chan ModelEvent, 16)}
	conn := newFakeMediaConn()
	p := NewPipeline(PipelineConfig{}, cacheOf(&scriptedModel{conv: conv}), NewMockTTSProvider())

	done := runPipeline(t, context.Background(), p, conn)
	conn.in <- protocol.NewMediaEvent("MZ1", []byte{0xff, 0x7f})
	conn.in <- protocol.Event{Event: protocol.EventMedia, Media: &protocol.Media{Track: "outbound", Payload: "/w=="}}
	conn.in <- protocol.Event{Event: protocol.EventStop}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := conv.audioFrames(); got != 1 {
		t.Fatalf("audio frames forwarded = %d, want 1 (outbound track ignored)", got)
	}
	if len(conv.prompts) != 1 || len(conv.prompts[0]) != 2 {
		t.Fatalf("prompts = %+v, want one greeting prompt with two messages", conv.prompts)
	}
}

func TestPipelineTurnCapSendsFinalMark(t *testing.T) {
	conn := newFakeMediaConn()
	var turns []int
	p := NewPipeline(PipelineConfig{MaxTurns: 1}, cacheOf(NewMockSpeechModel()), NewMockTTSProvider())
	p.OnTurn = func(sid string, turn int) {
		if sid != "MZ1" {
			t.Errorf("OnTurn streamSID = %q, want MZ1", sid)
		}
		turns = append(turns, turn)
	}

	done := runPipeline(t, context.Background(), p, conn)
	conn.waitFor(t, "final mark", isMark(FinalMarkName))
	conn.in <- protocol.NewMarkEvent("MZ1", FinalMarkName)

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil after final mark", err)
	}
	if len(turns) != 1 || turns[0] != 1 {
		t.Fatalf("turns = %v, want [1]", turns)
	}
}

func TestPipelineFinalMarkFallbackTimer(t *testing.T) {
	conn := newFakeMediaConn()
	p := NewPipeline(PipelineConfig{MaxTurns: 1, FinalMarkWait: 50 * time.Millisecond}, cacheOf(NewMockSpeechModel()), NewMockTTSProvider())

	done := runPipeline(t, context.Background(), p, conn)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil after fallback timer", err)
	}
}

func TestPipelineBargeInClearsPlayback(t *testing.T) {
	conv := &scriptedConversation{events: make(chan ModelEvent, 16)}
	conn := newFakeMediaConn()
	p := NewPipeline(PipelineConfig{}, cacheOf(&scriptedModel{conv: conv}), NewMockTTSProvider())

	done := runPipeline(t, context.Background(), p, conn)
	conv.events <- ModelEvent{Type: ModelEventResponseDelta, Text: "Welcome to the restaurant. How can"}
	conn.waitFor(t, "first sentence audio", func(ev protocol.Event) bool { return ev.Event == protocol.EventMedia })

	conv.events <- ModelEvent{Type: ModelEventSpeechStarted}
	conn.waitFor(t, "clear", func(ev protocol.Event) bool { return ev.Event == protocol.EventClear })

	conn.in <- protocol.Event{Event: protocol.EventStop}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestPipelineReturnsContextCause(t *testing.T) {
	conv := &scriptedConversation{events: make(chan ModelEvent, 16)}
	conn := newFakeMediaConn()
	p := NewPipeline(PipelineConfig{}, cacheOf(&scriptedModel{conv: conv}), NewMockTTSProvider())

	cause := errors.New("call timeout")
	ctx, cancel := context.WithCancelCause(context.Background())
	done := runPipeline(t, ctx, p, conn)
	cancel(cause)

	if err := waitRun(t, done); !errors.Is(err, cause) {
		t.Fatalf("Run() error = %v, want %v", err, cause)
	}
}

func TestPipelineModelErrors(t *testing.T) {
	conv := &scriptedConversation{events: make(chan ModelEvent, 16)}
	conn := newFakeMediaConn()
	p := NewPipeline(PipelineConfig{}, cacheOf(&scriptedModel{conv: conv}), NewMockTTSProvider())

	done := runPipeline(t, context.Background(), p, conn)
	conv.events <- ModelEvent{Type: ModelEventError, Code: "overloaded", Retryable: true}
	conv.events <- ModelEvent{Type: ModelEventError, Code: "bad_request", Detail: "invalid audio"}

	err := waitRun(t, done)
	if err == nil || !strings.Contains(err.Error(), "bad_request") {
		t.Fatalf("Run() error = %v, want fatal model error", err)
	}
}

func TestPipelinePeerDisconnect(t *testing.T) {
	conv := &scriptedConversation{events: make(chan ModelEvent, 16)}
	conn := newFakeMediaConn()
	p := NewPipeline(PipelineConfig{}, cacheOf(&scriptedModel{conv: conv}), NewMockTTSProvider())

	done := runPipeline(t, context.Background(), p, conn)
	close(conn.in)
	if err := waitRun(t, done); !errors.Is(err, protocol.ErrStreamClosed) {
		t.Fatalf("Run() error = %v, want ErrStreamClosed", err)
	}
}

func TestPipelineModelLoadFailure(t *testing.T) {
	conn := newFakeMediaConn()
	cache := NewModelCache(func(context.Context) (SpeechModel, error) {
		return nil, errors.New("HF_TOKEN environment variable is required")
	}, nil)
	p := NewPipeline(PipelineConfig{}, cache, NewMockTTSProvider())

	err := p.Run(context.Background(), conn, testStart)
	if err == nil || !strings.Contains(err.Error(), "HF_TOKEN") {
		t.Fatalf("Run() error = %v, want model load error", err)
	}
}
