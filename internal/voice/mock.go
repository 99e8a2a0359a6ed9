package voice

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
)

// ulawSilence is the μ-law code for a zero sample.
const ulawSilence = 0xFF

// MockSpeechModel is a local stand-in used when no speech model is
// configured. It greets on Prompt and answers after every FramesPerTurn
// audio frames.
type MockSpeechModel struct {
	FramesPerTurn int
	Reply         string
}

func NewMockSpeechModel() *MockSpeechModel {
	return &MockSpeechModel{FramesPerTurn: 150, Reply: "Thanks for calling. How else can I help?"}
}

func (m *MockSpeechModel) NewConversation(_ context.Context, _ ConversationConfig) (Conversation, error) {
	frames := m.FramesPerTurn
	if frames <= 0 {
		frames = 150
	}
	return &mockConversation{events: make(chan ModelEvent, 256), framesPerTurn: frames, reply: m.Reply}, nil
}

type mockConversation struct {
	mu            sync.Mutex
	events        chan ModelEvent
	framesPerTurn int
	frames        int
	reply         string
	closed        bool
}

func (c *mockConversation) SendAudio(_ context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(audio) == 0 {
		return nil
	}
	c.frames++
	if c.frames == 1 {
		c.events <- ModelEvent{Type: ModelEventSpeechStarted}
	}
	if c.frames%c.framesPerTurn == 0 {
		c.events <- ModelEvent{Type: ModelEventTranscript, Text: "simulated caller speech"}
		c.respond(c.reply)
		c.frames = 0
	}
	return nil
}

func (c *mockConversation) Prompt(_ context.Context, messages []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	text := "Hello, thanks for calling. How can I help you today?"
	if len(messages) == 0 {
		text = c.reply
	}
	c.respond(text)
	return nil
}

func (c *mockConversation) respond(text string) {
	for _, word := range strings.Fields(text) {
		c.events <- ModelEvent{Type: ModelEventResponseDelta, Text: word + " "}
	}
	c.events <- ModelEvent{Type: ModelEventResponseEnd}
}

func (c *mockConversation) Events() <-chan ModelEvent { return c.events }

func (c *mockConversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// MockTTSProvider synthesizes silence: 20ms of μ-law per word.
type MockTTSProvider struct{}

func NewMockTTSProvider() *MockTTSProvider { return &MockTTSProvider{} }

func (p *MockTTSProvider) StartStream(_ context.Context, _ string, _ string, _ TTSSettings) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 128)}, nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	words := len(strings.Fields(text))
	if s.closed || words == 0 {
		return nil
	}
	frame := make([]byte, 160*words)
	for i := range frame {
		frame[i] = ulawSilence
	}
	s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: base64.StdEncoding.EncodeToString(frame), Format: "ulaw_8000"}
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
