package voice

import "context"

type ModelEventType string

const (
	ModelEventSpeechStarted ModelEventType = "speech_started"
	ModelEventTranscript    ModelEventType = "transcript"
	ModelEventResponseDelta ModelEventType = "response_delta"
	ModelEventResponseEnd   ModelEventType = "response_end"
	ModelEventError         ModelEventType = "error"
)

// ModelEvent is emitted by a conversation with the speech model, which
// handles both recognition and response generation.
type ModelEvent struct {
	Type      ModelEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ConversationConfig struct {
	StreamSID  string
	Encoding   string
	SampleRate int
	Messages   []Message
}

// Conversation is one call's exchange with the speech model.
type Conversation interface {
	SendAudio(ctx context.Context, audio []byte) error
	Prompt(ctx context.Context, messages []Message) error
	Events() <-chan ModelEvent
	Close() error
}

// SpeechModel is the shared, expensive-to-build model handle.
type SpeechModel interface {
	NewConversation(ctx context.Context, cfg ConversationConfig) (Conversation, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Format      string
	Code        string
	Detail      string
	Retryable   bool
}

type TTSSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

type TTSStream interface {
	SendText(ctx context.Context, text string, tryTrigger bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error)
}
