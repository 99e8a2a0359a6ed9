package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/reliability"
)

const cartesiaVersion = "2024-06-10"

type CartesiaConfig struct {
	APIKey string
	WSURL  string
}

// CartesiaProvider synthesizes raw 8 kHz μ-law over the Cartesia websocket.
// Each stream is one generation context.
type CartesiaProvider struct {
	cfg CartesiaConfig
}

func NewCartesiaProvider(cfg CartesiaConfig) *CartesiaProvider {
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = "wss://api.cartesia.ai/tts/websocket"
	}
	return &CartesiaProvider{cfg: cfg}
}

func (p *CartesiaProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, fmt.Errorf("CARTESIA_API_KEY environment variable is required")
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "sonic-english"
	}

	u, err := url.Parse(p.cfg.WSURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("api_key", p.cfg.APIKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &cartesiaStream{
		conn:      conn,
		events:    make(chan TTSEvent, 512),
		contextID: uuid.NewString(),
		modelID:   modelID,
		voiceID:   voiceID,
		speed:     clamp(settings.Speed, 1.0, 0.5, 2.0),
	}
	go s.readLoop()
	return s, nil
}

type cartesiaVoice struct {
	Mode                 string         `json:"mode"`
	ID                   string         `json:"id"`
	ExperimentalControls map[string]any `json:"__experimental_controls,omitempty"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language"`
	ContextID    string               `json:"context_id"`
	Continue     bool                 `json:"continue"`
}

type cartesiaStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent

	contextID string
	modelID   string
	voiceID   string
	speed     float64
}

func (s *cartesiaStream) request(text string, cont bool) cartesiaRequest {
	voice := cartesiaVoice{Mode: "id", ID: s.voiceID}
	if s.speed != 1.0 {
		voice.ExperimentalControls = map[string]any{"speed": s.speed}
	}
	return cartesiaRequest{
		ModelID:    s.modelID,
		Transcript: text,
		Voice:      voice,
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_mulaw",
			SampleRate: 8000,
		},
		Language:  "en",
		ContextID: s.contextID,
		Continue:  cont,
	}
}

func (s *cartesiaStream) SendText(_ context.Context, text string, _ bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.writeJSON(s.request(text, true))
}

func (s *cartesiaStream) CloseInput(_ context.Context) error {
	return s.writeJSON(s.request("", false))
}

func (s *cartesiaStream) Events() <-chan TTSEvent { return s.events }

func (s *cartesiaStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *cartesiaStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *cartesiaStream) readLoop() {
	defer close(s.events)
	defer s.closeOnce.Do(func() { _ = s.conn.Close() })
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if id := asString(raw["context_id"]); id != "" && id != s.contextID {
			continue
		}

		switch asString(raw["type"]) {
		case "chunk":
			if audio := asString(raw["data"]); audio != "" {
				s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: audio, Format: "pcm_mulaw_8000"}
			}
		case "done":
			s.events <- TTSEvent{Type: TTSEventFinal}
			return
		case "error":
			code := asString(raw["error_code"])
			s.events <- TTSEvent{Type: TTSEventError, Code: code, Detail: asString(raw["error"]), Retryable: reliability.IsRetryableRealtimeMessageType(code)}
		}
	}
}
