package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	OutputFormat string
}

// ElevenLabsProvider streams text to the stream-input websocket and
// receives telephony-ready μ-law audio.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	return &ElevenLabsProvider{cfg: cfg}
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_flash_v2_5"
	}

	stability := clamp(settings.Stability, 0.42, 0, 1)
	similarity := clamp(settings.SimilarityBoost, 0.85, 0, 1)
	speed := clamp(settings.Speed, 1.0, 0.7, 1.2)

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenTTSStream{conn: conn, events: make(chan TTSEvent, 512), format: p.cfg.OutputFormat}
	go s.readLoop()
	// The first message must carry a single space and the voice settings.
	if err := s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        stability,
			"similarity_boost": similarity,
			"speed":            speed,
		},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	return s, nil
}

// clamp applies fallback to non-positive values, then bounds v.
func clamp(v, fallback, lo, hi float64) float64 {
	if v <= 0 {
		v = fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type elevenTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
	format    string
}

func (s *elevenTTSStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": tryTrigger,
	})
}

func (s *elevenTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *elevenTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenTTSStream) readLoop() {
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

		if audio := asString(raw["audio"]); audio != "" {
			s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: audio, Format: s.format}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			s.events <- TTSEvent{Type: TTSEventFinal}
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			s.events <- TTSEvent{Type: TTSEventError, Code: code, Detail: errMsg, Retryable: reliability.IsRetryableRealtimeMessageType(code)}
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
