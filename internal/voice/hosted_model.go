package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/reliability"
)

type HostedModelConfig struct {
	BaseURL     string
	HFToken     string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
	LoadPolicy  reliability.Policy
}

// HostedSpeechModel drives a speech-to-response model served over HTTP
// (load) and websocket (conversations).
type HostedSpeechModel struct {
	cfg     HostedModelConfig
	client  *http.Client
	modelID string
}

// NewHostedModelBuilder returns a builder that validates credentials and
// loads the model on the serving host.
func NewHostedModelBuilder(cfg HostedModelConfig) ModelBuilder {
	return func(ctx context.Context) (SpeechModel, error) {
		if strings.TrimSpace(cfg.HFToken) == "" {
			return nil, errors.New("HF_TOKEN environment variable is required")
		}
		m := NewHostedSpeechModel(cfg)
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func NewHostedSpeechModel(cfg HostedModelConfig) *HostedSpeechModel {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	if cfg.LoadPolicy.Attempts <= 0 {
		cfg.LoadPolicy = reliability.Policy{Attempts: 5, Base: 500 * time.Millisecond, Cap: 10 * time.Second}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HostedSpeechModel{cfg: cfg, client: client}
}

type loadRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type loadResponse struct {
	ModelID string `json:"model_id"`
	Status  string `json:"status"`
}

// Load asks the serving host to load the model, retrying while it is
// warming up or rate limited.
func (m *HostedSpeechModel) Load(ctx context.Context) error {
	payload, err := json.Marshal(loadRequest{
		Model:       m.cfg.Model,
		Temperature: m.cfg.Temperature,
		MaxTokens:   m.cfg.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("marshal load request: %w", err)
	}

	logger := logging.FromContext(ctx)
	return reliability.Retry(ctx, m.cfg.LoadPolicy, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/v1/models/load", bytes.NewReader(payload))
		if err != nil {
			return reliability.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+m.cfg.HFToken)

		res, err := m.client.Do(req)
		if err != nil {
			logger.Warn("speech model load attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("send load request: %w", err)
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			err := fmt.Errorf("speech model load status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
			if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
				return reliability.Permanent(err)
			}
			logger.Warn("speech model load attempt failed", zap.Int("attempt", attempt), zap.Int("status", res.StatusCode))
			return err
		}

		var out loadResponse
		if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			return reliability.Permanent(fmt.Errorf("decode load response: %w", err))
		}
		m.modelID = out.ModelID
		if m.modelID == "" {
			m.modelID = m.cfg.Model
		}
		logger.Info("speech model loaded", zap.String("model", m.modelID), zap.String("status", out.Status))
		return nil
	})
}

func (m *HostedSpeechModel) conversationURL() (string, error) {
	u, err := url.Parse(m.cfg.BaseURL + "/v1/conversation")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("model_id", m.modelID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type conversationStart struct {
	Type        string    `json:"type"`
	StreamSID   string    `json:"stream_sid,omitempty"`
	Encoding    string    `json:"encoding"`
	SampleRate  int       `json:"sample_rate"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages,omitempty"`
}

func (m *HostedSpeechModel) NewConversation(ctx context.Context, cfg ConversationConfig) (Conversation, error) {
	wsURL, err := m.conversationURL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+m.cfg.HFToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial speech model websocket: %w", err)
	}

	if cfg.Encoding == "" {
		cfg.Encoding = "audio/x-mulaw"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	c := &hostedConversation{conn: conn, events: make(chan ModelEvent, 256)}
	if err := c.writeJSON(conversationStart{
		Type:        "start",
		StreamSID:   cfg.StreamSID,
		Encoding:    cfg.Encoding,
		SampleRate:  cfg.SampleRate,
		Temperature: m.cfg.Temperature,
		MaxTokens:   m.cfg.MaxTokens,
		Messages:    cfg.Messages,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	go c.readLoop()
	return c, nil
}

type hostedConversation struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan ModelEvent
}

func (c *hostedConversation) SendAudio(_ context.Context, audio []byte) error {
	return c.writeJSON(map[string]any{
		"type":  "audio",
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
}

func (c *hostedConversation) Prompt(_ context.Context, messages []Message) error {
	return c.writeJSON(map[string]any{
		"type":     "messages",
		"messages": messages,
	})
}

func (c *hostedConversation) Events() <-chan ModelEvent { return c.events }

func (c *hostedConversation) Close() error {
	_ = c.writeJSON(map[string]any{"type": "stop"})
	var retErr error
	c.closeOnce.Do(func() {
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *hostedConversation) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *hostedConversation) readLoop() {
	defer close(c.events)
	defer c.closeOnce.Do(func() { _ = c.conn.Close() })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Plain text frames carry response deltas; "</s>" ends the response.
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			text := string(data)
			switch text {
			case "":
			case "</s>":
				c.events <- ModelEvent{Type: ModelEventResponseEnd}
			default:
				c.events <- ModelEvent{Type: ModelEventResponseDelta, Text: text}
			}
			continue
		}

		messageType := asString(raw["type"])
		switch ModelEventType(messageType) {
		case ModelEventSpeechStarted, ModelEventTranscript, ModelEventResponseDelta, ModelEventResponseEnd:
			c.events <- ModelEvent{Type: ModelEventType(messageType), Text: asString(raw["text"])}
		case ModelEventError:
			code := asString(raw["code"])
			c.events <- ModelEvent{
				Type:      ModelEventError,
				Code:      code,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
			}
		default:
			// ready, pong and other control frames
		}
	}
}
