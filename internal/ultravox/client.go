// Package ultravox creates hosted agent calls whose join address can be
// handed to the telephony provider as a media stream target.
package ultravox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.ultravox.ai/api/calls"

var ErrUnreachable = errors.New("ultravox api unreachable")

// APIError is returned when the call-creation endpoint answers with a
// non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ultravox api status %d: %s", e.StatusCode, e.Body)
}

// Medium selects the transport the hosted agent expects on the join URL.
type Medium struct {
	Twilio *struct{} `json:"twilio,omitempty"`
}

// TwilioMedium is the medium descriptor for telephony media streams.
func TwilioMedium() Medium {
	return Medium{Twilio: &struct{}{}}
}

type InactivityMessage struct {
	Duration    string `json:"duration"`
	Message     string `json:"message"`
	EndBehavior string `json:"endBehavior,omitempty"`
}

// CallRequest is the fixed configuration payload posted per inbound call.
type CallRequest struct {
	SystemPrompt       string              `json:"systemPrompt"`
	Model              string              `json:"model"`
	Voice              string              `json:"voice"`
	Temperature        float64             `json:"temperature"`
	FirstSpeaker       string              `json:"firstSpeaker"`
	Medium             Medium              `json:"medium"`
	MaxDuration        string              `json:"maxDuration,omitempty"`
	InactivityMessages []InactivityMessage `json:"inactivityMessages,omitempty"`
}

// Call is the subset of the creation response the bridge uses.
type Call struct {
	CallID  string `json:"callId"`
	JoinURL string `json:"joinUrl"`
	Created string `json:"created,omitempty"`
}

// Client posts call-creation requests.
type Client struct {
	url    string
	apiKey string
	client *http.Client
}

func NewClient(url, apiKey string, timeout time.Duration) *Client {
	url = strings.TrimSpace(url)
	if url == "" {
		url = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    url,
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: timeout},
	}
}

// CreateCall requests a new hosted call and returns its join address.
func (c *Client) CreateCall(ctx context.Context, req CallRequest) (Call, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Call{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Call{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return Call{}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Call{}, &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var call Call
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&call); err != nil {
		return Call{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(call.JoinURL) == "" {
		return Call{}, errors.New("ultravox response missing joinUrl")
	}
	return call, nil
}
