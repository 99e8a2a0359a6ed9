// Package protocol defines the media stream messages exchanged with the
// telephony provider over the bidirectional websocket.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies media stream payload variants.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventClear     EventType = "clear"
	EventDTMF      EventType = "dtmf"
	EventStop      EventType = "stop"
)

var (
	ErrMalformedJSON    = errors.New("malformed media stream message")
	ErrMissingStreamSID = errors.New("start descriptor missing start.streamSid")
	ErrUnsupportedEvent = errors.New("unsupported media stream event")
	ErrMissingPayload   = errors.New("media stream event missing payload")
	ErrStreamClosed     = errors.New("media stream closed")
)

// MediaConn is a live media stream after the handshake. ReadEvent returns
// an error wrapping ErrStreamClosed once the peer or the server has closed it.
type MediaConn interface {
	ReadEvent() (Event, error)
	WriteEvent(Event) error
}

// Event is the envelope shared by every inbound and outbound frame.
type Event struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber,omitempty"`
	StreamSID      string    `json:"streamSid,omitempty"`
	Protocol       string    `json:"protocol,omitempty"`
	Version        string    `json:"version,omitempty"`
	Start          *Start    `json:"start,omitempty"`
	Media          *Media    `json:"media,omitempty"`
	Mark           *Mark     `json:"mark,omitempty"`
	DTMF           *DTMF     `json:"dtmf,omitempty"`
	Stop           *Stop     `json:"stop,omitempty"`
}

// Start carries the stream descriptor sent as the second handshake message.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Mark struct {
	Name string `json:"name"`
}

type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type Stop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// StartDescriptor is the validated form of the start message.
type StartDescriptor struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// ParseStartDescriptor parses the second handshake message. Only
// start.streamSid is mandatory; anything else is carried when present.
func ParseStartDescriptor(raw []byte) (StartDescriptor, error) {
	var shape struct {
		Start *struct {
			StreamSID        *string           `json:"streamSid"`
			AccountSID       string            `json:"accountSid"`
			CallSID          string            `json:"callSid"`
			Tracks           []string          `json:"tracks"`
			MediaFormat      MediaFormat       `json:"mediaFormat"`
			CustomParameters map[string]string `json:"customParameters"`
		} `json:"start"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return StartDescriptor{}, fmt.Errorf("%w: field %s has type %s", ErrMissingStreamSID, typeErr.Field, typeErr.Value)
		}
		return StartDescriptor{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if shape.Start == nil || shape.Start.StreamSID == nil || strings.TrimSpace(*shape.Start.StreamSID) == "" {
		return StartDescriptor{}, ErrMissingStreamSID
	}
	return StartDescriptor{
		StreamSID:        *shape.Start.StreamSID,
		CallSID:          shape.Start.CallSID,
		AccountSID:       shape.Start.AccountSID,
		Tracks:           shape.Start.Tracks,
		MediaFormat:      shape.Start.MediaFormat,
		CustomParameters: shape.Start.CustomParameters,
	}, nil
}

// ParseEvent parses a live media stream frame.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	switch ev.Event {
	case EventConnected, EventStart, EventMark, EventStop, EventClear:
		return ev, nil
	case EventMedia:
		if ev.Media == nil {
			return Event{}, fmt.Errorf("%w: media event without media object", ErrMissingPayload)
		}
		return ev, nil
	case EventDTMF:
		if ev.DTMF == nil {
			return Event{}, fmt.Errorf("%w: dtmf event without digit", ErrMissingPayload)
		}
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Event)
	}
}

// DecodePayload returns the raw audio bytes of a media event.
func (e Event) DecodePayload() ([]byte, error) {
	if e.Media == nil {
		return nil, errors.New("no media payload")
	}
	return base64.StdEncoding.DecodeString(e.Media.Payload)
}

// NewMediaEvent wraps outbound μ-law audio for the given stream.
func NewMediaEvent(streamSID string, audio []byte) Event {
	return Event{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &Media{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

// NewMarkEvent asks the provider to echo name once preceding audio has played.
func NewMarkEvent(streamSID, name string) Event {
	return Event{Event: EventMark, StreamSID: streamSID, Mark: &Mark{Name: name}}
}

// NewClearEvent drops any audio buffered on the provider side.
func NewClearEvent(streamSID string) Event {
	return Event{Event: EventClear, StreamSID: streamSID}
}
