// Package twiml renders the voice markup documents returned to the
// telephony provider's call-start webhook.
package twiml

import (
	"errors"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// DefaultApology is spoken when a call cannot be routed to an agent.
const DefaultApology = "Sorry, there was an error connecting your call."

const staticApology = `<?xml version="1.0" encoding="UTF-8"?><Response><Say>` + DefaultApology + `</Say><Hangup></Hangup></Response>`

var ErrMissingStreamURL = errors.New("stream url is required")

// StreamOptions configures the connect-to-stream document.
type StreamOptions struct {
	URL  string
	Name string
	// PauseSeconds appends a trailing <Pause> so the leg stays up while the
	// stream is being established. Zero omits it.
	PauseSeconds int
	Parameters   map[string]string
}

// StreamResponse directs the caller's media to a bidirectional stream.
func StreamResponse(opts StreamOptions) (string, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return "", ErrMissingStreamURL
	}
	stream := twiml.VoiceStream{Url: url, Name: strings.TrimSpace(opts.Name)}
	for name, value := range opts.Parameters {
		stream.InnerElements = append(stream.InnerElements, twiml.VoiceParameter{Name: name, Value: value})
	}
	elements := []twiml.Element{
		twiml.VoiceConnect{InnerElements: []twiml.Element{stream}},
	}
	if opts.PauseSeconds > 0 {
		elements = append(elements, twiml.VoicePause{Length: strconv.Itoa(opts.PauseSeconds)})
	}
	return twiml.Voice(elements)
}

// ApologyResponse speaks message and hangs up. It never fails: a rendering
// error falls back to a static document.
func ApologyResponse(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		message = DefaultApology
	}
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	})
	if err != nil || doc == "" {
		return staticApology
	}
	return doc
}

// StaticApology returns the prebuilt apology document.
func StaticApology() string {
	return staticApology
}
