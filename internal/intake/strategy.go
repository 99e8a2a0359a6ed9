// Package intake resolves where an inbound call's media stream should be
// connected.
package intake

import (
	"context"
	"errors"
	"fmt"
)

// ErrUpstream marks failures of the hosted call-creation service. Handlers
// surface it as a bad gateway rather than caller-facing markup.
var ErrUpstream = errors.New("upstream call service failed")

// ConfigError reports a deployment identifier missing at request time.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Field)
}

// Inbound carries the webhook fields of a call-start notification.
type Inbound struct {
	CallSID    string
	AccountSID string
	From       string
	To         string
}

// Target is the stream address the telephony leg should connect to.
type Target struct {
	StreamURL      string
	StreamName     string
	PauseSeconds   int
	UpstreamCallID string
	Parameters     map[string]string
}

// Strategy obtains a routable stream address for an inbound call.
type Strategy interface {
	Mode() string
	Resolve(ctx context.Context, in Inbound) (Target, error)
}
