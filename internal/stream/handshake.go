package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/callbridge/internal/protocol"
)

// Websocket close codes used by the media stream endpoint.
const (
	CloseNormal           = 1000
	CloseServerShutdown   = 1001
	CloseInternalError    = 1011
	CloseHandshakeTimeout = 4000
	CloseMalformedJSON    = 4001
	CloseInvalidStart     = 4002
	CloseDuplicateStream  = 4003
)

// HandshakeError is a terminal handshake failure mapped to a close code.
type HandshakeError struct {
	Code   int
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed (%d %s): %v", e.Code, e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ReadHandshake consumes the connect acknowledgment and the start
// descriptor, in that order, each under its own bounded wait. A peer that
// goes away mid-handshake yields an error wrapping protocol.ErrStreamClosed.
func ReadHandshake(c *Conn, timeout time.Duration) (protocol.StartDescriptor, error) {
	if _, err := c.ReadMessage(timeout); err != nil {
		return protocol.StartDescriptor{}, handshakeReadErr("connected", err)
	}

	raw, err := c.ReadMessage(timeout)
	if err != nil {
		return protocol.StartDescriptor{}, handshakeReadErr("start", err)
	}

	desc, err := protocol.ParseStartDescriptor(raw)
	switch {
	case err == nil:
		return desc, nil
	case errors.Is(err, protocol.ErrMalformedJSON):
		return protocol.StartDescriptor{}, &HandshakeError{Code: CloseMalformedJSON, Reason: "malformed start message", Err: err}
	default:
		return protocol.StartDescriptor{}, &HandshakeError{Code: CloseInvalidStart, Reason: "invalid start descriptor", Err: err}
	}
}

func handshakeReadErr(stage string, err error) error {
	if errors.Is(err, errReadTimeout) {
		return &HandshakeError{
			Code:   CloseHandshakeTimeout,
			Reason: "handshake timeout",
			Err:    fmt.Errorf("waiting for %s message: %w", stage, err),
		}
	}
	return fmt.Errorf("reading %s message: %w", stage, err)
}
