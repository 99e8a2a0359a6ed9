// Package telephony talks to the telephony provider outside the media
// stream: REST call control and webhook signature checks.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

var ErrMissingCallSID = errors.New("call sid is required")

type callUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// Client completes calls over the REST API.
type Client struct {
	api callUpdater
}

// NewClient returns a REST client, or nil when credentials are absent.
func NewClient(accountSID, authToken string) *Client {
	accountSID = strings.TrimSpace(accountSID)
	authToken = strings.TrimSpace(authToken)
	if accountSID == "" || authToken == "" {
		return nil
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Client{api: rest.Api}
}

// Hangup moves an in-progress call to completed. A nil client is a no-op.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	if c == nil {
		return nil
	}
	callSID = strings.TrimSpace(callSID)
	if callSID == "" {
		return ErrMissingCallSID
	}

	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")

	done := make(chan error, 1)
	go func() {
		_, err := c.api.UpdateCall(callSID, params)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("hangup %s: %w", callSID, context.Cause(ctx))
	case err := <-done:
		if err != nil {
			return fmt.Errorf("hangup %s: %w", callSID, err)
		}
		return nil
	}
}
