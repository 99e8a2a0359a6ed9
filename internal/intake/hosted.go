package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/callstore"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/ultravox"
)

// CallCreator creates hosted agent calls.
type CallCreator interface {
	CreateCall(ctx context.Context, req ultravox.CallRequest) (ultravox.Call, error)
}

// Hosted asks the hosted agent service for a join address per call.
type Hosted struct {
	creator    CallCreator
	request    ultravox.CallRequest
	streamName string
	store      callstore.Store
	now        func() time.Time
}

func NewHosted(cfg config.Config, creator CallCreator, store callstore.Store) *Hosted {
	return &Hosted{
		creator: creator,
		request: ultravox.CallRequest{
			SystemPrompt: cfg.SystemPrompt,
			Model:        cfg.UltravoxCallModel,
			Voice:        cfg.UltravoxVoice,
			Temperature:  cfg.UltravoxCallTemp,
			FirstSpeaker: cfg.FirstSpeaker,
			Medium:       ultravox.TwilioMedium(),
			MaxDuration:  fmt.Sprintf("%ds", int(cfg.CallTimeout/time.Second)),
		},
		streamName: cfg.StreamName,
		store:      store,
		now:        time.Now,
	}
}

func (h *Hosted) Mode() string { return config.IntakeHosted }

func (h *Hosted) Resolve(ctx context.Context, in Inbound) (Target, error) {
	call, err := h.creator.CreateCall(ctx, h.request)
	if err != nil {
		return Target{}, upstreamErr(err)
	}

	if h.store != nil {
		rec := callstore.Record{
			ID:             uuid.NewString(),
			Mode:           config.IntakeHosted,
			CallSID:        in.CallSID,
			UpstreamCallID: call.CallID,
			Outcome:        callstore.OutcomeRouted,
			StartedAt:      h.now().UTC(),
		}
		if err := h.store.Start(ctx, rec); err != nil {
			logging.FromContext(ctx).Warn("record hosted call failed",
				zap.String("call_sid", in.CallSID),
				zap.String("upstream_call_id", call.CallID),
				zap.Error(err),
			)
		}
	}

	return Target{
		StreamURL:      call.JoinURL,
		StreamName:     h.streamName,
		UpstreamCallID: call.CallID,
	}, nil
}

// upstreamErr marks HTTP and transport failures as ErrUpstream. Anything
// else, such as a success reply without a join address, stays a plain
// error so the caller hears an apology instead of a gateway error.
func upstreamErr(err error) error {
	var apiErr *ultravox.APIError
	if errors.As(err, &apiErr) || errors.Is(err, ultravox.ErrUnreachable) {
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return fmt.Errorf("create hosted call: %w", err)
}
