package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/intake"
	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/redact"
	"github.com/ent0n29/callbridge/internal/twiml"
	"github.com/ent0n29/callbridge/internal/ultravox"
)

// IntakeHandler answers the call-start webhook with stream markup. Every
// path that does not end in a bad gateway answers with a valid document.
type IntakeHandler struct {
	strategy intake.Strategy
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func NewIntakeHandler(strategy intake.Strategy, metrics *observability.Metrics, logger *zap.Logger) *IntakeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntakeHandler{strategy: strategy, metrics: metrics, logger: logger}
}

func (h *IntakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mode := h.strategy.Mode()
	logger := h.logger.With(zap.String("intake_mode", mode))
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("intake handler panic", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			h.count(mode, "panic")
			respondTwiML(w, twiml.StaticApology())
		}
	}()

	if err := r.ParseForm(); err != nil {
		logger.Warn("unparseable intake form", zap.Error(err))
	}
	in := intake.Inbound{
		CallSID:    r.PostForm.Get("CallSid"),
		AccountSID: r.PostForm.Get("AccountSid"),
		From:       r.PostForm.Get("From"),
		To:         r.PostForm.Get("To"),
	}
	logger = logger.With(
		zap.String("call_sid", in.CallSID),
		zap.String("from", redact.PhoneNumber(in.From)),
	)

	target, err := h.strategy.Resolve(logging.WithLogger(r.Context(), logger), in)
	if err != nil {
		h.fail(w, logger, mode, err)
		return
	}

	doc, err := twiml.StreamResponse(twiml.StreamOptions{
		URL:          target.StreamURL,
		Name:         target.StreamName,
		PauseSeconds: target.PauseSeconds,
		Parameters:   target.Parameters,
	})
	if err != nil {
		logger.Error("render stream markup failed", zap.Error(err))
		h.count(mode, "render_error")
		respondTwiML(w, twiml.ApologyResponse(""))
		return
	}

	h.count(mode, "stream")
	logger.Info("call routed to stream",
		zap.String("stream_url", target.StreamURL),
		zap.String("upstream_call_id", target.UpstreamCallID),
	)
	respondTwiML(w, doc)
}

func (h *IntakeHandler) fail(w http.ResponseWriter, logger *zap.Logger, mode string, err error) {
	if errors.Is(err, intake.ErrUpstream) {
		var apiErr *ultravox.APIError
		code, msg := "unreachable", "Failed to connect to Ultravox API"
		if errors.As(err, &apiErr) {
			code = strconv.Itoa(apiErr.StatusCode)
			msg = fmt.Sprintf("Ultravox API error: %d", apiErr.StatusCode)
		} else if errors.Is(err, context.DeadlineExceeded) {
			code = "timeout"
		}
		if h.metrics != nil {
			h.metrics.UpstreamErrors.WithLabelValues("ultravox", code).Inc()
		}
		h.count(mode, "upstream_error")
		logger.Error("hosted call creation failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, "upstream_error", msg)
		return
	}

	var cfgErr *intake.ConfigError
	if errors.As(err, &cfgErr) {
		h.count(mode, "config_error")
		logger.Error("intake configuration incomplete", zap.String("field", cfgErr.Field))
	} else {
		h.count(mode, "error")
		logger.Error("intake resolve failed", zap.Error(err))
	}
	respondTwiML(w, twiml.ApologyResponse(""))
}

func (h *IntakeHandler) count(mode, result string) {
	if h.metrics != nil {
		h.metrics.IntakeResponses.WithLabelValues(mode, result).Inc()
	}
}
