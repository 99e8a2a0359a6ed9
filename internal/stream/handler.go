// Package stream serves the bidirectional media stream endpoint: it runs
// the two-message handshake, registers the call and hands the connection
// to the voice agent until the call ends.
package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/callstore"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/session"
)

// ErrCallTimeout is the cancellation cause when a call reaches its
// configured maximum duration.
var ErrCallTimeout = errors.New("call timeout")

const hangupTimeout = 10 * time.Second

// Agent runs the voice conversation for one call. Run must return once
// ctx is done; context.Cause(ctx) tells it why.
type Agent interface {
	Run(ctx context.Context, conn protocol.MediaConn, desc protocol.StartDescriptor) error
}

// CallTerminator ends the telephony leg out of band.
type CallTerminator interface {
	Hangup(ctx context.Context, callSID string) error
}

type Options struct {
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{HandshakeTimeout: cfg.HandshakeTimeout, CallTimeout: cfg.CallTimeout}
}

type Handler struct {
	opts       Options
	registry   *session.Registry
	agent      Agent
	store      callstore.Store
	terminator CallTerminator
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func NewHandler(opts Options, registry *session.Registry, agent Agent, store callstore.Store, terminator CallTerminator, metrics *observability.Metrics, logger *zap.Logger) *Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 1800 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		opts:       opts,
		registry:   registry,
		agent:      agent,
		store:      store,
		terminator: terminator,
		metrics:    metrics,
		logger:     logger,
	}
}

// Serve owns ws until the call is over. It always leaves the socket closed
// and the registry without an entry for this call.
func (h *Handler) Serve(ctx context.Context, ws *websocket.Conn) {
	conn := NewConn(ws)
	logger := h.logger
	var sess *session.CallSession
	defer func() {
		_ = conn.CloseWithCode(CloseNormal, "")
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("media stream handler panic",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			h.metrics.SessionEvents.WithLabelValues("panic").Inc()
			if sess != nil && sess.Finish(session.StateErrored, "internal error") == nil {
				h.metrics.CallOutcomes.WithLabelValues(string(session.StateErrored)).Inc()
				h.recordFinish(logger, sess, session.StateErrored, "internal error")
			}
			_ = conn.CloseWithCode(CloseInternalError, "internal error")
		}
	}()

	h.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	desc, err := ReadHandshake(conn, h.opts.HandshakeTimeout)
	if err != nil {
		h.rejectHandshake(conn, logger, err)
		return
	}

	logger = logger.With(zap.String("stream_sid", desc.StreamSID), zap.String("call_sid", desc.CallSID))
	conn.logger = logger
	sess = session.New(desc.StreamSID, desc.CallSID, conn)
	sess.AccountSID = desc.AccountSID

	if err := h.registry.Register(sess); err != nil {
		_ = sess.Finish(session.StateErrored, err.Error())
		code, reason := CloseDuplicateStream, "duplicate stream"
		if errors.Is(err, session.ErrDraining) {
			code, reason = CloseServerShutdown, "server shutdown"
		}
		h.metrics.HandshakeFailures.WithLabelValues(strconv.Itoa(code)).Inc()
		logger.Warn("media stream registration refused", zap.Error(err))
		_ = conn.CloseWithCode(code, reason)
		return
	}
	defer func() {
		h.registry.Remove(sess)
		h.metrics.ActiveConnections.Set(float64(h.registry.Count()))
	}()
	h.metrics.ActiveConnections.Set(float64(h.registry.Count()))
	h.metrics.SessionEvents.WithLabelValues("registered").Inc()

	h.recordStart(ctx, logger, sess)
	logger.Info("media stream started", zap.String("session_id", sess.ID))

	outcome, detail, closeCode := h.run(ctx, logger, sess, conn, desc)

	if err := sess.Finish(outcome, detail); err != nil {
		logger.Warn("session state transition failed", zap.Error(err))
	}
	h.recordFinish(logger, sess, outcome, detail)

	elapsed := time.Since(sess.CreatedAt)
	h.metrics.CallOutcomes.WithLabelValues(string(outcome)).Inc()
	h.metrics.ObserveCallDuration(elapsed)

	if outcome == session.StateTimedOut && h.terminator != nil && desc.CallSID != "" {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangupTimeout)
		if err := h.terminator.Hangup(hctx, desc.CallSID); err != nil {
			h.metrics.UpstreamErrors.WithLabelValues("twilio", "hangup").Inc()
			logger.Warn("telephony hangup failed", zap.Error(err))
		}
		cancel()
	}
	_ = conn.CloseWithCode(closeCode, detail)

	// A drain or the janitor may have closed the socket first.
	logger.Info("media stream finished",
		zap.String("outcome", string(outcome)),
		zap.String("detail", detail),
		zap.Int("close_code", conn.CloseCode()),
		zap.Duration("duration", elapsed),
	)
}

func (h *Handler) run(ctx context.Context, logger *zap.Logger, sess *session.CallSession, conn *Conn, desc protocol.StartDescriptor) (session.State, string, int) {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	sess.BindCancel(cancelRun)

	callCtx, stop := context.WithTimeoutCause(runCtx, h.opts.CallTimeout, ErrCallTimeout)
	defer stop()

	if err := sess.Activate(); err != nil {
		return session.StateErrored, err.Error(), CloseInternalError
	}

	runErr := h.agent.Run(logging.WithLogger(callCtx, logger), conn, desc)
	cause := context.Cause(callCtx)
	if callCtx.Err() == nil {
		cause = nil
	}

	switch {
	case errors.Is(cause, ErrCallTimeout), errors.Is(runErr, ErrCallTimeout):
		return session.StateTimedOut, "maximum call duration reached", CloseNormal
	case errors.Is(cause, session.ErrOverdue):
		return session.StateTimedOut, "session overdue", CloseNormal
	case errors.Is(cause, session.ErrServerShutdown):
		return session.StateEnded, "server shutdown", CloseServerShutdown
	case runErr == nil:
		return session.StateEnded, "call ended", CloseNormal
	case errors.Is(runErr, protocol.ErrStreamClosed):
		return session.StateEnded, "peer disconnected", CloseNormal
	case cause != nil:
		return session.StateEnded, cause.Error(), CloseNormal
	default:
		logger.Error("voice session failed", zap.Error(runErr))
		return session.StateErrored, truncate(runErr.Error(), 120), CloseInternalError
	}
}

func (h *Handler) rejectHandshake(conn *Conn, logger *zap.Logger, err error) {
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		h.metrics.HandshakeFailures.WithLabelValues("disconnected").Inc()
		logger.Info("media stream closed during handshake", zap.Error(err))
		return
	}
	h.metrics.HandshakeFailures.WithLabelValues(strconv.Itoa(hsErr.Code)).Inc()
	logger.Warn("media stream handshake rejected",
		zap.Int("close_code", hsErr.Code),
		zap.Error(err),
	)
	_ = conn.CloseWithCode(hsErr.Code, hsErr.Reason)
}

func (h *Handler) recordStart(ctx context.Context, logger *zap.Logger, sess *session.CallSession) {
	if h.store == nil {
		return
	}
	err := h.store.Start(ctx, callstore.Record{
		ID:        sess.ID,
		Mode:      config.IntakeSelfHosted,
		CallSID:   sess.CallSID,
		StreamSID: sess.StreamSID,
		Outcome:   callstore.OutcomeActive,
		StartedAt: sess.CreatedAt,
	})
	if err != nil {
		logger.Warn("record call start failed", zap.Error(err))
	}
}

func (h *Handler) recordFinish(logger *zap.Logger, sess *session.CallSession, outcome session.State, detail string) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.Finish(ctx, sess.ID, outcomeLabel(outcome), detail, time.Now().UTC()); err != nil {
		logger.Warn("record call finish failed", zap.Error(err))
	}
}

func outcomeLabel(s session.State) string {
	switch s {
	case session.StateTimedOut:
		return callstore.OutcomeTimedOut
	case session.StateErrored:
		return callstore.OutcomeErrored
	default:
		return callstore.OutcomeEnded
	}
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return fmt.Sprintf("%s...", s[:n])
}
