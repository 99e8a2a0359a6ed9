package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/callstore"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
)

const serviceName = "callbridge"

// StreamServer owns an upgraded media stream until the call is over.
type StreamServer interface {
	Serve(ctx context.Context, ws *websocket.Conn)
}

// DrainState reports whether the process is shutting down.
type DrainState interface {
	Draining() bool
}

type Deps struct {
	Intake    *IntakeHandler
	Streams   StreamServer
	Registry  *session.Registry
	Store     callstore.Store
	Shutdown  DrainState
	Validator *telephony.SignatureValidator
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony media clients send no Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/calls/active", s.handleActiveCalls)
	r.Get("/calls/history", s.handleCallHistory)

	r.Group(func(r chi.Router) {
		r.Use(s.requireTwilioSignature)
		r.Post("/incoming", s.deps.Intake.ServeHTTP)
		r.Post("/", s.deps.Intake.ServeHTTP)
	})
	r.Get("/ws", s.handleStreamWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if s.deps.Shutdown != nil && s.deps.Shutdown.Draining() {
		status = "draining"
	}
	active := 0
	if s.deps.Registry != nil {
		active = s.deps.Registry.Count()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"service":            serviceName,
		"active_connections": active,
		"intake_mode":        s.cfg.IntakeMode,
	})
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, _ *http.Request) {
	calls := []session.Info{}
	if s.deps.Registry != nil {
		calls = s.deps.Registry.Snapshot()
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call store not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	records, err := s.deps.Store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("call history query failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", "call history unavailable")
		return
	}
	if records == nil {
		records = []callstore.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records, "count": len(records)})
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Streams == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "stream handler not configured")
		return
	}
	if s.deps.Shutdown != nil && s.deps.Shutdown.Draining() {
		respondError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	ws.SetReadLimit(1 << 20)
	s.deps.Streams.Serve(r.Context(), ws)
}

// requireTwilioSignature rejects webhooks without a valid signature when a
// validator is configured.
func (s *Server) requireTwilioSignature(next http.Handler) http.Handler {
	if s.deps.Validator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
			return
		}
		if !s.deps.Validator.ValidRequest(r) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.IntakeResponses.WithLabelValues(s.cfg.IntakeMode, "bad_signature").Inc()
			}
			s.logger.Warn("rejected webhook with invalid signature", zap.String("remote", r.RemoteAddr))
			respondError(w, http.StatusForbidden, "invalid_signature", "request signature mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}
