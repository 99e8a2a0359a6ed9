package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/callstore"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/httpapi"
	"github.com/ent0n29/callbridge/internal/intake"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/shutdown"
	"github.com/ent0n29/callbridge/internal/stream"
	"github.com/ent0n29/callbridge/internal/telephony"
	"github.com/ent0n29/callbridge/internal/ultravox"
	"github.com/ent0n29/callbridge/internal/voice"
)

// janitorInterval is how often the registry looks for calls past their
// ceiling.
const janitorInterval = 15 * time.Second

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
	DefaultModelID string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Shutdown *shutdown.Coordinator
	Models   *voice.ModelCache
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	// Cleanup stops background work and releases the call store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := callstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("call store init failed: %w", err)
	}

	voiceSetup, err := resolveTTSProvider(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())

	registry := session.NewRegistry(logger.Named("registry"))
	registry.SetExpireHook(func(s *session.CallSession) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		_ = s.Close(1000, "call timeout")
	})
	// The janitor only backs up the per-call context deadline, so give the
	// handler a grace period before forcing the socket closed.
	registry.StartJanitor(bgCtx, janitorInterval, cfg.CallTimeout+time.Minute)

	models := newModelCache(cfg, metrics)
	if cfg.PrewarmModel {
		go func() {
			wctx, cancel := context.WithTimeout(bgCtx, 10*time.Minute)
			defer cancel()
			if _, err := models.Get(wctx); err != nil {
				logger.Warn("speech model prewarm failed", zap.Error(err))
				return
			}
			logger.Info("speech model prewarmed", zap.String("model", cfg.SpeechModel))
		}()
	}

	pipeline := voice.NewPipeline(voice.PipelineConfig{
		Restaurant: voice.RestaurantInfo{
			Name:    cfg.RestaurantName,
			Address: cfg.RestaurantAddress,
			Hours:   cfg.RestaurantHours,
		},
		MaxTurns:    cfg.MaxConversationTurns,
		VoiceID:     voiceSetup.defaultVoiceID,
		ModelID:     voiceSetup.defaultModelID,
		TTSSettings: voice.TTSSettings{Speed: cfg.CartesiaSpeed},
	}, models, voiceSetup.ttsProvider)
	pipeline.OnTurn = func(streamSID string, _ int) {
		if s, ok := registry.Get(streamSID); ok {
			s.IncrementTurns()
		}
	}

	var terminator stream.CallTerminator
	if cfg.TwilioRESTEnabled() {
		terminator = telephony.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	} else {
		logger.Info("twilio REST credentials not set, timed-out calls are closed without a hangup")
	}
	streams := stream.NewHandler(stream.OptionsFromConfig(cfg), registry, pipeline, store, terminator, metrics, logger.Named("stream"))

	var strategy intake.Strategy
	switch cfg.IntakeMode {
	case config.IntakeHosted:
		client := ultravox.NewClient(cfg.UltravoxAPIURL, cfg.UltravoxAPIKey, cfg.UltravoxRequestTimeout)
		strategy = intake.NewHosted(cfg, client, store)
	default:
		strategy = intake.NewSelfHosted(cfg)
	}

	coordinator := shutdown.New(registry, logger.Named("shutdown"))
	coordinator.OnDrained(func(res session.DrainResult) {
		metrics.SessionEvents.WithLabelValues("drained").Add(float64(res.Closed))
	})

	var validator *telephony.SignatureValidator
	if cfg.ValidateTwilioSignature {
		validator = telephony.NewSignatureValidator(cfg.TwilioAuthToken, cfg.PublicBaseURL)
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Intake:    httpapi.NewIntakeHandler(strategy, metrics, logger.Named("intake")),
		Streams:   streams,
		Registry:  registry,
		Store:     store,
		Shutdown:  coordinator,
		Validator: validator,
		Metrics:   metrics,
		Logger:    logger.Named("http"),
	})

	cleanup := func() error {
		stopBackground()
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Shutdown: coordinator,
		Models:   models,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider:       voiceSetup.resolvedProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
			DefaultModelID: voiceSetup.defaultModelID,
		},
		Cleanup: cleanup,
	}, nil
}
