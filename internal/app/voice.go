package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/voice"
)

type voiceSetup struct {
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	defaultVoiceID   string
	defaultModelID   string
	detail           string
}

func resolveTTSProvider(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.TTSProvider))
	if mode == "" {
		mode = "auto"
	}

	tryCartesia := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.CartesiaAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewCartesiaProvider(voice.CartesiaConfig{
			APIKey: cfg.CartesiaAPIKey,
			WSURL:  cfg.CartesiaWSURL,
		})
		return voiceSetup{
			ttsProvider:      p,
			resolvedProvider: "cartesia",
			defaultVoiceID:   cfg.CartesiaVoiceID,
			defaultModelID:   cfg.CartesiaModel,
			detail:           "cartesia websocket",
		}, true
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:    cfg.ElevenLabsAPIKey,
			WSBaseURL: cfg.ElevenLabsWSBaseURL,
		})
		return voiceSetup{
			ttsProvider:      p,
			resolvedProvider: "elevenlabs",
			defaultVoiceID:   cfg.ElevenLabsVoiceID,
			defaultModelID:   cfg.ElevenLabsModelID,
			detail:           "elevenlabs stream-input",
		}, true
	}

	mock := voiceSetup{
		ttsProvider:      voice.NewMockTTSProvider(),
		resolvedProvider: "mock",
		detail:           "mock",
	}

	switch mode {
	case "cartesia":
		if setup, ok := tryCartesia(); ok {
			return setup, nil
		}
		// Keep the configured provider so the first stream reports the
		// missing key instead of silently playing nothing.
		return voiceSetup{
			ttsProvider:      voice.NewCartesiaProvider(voice.CartesiaConfig{WSURL: cfg.CartesiaWSURL}),
			resolvedProvider: "cartesia",
			defaultVoiceID:   cfg.CartesiaVoiceID,
			defaultModelID:   cfg.CartesiaModel,
			detail:           "cartesia (CARTESIA_API_KEY missing)",
		}, nil
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("TTS_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "mock":
		return mock, nil
	case "auto":
		cartesia, hasCartesia := tryCartesia()
		eleven, hasEleven := tryElevenLabs()
		if hasCartesia && hasEleven {
			return voiceSetup{
				ttsProvider: voice.NewFailoverTTSProvider(
					cartesia.ttsProvider,
					eleven.ttsProvider,
					eleven.defaultVoiceID,
					eleven.defaultModelID,
				),
				resolvedProvider: "cartesia",
				defaultVoiceID:   cartesia.defaultVoiceID,
				defaultModelID:   cartesia.defaultModelID,
				detail:           "cartesia websocket (automatic elevenlabs fallback)",
			}, nil
		}
		if hasCartesia {
			return cartesia, nil
		}
		if hasEleven {
			return eleven, nil
		}
		return mock, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid TTS_PROVIDER: %q", cfg.TTSProvider)
	}
}

// newModelCache returns the shared speech model cache. ULTRAVOX_MODEL=mock
// selects the scripted local model.
func newModelCache(cfg config.Config, metrics *observability.Metrics) *voice.ModelCache {
	onBuilt := metrics.ObserveModelLoad
	if strings.EqualFold(strings.TrimSpace(cfg.SpeechModel), "mock") {
		mock := voice.NewMockSpeechModel()
		return voice.NewModelCache(func(_ context.Context) (voice.SpeechModel, error) {
			return mock, nil
		}, onBuilt)
	}
	return voice.NewModelCache(voice.NewHostedModelBuilder(voice.HostedModelConfig{
		BaseURL:     cfg.SpeechModelURL,
		HFToken:     cfg.HFToken,
		Model:       cfg.SpeechModel,
		Temperature: cfg.SpeechTemperature,
		MaxTokens:   cfg.SpeechMaxTokens,
	}), onBuilt)
}
