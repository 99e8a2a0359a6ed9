package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverTTSProvider prefers primary and switches to fallback when a
// stream fails to start. Once fallback succeeds it stays active until it
// fails too; then primary is retried.
func NewFailoverTTSProvider(primary, fallback TTSProvider, fallbackVoiceID, fallbackModelID string) TTSProvider {
	return &failoverTTSProvider{
		primary:         primary,
		fallback:        fallback,
		fallbackVoiceID: strings.TrimSpace(fallbackVoiceID),
		fallbackModelID: strings.TrimSpace(fallbackModelID),
	}
}

type failoverTTSProvider struct {
	fallbackActive  atomic.Bool
	primary         TTSProvider
	fallback        TTSProvider
	fallbackVoiceID string
	fallbackModelID string
}

// FallbackActive reports whether new streams currently go to the fallback.
func (p *failoverTTSProvider) FallbackActive() bool { return p.fallbackActive.Load() }

func (p *failoverTTSProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if p.fallbackActive.Load() {
		stream, fbErr := p.startFallback(ctx, voiceID, modelID, settings)
		if fbErr == nil {
			return stream, nil
		}
		stream, prErr := p.primary.StartStream(ctx, voiceID, modelID, settings)
		if prErr == nil {
			p.fallbackActive.Store(false)
			return stream, nil
		}
		return nil, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, voiceID, modelID, settings)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := p.startFallback(ctx, voiceID, modelID, settings)
	if fbErr != nil {
		return nil, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.fallbackActive.Store(true)
	return stream, nil
}

func (p *failoverTTSProvider) startFallback(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if p.fallbackVoiceID != "" {
		voiceID = p.fallbackVoiceID
	}
	if p.fallbackModelID != "" {
		modelID = p.fallbackModelID
	}
	return p.fallback.StartStream(ctx, voiceID, modelID, settings)
}
