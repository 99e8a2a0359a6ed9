package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/redact"
)

// FinalMarkName labels the mark sent after the last permitted turn. Its
// echo from the telephony side means the goodbye has finished playing.
const FinalMarkName = "final"

var ErrConversationClosed = errors.New("speech model conversation closed")

type PipelineConfig struct {
	Restaurant  RestaurantInfo
	MaxTurns    int
	VoiceID     string
	ModelID     string
	TTSSettings TTSSettings
	// FinalMarkWait bounds how long the pipeline waits for the final mark
	// echo once the turn cap is reached.
	FinalMarkWait time.Duration
}

// Pipeline runs one call: caller audio goes to the speech model, model text
// is split into sentences and synthesized, and the audio goes back on the
// media stream.
type Pipeline struct {
	cfg    PipelineConfig
	models *ModelCache
	tts    TTSProvider

	// OnTurn, if set, is called after each completed agent response.
	OnTurn func(streamSID string, turn int)
}

func NewPipeline(cfg PipelineConfig, models *ModelCache, tts TTSProvider) *Pipeline {
	if cfg.FinalMarkWait <= 0 {
		cfg.FinalMarkWait = 15 * time.Second
	}
	return &Pipeline{cfg: cfg, models: models, tts: tts}
}

type readResult struct {
	ev  protocol.Event
	err error
}

// Run returns nil when the call ends normally: the caller hangs up, the
// stream stops, or the turn cap is reached. When ctx is done it returns
// context.Cause(ctx).
func (p *Pipeline) Run(ctx context.Context, conn protocol.MediaConn, desc protocol.StartDescriptor) error {
	logger := logging.FromContext(ctx).With(zap.String("component", "voice_pipeline"))

	model, err := p.models.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("load speech model: %w", err)
	}

	conv, err := model.NewConversation(ctx, ConversationConfig{
		StreamSID:  desc.StreamSID,
		Encoding:   desc.MediaFormat.Encoding,
		SampleRate: desc.MediaFormat.SampleRate,
		Messages:   InitialMessages(p.cfg.Restaurant),
	})
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("start conversation: %w", err)
	}
	defer conv.Close()

	sentences, err := NewSentenceBuffer()
	if err != nil {
		return fmt.Errorf("load sentence tokenizer: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	inbound := make(chan readResult, 32)
	go func() {
		for {
			ev, err := conn.ReadEvent()
			select {
			case inbound <- readResult{ev: ev, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	r := &pipelineRun{
		p:         p,
		ctx:       ctx,
		logger:    logger,
		conn:      conn,
		conv:      conv,
		streamSID: desc.StreamSID,
		sentences: sentences,
	}
	defer func() {
		r.stopSpeaking()
		if r.finalTimer != nil {
			r.finalTimer.Stop()
		}
	}()

	if err := conv.Prompt(ctx, GreetingMessages(p.cfg.Restaurant)); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	logger.Info("voice pipeline started", zap.String("model", p.cfg.ModelID))

	modelEvents := conv.Events()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)

		case res := <-inbound:
			if res.err != nil {
				return res.err
			}
			finished, err := r.handleMedia(res.ev)
			if err != nil || finished {
				return err
			}

		case ev, ok := <-modelEvents:
			if !ok {
				return ErrConversationClosed
			}
			if err := r.handleModel(ev); err != nil {
				return err
			}

		case ev, ok := <-r.ttsEvents():
			if err := r.handleTTS(ev, ok); err != nil {
				return err
			}

		case <-r.finalTimeout():
			logger.Info("final mark not acknowledged, ending call")
			return nil
		}
	}
}

type pipelineRun struct {
	p         *Pipeline
	ctx       context.Context
	logger    *zap.Logger
	conn      protocol.MediaConn
	conv      Conversation
	streamSID string
	sentences *SentenceBuffer

	speaker    TTSStream
	inputDone  bool
	turns      int
	marks      int
	closing    bool
	finalTimer *time.Timer
}

func (r *pipelineRun) ttsEvents() <-chan TTSEvent {
	if r.speaker == nil {
		return nil
	}
	return r.speaker.Events()
}

func (r *pipelineRun) finalTimeout() <-chan time.Time {
	if r.finalTimer == nil {
		return nil
	}
	return r.finalTimer.C
}

func (r *pipelineRun) handleMedia(ev protocol.Event) (bool, error) {
	switch ev.Event {
	case protocol.EventMedia:
		if ev.Media != nil && ev.Media.Track != "" && ev.Media.Track != "inbound" {
			return false, nil
		}
		audio, err := ev.DecodePayload()
		if err != nil {
			r.logger.Debug("dropping undecodable media frame", zap.Error(err))
			return false, nil
		}
		if err := r.conv.SendAudio(r.ctx, audio); err != nil {
			return false, fmt.Errorf("send audio: %w", err)
		}
	case protocol.EventMark:
		if ev.Mark != nil && ev.Mark.Name == FinalMarkName {
			r.logger.Info("final mark acknowledged")
			return true, nil
		}
	case protocol.EventDTMF:
		if ev.DTMF != nil {
			r.logger.Debug("dtmf received", zap.String("digit", ev.DTMF.Digit))
		}
	case protocol.EventStop:
		r.logger.Info("stop event received")
		return true, nil
	}
	return false, nil
}

func (r *pipelineRun) handleModel(ev ModelEvent) error {
	switch ev.Type {
	case ModelEventSpeechStarted:
		if r.speaker == nil || r.closing {
			return nil
		}
		// Caller barged in: drop queued audio on both sides.
		r.stopSpeaking()
		r.sentences.Reset()
		if err := r.conn.WriteEvent(protocol.NewClearEvent(r.streamSID)); err != nil {
			return fmt.Errorf("clear playback: %w", err)
		}
		r.logger.Debug("barge-in, playback cleared")

	case ModelEventTranscript:
		r.logger.Debug("caller transcript", zap.String("text", redact.Text(ev.Text)))

	case ModelEventResponseDelta:
		if r.closing {
			return nil
		}
		for _, sentence := range r.sentences.Push(ev.Text) {
			if err := r.speak(sentence); err != nil {
				return err
			}
		}

	case ModelEventResponseEnd:
		if r.closing {
			return nil
		}
		if rest := r.sentences.Flush(); rest != "" {
			if err := r.speak(rest); err != nil {
				return err
			}
		}
		if r.speaker != nil && !r.inputDone {
			if err := r.speaker.CloseInput(r.ctx); err != nil {
				return fmt.Errorf("finish synthesis: %w", err)
			}
			r.inputDone = true
		}
		r.turns++
		if r.p.OnTurn != nil {
			r.p.OnTurn(r.streamSID, r.turns)
		}
		if limit := r.p.cfg.MaxTurns; limit > 0 && r.turns >= limit {
			r.logger.Info("conversation turn limit reached", zap.Int("turns", r.turns))
			r.closing = true
			if r.speaker == nil {
				return r.sendFinalMark()
			}
		}

	case ModelEventError:
		if ev.Retryable {
			r.logger.Warn("speech model transient error", zap.String("code", ev.Code), zap.String("detail", ev.Detail))
			return nil
		}
		return fmt.Errorf("speech model error %s: %s", ev.Code, ev.Detail)
	}
	return nil
}

func (r *pipelineRun) handleTTS(ev TTSEvent, ok bool) error {
	if !ok {
		r.stopSpeaking()
		if r.closing {
			return r.sendFinalMark()
		}
		return nil
	}
	switch ev.Type {
	case TTSEventAudio:
		audio, err := base64.StdEncoding.DecodeString(ev.AudioBase64)
		if err != nil {
			r.logger.Debug("dropping undecodable tts chunk", zap.Error(err))
			return nil
		}
		if err := r.conn.WriteEvent(protocol.NewMediaEvent(r.streamSID, audio)); err != nil {
			return fmt.Errorf("write media: %w", err)
		}
	case TTSEventFinal:
		r.stopSpeaking()
		if r.closing {
			return r.sendFinalMark()
		}
		r.marks++
		if err := r.conn.WriteEvent(protocol.NewMarkEvent(r.streamSID, "turn-"+strconv.Itoa(r.marks))); err != nil {
			return fmt.Errorf("write mark: %w", err)
		}
	case TTSEventError:
		r.stopSpeaking()
		if ev.Retryable {
			r.logger.Warn("tts transient error", zap.String("code", ev.Code), zap.String("detail", ev.Detail))
			return nil
		}
		return fmt.Errorf("tts error %s: %s", ev.Code, ev.Detail)
	}
	return nil
}

func (r *pipelineRun) speak(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if r.speaker != nil && r.inputDone {
		// A new response began before the previous one finished playing.
		r.stopSpeaking()
	}
	if r.speaker == nil {
		stream, err := r.p.tts.StartStream(r.ctx, r.p.cfg.VoiceID, r.p.cfg.ModelID, r.p.cfg.TTSSettings)
		if err != nil {
			return fmt.Errorf("start tts stream: %w", err)
		}
		r.speaker = stream
	}
	if err := r.speaker.SendText(r.ctx, text+" ", true); err != nil {
		return fmt.Errorf("send tts text: %w", err)
	}
	return nil
}

func (r *pipelineRun) stopSpeaking() {
	if r.speaker != nil {
		_ = r.speaker.Close()
		r.speaker = nil
		r.inputDone = false
	}
}

func (r *pipelineRun) sendFinalMark() error {
	if r.finalTimer != nil {
		return nil
	}
	if err := r.conn.WriteEvent(protocol.NewMarkEvent(r.streamSID, FinalMarkName)); err != nil {
		return fmt.Errorf("write final mark: %w", err)
	}
	r.finalTimer = time.NewTimer(r.p.cfg.FinalMarkWait)
	return nil
}
