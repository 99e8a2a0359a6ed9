package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Intake modes.
const (
	IntakeHosted     = "hosted"
	IntakeSelfHosted = "self_hosted"
)

// Config contains all runtime settings for the call bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	IntakeMode string

	UltravoxAPIKey         string
	UltravoxAPIURL         string
	UltravoxCallModel      string
	UltravoxVoice          string
	UltravoxCallTemp       float64
	UltravoxRequestTimeout time.Duration
	SystemPrompt           string
	FirstSpeaker           string
	StreamName             string

	ProjectID         string
	AppName           string
	StreamBaseURL     string
	TwiMLPauseSeconds int

	HandshakeTimeout time.Duration
	CallTimeout      time.Duration

	HFToken              string
	SpeechModelURL       string
	SpeechModel          string
	SpeechTemperature    float64
	SpeechMaxTokens      int
	MaxConversationTurns int
	PrewarmModel         bool

	TTSProvider     string
	CartesiaAPIKey  string
	CartesiaVoiceID string
	CartesiaModel   string
	CartesiaSpeed   float64
	CartesiaWSURL   string

	ElevenLabsAPIKey    string
	ElevenLabsWSBaseURL string
	ElevenLabsVoiceID   string
	ElevenLabsModelID   string

	RestaurantName    string
	RestaurantAddress string
	RestaurantHours   string

	TwilioAccountSID        string
	TwilioAuthToken         string
	ValidateTwilioSignature bool
	PublicBaseURL           string

	DatabaseURL string
}

const defaultSystemPrompt = "Your name is Steve. You are receiving a phone call. Ask them their name and see how they are doing."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":"+envOrDefault("PORT", "8765")),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		AllowAnyOrigin:         true,
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("LOG_FORMAT", "json"),
		IntakeMode:             strings.ToLower(envOrDefault("INTAKE_MODE", IntakeSelfHosted)),
		UltravoxAPIKey:         stringsTrimSpace("ULTRAVOX_API_KEY"),
		UltravoxAPIURL:         envOrDefault("ULTRAVOX_API_URL", "https://api.ultravox.ai/api/calls"),
		UltravoxCallModel:      envOrDefault("ULTRAVOX_CALL_MODEL", "fixie-ai/ultravox"),
		UltravoxVoice:          envOrDefault("ULTRAVOX_VOICE", "Mark"),
		UltravoxCallTemp:       0.3,
		UltravoxRequestTimeout: 30 * time.Second,
		SystemPrompt:           envOrDefault("AGENT_SYSTEM_PROMPT", defaultSystemPrompt),
		FirstSpeaker:           envOrDefault("AGENT_FIRST_SPEAKER", "FIRST_SPEAKER_AGENT"),
		StreamName:             envOrDefault("STREAM_NAME", "ultravox"),
		ProjectID:              stringsTrimSpace("CEREBRIUM_PROJECT_ID"),
		AppName:                stringsTrimSpace("CEREBRIUM_APP_NAME"),
		StreamBaseURL:          envOrDefault("STREAM_BASE_URL", "wss://api.cortex.cerebrium.ai/v4"),
		TwiMLPauseSeconds:      40,
		HandshakeTimeout:       10 * time.Second,
		CallTimeout:            1800 * time.Second,
		HFToken:                stringsTrimSpace("HF_TOKEN"),
		SpeechModelURL:         envOrDefault("SPEECH_MODEL_URL", "http://localhost:8082"),
		SpeechModel:            envOrDefault("ULTRAVOX_MODEL", "fixie-ai/ultravox-v0_4_1-llama-3_1-8b"),
		SpeechTemperature:      0.7,
		SpeechMaxTokens:        200,
		MaxConversationTurns:   50,
		TTSProvider:            strings.ToLower(envOrDefault("TTS_PROVIDER", "auto")),
		CartesiaAPIKey:         stringsTrimSpace("CARTESIA_API_KEY"),
		CartesiaVoiceID:        envOrDefault("CARTESIA_VOICE_ID", "79a125e8-cd45-4c13-8a67-188112f4dd22"),
		CartesiaModel:          envOrDefault("CARTESIA_MODEL", "sonic-english"),
		CartesiaSpeed:          1.0,
		CartesiaWSURL:          envOrDefault("CARTESIA_WS_URL", "wss://api.cartesia.ai/tts/websocket"),
		ElevenLabsAPIKey:       stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:    envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsVoiceID:      envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsModelID:      envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_flash_v2_5"),
		RestaurantName:         envOrDefault("RESTAURANT_NAME", "our restaurant"),
		RestaurantAddress:      envOrDefault("RESTAURANT_ADDRESS", "downtown"),
		RestaurantHours:        envOrDefault("RESTAURANT_HOURS", "Monday through Sunday, 11 AM to 10 PM"),
		TwilioAccountSID:       stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		PublicBaseURL:          strings.TrimRight(stringsTrimSpace("PUBLIC_BASE_URL"), "/"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:        15 * time.Second,
	}
	// Prewarm by default only on managed deployments, where the first caller
	// should not pay for the model load.
	cfg.PrewarmModel = cfg.ProjectID != ""

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("APP_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UltravoxRequestTimeout, err = durationFromEnv("ULTRAVOX_REQUEST_TIMEOUT", cfg.UltravoxRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	callTimeoutSeconds, err := intFromEnv("CALL_TIMEOUT_SECONDS", int(cfg.CallTimeout/time.Second))
	if err != nil {
		return Config{}, err
	}
	cfg.CallTimeout = time.Duration(callTimeoutSeconds) * time.Second
	cfg.TwiMLPauseSeconds, err = intFromEnv("TWIML_PAUSE_SECONDS", cfg.TwiMLPauseSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechMaxTokens, err = intFromEnv("ULTRAVOX_MAX_TOKENS", cfg.SpeechMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConversationTurns, err = intFromEnv("MAX_CONVERSATION_TURNS", cfg.MaxConversationTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechTemperature, err = floatFromEnv("ULTRAVOX_TEMPERATURE", cfg.SpeechTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.UltravoxCallTemp, err = floatFromEnv("ULTRAVOX_CALL_TEMPERATURE", cfg.UltravoxCallTemp)
	if err != nil {
		return Config{}, err
	}
	cfg.CartesiaSpeed, err = floatFromEnv("CARTESIA_SPEED", cfg.CartesiaSpeed)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PrewarmModel, err = boolFromEnv("MODEL_PREWARM", cfg.PrewarmModel)
	if err != nil {
		return Config{}, err
	}
	cfg.ValidateTwilioSignature, err = boolFromEnv("TWILIO_VALIDATE_SIGNATURE", cfg.ValidateTwilioSignature)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.IntakeMode {
	case IntakeHosted:
		if c.UltravoxAPIKey == "" {
			return fmt.Errorf("ULTRAVOX_API_KEY environment variable is required when INTAKE_MODE=%s", IntakeHosted)
		}
	case IntakeSelfHosted:
	default:
		return fmt.Errorf("invalid INTAKE_MODE: %q (expected %s|%s)", c.IntakeMode, IntakeHosted, IntakeSelfHosted)
	}
	switch c.TTSProvider {
	case "auto", "cartesia", "elevenlabs", "mock":
	default:
		return fmt.Errorf("invalid TTS_PROVIDER: %q (expected auto|cartesia|elevenlabs|mock)", c.TTSProvider)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT_SECONDS must be positive")
	}
	if c.HandshakeTimeout < 100*time.Millisecond {
		return fmt.Errorf("APP_HANDSHAKE_TIMEOUT must be at least 100ms")
	}
	if c.MaxConversationTurns <= 0 {
		return fmt.Errorf("MAX_CONVERSATION_TURNS must be positive")
	}
	if c.SpeechMaxTokens <= 0 {
		return fmt.Errorf("ULTRAVOX_MAX_TOKENS must be positive")
	}
	if c.TwiMLPauseSeconds < 0 {
		return fmt.Errorf("TWIML_PAUSE_SECONDS must be >= 0")
	}
	if c.ValidateTwilioSignature && c.TwilioAuthToken == "" {
		return fmt.Errorf("TWILIO_VALIDATE_SIGNATURE requires TWILIO_AUTH_TOKEN")
	}
	return nil
}

// TwilioRESTEnabled reports whether REST call control credentials are present.
func (c Config) TwilioRESTEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
