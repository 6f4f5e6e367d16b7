package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice orchestrator service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	ReconnectGrace           time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LLMEndpoint string
	STTEndpoint string
	TTSEndpoint string
	TTSVoice    string

	VisionEndpoint string
	EnableVision   bool

	StorageDir  string
	DatabaseURL string

	CaptureSampleRate     int
	RecognitionSampleRate int

	GreetingPrompt string
	SystemPrompt   string

	Audio AudioTuning
}

// AudioTuning groups the empirically tuned segmentation and playback numbers.
// These are configuration, not invariants: every value can be overridden via
// environment or the optional YAML tuning file without code changes.
type AudioTuning struct {
	VoiceThreshold     float64
	InterruptThreshold float64
	SilenceTimeout     time.Duration
	MinUtterance       time.Duration
	StartupWindow      time.Duration
	StartupFactor      float64
	SettleDelay        time.Duration
	PlaybackLeadIn     time.Duration
	PlaybackGap        time.Duration
	InterruptEchoDelay time.Duration
	FollowUpSilence    time.Duration
}

// Load reads environment variables and applies safe defaults. When
// VOCALIS_CONFIG_FILE points at a YAML file, its audio tuning section
// overlays the defaults before env vars are applied.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "vocalis"),
		AllowAnyOrigin:   false,
		LLMEndpoint:      envOrDefault("LLM_API_ENDPOINT", "http://127.0.0.1:1234/v1/chat/completions"),
		STTEndpoint:      envOrDefault("STT_API_ENDPOINT", "http://127.0.0.1:8178/inference"),
		TTSEndpoint:      envOrDefault("TTS_API_ENDPOINT", "http://localhost:5005/v1/audio/speech"),
		TTSVoice:         envOrDefault("TTS_VOICE", "tara"),
		VisionEndpoint:   envTrimmed("VISION_API_ENDPOINT"),
		StorageDir:       envOrDefault("CONVERSATION_STORAGE_DIR", "conversations"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		GreetingPrompt: envOrDefault("GREETING_PROMPT",
			"Greet the user warmly and briefly, then ask what is on their mind."),
		SystemPrompt: envOrDefault("SYSTEM_PROMPT",
			"You are a helpful voice assistant. Keep answers short and conversational."),
		CaptureSampleRate:        48000,
		RecognitionSampleRate:    16000,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		ReconnectGrace:           30 * time.Second,
		Audio:                    DefaultAudioTuning(),
	}

	if path := envTrimmed("VOCALIS_CONFIG_FILE"); path != "" {
		if err := overlayTuningFile(path, &cfg.Audio); err != nil {
			return Config{}, err
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectGrace, err = durationFromEnv("APP_RECONNECT_GRACE", cfg.ReconnectGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EnableVision, err = boolFromEnv("ENABLE_VISION_MODEL", cfg.VisionEndpoint != "")
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.RecognitionSampleRate, err = intFromEnv("RECOGNITION_SAMPLE_RATE", cfg.RecognitionSampleRate)
	if err != nil {
		return Config{}, err
	}

	cfg.Audio.VoiceThreshold, err = floatFromEnv("VAD_THRESHOLD", cfg.Audio.VoiceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.Audio.InterruptThreshold, err = floatFromEnv("VAD_INTERRUPT_THRESHOLD", cfg.Audio.InterruptThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.Audio.SilenceTimeout, err = durationFromEnv("VAD_SILENCE_TIMEOUT", cfg.Audio.SilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Audio.MinUtterance, err = durationFromEnv("VAD_MIN_UTTERANCE", cfg.Audio.MinUtterance)
	if err != nil {
		return Config{}, err
	}
	cfg.Audio.FollowUpSilence, err = durationFromEnv("FOLLOW_UP_SILENCE", cfg.Audio.FollowUpSilence)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ReconnectGrace <= 0 {
		return Config{}, fmt.Errorf("APP_RECONNECT_GRACE must be positive")
	}
	if cfg.CaptureSampleRate <= 0 || cfg.RecognitionSampleRate <= 0 {
		return Config{}, fmt.Errorf("sample rates must be positive")
	}
	if cfg.Audio.VoiceThreshold <= 0 || cfg.Audio.VoiceThreshold >= 1 {
		return Config{}, fmt.Errorf("VAD_THRESHOLD must be in (0, 1)")
	}
	if cfg.Audio.InterruptThreshold <= 0 || cfg.Audio.InterruptThreshold > cfg.Audio.VoiceThreshold {
		return Config{}, fmt.Errorf("VAD_INTERRUPT_THRESHOLD must be in (0, VAD_THRESHOLD]")
	}
	if cfg.Audio.SilenceTimeout <= 0 || cfg.Audio.MinUtterance <= 0 {
		return Config{}, fmt.Errorf("segmentation timeouts must be positive")
	}

	return cfg, nil
}

// DefaultAudioTuning returns the tuned defaults. The thresholds and timers
// came out of listening tests, not derivation.
func DefaultAudioTuning() AudioTuning {
	return AudioTuning{
		VoiceThreshold:     0.5,
		InterruptThreshold: 0.35,
		SilenceTimeout:     850 * time.Millisecond,
		MinUtterance:       500 * time.Millisecond,
		StartupWindow:      time.Second,
		StartupFactor:      0.6,
		SettleDelay:        100 * time.Millisecond,
		PlaybackLeadIn:     50 * time.Millisecond,
		PlaybackGap:        10 * time.Millisecond,
		InterruptEchoDelay: 50 * time.Millisecond,
		FollowUpSilence:    90 * time.Second,
	}
}

// duration parses human-friendly values like "850ms" out of YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = duration(parsed)
	return nil
}

type tuningFile struct {
	Audio struct {
		VoiceThreshold     *float64  `yaml:"voice_threshold"`
		InterruptThreshold *float64  `yaml:"interrupt_threshold"`
		SilenceTimeout     *duration `yaml:"silence_timeout"`
		MinUtterance       *duration `yaml:"min_utterance"`
		StartupWindow      *duration `yaml:"startup_window"`
		StartupFactor      *float64  `yaml:"startup_factor"`
		SettleDelay        *duration `yaml:"settle_delay"`
		PlaybackLeadIn     *duration `yaml:"playback_lead_in"`
		PlaybackGap        *duration `yaml:"playback_gap"`
		InterruptEchoDelay *duration `yaml:"interrupt_echo_delay"`
		FollowUpSilence    *duration `yaml:"follow_up_silence"`
	} `yaml:"audio"`
}

func overlayTuningFile(path string, tuning *AudioTuning) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning file: %w", err)
	}
	var doc tuningFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse tuning file %s: %w", path, err)
	}

	a := doc.Audio
	if a.VoiceThreshold != nil {
		tuning.VoiceThreshold = *a.VoiceThreshold
	}
	if a.InterruptThreshold != nil {
		tuning.InterruptThreshold = *a.InterruptThreshold
	}
	if a.SilenceTimeout != nil {
		tuning.SilenceTimeout = time.Duration(*a.SilenceTimeout)
	}
	if a.MinUtterance != nil {
		tuning.MinUtterance = time.Duration(*a.MinUtterance)
	}
	if a.StartupWindow != nil {
		tuning.StartupWindow = time.Duration(*a.StartupWindow)
	}
	if a.StartupFactor != nil {
		tuning.StartupFactor = *a.StartupFactor
	}
	if a.SettleDelay != nil {
		tuning.SettleDelay = time.Duration(*a.SettleDelay)
	}
	if a.PlaybackLeadIn != nil {
		tuning.PlaybackLeadIn = time.Duration(*a.PlaybackLeadIn)
	}
	if a.PlaybackGap != nil {
		tuning.PlaybackGap = time.Duration(*a.PlaybackGap)
	}
	if a.InterruptEchoDelay != nil {
		tuning.InterruptEchoDelay = time.Duration(*a.InterruptEchoDelay)
	}
	if a.FollowUpSilence != nil {
		tuning.FollowUpSilence = time.Duration(*a.FollowUpSilence)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// envTrimmed fetches an env var with surrounding whitespace removed; empty
// means unset.
func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
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
	v := envTrimmed(key)
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
	v := envTrimmed(key)
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
	v := strings.ToLower(envTrimmed(key))
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
