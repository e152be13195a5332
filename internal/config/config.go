package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const DefaultSeedUtterance = "Hello! I would like to log a workout."

// Config contains all runtime settings for the voice workout logger.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	Interactive      bool

	BackendURL     string
	ConfigPath     string
	WSPath         string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	SeedUtterance  string

	CaptureBackend   string
	SampleRate       int
	Channels         int
	Bitrate          int
	CaptureContainer string
	FFMPEGCommand    string
	AudioInputFormat string
	AudioInputDevice string

	PlayerCommand        string
	TTSCommand           string
	TTSLanguage          string
	TTSRate              float64
	PlaybackCleanupGrace time.Duration
	PlaybackDir          string

	STTProvider         string
	ElevenLabsAPIKey    string
	ElevenLabsWSBaseURL string
	ElevenLabsSTTModel  string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		// Local control surface only; "off" disables it.
		BindAddr:         envOrDefault("APP_BIND_ADDR", "127.0.0.1:8787"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicelog"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		Interactive:      true,
		ShutdownTimeout:  10 * time.Second,

		BackendURL:     strings.TrimRight(envOrDefault("VOICELOG_BACKEND_URL", "http://localhost:8000"), "/"),
		ConfigPath:     envOrDefault("VOICELOG_CONFIG_PATH", "/elevenlabs/config"),
		WSPath:         envOrDefault("VOICELOG_WS_PATH", "/elevenlabs/ws/conversation"),
		ConnectTimeout: 10 * time.Second,
		SeedUtterance:  DefaultSeedUtterance,

		CaptureBackend:   envOrDefault("VOICELOG_CAPTURE_BACKEND", "ffmpeg"),
		SampleRate:       44100,
		Channels:         2,
		Bitrate:          128000,
		CaptureContainer: envOrDefault("VOICELOG_CAPTURE_CONTAINER", "wav"),
		FFMPEGCommand:    envOrDefault("VOICELOG_FFMPEG_COMMAND", "ffmpeg"),
		AudioInputFormat: envOrDefault("VOICELOG_AUDIO_INPUT_FORMAT", "pulse"),
		AudioInputDevice: envOrDefault("VOICELOG_AUDIO_INPUT_DEVICE", "default"),

		PlayerCommand:        stringsTrimSpace("VOICELOG_PLAYER_COMMAND"),
		TTSCommand:           stringsTrimSpace("VOICELOG_TTS_COMMAND"),
		TTSLanguage:          envOrDefault("VOICELOG_TTS_LANGUAGE", "en-US"),
		TTSRate:              0.9,
		PlaybackCleanupGrace: 10 * time.Second,
		PlaybackDir:          stringsTrimSpace("VOICELOG_PLAYBACK_DIR"),

		STTProvider:         envOrDefault("VOICELOG_STT_PROVIDER", "auto"),
		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsSTTModel:  envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
	}
	// An explicitly empty seed disables the automatic greeting.
	if v, ok := os.LookupEnv("VOICELOG_SEED_UTTERANCE"); ok {
		cfg.SeedUtterance = strings.TrimSpace(v)
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = durationFromEnv("VOICELOG_CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.KeepAlive, err = durationFromEnv("VOICELOG_KEEPALIVE", cfg.KeepAlive); err != nil {
		return Config{}, err
	}
	if cfg.PlaybackCleanupGrace, err = durationFromEnv("VOICELOG_PLAYBACK_CLEANUP_GRACE", cfg.PlaybackCleanupGrace); err != nil {
		return Config{}, err
	}
	if cfg.SampleRate, err = intFromEnv("VOICELOG_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return Config{}, err
	}
	if cfg.Channels, err = intFromEnv("VOICELOG_CHANNELS", cfg.Channels); err != nil {
		return Config{}, err
	}
	if cfg.Bitrate, err = intFromEnv("VOICELOG_BITRATE", cfg.Bitrate); err != nil {
		return Config{}, err
	}
	if cfg.Interactive, err = boolFromEnv("VOICELOG_INTERACTIVE", cfg.Interactive); err != nil {
		return Config{}, err
	}
	if cfg.TTSRate, err = floatFromEnv("VOICELOG_TTS_RATE", cfg.TTSRate); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("VOICELOG_BACKEND_URL must be an absolute http(s) URL")
	}
	if !strings.HasPrefix(c.WSPath, "/") || !strings.HasPrefix(c.ConfigPath, "/") {
		return fmt.Errorf("VOICELOG_WS_PATH and VOICELOG_CONFIG_PATH must start with /")
	}
	if c.ConnectTimeout < time.Second {
		return fmt.Errorf("VOICELOG_CONNECT_TIMEOUT must be at least 1s")
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("VOICELOG_KEEPALIVE must be >= 0")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("VOICELOG_SAMPLE_RATE must be positive")
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("VOICELOG_CHANNELS must be 1 or 2")
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("VOICELOG_BITRATE must be positive")
	}
	switch c.CaptureContainer {
	case "wav", "aac":
	default:
		return fmt.Errorf("VOICELOG_CAPTURE_CONTAINER must be wav or aac")
	}
	switch c.CaptureBackend {
	case "ffmpeg", "portaudio", "none":
	default:
		return fmt.Errorf("VOICELOG_CAPTURE_BACKEND must be ffmpeg, portaudio or none")
	}
	switch c.STTProvider {
	case "auto", "elevenlabs", "mock", "none":
	default:
		return fmt.Errorf("VOICELOG_STT_PROVIDER must be auto, elevenlabs, mock or none")
	}
	if c.TTSRate <= 0 || c.TTSRate > 2 {
		return fmt.Errorf("VOICELOG_TTS_RATE must be in (0, 2]")
	}
	if c.PlaybackCleanupGrace <= 0 {
		return fmt.Errorf("VOICELOG_PLAYBACK_CLEANUP_GRACE must be positive")
	}
	return nil
}

// HTTPEnabled reports whether the local control server should run.
func (c Config) HTTPEnabled() bool {
	return c.BindAddr != "" && !strings.EqualFold(c.BindAddr, "off")
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
