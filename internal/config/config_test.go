package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SeedUtterance != DefaultSeedUtterance {
		t.Fatalf("SeedUtterance = %q, want default", cfg.SeedUtterance)
	}
	if cfg.SampleRate != 44100 || cfg.Channels != 2 || cfg.Bitrate != 128000 {
		t.Fatalf("audio defaults = %d/%d/%d", cfg.SampleRate, cfg.Channels, cfg.Bitrate)
	}
	if cfg.PlaybackCleanupGrace != 10*time.Second {
		t.Fatalf("PlaybackCleanupGrace = %v, want 10s", cfg.PlaybackCleanupGrace)
	}
	if cfg.TTSRate != 0.9 || cfg.TTSLanguage != "en-US" {
		t.Fatalf("tts defaults = %v/%q", cfg.TTSRate, cfg.TTSLanguage)
	}
	if !cfg.HTTPEnabled() {
		t.Fatalf("HTTPEnabled() = false, want true by default")
	}
}

func TestLoadEmptySeedDisablesGreeting(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICELOG_SEED_UTTERANCE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SeedUtterance != "" {
		t.Fatalf("SeedUtterance = %q, want empty", cfg.SeedUtterance)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"bad backend":   {"VOICELOG_BACKEND_URL", "localhost:8000"},
		"bad channels":  {"VOICELOG_CHANNELS", "6"},
		"bad container": {"VOICELOG_CAPTURE_CONTAINER", "ogg"},
		"bad duration":  {"VOICELOG_KEEPALIVE", "soon"},
		"bad rate":      {"VOICELOG_TTS_RATE", "3"},
		"bad bool":      {"VOICELOG_INTERACTIVE", "maybe"},
		"bad provider":  {"VOICELOG_STT_PROVIDER", "whisper"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q should fail", kv[0], kv[1])
			}
		})
	}
}

func TestHTTPEnabledOff(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", "off")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPEnabled() {
		t.Fatalf("HTTPEnabled() = true, want false")
	}
}

func TestChannelURL(t *testing.T) {
	cases := []struct {
		base, ref, want string
	}{
		{"http://localhost:8000", "/elevenlabs/ws/conversation", "ws://localhost:8000/elevenlabs/ws/conversation"},
		{"https://api.example.com/", "/elevenlabs/ws/conversation", "wss://api.example.com/elevenlabs/ws/conversation"},
		{"http://localhost:8000", "wss://agent.example.com/ws", "wss://agent.example.com/ws"},
	}
	for _, tc := range cases {
		got, err := ChannelURL(tc.base, tc.ref)
		if err != nil {
			t.Fatalf("ChannelURL(%q, %q) error = %v", tc.base, tc.ref, err)
		}
		if got != tc.want {
			t.Fatalf("ChannelURL(%q, %q) = %q, want %q", tc.base, tc.ref, got, tc.want)
		}
	}
}

func TestAgentConfigResolverCachesSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/elevenlabs/config" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"agent_id":"agent_123","ws_url":"/elevenlabs/ws/conversation","backend_url":"http://localhost:8000"}`))
	}))
	defer srv.Close()

	r := NewAgentConfigResolver(testConfig(srv.URL), srv.Client(), nil)
	for i := 0; i < 2; i++ {
		ep, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if ep.AgentID != "agent_123" {
			t.Fatalf("AgentID = %q, want agent_123", ep.AgentID)
		}
		want := "ws" + srv.URL[len("http"):] + "/elevenlabs/ws/conversation"
		if ep.URL != want {
			t.Fatalf("URL = %q, want %q", ep.URL, want)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("config fetched %d times, want 1", got)
	}

	r.Invalidate()
	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve() after Invalidate error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("config fetched %d times after Invalidate, want 2", got)
	}
}

func TestAgentConfigResolverFallsBackWithoutCaching(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"detail":"AGENT_ID not configured"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewAgentConfigResolver(testConfig(srv.URL), srv.Client(), nil)
	for i := 0; i < 2; i++ {
		ep, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if ep.AgentID != "" {
			t.Fatalf("fallback AgentID = %q, want empty", ep.AgentID)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("config fetched %d times, want 2", got)
	}
}

func testConfig(backend string) Config {
	return Config{
		BackendURL:     backend,
		ConfigPath:     "/elevenlabs/config",
		WSPath:         "/elevenlabs/ws/conversation",
		ConnectTimeout: time.Second,
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"LOG_LEVEL",
		"VOICELOG_INTERACTIVE",
		"VOICELOG_BACKEND_URL",
		"VOICELOG_CONFIG_PATH",
		"VOICELOG_WS_PATH",
		"VOICELOG_CONNECT_TIMEOUT",
		"VOICELOG_KEEPALIVE",
		"VOICELOG_CAPTURE_BACKEND",
		"VOICELOG_SAMPLE_RATE",
		"VOICELOG_CHANNELS",
		"VOICELOG_BITRATE",
		"VOICELOG_CAPTURE_CONTAINER",
		"VOICELOG_FFMPEG_COMMAND",
		"VOICELOG_AUDIO_INPUT_FORMAT",
		"VOICELOG_AUDIO_INPUT_DEVICE",
		"VOICELOG_PLAYER_COMMAND",
		"VOICELOG_TTS_COMMAND",
		"VOICELOG_TTS_LANGUAGE",
		"VOICELOG_TTS_RATE",
		"VOICELOG_PLAYBACK_CLEANUP_GRACE",
		"VOICELOG_PLAYBACK_DIR",
		"VOICELOG_STT_PROVIDER",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_STT_MODEL_ID",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Seed is looked up with LookupEnv; an empty value is meaningful.
	t.Setenv("VOICELOG_SEED_UTTERANCE", DefaultSeedUtterance)
}
