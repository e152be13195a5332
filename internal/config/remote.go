package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AgentConfig is the body served by the backend's agent config endpoint.
type AgentConfig struct {
	AgentID    string `json:"agent_id"`
	WSURL      string `json:"ws_url"`
	BackendURL string `json:"backend_url"`
}

// Endpoint is a resolved conversation channel.
type Endpoint struct {
	URL     string
	AgentID string
}

// StaticEndpoint resolves to a fixed URL.
type StaticEndpoint Endpoint

func (s StaticEndpoint) Resolve(context.Context) (Endpoint, error) {
	if s.URL == "" {
		return Endpoint{}, errors.New("empty channel endpoint")
	}
	return Endpoint(s), nil
}

// AgentConfigResolver fetches the agent config once and caches it after the
// first success. When the endpoint is unreachable it falls back to the
// channel path under the backend URL without caching, so the next connect
// tries the config endpoint again.
type AgentConfigResolver struct {
	client     *http.Client
	backendURL string
	configPath string
	wsPath     string
	logger     *slog.Logger

	mu     sync.Mutex
	cached *Endpoint
}

func NewAgentConfigResolver(cfg Config, client *http.Client, logger *slog.Logger) *AgentConfigResolver {
	if client == nil {
		client = &http.Client{Timeout: cfg.ConnectTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentConfigResolver{
		client:     client,
		backendURL: strings.TrimRight(cfg.BackendURL, "/"),
		configPath: cfg.ConfigPath,
		wsPath:     cfg.WSPath,
		logger:     logger.With("component", "agent_config"),
	}
}

func (r *AgentConfigResolver) Resolve(ctx context.Context) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return *r.cached, nil
	}

	remote, err := r.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Endpoint{}, ctx.Err()
		}
		fallback, ferr := ChannelURL(r.backendURL, r.wsPath)
		if ferr != nil {
			return Endpoint{}, ferr
		}
		r.logger.Warn("agent config unavailable, using default channel path", "error", err, "url", fallback)
		return Endpoint{URL: fallback}, nil
	}

	wsURL := remote.WSURL
	if wsURL == "" {
		wsURL = r.wsPath
	}
	resolved, err := ChannelURL(r.backendURL, wsURL)
	if err != nil {
		return Endpoint{}, err
	}
	ep := Endpoint{URL: resolved, AgentID: remote.AgentID}
	r.cached = &ep
	r.logger.Info("agent config resolved", "agent_id", ep.AgentID, "url", ep.URL)
	return ep, nil
}

// Invalidate drops the cached endpoint.
func (r *AgentConfigResolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func (r *AgentConfigResolver) fetch(ctx context.Context) (AgentConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.backendURL+r.configPath, nil)
	if err != nil {
		return AgentConfig{}, err
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("fetch agent config: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return AgentConfig{}, fmt.Errorf("read agent config: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return AgentConfig{}, fmt.Errorf("agent config status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out AgentConfig
	if err := json.Unmarshal(body, &out); err != nil {
		return AgentConfig{}, fmt.Errorf("decode agent config: %w", err)
	}
	r.logger.Debug("agent config fetched", "elapsed", time.Since(started))
	return out, nil
}

// ChannelURL joins ref with base and maps http(s) to ws(s). An absolute ws
// ref is returned unchanged.
func ChannelURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	u := baseURL.ResolveReference(refURL)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported channel scheme %q", u.Scheme)
	}
	return u.String(), nil
}
