package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/julia-epshtein/umunch/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	STTModelID string
	Dialer     *websocket.Dialer
}

// ElevenLabsProvider opens realtime speech-to-text sessions.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &ElevenLabsProvider{cfg: cfg}
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	// Recordings are complete clips; the client commits once at the end.
	q.Set("commit_strategy", "manual")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, resp, err := p.cfg.Dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, nil, &TranscriptionError{
				Code:      "handshake_" + strconv.Itoa(resp.StatusCode),
				Detail:    err.Error(),
				Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
			}
		}
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &elevenSTTSession{conn: conn, events: events, done: make(chan struct{})}
	go s.readLoop()
	return s, events, nil
}

type elevenSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan STTEvent
}

func (s *elevenSTTSession) SendAudioChunk(ctx context.Context, audioBase64 string, sampleRate int, commit bool) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": audioBase64,
		"commit":        commit,
		"sample_rate":   sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(d)
	}
	return s.conn.WriteJSON(payload)
}

// readLoop is the only sender on events and closes it on exit.
func (s *elevenSTTSession) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			s.emit(STTEvent{Type: STTEventPartial, Text: asString(raw["text"]), Timestamp: time.Now().UnixMilli()})
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.emit(STTEvent{Type: STTEventCommitted, Text: asString(raw["text"]), Timestamp: time.Now().UnixMilli()})
		case "", "session_started", "input_audio_chunk":
			// control
		default:
			s.emit(STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

func (s *elevenSTTSession) emit(ev STTEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *elevenSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
