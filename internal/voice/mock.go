package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockProvider is a local stand-in used when no STT service is configured.
// Every committed clip transcribes to Text.
type MockProvider struct {
	Text string
}

func NewMockProvider(text string) *MockProvider {
	if strings.TrimSpace(text) == "" {
		text = "I went for a 30 minute run, it was moderate."
	}
	return &MockProvider{Text: text}
}

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	return &mockSTTSession{events: events, text: p.Text}, events, nil
}

type mockSTTSession struct {
	mu        sync.Mutex
	events    chan STTEvent
	text      string
	chunks    int
	closed    bool
	lastInput string
}

func (s *mockSTTSession) SendAudioChunk(_ context.Context, audioBase64 string, _ int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	if audioBase64 != "" {
		s.lastInput = audioBase64
		select {
		case s.events <- STTEvent{Type: STTEventPartial, Text: "...", Timestamp: time.Now().UnixMilli()}:
		default:
		}
	}
	if commit {
		text := s.text
		if strings.TrimSpace(s.lastInput) == "" {
			text = ""
		}
		s.events <- STTEvent{Type: STTEventCommitted, Text: text, Timestamp: time.Now().UnixMilli()}
	}
	return nil
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
