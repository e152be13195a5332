package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/julia-epshtein/umunch/internal/audio"
	"github.com/julia-epshtein/umunch/internal/observability"
)

var (
	ErrUnsupportedFormat = errors.New("transcription needs wav audio")
	ErrNoTranscript      = errors.New("nothing was transcribed")
)

// TranscriptionError is an error event reported by the provider.
type TranscriptionError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *TranscriptionError) Error() string {
	if e.Detail == "" {
		return "stt " + e.Code
	}
	return fmt.Sprintf("stt %s: %s", e.Code, e.Detail)
}

// chunkDuration is how much audio goes into one realtime frame.
const chunkDuration = 250 * time.Millisecond

// StreamTranscriber feeds a finished recording through a realtime STT
// session and waits for the committed transcript.
type StreamTranscriber struct {
	provider STTProvider
	name     string
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func NewStreamTranscriber(name string, provider STTProvider, logger *slog.Logger, metrics *observability.Metrics) *StreamTranscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamTranscriber{
		provider: provider,
		name:     name,
		logger:   logger.With("component", "stt", "provider", name),
		metrics:  metrics,
	}
}

func (t *StreamTranscriber) Transcribe(ctx context.Context, clip *audio.EncodedAudio) (string, error) {
	started := time.Now()
	text, err := t.transcribe(ctx, clip)
	result := "ok"
	if err != nil {
		result = "error"
		t.logger.Warn("transcription failed", "error", err)
	}
	t.metrics.ObserveTranscription(t.name, result, time.Since(started))
	return text, err
}

func (t *StreamTranscriber) transcribe(ctx context.Context, clip *audio.EncodedAudio) (string, error) {
	if clip == nil || len(clip.Data) == 0 {
		return "", audio.ErrNoAudio
	}
	if clip.Format != audio.ContainerWAV {
		return "", fmt.Errorf("%w: got %q", ErrUnsupportedFormat, clip.Format)
	}
	pcm, rate, channels, err := audio.DecodeWAVPCM16LE(clip.Data)
	if err != nil {
		return "", err
	}
	mono := audio.DownmixPCM16LE(pcm, channels)
	if len(mono) == 0 {
		return "", audio.ErrNoAudio
	}

	session, events, err := t.provider.StartSession(ctx, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("start stt session: %w", err)
	}
	defer session.Close()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sendChunks(ctx, session, mono, rate)
	}()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-sendErr:
			if err != nil {
				return "", fmt.Errorf("send audio: %w", err)
			}
			sendErr = nil
		case ev, ok := <-events:
			if !ok {
				return "", ErrNoTranscript
			}
			switch ev.Type {
			case STTEventCommitted:
				text := strings.TrimSpace(ev.Text)
				if text == "" {
					return "", ErrNoTranscript
				}
				return text, nil
			case STTEventError:
				return "", &TranscriptionError{Code: ev.Code, Detail: ev.Detail, Retryable: ev.Retryable}
			}
		}
	}
}

func sendChunks(ctx context.Context, session STTSession, mono []byte, rate int) error {
	size := int(chunkDuration.Seconds()*float64(rate)) * 2
	if size <= 0 {
		size = len(mono)
	}
	for off := 0; off < len(mono); off += size {
		end := off + size
		if end > len(mono) {
			end = len(mono)
		}
		chunk := base64.StdEncoding.EncodeToString(mono[off:end])
		if err := session.SendAudioChunk(ctx, chunk, rate, end == len(mono)); err != nil {
			return err
		}
	}
	return nil
}
