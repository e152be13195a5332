package voice

import (
	"context"

	"github.com/julia-epshtein/umunch/internal/audio"
)

type STTEventType string

const (
	STTEventPartial   STTEventType = "partial"
	STTEventCommitted STTEventType = "committed"
	STTEventError     STTEventType = "error"
)

type STTEvent struct {
	Type      STTEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
	Timestamp int64
}

// STTSession accepts base64 PCM16LE mono chunks. Setting commit asks the
// provider to finalize what it has heard so far.
type STTSession interface {
	SendAudioChunk(ctx context.Context, audioBase64 string, sampleRate int, commit bool) error
	Close() error
}

type STTProvider interface {
	StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error)
}

// Transcriber turns one finished recording into the text of a user turn.
type Transcriber interface {
	Transcribe(ctx context.Context, clip *audio.EncodedAudio) (string, error)
}
