package voice

import (
	"log/slog"
	"strings"

	"github.com/julia-epshtein/umunch/internal/config"
	"github.com/julia-epshtein/umunch/internal/observability"
)

// NewTranscriber picks the STT provider named in cfg. It returns nil when
// transcription is disabled; recordings are then only reported to the host.
func NewTranscriber(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) Transcriber {
	provider := strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	if provider == "auto" || provider == "" {
		provider = "none"
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
			provider = "elevenlabs"
		}
	}

	switch provider {
	case "elevenlabs":
		return NewStreamTranscriber("elevenlabs", NewElevenLabsProvider(ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			STTModelID: cfg.ElevenLabsSTTModel,
		}), logger, metrics)
	case "mock":
		return NewStreamTranscriber("mock", NewMockProvider(""), logger, metrics)
	default:
		return nil
	}
}
