package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/julia-epshtein/umunch/internal/client"
	"github.com/julia-epshtein/umunch/internal/observability"
	"github.com/julia-epshtein/umunch/internal/worklog"
)

const saveTimeout = 5 * time.Second

// saveIntents persists every captured workout until ctx ends or the client
// closes its intent channel.
func saveIntents(ctx context.Context, intents <-chan client.CapturedIntent, store worklog.Store, metrics *observability.Metrics, logger *slog.Logger) error {
	kind := worklog.Kind(store)
	for {
		var captured client.CapturedIntent
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case captured, ok = <-intents:
			if !ok {
				return nil
			}
		}

		entry := worklog.NewEntry(captured.Intent, string(captured.Source), captured.ConversationID, captured.CapturedAt)
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		saved, err := store.Save(saveCtx, entry)
		cancel()
		if err != nil {
			metrics.ObserveWorkoutSaved(kind, "error")
			logger.Error("save workout failed", "conversation_id", captured.ConversationID, "error", err)
			continue
		}
		metrics.ObserveWorkoutSaved(kind, "ok")
		logger.Info("workout logged",
			"id", saved.ID,
			"activity", saved.Activity,
			"duration_minutes", saved.DurationMinutes,
			"difficulty", saved.Difficulty,
			"source", saved.Source,
		)
	}
}

func logErrors(ctx context.Context, errs <-chan error, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			logger.Warn("voice session error", "error", err)
		}
	}
}
