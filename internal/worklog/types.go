package worklog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/julia-epshtein/umunch/internal/workout"
)

var ErrInvalidEntry = errors.New("invalid workout entry")

// Entry is one logged workout.
type Entry struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	Activity        string    `json:"activity"`
	DurationMinutes float64   `json:"duration_minutes"`
	Difficulty      string    `json:"difficulty"`
	Source          string    `json:"source"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewEntry builds an entry from a captured intent.
func NewEntry(in workout.Intent, source, conversationID string, at time.Time) Entry {
	return Entry{
		ConversationID:  conversationID,
		Activity:        strings.TrimSpace(in.Activity),
		DurationMinutes: in.DurationMinutes,
		Difficulty:      strings.TrimSpace(in.Difficulty),
		Source:          source,
		CreatedAt:       at,
	}
}

func (e Entry) validate() error {
	in := workout.Intent{Activity: e.Activity, DurationMinutes: e.DurationMinutes, Difficulty: e.Difficulty}
	if err := in.Validate(); err != nil {
		return errors.Join(ErrInvalidEntry, err)
	}
	return nil
}

// Store persists logged workouts.
type Store interface {
	Save(ctx context.Context, entry Entry) (Entry, error)
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

const defaultRecentLimit = 20
