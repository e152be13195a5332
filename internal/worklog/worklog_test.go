package worklog

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/julia-epshtein/umunch/internal/workout"
)

func TestInMemoryStoreRecentNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	for i, activity := range []string{"running", "yoga", "cycling"} {
		entry := NewEntry(workout.Intent{Activity: activity, DurationMinutes: 30, Difficulty: "medium"}, "agent", "conv", base.Add(time.Duration(i)*time.Hour))
		saved, err := s.Save(ctx, entry)
		if err != nil {
			t.Fatalf("Save(%s) error = %v", activity, err)
		}
		if saved.ID == "" {
			t.Fatalf("Save(%s) did not assign an id", activity)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].Activity != "cycling" || got[1].Activity != "yoga" {
		t.Fatalf("Recent(2) = %+v, want cycling then yoga", got)
	}
	all, _ := s.Recent(ctx, 0)
	if len(all) != 3 {
		t.Fatalf("Recent(0) = %d entries, want 3", len(all))
	}
}

func TestSaveRejectsInvalidEntry(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Save(context.Background(), Entry{Activity: "swim", DurationMinutes: -5, Difficulty: "easy"})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("Save() error = %v, want ErrInvalidEntry", err)
	}
	var verr *workout.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Save() error = %v, want wrapped ValidationError", err)
	}
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if Kind(s) != "memory" {
		t.Fatalf("Kind() = %q, want memory", Kind(s))
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("VOICELOG_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("VOICELOG_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer s.Close()

	saved, err := s.Save(ctx, NewEntry(workout.Intent{Activity: "rowing", DurationMinutes: 25, Difficulty: "hard"}, "local", "conv_pg", time.Now().UTC()))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Recent(ctx, 50)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	for _, e := range got {
		if e.ID == saved.ID {
			if e.Activity != "rowing" || e.DurationMinutes != 25 {
				t.Fatalf("stored entry = %+v", e)
			}
			return
		}
	}
	t.Fatalf("saved entry %s not returned by Recent", saved.ID)
}
