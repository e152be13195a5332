package workout

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/julia-epshtein/umunch/internal/protocol"
)

func TestExtractorCapturesValidIntentOnce(t *testing.T) {
	e := NewExtractor()
	e.Observe(protocol.SpeakerAgent, "What did you do today?")
	if e.Phase() != PhaseInConversation {
		t.Fatalf("Phase() = %q, want %q", e.Phase(), PhaseInConversation)
	}

	in, err := e.Offer(json.RawMessage(`{"activity":"Running","durationMinutes":0,"duration":30,"difficulty":"medium"}`))
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	want := Intent{Activity: "Running", DurationMinutes: 30, Difficulty: "medium"}
	if in != want {
		t.Fatalf("intent = %+v, want %+v", in, want)
	}
	if e.Phase() != PhaseIntentCaptured {
		t.Fatalf("Phase() = %q, want %q", e.Phase(), PhaseIntentCaptured)
	}

	_, err = e.Offer(json.RawMessage(`{"activity":"Running","duration":30,"difficulty":"medium"}`))
	if !errors.Is(err, ErrAlreadyCaptured) {
		t.Fatalf("second Offer() error = %v, want ErrAlreadyCaptured", err)
	}
	got, ok := e.Intent()
	if !ok || got != want {
		t.Fatalf("Intent() = %+v, %v", got, ok)
	}
}

func TestExtractorRejectsEmptyActivity(t *testing.T) {
	e := NewExtractor()
	e.Observe(protocol.SpeakerAgent, "How long was your session?")

	_, err := e.Offer(json.RawMessage(`{"activity":"","duration":30,"difficulty":"medium"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Offer() error = %v, want *ValidationError", err)
	}
	if e.Phase() != PhaseInConversation {
		t.Fatalf("Phase() = %q, want %q", e.Phase(), PhaseInConversation)
	}
	if _, ok := e.Intent(); ok {
		t.Fatalf("Intent() should be empty after rejected payload")
	}

	// A corrected payload is still accepted.
	if _, err := e.Offer(json.RawMessage(`{"activity":"Running","duration":30,"difficulty":"medium"}`)); err != nil {
		t.Fatalf("corrected Offer() error = %v", err)
	}
}

func TestExtractorEndWithoutIntentAborts(t *testing.T) {
	e := NewExtractor()
	e.Observe(protocol.SpeakerAgent, "Hi")
	if got := e.End(); got != PhaseAborted {
		t.Fatalf("End() = %q, want %q", got, PhaseAborted)
	}
	if _, err := e.Offer(json.RawMessage(`{"activity":"Yoga","duration":45,"difficulty":"easy"}`)); !errors.Is(err, ErrConversationEnded) {
		t.Fatalf("Offer() after End error = %v, want ErrConversationEnded", err)
	}
}

func TestExtractorEndKeepsCapturedPhase(t *testing.T) {
	e := NewExtractor()
	if _, err := e.Accept(Intent{Activity: "Yoga", DurationMinutes: 45, Difficulty: "easy"}); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if got := e.End(); got != PhaseIntentCaptured {
		t.Fatalf("End() = %q, want %q", got, PhaseIntentCaptured)
	}
}

func TestExtractorDropsEchoOfLocalUtterance(t *testing.T) {
	e := NewExtractor()
	e.RecordLocal("Hello! I would like to log a workout.")
	if _, appended := e.Observe(protocol.SpeakerUser, "Hello! I would like to log a workout."); appended {
		t.Fatalf("echo should not be appended")
	}
	if _, appended := e.Observe(protocol.SpeakerUser, "Hello! I would like to log a workout."); !appended {
		t.Fatalf("second identical user turn should be appended")
	}
	if got := len(e.Turns()); got != 2 {
		t.Fatalf("len(Turns()) = %d, want 2", got)
	}
}

func TestExtractorBeginKeepsTurnsAndReopens(t *testing.T) {
	e := NewExtractor()
	e.Observe(protocol.SpeakerAgent, "Hi")
	e.End()
	e.Begin()
	if e.Phase() != PhaseAwaitingFirstTurn {
		t.Fatalf("Phase() = %q, want %q", e.Phase(), PhaseAwaitingFirstTurn)
	}
	if len(e.Turns()) != 1 {
		t.Fatalf("Begin() should keep the turn log")
	}
	e.Reset()
	if len(e.Turns()) != 0 {
		t.Fatalf("Reset() should clear the turn log")
	}
}
