package workout

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/julia-epshtein/umunch/internal/protocol"
)

// Phase is the extraction state of one conversation.
type Phase string

const (
	PhaseAwaitingFirstTurn Phase = "awaiting_first_turn"
	PhaseInConversation    Phase = "in_conversation"
	PhaseIntentCaptured    Phase = "intent_captured"
	PhaseAborted           Phase = "aborted"
)

func (p Phase) Terminal() bool {
	return p == PhaseIntentCaptured || p == PhaseAborted
}

var (
	ErrAlreadyCaptured   = errors.New("workout already captured for this conversation")
	ErrConversationEnded = errors.New("conversation has ended")
)

// Turn is one utterance in the transcript log.
type Turn struct {
	Speaker protocol.Speaker `json:"speaker"`
	Text    string           `json:"text"`
}

// Extractor tracks the turn log and accepts at most one validated Intent per
// conversation. It is not safe for concurrent use; the session manager
// serializes access through its dispatch lock.
type Extractor struct {
	phase       Phase
	turns       []Turn
	pendingEcho []string
	intent      *Intent
}

func NewExtractor() *Extractor {
	return &Extractor{phase: PhaseAwaitingFirstTurn}
}

func (e *Extractor) Phase() Phase { return e.phase }

// Intent returns the captured record, if any.
func (e *Extractor) Intent() (Intent, bool) {
	if e.intent == nil {
		return Intent{}, false
	}
	return *e.intent, true
}

func (e *Extractor) Turns() []Turn {
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Begin opens a new conversation. A conversation that already reached a
// terminal phase is replaced; the turn log is kept.
func (e *Extractor) Begin() {
	if !e.phase.Terminal() {
		return
	}
	e.phase = PhaseAwaitingFirstTurn
	e.intent = nil
	e.pendingEcho = nil
}

// RecordLocal appends a user utterance sent by this client. The agent service
// echoes user transcripts back; the matching echo is dropped by Observe.
func (e *Extractor) RecordLocal(text string) Turn {
	text = strings.TrimSpace(text)
	e.pendingEcho = append(e.pendingEcho, text)
	return e.append(Turn{Speaker: protocol.SpeakerUser, Text: text})
}

// Observe applies an inbound transcript and reports whether it was appended.
func (e *Extractor) Observe(speaker protocol.Speaker, text string) (Turn, bool) {
	text = strings.TrimSpace(text)
	if speaker == protocol.SpeakerUser {
		for i, pending := range e.pendingEcho {
			if pending == text {
				e.pendingEcho = append(e.pendingEcho[:i], e.pendingEcho[i+1:]...)
				return Turn{}, false
			}
		}
	}
	return e.append(Turn{Speaker: speaker, Text: text}), true
}

func (e *Extractor) append(t Turn) Turn {
	e.turns = append(e.turns, t)
	if e.phase == PhaseAwaitingFirstTurn {
		e.phase = PhaseInConversation
	}
	return t
}

// Offer validates a payload pushed by the agent. A *ValidationError leaves the
// phase unchanged so the agent can resend a corrected payload.
func (e *Extractor) Offer(raw json.RawMessage) (Intent, error) {
	if err := e.Acceptable(); err != nil {
		return Intent{}, err
	}
	in, err := ParseIntent(raw)
	if err != nil {
		return Intent{}, err
	}
	e.capture(in)
	return in, nil
}

// Accept captures an intent built by the host instead of the agent.
func (e *Extractor) Accept(in Intent) (Intent, error) {
	if err := e.Acceptable(); err != nil {
		return Intent{}, err
	}
	if err := in.Validate(); err != nil {
		return Intent{}, err
	}
	in.Activity = strings.TrimSpace(in.Activity)
	in.Difficulty = strings.TrimSpace(in.Difficulty)
	e.capture(in)
	return in, nil
}

// Acceptable reports whether an intent could be captured right now.
func (e *Extractor) Acceptable() error {
	switch e.phase {
	case PhaseIntentCaptured:
		return ErrAlreadyCaptured
	case PhaseAborted:
		return ErrConversationEnded
	}
	return nil
}

func (e *Extractor) capture(in Intent) {
	e.intent = &in
	e.phase = PhaseIntentCaptured
}

// End closes the conversation and returns the terminal phase.
func (e *Extractor) End() Phase {
	if e.phase != PhaseIntentCaptured {
		e.phase = PhaseAborted
	}
	e.pendingEcho = nil
	return e.phase
}

// Reset clears the log and starts over.
func (e *Extractor) Reset() {
	e.phase = PhaseAwaitingFirstTurn
	e.turns = nil
	e.pendingEcho = nil
	e.intent = nil
}
