package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/julia-epshtein/umunch/internal/workout"
)

// ChannelState is the lifecycle of the agent channel. It only moves forward,
// except connected -> disconnected on error, close or remote end. Ended is
// terminal and reached only through Manager.Close.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateEnded        ChannelState = "ended"
)

var (
	ErrNotConnected      = errors.New("channel not connected")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrClosed            = errors.New("session closed")
	ErrConnectCanceled   = errors.New("connect canceled by disconnect")
	ErrEmptyTranscript   = errors.New("transcript text is empty")
)

// ConnectionError is a transient channel failure. The caller may retry
// Connect when Retryable is set.
type ConnectionError struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: handshake status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AgentError carries an error message sent by the agent service verbatim.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string { return e.Message }

// IntentSource tells where a captured intent came from.
type IntentSource string

const (
	SourceAgent IntentSource = "agent"
	SourceLocal IntentSource = "local"
)

// Handler observes session events. Methods are called with the manager's
// dispatch lock held, in event order, and must not call back into the
// Manager.
type Handler interface {
	OnState(state ChannelState)
	OnConversation(conversationID string)
	OnListening(listening bool)
	OnTurn(turn workout.Turn)
	OnIntent(intent workout.Intent, source IntentSource)
	OnError(err error)
	OnEnded(phase workout.Phase)
	OnReset()
}

// AudioSink receives synthesized speech. Enqueue must not block.
type AudioSink interface {
	Enqueue(payload, format, fallbackText string) error
}

// Status is a point-in-time view of the manager.
type Status struct {
	State          ChannelState  `json:"state"`
	AttemptID      string        `json:"attempt_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Listening      bool          `json:"listening"`
	Phase          workout.Phase `json:"phase"`
	ConnectedAt    time.Time     `json:"connected_at,omitempty"`
	LastMessageAt  time.Time     `json:"last_message_at,omitempty"`
}
