package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStart              MessageType = "start"
	TypeTranscript         MessageType = "transcript"
	TypeWorkoutData        MessageType = "workout_data"
	TypeStop               MessageType = "stop"
	TypeEnd                MessageType = "end"
	TypePing               MessageType = "ping"
	TypeConnected          MessageType = "connected"
	TypeStarted            MessageType = "started"
	TypeAudio              MessageType = "audio"
	TypeTranscriptReceived MessageType = "transcript_received"
	TypeError              MessageType = "error"
	TypeEnded              MessageType = "ended"
	TypePong               MessageType = "pong"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMalformed       = errors.New("malformed message")
)

// Speaker attributes a transcript turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAgent
}

type Envelope struct {
	Type MessageType `json:"type"`
}

// ServerMessage is the closed set of messages the agent service sends. Only
// types in this package implement it.
type ServerMessage interface {
	MessageType() MessageType
	isServerMessage()
}

type Connected struct {
	ConversationID string `json:"conversation_id"`
}

type Started struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

type Transcript struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Audio carries base64 encoded synthesized speech. Decoding is left to the
// playback engine so that a corrupt payload degrades to local speech instead
// of being dropped as a protocol error.
type Audio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// WorkoutData keeps the payload raw; it is validated by the workout package.
type WorkoutData struct {
	Data json.RawMessage `json:"data"`
}

type TranscriptReceived struct{}

type Error struct {
	Message string `json:"message"`
}

type Ended struct{}

type Pong struct{}

func (Connected) MessageType() MessageType          { return TypeConnected }
func (Started) MessageType() MessageType            { return TypeStarted }
func (Transcript) MessageType() MessageType         { return TypeTranscript }
func (Audio) MessageType() MessageType              { return TypeAudio }
func (WorkoutData) MessageType() MessageType        { return TypeWorkoutData }
func (TranscriptReceived) MessageType() MessageType { return TypeTranscriptReceived }
func (Error) MessageType() MessageType              { return TypeError }
func (Ended) MessageType() MessageType              { return TypeEnded }
func (Pong) MessageType() MessageType               { return TypePong }

func (Connected) isServerMessage()          {}
func (Started) isServerMessage()            {}
func (Transcript) isServerMessage()         {}
func (Audio) isServerMessage()              {}
func (WorkoutData) isServerMessage()        {}
func (TranscriptReceived) isServerMessage() {}
func (Error) isServerMessage()              {}
func (Ended) isServerMessage()              {}
func (Pong) isServerMessage()               {}

// ParseServerMessage decodes one inbound frame.
func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeConnected:
		var msg Connected
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStarted:
		var msg Started
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTranscript:
		var msg Transcript
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		msg.Speaker = Speaker(strings.ToLower(strings.TrimSpace(string(msg.Speaker))))
		if !msg.Speaker.Valid() {
			return nil, fmt.Errorf("%w: transcript speaker %q", ErrMalformed, msg.Speaker)
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fmt.Errorf("%w: empty transcript", ErrMalformed)
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: empty audio", ErrMalformed)
		}
		if strings.TrimSpace(msg.Format) == "" {
			msg.Format = "mp3"
		}
		return msg, nil
	case TypeWorkoutData:
		var msg WorkoutData
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTranscriptReceived:
		return TranscriptReceived{}, nil
	case TypeError:
		var msg Error
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Message == "" {
			msg.Message = "Unknown error"
		}
		return msg, nil
	case TypeEnded:
		return Ended{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ClientControl covers the payload-free outbound messages.
type ClientControl struct {
	Type MessageType `json:"type"`
}

type ClientTranscript struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ClientWorkoutData struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

func NewStart() ClientControl { return ClientControl{Type: TypeStart} }
func NewStop() ClientControl  { return ClientControl{Type: TypeStop} }
func NewEnd() ClientControl   { return ClientControl{Type: TypeEnd} }
func NewPing() ClientControl  { return ClientControl{Type: TypePing} }

func NewTranscript(text string) ClientTranscript {
	return ClientTranscript{Type: TypeTranscript, Text: text}
}

func NewWorkoutData(data any) ClientWorkoutData {
	return ClientWorkoutData{Type: TypeWorkoutData, Data: data}
}

// Encode marshals an outbound message and reports its type for metrics.
func Encode(msg any) ([]byte, MessageType, error) {
	var typ MessageType
	switch m := msg.(type) {
	case ClientControl:
		typ = m.Type
	case ClientTranscript:
		typ = m.Type
	case ClientWorkoutData:
		typ = m.Type
	default:
		return nil, "", fmt.Errorf("%w: outbound %T", ErrUnsupportedType, msg)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", typ, err)
	}
	return raw, typ, nil
}
