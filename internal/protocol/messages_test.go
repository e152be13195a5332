package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseServerMessageTranscript(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"transcript","speaker":"Agent","text":"How long did you run?"}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}

	tr, ok := msg.(Transcript)
	if !ok {
		t.Fatalf("message type = %T, want Transcript", msg)
	}
	if tr.Speaker != SpeakerAgent || tr.Text != "How long did you run?" {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
}

func TestParseServerMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseServerMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseServerMessageRejectsInvalidJSON(t *testing.T) {
	_, err := ParseServerMessage([]byte(`{"type":`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("error = %v, want ErrMalformed", err)
	}
}

func TestParseServerMessageConnected(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"connected","conversation_id":"c1","status":"ready","mode":"transcript"}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	c, ok := msg.(Connected)
	if !ok {
		t.Fatalf("message type = %T, want Connected", msg)
	}
	if c.ConversationID != "c1" {
		t.Fatalf("ConversationID = %q, want %q", c.ConversationID, "c1")
	}
}

func TestParseServerMessageAudioDefaultsFormat(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"audio","data":"AQID"}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	a := msg.(Audio)
	if a.Format != "mp3" {
		t.Fatalf("Format = %q, want mp3", a.Format)
	}
}

func TestParseServerMessageKeepsWorkoutPayloadRaw(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"workout_data","conversation_id":"c1","data":{"activity":"","duration":"x"}}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	wd, ok := msg.(WorkoutData)
	if !ok {
		t.Fatalf("message type = %T, want WorkoutData", msg)
	}
	if string(wd.Data) != `{"activity":"","duration":"x"}` {
		t.Fatalf("Data = %s", wd.Data)
	}
}

func TestParseServerMessageRejectsBadSpeaker(t *testing.T) {
	_, err := ParseServerMessage([]byte(`{"type":"transcript","speaker":"narrator","text":"hi"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("error = %v, want ErrMalformed", err)
	}
}

func TestParseServerMessageErrorDefaultsMessage(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"error"}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if got := msg.(Error).Message; got != "Unknown error" {
		t.Fatalf("Message = %q, want %q", got, "Unknown error")
	}
}

func TestEncodeOutbound(t *testing.T) {
	raw, typ, err := Encode(NewTranscript("I ran for 30 minutes"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if typ != TypeTranscript {
		t.Fatalf("type = %q, want %q", typ, TypeTranscript)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "transcript" || got["text"] != "I ran for 30 minutes" {
		t.Fatalf("unexpected payload: %s", raw)
	}

	raw, _, err = Encode(NewEnd())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(raw) != `{"type":"end"}` {
		t.Fatalf("payload = %s", raw)
	}
}

func TestEncodeRejectsUnknownOutbound(t *testing.T) {
	if _, _, err := Encode(struct{}{}); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func BenchmarkParseServerMessageTranscript(b *testing.B) {
	raw := []byte(`{"type":"transcript","speaker":"agent","text":"Nice ride! How many minutes did you cycle?"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseServerMessage(raw)
		if err != nil {
			b.Fatalf("ParseServerMessage() error = %v", err)
		}
		if _, ok := msg.(Transcript); !ok {
			b.Fatalf("message type = %T, want Transcript", msg)
		}
	}
}
