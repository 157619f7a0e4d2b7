package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/prxssh/ipchat/internal/models"
)

func TestHeartbeat_Wire(t *testing.T) {
	now := time.Unix(1700000000, 0)

	b, err := Heartbeat(now).Marshal()
	if err != nil {
		t.Fatalf("Marshal heartbeat: %v", err)
	}
	if want := `{"type":"heartbeat","timestamp":1700000000}`; string(b) != want {
		t.Fatalf("heartbeat wire = %s, want %s", b, want)
	}

	b, err = HeartbeatResponse(now).Marshal()
	if err != nil {
		t.Fatalf("Marshal heartbeat response: %v", err)
	}
	if want := `{"type":"heartbeat_response","timestamp":1700000000}`; string(b) != want {
		t.Fatalf("heartbeat response wire = %s, want %s", b, want)
	}
}

func TestMessageEnvelope_RoundTrip(t *testing.T) {
	msg := models.NewMessage("user-12345678", "user-87654321", "hello")

	env, err := MessageEnvelope(msg)
	if err != nil {
		t.Fatalf("MessageEnvelope: %v", err)
	}
	if env.Type != TypeMessage {
		t.Fatalf("type = %q, want %q", env.Type, TypeMessage)
	}
	if env.Length != len(env.Data) {
		t.Fatalf("length = %d, data is %d bytes", env.Length, len(env.Data))
	}

	b, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	dec, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	got, err := dec.Message()
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.ID != msg.ID || got.SenderID != msg.SenderID || got.Content != msg.Content {
		t.Fatalf("decoded = %+v, want %+v", got, msg)
	}
	if !got.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, msg.Timestamp)
	}
}

func TestMessageEnvelope_CamelCaseFields(t *testing.T) {
	env, err := MessageEnvelope(models.NewMessage("user-a", "user-b", "hi"))
	if err != nil {
		t.Fatalf("MessageEnvelope: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	for _, key := range []string{"id", "senderId", "recipientId", "content", "timestamp", "read"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("message data missing field %q, got %v", key, fields)
		}
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	if _, err := Unmarshal(nil); !errors.Is(err, ErrEmptyEnvelope) {
		t.Fatalf("Unmarshal(nil) err = %v, want ErrEmptyEnvelope", err)
	}
	if _, err := Unmarshal([]byte("not json")); err == nil {
		t.Fatal("Unmarshal garbage succeeded")
	}

	env := Envelope{Type: TypeMessage}
	if _, err := env.Message(); !errors.Is(err, ErrNoData) {
		t.Fatalf("Message without data err = %v, want ErrNoData", err)
	}
}

func TestUnmarshal_UnknownTypeTolerated(t *testing.T) {
	env, err := Unmarshal([]byte(`{"type":"future_thing","timestamp":12}`))
	if err != nil {
		t.Fatalf("Unmarshal unknown type: %v", err)
	}
	if env.Type != "future_thing" {
		t.Fatalf("type = %q", env.Type)
	}
}

func TestEnvelope_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := &models.Message{
			ID:          rapid.StringMatching(`[a-z0-9-]{1,40}`).Draw(t, "id"),
			SenderID:    rapid.StringMatching(`user-[0-9a-f]{1,8}`).Draw(t, "sender"),
			RecipientID: rapid.StringMatching(`user-[0-9a-f]{1,8}`).Draw(t, "recipient"),
			Content:     rapid.String().Draw(t, "content"),
			Timestamp:   time.Unix(rapid.Int64Range(0, 4e9).Draw(t, "ts"), 0).UTC(),
			Read:        rapid.Bool().Draw(t, "read"),
		}

		env, err := MessageEnvelope(msg)
		if err != nil {
			t.Fatalf("MessageEnvelope: %v", err)
		}
		b, err := env.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		dec, err := Unmarshal(b)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		got, err := dec.Message()
		if err != nil {
			t.Fatalf("Message: %v", err)
		}
		if *got != *msg {
			t.Fatalf("round trip changed the message: %+v != %+v", got, msg)
		}
	})
}
