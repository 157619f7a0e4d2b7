// Package protocol defines the JSON envelopes exchanged on the chat port.
//
// Wire format: one JSON object per write, discriminated by "type":
//
//	{"type":"heartbeat","timestamp":<unix-seconds>}
//	{"type":"heartbeat_response","timestamp":<unix-seconds>}
//	{"type":"message","data":<message>,"length":<len of serialized message>}
//
// Unknown types are tolerated by receivers: logged and skipped.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prxssh/ipchat/internal/models"
)

const (
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeMessage           = "message"
)

var (
	ErrEmptyEnvelope = errors.New("protocol: empty envelope")
	ErrNoData        = errors.New("protocol: envelope carries no data")
)

// Envelope is the single frame type on the chat port. Timestamp is set on
// heartbeats, Data and Length on messages.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Length    int             `json:"length,omitempty"`
}

func Heartbeat(now time.Time) Envelope {
	return Envelope{Type: TypeHeartbeat, Timestamp: now.Unix()}
}

func HeartbeatResponse(now time.Time) Envelope {
	return Envelope{Type: TypeHeartbeatResponse, Timestamp: now.Unix()}
}

// MessageEnvelope wraps a chat message. Length is the byte length of the
// serialized message, kept for parity with receivers that size-check.
func MessageEnvelope(m *models.Message) (Envelope, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode message %s: %w", m.ID, err)
	}

	return Envelope{Type: TypeMessage, Data: data, Length: len(data)}, nil
}

// Marshal renders the envelope as its wire bytes.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes one envelope from b.
func Unmarshal(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, ErrEmptyEnvelope
	}

	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return e, nil
}

// Message extracts the chat message from a message envelope.
func (e Envelope) Message() (*models.Message, error) {
	if len(e.Data) == 0 {
		return nil, ErrNoData
	}

	var m models.Message
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode message data: %w", err)
	}
	return &m, nil
}
