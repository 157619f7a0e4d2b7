// Package events routes typed notifications from the networking core to the
// UI collaborator. One process-wide sink is installed at startup; emission
// is fire-and-forget and a missing sink drops events silently.
package events

import "sync/atomic"

// Event names accepted by the UI layer. The set is closed; payload shapes
// are the data-model entities.
const (
	PeerDiscovered      = "peer_discovered"
	PeersUpdated        = "peers_updated"
	MessageReceived     = "message_received"
	MessageSent         = "message_sent"
	MessagesRead        = "messages_read"
	UserUpdated         = "user_updated"
	FileTransferUpdate  = "file_transfer_update"
	FileTransfersUpdate = "file_transfers_update"
)

// Sink receives emitted events. Implementations must not block.
type Sink interface {
	Emit(event string, payload any)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event string, payload any)

func (f SinkFunc) Emit(event string, payload any) { f(event, payload) }

type holder struct{ sink Sink }

var current atomic.Pointer[holder]

// Init installs the process-wide sink. Called once at startup; tests may
// call it again to substitute a recorder.
func Init(s Sink) {
	current.Store(&holder{sink: s})
}

// Reset removes the installed sink. Test helper.
func Reset() {
	current.Store(nil)
}

// Emit delivers the event to the installed sink, if any.
func Emit(event string, payload any) {
	h := current.Load()
	if h == nil || h.sink == nil {
		return
	}
	h.sink.Emit(event, payload)
}
