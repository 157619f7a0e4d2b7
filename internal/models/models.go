// Package models holds the entities exchanged between peers and surfaced to
// the UI layer. JSON field names are camelCase; they are part of the wire
// contract and must not change.
package models

import (
	"time"

	"github.com/google/uuid"
)

// User describes a node on the LAN as advertised over mDNS.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IP       string `json:"ip"`
	LastSeen int64  `json:"lastSeen"` // unix seconds
}

// Message is a single chat message. Immutable after creation except Read,
// which flips false→true on the recipient side only.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Read        bool      `json:"read"`
}

// NewMessage builds an outbound message with a fresh id and the current
// time. Read starts false.
func NewMessage(senderID, recipientID, content string) *Message {
	return &Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
}

// TransferStatus is the lifecycle state of a file transfer.
type TransferStatus string

const (
	TransferPending    TransferStatus = "Pending"
	TransferInProgress TransferStatus = "InProgress"
	TransferCompleted  TransferStatus = "Completed"
	TransferRejected   TransferStatus = "Rejected"
	TransferCancelled  TransferStatus = "Cancelled"
	TransferFailed     TransferStatus = "Failed"
)

// Terminal reports whether the status permits no further transitions.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferCompleted, TransferRejected, TransferCancelled, TransferFailed:
		return true
	}
	return false
}

// FileTransfer is the full state of one transfer. Both sides hold a copy
// keyed by ID and update it independently.
type FileTransfer struct {
	ID               string         `json:"id"`
	SenderID         string         `json:"senderId"`
	RecipientID      string         `json:"recipientId"`
	SenderIP         string         `json:"senderIp"`
	RecipientIP      string         `json:"recipientIp"`
	FileName         string         `json:"fileName"`
	FileSize         int64          `json:"fileSize"`
	SourcePath       string         `json:"sourcePath,omitempty"`
	DestinationPath  string         `json:"destinationPath,omitempty"`
	Status           TransferStatus `json:"status"`
	BytesTransferred int64          `json:"bytesTransferred"`
	Timestamp        time.Time      `json:"timestamp"`
	Error            string         `json:"error,omitempty"`
}

// NewFileTransfer builds the initiator-side record in Pending.
func NewFileTransfer(sender, recipient User, fileName string, fileSize int64, sourcePath string) *FileTransfer {
	return &FileTransfer{
		ID:          uuid.NewString(),
		SenderID:    sender.ID,
		RecipientID: recipient.ID,
		SenderIP:    sender.IP,
		RecipientIP: recipient.IP,
		FileName:    fileName,
		FileSize:    fileSize,
		SourcePath:  sourcePath,
		Status:      TransferPending,
		Timestamp:   time.Now().UTC(),
	}
}

// Clone returns an independent copy, used when handing records across
// goroutine boundaries.
func (t *FileTransfer) Clone() *FileTransfer {
	c := *t
	return &c
}
