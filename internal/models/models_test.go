package models

import (
	"encoding/json"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestNewMessage(t *testing.T) {
	before := time.Now().UTC()
	m := NewMessage("user-a", "user-b", "hello")

	if m.ID == "" {
		t.Fatal("message id empty")
	}
	if m.SenderID != "user-a" || m.RecipientID != "user-b" || m.Content != "hello" {
		t.Fatalf("unexpected fields: %+v", m)
	}
	if m.Read {
		t.Fatal("new message already read")
	}
	if m.Timestamp.Before(before) {
		t.Fatalf("timestamp %v before construction time %v", m.Timestamp, before)
	}

	other := NewMessage("user-a", "user-b", "hello")
	if other.ID == m.ID {
		t.Fatal("two messages share an id")
	}
}

func TestNewFileTransfer(t *testing.T) {
	sender := User{ID: "user-1", IP: "192.168.1.10"}
	recipient := User{ID: "user-2", IP: "192.168.1.11"}

	ft := NewFileTransfer(sender, recipient, "a.bin", 131072, "/tmp/a.bin")
	if ft.Status != TransferPending {
		t.Fatalf("status = %s, want Pending", ft.Status)
	}
	if ft.BytesTransferred != 0 {
		t.Fatalf("bytesTransferred = %d, want 0", ft.BytesTransferred)
	}
	if ft.SenderIP != "192.168.1.10" || ft.RecipientIP != "192.168.1.11" {
		t.Fatalf("ips not carried over: %+v", ft)
	}
	if ft.FileName != "a.bin" || ft.FileSize != 131072 {
		t.Fatalf("file fields wrong: %+v", ft)
	}
}

func TestTransferStatus_Terminal(t *testing.T) {
	cases := []struct {
		status TransferStatus
		want   bool
	}{
		{TransferPending, false},
		{TransferInProgress, false},
		{TransferCompleted, true},
		{TransferRejected, true},
		{TransferCancelled, true},
		{TransferFailed, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Fatalf("Terminal(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestFileTransfer_Clone(t *testing.T) {
	orig := NewFileTransfer(User{ID: "a"}, User{ID: "b"}, "f", 10, "/f")
	c := orig.Clone()
	c.Status = TransferCompleted
	c.BytesTransferred = 10

	if orig.Status != TransferPending || orig.BytesTransferred != 0 {
		t.Fatalf("clone mutation leaked into the original: %+v", orig)
	}
}

func TestUser_JSONFieldNames(t *testing.T) {
	b, err := json.Marshal(User{ID: "user-1", Name: "alpha", IP: "192.168.1.10", LastSeen: 99})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"user-1","name":"alpha","ip":"192.168.1.10","lastSeen":99}`
	if string(b) != want {
		t.Fatalf("user json = %s, want %s", b, want)
	}
}

func TestTransfer_JSONFieldNames(t *testing.T) {
	ft := FileTransfer{
		ID:          "t-1",
		SenderID:    "user-1",
		RecipientID: "user-2",
		Status:      TransferPending,
		Timestamp:   time.Unix(0, 0).UTC(),
	}
	b, err := json.Marshal(ft)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "senderId", "recipientId", "senderIp", "recipientIp", "fileName", "fileSize", "status", "bytesTransferred", "timestamp"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("transfer json missing %q: %s", key, b)
		}
	}
	// Optional fields stay off the wire when unset.
	for _, key := range []string{"sourcePath", "destinationPath", "error"} {
		if _, ok := fields[key]; ok {
			t.Fatalf("transfer json carries empty %q: %s", key, b)
		}
	}
}

func TestUser_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u := User{
			ID:       rapid.StringMatching(`user-[0-9a-f]{1,8}`).Draw(t, "id"),
			Name:     rapid.String().Draw(t, "name"),
			IP:       rapid.StringMatching(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`).Draw(t, "ip"),
			LastSeen: rapid.Int64().Draw(t, "lastSeen"),
		}

		b, err := json.Marshal(u)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got User
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got != u {
			t.Fatalf("round trip changed the user: %+v != %+v", got, u)
		}
	})
}

func TestTransfer_RoundTripProperty(t *testing.T) {
	statuses := []TransferStatus{
		TransferPending, TransferInProgress, TransferCompleted,
		TransferRejected, TransferCancelled, TransferFailed,
	}

	rapid.Check(t, func(t *rapid.T) {
		ft := FileTransfer{
			ID:               rapid.StringMatching(`[a-z0-9-]{1,40}`).Draw(t, "id"),
			SenderID:         rapid.StringMatching(`user-[0-9a-f]{1,8}`).Draw(t, "sender"),
			RecipientID:      rapid.StringMatching(`user-[0-9a-f]{1,8}`).Draw(t, "recipient"),
			SenderIP:         "192.168.1.10",
			RecipientIP:      "192.168.1.11",
			FileName:         rapid.StringMatching(`[a-z0-9.]{1,20}`).Draw(t, "file"),
			FileSize:         rapid.Int64Range(0, 1<<40).Draw(t, "size"),
			SourcePath:       rapid.String().Draw(t, "src"),
			DestinationPath:  rapid.String().Draw(t, "dst"),
			Status:           rapid.SampledFrom(statuses).Draw(t, "status"),
			BytesTransferred: rapid.Int64Range(0, 1<<40).Draw(t, "bytes"),
			Timestamp:        time.Unix(rapid.Int64Range(0, 4e9).Draw(t, "ts"), 0).UTC(),
			Error:            rapid.String().Draw(t, "err"),
		}

		b, err := json.Marshal(ft)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got FileTransfer
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got != ft {
			t.Fatalf("round trip changed the transfer: %+v != %+v", got, ft)
		}
	})
}
