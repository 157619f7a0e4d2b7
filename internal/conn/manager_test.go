package conn

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/prxssh/ipchat/internal/apperr"
	"github.com/prxssh/ipchat/internal/models"
	"github.com/prxssh/ipchat/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *Config {
	return &Config{
		DialTimeout:           2 * time.Second,
		ReadTimeout:           2 * time.Second,
		WriteTimeout:          2 * time.Second,
		HeartbeatWriteTimeout: time.Second,
		HeartbeatInterval:     time.Hour, // sweep never fires on its own
		IdleTimeout:           time.Minute,
	}
}

// newTestListener accepts one connection and hands it to the channel.
func newTestListener(t *testing.T) (net.Listener, int, chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				close(accepted)
				return
			}
			accepted <- c
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return ln, port, accepted
}

func readEnvelope(t *testing.T, c net.Conn) protocol.Envelope {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	env, err := protocol.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestSendMessage_DeliversEnvelope(t *testing.T) {
	_, port, accepted := newTestListener(t)

	m := NewManager("user-a", testConfig(), nil)
	defer m.Stop()

	msg := models.NewMessage("user-a", "user-b", "hello")
	if err := m.SendMessage("user-b", "127.0.0.1", port, msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	c := <-accepted
	defer c.Close()

	env := readEnvelope(t, c)
	if env.Type != protocol.TypeMessage {
		t.Fatalf("type = %q, want message", env.Type)
	}
	got, err := env.Message()
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.Content != "hello" || got.SenderID != "user-a" || got.ID != msg.ID {
		t.Fatalf("delivered = %+v, want %+v", got, msg)
	}
}

func TestSendMessage_ReusesSession(t *testing.T) {
	_, port, accepted := newTestListener(t)

	m := NewManager("user-a", testConfig(), nil)
	defer m.Stop()

	for i := 0; i < 3; i++ {
		msg := models.NewMessage("user-a", "user-b", "ping")
		if err := m.SendMessage("user-b", "127.0.0.1", port, msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	c := <-accepted
	defer c.Close()

	select {
	case extra := <-accepted:
		extra.Close()
		t.Fatal("manager dialed a second session for the same peer")
	case <-time.After(100 * time.Millisecond):
	}

	// All three envelopes arrive on the one stream.
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := json.NewDecoder(c)
	for i := 0; i < 3; i++ {
		var env protocol.Envelope
		if err := dec.Decode(&env); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if env.Type != protocol.TypeMessage {
			t.Fatalf("envelope %d type = %q", i, env.Type)
		}
	}
}

func TestSendMessage_DialFailure(t *testing.T) {
	ln, port, _ := newTestListener(t)
	ln.Close() // free the port so the dial is refused

	m := NewManager("user-a", testConfig(), nil)
	defer m.Stop()

	msg := models.NewMessage("user-a", "user-b", "hello")
	err := m.SendMessage("user-b", "127.0.0.1", port, msg)
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestSendMessage_DeadSessionFailsCleanAndRedials(t *testing.T) {
	ln, port, accepted := newTestListener(t)

	m := NewManager("user-a", testConfig(), nil)
	defer m.Stop()

	msg := models.NewMessage("user-a", "user-b", "first")
	if err := m.SendMessage("user-b", "127.0.0.1", port, msg); err != nil {
		t.Fatalf("first send: %v", err)
	}

	// Kill the remote side without telling the manager.
	c := <-accepted
	c.Close()
	ln.Close()

	// The cached session eventually surfaces a write error; after the
	// failure the manager must have evicted it, so the following send
	// re-dials and fails with a connection refusal, never a panic.
	deadline := time.Now().Add(3 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		err = m.SendMessage(
			"user-b", "127.0.0.1", port,
			models.NewMessage("user-a", "user-b", "again"),
		)
		if err != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestHandleIncoming_AnswersHeartbeat(t *testing.T) {
	m := NewManager("user-a", testConfig(), nil)
	defer m.Stop()

	local, remote := net.Pipe()
	done := make(chan struct{})
	go func() {
		m.HandleIncoming(remote)
		close(done)
	}()

	hb, err := protocol.Heartbeat(time.Now()).Marshal()
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	local.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := local.Write(hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	env := readEnvelope(t, local)
	if env.Type != protocol.TypeHeartbeatResponse {
		t.Fatalf("type = %q, want heartbeat_response", env.Type)
	}
	if env.Timestamp == 0 {
		t.Fatal("heartbeat response carries no timestamp")
	}

	local.Close()
	<-done
}

func TestHandleIncoming_DispatchesMessage(t *testing.T) {
	m := NewManager("user-a", testConfig(), nil)
	defer m.Stop()

	received := make(chan *models.Message, 1)
	m.OnMessage(func(msg *models.Message) { received <- msg })

	local, remote := net.Pipe()
	done := make(chan struct{})
	go func() {
		m.HandleIncoming(remote)
		close(done)
	}()

	writeMessage := func(msg *models.Message) {
		t.Helper()
		env, err := protocol.MessageEnvelope(msg)
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		b, err := env.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		local.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := local.Write(b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// Addressed to someone else: dropped silently.
	writeMessage(models.NewMessage("user-b", "user-c", "not for us"))
	// Addressed to the local user: dispatched.
	want := models.NewMessage("user-b", "user-a", "for us")
	writeMessage(want)

	select {
	case got := <-received:
		if got.ID != want.ID || got.Content != "for us" {
			t.Fatalf("dispatched = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}

	select {
	case got := <-received:
		t.Fatalf("misaddressed message dispatched: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}

	local.Close()
	<-done
}

func TestHandleIncoming_MalformedEnvelopeKeepsLoopAlive(t *testing.T) {
	m := NewManager("user-a", testConfig(), nil)
	defer m.Stop()

	received := make(chan *models.Message, 1)
	m.OnMessage(func(msg *models.Message) { received <- msg })

	local, remote := net.Pipe()
	done := make(chan struct{})
	go func() {
		m.HandleIncoming(remote)
		close(done)
	}()

	local.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := local.Write([]byte("this is not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	env, err := protocol.MessageEnvelope(models.NewMessage("user-b", "user-a", "still here"))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, _ := env.Marshal()
	local.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := local.Write(b); err != nil {
		t.Fatalf("write message: %v", err)
	}

	select {
	case got := <-received:
		if got.Content != "still here" {
			t.Fatalf("dispatched = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop died on the malformed envelope")
	}

	local.Close()
	<-done
}

func TestSweep_EvictsIdleSessions(t *testing.T) {
	_, port, accepted := newTestListener(t)

	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond

	m := NewManager("user-a", cfg, nil)
	defer m.Stop()

	msg := models.NewMessage("user-a", "user-b", "hello")
	if err := m.SendMessage("user-b", "127.0.0.1", port, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := <-accepted
	defer c.Close()

	if m.conns.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", m.conns.Len())
	}

	time.Sleep(80 * time.Millisecond)
	m.sweep()

	if m.conns.Len() != 0 {
		t.Fatalf("sessions after sweep = %d, want 0", m.conns.Len())
	}
}

func TestSweep_HeartbeatsLiveSessions(t *testing.T) {
	_, port, accepted := newTestListener(t)

	m := NewManager("user-a", testConfig(), nil)
	defer m.Stop()

	msg := models.NewMessage("user-a", "user-b", "hello")
	if err := m.SendMessage("user-b", "127.0.0.1", port, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	c := <-accepted
	defer c.Close()
	readEnvelope(t, c) // drain the message

	m.sweep()

	env := readEnvelope(t, c)
	if env.Type != protocol.TypeHeartbeat {
		t.Fatalf("type = %q, want heartbeat", env.Type)
	}
	if m.conns.Len() != 1 {
		t.Fatalf("live session evicted, sessions = %d", m.conns.Len())
	}
}

func TestStop_ClosesSessions(t *testing.T) {
	_, port, accepted := newTestListener(t)

	m := NewManager("user-a", testConfig(), nil)
	m.StartHeartbeat()
	m.StartHeartbeat() // idempotent

	msg := models.NewMessage("user-a", "user-b", "hello")
	if err := m.SendMessage("user-b", "127.0.0.1", port, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := <-accepted
	defer c.Close()

	m.Stop()

	if m.conns.Len() != 0 {
		t.Fatalf("sessions after Stop = %d, want 0", m.conns.Len())
	}

	// The remote side observes the closure.
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}
