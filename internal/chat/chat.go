// Package chat keeps the per-peer message history and runs the listener
// that accepts peer chat streams. Outgoing messages are stored under the
// local user's bucket, incoming ones under the sender's, and a
// conversation is the timestamp-ordered merge of the two.
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/prxssh/ipchat/internal/apperr"
	"github.com/prxssh/ipchat/internal/conn"
	"github.com/prxssh/ipchat/internal/events"
	"github.com/prxssh/ipchat/internal/models"
)

type Service struct {
	localID string
	port    int
	mgr     *conn.Manager
	log     *slog.Logger

	mu      sync.RWMutex
	buckets map[string][]models.Message

	lnMu    sync.Mutex
	ln      net.Listener
	started bool
	wg      sync.WaitGroup
}

// NewService wires itself as the manager's inbound message handler, so
// construct it before any stream is served.
func NewService(localID string, port int, mgr *conn.Manager) *Service {
	s := &Service{
		localID: localID,
		port:    port,
		mgr:     mgr,
		log:     slog.Default().With("src", "chat"),
		buckets: make(map[string][]models.Message),
	}
	mgr.OnMessage(s.receive)
	return s
}

// Start binds the chat port and begins accepting peer streams. Starting
// a started service is an error.
func (s *Service) Start() error {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()

	if s.started {
		return fmt.Errorf("%w: chat listener already running", apperr.ErrInvalidOperation)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.port))
	if err != nil {
		return fmt.Errorf("%w: listen on port %d: %v", apperr.ErrNetwork, s.port, err)
	}

	s.ln = ln
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("chat listener up", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener. In-flight streams are owned by the
// connection manager and drain on their own deadlines.
func (s *Service) Stop() error {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Service) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		stream, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Debug("chat listener closed")
			} else {
				s.log.Error("chat accept failed", "error", err)
			}
			return
		}
		go s.mgr.HandleIncoming(stream)
	}
}

// Send stores the message locally and then delivers it. The local copy
// is kept even when delivery fails so the conversation reflects the
// attempt.
func (s *Service) Send(
	peerID, peerIP, content string,
) (models.Message, error) {
	msg := *models.NewMessage(s.localID, peerID, content)

	s.mu.Lock()
	s.buckets[s.localID] = append(s.buckets[s.localID], msg)
	s.mu.Unlock()

	if err := s.mgr.SendMessage(peerID, peerIP, s.port, &msg); err != nil {
		return models.Message{}, err
	}

	events.Emit(events.MessageSent, msg)
	return msg, nil
}

// receive files an inbound message under the sender's bucket. Messages
// addressed to someone else are already dropped by the manager; this is
// the second gate.
func (s *Service) receive(msg *models.Message) {
	if msg.RecipientID != s.localID {
		s.log.Debug(
			"ignoring message for another recipient",
			"recipient_id", msg.RecipientID,
		)
		return
	}

	s.mu.Lock()
	s.buckets[msg.SenderID] = append(s.buckets[msg.SenderID], *msg)
	s.mu.Unlock()

	s.log.Info(
		"message received",
		"sender_id", msg.SenderID,
		"message_id", msg.ID,
	)
	events.Emit(events.MessageReceived, *msg)
}

// MessagesForPeer returns the conversation with peerID ordered by
// timestamp: what the local user sent to the peer merged with what the
// peer sent back.
func (s *Service) MessagesForPeer(peerID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Message
	for _, msg := range s.buckets[s.localID] {
		if msg.RecipientID == peerID {
			out = append(out, msg)
		}
	}
	for _, msg := range s.buckets[peerID] {
		if msg.RecipientID == s.localID {
			out = append(out, msg)
		}
	}

	sortByTimestamp(out)
	return out
}

// AllMessages returns every stored message ordered by timestamp.
func (s *Service) AllMessages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Message
	for _, bucket := range s.buckets {
		out = append(out, bucket...)
	}

	sortByTimestamp(out)
	return out
}

// MarkRead flags every message from peerID to the local user as read.
// Unknown peers are a no-op; listeners are notified either way.
func (s *Service) MarkRead(peerID string) {
	s.mu.Lock()
	bucket := s.buckets[peerID]
	for i := range bucket {
		if bucket[i].RecipientID == s.localID {
			bucket[i].Read = true
		}
	}
	s.mu.Unlock()

	events.Emit(events.MessagesRead, peerID)
}

func sortByTimestamp(msgs []models.Message) {
	slices.SortStableFunc(msgs, func(a, b models.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}
