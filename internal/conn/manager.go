package conn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/ipchat/internal/apperr"
	"github.com/prxssh/ipchat/internal/metrics"
	"github.com/prxssh/ipchat/internal/models"
	"github.com/prxssh/ipchat/internal/protocol"
	"github.com/prxssh/ipchat/pkg/syncmap"
)

// inboundBufferSize bounds a single inbound envelope. One read is parsed
// as one JSON envelope.
const inboundBufferSize = 4096

type Config struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// ReadTimeout is the per-read deadline on inbound streams. A peer
	// that stays silent longer than this gets its stream closed.
	ReadTimeout time.Duration
	// WriteTimeout is the per-write deadline for chat messages.
	WriteTimeout time.Duration
	// HeartbeatWriteTimeout is the tighter deadline for heartbeat
	// frames.
	HeartbeatWriteTimeout time.Duration
	// HeartbeatInterval is the cadence of the keepalive sweep.
	HeartbeatInterval time.Duration
	// IdleTimeout evicts sessions with no successful write within the
	// window.
	IdleTimeout time.Duration
}

func withDefaultConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HeartbeatWriteTimeout == 0 {
		cfg.HeartbeatWriteTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return cfg
}

type msgHandler func(*models.Message)

// Manager caches outbound peer sessions, reusing them across sends and
// keeping them warm with heartbeats. Inbound streams are handled per
// connection and never enter the cache; the remote end owns those.
type Manager struct {
	cfg     *Config
	localID string
	log     *slog.Logger
	metrics *metrics.Metrics

	conns   *syncmap.Map[string, *peerConn]
	handler atomic.Pointer[msgHandler]

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewManager(
	localID string,
	cfg *Config,
	m *metrics.Metrics,
) *Manager {
	return &Manager{
		cfg:     withDefaultConfig(cfg),
		localID: localID,
		log:     slog.Default().With("src", "conn"),
		metrics: m,
		conns:   syncmap.New[string, *peerConn](),
	}
}

// OnMessage installs the handler invoked for every inbound chat message
// addressed to the local user. Install it before any stream is served.
func (m *Manager) OnMessage(fn func(*models.Message)) {
	h := msgHandler(fn)
	m.handler.Store(&h)
}

// StartHeartbeat launches the periodic keepalive sweep. Subsequent calls
// are no-ops.
func (m *Manager) StartHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	m.stop = make(chan struct{})

	m.wg.Add(1)
	go m.heartbeatLoop(m.stop)
}

// Stop halts the sweep and closes every cached session.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.started {
		close(m.stop)
		m.started = false
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.CloseAll()
}

// CloseAll drops every cached session.
func (m *Manager) CloseAll() {
	for _, pc := range m.conns.Clear() {
		pc.close()
	}
	m.metrics.SetOpenSessions(0)
}

// SendMessage delivers msg to the peer, dialing a fresh session if the
// cached one is missing or unusable. A failed write tears the session
// down so the next send starts clean.
func (m *Manager) SendMessage(
	peerID, ip string,
	port int,
	msg *models.Message,
) error {
	pc, err := m.getOrCreate(peerID, ip, port)
	if err != nil {
		return err
	}

	env, err := protocol.MessageEnvelope(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrSerialization, err)
	}

	if err := pc.writeEnvelope(env, m.cfg.WriteTimeout); err != nil {
		m.drop(peerID, "dead")
		return fmt.Errorf("send message to %s: %w", peerID, err)
	}

	m.metrics.IncMessageSent()
	m.log.Debug("message sent", "peer_id", peerID, "message_id", msg.ID)
	return nil
}

// getOrCreate returns the cached session for peerID or dials a new one.
func (m *Manager) getOrCreate(
	peerID, ip string,
	port int,
) (*peerConn, error) {
	if pc, ok := m.conns.Get(peerID); ok && pc.usable(m.cfg.IdleTimeout) {
		return pc, nil
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	stream, err := net.DialTimeout("tcp", addr, m.cfg.DialTimeout)
	if err != nil {
		m.metrics.IncDial("error")
		return nil, fmt.Errorf(
			"%w: dial %s: %v",
			apperr.ErrNetwork,
			addr,
			err,
		)
	}
	m.metrics.IncDial("ok")

	pc := newPeerConn(peerID, addr, stream)
	if old, existed := m.conns.Swap(peerID, pc); existed {
		old.close()
	}
	m.metrics.SetOpenSessions(m.conns.Len())

	m.log.Debug("session established", "peer_id", peerID, "addr", addr)
	return pc, nil
}

// drop removes and closes the cached session for peerID, if any.
func (m *Manager) drop(peerID, reason string) {
	pc, ok := m.conns.Get(peerID)
	if !ok {
		return
	}
	pc.close()
	m.conns.Delete(peerID)

	m.metrics.IncEviction(reason)
	m.metrics.SetOpenSessions(m.conns.Len())
	m.log.Debug("session dropped", "peer_id", peerID, "reason", reason)
}

func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep visits every cached session once: idle or inactive sessions are
// evicted, live ones get a heartbeat. A failed heartbeat write evicts
// the session on the spot.
func (m *Manager) sweep() {
	type eviction struct {
		peerID string
		reason string
	}
	var evict []eviction

	m.conns.Range(func(peerID string, pc *peerConn) bool {
		if !pc.active.Load() {
			evict = append(evict, eviction{peerID, "dead"})
			return true
		}
		if pc.idleFor() >= m.cfg.IdleTimeout {
			evict = append(evict, eviction{peerID, "idle"})
			return true
		}

		hb := protocol.Heartbeat(time.Now())
		if err := pc.writeEnvelope(hb, m.cfg.HeartbeatWriteTimeout); err != nil {
			m.metrics.IncHeartbeat("error")
			m.log.Debug(
				"heartbeat failed",
				"peer_id", peerID,
				"error", err,
			)
			evict = append(evict, eviction{peerID, "dead"})
			return true
		}
		m.metrics.IncHeartbeat("ok")
		return true
	})

	for _, e := range evict {
		m.drop(e.peerID, e.reason)
	}
}

// HandleIncoming owns one inbound stream for its lifetime: it reads
// envelopes until the peer goes quiet or disconnects, answering
// heartbeats and forwarding chat messages addressed to the local user.
func (m *Manager) HandleIncoming(stream net.Conn) {
	defer stream.Close()

	log := m.log.With("remote", stream.RemoteAddr().String())
	buf := make([]byte, inboundBufferSize)

	for {
		deadline := time.Now().Add(m.cfg.ReadTimeout)
		if err := stream.SetReadDeadline(deadline); err != nil {
			log.Debug("set read deadline failed", "error", err)
			return
		}

		n, err := stream.Read(buf)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("peer disconnected")
			case isTimeout(err):
				log.Debug("peer went quiet, closing stream")
			default:
				log.Debug("read failed", "error", err)
			}
			return
		}
		if n == 0 {
			log.Debug("empty read, closing stream")
			return
		}

		env, err := protocol.Unmarshal(buf[:n])
		if err != nil {
			log.Debug("malformed envelope", "error", err)
			continue
		}
		m.metrics.IncEnvelopeReceived(env.Type)

		switch env.Type {
		case protocol.TypeHeartbeat:
			if err := m.answerHeartbeat(stream); err != nil {
				log.Debug("heartbeat response failed", "error", err)
				return
			}
		case protocol.TypeHeartbeatResponse:
			log.Debug("heartbeat acknowledged", "timestamp", env.Timestamp)
		case protocol.TypeMessage:
			msg, err := env.Message()
			if err != nil {
				log.Debug("malformed message payload", "error", err)
				continue
			}
			if msg.RecipientID != m.localID {
				log.Debug(
					"message for another recipient, dropped",
					"recipient_id", msg.RecipientID,
				)
				continue
			}
			if h := m.handler.Load(); h != nil {
				(*h)(msg)
			}
		default:
			log.Debug("unknown envelope type", "type", env.Type)
		}
	}
}

func (m *Manager) answerHeartbeat(stream net.Conn) error {
	resp, err := protocol.HeartbeatResponse(time.Now()).Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrSerialization, err)
	}

	deadline := time.Now().Add(m.cfg.HeartbeatWriteTimeout)
	if err := stream.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}
	if _, err := stream.Write(resp); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
