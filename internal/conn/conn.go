// Package conn maintains outbound TCP sessions to peers, carries the
// chat envelope protocol over them, and prunes sessions that go idle or
// stop answering heartbeats.
package conn

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/ipchat/internal/apperr"
	"github.com/prxssh/ipchat/internal/protocol"
)

// peerConn is one cached outbound session. Writes are serialized; reads
// never happen here because inbound traffic arrives on the peer's own
// dial, not on this socket.
type peerConn struct {
	peerID string
	addr   string

	writeMu sync.Mutex
	stream  net.Conn

	// lastActivity is unix nanoseconds of the last successful write.
	lastActivity atomic.Int64
	active       atomic.Bool
}

func newPeerConn(peerID, addr string, stream net.Conn) *peerConn {
	pc := &peerConn{
		peerID: peerID,
		addr:   addr,
		stream: stream,
	}
	pc.active.Store(true)
	pc.touch()
	return pc
}

func (pc *peerConn) touch() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *peerConn) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - pc.lastActivity.Load())
}

// usable reports whether the session can carry another write.
func (pc *peerConn) usable(idleTimeout time.Duration) bool {
	return pc.active.Load() && pc.idleFor() < idleTimeout
}

// writeEnvelope marshals env and writes it within timeout. A failed
// write marks the session inactive; the sweep or caller removes it.
func (pc *peerConn) writeEnvelope(
	env protocol.Envelope,
	timeout time.Duration,
) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrSerialization, err)
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	deadline := time.Now().Add(timeout)
	if err := pc.stream.SetWriteDeadline(deadline); err != nil {
		pc.active.Store(false)
		return fmt.Errorf("%w: set write deadline: %v", apperr.ErrNetwork, err)
	}

	if _, err := pc.stream.Write(payload); err != nil {
		pc.active.Store(false)
		return fmt.Errorf(
			"%w: write %s to %s: %v",
			apperr.ErrNetwork,
			env.Type,
			pc.addr,
			err,
		)
	}

	pc.touch()
	return nil
}

func (pc *peerConn) close() {
	pc.active.Store(false)
	_ = pc.stream.Close()
}
