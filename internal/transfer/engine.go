// Package transfer moves files between peers over a dedicated TCP port.
// A transfer starts as a Pending record mirrored on both sides; once a
// side accepts, the file body streams in fixed-size chunks, either
// pushed by the sender or pulled by the recipient. Terminal records
// never change again.
package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prxssh/ipchat/internal/apperr"
	"github.com/prxssh/ipchat/internal/events"
	"github.com/prxssh/ipchat/internal/metrics"
	"github.com/prxssh/ipchat/internal/models"
)

type Config struct {
	// Port is the file transfer listener port.
	Port int
	// ChunkSize is the unit of streaming and progress accounting.
	ChunkSize int
	// DownloadDir receives files when no destination was chosen.
	DownloadDir string
	// DialTimeout bounds control and data dials.
	DialTimeout time.Duration
	// ReadTimeout is the per-chunk read deadline.
	ReadTimeout time.Duration
	// WriteTimeout is the per-chunk write deadline.
	WriteTimeout time.Duration
}

func withDefaultConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Port == 0 {
		cfg.Port = 8766
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = os.TempDir()
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
	return cfg
}

// errAborted marks a data loop stopped by a local Cancel rather than an
// I/O failure; the record already carries its terminal status.
var errAborted = errors.New("transfer aborted")

// Engine tracks every transfer this node participates in and runs the
// data plane for accepted ones.
type Engine struct {
	cfg     *Config
	local   models.User
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	transfers map[string]*models.FileTransfer

	lnMu    sync.Mutex
	ln      net.Listener
	started bool
	wg      sync.WaitGroup
}

func NewEngine(
	local models.User,
	cfg *Config,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		cfg:       withDefaultConfig(cfg),
		local:     local,
		log:       slog.Default().With("src", "transfer"),
		metrics:   m,
		transfers: make(map[string]*models.FileTransfer),
	}
}

// Start binds the transfer port and begins accepting peer connections.
func (e *Engine) Start() error {
	e.lnMu.Lock()
	defer e.lnMu.Unlock()

	if e.started {
		return fmt.Errorf(
			"%w: transfer listener already running",
			apperr.ErrInvalidOperation,
		)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", e.cfg.Port))
	if err != nil {
		return fmt.Errorf(
			"%w: listen on port %d: %v",
			apperr.ErrNetwork,
			e.cfg.Port,
			err,
		)
	}

	e.ln = ln
	e.started = true

	e.wg.Add(1)
	go e.acceptLoop(ln)

	e.log.Info("transfer listener up", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener. Running data streams finish or fail on
// their own deadlines.
func (e *Engine) Stop() error {
	e.lnMu.Lock()
	defer e.lnMu.Unlock()

	if !e.started {
		return nil
	}
	e.started = false

	err := e.ln.Close()
	e.wg.Wait()
	return err
}

func (e *Engine) acceptLoop(ln net.Listener) {
	defer e.wg.Done()

	for {
		stream, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				e.log.Debug("transfer listener closed")
			} else {
				e.log.Error("transfer accept failed", "error", err)
			}
			return
		}
		go e.handleConn(stream)
	}
}

// SendFile offers path to peer: the record is stored Pending on both
// sides and no bytes move until someone accepts.
func (e *Engine) SendFile(
	peer models.User,
	path string,
) (models.FileTransfer, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.FileTransfer{}, fmt.Errorf(
				"%w: %s",
				apperr.ErrFileNotFound,
				path,
			)
		}
		return models.FileTransfer{}, fmt.Errorf(
			"%w: stat %s: %v",
			apperr.ErrIO,
			path,
			err,
		)
	}
	if info.IsDir() {
		return models.FileTransfer{}, fmt.Errorf(
			"%w: %s is a directory",
			apperr.ErrFileTransfer,
			path,
		)
	}

	t := models.NewFileTransfer(
		e.local,
		peer,
		filepath.Base(path),
		info.Size(),
		path,
	)

	e.mu.Lock()
	e.transfers[t.ID] = t
	snap := *t.Clone()
	e.mu.Unlock()

	if err := e.sendRecord(peer.IP, snap); err != nil {
		return models.FileTransfer{}, err
	}

	e.log.Info(
		"file transfer offered",
		"transfer_id", snap.ID,
		"file", snap.FileName,
		"size", snap.FileSize,
		"to", peer.ID,
	)
	return snap, nil
}

// Accept moves a Pending transfer to InProgress and starts the data
// plane for it. The recipient pulls from the sender unless the local
// side already owns the file, in which case it pushes.
func (e *Engine) Accept(id, savePath string) error {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", apperr.ErrTransferNotFound, id)
	}
	if t.Status != models.TransferPending {
		status := t.Status
		e.mu.Unlock()
		return fmt.Errorf(
			"%w: cannot accept transfer in state %s",
			apperr.ErrInvalidOperation,
			status,
		)
	}

	sender := t.SenderID == e.local.ID
	if !sender {
		if savePath == "" {
			savePath = filepath.Join(e.cfg.DownloadDir, t.FileName)
		}
		t.DestinationPath = savePath
	}
	t.Status = models.TransferInProgress
	snap := *t.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
	e.log.Info("file transfer accepted", "transfer_id", id)

	go func() {
		if sender {
			e.runData(id, func() error { return e.pushData(snap) })
		} else {
			e.runData(id, func() error { return e.pullData(snap) })
		}
	}()
	return nil
}

// Reject declines a Pending transfer. Only the recipient may reject;
// the sender withdraws with Cancel instead.
func (e *Engine) Reject(id string) error {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", apperr.ErrTransferNotFound, id)
	}
	if t.RecipientID != e.local.ID {
		e.mu.Unlock()
		return fmt.Errorf(
			"%w: only the recipient can reject a transfer",
			apperr.ErrInvalidOperation,
		)
	}
	if t.Status != models.TransferPending {
		status := t.Status
		e.mu.Unlock()
		return fmt.Errorf(
			"%w: cannot reject transfer in state %s",
			apperr.ErrInvalidOperation,
			status,
		)
	}

	t.Status = models.TransferRejected
	snap := *t.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
	e.log.Info("file transfer rejected", "transfer_id", id)
	e.notifyPeer(snap)
	return nil
}

// Cancel aborts a Pending or InProgress transfer from either side. A
// running data loop notices the status flip on its next chunk.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", apperr.ErrTransferNotFound, id)
	}
	if t.Status.Terminal() {
		status := t.Status
		e.mu.Unlock()
		return fmt.Errorf(
			"%w: cannot cancel transfer in state %s",
			apperr.ErrInvalidOperation,
			status,
		)
	}

	t.Status = models.TransferCancelled
	snap := *t.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
	e.log.Info("file transfer cancelled", "transfer_id", id)
	e.notifyPeer(snap)
	return nil
}

// Get returns a copy of one transfer record.
func (e *Engine) Get(id string) (models.FileTransfer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.transfers[id]
	if !ok {
		return models.FileTransfer{}, false
	}
	return *t.Clone(), true
}

// List returns copies of every known transfer, oldest first.
func (e *Engine) List() []models.FileTransfer {
	e.mu.RLock()
	out := make([]models.FileTransfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		out = append(out, *t.Clone())
	}
	e.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.FileTransfer) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (e *Engine) statusOf(id string) models.TransferStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if t, ok := e.transfers[id]; ok {
		return t.Status
	}
	return ""
}

// advance accounts n streamed bytes and publishes progress.
func (e *Engine) advance(id string, n int, direction string) {
	e.metrics.AddTransferBytes(direction, n)

	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	t.BytesTransferred += int64(n)
	snap := *t.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
}

// finish closes out a data loop that ended without an I/O error: all
// bytes accounted for means Completed, anything less is Failed.
func (e *Engine) finish(id string) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok || t.Status != models.TransferInProgress {
		e.mu.Unlock()
		return
	}
	if t.BytesTransferred >= t.FileSize {
		t.Status = models.TransferCompleted
	} else {
		t.Status = models.TransferFailed
		t.Error = "stream ended before all bytes arrived"
	}
	snap := *t.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
	e.log.Info(
		"file transfer finished",
		"transfer_id", id,
		"status", snap.Status,
		"bytes", snap.BytesTransferred,
	)
}

// fail marks a non-terminal transfer Failed.
func (e *Engine) fail(id string, err error) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok || t.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	t.Status = models.TransferFailed
	t.Error = err.Error()
	snap := *t.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
	e.log.Error("file transfer failed", "transfer_id", id, "error", err)
}

// runData wraps a data loop with the terminal bookkeeping.
func (e *Engine) runData(id string, fn func() error) {
	err := fn()
	switch {
	case err == nil:
		e.finish(id)
	case errors.Is(err, errAborted):
		e.log.Debug("data loop aborted", "transfer_id", id)
	default:
		e.fail(id, err)
	}
}

func (e *Engine) emitUpdate(t models.FileTransfer) {
	events.Emit(events.FileTransferUpdate, t)
}

// notifyPeer mirrors a status change to the other side. Best effort:
// the local record is authoritative even when the peer is unreachable.
func (e *Engine) notifyPeer(t models.FileTransfer) {
	ip := t.SenderIP
	if t.SenderID == e.local.ID {
		ip = t.RecipientIP
	}
	if err := e.sendRecord(ip, t); err != nil {
		e.log.Warn(
			"status notification failed",
			"transfer_id", t.ID,
			"error", err,
		)
	}
}
