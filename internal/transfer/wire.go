package transfer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prxssh/ipchat/internal/apperr"
	"github.com/prxssh/ipchat/internal/models"
)

// Wire commands on the transfer port. A connection opens with either a
// command line ("<CMD><transfer-id>\n") followed by raw file bytes, or a
// bare JSON transfer record.
const (
	cmdFileData    = "FILE_DATA:"
	cmdRequestFile = "REQUEST_FILE:"
)

// sendRecord delivers a transfer record to ip over a short-lived
// connection. Used for offers and status notifications.
func (e *Engine) sendRecord(ip string, t models.FileTransfer) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf(
			"%w: encode transfer record: %v",
			apperr.ErrSerialization,
			err,
		)
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(e.cfg.Port))
	stream, err := net.DialTimeout("tcp", addr, e.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", apperr.ErrNetwork, addr, err)
	}
	defer stream.Close()

	deadline := time.Now().Add(e.cfg.WriteTimeout)
	if err := stream.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}
	if _, err := stream.Write(payload); err != nil {
		return fmt.Errorf(
			"%w: send transfer record to %s: %v",
			apperr.ErrNetwork,
			addr,
			err,
		)
	}
	return nil
}

// pushData ships the file body to the recipient after the sender
// accepted its own offer.
func (e *Engine) pushData(t models.FileTransfer) error {
	stream, err := e.dialData(t.RecipientIP, cmdFileData+t.ID)
	if err != nil {
		return err
	}
	defer stream.Close()

	return e.streamFile(stream, t.ID, t.SourcePath, t.FileSize)
}

// pullData fetches the file body from the sender after the recipient
// accepted.
func (e *Engine) pullData(t models.FileTransfer) error {
	stream, err := e.dialData(t.SenderIP, cmdRequestFile+t.ID)
	if err != nil {
		return err
	}
	defer stream.Close()

	return e.drainToFile(stream, stream, t.ID, t.DestinationPath, t.FileSize)
}

// dialData opens a data connection and writes the command line.
func (e *Engine) dialData(ip, command string) (net.Conn, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(e.cfg.Port))
	stream, err := net.DialTimeout("tcp", addr, e.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", apperr.ErrNetwork, addr, err)
	}

	deadline := time.Now().Add(e.cfg.WriteTimeout)
	if err := stream.SetWriteDeadline(deadline); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}
	if _, err := stream.Write([]byte(command + "\n")); err != nil {
		stream.Close()
		return nil, fmt.Errorf(
			"%w: write command to %s: %v",
			apperr.ErrNetwork,
			addr,
			err,
		)
	}
	return stream, nil
}

// handleConn classifies one inbound connection by peeking at its first
// bytes: a command line selects the data plane, anything else is a
// transfer record.
func (e *Engine) handleConn(stream net.Conn) {
	defer stream.Close()

	if err := stream.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout)); err != nil {
		e.log.Debug("set read deadline failed", "error", err)
		return
	}

	br := bufio.NewReader(stream)
	head, err := br.Peek(len(cmdRequestFile))
	if err != nil && len(head) == 0 {
		e.log.Debug("connection closed before any payload", "error", err)
		return
	}

	switch {
	case bytes.HasPrefix(head, []byte(cmdFileData)):
		id, err := readCommandLine(br, cmdFileData)
		if err != nil {
			e.log.Debug("malformed data command", "error", err)
			return
		}
		e.receivePush(stream, br, id)
	case bytes.HasPrefix(head, []byte(cmdRequestFile)):
		id, err := readCommandLine(br, cmdRequestFile)
		if err != nil {
			e.log.Debug("malformed request command", "error", err)
			return
		}
		e.servePull(stream, id)
	default:
		e.receiveRecord(br)
	}
}

// readCommandLine consumes "<prefix><id>\n" and returns the id.
func readCommandLine(br *bufio.Reader, prefix string) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if id == "" {
		return "", errors.New("empty transfer id")
	}
	return id, nil
}

// receivePush drains pushed file bytes into the destination. The record
// must already exist from the preceding offer; a missing destination
// falls back to the download directory.
func (e *Engine) receivePush(stream net.Conn, br *bufio.Reader, id string) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		e.log.Error("data push for unknown transfer", "transfer_id", id)
		return
	}
	if t.Status.Terminal() {
		status := t.Status
		e.mu.Unlock()
		e.log.Debug(
			"data push for finished transfer",
			"transfer_id", id,
			"status", status,
		)
		return
	}
	if t.DestinationPath == "" {
		t.DestinationPath = filepath.Join(e.cfg.DownloadDir, t.FileName)
	}
	t.Status = models.TransferInProgress
	dest := t.DestinationPath
	size := t.FileSize
	snap := *t.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
	e.runData(id, func() error {
		return e.drainToFile(stream, br, id, dest, size)
	})
}

// servePull streams the local file back to the recipient that requested
// it. The pull doubles as the acceptance signal, so a Pending record
// transitions here.
func (e *Engine) servePull(stream net.Conn, id string) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		e.log.Error("file request for unknown transfer", "transfer_id", id)
		return
	}
	if t.SenderID != e.local.ID {
		e.mu.Unlock()
		e.log.Debug("file request for a transfer we do not own", "transfer_id", id)
		return
	}
	if t.Status.Terminal() {
		status := t.Status
		e.mu.Unlock()
		e.log.Debug(
			"file request for finished transfer",
			"transfer_id", id,
			"status", status,
		)
		return
	}
	src := t.SourcePath
	size := t.FileSize
	t.Status = models.TransferInProgress
	snap := *t.Clone()
	e.mu.Unlock()

	if src == "" {
		e.fail(id, fmt.Errorf("%w: record has no source path", apperr.ErrFileTransfer))
		return
	}

	e.emitUpdate(snap)
	e.runData(id, func() error {
		return e.streamFile(stream, id, src, size)
	})
}

// receiveRecord handles a bare JSON payload: a fresh offer lands in the
// table as Pending, a record we already track is a status notification
// from the other side.
func (e *Engine) receiveRecord(br *bufio.Reader) {
	var incoming models.FileTransfer
	if err := json.NewDecoder(br).Decode(&incoming); err != nil {
		e.log.Debug("undecodable transfer payload", "error", err)
		return
	}
	if incoming.ID == "" {
		e.log.Debug("transfer payload without id")
		return
	}

	e.mu.Lock()
	existing, ok := e.transfers[incoming.ID]
	if !ok {
		if incoming.RecipientID != e.local.ID {
			e.mu.Unlock()
			e.log.Debug(
				"transfer offer addressed to another peer",
				"recipient_id", incoming.RecipientID,
			)
			return
		}
		stored := incoming.Clone()
		e.transfers[stored.ID] = stored
		snap := *stored.Clone()
		e.mu.Unlock()

		e.log.Info(
			"incoming file transfer",
			"transfer_id", snap.ID,
			"file", snap.FileName,
			"size", snap.FileSize,
			"from", snap.SenderID,
		)
		e.emitUpdate(snap)
		return
	}

	if existing.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	existing.Status = incoming.Status
	if incoming.Error != "" {
		existing.Error = incoming.Error
	}
	snap := *existing.Clone()
	e.mu.Unlock()

	e.log.Info(
		"transfer status updated by peer",
		"transfer_id", snap.ID,
		"status", snap.Status,
	)
	e.emitUpdate(snap)
}

// streamFile writes the file body to the connection chunk by chunk. The
// reader is capped at size so a file that grew mid-transfer cannot
// overrun the agreed byte count.
func (e *Engine) streamFile(
	stream net.Conn,
	id, path string,
	size int64,
) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", apperr.ErrFileNotFound, path)
		}
		return fmt.Errorf("%w: open %s: %v", apperr.ErrIO, path, err)
	}
	defer f.Close()

	body := io.LimitReader(f, size)
	buf := make([]byte, e.cfg.ChunkSize)
	for {
		if e.statusOf(id) != models.TransferInProgress {
			return errAborted
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			deadline := time.Now().Add(e.cfg.WriteTimeout)
			if err := stream.SetWriteDeadline(deadline); err != nil {
				return fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
			}
			if _, werr := stream.Write(buf[:n]); werr != nil {
				return fmt.Errorf(
					"%w: write chunk: %v",
					apperr.ErrNetwork,
					werr,
				)
			}
			e.advance(id, n, "out")
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: read %s: %v", apperr.ErrIO, path, rerr)
		}
	}
}

// drainToFile reads the file body from r into path chunk by chunk.
// Deadlines are armed on the underlying connection; r may be a buffered
// wrapper over it.
func (e *Engine) drainToFile(
	stream net.Conn,
	r io.Reader,
	id, path string,
	size int64,
) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", apperr.ErrIO, filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", apperr.ErrIO, path, err)
	}
	defer f.Close()

	body := io.LimitReader(r, size)
	buf := make([]byte, e.cfg.ChunkSize)
	for {
		if e.statusOf(id) != models.TransferInProgress {
			return errAborted
		}

		deadline := time.Now().Add(e.cfg.ReadTimeout)
		if err := stream.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf(
					"%w: write %s: %v",
					apperr.ErrIO,
					path,
					werr,
				)
			}
			e.advance(id, n, "in")
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: read chunk: %v", apperr.ErrNetwork, rerr)
		}
	}
}
