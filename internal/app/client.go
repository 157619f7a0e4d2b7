// Package app binds the networking core to the desktop shell. Client's
// exported methods are the command surface the frontend calls; events
// flow back through the process-wide sink installed at startup.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/prxssh/ipchat/internal/apperr"
	"github.com/prxssh/ipchat/internal/chat"
	"github.com/prxssh/ipchat/internal/config"
	"github.com/prxssh/ipchat/internal/conn"
	"github.com/prxssh/ipchat/internal/discovery"
	"github.com/prxssh/ipchat/internal/events"
	"github.com/prxssh/ipchat/internal/identity"
	"github.com/prxssh/ipchat/internal/metrics"
	"github.com/prxssh/ipchat/internal/models"
	"github.com/prxssh/ipchat/internal/transfer"
	"github.com/prxssh/ipchat/pkg/retry"
)

// restartDelay lets the mDNS daemon settle between a stop and the
// immediate restart during a full refresh.
const restartDelay = 200 * time.Millisecond

type Client struct {
	ctx context.Context
	log *slog.Logger

	mu    sync.RWMutex
	local models.User

	metrics   *metrics.Metrics
	discovery *discovery.Service
	conns     *conn.Manager
	chat      *chat.Service
	transfers *transfer.Engine

	initOnce sync.Once
}

func NewClient() *Client {
	cfg := config.Load()

	local := identity.LocalUser()
	if cfg.Username != "" {
		local.Name = cfg.Username
	}

	m := metrics.New()

	conns := conn.NewManager(local.ID, &conn.Config{
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		HeartbeatWriteTimeout: cfg.HeartbeatWriteTimeout,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		IdleTimeout:           cfg.IdleTimeout,
	}, m)

	return &Client{
		log:       slog.Default().With("src", "app"),
		local:     local,
		metrics:   m,
		conns:     conns,
		chat:      chat.NewService(local.ID, cfg.ChatPort, conns),
		transfers: transfer.NewEngine(local, &transfer.Config{
			Port:         cfg.TransferPort,
			ChunkSize:    cfg.ChunkSize,
			DownloadDir:  cfg.DownloadDir,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}, m),
		discovery: discovery.NewService(local, &discovery.Config{
			Service:          cfg.ServiceType,
			Domain:           cfg.ServiceDomain,
			Port:             cfg.ChatPort,
			RegisterAttempts: cfg.RegisterAttempts,
			RegisterDelay:    cfg.RegisterDelay,
			CleanupInterval:  cfg.CleanupInterval,
			PeerTimeout:      cfg.PeerTimeout,
		}),
	}
}

// Startup captures the shell context and routes events to the frontend.
func (c *Client) Startup(ctx context.Context) {
	c.ctx = ctx
	events.Init(&wailsSink{ctx: ctx})
}

// Shutdown tears the services down in dependency order.
func (c *Client) Shutdown(ctx context.Context) {
	if err := c.discovery.Stop(); err != nil {
		c.log.Warn("discovery shutdown failed", "error", err)
	}
	if err := c.transfers.Stop(); err != nil {
		c.log.Warn("transfer shutdown failed", "error", err)
	}
	if err := c.chat.Stop(); err != nil {
		c.log.Warn("chat shutdown failed", "error", err)
	}
	c.conns.Stop()
}

// ensureServices brings the listeners, heartbeats, and discovery up
// exactly once, on the first command that needs them. Failures are
// logged rather than propagated so one bad subsystem does not take the
// whole app down.
func (c *Client) ensureServices() {
	c.initOnce.Do(func() {
		if err := c.chat.Start(); err != nil {
			c.log.Error("chat service failed to start", "error", err)
		}
		if err := c.transfers.Start(); err != nil {
			c.log.Error("transfer service failed to start", "error", err)
		}
		c.conns.StartHeartbeat()
		if err := c.discovery.Start(); err != nil {
			c.log.Error("discovery failed to start", "error", err)
		}
		c.log.Info("services initialized", "peer_id", c.local.ID)
	})
}

// ========== Discovery Commands ==========

func (c *Client) StartDiscovery() error {
	return c.discovery.Start()
}

func (c *Client) StopDiscovery() error {
	return c.discovery.Stop()
}

// RefreshDiscovery bounces the whole discovery stack and returns the
// directory as seen immediately after the restart.
func (c *Client) RefreshDiscovery() ([]models.User, error) {
	if err := c.discovery.Stop(); err != nil {
		c.log.Warn("refresh: stop failed", "error", err)
	}
	time.Sleep(restartDelay)
	if err := c.discovery.Start(); err != nil {
		return nil, err
	}
	return c.discovery.Peers(), nil
}

func (c *Client) GetDiscoveredPeers() []models.User {
	c.ensureServices()
	return c.discovery.Peers()
}

// ========== User Commands ==========

func (c *Client) GetLocalUser() models.User {
	c.ensureServices()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// UpdateUsername changes the display name and re-announces it. The peer
// id is derived from the hostname and never changes.
func (c *Client) UpdateUsername(name string) (models.User, error) {
	c.ensureServices()

	name = strings.TrimSpace(name)
	if name == "" {
		return models.User{}, fmt.Errorf(
			"%w: username cannot be empty",
			apperr.ErrInvalidOperation,
		)
	}

	c.mu.Lock()
	c.local.Name = name
	updated := c.local
	c.mu.Unlock()

	if err := c.discovery.BroadcastUserUpdate(updated); err != nil {
		c.log.Warn("username broadcast failed", "error", err)
	}

	events.Emit(events.UserUpdated, updated)
	return updated, nil
}

// ========== Chat Commands ==========

// SendMessage delivers content to a known peer. A peer missing from the
// directory gets one refresh-and-retry before the send is abandoned.
func (c *Client) SendMessage(peerID, content string) (models.Message, error) {
	c.ensureServices()

	peer, err := c.lookupPeer(peerID)
	if err != nil {
		return models.Message{}, err
	}

	return c.chat.Send(peerID, peer.IP, content)
}

func (c *Client) GetMessagesForPeer(peerID string) []models.Message {
	c.ensureServices()
	return c.chat.MessagesForPeer(peerID)
}

func (c *Client) GetAllMessages() []models.Message {
	c.ensureServices()
	return c.chat.AllMessages()
}

func (c *Client) MarkMessagesAsRead(peerID string) {
	c.ensureServices()
	c.chat.MarkRead(peerID)
}

// lookupPeer resolves peerID from the directory, refreshing the browse
// once when the first lookup misses.
func (c *Client) lookupPeer(peerID string) (models.User, error) {
	var peer models.User

	err := retry.Do(
		context.Background(),
		func(context.Context) error {
			p, ok := c.discovery.Peer(peerID)
			if !ok {
				return fmt.Errorf(
					"%w: %s",
					apperr.ErrUserNotFound,
					peerID,
				)
			}
			peer = p
			return nil
		},
		retry.WithMaxAttempts(2),
		retry.WithInitialDelay(time.Second),
		retry.WithOnRetry(func(_ int, _ error, _ time.Duration) {
			c.log.Info(
				"peer not in directory, refreshing discovery",
				"peer_id", peerID,
			)
			if rerr := c.discovery.Refresh(); rerr != nil {
				c.log.Warn("discovery refresh failed", "error", rerr)
			}
		}),
	)
	if err != nil {
		return models.User{}, fmt.Errorf(
			"%w: Peer %s not found. They may be offline or no longer on the network",
			apperr.ErrUserNotFound,
			peerID,
		)
	}
	return peer, nil
}

// ========== File Transfer Commands ==========

func (c *Client) SendFile(peerID, filePath string) (models.FileTransfer, error) {
	c.ensureServices()

	peer, err := c.lookupPeer(peerID)
	if err != nil {
		return models.FileTransfer{}, err
	}

	t, err := c.transfers.SendFile(peer, filePath)
	if err != nil {
		return models.FileTransfer{}, err
	}

	events.Emit(events.FileTransferUpdate, t)
	return t, nil
}

func (c *Client) AcceptFileTransfer(transferID, savePath string) error {
	c.ensureServices()

	if err := c.transfers.Accept(transferID, savePath); err != nil {
		return err
	}
	events.Emit(events.FileTransfersUpdate, c.transfers.List())
	return nil
}

func (c *Client) RejectFileTransfer(transferID string) error {
	c.ensureServices()

	if err := c.transfers.Reject(transferID); err != nil {
		return err
	}
	events.Emit(events.FileTransfersUpdate, c.transfers.List())
	return nil
}

func (c *Client) CancelFileTransfer(transferID string) error {
	c.ensureServices()

	if err := c.transfers.Cancel(transferID); err != nil {
		return err
	}
	events.Emit(events.FileTransfersUpdate, c.transfers.List())
	return nil
}

func (c *Client) GetFileTransfers() []models.FileTransfer {
	c.ensureServices()
	return c.transfers.List()
}

// ========== Dialog Commands ==========

// SelectFileToSend shows a file picker and returns the chosen path.
func (c *Client) SelectFileToSend() (string, error) {
	path, err := runtime.OpenFileDialog(
		c.ctx,
		runtime.OpenDialogOptions{
			Title: "Select File to Send",
		},
	)
	if err != nil {
		return "", err
	}
	return path, nil
}

// SelectSaveDirectory shows a directory picker for incoming files.
func (c *Client) SelectSaveDirectory() (string, error) {
	path, err := runtime.OpenDirectoryDialog(
		c.ctx,
		runtime.OpenDialogOptions{
			Title: "Select Save Location",
		},
	)
	if err != nil {
		return "", err
	}
	return path, nil
}
