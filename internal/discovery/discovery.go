// Package discovery announces the local user over mDNS and maintains a
// live directory of peers browsing the same service type. Peers publish
// their user record in the TXT section of the announcement; the directory
// drops entries on explicit withdrawal and evicts peers that have not
// been seen within the configured timeout.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/prxssh/ipchat/internal/apperr"
	"github.com/prxssh/ipchat/internal/events"
	"github.com/prxssh/ipchat/internal/models"
	"github.com/prxssh/ipchat/pkg/retry"
)

const (
	// instancePrefix namespaces mDNS instance names so withdrawal
	// notifications can be matched back to a peer id.
	instancePrefix = "ip-chat-"

	// txtUserKey carries the serialized user record in the TXT section.
	txtUserKey = "user="

	// entryBacklog bounds the resolver-to-processor channel.
	entryBacklog = 32

	// stopDrain is how long Stop waits for the responder to send its
	// goodbye packets before the directory is cleared.
	stopDrain = 200 * time.Millisecond

	// rebrowseDelay separates tearing down a browse round from starting
	// the next one so the multicast socket is released first.
	rebrowseDelay = 100 * time.Millisecond
)

type Config struct {
	// Service is the mDNS service type, e.g. "_ip-chat._tcp".
	Service string
	// Domain is the mDNS domain, almost always "local".
	Domain string
	// Port advertised in the SRV record; peers dial it for chat.
	Port int
	// RegisterAttempts bounds registration retries.
	RegisterAttempts int
	// RegisterDelay is the initial backoff between registration
	// attempts; it doubles per attempt.
	RegisterDelay time.Duration
	// CleanupInterval is the cadence of the stale-peer sweep.
	CleanupInterval time.Duration
	// PeerTimeout evicts peers not seen within this window.
	PeerTimeout time.Duration
}

func withDefaultConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Service == "" {
		cfg.Service = "_ip-chat._tcp"
	}
	if cfg.Domain == "" {
		cfg.Domain = "local"
	}
	// zeroconf expects the domain without a trailing dot.
	cfg.Domain = strings.TrimSuffix(cfg.Domain, ".")
	if cfg.Port == 0 {
		cfg.Port = 8765
	}
	if cfg.RegisterAttempts == 0 {
		cfg.RegisterAttempts = 3
	}
	if cfg.RegisterDelay == 0 {
		cfg.RegisterDelay = time.Second
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = 10 * time.Minute
	}
	return cfg
}

// Service owns the mDNS registration and browse lifecycle. Start and
// Stop bracket a browsing session; the directory survives lookups only
// while the session is live.
type Service struct {
	cfg     *Config
	log     *slog.Logger
	dir     *directory
	localID string

	mu           sync.Mutex
	running      bool
	local        models.User
	server       *zeroconf.Server
	entries      chan *zeroconf.ServiceEntry
	ctx          context.Context
	cancel       context.CancelFunc
	browseCancel context.CancelFunc
	wg           sync.WaitGroup
}

func NewService(local models.User, cfg *Config) *Service {
	return &Service{
		cfg:     withDefaultConfig(cfg),
		log:     slog.Default().With("src", "discovery"),
		dir:     newDirectory(),
		localID: local.ID,
		local:   local,
	}
}

// LocalUser returns the record currently being advertised.
func (s *Service) LocalUser() models.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.local
}

// Start registers the local user on the network and begins browsing for
// peers. Starting an already running service is an error.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("%w: service already running", apperr.ErrDiscovery)
	}

	ctx, cancel := context.WithCancel(context.Background())

	server, err := s.register(ctx, s.local)
	if err != nil {
		cancel()
		return err
	}

	s.server = server
	s.ctx = ctx
	s.cancel = cancel
	s.entries = make(chan *zeroconf.ServiceEntry, entryBacklog)

	s.wg.Add(1)
	go s.processLoop(ctx, s.entries)
	s.startBrowseLocked(ctx)

	s.running = true
	s.log.Info(
		"discovery started",
		"instance", instancePrefix+s.local.ID,
		"service", s.cfg.Service,
		"port", s.cfg.Port,
	)
	return nil
}

// Stop withdraws the announcement, halts browsing, and clears the
// directory. Stopping a stopped service is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.cancel()
	s.wg.Wait()
	time.Sleep(stopDrain)

	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	s.dir.clear()

	s.log.Info("discovery stopped")
	return nil
}

// Refresh tears down the current browse round and immediately starts a
// new one, forcing a fresh round of PTR queries.
func (s *Service) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("%w: service not running", apperr.ErrDiscovery)
	}

	s.browseCancel()
	time.Sleep(rebrowseDelay)
	s.startBrowseLocked(s.ctx)

	s.log.Debug("browse restarted")
	return nil
}

// BroadcastUserUpdate re-registers the announcement with an updated user
// record so peers pick up the change on their next resolution.
func (s *Service) BroadcastUserUpdate(user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = user
	if !s.running {
		return fmt.Errorf("%w: service not running", apperr.ErrDiscovery)
	}

	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	time.Sleep(rebrowseDelay)

	server, err := s.register(s.ctx, user)
	if err != nil {
		return err
	}
	s.server = server

	s.log.Info("announcement updated", "name", user.Name)
	return nil
}

// Peers returns a point-in-time snapshot of the directory, ordered by id.
func (s *Service) Peers() []models.User {
	peers := s.dir.snapshot()
	slices.SortFunc(peers, func(a, b models.User) int {
		return strings.Compare(a.ID, b.ID)
	})
	return peers
}

// Peer looks up a single directory entry by id.
func (s *Service) Peer(id string) (models.User, bool) {
	return s.dir.get(id)
}

// register announces the local user, retrying with exponential backoff.
// The TXT section carries the full user record so browsers do not need a
// second lookup.
func (s *Service) register(
	ctx context.Context,
	user models.User,
) (*zeroconf.Server, error) {
	record, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: encode user record: %v",
			apperr.ErrSerialization,
			err,
		)
	}

	instance := instancePrefix + user.ID
	txt := []string{txtUserKey + string(record)}

	var ips []string
	if user.IP != "" {
		ips = []string{user.IP}
	}

	var server *zeroconf.Server
	err = retry.Do(
		ctx,
		func(context.Context) error {
			var rerr error
			server, rerr = zeroconf.RegisterProxy(
				instance,
				s.cfg.Service,
				s.cfg.Domain,
				s.cfg.Port,
				instance,
				ips,
				txt,
				nil,
			)
			return rerr
		},
		retry.WithExponentialBackoff(
			s.cfg.RegisterAttempts,
			s.cfg.RegisterDelay,
			2*s.cfg.RegisterDelay,
		)...,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: register %s: %v",
			apperr.ErrMDNS,
			instance,
			err,
		)
	}

	return server, nil
}

// startBrowseLocked launches one browse round feeding s.entries. The
// resolver gets a channel of its own because zeroconf closes it when the
// round ends; a forwarder bridges it to the session channel, which stays
// open across Refresh. Callers must hold s.mu.
func (s *Service) startBrowseLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.browseCancel = cancel

	sink := s.entries
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		resolved := make(chan *zeroconf.ServiceEntry, entryBacklog)

		var fwd sync.WaitGroup
		fwd.Add(1)
		go func() {
			defer fwd.Done()
			for entry := range resolved {
				select {
				case sink <- entry:
				case <-ctx.Done():
					// Drain to unblock zeroconf's sender.
					for range resolved {
					}
					return
				}
			}
		}()

		err := zeroconf.Browse(ctx, s.cfg.Service, s.cfg.Domain, resolved)
		fwd.Wait()
		if err != nil && ctx.Err() == nil {
			s.log.Error("browse failed", "error", err)
		}
	}()
}

// processLoop is the single owner of directory mutations. It folds
// resolver events and the cleanup tick into one cooperative loop.
func (s *Service) processLoop(
	ctx context.Context,
	entries <-chan *zeroconf.ServiceEntry,
) {
	defer s.wg.Done()

	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-entries:
			if !entry.Expiry.After(time.Now()) {
				s.handleRemoved(entry.Instance)
				continue
			}
			s.handleResolved(entry)
		case <-cleanup.C:
			s.evictStale()
		}
	}
}

// handleResolved folds a resolved announcement into the directory and
// notifies listeners.
func (s *Service) handleResolved(entry *zeroconf.ServiceEntry) {
	user, ok := parseUserRecord(entry.Text)
	if !ok {
		s.log.Debug(
			"announcement without user record",
			"instance", entry.Instance,
		)
		return
	}
	if user.ID == s.localID {
		return
	}

	// The source address is more trustworthy than whatever the peer
	// serialized into its record.
	if len(entry.AddrIPv4) > 0 {
		user.IP = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		user.IP = entry.AddrIPv6[0].String()
	}
	user.LastSeen = time.Now().Unix()

	existed := s.dir.upsert(user)
	events.Emit(events.PeerDiscovered, user)

	if !existed {
		s.log.Info(
			"peer discovered",
			"peer_id", user.ID,
			"name", user.Name,
			"ip", user.IP,
		)
	}
}

// handleRemoved reacts to an explicit mDNS withdrawal.
func (s *Service) handleRemoved(instance string) {
	if !s.dir.removeInstance(instance) {
		return
	}
	s.log.Info("peer withdrew", "instance", instance)
	events.Emit(events.PeersUpdated, s.Peers())
}

// evictStale drops peers that have not re-announced within PeerTimeout.
func (s *Service) evictStale() {
	cutoff := time.Now().Add(-s.cfg.PeerTimeout).Unix()
	if !s.dir.evictOlder(cutoff) {
		return
	}
	s.log.Info("evicted stale peers", "remaining", s.dir.len())
	events.Emit(events.PeersUpdated, s.Peers())
}

// parseUserRecord extracts the user record from TXT key/value pairs.
func parseUserRecord(txt []string) (models.User, bool) {
	for _, kv := range txt {
		if !strings.HasPrefix(kv, txtUserKey) {
			continue
		}

		var user models.User
		raw := strings.TrimPrefix(kv, txtUserKey)
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return models.User{}, false
		}
		if user.ID == "" {
			return models.User{}, false
		}
		return user, true
	}
	return models.User{}, false
}
