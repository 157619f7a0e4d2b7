package discovery

import (
	"strings"
	"sync"

	"github.com/prxssh/ipchat/internal/models"
)

// directory is the in-memory peer table. All mutations happen on the
// event processor goroutine; reads may come from any goroutine.
type directory struct {
	mu    sync.RWMutex
	peers map[string]models.User
}

func newDirectory() *directory {
	return &directory{peers: make(map[string]models.User)}
}

// upsert stores the peer record and reports whether it was already
// present.
func (d *directory) upsert(u models.User) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, existed := d.peers[u.ID]
	d.peers[u.ID] = u
	return existed
}

// removeInstance drops every peer whose id appears in the mDNS instance
// name and reports whether the table changed. Instance names embed the
// peer id, so a substring match is sufficient.
func (d *directory) removeInstance(instance string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for id := range d.peers {
		if strings.Contains(instance, id) {
			delete(d.peers, id)
			changed = true
		}
	}
	return changed
}

// evictOlder drops peers whose lastSeen is below cutoff (unix seconds)
// and reports whether the table changed.
func (d *directory) evictOlder(cutoff int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for id, u := range d.peers {
		if u.LastSeen < cutoff {
			delete(d.peers, id)
			changed = true
		}
	}
	return changed
}

func (d *directory) get(id string) (models.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.peers[id]
	return u, ok
}

func (d *directory) snapshot() []models.User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]models.User, 0, len(d.peers))
	for _, u := range d.peers {
		out = append(out, u)
	}
	return out
}

func (d *directory) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.peers)
}

func (d *directory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.peers)
}
