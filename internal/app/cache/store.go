package cache

import (
	"sync"
	"time"

	"github.com/inboxhub/aggregator/internal/app/message"
)

// ViewKey identifies one (address, viewer-visibility) filtered view, per
// the view cache row of spec §4.7.
type ViewKey struct {
	Address       string
	Authenticated bool
}

// Caches bundles the three bounded LRUs of spec §4.7 plus the per-backend
// "all-messages" freshness clock that the IDLE Listener and mutation path
// zero out to force the next read to refetch (spec §4.5, §4.7).
type Caches struct {
	View    *LRU[ViewKey, []message.Message]
	Global  *LRU[string, message.Message]
	Payload *LRU[string, message.Payload]

	clocksMu sync.Mutex
	clocks   map[string]time.Time
}

// Tuning mirrors config.CacheTuning without importing the config package,
// keeping cache free of a dependency it doesn't otherwise need.
type Tuning struct {
	Size int
	TTL  time.Duration
}

// NewCaches builds the three caches from their tunings.
func NewCaches(view, global, payload Tuning) *Caches {
	return &Caches{
		View:    New[ViewKey, []message.Message](view.Size, view.TTL),
		Global:  New[string, message.Message](global.Size, global.TTL),
		Payload: New[string, message.Payload](payload.Size, payload.TTL),
		clocks:  make(map[string]time.Time),
	}
}

// ZeroBackend clears the all-messages freshness clock for backend and
// leaves the View cache alone. MarkBackendDirty calls it and then also
// clears the View cache.
func (c *Caches) ZeroBackend(backend string) {
	c.clocksMu.Lock()
	defer c.clocksMu.Unlock()
	delete(c.clocks, backend)
}

// MarkBackendDirty zeroes backend's freshness clock and drops the entire
// View cache, so the very next fetchForAddress — for any address, not just
// one routed to backend, since a View key carries no backend tag — misses
// the cache and re-fetches rather than serving what may now be stale data.
// Called on IDLE mail/expunge activity (before the debounce window even
// closes) and after a successful delete.
func (c *Caches) MarkBackendDirty(backend string) {
	c.ZeroBackend(backend)
	c.View.Clear()
}

// TouchBackend records that backend was freshly fetched at now.
func (c *Caches) TouchBackend(backend string) {
	c.clocksMu.Lock()
	defer c.clocksMu.Unlock()
	c.clocks[backend] = time.Now()
}

// BackendFreshSince reports the last TouchBackend time for backend, if any.
func (c *Caches) BackendFreshSince(backend string) (time.Time, bool) {
	c.clocksMu.Lock()
	defer c.clocksMu.Unlock()
	t, ok := c.clocks[backend]
	return t, ok
}

// EvictMessage removes a deleted message from the global store and
// payload cache so it cannot reappear in either until re-fetched from
// IMAP (spec §8 invariant).
func (c *Caches) EvictMessage(id string) {
	c.Global.Delete(id)
	c.Payload.Delete(id)
}

// InvalidateAll clears every cache and freshness clock — used by
// refreshAddress.
func (c *Caches) InvalidateAll() {
	c.View.Clear()
	c.Global.Clear()
	c.Payload.Clear()

	c.clocksMu.Lock()
	c.clocks = make(map[string]time.Time)
	c.clocksMu.Unlock()
}
