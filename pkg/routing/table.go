package routing

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Default bounds and intervals from spec.md §6, matching
// original_source/include/Config.h's MAX_ROUTES / PRUNE_INTERVAL_MS /
// ROUTE_TIMEOUT_MS.
const (
	DefaultMaxRoutes            = 20
	DefaultRouteTTL             = 9 * time.Minute
	DefaultPruneInterval        = 90 * time.Second
	DefaultRecentAnnounceWindow = 90 * time.Second
	DefaultMaxRecentAnnounces   = 40
)

// PeerReleaser is asked to free a transport-owned peer-table slot when a
// route naming that locator is evicted or expires (spec.md §4.3, §5's
// "Shared resources"). A transport driver without a bounded peer table
// (serial, IP datagram) can ignore the call.
type PeerReleaser interface {
	ReleasePeer(transportTag string, locator Locator)
}

type recentKey struct {
	packetID     uint16
	sourcePrefix [4]byte
}

// Table is the bounded routing table plus the recent-announce dedup set
// (spec.md §4.3). All methods are safe for concurrent use, though the
// intended caller is the single-threaded core loop (spec.md §5).
type Table struct {
	mu     sync.Mutex
	maxRoutes int
	routeTTL  time.Duration

	entries map[Address]Entry

	recentWindow   time.Duration
	maxRecent      int
	recent         map[recentKey]time.Time
	lastRecentPrune time.Time

	releaser PeerReleaser
}

// NewTable creates an empty Table with the given bounds. Pass a nil
// releaser if no transport in use owns a peer allowlist.
func NewTable(maxRoutes int, routeTTL time.Duration, recentWindow time.Duration, maxRecent int, releaser PeerReleaser) *Table {
	if maxRoutes <= 0 {
		maxRoutes = DefaultMaxRoutes
	}
	if routeTTL <= 0 {
		routeTTL = DefaultRouteTTL
	}
	if recentWindow <= 0 {
		recentWindow = DefaultRecentAnnounceWindow
	}
	if maxRecent <= 0 {
		maxRecent = DefaultMaxRecentAnnounces
	}
	return &Table{
		maxRoutes:  maxRoutes,
		routeTTL:   routeTTL,
		entries:    make(map[Address]Entry),
		recentWindow: recentWindow,
		maxRecent:  maxRecent,
		recent:     make(map[recentKey]time.Time),
		releaser:   releaser,
	}
}

// Observe records an announce from source, heard via transportTag at
// nextHop with the given hop count. An existing entry is always
// overwritten with the fresher information ("freshest wins", spec.md
// §4.3); a new entry is inserted if there's room, otherwise the entry with
// the oldest LastHeardAt is evicted (and its transport's peer-table slot
// released) to make room.
func (t *Table) Observe(source Address, transportTag string, nextHop Locator, hops uint8, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hops > MaxHopsCap {
		hops = MaxHopsCap
	}

	if existing, ok := t.entries[source]; ok {
		existing.NextHop = nextHop
		existing.TransportTag = transportTag
		existing.Hops = hops
		existing.LastHeardAt = now
		t.entries[source] = existing
		return
	}

	if len(t.entries) >= t.maxRoutes {
		t.evictOldestLocked()
	}

	t.entries[source] = Entry{
		Destination:  source,
		NextHop:      nextHop,
		TransportTag: transportTag,
		Hops:         hops,
		LastHeardAt:  now,
	}
}

// MaxHopsCap bounds a stored hop count regardless of what an announce
// claims, matching the table invariant hops <= MAX_HOPS (spec.md §4.3).
const MaxHopsCap = 15

func (t *Table) evictOldestLocked() {
	var oldestAddr Address
	var oldest Entry
	first := true

	for addr, e := range t.entries {
		if first || e.LastHeardAt.Before(oldest.LastHeardAt) {
			oldestAddr, oldest = addr, e
			first = false
		}
	}
	if first {
		return
	}

	delete(t.entries, oldestAddr)
	if t.releaser != nil && oldest.NextHop.Kind != LocatorNone {
		t.releaser.ReleasePeer(oldest.TransportTag, oldest.NextHop)
	}
	log.WithFields(log.Fields{
		"destination": oldestAddr,
		"transport":   oldest.TransportTag,
	}).Debug("routing: table full, evicted oldest route")
}

// Lookup returns the route for dest, if any.
func (t *Table) Lookup(dest Address) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[dest]
	return e, ok
}

// Snapshot returns a copy of every route currently held, for introspection
// callers (pkg/appagent's route dump) that must not hold the table's lock.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Prune removes every entry older than the route TTL, asks the releaser to
// free any transport peer-table slot each one held, and returns the
// evicted entries.
func (t *Table) Prune(now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []Entry
	for addr, e := range t.entries {
		if now.Sub(e.LastHeardAt) >= t.routeTTL {
			evicted = append(evicted, e)
			delete(t.entries, addr)
		}
	}

	for _, e := range evicted {
		if t.releaser != nil && e.NextHop.Kind != LocatorNone {
			t.releaser.ReleasePeer(e.TransportTag, e.NextHop)
		}
		log.WithFields(log.Fields{
			"destination": e.Destination,
			"transport":   e.TransportTag,
		}).Debug("routing: route expired")
	}

	return evicted
}

// Len returns the number of routes currently held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ShouldForwardAnnounce reports whether an announce identified by
// (packetID, source) has not already been forwarded within the recent
// window (spec.md §4.3, invariant 4).
func (t *Table) ShouldForwardAnnounce(packetID uint16, source Address, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneRecentLocked(now, false)

	key := recentKeyFor(packetID, source)
	seenAt, seen := t.recent[key]
	return !seen || now.Sub(seenAt) >= t.recentWindow
}

// MarkForwarded records that the announce (packetID, source) has been
// forwarded at now.
func (t *Table) MarkForwarded(packetID uint16, source Address, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recentKeyFor(packetID, source)
	t.recent[key] = now

	if len(t.recent) > t.maxRecent {
		t.pruneRecentLocked(now, true)
	}
}

func recentKeyFor(packetID uint16, source Address) recentKey {
	var k recentKey
	k.packetID = packetID
	copy(k.sourcePrefix[:], source[:4])
	return k
}

func (t *Table) pruneRecentLocked(now time.Time, force bool) {
	if !force && now.Sub(t.lastRecentPrune) < t.recentWindow/2 {
		return
	}
	for k, seenAt := range t.recent {
		if now.Sub(seenAt) >= t.recentWindow {
			delete(t.recent, k)
		}
	}
	t.lastRecentPrune = now
}

// RecentLen returns the number of recent-announce records currently held,
// used by tests to observe the "monotone growing between prunes" invariant.
func (t *Table) RecentLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recent)
}
