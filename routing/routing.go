// Package routing maintains a distance-vector routing table kept current
// by periodic link-state advertisements and short-form keep-alives.
package routing

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshchat/frame"
)

const (
	missLimit = 4 // a neighbor is evicted once its miss counter exceeds this

	linkStateBroadcastMin = 80 * time.Second
	linkStateBroadcastMax = 100 * time.Second

	bootstrapInterval       = 15 * time.Second
	bootstrapTargetEntries  = 3

	keepAliveInitialMin = 2000 * time.Millisecond
	keepAliveInitialMax = 4000 * time.Millisecond
	keepAlivePeriodMin  = 40 * time.Second
	keepAlivePeriodMax  = 60 * time.Second

	quietPeriodRounds = 3
)

// Background is the subset of mac.Mac that routing needs to emit frames.
type Background interface {
	EnqueueBackground(frame []byte)
	EnqueueBackgroundShort(frame []byte)
}

// entry is one routing table row: the cost to reach a destination and the
// neighbor to forward through.
type entry struct {
	cost    byte
	nextHop byte
}

// Table is the node's distance-vector routing table and neighbor liveness
// tracker.
type Table struct {
	ownID byte
	mac   Background
	log   logrus.FieldLogger
	rng   *rand.Rand
	rngMu sync.Mutex

	onNeighborsChanged func([]byte)

	mu           sync.Mutex
	routes       map[byte]entry
	neighborMiss map[byte]int
	quietCounter int
}

// New creates a routing table for node ownID. onNeighborsChanged, if
// non-nil, is called (outside the table's lock) with the sorted set of
// reachable destinations whenever it changes.
func New(ownID byte, mac Background, log logrus.FieldLogger, onNeighborsChanged func([]byte)) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{
		ownID:              ownID,
		mac:                mac,
		log:                log,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano() + int64(ownID))),
		onNeighborsChanged: onNeighborsChanged,
		routes:             make(map[byte]entry),
		neighborMiss:       make(map[byte]int),
	}
}

func (t *Table) randDuration(min, max time.Duration) time.Duration {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return min + time.Duration(t.rng.Int63n(int64(max-min)))
}

// NextHop returns the neighbor to forward traffic for dest through, or 0 if
// dest is not currently routable.
func (t *Table) NextHop(dest byte) byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.routes[dest]
	if !ok {
		return 0
	}
	return e.nextHop
}

// Neighbors returns the sorted set of destinations currently in the
// routing table (i.e. all reachable destinations, not only immediate
// neighbors — matching spec.md's definition).
func (t *Table) Neighbors() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedDestinationsLocked()
}

func (t *Table) sortedDestinationsLocked() []byte {
	out := make([]byte, 0, len(t.routes))
	for d := range t.routes {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OnKeepAlive refreshes sender as a direct neighbor, installing a direct
// route if one doesn't already exist.
func (t *Table) OnKeepAlive(sender byte) {
	if sender == t.ownID || sender == 0 {
		return
	}
	t.mu.Lock()
	t.neighborMiss[sender] = 0
	_, known := t.routes[sender]
	if !known {
		t.routes[sender] = entry{cost: 1, nextHop: sender}
	}
	changed := t.sortedDestinationsLocked()
	t.mu.Unlock()

	if !known {
		t.notifyNeighborsChanged(changed)
		t.broadcastLinkState()
	}
}

// OnLinkState applies a link-state advertisement received from peer S.
func (t *Table) OnLinkState(ls *frame.LinkState) {
	s := ls.Source
	if s == t.ownID || s == 0 {
		return
	}
	advertised := make(map[byte]byte, len(ls.Entries))
	for _, e := range ls.Entries {
		advertised[e.Dest] = e.Cost
	}

	t.mu.Lock()
	changed := false

	for d, e := range t.routes {
		if e.nextHop == s {
			if _, ok := advertised[d]; !ok && d != s {
				delete(t.routes, d)
				changed = true
			}
		}
	}

	t.neighborMiss[s] = 0

	if _, ok := t.routes[s]; !ok {
		t.routes[s] = entry{cost: 1, nextHop: s}
		changed = true
	}

	for d, c := range advertised {
		if d == t.ownID {
			continue
		}
		newCost := c + 1
		if newCost == 0 {
			// cost+1 overflowed a byte; treat as unreachable.
			continue
		}
		cur, ok := t.routes[d]
		if !ok {
			t.routes[d] = entry{cost: newCost, nextHop: s}
			changed = true
		} else if newCost < cur.cost {
			t.routes[d] = entry{cost: newCost, nextHop: s}
			changed = true
		}
	}

	shouldBroadcast := changed
	if changed {
		t.quietCounter = quietPeriodRounds
	} else if t.quietCounter > 0 {
		t.quietCounter--
		shouldBroadcast = true
	}
	destinations := t.sortedDestinationsLocked()
	t.mu.Unlock()

	if changed {
		t.notifyNeighborsChanged(destinations)
	}
	if shouldBroadcast {
		t.broadcastLinkState()
	}
}

func (t *Table) notifyNeighborsChanged(destinations []byte) {
	if t.onNeighborsChanged != nil {
		t.onNeighborsChanged(destinations)
	}
}

// broadcastLinkState marshals and queues the current table as a link-state
// advertisement.
func (t *Table) broadcastLinkState() {
	t.mu.Lock()
	entries := make([]frame.LinkStateEntry, 0, len(t.routes))
	for d, e := range t.routes {
		entries = append(entries, frame.LinkStateEntry{Dest: d, Cost: e.cost})
	}
	t.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Dest < entries[j].Dest })

	ls := &frame.LinkState{Source: t.ownID, Entries: entries}
	encoded, err := ls.MarshalBinary()
	if err != nil {
		t.log.WithError(err).Warn("routing: failed to encode link-state")
		return
	}
	t.mac.EnqueueBackground(encoded)
}

func (t *Table) tableSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}

// Run launches the periodic link-state broadcaster, the startup bootstrap
// task, and the keep-alive ticker. It returns once the bootstrap task
// finishes (nil) or ctx is cancelled (ctx.Err()); the broadcaster and the
// keep-alive ticker keep running until ctx is cancelled.
func (t *Table) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.runBootstrap(ctx)
		close(done)
	}()
	go t.runPeriodicBroadcast(ctx)
	go t.runKeepAlive(ctx)

	select {
	case <-done:
	case <-ctx.Done():
	}
	return ctx.Err()
}

// runBootstrap broadcasts a link-state every 15s until the table reaches
// bootstrapTargetEntries, then returns.
func (t *Table) runBootstrap(ctx context.Context) {
	ticker := time.NewTicker(bootstrapInterval)
	defer ticker.Stop()
	if t.tableSize() >= bootstrapTargetEntries {
		return
	}
	for {
		select {
		case <-ticker.C:
			t.broadcastLinkState()
			if t.tableSize() >= bootstrapTargetEntries {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Table) runPeriodicBroadcast(ctx context.Context) {
	for {
		wait := t.randDuration(linkStateBroadcastMin, linkStateBroadcastMax)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			t.broadcastLinkState()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (t *Table) runKeepAlive(ctx context.Context) {
	initial := t.randDuration(keepAliveInitialMin, keepAliveInitialMax)
	timer := time.NewTimer(initial)
	select {
	case <-timer.C:
		t.emitKeepAlive()
	case <-ctx.Done():
		timer.Stop()
		return
	}

	period := t.randDuration(keepAlivePeriodMin, keepAlivePeriodMax)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.emitKeepAlive()
			t.ageNeighbors()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Table) emitKeepAlive() {
	s := &frame.Short{Kind: frame.ShortKindKeepAlive, ID: t.ownID}
	encoded, err := s.MarshalBinary()
	if err != nil {
		t.log.WithError(err).Warn("routing: failed to encode keep-alive")
		return
	}
	t.mac.EnqueueBackgroundShort(encoded)
}

// ageNeighbors increments every neighbor's miss counter and evicts any
// neighbor (and every route via it) whose counter exceeds missLimit.
func (t *Table) ageNeighbors() {
	t.mu.Lock()
	var dead []byte
	for n, misses := range t.neighborMiss {
		misses++
		t.neighborMiss[n] = misses
		if misses > missLimit {
			dead = append(dead, n)
		}
	}
	changed := false
	for _, n := range dead {
		delete(t.neighborMiss, n)
		for d, e := range t.routes {
			if e.nextHop == n || d == n {
				delete(t.routes, d)
				changed = true
			}
		}
	}
	destinations := t.sortedDestinationsLocked()
	t.mu.Unlock()

	if changed {
		t.notifyNeighborsChanged(destinations)
		t.broadcastLinkState()
	}
}
