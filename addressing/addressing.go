// Package addressing implements distributed, collision-avoiding
// self-assignment of a 5-bit node identifier in [1,31].
package addressing

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"meshchat/frame"
)

const (
	minID = 1
	maxID = 31

	listenTicks    = 5
	listenTickTime = 1600 * time.Millisecond
)

// Sender is the subset of mac.Mac addressing needs to emit frames.
type Sender interface {
	EnqueueBackground(frame []byte)
}

// Assigner runs the self-assignment state machine and, once assigned,
// continues to answer addressing traffic from later newcomers.
type Assigner struct {
	mac Sender
	log logrus.FieldLogger
	rng *rand.Rand

	mu    sync.Mutex
	ownID byte
	known map[byte]bool

	retries prometheus.Counter
}

// AttachMetrics wires an optional counter tracking exploration rounds that
// saw no reply. May be nil.
func (a *Assigner) AttachMetrics(retries prometheus.Counter) {
	a.retries = retries
}

// New creates an Assigner. Nothing is sent on the medium until Run is
// called.
func New(mac Sender, log logrus.FieldLogger) *Assigner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Assigner{
		mac:   mac,
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		known: make(map[byte]bool),
	}
}

// OwnID returns the assigned id, or 0 if assignment has not completed.
func (a *Assigner) OwnID() byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ownID
}

// Known returns a sorted snapshot of the known-address set.
func (a *Assigner) Known() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, 0, len(a.known))
	for id := range a.known {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Assigner) randID() byte {
	return minID + byte(a.rng.Intn(maxID-minID+1))
}

// Run performs the explore/listen/assign sequence and returns the assigned
// id. The addressing task terminates after this call returns; subsequent
// addressing frames are handled synchronously via HandleIncoming, called
// from the receiver dispatcher rather than from a goroutine owned by this
// package (this is the "addressing task terminates after self-assignment"
// activity from the concurrency model).
func (a *Assigner) Run(ctx context.Context, incoming <-chan *frame.Addressing) (byte, error) {
	explore := &frame.Addressing{Source: 0, Reply: false, TTL: frame.DefaultTTL}
	encoded, err := explore.MarshalBinary()
	if err != nil {
		return 0, err
	}
	a.mac.EnqueueBackground(encoded)

	var replies []*frame.Addressing
	for i := 0; i < listenTicks; i++ {
		timer := time.NewTimer(listenTickTime)
		tickDone := false
		for !tickDone {
			select {
			case af, ok := <-incoming:
				if !ok {
					timer.Stop()
					tickDone = true
					continue
				}
				if af.Reply {
					replies = append(replies, af)
				}
			case <-timer.C:
				tickDone = true
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			}
		}
	}

	if len(replies) == 0 && a.retries != nil {
		a.retries.Inc()
	}

	a.mu.Lock()
	if len(replies) > 0 {
		for _, af := range replies {
			for _, id := range af.Known {
				a.known[id] = true
			}
		}
		id := a.pickUnusedLocked()
		a.known[id] = true
		a.ownID = id
	} else {
		id := a.randID()
		a.known[id] = true
		a.ownID = id
	}
	assigned := a.ownID
	knownSnapshot := a.knownSliceLocked()
	a.mu.Unlock()

	a.log.WithField("node_id", assigned).Info("addressing: self-assigned")

	if len(replies) > 0 {
		reply := &frame.Addressing{Known: knownSnapshot, Reply: true, Source: assigned, TTL: frame.DefaultTTL}
		encoded, err := reply.MarshalBinary()
		if err != nil {
			return assigned, err
		}
		a.mac.EnqueueBackground(encoded)
	}

	return assigned, nil
}

func (a *Assigner) pickUnusedLocked() byte {
	for {
		id := a.randID()
		if !a.known[id] {
			return id
		}
		if len(a.known) >= maxID {
			// Every id is claimed; nothing better to do than collide.
			return id
		}
	}
}

func (a *Assigner) knownSliceLocked() []byte {
	out := make([]byte, 0, len(a.known))
	for id := range a.known {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HandleIncoming processes an addressing frame received after self-
// assignment has completed; while a.ownID == 0 it does nothing. It never
// picks a new id (see DESIGN.md): a reply frame only merges its entries
// into the known set, whereas the original implementation would re-pick
// an id on seeing any reply frame, which could cause an already-booted
// node to reassign itself.
func (a *Assigner) HandleIncoming(af *frame.Addressing) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ownID == 0 {
		return
	}

	switch {
	case af.Source == 0:
		// Exploration from a newcomer: answer with our own known set as
		// a non-final gossip frame.
		reply := &frame.Addressing{Known: a.knownSliceLocked(), Reply: false, Source: a.ownID, TTL: frame.DefaultTTL}
		encoded, err := reply.MarshalBinary()
		if err != nil {
			a.log.WithError(err).Warn("addressing: failed to encode gossip reply")
			return
		}
		a.mac.EnqueueBackground(encoded)
	case af.Reply:
		for _, id := range af.Known {
			a.known[id] = true
		}
	default:
		for _, id := range af.Known {
			a.known[id] = true
		}
	}
}
