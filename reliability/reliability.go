// Package reliability implements stop-and-wait delivery of data fragments,
// multi-hop forwarding with loop/duplicate suppression, and hop-by-hop ACK
// generation.
package reliability

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"meshchat/frame"
)

// Mac is the subset of mac.Mac that reliability drives directly.
type Mac interface {
	EnqueueNormal(ctx context.Context, frame []byte) error
	EnqueueAck(frame []byte)
	ArmFirst()
	AckReceived()
}

// Router resolves next hops for forwarding.
type Router interface {
	NextHop(dest byte) byte
}

// Reassembler accepts fragments addressed to this node.
type Reassembler interface {
	Accept(df *frame.Data)
}

// nonceKey identifies the source and final destination of a forwarded
// series, so duplicate suppression can be tracked per (source, dest) pair
// rather than with a single shared pair (see DESIGN.md: this resolves the "colliding senders suppress each
// other" weakness called out in the original design notes).
type nonceKey struct {
	source byte
	dest   byte
}

// Reliability drives the outbound queue into MAC one fragment at a time and
// processes inbound data fragments (final delivery or forwarding).
type Reliability struct {
	ownID  byte
	mac    Mac
	router Router
	printer Reassembler
	log    logrus.FieldLogger

	queue *queue

	mu        sync.Mutex
	lastNonce map[nonceKey][2]byte

	sent       prometheus.Counter
	dropped    prometheus.Counter
	duplicated prometheus.Counter
}

// AttachMetrics wires optional counters into the fragment lifecycle. Any
// argument may be nil.
func (r *Reliability) AttachMetrics(sent, dropped, duplicated prometheus.Counter) {
	r.sent = sent
	r.dropped = dropped
	r.duplicated = duplicated
}

// QueueLen reports the outbound queue depth, for the
// mac_normal_queue_length gauge.
func (r *Reliability) QueueLen() int {
	return r.queue.Len()
}

// New creates a Reliability layer for ownID.
func New(ownID byte, mac Mac, router Router, printer Reassembler, log logrus.FieldLogger) *Reliability {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reliability{
		ownID:     ownID,
		mac:       mac,
		router:    router,
		printer:   printer,
		log:       log,
		queue:     newQueue(),
		lastNonce: make(map[nonceKey][2]byte),
	}
}

// Enqueue adds an encoded fragment to the outbound FIFO. Used by both the
// chunker (new outbound series) and the forwarding path (re-enqueued
// frames originated elsewhere).
func (r *Reliability) Enqueue(encoded []byte) {
	r.queue.push(encoded)
}

// Run drains the outbound queue into MAC, one fragment at a time, blocking
// until ctx is cancelled.
func (r *Reliability) Run(ctx context.Context) error {
	for {
		encoded, err := r.queue.pop(ctx)
		if err != nil {
			return err
		}
		df := &frame.Data{}
		if err := df.UnmarshalBinary(encoded); err != nil {
			r.log.WithError(err).Warn("reliability: dropping malformed outbound fragment")
			if r.dropped != nil {
				r.dropped.Inc()
			}
			continue
		}
		if df.Seq == 1 {
			r.mac.ArmFirst()
		}
		if err := r.mac.EnqueueNormal(ctx, encoded); err != nil {
			return err
		}
		if r.sent != nil {
			r.sent.Inc()
		}
	}
}

// OnAck handles a received ACK. If it acknowledges our own id, the
// in-flight normal frame at MAC is released to advance to the next
// fragment.
func (r *Reliability) OnAck(id byte) {
	if id == r.ownID {
		r.mac.AckReceived()
	}
}

// ProcessNormal handles an inbound unicast data fragment whose next-hop is
// this node. Every hop ACKs its immediate upstream; only the final
// destination additionally delivers the fragment to the reassembler.
func (r *Reliability) ProcessNormal(df *frame.Data) {
	ack := &frame.Short{Kind: frame.ShortKindAck, ID: df.PrevHop}
	encoded, err := ack.MarshalBinary()
	if err != nil {
		r.log.WithError(err).Warn("reliability: failed to encode ack")
	} else {
		r.mac.EnqueueAck(encoded)
	}

	if df.Dest == r.ownID {
		r.printer.Accept(df)
		return
	}

	if r.isDuplicate(df) {
		r.log.WithFields(logrus.Fields{"source": df.Source, "dest": df.Dest, "seq": df.Seq}).Debug("reliability: dropping duplicate forward")
		if r.duplicated != nil {
			r.duplicated.Inc()
		}
		return
	}

	nextHop := r.router.NextHop(df.Dest)
	if nextHop == 0 {
		r.log.WithField("dest", df.Dest).Warn("reliability: no route, dropping fragment")
		if r.dropped != nil {
			r.dropped.Inc()
		}
		return
	}

	r.recordNonce(df)

	df.NextHop = nextHop
	df.PrevHop = r.ownID
	reencoded, err := df.MarshalBinary()
	if err != nil {
		r.log.WithError(err).Warn("reliability: failed to re-encode forwarded fragment")
		return
	}
	r.Enqueue(reencoded)
}

func (r *Reliability) isDuplicate(df *frame.Data) bool {
	key := nonceKey{source: df.Source, dest: df.Dest}
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastNonce[key]
	return ok && last == df.Nonce
}

func (r *Reliability) recordNonce(df *frame.Data) {
	key := nonceKey{source: df.Source, dest: df.Dest}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastNonce[key] = df.Nonce
}
