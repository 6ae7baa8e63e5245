// Package reassembly reconstructs chunked messages from in-order data
// fragments and delivers completed messages to a sink.
package reassembly

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"meshchat/frame"
)

// Sink receives a completed message, addressed from a given source.
type Sink interface {
	Deliver(source byte, payload []byte)
}

type perSender struct {
	expectedSeq byte
	buffer      []byte
	total       byte
	lastNonce   [2]byte
	haveLast    bool
}

// Reassembler holds per-sender reassembly state (the "Printer").
type Reassembler struct {
	sink Sink
	log  logrus.FieldLogger

	mu      sync.Mutex
	senders map[byte]*perSender

	dropped    prometheus.Counter
	duplicated prometheus.Counter
}

// AttachMetrics wires optional counters into fragment acceptance. Either
// argument may be nil.
func (r *Reassembler) AttachMetrics(dropped, duplicated prometheus.Counter) {
	r.dropped = dropped
	r.duplicated = duplicated
}

// New creates a Reassembler delivering completed messages to sink.
func New(sink Sink, log logrus.FieldLogger) *Reassembler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reassembler{
		sink:    sink,
		log:     log,
		senders: make(map[byte]*perSender),
	}
}

// Accept processes a fragment addressed to this node. Fragments are
// accepted only in strict sequence starting at 1; anything else is
// silently dropped. A completed or duplicate message resets the
// sender's expected sequence to 0.
func (r *Reassembler) Accept(df *frame.Data) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.senders[df.Source]
	if !ok {
		s = &perSender{}
		r.senders[df.Source] = s
	}

	if df.Seq != s.expectedSeq+1 {
		r.log.WithFields(logrus.Fields{"source": df.Source, "seq": df.Seq, "expected": s.expectedSeq + 1}).Debug("reassembly: dropping out-of-sequence fragment")
		if r.dropped != nil {
			r.dropped.Inc()
		}
		return
	}

	if df.Seq == 1 {
		s.buffer = make([]byte, 0, int(df.FragCount)*frame.MaxPayload)
		s.total = df.FragCount
	}
	s.buffer = append(s.buffer, df.Payload...)
	s.expectedSeq = df.Seq

	if df.Seq < s.total {
		return
	}

	if s.haveLast && s.lastNonce == df.Nonce {
		r.log.WithField("source", df.Source).Debug("reassembly: suppressing duplicate completed message")
		s.expectedSeq = 0
		if r.duplicated != nil {
			r.duplicated.Inc()
		}
		return
	}

	payload := append([]byte{}, s.buffer...)
	s.lastNonce = df.Nonce
	s.haveLast = true
	s.expectedSeq = 0
	s.buffer = nil

	r.sink.Deliver(df.Source, payload)
}
