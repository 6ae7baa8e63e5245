// Package chunker splits outbound UTF-8 payloads into ≤23-byte DATA
// fragments and hands each series to the reliability queue, one
// destination series at a time.
package chunker

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"meshchat/frame"
)

// Router resolves next hops and the current neighbor set for broadcast
// fan-out.
type Router interface {
	NextHop(dest byte) byte
	Neighbors() []byte
}

// Queue is the outbound side of reliability's blocking FIFO.
type Queue interface {
	Enqueue(encoded []byte)
}

// Chunker segments payloads into fragment series and enqueues them for
// delivery.
type Chunker struct {
	ownID  byte
	router Router
	queue  Queue
	log    logrus.FieldLogger
	rng    *rand.Rand
}

// New creates a Chunker for ownID.
func New(ownID byte, router Router, queue Queue, log logrus.FieldLogger) *Chunker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Chunker{
		ownID:  ownID,
		router: router,
		queue:  queue,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Chunker) nonce() [2]byte {
	var n [2]byte
	n[0] = byte(c.rng.Intn(256))
	n[1] = byte(c.rng.Intn(256))
	return n
}

// Unicast splits payload into a fragment series addressed to dest and
// enqueues each fragment in order, sharing one nonce across the series.
// If dest has no known route at the time of construction, no fragments
// are sent and an error is returned.
func (c *Chunker) Unicast(dest byte, payload []byte) error {
	nextHop := c.router.NextHop(dest)
	if nextHop == 0 {
		return fmt.Errorf("chunker: no route to %d", dest)
	}
	return c.sendSeries(dest, nextHop, payload, c.nonce())
}

// Broadcast splits payload into one fragment series per currently
// reachable neighbor, as published by routing. Each destination series
// uses its own nonce. A destination whose route disappears mid-
// construction (next-hop resolves to 0) has its series aborted without
// affecting the other destinations.
func (c *Chunker) Broadcast(payload []byte) {
	for _, dest := range c.router.Neighbors() {
		nextHop := c.router.NextHop(dest)
		if nextHop == 0 {
			c.log.WithField("dest", dest).Warn("chunker: route vanished, aborting broadcast series")
			continue
		}
		if err := c.sendSeries(dest, nextHop, payload, c.nonce()); err != nil {
			c.log.WithError(err).WithField("dest", dest).Warn("chunker: broadcast series aborted")
		}
	}
}

func (c *Chunker) sendSeries(dest, nextHop byte, payload []byte, nonce [2]byte) error {
	fragCount := (len(payload) + frame.MaxPayload - 1) / frame.MaxPayload
	if fragCount == 0 {
		fragCount = 1
	}
	if fragCount > 0x7f {
		return fmt.Errorf("chunker: payload too large: %d fragments", fragCount)
	}

	for seq := 1; seq <= fragCount; seq++ {
		nextHop = c.router.NextHop(dest)
		if nextHop == 0 {
			return fmt.Errorf("chunker: route to %d vanished at fragment %d/%d", dest, seq, fragCount)
		}

		start := (seq - 1) * frame.MaxPayload
		end := start + frame.MaxPayload
		if end > len(payload) {
			end = len(payload)
		}

		df := &frame.Data{
			FragCount: byte(fragCount),
			NextHop:   nextHop,
			Source:    c.ownID,
			Dest:      dest,
			Seq:       byte(seq),
			PrevHop:   c.ownID,
			Nonce:     nonce,
			Payload:   payload[start:end],
		}
		encoded, err := df.MarshalBinary()
		if err != nil {
			return err
		}
		c.queue.Enqueue(encoded)
	}
	return nil
}
