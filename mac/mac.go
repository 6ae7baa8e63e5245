// Package mac implements carrier-sense MAC arbitration across three
// prioritized send classes (background, normal stop-and-wait, and ACK)
// sharing one half-duplex medium.
package mac

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	initialMaxBackoff = 3000 * time.Millisecond
	backoffStep       = 1000 * time.Millisecond
	maxBackoffCap     = 15000 * time.Millisecond

	backgroundJitterMin = 150 * time.Millisecond
	backgroundJitterMax = 300 * time.Millisecond

	firstAckWaitMin = 4000 * time.Millisecond
	firstAckWaitMax = 12000 * time.Millisecond

	retryAckWaitMin = 6000 * time.Millisecond
	retryAckWaitMax = 15000 * time.Millisecond

	ackPreSendDelay = 5000 * time.Millisecond

	queueDepth = 32
)

// Medium is the minimal send surface MAC needs from the framing client.
type Medium interface {
	SendData(payload []byte) error
	SendDataShort(payload []byte) error
}

// backgroundFrame is a queued background-class frame: either a long DATA
// frame (link-state, addressing) or a short DATA_SHORT frame (keep-alive).
type backgroundFrame struct {
	short   bool
	payload []byte
}

// Mac serializes outbound frames onto a shared half-duplex medium.
type Mac struct {
	medium Medium
	log    logrus.FieldLogger
	rng    *rand.Rand
	rngMu  sync.Mutex

	freeMu      sync.Mutex
	channelFree bool
	freeSignal  chan struct{}

	ackMu         sync.Mutex
	currentAckCh  chan struct{}

	normalFrameCh chan []byte
	backgroundCh  chan backgroundFrame
	ackQueueCh    chan []byte
}

// New creates a Mac that sends frames via medium.
func New(medium Medium, log logrus.FieldLogger) *Mac {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Mac{
		medium:        medium,
		log:           log,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		channelFree:   true,
		normalFrameCh: make(chan []byte),
		backgroundCh:  make(chan backgroundFrame, queueDepth),
		ackQueueCh:    make(chan []byte, queueDepth),
		freeSignal:    make(chan struct{}),
	}
	return m
}

// SetChannelState updates the channel busy/free signal, as reported by the
// medium listener on every inbound frame.
func (m *Mac) SetChannelState(free bool) {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	m.channelFree = free
	if free {
		close(m.freeSignal)
		m.freeSignal = make(chan struct{})
	}
}

// waitChannelFree blocks until the channel is reported free or ctx is done.
func (m *Mac) waitChannelFree(ctx context.Context) error {
	for {
		m.freeMu.Lock()
		free := m.channelFree
		signal := m.freeSignal
		m.freeMu.Unlock()
		if free {
			return nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mac) randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return min + time.Duration(m.rng.Int63n(int64(max-min)))
}

func (m *Mac) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueNormal presents the next in-flight data frame to the normal
// sender. It blocks until the sender picks it up, matching the reliability
// layer's one-fragment-at-a-time handoff.
func (m *Mac) EnqueueNormal(ctx context.Context, frame []byte) error {
	select {
	case m.normalFrameCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BackgroundQueueLen reports the current depth of the background send
// queue, for the mac_background_queue_length gauge.
func (m *Mac) BackgroundQueueLen() int {
	return len(m.backgroundCh)
}

// EnqueueAck queues an ACK DATA_SHORT frame.
func (m *Mac) EnqueueAck(frame []byte) {
	select {
	case m.ackQueueCh <- frame:
	default:
		m.log.Warn("mac: ack queue full, dropping ack")
	}
}

// EnqueueBackground queues a long (DATA-tagged) background frame: a
// link-state advertisement or addressing frame.
func (m *Mac) EnqueueBackground(frame []byte) {
	m.enqueueBackground(backgroundFrame{payload: frame})
}

// EnqueueBackgroundShort queues a short (DATA_SHORT-tagged) background
// frame: a keep-alive.
func (m *Mac) EnqueueBackgroundShort(frame []byte) {
	m.enqueueBackground(backgroundFrame{short: true, payload: frame})
}

func (m *Mac) enqueueBackground(bf backgroundFrame) {
	select {
	case m.backgroundCh <- bf:
	default:
		m.log.Warn("mac: background queue full, dropping frame")
	}
}

// ArmFirst signals that the next frame handed to EnqueueNormal opens a new
// stop-and-wait series; any pending ack wait for a prior series is
// irrelevant at this point since reliability never overlaps series.
func (m *Mac) ArmFirst() {
	m.ackMu.Lock()
	m.currentAckCh = nil
	m.ackMu.Unlock()
}

// AckReceived confirms the in-flight normal frame was delivered, releasing
// the normal sender to move on to the next fragment.
func (m *Mac) AckReceived() {
	m.ackMu.Lock()
	if m.currentAckCh != nil {
		close(m.currentAckCh)
		m.currentAckCh = nil
	}
	m.ackMu.Unlock()
}

// Run launches the three concurrent senders and blocks until ctx is
// cancelled.
func (m *Mac) Run(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return m.runBackgroundSender(egctx) })
	eg.Go(func() error { return m.runNormalSender(egctx) })
	eg.Go(func() error { return m.runAckSender(egctx) })
	return eg.Wait()
}

func (m *Mac) runBackgroundSender(ctx context.Context) error {
	for {
		var bf backgroundFrame
		select {
		case bf = <-m.backgroundCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := m.waitChannelFree(ctx); err != nil {
			return err
		}
		if err := m.sleep(ctx, m.randDuration(backgroundJitterMin, backgroundJitterMax)); err != nil {
			return err
		}
		var err error
		if bf.short {
			err = m.medium.SendDataShort(bf.payload)
		} else {
			err = m.medium.SendData(bf.payload)
		}
		if err != nil {
			m.log.WithError(err).Warn("mac: background send failed")
		}
	}
}

func (m *Mac) runAckSender(ctx context.Context) error {
	for {
		var frame []byte
		select {
		case frame = <-m.ackQueueCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := m.sleep(ctx, ackPreSendDelay); err != nil {
			return err
		}
		if err := m.medium.SendDataShort(frame); err != nil {
			m.log.WithError(err).Warn("mac: ack send failed")
		}
	}
}

func (m *Mac) runNormalSender(ctx context.Context) error {
	for {
		var frame []byte
		select {
		case frame = <-m.normalFrameCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := m.sendWithRetries(ctx, frame); err != nil {
			return err
		}
	}
}

// sendWithRetries drives stop-and-wait for a single fragment: wait for the
// channel, back off, transmit, wait for an ack, and retry with growing
// backoff until ack_received() fires.
func (m *Mac) sendWithRetries(ctx context.Context, frame []byte) error {
	maxBackoff := initialMaxBackoff
	first := true
	for {
		if err := m.waitChannelFree(ctx); err != nil {
			return err
		}
		if err := m.sleep(ctx, m.randDuration(0, maxBackoff)); err != nil {
			return err
		}

		ackCh := make(chan struct{})
		m.ackMu.Lock()
		m.currentAckCh = ackCh
		m.ackMu.Unlock()

		if err := m.medium.SendData(frame); err != nil {
			m.log.WithError(err).Warn("mac: normal send failed")
		}

		var wait time.Duration
		if first {
			wait = m.randDuration(firstAckWaitMin, firstAckWaitMax)
		} else {
			wait = m.randDuration(retryAckWaitMin, retryAckWaitMax)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ackCh:
			timer.Stop()
			return nil
		case <-timer.C:
			first = false
			if maxBackoff < maxBackoffCap {
				maxBackoff += backoffStep
				if maxBackoff > maxBackoffCap {
					maxBackoff = maxBackoffCap
				}
			}
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
