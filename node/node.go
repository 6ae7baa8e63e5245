// Package node wires the frame, medium, mac, routing, addressing,
// reliability, chunker, and reassembly packages into one running
// participant, and implements the receiver dispatch loop and the user
// input loop.
package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"meshchat/addressing"
	"meshchat/chunker"
	"meshchat/frame"
	"meshchat/mac"
	"meshchat/medium"
	"meshchat/metrics"
	"meshchat/reassembly"
	"meshchat/reliability"
	"meshchat/routing"
)

// State is the startup state machine spec.md calls for: user input is
// only consumed once Ready, after addressing has a node id and routing
// has bootstrapped a minimal table.
type State int

const (
	StateAddressPending State = iota
	StateRoutingBootstrapping
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAddressPending:
		return "address-pending"
	case StateRoutingBootstrapping:
		return "routing-bootstrapping"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// bootstrapTargetEntries mirrors routing's own threshold: the chat loop
// does not open for input until the table holds this many entries. There
// is no timeout; the wait ends only on reaching it or on cancellation.
const bootstrapTargetEntries = 3

// Console is the subset of console.Printer the node writes user-facing
// output through.
type Console interface {
	Deliver(source byte, payload []byte)
	DeliverBroadcast(source byte, payload []byte)
	System(format string, args ...interface{})
	Online(ids []byte)
}

// Node owns one participant's full stack and its lifecycle.
type Node struct {
	medium *medium.Client
	mac    *mac.Mac
	console Console
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	frequencyHz uint32

	addr *addressing.Assigner

	mu      sync.RWMutex
	state   State
	ownID   byte
	routing *routing.Table
	rel     *reliability.Reliability
	chunk   *chunker.Chunker
	reasm   *reassembly.Reassembler
}

// New creates a Node bound to conn (the framing-server connection) and
// ready to Run.
func New(conn io.ReadWriteCloser, frequencyHz uint32, console Console, m *metrics.Metrics, log logrus.FieldLogger) *Node {
	if log == nil {
		log = logrus.StandardLogger()
	}
	mc := medium.New(conn, log)
	n := &Node{
		medium:      mc,
		mac:         mac.New(mc, log),
		console:     console,
		log:         log,
		metrics:     m,
		frequencyHz: frequencyHz,
		state:       StateAddressPending,
	}
	n.addr = addressing.New(n.mac, log)
	if m != nil {
		n.addr.AttachMetrics(m.AddressingRetries)
	}
	return n
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
	n.console.System("state: %s", s)
}

// State returns the node's current startup state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Run connects to the medium, performs the CONNECT/TOKEN handshake,
// self-assigns a node id, and then runs every long-lived activity
// until ctx is cancelled or the medium sends END.
func (n *Node) Run(ctx context.Context, stdin io.Reader) error {
	if err := n.medium.Connect(ctx, n.frequencyHz); err != nil {
		return fmt.Errorf("node: connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	events := n.medium.Events(ctx)
	incomingAddr := make(chan *frame.Addressing)

	group.Go(func() error { return n.mac.Run(ctx) })
	group.Go(func() error {
		defer cancel()
		return n.dispatch(ctx, events, incomingAddr)
	})

	ownID, err := n.addr.Run(ctx, incomingAddr)
	if err != nil {
		return fmt.Errorf("node: addressing: %w", err)
	}
	n.adopt(ownID)
	n.console.System("assigned node id %d", ownID)
	n.setState(StateRoutingBootstrapping)

	group.Go(func() error { return n.routingTable().Run(ctx) })
	group.Go(func() error { return n.reliabilityLayer().Run(ctx) })
	group.Go(func() error { return n.awaitBootstrap(ctx) })
	group.Go(func() error { return n.inputLoop(ctx, stdin) })
	group.Go(func() error { return n.sampleQueueGauges(ctx) })

	if err := group.Wait(); err != nil && !errors.Is(err, errGracefulEnd) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// errGracefulEnd signals that the medium sent END: every other activity is
// cancelled in response, and that cancellation must not be reported as a
// failure.
var errGracefulEnd = errors.New("node: medium ended the session")

func (n *Node) adopt(ownID byte) {
	rt := routing.New(ownID, n.mac, n.log, n.onNeighborsChanged)
	reasm := reassembly.New(n.console, n.log)
	rel := reliability.New(ownID, n.mac, rt, reasm, n.log)
	ch := chunker.New(ownID, rt, rel, n.log)

	if n.metrics != nil {
		reasm.AttachMetrics(n.metrics.FragmentsDropped, n.metrics.FragmentsDuplicated)
		rel.AttachMetrics(n.metrics.FragmentsSent, n.metrics.FragmentsDropped, n.metrics.FragmentsDuplicated)
	}

	n.mu.Lock()
	n.ownID = ownID
	n.routing = rt
	n.reasm = reasm
	n.rel = rel
	n.chunk = ch
	n.mu.Unlock()
}

func (n *Node) onNeighborsChanged(neighbors []byte) {
	if n.metrics != nil {
		n.metrics.NeighborCount.Set(float64(len(neighbors)))
		n.metrics.RoutingTableSize.Set(float64(len(neighbors)))
	}
}

// sampleQueueGauges periodically samples MAC and reliability queue depths
// into the normal/background queue-length gauges, since those are polled
// state rather than edge-triggered like the counters above.
func (n *Node) sampleQueueGauges(ctx context.Context) error {
	if n.metrics == nil {
		return nil
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if rel := n.reliabilityLayer(); rel != nil {
				n.metrics.MacNormalQueueLen.Set(float64(rel.QueueLen()))
			}
			n.metrics.MacBackgroundLen.Set(float64(n.mac.BackgroundQueueLen()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) routingTable() *routing.Table {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.routing
}

func (n *Node) reliabilityLayer() *reliability.Reliability {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rel
}

// awaitBootstrap polls the routing table until it reaches
// bootstrapTargetEntries, then flips the node to Ready.
func (n *Node) awaitBootstrap(ctx context.Context) error {
	ticker := make(chan struct{})
	go func() {
		defer close(ticker)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n.mu.RLock()
			rt := n.routing
			n.mu.RUnlock()
			if rt != nil && len(rt.Neighbors()) >= bootstrapTargetEntries {
				return
			}
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-ticker:
	case <-ctx.Done():
		return ctx.Err()
	}
	n.setState(StateReady)
	return nil
}

// dispatch demultiplexes medium events to the right subsystem. Before
// self-assignment completes, only addressing traffic and channel-state
// events are meaningful; afterward every frame kind is handled.
func (n *Node) dispatch(ctx context.Context, events <-chan medium.Event, incomingAddr chan<- *frame.Addressing) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := n.medium.Err(); err != nil {
					return err
				}
				n.console.System("medium connection closed")
				return nil
			}
			n.handleEvent(ctx, ev, incomingAddr)
			if ev.Kind == medium.EventEnd {
				return errGracefulEnd
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) handleEvent(ctx context.Context, ev medium.Event, incomingAddr chan<- *frame.Addressing) {
	switch ev.Kind {
	case medium.EventFree:
		n.mac.SetChannelState(true)
	case medium.EventBusy:
		n.mac.SetChannelState(false)
	case medium.EventDataShort:
		n.handleShort(ev.Payload)
	case medium.EventData:
		n.handleLong(ctx, ev.Payload, incomingAddr)
	case medium.EventEnd:
		n.console.System("medium sent END, draining")
	}
}

func (n *Node) handleShort(payload []byte) {
	s := &frame.Short{}
	if err := s.UnmarshalBinary(payload); err != nil {
		n.log.WithError(err).Debug("node: malformed short frame")
		return
	}
	switch s.Kind {
	case frame.ShortKindAck:
		if rel := n.reliabilityLayer(); rel != nil {
			rel.OnAck(s.ID)
		}
	case frame.ShortKindKeepAlive:
		if rt := n.routingTable(); rt != nil {
			rt.OnKeepAlive(s.ID)
		}
	}
}

func (n *Node) handleLong(ctx context.Context, payload []byte, incomingAddr chan<- *frame.Addressing) {
	kind, decoded, err := frame.DecodeLong(payload)
	if err != nil {
		n.log.WithError(err).Debug("node: malformed long frame")
		return
	}
	switch kind {
	case frame.KindData:
		df := decoded.(*frame.Data)
		n.mu.RLock()
		ownID := n.ownID
		n.mu.RUnlock()
		if df.NextHop != ownID {
			// Overheard on the shared medium but not addressed to this
			// hop: not even an ACK, or every audible bystander would
			// answer for a frame meant for someone else.
			return
		}
		if rel := n.reliabilityLayer(); rel != nil {
			rel.ProcessNormal(df)
		}
	case frame.KindLinkState:
		if rt := n.routingTable(); rt != nil {
			rt.OnLinkState(decoded.(*frame.LinkState))
		}
	case frame.KindAddressing:
		af := decoded.(*frame.Addressing)
		n.mu.RLock()
		assigned := n.ownID != 0
		n.mu.RUnlock()
		if !assigned {
			select {
			case incomingAddr <- af:
			case <-ctx.Done():
			}
			return
		}
		n.addr.HandleIncoming(af)
	}
}

// inputLoop reads lines from stdin and dispatches chat commands. Input
// is ignored until the node reaches StateReady.
func (n *Node) inputLoop(ctx context.Context, stdin io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if n.State() != StateReady {
				continue
			}
			n.handleCommand(line)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) handleCommand(line string) {
	switch {
	case strings.HasPrefix(line, "W "):
		n.handleWhisper(strings.TrimPrefix(line, "W "))
	case strings.HasPrefix(line, "B:"):
		n.handleBroadcast(strings.TrimPrefix(line, "B:"))
	case line == "ONLINE":
		n.console.Online(n.routingTable().Neighbors())
	default:
		n.console.System("invalid command: %q", line)
	}
}

func (n *Node) handleWhisper(rest string) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		n.console.System("invalid command: W %q", rest)
		return
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil || id < 1 || id > 31 {
		n.console.System("invalid destination: %q", parts[0])
		return
	}
	if err := n.chunkerLayer().Unicast(byte(id), []byte(parts[1])); err != nil {
		n.console.System("whisper failed: %v", err)
	}
}

func (n *Node) handleBroadcast(text string) {
	n.chunkerLayer().Broadcast([]byte(text))
	n.mu.RLock()
	ownID := n.ownID
	n.mu.RUnlock()
	n.console.DeliverBroadcast(ownID, []byte(text))
}

func (n *Node) chunkerLayer() *chunker.Chunker {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.chunk
}
