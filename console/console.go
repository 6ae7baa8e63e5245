// Package console renders delivered messages and system events to the
// user's terminal, and implements reassembly.Sink for that purpose.
package console

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
)

// Printer writes chat and system output to a terminal, using distinct
// colors for whispers, broadcasts, and system notices.
type Printer struct {
	out io.Writer

	whisper   *color.Color
	broadcast *color.Color
	system    *color.Color
}

// New creates a Printer writing to out.
func New(out io.Writer) *Printer {
	return &Printer{
		out:       out,
		whisper:   color.New(color.FgCyan),
		broadcast: color.New(color.FgGreen),
		system:    color.New(color.FgYellow),
	}
}

// Deliver implements reassembly.Sink: a completed chunked message
// addressed to this node, from source.
func (p *Printer) Deliver(source byte, payload []byte) {
	p.whisper.Fprintf(p.out, "Message from %d: %s\n", source, string(payload))
}

// DeliverBroadcast renders a completed message that was sent to every
// reachable neighbor rather than to this node alone.
func (p *Printer) DeliverBroadcast(source byte, payload []byte) {
	p.broadcast.Fprintf(p.out, "Broadcast from %d: %s\n", source, string(payload))
}

// System renders a system notice: connection state changes, addressing
// completion, errors surfaced to the operator.
func (p *Printer) System(format string, args ...interface{}) {
	p.system.Fprintf(p.out, format+"\n", args...)
}

// Online renders the sorted ONLINE command response.
func (p *Printer) Online(ids []byte) {
	sorted := append([]byte{}, ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) == 0 {
		p.system.Fprintln(p.out, "ONLINE: (no known nodes)")
		return
	}
	p.system.Fprintf(p.out, "ONLINE:")
	for _, id := range sorted {
		fmt.Fprintf(p.out, " %d", id)
	}
	fmt.Fprintln(p.out)
}
