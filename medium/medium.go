// Package medium implements the client side of the external framing server
// contract: a byte-stream codec that signals channel busy/free and carries
// opaque DATA / DATA_SHORT frames. The medium itself (radio, simulator, or
// anything else) is out of scope; this package only speaks its wire
// protocol.
package medium

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Outbound tags sent to the medium.
const (
	tagData      = 0x03
	tagDataShort = 0x06
	tagConnect   = 0x09
	tagToken     = 0x0a
)

// Inbound tags received from the medium.
const (
	tagHello          = 0x09
	tagFree           = 0x01
	tagBusy           = 0x02
	tagInData         = 0x03
	tagSending        = 0x04
	tagDoneSending    = 0x05
	tagInDataShort    = 0x06
	tagEnd            = 0x08
	tagTokenAccepted  = 0x0a
	tagTokenRejected  = 0x0b
)

// EventKind identifies an inbound event from the medium.
type EventKind int

const (
	EventFree EventKind = iota
	EventBusy
	EventData
	EventDataShort
	EventSending
	EventDoneSending
	EventEnd
	EventTokenAccepted
	EventTokenRejected
)

func (k EventKind) String() string {
	switch k {
	case EventFree:
		return "free"
	case EventBusy:
		return "busy"
	case EventData:
		return "data"
	case EventDataShort:
		return "data_short"
	case EventSending:
		return "sending"
	case EventDoneSending:
		return "done_sending"
	case EventEnd:
		return "end"
	case EventTokenAccepted:
		return "token_accepted"
	case EventTokenRejected:
		return "token_rejected"
	default:
		return "unknown"
	}
}

// Event is a single inbound signal or frame from the medium.
type Event struct {
	Kind    EventKind
	Payload []byte // set for EventData / EventDataShort
}

// ErrRejected is returned by Handshake if the medium rejects our token.
var ErrRejected = fmt.Errorf("medium: token rejected")

// Client speaks the medium's byte-stream protocol over any
// io.ReadWriteCloser (typically a TCP connection to the framing server).
type Client struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader

	writeMu sync.Mutex

	mu      sync.Mutex
	lastErr error

	log logrus.FieldLogger
}

// Err returns the error that caused the Events channel to close, or nil if
// it closed because of a clean END or hasn't closed yet.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// New wraps conn with the medium protocol codec.
func New(conn io.ReadWriteCloser, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		log:  log,
	}
}

// Connect sends the CONNECT frame naming the 24-bit operating frequency,
// then performs the TOKEN handshake: the medium answers with HELLO, we
// present a freshly generated token, and the medium answers with
// TOKEN_ACCEPTED or TOKEN_REJECTED.
func (c *Client) Connect(ctx context.Context, frequencyHz uint32) error {
	if err := c.writeConnect(frequencyHz); err != nil {
		return err
	}
	if _, err := c.readEvent(); err != nil {
		return fmt.Errorf("medium: waiting for HELLO: %w", err)
	}
	token := uuid.New().String()
	if err := c.writeToken(token); err != nil {
		return err
	}
	ev, err := c.readEvent()
	if err != nil {
		return fmt.Errorf("medium: waiting for token response: %w", err)
	}
	switch ev.Kind {
	case EventTokenAccepted:
		return nil
	case EventTokenRejected:
		return ErrRejected
	default:
		return fmt.Errorf("medium: unexpected event %v while waiting for token response", ev.Kind)
	}
}

// Events returns a channel of inbound events. The channel is closed when
// the underlying connection fails or the medium sends END; callers should
// check Err() after the channel closes to distinguish a clean END from a
// socket failure.
func (c *Client) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			ev, err := c.readEvent()
			if err != nil {
				if err != io.EOF {
					c.mu.Lock()
					c.lastErr = err
					c.mu.Unlock()
				}
				c.log.WithError(err).Debug("medium: read loop exiting")
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == EventEnd {
				return
			}
		}
	}()
	return out
}

// readEvent reads one tagged inbound frame.
func (c *Client) readEvent() (Event, error) {
	tag, err := c.r.ReadByte()
	if err != nil {
		return Event{}, err
	}
	switch tag {
	case tagFree:
		return Event{Kind: EventFree}, nil
	case tagBusy:
		return Event{Kind: EventBusy}, nil
	case tagSending:
		return Event{Kind: EventSending}, nil
	case tagDoneSending:
		return Event{Kind: EventDoneSending}, nil
	case tagEnd:
		return Event{Kind: EventEnd}, nil
	case tagTokenAccepted:
		return Event{Kind: EventTokenAccepted}, nil
	case tagTokenRejected:
		return Event{Kind: EventTokenRejected}, nil
	case tagInData:
		payload, err := c.readLenPrefixed()
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventData, Payload: payload}, nil
	case tagInDataShort:
		payload, err := c.readLenPrefixed()
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventDataShort, Payload: payload}, nil
	case tagHello:
		return Event{Kind: EventFree}, nil
	default:
		return Event{}, fmt.Errorf("medium: unknown inbound tag 0x%02x", tag)
	}
}

func (c *Client) readLenPrefixed() ([]byte, error) {
	length, err := c.r.ReadByte()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SendData writes a long DATA frame to the medium.
func (c *Client) SendData(payload []byte) error {
	return c.writeLenPrefixed(tagData, payload)
}

// SendDataShort writes a short DATA_SHORT frame (2 bytes) to the medium.
func (c *Client) SendDataShort(payload []byte) error {
	return c.writeLenPrefixed(tagDataShort, payload)
}

func (c *Client) writeLenPrefixed(tag byte, payload []byte) error {
	if len(payload) > 255 {
		return fmt.Errorf("medium: frame too long: %d bytes", len(payload))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write([]byte{tag, byte(len(payload))}); err != nil {
		return err
	}
	_, err := c.conn.Write(payload)
	return err
}

func (c *Client) writeConnect(frequencyHz uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write([]byte{
		tagConnect,
		byte(frequencyHz >> 16),
		byte(frequencyHz >> 8),
		byte(frequencyHz),
	})
	return err
}

func (c *Client) writeToken(token string) error {
	tb := []byte(token)
	if len(tb) > 255 {
		tb = tb[:255]
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write([]byte{tagToken, byte(len(tb))}); err != nil {
		return err
	}
	_, err := c.conn.Write(tb)
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
