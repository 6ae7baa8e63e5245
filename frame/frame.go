// Package frame implements encoding and decoding of the three "long" frame
// layouts (unicast data fragment, link-state advertisement, addressing) that
// ride over the medium's DATA tag, and the two "short" layouts (ACK,
// keep-alive) that ride over DATA_SHORT.
package frame

import (
	"fmt"
)

const (
	// MaxPayload is the largest payload a single data fragment may carry.
	MaxPayload = 23

	// HeaderLength is the size in bytes of a data fragment header,
	// excluding payload.
	HeaderLength = 9

	// MaxFrameLength is the size of the fixed DATA envelope: header plus
	// maximum payload.
	MaxFrameLength = HeaderLength + MaxPayload

	// linkStateHeaderLength is the number of bytes preceding the entry
	// list in a link-state frame.
	linkStateHeaderLength = 4

	// addressingHeaderLength is the number of bytes preceding the known-
	// address list in an addressing frame.
	addressingHeaderLength = 4

	// DefaultTTL is the constant TTL stamped into addressing frames.
	DefaultTTL = 10

	bitData      = 0x80
	bitLinkState = 0x40
	fragCountBit = 0x7f

	linkStateSentinel = 0xff

	shortAck       = 0x00
	shortKeepAlive = 0x01
)

// Data is a single fragment of a chunked series, the 9-byte-header format
// described as "DATA (long)".
type Data struct {
	FragCount byte // N, total fragments in this series (bits0-6 of byte0)
	Length    byte // total frame length, header+payload
	NextHop   byte
	Source    byte
	Dest      byte
	Seq       byte
	PrevHop   byte
	Nonce     [2]byte
	Payload   []byte
}

// MarshalBinary encodes the fragment per the header layout in the spec.
func (d *Data) MarshalBinary() ([]byte, error) {
	if len(d.Payload) > MaxPayload {
		return nil, fmt.Errorf("frame: payload too long: %d > %d", len(d.Payload), MaxPayload)
	}
	if d.FragCount&bitData != 0 {
		return nil, fmt.Errorf("frame: fragment count out of range: %d", d.FragCount)
	}
	out := make([]byte, HeaderLength, HeaderLength+len(d.Payload))
	out[0] = bitData | (d.FragCount & fragCountBit)
	out[1] = byte(HeaderLength + len(d.Payload))
	out[2] = d.NextHop
	out[3] = d.Source
	out[4] = d.Dest
	out[5] = d.Seq
	out[6] = d.PrevHop
	out[7] = d.Nonce[0]
	out[8] = d.Nonce[1]
	out = append(out, d.Payload...)
	return out, nil
}

// UnmarshalBinary decodes a fragment. It does not check byte0's high bits;
// callers should use Decode to dispatch to the right type first.
func (d *Data) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderLength {
		return fmt.Errorf("frame: data header too short: %d < %d", len(b), HeaderLength)
	}
	d.FragCount = b[0] & fragCountBit
	d.Length = b[1]
	d.NextHop = b[2]
	d.Source = b[3]
	d.Dest = b[4]
	d.Seq = b[5]
	d.PrevHop = b[6]
	d.Nonce[0] = b[7]
	d.Nonce[1] = b[8]
	end := int(d.Length)
	if end < HeaderLength {
		end = HeaderLength
	}
	if end > len(b) {
		end = len(b)
	}
	d.Payload = append([]byte{}, b[HeaderLength:end]...)
	return nil
}

// LinkStateEntry is one (destination, cost) pair advertised in a link-state
// frame.
type LinkStateEntry struct {
	Dest byte
	Cost byte
}

// LinkState is a distance-vector advertisement from Source.
type LinkState struct {
	Source  byte
	Entries []LinkStateEntry
}

// MarshalBinary encodes the advertisement. The advertised length field is
// entries*2+4, matching the formula the decode side also uses (see
// DESIGN.md for why this sidesteps the inclusive/exclusive ambiguity noted
// in the original design).
func (l *LinkState) MarshalBinary() ([]byte, error) {
	out := make([]byte, linkStateHeaderLength, linkStateHeaderLength+2*len(l.Entries))
	out[0] = bitLinkState
	out[1] = l.Source
	out[2] = byte(2*len(l.Entries) + linkStateHeaderLength)
	out[3] = linkStateSentinel
	for _, e := range l.Entries {
		out = append(out, e.Dest, e.Cost)
	}
	return out, nil
}

// UnmarshalBinary decodes a link-state advertisement. The entry count is
// derived from the advertised length field (byte2), not by scanning with an
// ambiguous loop bound.
func (l *LinkState) UnmarshalBinary(b []byte) error {
	if len(b) < linkStateHeaderLength {
		return fmt.Errorf("frame: link-state header too short: %d < %d", len(b), linkStateHeaderLength)
	}
	l.Source = b[1]
	advertised := int(b[2])
	entries := (advertised - linkStateHeaderLength) / 2
	if entries < 0 {
		entries = 0
	}
	available := (len(b) - linkStateHeaderLength) / 2
	if entries > available {
		entries = available
	}
	l.Entries = make([]LinkStateEntry, 0, entries)
	for i := 0; i < entries; i++ {
		off := linkStateHeaderLength + 2*i
		l.Entries = append(l.Entries, LinkStateEntry{Dest: b[off], Cost: b[off+1]})
	}
	return nil
}

// Addressing is an addressing-phase exploration, gossip, or reply frame.
type Addressing struct {
	Known  []byte // known-address entries
	Reply  bool   // flag: true = reply (final), false = gossip
	Source byte   // 0 = exploration request from a newcomer
	TTL    byte
}

// MarshalBinary encodes the addressing frame.
func (a *Addressing) MarshalBinary() ([]byte, error) {
	if len(a.Known) > 0x3f {
		return nil, fmt.Errorf("frame: too many known addresses: %d", len(a.Known))
	}
	out := make([]byte, addressingHeaderLength, addressingHeaderLength+len(a.Known))
	out[0] = byte(len(a.Known))
	if a.Reply {
		out[1] = 1
	}
	out[2] = a.Source
	out[3] = a.TTL
	out = append(out, a.Known...)
	return out, nil
}

// UnmarshalBinary decodes an addressing frame.
func (a *Addressing) UnmarshalBinary(b []byte) error {
	if len(b) < addressingHeaderLength {
		return fmt.Errorf("frame: addressing header too short: %d < %d", len(b), addressingHeaderLength)
	}
	count := int(b[0])
	a.Reply = b[1] == 1
	a.Source = b[2]
	a.TTL = b[3]
	available := len(b) - addressingHeaderLength
	if count > available {
		count = available
	}
	a.Known = append([]byte{}, b[addressingHeaderLength:addressingHeaderLength+count]...)
	return nil
}

// Kind identifies which of the three long-frame layouts a buffer holds.
type Kind int

const (
	KindData Kind = iota
	KindLinkState
	KindAddressing
)

// DecodeLong inspects byte0 of a DATA-tagged medium frame and dispatches to
// the right layout, returning one of *Data, *LinkState, *Addressing.
func DecodeLong(b []byte) (Kind, interface{}, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("frame: empty long frame")
	}
	switch {
	case b[0]&bitData != 0:
		d := &Data{}
		if err := d.UnmarshalBinary(b); err != nil {
			return 0, nil, err
		}
		return KindData, d, nil
	case b[0]&bitLinkState != 0:
		l := &LinkState{}
		if err := l.UnmarshalBinary(b); err != nil {
			return 0, nil, err
		}
		return KindLinkState, l, nil
	default:
		a := &Addressing{}
		if err := a.UnmarshalBinary(b); err != nil {
			return 0, nil, err
		}
		return KindAddressing, a, nil
	}
}

// ShortKind identifies which of the two short-frame layouts a 2-byte buffer
// holds.
type ShortKind int

const (
	ShortKindAck ShortKind = iota
	ShortKindKeepAlive
)

// Short is a 2-byte DATA_SHORT frame: either an ACK or a keep-alive.
type Short struct {
	Kind ShortKind
	ID   byte // acking id, or sender id for a keep-alive
}

// MarshalBinary encodes the short frame.
func (s *Short) MarshalBinary() ([]byte, error) {
	b0 := byte(shortKeepAlive)
	if s.Kind == ShortKindAck {
		b0 = shortAck
	}
	return []byte{b0, s.ID}, nil
}

// UnmarshalBinary decodes a short frame: byte0==0 means ACK, any other
// value means keep-alive.
func (s *Short) UnmarshalBinary(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("frame: short frame too small: %d < 2", len(b))
	}
	if b[0] == shortAck {
		s.Kind = ShortKindAck
	} else {
		s.Kind = ShortKindKeepAlive
	}
	s.ID = b[1]
	return nil
}
