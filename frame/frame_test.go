package frame

import (
	"reflect"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	tests := []*Data{
		{
			FragCount: 2,
			NextHop:   7,
			Source:    5,
			Dest:      7,
			Seq:       1,
			PrevHop:   5,
			Nonce:     [2]byte{0x12, 0x34},
			Payload:   []byte("hello world"),
		},
		{
			FragCount: 1,
			NextHop:   3,
			Source:    2,
			Dest:      4,
			Seq:       1,
			PrevHop:   3,
			Nonce:     [2]byte{0, 0},
			Payload:   []byte{},
		},
	}
	for _, want := range tests {
		encoded, err := want.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary(%+v): %v", want, err)
		}
		got := &Data{}
		if err := got.UnmarshalBinary(encoded); err != nil {
			t.Fatalf("UnmarshalBinary: %v", err)
		}
		want.Length = byte(HeaderLength + len(want.Payload))
		if !reflect.DeepEqual(want, got) {
			t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
		}
	}
}

func TestDataHeaderBytes(t *testing.T) {
	// Scenario 1 from spec.md §8: A=5, B=7, "hello world".
	d := &Data{
		FragCount: 1,
		NextHop:   7,
		Source:    5,
		Dest:      7,
		Seq:       1,
		PrevHop:   5,
		Payload:   []byte("hello world"),
	}
	encoded, err := d.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := map[int]byte{0: 0x81, 2: 7, 3: 5, 4: 7, 5: 1, 6: 5}
	for idx, b := range want {
		if encoded[idx] != b {
			t.Errorf("byte %d = 0x%02x, want 0x%02x", idx, encoded[idx], b)
		}
	}
}

func TestDataPayloadTooLong(t *testing.T) {
	d := &Data{Payload: make([]byte, MaxPayload+1)}
	if _, err := d.MarshalBinary(); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestLinkStateRoundTrip(t *testing.T) {
	want := &LinkState{
		Source: 2,
		Entries: []LinkStateEntry{
			{Dest: 3, Cost: 1},
			{Dest: 4, Cost: 2},
		},
	}
	encoded, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if encoded[0] != 0b01000000 {
		t.Errorf("byte0 = %#b, want 0b01000000", encoded[0])
	}
	if got := encoded[2]; got != byte(2*len(want.Entries)+4) {
		t.Errorf("advertised length = %d, want %d", got, 2*len(want.Entries)+4)
	}
	got := &LinkState{}
	if err := got.UnmarshalBinary(encoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestLinkStateEmpty(t *testing.T) {
	want := &LinkState{Source: 9}
	encoded, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	got := &LinkState{}
	if err := got.UnmarshalBinary(encoded); err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 0 {
		t.Errorf("Entries = %v, want empty", got.Entries)
	}
}

func TestAddressingRoundTrip(t *testing.T) {
	want := &Addressing{
		Known:  []byte{1, 2, 3},
		Reply:  true,
		Source: 5,
		TTL:    DefaultTTL,
	}
	encoded, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if encoded[0] != 3 {
		t.Errorf("byte0 (count) = %d, want 3", encoded[0])
	}
	got := &Addressing{}
	if err := got.UnmarshalBinary(encoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestDecodeLongDispatch(t *testing.T) {
	data := &Data{FragCount: 1, Payload: []byte("x")}
	dataBytes, _ := data.MarshalBinary()

	linkState := &LinkState{Source: 1}
	linkStateBytes, _ := linkState.MarshalBinary()

	addressing := &Addressing{Source: 0}
	addressingBytes, _ := addressing.MarshalBinary()

	cases := []struct {
		name string
		in   []byte
		want Kind
	}{
		{"data", dataBytes, KindData},
		{"link-state", linkStateBytes, KindLinkState},
		{"addressing", addressingBytes, KindAddressing},
	}
	for _, c := range cases {
		kind, _, err := DecodeLong(c.in)
		if err != nil {
			t.Errorf("%s: DecodeLong: %v", c.name, err)
			continue
		}
		if kind != c.want {
			t.Errorf("%s: kind = %v, want %v", c.name, kind, c.want)
		}
	}
}

func TestShortRoundTrip(t *testing.T) {
	tests := []*Short{
		{Kind: ShortKindAck, ID: 5},
		{Kind: ShortKindKeepAlive, ID: 9},
	}
	for _, want := range tests {
		encoded, err := want.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if len(encoded) != 2 {
			t.Fatalf("short frame length = %d, want 2", len(encoded))
		}
		got := &Short{}
		if err := got.UnmarshalBinary(encoded); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
		}
	}
}

func TestShortAckBytes(t *testing.T) {
	// Scenario 1 from spec.md §8: B acks A=5 with "00 05".
	s := &Short{Kind: ShortKindAck, ID: 5}
	encoded, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if encoded[0] != 0x00 || encoded[1] != 0x05 {
		t.Errorf("encoded = % x, want [00 05]", encoded)
	}
}
