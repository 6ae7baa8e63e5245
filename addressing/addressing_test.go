package addressing

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshchat/frame"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) EnqueueBackground(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte{}, b...))
}

func (f *fakeSender) decoded(i int) *frame.Addressing {
	f.mu.Lock()
	defer f.mu.Unlock()
	af := &frame.Addressing{}
	af.UnmarshalBinary(f.sent[i])
	return af
}

func TestRunTimeoutPicksRandomID(t *testing.T) {
	fs := &fakeSender{}
	a := New(fs, nil)
	incoming := make(chan *frame.Addressing)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := a.Run(ctx, incoming)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if id < minID || id > maxID {
		t.Errorf("assigned id %d out of range [%d,%d]", id, minID, maxID)
	}
	if a.OwnID() != id {
		t.Errorf("OwnID() = %d, want %d", a.OwnID(), id)
	}
	known := a.Known()
	if len(known) != 1 || known[0] != id {
		t.Errorf("Known() = %v, want [%d]", known, id)
	}
	// No reply was seen, so no final reply frame is emitted — only the
	// initial exploration frame.
	if len(fs.sent) != 1 {
		t.Fatalf("sent %d frames, want 1 (exploration only)", len(fs.sent))
	}
	explore := fs.decoded(0)
	if explore.Source != 0 || explore.Reply {
		t.Errorf("exploration frame = %+v, want Source=0 Reply=false", explore)
	}
}

func TestRunWithRepliesMergesKnownAndAvoidsCollision(t *testing.T) {
	fs := &fakeSender{}
	a := New(fs, nil)
	incoming := make(chan *frame.Addressing, 4)
	incoming <- &frame.Addressing{Known: []byte{5, 7}, Reply: true, Source: 5}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := a.Run(ctx, incoming)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if id == 5 || id == 7 {
		t.Errorf("assigned id %d collides with known set", id)
	}
	known := a.Known()
	wantLen := 3 // 5, 7, and the newly picked id
	if len(known) != wantLen {
		t.Errorf("Known() = %v, want %d entries", known, wantLen)
	}
	if len(fs.sent) != 2 {
		t.Fatalf("sent %d frames, want 2 (exploration + reply)", len(fs.sent))
	}
	reply := fs.decoded(1)
	if !reply.Reply || reply.Source != id {
		t.Errorf("final frame = %+v, want Reply=true Source=%d", reply, id)
	}
}

func TestHandleIncomingGatedOnAssignment(t *testing.T) {
	fs := &fakeSender{}
	a := New(fs, nil)

	// Before assignment, HandleIncoming is a no-op.
	a.HandleIncoming(&frame.Addressing{Source: 0})
	if len(fs.sent) != 0 {
		t.Fatalf("sent %d frames before assignment, want 0", len(fs.sent))
	}
}

func TestHandleIncomingExplorationGetsGossipReply(t *testing.T) {
	fs := &fakeSender{}
	a := New(fs, nil)
	a.mu.Lock()
	a.ownID = 9
	a.known[9] = true
	a.mu.Unlock()

	a.HandleIncoming(&frame.Addressing{Source: 0})
	if len(fs.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(fs.sent))
	}
	reply := fs.decoded(0)
	if reply.Reply || reply.Source != 9 {
		t.Errorf("gossip reply = %+v, want Reply=false Source=9", reply)
	}
}

func TestHandleIncomingDoesNotReassignOnReply(t *testing.T) {
	fs := &fakeSender{}
	a := New(fs, nil)
	a.mu.Lock()
	a.ownID = 9
	a.known[9] = true
	a.mu.Unlock()

	a.HandleIncoming(&frame.Addressing{Reply: true, Source: 3, Known: []byte{3}})
	if a.OwnID() != 9 {
		t.Errorf("OwnID() = %d, want unchanged 9", a.OwnID())
	}
	known := a.Known()
	found := false
	for _, id := range known {
		if id == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("Known() = %v, want to include merged id 3", known)
	}
}
