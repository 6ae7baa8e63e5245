package reliability

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshchat/frame"
)

type fakeMac struct {
	mu        sync.Mutex
	normal    [][]byte
	acks      [][]byte
	armed     int
	acksGiven int
}

func (f *fakeMac) EnqueueNormal(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	f.normal = append(f.normal, append([]byte{}, frame...))
	f.mu.Unlock()
	return nil
}

func (f *fakeMac) EnqueueAck(frame []byte) {
	f.mu.Lock()
	f.acks = append(f.acks, append([]byte{}, frame...))
	f.mu.Unlock()
}

func (f *fakeMac) ArmFirst() {
	f.mu.Lock()
	f.armed++
	f.mu.Unlock()
}

func (f *fakeMac) AckReceived() {
	f.mu.Lock()
	f.acksGiven++
	f.mu.Unlock()
}

func (f *fakeMac) normalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.normal)
}

type fakeRouter struct {
	mu     sync.Mutex
	routes map[byte]byte
}

func (r *fakeRouter) NextHop(dest byte) byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[dest]
}

type fakePrinter struct {
	mu       sync.Mutex
	accepted []*frame.Data
}

func (p *fakePrinter) Accept(df *frame.Data) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = append(p.accepted, df)
}

func TestRunDrainsQueueIntoMacInOrder(t *testing.T) {
	fm := &fakeMac{}
	r := New(5, fm, &fakeRouter{}, &fakePrinter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	d1 := &frame.Data{Seq: 1, FragCount: 2, Dest: 7, Source: 5, NextHop: 7, PrevHop: 5, Payload: []byte("ab")}
	d2 := &frame.Data{Seq: 2, FragCount: 2, Dest: 7, Source: 5, NextHop: 7, PrevHop: 5, Payload: []byte("cd")}
	e1, _ := d1.MarshalBinary()
	e2, _ := d2.MarshalBinary()
	r.Enqueue(e1)
	r.Enqueue(e2)

	deadline := time.After(time.Second)
	for fm.normalCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("first fragment never reached mac")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if fm.normalCount() != 1 {
		t.Fatalf("normalCount = %d, want 1 (second fragment must wait)", fm.normalCount())
	}
	fm.mu.Lock()
	armed := fm.armed
	fm.mu.Unlock()
	if armed != 1 {
		t.Errorf("armed = %d, want 1 (only seq==1 triggers ArmFirst)", armed)
	}
}

func TestProcessNormalFinalDestinationAcksAndDelivers(t *testing.T) {
	fm := &fakeMac{}
	printer := &fakePrinter{}
	r := New(7, fm, &fakeRouter{}, printer, nil)

	df := &frame.Data{Seq: 1, FragCount: 1, Source: 5, Dest: 7, NextHop: 7, PrevHop: 5, Payload: []byte("hi")}
	r.ProcessNormal(df)

	fm.mu.Lock()
	nacks := len(fm.acks)
	fm.mu.Unlock()
	if nacks != 1 {
		t.Fatalf("acks sent = %d, want 1", nacks)
	}
	ackFrame := &frame.Short{}
	ackFrame.UnmarshalBinary(fm.acks[0])
	if ackFrame.Kind != frame.ShortKindAck || ackFrame.ID != 5 {
		t.Errorf("ack = %+v, want Kind=Ack ID=5 (previous hop)", ackFrame)
	}

	printer.mu.Lock()
	delivered := len(printer.accepted)
	printer.mu.Unlock()
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestProcessNormalForwardsAndRewritesHops(t *testing.T) {
	fm := &fakeMac{}
	router := &fakeRouter{routes: map[byte]byte{4: 3}}
	r := New(3, fm, router, &fakePrinter{}, nil)

	df := &frame.Data{Seq: 1, FragCount: 1, Source: 2, Dest: 4, NextHop: 3, PrevHop: 2, Nonce: [2]byte{1, 2}, Payload: []byte("HI")}
	r.ProcessNormal(df)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.After(time.Second)
	for fm.normalCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("forwarded fragment never reached mac")
		case <-time.After(5 * time.Millisecond):
		}
	}
	fwd := &frame.Data{}
	fm.mu.Lock()
	fwd.UnmarshalBinary(fm.normal[0])
	fm.mu.Unlock()
	if fwd.NextHop != 4 {
		t.Errorf("forwarded NextHop = %d, want 4", fwd.NextHop)
	}
	if fwd.PrevHop != 3 {
		t.Errorf("forwarded PrevHop = %d, want 3 (this node)", fwd.PrevHop)
	}
}

func TestProcessNormalDropsOnNoRoute(t *testing.T) {
	fm := &fakeMac{}
	r := New(3, fm, &fakeRouter{}, &fakePrinter{}, nil)

	df := &frame.Data{Seq: 1, FragCount: 1, Source: 2, Dest: 9, NextHop: 3, PrevHop: 2, Payload: []byte("x")}
	r.ProcessNormal(df)

	if fm.normalCount() != 0 {
		t.Errorf("normalCount = %d, want 0 (no route means drop)", fm.normalCount())
	}
}

func TestProcessNormalDuplicateForwardIsDropped(t *testing.T) {
	fm := &fakeMac{}
	router := &fakeRouter{routes: map[byte]byte{4: 3}}
	r := New(3, fm, router, &fakePrinter{}, nil)

	df1 := &frame.Data{Seq: 1, FragCount: 1, Source: 2, Dest: 4, NextHop: 3, PrevHop: 2, Nonce: [2]byte{9, 9}, Payload: []byte("x")}
	df2 := &frame.Data{Seq: 1, FragCount: 1, Source: 2, Dest: 4, NextHop: 3, PrevHop: 2, Nonce: [2]byte{9, 9}, Payload: []byte("x")}
	r.ProcessNormal(df1)
	r.ProcessNormal(df2)

	if got := r.queue.lenForTest(); got != 1 {
		t.Errorf("queue length = %d, want 1 (duplicate must not be re-enqueued)", got)
	}
}

func TestOnAckReleasesMac(t *testing.T) {
	fm := &fakeMac{}
	r := New(5, fm, &fakeRouter{}, &fakePrinter{}, nil)
	r.OnAck(5)
	r.OnAck(9) // not our id: no-op

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.acksGiven != 1 {
		t.Errorf("acksGiven = %d, want 1", fm.acksGiven)
	}
}
