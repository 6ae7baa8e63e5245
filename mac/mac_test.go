package mac

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeMedium struct {
	mu       sync.Mutex
	data     [][]byte
	dataShort [][]byte
}

func (f *fakeMedium) SendData(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte{}, payload...)
	f.data = append(f.data, cp)
	return nil
}

func (f *fakeMedium) SendDataShort(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte{}, payload...)
	f.dataShort = append(f.dataShort, cp)
	return nil
}

func (f *fakeMedium) dataCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func TestNormalSenderHoldsFrameUntilAck(t *testing.T) {
	fm := &fakeMedium{}
	m := New(fm, nil)
	m.SetChannelState(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.ArmFirst()
	if err := m.EnqueueNormal(ctx, []byte("fragment")); err != nil {
		t.Fatalf("EnqueueNormal: %v", err)
	}

	// The pre-send backoff is under 3s and the first ack-wait window is at
	// least 4s; give the sender time to transmit once but don't ack yet.
	deadline := time.After(3500 * time.Millisecond)
	for fm.dataCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("normal sender never transmitted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if fm.dataCount() != 1 {
		t.Fatalf("dataCount = %d, want 1 before ack", fm.dataCount())
	}

	m.AckReceived()

	// After the ack, a second EnqueueNormal should be accepted promptly
	// (the sender loop is back to waiting on normalFrameCh).
	done := make(chan struct{})
	go func() {
		m.ArmFirst()
		m.EnqueueNormal(ctx, []byte("fragment2"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second EnqueueNormal was not accepted after ack")
	}
}

func TestBackgroundSenderWaitsForFreeChannel(t *testing.T) {
	fm := &fakeMedium{}
	m := New(fm, nil)
	m.SetChannelState(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.EnqueueBackground([]byte("link-state"))

	time.Sleep(100 * time.Millisecond)
	if fm.dataCount() != 0 {
		t.Fatalf("dataCount = %d, want 0 while channel busy", fm.dataCount())
	}

	m.SetChannelState(true)
	deadline := time.After(time.Second)
	for fm.dataCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("background sender never transmitted after channel freed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAckSenderDelaysBeforeSending(t *testing.T) {
	fm := &fakeMedium{}
	m := New(fm, nil)
	m.SetChannelState(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	start := time.Now()
	m.EnqueueAck([]byte{0x00, 0x05})

	for {
		fm.mu.Lock()
		n := len(fm.dataShort)
		fm.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Since(start) > 6*time.Second {
			t.Fatal("ack sender never transmitted")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed < 4*time.Second {
		t.Fatalf("ack sent too early: %v elapsed, want >= ~5s pre-send delay", elapsed)
	}
}
