package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFIFOOrdering(t *testing.T) {
	q := New(8)
	ctx := context.Background()

	for i := uint32(1); i <= 5; i++ {
		if err := q.Send(ctx, Message{Kind: KindTable, OID: i}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	q.Close()

	for i := uint32(1); i <= 5; i++ {
		m, ok, err := q.Receive(ctx)
		if err != nil || !ok {
			t.Fatalf("Receive #%d: ok=%v err=%v", i, ok, err)
		}
		if m.OID != i {
			t.Errorf("Receive #%d = OID %d, want %d", i, m.OID, i)
		}
	}

	_, ok, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive after close: %v", err)
	}
	if ok {
		t.Error("Receive after drain returned ok=true")
	}
}

func TestSendAfterClose(t *testing.T) {
	q := New(1)
	q.Close()
	err := q.Send(context.Background(), Message{Kind: KindTable, OID: 1})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
}

func TestBackpressure(t *testing.T) {
	q := New(1)
	ctx := context.Background()

	if err := q.Send(ctx, Message{Kind: KindTable, OID: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Send(blockedCtx, Message{Kind: KindTable, OID: 2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send on full queue = %v, want deadline exceeded", err)
	}
}

func TestManyConsumersDrainAll(t *testing.T) {
	q := New(16)
	ctx := context.Background()

	const jobs = 100
	const workers = 4

	var received atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, ok, err := q.Receive(ctx)
				if err != nil || !ok {
					return
				}
				if m.Kind == KindStop {
					return
				}
				received.Add(1)
			}
		}()
	}

	for i := uint32(0); i < jobs; i++ {
		if err := q.Send(ctx, Message{Kind: KindIndex, OID: i}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := q.Stop(ctx, workers); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()

	if received.Load() != jobs {
		t.Errorf("received %d jobs, want %d", received.Load(), jobs)
	}
}

func TestReceiveCancellation(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := q.Receive(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Receive on cancelled ctx = %v, want context.Canceled", err)
	}
}
