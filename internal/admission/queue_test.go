package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAcquireRespectsLimit(t *testing.T) {
	t.Parallel()

	const limit, jobs = 3, 12
	q := New("test-limit", limit)

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := q.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer ticket.Release()

			now := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if now <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive > limit {
		t.Fatalf("expected at most %d concurrent holders, saw %d", limit, maxActive)
	}
	if stats := q.Stats(); stats.Active != 0 || stats.Queued != 0 {
		t.Fatalf("queue not drained: %+v", stats)
	}
}

func TestWaitersAreServedFIFO(t *testing.T) {
	t.Parallel()

	q := New("test-fifo", 1)
	first, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const waiters = 5
	order := make(chan int, waiters)
	tickets := make(chan *Ticket, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			ticket, err := q.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			order <- i
			tickets <- ticket
		}()
		// enqueue strictly one after another
		waitFor(t, func() bool { return q.Stats().Queued == i+1 })
	}

	first.Release()
	for want := 0; want < waiters; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("waiter %d admitted, expected %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never admitted", want)
		}
		if stats := q.Stats(); stats.Active != 1 {
			t.Fatalf("slot handover must keep active at 1, got %+v", stats)
		}
		(<-tickets).Release()
	}

	if stats := q.Stats(); stats.Active != 0 {
		t.Fatalf("expected empty queue, got %+v", stats)
	}
}

func TestAcquireCancelledWhileQueued(t *testing.T) {
	t.Parallel()

	q := New("test-cancel", 1)
	held, _ := q.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx)
		errCh <- err
	}()
	waitFor(t, func() bool { return q.Stats().Queued == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if stats := q.Stats(); stats.Queued != 0 || stats.Active != 1 {
		t.Fatalf("cancelled waiter left state behind: %+v", stats)
	}

	held.Release()
	if stats := q.Stats(); stats.Active != 0 {
		t.Fatalf("slot lost after cancellation: %+v", stats)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := New("test-idempotent", 2)
	a, _ := q.Acquire(context.Background())
	b, _ := q.Acquire(context.Background())

	a.Release()
	a.Release()
	a.Release()

	if stats := q.Stats(); stats.Active != 1 {
		t.Fatalf("double release freed extra slots: %+v", stats)
	}
	if _, ok := q.TryAcquire(); !ok {
		t.Fatalf("one slot should be free")
	}
	if _, ok := q.TryAcquire(); ok {
		t.Fatalf("limit exceeded after repeated release")
	}
	b.Release()
}

func TestConcurrentReleaseOnce(t *testing.T) {
	t.Parallel()

	q := New("test-race-release", 1)
	ticket, _ := q.Acquire(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket.Release()
		}()
	}
	wg.Wait()

	if stats := q.Stats(); stats.Active != 0 {
		t.Fatalf("expected 0 active, got %+v", stats)
	}
}

func TestCancellationStressKeepsCountersConsistent(t *testing.T) {
	t.Parallel()

	q := New("test-stress", 2)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(i%5)*time.Millisecond)
			defer cancel()
			ticket, err := q.Acquire(ctx)
			if err != nil {
				return
			}
			time.Sleep(time.Duration(i%3) * time.Millisecond)
			ticket.Release()
		}(i)
	}
	wg.Wait()

	if stats := q.Stats(); stats.Active != 0 || stats.Queued != 0 {
		t.Fatalf("slots leaked: %+v", stats)
	}
}

func TestLimitClampedToOne(t *testing.T) {
	t.Parallel()

	q := New("test-clamp", 0)
	if q.Stats().Limit != 1 {
		t.Fatalf("expected limit 1, got %d", q.Stats().Limit)
	}
	if _, ok := q.TryAcquire(); !ok {
		t.Fatalf("first acquire must succeed")
	}
	if _, ok := q.TryAcquire(); ok {
		t.Fatalf("second acquire must fail")
	}
}
