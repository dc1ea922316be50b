package codec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFIFOPushTryPopOrder(t *testing.T) {
	t.Parallel()

	q := newFIFO[int]()
	for i := range 10 {
		q.Push(i)
	}
	if q.Len() != 10 {
		t.Fatalf("Len = %d, want 10", q.Len())
	}
	for i := range 10 {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop %d: empty", i)
		}
		if v != i {
			t.Fatalf("TryPop %d: got %d", i, v)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatalf("TryPop on drained queue returned a value")
	}
}

func TestFIFOPopWaitsForPush(t *testing.T) {
	t.Parallel()

	q := newFIFO[string]()
	stop := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push("late")
	}()

	v, err := q.Pop(context.Background(), stop)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if v != "late" {
		t.Fatalf("Pop = %q, want %q", v, "late")
	}
}

func TestFIFOPopContextDeadline(t *testing.T) {
	t.Parallel()

	q := newFIFO[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx, make(chan struct{}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop error = %v, want DeadlineExceeded", err)
	}
}

func TestFIFOPopStopSignal(t *testing.T) {
	t.Parallel()

	q := newFIFO[int]()
	stop := make(chan struct{})
	close(stop)

	_, err := q.Pop(context.Background(), stop)
	if !errors.Is(err, errStopped) {
		t.Fatalf("Pop error = %v, want errStopped", err)
	}
}

// Two consumers blocked in Pop must both be woken when two items arrive
// back to back; a single wake-up token would strand one of them.
func TestFIFOConcurrentConsumersBothWoken(t *testing.T) {
	t.Parallel()

	q := newFIFO[int]()
	stop := make(chan struct{})

	results := make(chan int, 2)
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			v, err := q.Pop(context.Background(), stop)
			if err != nil {
				errs <- err
				return
			}
			results <- v
		}()
	}

	// Give both consumers time to block before the pushes land.
	time.Sleep(20 * time.Millisecond)
	q.Push(1)
	q.Push(2)

	seen := make(map[int]bool)
	for range 2 {
		select {
		case v := <-results:
			seen[v] = true
		case err := <-errs:
			t.Fatalf("Pop: %v", err)
		case <-time.After(3 * time.Second):
			t.Fatalf("a consumer never woke up; got %v", seen)
		}
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("items delivered = %v, want both 1 and 2", seen)
	}
}

func TestFIFOConcurrentProducers(t *testing.T) {
	t.Parallel()

	q := newFIFO[int]()
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				q.Push(p*perProducer + i)
			}
		}()
	}
	wg.Wait()

	seen := make(map[int]bool, producers*perProducer)
	for range producers * perProducer {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("queue drained early: %d items seen", len(seen))
		}
		if seen[v] {
			t.Fatalf("duplicate item %d", v)
		}
		seen[v] = true
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d after draining, want 0", q.Len())
	}
}
