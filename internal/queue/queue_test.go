package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueSerializesPerChat(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	var callsFor = map[string]int32{"a": 0}
	var mu sync.Mutex

	q := New(4, func(ctx context.Context, chatID string) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxObserved)
			if n <= m || atomic.CompareAndSwapInt32(&maxObserved, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		mu.Lock()
		callsFor[chatID]++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go q.Run(ctx)

	for i := 0; i < 5; i++ {
		q.Enqueue("a")
		time.Sleep(time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&maxObserved) > 1 {
		t.Fatalf("expected chat %q to never run concurrently with itself, observed %d in flight", "a", maxObserved)
	}
}

func TestQueueAllowsCrossChatParallelism(t *testing.T) {
	start := make(chan struct{})
	var concurrent int32
	var maxObserved int32

	q := New(4, func(ctx context.Context, chatID string) error {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			m := atomic.LoadInt32(&maxObserved)
			if n <= m || atomic.CompareAndSwapInt32(&maxObserved, m, n) {
				break
			}
		}
		<-start
		atomic.AddInt32(&concurrent, -1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go q.Run(ctx)

	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	time.Sleep(50 * time.Millisecond)
	close(start)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&maxObserved) < 2 {
		t.Fatalf("expected distinct chats to run concurrently, max observed %d", maxObserved)
	}
}

func TestQueueRetriesWithBackoffThenSucceeds(t *testing.T) {
	var attempts int32
	q := NewWithRetry(2, func(ctx context.Context, chatID string) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient failure")
		}
		return nil
	}, RetryPolicy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go q.Run(ctx)

	q.Enqueue("a")
	time.Sleep(300 * time.Millisecond)

	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", got)
	}
}

func TestQueueGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int32
	q := NewWithRetry(2, func(ctx context.Context, chatID string) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("permanent failure")
	}, RetryPolicy{BaseDelay: 2 * time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go q.Run(ctx)

	q.Enqueue("a")
	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts before giving up, got %d", got)
	}
}

type fakeKillable struct {
	signaled, killed int32
}

func (f *fakeKillable) Signal() error { atomic.AddInt32(&f.signaled, 1); return nil }
func (f *fakeKillable) Kill() error   { atomic.AddInt32(&f.killed, 1); return nil }

func TestQueueShutdownSignalsInFlightProcess(t *testing.T) {
	proc := &fakeKillable{}
	release := make(chan struct{})
	var q *Queue
	q = New(2, func(ctx context.Context, chatID string) error {
		q.RegisterProcess(chatID, proc, "nanoclaw-test")
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go q.Run(ctx)

	q.Enqueue("a")
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		q.Shutdown(50 * time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done

	if atomic.LoadInt32(&proc.signaled) != 1 {
		t.Fatalf("expected Signal to be called exactly once, got %d", proc.signaled)
	}
}
