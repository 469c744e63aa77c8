package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpharoyale/backend/internal/driver"
	"github.com/alpharoyale/backend/internal/engine"
	"github.com/alpharoyale/backend/internal/pricefeed"
	"github.com/alpharoyale/backend/internal/store"
	"github.com/alpharoyale/backend/logging"
)

// memLock is an in-process stand-in for a Redis SETNX lock, keyed by
// expiry so the test can simulate both "held" and "expired" states.
type memLock struct {
	mu      sync.Mutex
	heldTil map[string]time.Time
}

func newMemLock() *memLock { return &memLock{heldTil: make(map[string]time.Time)} }

func (l *memLock) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.heldTil[key]; ok && time.Now().Before(until) {
		return false, nil
	}
	l.heldTil[key] = time.Now().Add(ttl)
	return true, nil
}

func (l *memLock) Renew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.heldTil[key]; !ok {
		return false, nil
	}
	l.heldTil[key] = time.Now().Add(ttl)
	return true, nil
}

type countingFeed struct{ n int32 }

func (f *countingFeed) FetchQuotes(ctx context.Context, symbols []string) (map[string]pricefeed.Quote, error) {
	atomic.AddInt32(&f.n, 1)
	out := make(map[string]pricefeed.Quote, len(symbols))
	for _, s := range symbols {
		out[s] = pricefeed.Quote{Price: 100, VendorTimestamp: time.Now()}
	}
	return out, nil
}

func TestRunInvokesDriverOnStartAndOnInterval(t *testing.T) {
	mem := store.NewMemory()
	feed := &countingFeed{}
	eng := engine.New(mem, logging.NewLogger(logging.ERROR))
	d := driver.New(mem, feed, eng, []string{"BTC"}, logging.NewLogger(logging.ERROR))
	s := New(d, newMemLock(), 20*time.Millisecond, time.Second, logging.NewLogger(logging.ERROR))

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if atomic.LoadInt32(&feed.n) < 2 {
		t.Fatalf("expected at least 2 driver invocations, got %d", feed.n)
	}
}

func TestEnsureTimerRunningIsIdempotentWhenLockHeld(t *testing.T) {
	mem := store.NewMemory()
	feed := &countingFeed{}
	eng := engine.New(mem, logging.NewLogger(logging.ERROR))
	d := driver.New(mem, feed, eng, []string{"BTC"}, logging.NewLogger(logging.ERROR))
	lock := newMemLock()
	s := New(d, lock, time.Hour, time.Hour, logging.NewLogger(logging.ERROR))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.ensureTimerRunning(ctx)
	time.Sleep(10 * time.Millisecond) // let the first invoke() land
	firstCount := atomic.LoadInt32(&feed.n)

	s.ensureTimerRunning(ctx) // already pending: must be a no-op
	s.ensureTimerRunning(ctx)

	if atomic.LoadInt32(&feed.n) != firstCount {
		t.Fatalf("expected no extra invocation from idempotent ensureTimerRunning calls, got %d -> %d", firstCount, feed.n)
	}
}

// expiringLock's Renew always fails, simulating a lock whose TTL lapsed
// before the holder renewed it.
type expiringLock struct {
	*memLock
}

func (l *expiringLock) Renew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nil
}

// TestTimerLoopRelinquishesOnFailedRenewal guards against the double-firing
// bug where a timer loop kept running (and pending stayed true) after its
// distributed lock expired, letting a second process acquire the same lock
// and spawn a second timer loop concurrently.
func TestTimerLoopRelinquishesOnFailedRenewal(t *testing.T) {
	mem := store.NewMemory()
	feed := &countingFeed{}
	eng := engine.New(mem, logging.NewLogger(logging.ERROR))
	d := driver.New(mem, feed, eng, []string{"BTC"}, logging.NewLogger(logging.ERROR))
	lock := &expiringLock{newMemLock()}
	s := New(d, lock, 10*time.Millisecond, time.Hour, logging.NewLogger(logging.ERROR))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.ensureTimerRunning(ctx)
	time.Sleep(5 * time.Millisecond)
	if !s.TimerPending() {
		t.Fatalf("expected timer loop to be pending right after start")
	}

	time.Sleep(30 * time.Millisecond) // first tick's renewal attempt fails
	if s.TimerPending() {
		t.Fatalf("expected timer loop to relinquish pending after a failed renewal")
	}
}
