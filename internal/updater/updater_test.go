package updater

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/cache"
	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/rs/zerolog"
)

type fakeReader struct {
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration
	fail  map[string]bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (f *fakeReader) ReadNode(ctx context.Context, nodeID string) (domain.ReadResult, error) {
	f.mu.Lock()
	f.calls[nodeID]++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.ReadResult{}, ctx.Err()
		}
	}
	if f.fail[nodeID] {
		return domain.ReadResult{}, domain.ErrConnectionClosed
	}
	return domain.ReadResult{NodeID: nodeID, Success: true, Value: "42", Timestamp: 1}, nil
}

func (f *fakeReader) callCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[nodeID]
}

func testCache() *cache.Cache {
	return cache.New(cache.Config{
		RefreshThreshold: time.Millisecond,
		ExpireTime:       10 * time.Millisecond,
		MaxEntries:       100,
		MaxMemoryBytes:   1 << 20,
		LowWaterRatio:    0.7,
	}, zerolog.Nop())
}

func TestScheduleRefreshesCache(t *testing.T) {
	c := testCache()
	reader := newFakeReader()
	u := New(Config{WorkerCount: 1, QueueCapacity: 10, PerReadTimeout: time.Second}, c, reader, zerolog.Nop())

	u.Start(context.Background())
	defer u.Stop()

	u.Schedule("ns=2;s=a")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get("ns=2;s=a"); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected cache to be populated by background refresh")
}

func TestScheduleDedupsWhilePending(t *testing.T) {
	c := testCache()
	reader := newFakeReader()
	reader.delay = 50 * time.Millisecond
	u := New(Config{WorkerCount: 1, QueueCapacity: 10, PerReadTimeout: time.Second}, c, reader, zerolog.Nop())

	u.Start(context.Background())
	defer u.Stop()

	u.Schedule("ns=2;s=a")
	u.Schedule("ns=2;s=a")
	u.Schedule("ns=2;s=a")

	time.Sleep(100 * time.Millisecond)

	if got := reader.callCount("ns=2;s=a"); got != 1 {
		t.Fatalf("expected exactly one read for a deduped node, got %d", got)
	}
	if u.Stats().Duplicate < 2 {
		t.Fatalf("expected at least 2 duplicate schedules counted, got %d", u.Stats().Duplicate)
	}
}

func TestScheduleDropsWhenQueueFull(t *testing.T) {
	c := testCache()
	reader := newFakeReader()
	reader.delay = 200 * time.Millisecond
	u := New(Config{WorkerCount: 1, QueueCapacity: 1, PerReadTimeout: time.Second}, c, reader, zerolog.Nop())

	u.Start(context.Background())
	defer u.Stop()

	for i := 0; i < 10; i++ {
		u.Schedule(string(rune('a' + i)))
	}

	time.Sleep(20 * time.Millisecond)
	if u.Stats().Dropped == 0 {
		t.Fatalf("expected some schedules to be dropped once the queue filled")
	}
}

func TestStopDrainsRunningWorkers(t *testing.T) {
	c := testCache()
	reader := newFakeReader()
	u := New(Config{WorkerCount: 2, QueueCapacity: 10, PerReadTimeout: time.Second}, c, reader, zerolog.Nop())

	u.Start(context.Background())
	u.Schedule("ns=2;s=a")
	u.Schedule("ns=2;s=b")

	done := make(chan struct{})
	go func() {
		u.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
