package readstrategy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/cache"
	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/nexus-edge/opcua-bridge/internal/errorhandler"
	"github.com/rs/zerolog"
)

type fakeReader struct {
	calls atomic.Int32
	delay time.Duration
	fail  bool
}

func (f *fakeReader) ReadNodes(ctx context.Context, nodeIDs []string) ([]domain.ReadResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	out := make([]domain.ReadResult, len(nodeIDs))
	for i, id := range nodeIDs {
		if f.fail {
			out[i] = domain.ErrorResult(id, "connection closed")
			continue
		}
		out[i] = domain.ReadResult{NodeID: id, Success: true, Value: "1", Timestamp: time.Now().UnixMilli()}
	}
	return out, nil
}

type fakeScheduler struct {
	scheduled [][]string
	mu        sync.Mutex
}

func (f *fakeScheduler) ScheduleBatch(nodeIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, nodeIDs)
}

func testCache() *cache.Cache {
	return cache.New(cache.Config{
		RefreshThreshold: 10 * time.Millisecond,
		ExpireTime:       40 * time.Millisecond,
		MaxEntries:       1000,
		MaxMemoryBytes:   1 << 20,
		LowWaterRatio:    0.7,
	}, zerolog.Nop())
}

func TestProcessExpiredReadsFromUpstream(t *testing.T) {
	c := testCache()
	reader := &fakeReader{}
	s := New(DefaultConfig(), c, reader, &fakeScheduler{}, errorhandler.New(errorhandler.DefaultConfig(), nil, nil, zerolog.Nop()), zerolog.Nop())

	results := s.ProcessNodeRequests(context.Background(), []string{"ns=2;s=a"})
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected successful result, got %+v", results)
	}
	if reader.calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream read, got %d", reader.calls.Load())
	}
}

func TestProcessPreservesOrder(t *testing.T) {
	c := testCache()
	c.Update("ns=2;s=fresh", "1", "Good", "", time.Now().UnixMilli())
	reader := &fakeReader{}
	s := New(DefaultConfig(), c, reader, &fakeScheduler{}, errorhandler.New(errorhandler.DefaultConfig(), nil, nil, zerolog.Nop()), zerolog.Nop())

	ids := []string{"ns=2;s=expired1", "ns=2;s=fresh", "ns=2;s=expired2"}
	results := s.ProcessNodeRequests(context.Background(), ids)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.NodeID != ids[i] {
			t.Fatalf("expected order preserved: position %d wanted %s got %s", i, ids[i], r.NodeID)
		}
	}
}

func TestStaleNodesScheduleBackgroundRefresh(t *testing.T) {
	c := testCache()
	c.Update("ns=2;s=a", "1", "Good", "", time.Now().UnixMilli())
	time.Sleep(15 * time.Millisecond) // now stale

	reader := &fakeReader{}
	scheduler := &fakeScheduler{}
	s := New(DefaultConfig(), c, reader, scheduler, errorhandler.New(errorhandler.DefaultConfig(), nil, nil, zerolog.Nop()), zerolog.Nop())

	results := s.ProcessNodeRequests(context.Background(), []string{"ns=2;s=a"})
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected stale node served from cache, got %+v", results)
	}

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if len(scheduler.scheduled) != 1 {
		t.Fatalf("expected background refresh scheduled for stale node")
	}
}

func TestConcurrentRequestsDedup(t *testing.T) {
	c := testCache()
	reader := &fakeReader{delay: 50 * time.Millisecond}
	s := New(DefaultConfig(), c, reader, &fakeScheduler{}, errorhandler.New(errorhandler.DefaultConfig(), nil, nil, zerolog.Nop()), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ProcessNodeRequest(context.Background(), "ns=2;s=shared")
		}()
	}
	wg.Wait()

	if reader.calls.Load() != 1 {
		t.Fatalf("expected concurrent requests for the same node to dedup into one upstream read, got %d", reader.calls.Load())
	}
}

func TestConnectionErrorFallsBackToCachedData(t *testing.T) {
	c := testCache()
	c.Update("ns=2;s=a", "cached-value", "Good", "", time.Now().UnixMilli())
	time.Sleep(50 * time.Millisecond) // force expiry

	reader := &fakeReader{fail: true}
	s := New(DefaultConfig(), c, reader, &fakeScheduler{}, errorhandler.New(errorhandler.DefaultConfig(), nil, nil, zerolog.Nop()), zerolog.Nop())

	results := s.ProcessNodeRequests(context.Background(), []string{"ns=2;s=a"})
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if !results[0].Success || results[0].Value != "cached-value" {
		t.Fatalf("expected fallback to cached value on connection error, got %+v", results[0])
	}
}
