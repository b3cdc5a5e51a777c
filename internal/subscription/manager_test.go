package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/cache"
	"github.com/nexus-edge/opcua-bridge/internal/opcuaclient"
	"github.com/rs/zerolog"
)

type fakeAdapter struct {
	mu             sync.Mutex
	nodes          map[string]struct{}
	onChange       opcuaclient.ChangeCallback
	onStatus       opcuaclient.StatusCallback
	recreateCalls  int
	failOnRecreate []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{nodes: make(map[string]struct{})}
}

func (f *fakeAdapter) StartMonitoring(ctx context.Context, onChange opcuaclient.ChangeCallback, onStatus opcuaclient.StatusCallback) error {
	f.onChange = onChange
	f.onStatus = onStatus
	return nil
}

func (f *fakeAdapter) AddMonitoredItem(nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[nodeID] = struct{}{}
	return nil
}

func (f *fakeAdapter) RemoveMonitoredItem(nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, nodeID)
	return nil
}

func (f *fakeAdapter) RecreateAllMonitoredItems(ctx context.Context, onChange opcuaclient.ChangeCallback, onStatus opcuaclient.StatusCallback) ([]string, error) {
	f.mu.Lock()
	f.recreateCalls++
	f.onChange = onChange
	f.onStatus = onStatus
	failed := f.failOnRecreate
	for _, id := range failed {
		delete(f.nodes, id)
	}
	f.mu.Unlock()
	return failed, nil
}

func (f *fakeAdapter) MonitoredNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.nodes))
	for id := range f.nodes {
		out = append(out, id)
	}
	return out
}

func testCache() *cache.Cache {
	return cache.New(cache.Config{
		RefreshThreshold: time.Second,
		ExpireTime:       10 * time.Second,
		MaxEntries:       100,
		MaxMemoryBytes:   1 << 20,
		LowWaterRatio:    0.7,
	}, zerolog.Nop())
}

func TestAddArmsNodeAndSetsSubscriptionFlag(t *testing.T) {
	adapter := newFakeAdapter()
	c := testCache()
	m := New(DefaultConfig(), adapter, c, zerolog.Nop())

	// The flag attaches to an existing cache entry, so create it first.
	c.Update("ns=2;s=a", "42", "Good", "", time.Now().UnixMilli())

	if err := m.Add("ns=2;s=a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 tracked item, got %d", m.Count())
	}

	e, ok := c.Get("ns=2;s=a")
	if !ok || !e.HasSubscription() {
		t.Fatal("expected cache entry to carry the subscription flag")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	m := New(DefaultConfig(), adapter, testCache(), zerolog.Nop())

	_ = m.Add("ns=2;s=a")
	_ = m.Add("ns=2;s=a")

	if m.Count() != 1 {
		t.Fatalf("expected Add to be idempotent, got count %d", m.Count())
	}
}

func TestAddRejectsInvalidNodeID(t *testing.T) {
	m := New(DefaultConfig(), newFakeAdapter(), testCache(), zerolog.Nop())
	if err := m.Add("not-a-node-id"); err == nil {
		t.Fatal("expected an error for a malformed node id")
	}
}

func TestOnChangeOverwritesCacheRegardlessOfOrdering(t *testing.T) {
	adapter := newFakeAdapter()
	c := testCache()
	m := New(DefaultConfig(), adapter, c, zerolog.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error starting: %v", err)
	}
	_ = m.Add("ns=2;s=a")

	adapter.onChange("ns=2;s=a", true, "newer", 2000)
	adapter.onChange("ns=2;s=a", true, "older", 1000)

	e, _ := c.Get("ns=2;s=a")
	if e.Value != "older" {
		t.Fatalf("expected last-writer-wins overwrite regardless of source timestamp order, got %q", e.Value)
	}
}

func TestOnStatusFlipsTrackedItemsInactive(t *testing.T) {
	adapter := newFakeAdapter()
	m := New(DefaultConfig(), adapter, testCache(), zerolog.Nop())
	_ = m.Start(context.Background())
	_ = m.Add("ns=2;s=a")

	if !m.Active("ns=2;s=a") {
		t.Fatal("expected item to start active")
	}

	adapter.onStatus(context.DeadlineExceeded)

	if m.Active("ns=2;s=a") {
		t.Fatal("expected subscription status error to flip item inactive")
	}
}

func TestRecreateAllReactivatesTrackedItems(t *testing.T) {
	adapter := newFakeAdapter()
	m := New(DefaultConfig(), adapter, testCache(), zerolog.Nop())
	_ = m.Start(context.Background())
	_ = m.Add("ns=2;s=a")
	adapter.onStatus(context.DeadlineExceeded)

	if err := m.RecreateAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapter.recreateCalls != 1 {
		t.Fatalf("expected adapter.RecreateAllMonitoredItems to be called once, got %d", adapter.recreateCalls)
	}
	if !m.Active("ns=2;s=a") {
		t.Fatal("expected item to be reactivated after recovery")
	}
}

func TestRecreateAllDropsFailedItems(t *testing.T) {
	adapter := newFakeAdapter()
	c := testCache()
	m := New(DefaultConfig(), adapter, c, zerolog.Nop())
	_ = m.Start(context.Background())
	_ = m.Add("ns=2;s=a")
	_ = m.Add("ns=2;s=b")
	adapter.onStatus(context.DeadlineExceeded)

	adapter.failOnRecreate = []string{"ns=2;s=a"}

	if err := m.RecreateAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Active("ns=2;s=a") {
		t.Fatal("expected the failed item to be dropped, not reactivated")
	}
	if !m.Active("ns=2;s=b") {
		t.Fatal("expected the successfully re-armed item to be reactivated")
	}
	if m.Count() != 1 {
		t.Fatalf("expected the failed item to be removed from the tracked set, got count %d", m.Count())
	}
	e, ok := c.Get("ns=2;s=a")
	if ok && e.HasSubscription() {
		t.Fatal("expected the failed item's cache subscription flag to be cleared")
	}
}

func TestReconcileSyncsSubscriptionFlagsTwoWay(t *testing.T) {
	adapter := newFakeAdapter()
	c := testCache()
	m := New(DefaultConfig(), adapter, c, zerolog.Nop())
	_ = m.Start(context.Background())

	// A cache entry flagged subscribed with no matching live monitored item.
	c.Update("ns=2;s=stale", "1", "Good", "", time.Now().UnixMilli())
	c.SetSubscriptionFlag("ns=2;s=stale", true)

	// A live monitored item whose cache entry doesn't yet carry the flag.
	_ = adapter.AddMonitoredItem("ns=2;s=live")
	c.Update("ns=2;s=live", "2", "Good", "", time.Now().UnixMilli())

	m.Reconcile()

	if e, ok := c.Get("ns=2;s=stale"); ok && e.HasSubscription() {
		t.Fatal("expected stale subscription flag to be cleared")
	}
	if e, ok := c.Get("ns=2;s=live"); !ok || !e.HasSubscription() {
		t.Fatal("expected live monitored item's cache entry to have its subscription flag set")
	}
}

func TestReconcileRemovesIdleItems(t *testing.T) {
	adapter := newFakeAdapter()
	cfg := Config{ItemExpireTime: 10 * time.Millisecond}
	m := New(cfg, adapter, testCache(), zerolog.Nop())
	_ = m.Add("ns=2;s=a")

	time.Sleep(20 * time.Millisecond)
	m.Reconcile()

	if m.Count() != 0 {
		t.Fatalf("expected idle item to be reconciled away, got count %d", m.Count())
	}
}
