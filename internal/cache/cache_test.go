package cache

import (
	"testing"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/rs/zerolog"
)

func testCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	return New(cfg, zerolog.Nop())
}

func smallCfg() Config {
	return Config{
		RefreshThreshold: 10 * time.Millisecond,
		ExpireTime:       40 * time.Millisecond,
		MaxEntries:       100,
		MaxMemoryBytes:   1 << 20,
		LowWaterRatio:    0.7,
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", smallCfg(), false},
		{"refresh >= expire", Config{RefreshThreshold: time.Second, ExpireTime: time.Second, MaxEntries: 1, MaxMemoryBytes: 1, LowWaterRatio: 0.5}, true},
		{"zero max entries", Config{RefreshThreshold: time.Millisecond, ExpireTime: time.Second, MaxEntries: 0, MaxMemoryBytes: 1, LowWaterRatio: 0.5}, true},
		{"bad low water", Config{RefreshThreshold: time.Millisecond, ExpireTime: time.Second, MaxEntries: 1, MaxMemoryBytes: 1, LowWaterRatio: 1.5}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestGetWithStatusMissingIsExpired(t *testing.T) {
	c := testCache(t, smallCfg())
	entry, status := c.GetWithStatus("ns=2;s=missing")
	if entry != nil {
		t.Fatalf("expected nil entry, got %+v", entry)
	}
	if status != domain.Expired {
		t.Fatalf("expected Expired, got %v", status)
	}
}

func TestClassificationTransitionsWithAge(t *testing.T) {
	c := testCache(t, smallCfg())
	c.Update("ns=2;s=a", "1.0", "Good", "", time.Now().UnixMilli())

	_, status := c.GetWithStatus("ns=2;s=a")
	if status != domain.Fresh {
		t.Fatalf("expected Fresh immediately after write, got %v", status)
	}

	time.Sleep(15 * time.Millisecond)
	_, status = c.GetWithStatus("ns=2;s=a")
	if status != domain.Stale {
		t.Fatalf("expected Stale after refresh threshold, got %v", status)
	}

	time.Sleep(40 * time.Millisecond)
	_, status = c.GetWithStatus("ns=2;s=a")
	if status != domain.Expired {
		t.Fatalf("expected Expired after expire time, got %v", status)
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	c := testCache(t, smallCfg())
	c.Update("ns=2;s=a", "1.0", "Good", "", 1)
	first, _ := c.GetWithStatus("ns=2;s=a")
	created := first.CreatedAt

	time.Sleep(5 * time.Millisecond)
	c.Update("ns=2;s=a", "2.0", "Good", "", 2)
	second, _ := c.GetWithStatus("ns=2;s=a")

	if !second.CreatedAt.Equal(created) {
		t.Fatalf("expected CreatedAt to be preserved across update, got %v vs %v", second.CreatedAt, created)
	}
	if second.Value != "2.0" {
		t.Fatalf("expected value to be refreshed, got %q", second.Value)
	}
}

func TestUpdateBatchAllOrNothingVisibility(t *testing.T) {
	c := testCache(t, smallCfg())
	results := []domain.ReadResult{
		{NodeID: "ns=2;s=a", Success: true, Value: "1", Timestamp: 1},
		{NodeID: "ns=2;s=b", Success: true, Value: "2", Timestamp: 1},
	}
	c.UpdateBatch(results)

	for _, id := range []string{"ns=2;s=a", "ns=2;s=b"} {
		e, ok := c.Get(id)
		if !ok {
			t.Fatalf("expected %s to be present after batch update", id)
		}
		if e.Status != "Good" {
			t.Fatalf("expected Good status for %s, got %s", id, e.Status)
		}
	}
}

func TestSubscribedEntriesSurviveEviction(t *testing.T) {
	cfg := smallCfg()
	cfg.MaxEntries = 2
	cfg.LowWaterRatio = 0.5
	c := testCache(t, cfg)

	c.Update("ns=2;s=sub", "1", "Good", "", 1)
	c.SetSubscriptionFlag("ns=2;s=sub", true)

	c.Update("ns=2;s=a", "2", "Good", "", 1)
	c.Update("ns=2;s=b", "3", "Good", "", 1)

	if _, ok := c.Get("ns=2;s=sub"); !ok {
		t.Fatalf("expected subscribed entry to survive eviction")
	}
}

func TestPressureIgnoredWhenAllSubscribed(t *testing.T) {
	cfg := smallCfg()
	cfg.MaxEntries = 1
	c := testCache(t, cfg)

	c.Update("ns=2;s=a", "1", "Good", "", 1)
	c.SetSubscriptionFlag("ns=2;s=a", true)
	c.Update("ns=2;s=b", "2", "Good", "", 1)
	c.SetSubscriptionFlag("ns=2;s=b", true)

	stats := c.Stats()
	if stats.PressureIgnored == 0 {
		t.Fatalf("expected pressure_ignored to be incremented when eviction cannot free subscribed entries")
	}
	if stats.Entries != 2 {
		t.Fatalf("expected both subscribed entries to remain, got %d", stats.Entries)
	}
}

func TestAccessLevelGating(t *testing.T) {
	c := testCache(t, smallCfg())
	c.SetAccessLevel(ReadOnly)

	c.Update("ns=2;s=a", "1", "Good", "", 1)
	if _, ok := c.Get("ns=2;s=a"); ok {
		t.Fatalf("expected write to be denied under ReadOnly access level")
	}

	if err := c.Clear(); err != domain.ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied from Clear under ReadOnly, got %v", err)
	}
}

func TestCleanupExpiredSkipsSubscribed(t *testing.T) {
	c := testCache(t, smallCfg())
	c.Update("ns=2;s=sub", "1", "Good", "", 1)
	c.SetSubscriptionFlag("ns=2;s=sub", true)
	c.Update("ns=2;s=plain", "1", "Good", "", 1)

	time.Sleep(50 * time.Millisecond)
	removed := c.CleanupExpired()

	if removed != 1 {
		t.Fatalf("expected exactly one expired unsubscribed entry removed, got %d", removed)
	}
	if _, ok := c.Get("ns=2;s=sub"); !ok {
		t.Fatalf("expected subscribed entry to survive CleanupExpired")
	}
}

func TestStatsHitRatio(t *testing.T) {
	c := testCache(t, smallCfg())
	if got := c.Stats().HitRatio; got != 0 {
		t.Fatalf("expected 0 hit ratio with no reads, got %v", got)
	}

	c.Update("ns=2;s=a", "1", "Good", "", 1)
	c.Get("ns=2;s=a")
	c.Get("ns=2;s=missing")

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got hits=%d misses=%d", stats.Hits, stats.Misses)
	}
	if stats.HitRatio != 0.5 {
		t.Fatalf("expected hit ratio 0.5, got %v", stats.HitRatio)
	}
}
