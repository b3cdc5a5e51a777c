// Package cache implements the freshness-aware, concurrent node-value cache
// described in spec.md §4.1: a single reader-writer lock over the map,
// lock-free atomic counters, and classification lookups that drive the read
// strategy.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/rs/zerolog"
)

// AccessLevel gates which operations a caller may perform, mirroring the
// admin/read-write/read-only tiers of the original cache manager.
type AccessLevel int32

const (
	ReadOnly AccessLevel = iota
	ReadWrite
	Admin
)

// Config holds the cache's timing and sizing parameters (spec.md §6).
type Config struct {
	RefreshThreshold time.Duration
	ExpireTime       time.Duration
	MaxEntries       int
	MaxMemoryBytes   int64
	LowWaterRatio    float64 // fraction of MaxEntries/MaxMemoryBytes to evict down to
}

// DefaultConfig returns the documented defaults: 3s refresh, 10s expire,
// 10000 entries, 100MB, evict to 70% on pressure.
func DefaultConfig() Config {
	return Config{
		RefreshThreshold: 3 * time.Second,
		ExpireTime:       10 * time.Second,
		MaxEntries:       10000,
		MaxMemoryBytes:   100 * 1024 * 1024,
		LowWaterRatio:    0.7,
	}
}

// Validate enforces invariant I4 of spec.md §3: refresh_threshold < expire_time.
func (c Config) Validate() error {
	if c.RefreshThreshold >= c.ExpireTime {
		return domain.ErrInvalidConfig
	}
	if c.MaxEntries <= 0 || c.MaxMemoryBytes <= 0 {
		return domain.ErrInvalidConfig
	}
	if c.LowWaterRatio <= 0 || c.LowWaterRatio > 1 {
		return domain.ErrInvalidConfig
	}
	return nil
}

// Stats is a point-in-time snapshot of cache counters for telemetry.
type Stats struct {
	Entries           int
	SubscribedEntries int
	Hits              uint64
	Misses            uint64
	FreshHits         uint64
	StaleHits         uint64
	ExpiredOrMissing  uint64
	Evictions         uint64
	PressureIgnored   uint64
	MemoryBytes       int64
	HitRatio          float64
}

// Cache is the concurrent node-value store. The zero value is not usable;
// construct with New.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*domain.CacheEntry

	cfg    Config
	logger zerolog.Logger

	accessLevel atomic.Int32

	hits             atomic.Uint64
	misses           atomic.Uint64
	freshHits        atomic.Uint64
	staleHits        atomic.Uint64
	expiredOrMissing atomic.Uint64
	evictions        atomic.Uint64
	pressureIgnored  atomic.Uint64

	lastCleanup time.Time
	createdAt   time.Time
}

// New builds a Cache; it panics if cfg fails Validate, since an invalid
// cache configuration is a startup-time programming error, not a runtime one.
func New(cfg Config, logger zerolog.Logger) *Cache {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	c := &Cache{
		entries:   make(map[string]*domain.CacheEntry),
		cfg:       cfg,
		logger:    logger.With().Str("component", "cache").Logger(),
		createdAt: time.Now(),
	}
	c.accessLevel.Store(int32(ReadWrite))
	c.lastCleanup = time.Now()
	return c
}

// SetAccessLevel changes the gate for Update*/Clear operations.
func (c *Cache) SetAccessLevel(level AccessLevel) {
	c.accessLevel.Store(int32(level))
}

// AccessLevel returns the current access gate.
func (c *Cache) AccessLevel() AccessLevel {
	return AccessLevel(c.accessLevel.Load())
}

func (c *Cache) allows(required AccessLevel) bool {
	return c.AccessLevel() >= required
}

// Get returns a snapshot of the entry for nodeID, updating its LastAccessed
// and the hit/miss counters. It does not classify by age.
func (c *Cache) Get(nodeID string) (*domain.CacheEntry, bool) {
	if !c.allows(ReadOnly) {
		c.logger.Warn().Str("op", "Get").Msg("access denied")
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.entries[nodeID]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e.Touch()
	c.hits.Add(1)
	return e.Clone(), true
}

// GetWithStatus is the primary entry point for the read strategy: it
// returns the entry (if any) alongside its FRESH/STALE/EXPIRED
// classification. A missing entry is reported as Expired with a nil entry,
// per spec.md §3's "EXPIRED: age >= expire_time or entry missing."
func (c *Cache) GetWithStatus(nodeID string) (*domain.CacheEntry, domain.Status) {
	if !c.allows(ReadOnly) {
		c.logger.Warn().Str("op", "GetWithStatus").Msg("access denied")
		return nil, domain.Expired
	}

	c.mu.RLock()
	e, ok := c.entries[nodeID]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		c.expiredOrMissing.Add(1)
		return nil, domain.Expired
	}

	e.Touch()
	c.hits.Add(1)
	status := e.Classify(c.cfg.RefreshThreshold, c.cfg.ExpireTime)
	switch status {
	case domain.Fresh:
		c.freshHits.Add(1)
	case domain.Stale:
		c.staleHits.Add(1)
	default:
		c.expiredOrMissing.Add(1)
	}
	return e.Clone(), status
}

// StatusResult is one element of GetManyWithStatus's batch result.
type StatusResult struct {
	NodeID string
	Entry  *domain.CacheEntry
	Status domain.Status
}

// GetManyWithStatus classifies a batch of node ids under a single shared
// lock acquisition, per spec.md §4.1.
func (c *Cache) GetManyWithStatus(nodeIDs []string) []StatusResult {
	results := make([]StatusResult, len(nodeIDs))

	if !c.allows(ReadOnly) {
		c.logger.Warn().Str("op", "GetManyWithStatus").Msg("access denied")
		for i, id := range nodeIDs {
			results[i] = StatusResult{NodeID: id, Status: domain.Expired}
		}
		return results
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, id := range nodeIDs {
		e, ok := c.entries[id]
		if !ok {
			c.misses.Add(1)
			c.expiredOrMissing.Add(1)
			results[i] = StatusResult{NodeID: id, Status: domain.Expired}
			continue
		}
		e.Touch()
		c.hits.Add(1)
		status := e.Classify(c.cfg.RefreshThreshold, c.cfg.ExpireTime)
		switch status {
		case domain.Fresh:
			c.freshHits.Add(1)
		case domain.Stale:
			c.staleHits.Add(1)
		default:
			c.expiredOrMissing.Add(1)
		}
		results[i] = StatusResult{NodeID: id, Entry: e.Clone(), Status: status}
	}
	return results
}

// Update is a single-entry upsert. It preserves CreatedAt when refreshing an
// existing key (open question §9.1, resolved per original_source's
// CacheManager::updateCache, which never touches creationTime on update).
func (c *Cache) Update(nodeID, value, status, reason string, sourceTimestampMs int64) {
	if !c.allows(ReadWrite) {
		c.logger.Warn().Str("op", "Update").Str("node_id", nodeID).Msg("access denied")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateLocked(nodeID, value, status, reason, sourceTimestampMs)
	c.maybeEvictLocked()
}

func (c *Cache) updateLocked(nodeID, value, status, reason string, sourceTimestampMs int64) {
	if e, ok := c.entries[nodeID]; ok {
		e.Value = value
		e.Status = status
		e.Reason = reason
		e.SourceTimestamp = sourceTimestampMs
		e.Touch()
		return
	}
	c.entries[nodeID] = domain.NewCacheEntry(nodeID, value, status, reason, sourceTimestampMs)
}

// UpdateBatch atomically upserts a batch of ReadResults: every reader either
// sees the pre-batch state or the fully-applied batch, never a partial
// interleaving (P7, spec.md §8), because the whole batch is applied while
// holding a single exclusive lock acquisition.
func (c *Cache) UpdateBatch(results []domain.ReadResult) {
	if len(results) == 0 {
		return
	}
	if !c.allows(ReadWrite) {
		c.logger.Warn().Str("op", "UpdateBatch").Msg("access denied")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range results {
		status := "Bad"
		if r.Success {
			status = "Good"
		}
		c.updateLocked(r.NodeID, r.Value, status, r.Reason, r.Timestamp)
	}
	c.maybeEvictLocked()
}

// Remove deletes an entry outright, returning whether it existed.
func (c *Cache) Remove(nodeID string) bool {
	if !c.allows(ReadWrite) {
		c.logger.Warn().Str("op", "Remove").Str("node_id", nodeID).Msg("access denied")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[nodeID]
	delete(c.entries, nodeID)
	return ok
}

// SetSubscriptionFlag mirrors the subscription manager's presence bookkeeping
// into the cache entry (invariant I1, spec.md §3). A missing entry is a
// silent no-op: the flag has nothing to attach to until the first read or
// notification creates one.
func (c *Cache) SetSubscriptionFlag(nodeID string, hasSubscription bool) {
	c.mu.RLock()
	e, ok := c.entries[nodeID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.SetHasSubscription(hasSubscription)
}

// SubscribedNodeIDs returns every node id currently flagged as having a
// subscription, for the subscription manager's reconciliation pass (P5,
// spec.md §4.7).
func (c *Cache) SubscribedNodeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for id, e := range c.entries {
		if e.HasSubscription() {
			out = append(out, id)
		}
	}
	return out
}

// Clear removes all entries; it is admin-gated.
func (c *Cache) Clear() error {
	if !c.allows(Admin) {
		c.logger.Warn().Str("op", "Clear").Msg("access denied")
		return domain.ErrAccessDenied
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*domain.CacheEntry)
	return nil
}

// Stats returns a snapshot of cache counters and an estimated memory footprint.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subscribed := 0
	var mem int64
	for _, e := range c.entries {
		if e.HasSubscription() {
			subscribed++
		}
		mem += estimateEntrySize(e)
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	var ratio float64
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}

	return Stats{
		Entries:           len(c.entries),
		SubscribedEntries: subscribed,
		Hits:              hits,
		Misses:            misses,
		FreshHits:         c.freshHits.Load(),
		StaleHits:         c.staleHits.Load(),
		ExpiredOrMissing:  c.expiredOrMissing.Load(),
		Evictions:         c.evictions.Load(),
		PressureIgnored:   c.pressureIgnored.Load(),
		MemoryBytes:       mem,
		HitRatio:          ratio,
	}
}

// estimateEntrySize approximates per-entry memory cost from its string
// fields plus a fixed struct/bookkeeping overhead.
func estimateEntrySize(e *domain.CacheEntry) int64 {
	const overhead = 96
	return int64(len(e.NodeID)+len(e.Value)+len(e.Status)+len(e.Reason)) + overhead
}
