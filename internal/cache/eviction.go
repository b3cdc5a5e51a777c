package cache

import (
	"sort"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/domain"
)

// maybeEvictLocked checks entry-count and memory pressure against the
// configured caps and, if either is exceeded, evicts down to LowWaterRatio.
// Callers must hold c.mu for writing.
//
// Grounded on CacheManager::enforceSizeLimit / handleMemoryPressure: entries
// currently backed by a live subscription are never evicted. If eviction
// cannot bring usage under the cap because every entry is subscribed, the
// situation is counted in pressureIgnored and reported to metrics rather than
// forcing eviction of a subscribed entry (resolves open question §9.3).
func (c *Cache) maybeEvictLocked() {
	overCount := len(c.entries) > c.cfg.MaxEntries
	overMemory := c.currentMemoryLocked() > c.cfg.MaxMemoryBytes
	if !overCount && !overMemory {
		return
	}

	candidates := c.lruCandidatesLocked()
	if len(candidates) == 0 {
		c.pressureIgnored.Add(1)
		c.logger.Warn().
			Int("entries", len(c.entries)).
			Msg("memory pressure with all entries subscribed, eviction skipped")
		return
	}

	targetCount := int(float64(c.cfg.MaxEntries) * c.cfg.LowWaterRatio)
	targetMemory := int64(float64(c.cfg.MaxMemoryBytes) * c.cfg.LowWaterRatio)

	for _, cand := range candidates {
		if len(c.entries) <= targetCount && c.currentMemoryLocked() <= targetMemory {
			break
		}
		delete(c.entries, cand.nodeID)
		c.evictions.Add(1)
	}
}

type lruCandidate struct {
	nodeID       string
	lastAccessed time.Time
}

// lruCandidatesLocked returns every non-subscribed entry, oldest-accessed
// first. Callers must hold c.mu for at least reading.
func (c *Cache) lruCandidatesLocked() []lruCandidate {
	candidates := make([]lruCandidate, 0, len(c.entries))
	for id, e := range c.entries {
		if e.HasSubscription() {
			continue
		}
		candidates = append(candidates, lruCandidate{id, e.LastAccessed()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
	})
	return candidates
}

// currentMemoryLocked sums the estimated size of every entry. Callers must
// hold c.mu for at least reading.
func (c *Cache) currentMemoryLocked() int64 {
	var total int64
	for _, e := range c.entries {
		total += estimateEntrySize(e)
	}
	return total
}

// CleanupExpired removes entries whose age has passed expireTime and which
// are not backed by a live subscription. Subscribed entries are left in
// place for the background updater to refresh: removing them would defeat
// the cache's whole purpose for actively monitored nodes.
func (c *Cache) CleanupExpired() int {
	if !c.allows(ReadWrite) {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if e.HasSubscription() {
			continue
		}
		if e.Classify(c.cfg.RefreshThreshold, c.cfg.ExpireTime) == domain.Expired {
			delete(c.entries, id)
			removed++
		}
	}
	c.lastCleanup = time.Now()
	return removed
}

// CleanupUnused removes unsubscribed entries that have not been read within
// idleAfter, regardless of freshness. This bounds cache growth from one-shot
// reads of nodes nobody is actively polling.
func (c *Cache) CleanupUnused(idleAfter time.Duration) int {
	if !c.allows(ReadWrite) {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if e.HasSubscription() {
			continue
		}
		if time.Since(e.LastAccessed()) >= idleAfter {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// EvictLRU removes up to target non-subscribed entries, oldest-accessed
// first, mirroring CacheManager::evictLRUEntries. EvictLRU(0) is a no-op
// (spec.md §8); target is capped at the number of evictable candidates.
// Unlike maybeEvictLocked it forces eviction regardless of whether the
// configured caps are currently exceeded, and carries no access-level gate,
// matching the original's ungated evictLRUEntries.
func (c *Cache) EvictLRU(target int) int {
	if target <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.lruCandidatesLocked()
	if target > len(candidates) {
		target = len(candidates)
	}

	for _, cand := range candidates[:target] {
		delete(c.entries, cand.nodeID)
	}
	c.evictions.Add(uint64(target))
	return target
}

// EntryPressureRatio returns the fraction of MaxEntries currently in use,
// mirroring CacheMemoryManager::getEntryUsageRatio.
func (c *Cache) EntryPressureRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cfg.MaxEntries == 0 {
		return 0
	}
	return float64(len(c.entries)) / float64(c.cfg.MaxEntries)
}

// EvictLRUUnderPressure evicts down to LowWaterRatio when entry-count
// pressure has crossed threshold, mirroring
// CacheMemoryManager::hasEntryPressure/calculateEvictionCount. It is meant
// to run periodically alongside CleanupExpired, proactively trimming the
// cache before the hard caps in maybeEvictLocked are hit.
func (c *Cache) EvictLRUUnderPressure(threshold float64) int {
	if c.EntryPressureRatio() < threshold {
		return 0
	}

	c.mu.RLock()
	current := len(c.entries)
	c.mu.RUnlock()

	target := current - int(float64(c.cfg.MaxEntries)*c.cfg.LowWaterRatio)
	return c.EvictLRU(target)
}
