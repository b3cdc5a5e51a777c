// Package subscription owns the OPC UA subscription for this bridge: which
// node ids are currently monitored, routing data-change notifications back
// into the cache, and reconciling monitored-item state after a reconnect.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/cache"
	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/nexus-edge/opcua-bridge/internal/opcuaclient"
	"github.com/rs/zerolog"
)

// Adapter is the subset of opcuaclient.Client the manager needs. Declaring
// it here (rather than depending on the concrete type) keeps the manager
// testable with a fake.
type Adapter interface {
	StartMonitoring(ctx context.Context, onChange opcuaclient.ChangeCallback, onStatus opcuaclient.StatusCallback) error
	AddMonitoredItem(nodeID string) error
	RemoveMonitoredItem(nodeID string) error
	RecreateAllMonitoredItems(ctx context.Context, onChange opcuaclient.ChangeCallback, onStatus opcuaclient.StatusCallback) ([]string, error)
	MonitoredNodes() []string
}

// Config holds the subscription manager's idle-item policy.
type Config struct {
	// ItemExpireTime is how long a monitored item can go without a
	// notification or explicit touch before it is considered idle and
	// eligible for removal by Reconcile.
	ItemExpireTime time.Duration
}

// DefaultConfig returns the documented 30 minute idle window.
func DefaultConfig() Config {
	return Config{ItemExpireTime: 30 * time.Minute}
}

// Manager owns the set of monitored items backing the cache's subscription
// flags (invariant I1, spec §3) and routes incoming notifications into the
// cache via Update.
type Manager struct {
	cfg     Config
	adapter Adapter
	cache   *cache.Cache
	logger  zerolog.Logger

	mu    sync.RWMutex
	items map[string]*domain.MonitoredItem
}

// New builds a Manager. Start must be called before any node is armed.
func New(cfg Config, adapter Adapter, c *cache.Cache, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		adapter: adapter,
		cache:   c,
		logger:  logger.With().Str("component", "subscription-manager").Logger(),
		items:   make(map[string]*domain.MonitoredItem),
	}
}

// Start opens the underlying subscription and begins routing notifications.
func (m *Manager) Start(ctx context.Context) error {
	return m.adapter.StartMonitoring(ctx, m.onChange, m.onStatus)
}

// onChange is the adapter callback for data-change notifications. It writes
// straight into the cache and always overwrites regardless of any
// source-timestamp ordering (open question §9.2, resolved as last-writer-
// wins per spec.md's own description of the notification path).
func (m *Manager) onChange(nodeID string, good bool, value string, sourceTimestampMs int64) {
	m.mu.RLock()
	item, tracked := m.items[nodeID]
	m.mu.RUnlock()

	if tracked {
		item.Touch()
	}

	status, reason := "Bad", "Subscription Error"
	if good {
		status, reason = "Good", ""
	}
	m.cache.Update(nodeID, value, status, reason, sourceTimestampMs)
}

// onStatus handles subscription-level status changes. Every non-nil error is
// logged and flips every tracked item inactive; the error's status code is
// not inspected, so BadSubscriptionId, BadConnectionClosed and any other
// error are treated alike. No status re-affirms items as active here: only
// RecreateAll marks them active again.
func (m *Manager) onStatus(err error) {
	if err == nil {
		return
	}
	m.logger.Warn().Err(err).Msg("subscription status change")

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, item := range m.items {
		item.SetActive(false)
	}
}

// Add arms a node for server-side reporting and records it as a monitored
// item. It is idempotent.
func (m *Manager) Add(nodeID string) error {
	if !domain.ValidNodeID(nodeID) {
		return domain.ErrInvalidNodeID
	}

	m.mu.Lock()
	if _, exists := m.items[nodeID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.adapter.AddMonitoredItem(nodeID); err != nil {
		return err
	}

	m.mu.Lock()
	m.items[nodeID] = domain.NewMonitoredItem(nodeID, 0, 0)
	m.mu.Unlock()

	m.cache.SetSubscriptionFlag(nodeID, true)
	return nil
}

// Remove disarms a node and clears its subscription flag on the cache.
func (m *Manager) Remove(nodeID string) error {
	m.mu.Lock()
	_, tracked := m.items[nodeID]
	delete(m.items, nodeID)
	m.mu.Unlock()

	if !tracked {
		return nil
	}

	if err := m.adapter.RemoveMonitoredItem(nodeID); err != nil {
		return err
	}
	m.cache.SetSubscriptionFlag(nodeID, false)
	return nil
}

// RecreateAll tears down and re-arms every tracked monitored item. The
// reconnection manager calls this once a dropped connection has been
// restored, since OPC UA subscriptions do not survive a session loss.
// Partial failure is non-fatal (spec.md §4.3): items that failed to re-arm
// are dropped from the tracked set and their cache subscription flags
// cleared, rather than being marked active alongside the ones that succeeded.
func (m *Manager) RecreateAll(ctx context.Context) error {
	failed, err := m.adapter.RecreateAllMonitoredItems(ctx, m.onChange, m.onStatus)
	if err != nil {
		return err
	}

	failedSet := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		failedSet[id] = struct{}{}
	}

	m.mu.Lock()
	for nodeID, item := range m.items {
		if _, dropped := failedSet[nodeID]; dropped {
			delete(m.items, nodeID)
			continue
		}
		item.SetActive(true)
		item.Touch()
	}
	count := len(m.items)
	m.mu.Unlock()

	for _, nodeID := range failed {
		m.cache.SetSubscriptionFlag(nodeID, false)
	}

	if len(failed) > 0 {
		m.logger.Warn().Int("failed", len(failed)).Msg("some monitored items failed to re-arm after reconnect")
	}
	m.logger.Info().Int("count", count).Msg("recreated monitored items after reconnect")
	return nil
}

// Reconcile repairs invariant I1 (cache subscription flag matches a live
// monitored item) and removes items that have gone idle past
// ItemExpireTime. cmd/bridge's periodic cache cleanup loop calls it on every
// tick.
func (m *Manager) Reconcile() {
	m.mu.Lock()
	idle := make([]string, 0)
	for nodeID, item := range m.items {
		if item.Idle(m.cfg.ItemExpireTime) {
			idle = append(idle, nodeID)
			delete(m.items, nodeID)
		}
	}
	m.mu.Unlock()

	for _, nodeID := range idle {
		_ = m.adapter.RemoveMonitoredItem(nodeID)
		m.cache.SetSubscriptionFlag(nodeID, false)
		m.logger.Debug().Str("node_id", nodeID).Msg("removed idle monitored item")
	}

	m.reconcileSubscriptionFlags()
}

// reconcileSubscriptionFlags performs the two-way sync of property P5
// (spec.md §4.7): a cache entry flagged has_subscription=true with no
// matching live monitored item has its flag cleared, and a live monitored
// item whose cache entry lacks the flag has it set.
func (m *Manager) reconcileSubscriptionFlags() {
	monitored := make(map[string]struct{})
	for _, id := range m.adapter.MonitoredNodes() {
		monitored[id] = struct{}{}
	}

	for _, nodeID := range m.cache.SubscribedNodeIDs() {
		if _, ok := monitored[nodeID]; !ok {
			m.cache.SetSubscriptionFlag(nodeID, false)
		}
	}
	for nodeID := range monitored {
		m.cache.SetSubscriptionFlag(nodeID, true)
	}
}

// Count returns the number of tracked monitored items.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Active reports whether nodeID currently has a confirmed monitored item.
func (m *Manager) Active(nodeID string) bool {
	m.mu.RLock()
	item, ok := m.items[nodeID]
	m.mu.RUnlock()
	return ok && item.Active()
}
