package domain

import (
	"sync/atomic"
	"time"
)

// MonitoredItem is the subscription-side bookkeeping record for one node.
// ServerID and ClientHandle hold a server-assigned id and a locally assigned
// handle, but the subscription manager does not fill them in: it builds every
// item with both set to 0. Data-change callbacks are routed back to a node
// by its node id string, not by ClientHandle.
type MonitoredItem struct {
	NodeID       string
	ServerID     uint32
	ClientHandle uint32

	lastAccessed atomic.Int64
	active       atomic.Bool
}

// NewMonitoredItem builds an item marked active with LastAccessed set to now.
func NewMonitoredItem(nodeID string, serverID, clientHandle uint32) *MonitoredItem {
	m := &MonitoredItem{
		NodeID:       nodeID,
		ServerID:     serverID,
		ClientHandle: clientHandle,
	}
	m.Touch()
	m.active.Store(true)
	return m
}

// Touch records a callback delivery or explicit query against this item.
func (m *MonitoredItem) Touch() {
	m.lastAccessed.Store(time.Now().UnixNano())
}

// LastAccessed returns when this item last received a notification or query.
func (m *MonitoredItem) LastAccessed() time.Time {
	return time.Unix(0, m.lastAccessed.Load())
}

// Active reports whether the server has confirmed this item.
func (m *MonitoredItem) Active() bool {
	return m.active.Load()
}

// SetActive updates the confirmed state (status-change callbacks flip this).
func (m *MonitoredItem) SetActive(v bool) {
	m.active.Store(v)
}

// Idle reports whether this item has not been touched within d.
func (m *MonitoredItem) Idle(d time.Duration) bool {
	return time.Since(m.LastAccessed()) >= d
}
