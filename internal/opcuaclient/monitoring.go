package opcuaclient

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-bridge/internal/domain"
)

// ChangeCallback is invoked for every data-change notification delivered by
// the server. nodeID is the string form the caller originally subscribed
// with; status/value/sourceTimestampMs are carried straight from the
// notification so the subscription manager can route them into the cache.
type ChangeCallback func(nodeID string, good bool, value string, sourceTimestampMs int64)

// StatusCallback is invoked when the subscription itself reports a status
// change (e.g. BadSubscriptionIdInvalid after a server-side restart).
type StatusCallback func(err error)

// subscribedMonitor bundles a monitor.Subscription with the reverse lookup
// the gopcua monitor package doesn't expose: client handle by node id string
// isn't needed since gopcua's Subscription already maps by *ua.NodeID
// string, but we keep our own mirror so RecreateAllMonitoredItems can
// re-issue the same node set after a reconnect without asking the caller
// to remember it.
type subscribedMonitor struct {
	sub   *monitor.Subscription
	nodes map[string]struct{}
}

// StartMonitoring opens one subscription on the connection with no nodes
// armed. Subsequent AddMonitoredItem/RemoveMonitoredItem calls arm and disarm
// nodes on this single subscription, matching the original
// implementation's one-subscription-per-connection model.
func (c *Client) StartMonitoring(ctx context.Context, onChange ChangeCallback, onStatus StatusCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nodeMon == nil {
		return domain.ErrConnectionClosed
	}

	cb := func(nid *ua.NodeID, dv *ua.DataValue) {
		if nid == nil || dv == nil {
			return
		}
		good := dv.Status == ua.StatusOK
		value := ""
		if dv.Value != nil {
			value = fmt.Sprintf("%v", dv.Value.Value())
		}
		onChange(nid.String(), good, value, sourceTimestampMillis(dv))
	}

	c.nodeMon.SetErrorHandler(func(_ *opcua.Client, _ *monitor.Subscription, err error) {
		c.MarkDisconnected()
		if onStatus != nil {
			onStatus(err)
		}
	})

	sub, err := c.nodeMon.Subscribe(ctx, cb)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSubscriptionFailed, err)
	}

	c.subMon = &subscribedMonitor{sub: sub, nodes: make(map[string]struct{})}
	return nil
}

// AddMonitoredItem arms a single node for server-side reporting.
func (c *Client) AddMonitoredItem(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subMon == nil {
		return domain.ErrServiceNotStarted
	}
	if !domain.ValidNodeID(nodeID) {
		return domain.ErrInvalidNodeID
	}

	if err := c.subMon.sub.AddNodes(nodeID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSubscriptionFailed, err)
	}
	c.subMon.nodes[nodeID] = struct{}{}
	return nil
}

// RemoveMonitoredItem disarms a node. It is a no-op if the node was not
// being monitored.
func (c *Client) RemoveMonitoredItem(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subMon == nil {
		return nil
	}
	if _, ok := c.subMon.nodes[nodeID]; !ok {
		return nil
	}

	if err := c.subMon.sub.RemoveNodes(nodeID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSubscriptionFailed, err)
	}
	delete(c.subMon.nodes, nodeID)
	return nil
}

// MonitoredNodes returns the node ids currently armed, for reconciliation
// passes and tests.
func (c *Client) MonitoredNodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subMon == nil {
		return nil
	}
	out := make([]string, 0, len(c.subMon.nodes))
	for id := range c.subMon.nodes {
		out = append(out, id)
	}
	return out
}

// RecreateAllMonitoredItems tears down the existing subscription, if any,
// and re-arms the same node set on a fresh one. This is what the
// reconnection manager calls once a dropped connection has been restored,
// since OPC UA subscriptions do not survive a session loss. It returns the
// ids that failed to re-arm, so the caller can drop them from its tracked
// set and clear their cache subscription flags instead of silently treating
// them as active.
func (c *Client) RecreateAllMonitoredItems(ctx context.Context, onChange ChangeCallback, onStatus StatusCallback) ([]string, error) {
	c.mu.Lock()
	var previous []string
	if c.subMon != nil {
		for id := range c.subMon.nodes {
			previous = append(previous, id)
		}
		_ = c.subMon.sub.Unsubscribe()
		c.subMon = nil
	}
	c.mu.Unlock()

	if err := c.StartMonitoring(ctx, onChange, onStatus); err != nil {
		return nil, err
	}

	var failed []string
	for _, id := range previous {
		if err := c.AddMonitoredItem(id); err != nil {
			c.logger.Warn().Str("node_id", id).Err(err).Msg("failed to re-arm monitored item after reconnect")
			failed = append(failed, id)
		}
	}
	return failed, nil
}
