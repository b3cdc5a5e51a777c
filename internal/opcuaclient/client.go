// Package opcuaclient wraps a gopcua client and NodeMonitor subscription
// helper behind the small surface the rest of the bridge needs: synchronous
// batch reads guarded by a circuit breaker, and monitored-item lifecycle for
// the subscription manager.
package opcuaclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Config holds the parameters needed to dial and authenticate against an
// OPC UA server.
type Config struct {
	Endpoint       string
	SecurityPolicy string
	SecurityMode   string
	Username       string
	Password       string
	ReadTimeout    time.Duration
	SessionTimeout time.Duration

	// BatchSize caps how many node ids are sent in a single ua.ReadRequest;
	// ReadNodes chunks larger batches into sequential requests of this size.
	// A value <= 0 disables chunking.
	BatchSize int

	// BreakerMaxRequests, BreakerInterval and BreakerTimeout configure the
	// circuit breaker wrapping synchronous reads.
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns conservative defaults for the breaker and timeouts.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:           endpoint,
		SecurityPolicy:     "None",
		SecurityMode:       "None",
		ReadTimeout:        2 * time.Second,
		SessionTimeout:     30 * time.Minute,
		BatchSize:          50,
		BreakerMaxRequests: 1,
		BreakerInterval:    10 * time.Second,
		BreakerTimeout:     5 * time.Second,
	}
}

// Client is the adapter's handle on the OPC UA connection: a wire client, a
// NodeMonitor for subscriptions, and a breaker guarding synchronous reads
// from hammering a server that is already failing.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	client  *opcua.Client
	nodeMon *monitor.NodeMonitor
	subMon  *subscribedMonitor

	connected atomic.Bool
	breaker   *gobreaker.CircuitBreaker
}

// New builds a Client; it does not dial until Connect is called.
func New(cfg Config, logger zerolog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "opcua-client").Logger(),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "opcua-read",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return c
}

func (c *Client) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityPolicy(c.cfg.SecurityPolicy),
		opcua.SecurityModeString(c.cfg.SecurityMode),
		opcua.SessionTimeout(c.cfg.SessionTimeout),
	}
	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	}
	return opts
}

// Connect dials the configured endpoint and starts a session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	cl, err := opcua.NewClient(c.cfg.Endpoint, c.clientOptions()...)
	if err != nil {
		return fmt.Errorf("%w: building client: %v", domain.ErrConnectionClosed, err)
	}

	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}

	nodeMon, err := monitor.New(cl)
	if err != nil {
		cl.Close(ctx)
		return fmt.Errorf("%w: building node monitor: %v", domain.ErrSubscriptionFailed, err)
	}

	c.client = cl
	c.nodeMon = nodeMon
	c.connected.Store(true)

	c.logger.Info().Str("endpoint", c.cfg.Endpoint).Msg("connected to OPC UA server")
	return nil
}

// Disconnect closes the session. It is safe to call when already disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}

	c.connected.Store(false)
	var err error
	if c.client != nil {
		err = c.client.Close(ctx)
	}
	c.client = nil
	c.nodeMon = nil

	c.logger.Info().Msg("disconnected from OPC UA server")
	return err
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// MarkDisconnected is called when a synchronous read fails (readNodesOnce)
// and from the node monitor's error handler (StartMonitoring), so subsequent
// reads fail fast instead of dialing the breaker open on every call and the
// reconnection manager's IsConnected poll sees the drop.
func (c *Client) MarkDisconnected() {
	c.connected.Store(false)
}

// ReadNode performs a single synchronous read through the circuit breaker.
func (c *Client) ReadNode(ctx context.Context, nodeID string) (domain.ReadResult, error) {
	results, err := c.ReadNodes(ctx, []string{nodeID})
	if err != nil {
		return domain.ReadResult{}, err
	}
	return results[0], nil
}

// ReadNodes performs a batch synchronous read of AttributeIDValue for each
// node, through the circuit breaker. A breaker trip or connection error
// returns before any server round-trip is attempted. Batches larger than
// cfg.BatchSize are split into sequential chunked requests.
func (c *Client) ReadNodes(ctx context.Context, nodeIDs []string) ([]domain.ReadResult, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	if !c.IsConnected() {
		return nil, domain.ErrConnectionClosed
	}

	chunks := chunkNodeIDs(nodeIDs, c.cfg.BatchSize)
	if len(chunks) == 1 {
		return c.readBatch(ctx, chunks[0])
	}

	out := make([]domain.ReadResult, 0, len(nodeIDs))
	for _, chunk := range chunks {
		results, err := c.readBatch(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

// chunkNodeIDs splits nodeIDs into groups of at most batchSize. A
// non-positive batchSize disables chunking (a single group is returned).
func chunkNodeIDs(nodeIDs []string, batchSize int) [][]string {
	if batchSize <= 0 || len(nodeIDs) <= batchSize {
		return [][]string{nodeIDs}
	}

	chunks := make([][]string, 0, (len(nodeIDs)+batchSize-1)/batchSize)
	for start := 0; start < len(nodeIDs); start += batchSize {
		end := start + batchSize
		if end > len(nodeIDs) {
			end = len(nodeIDs)
		}
		chunks = append(chunks, nodeIDs[start:end])
	}
	return chunks
}

// readBatch sends a single chunk through the circuit breaker.
func (c *Client) readBatch(ctx context.Context, nodeIDs []string) ([]domain.ReadResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.readNodesOnce(ctx, nodeIDs)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
		}
		return nil, err
	}
	return out.([]domain.ReadResult), nil
}

func (c *Client) readNodesOnce(ctx context.Context, nodeIDs []string) ([]domain.ReadResult, error) {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()

	if cl == nil {
		return nil, domain.ErrConnectionClosed
	}

	toRead := make([]*ua.ReadValueID, 0, len(nodeIDs))
	valid := make([]string, 0, len(nodeIDs))
	results := make([]domain.ReadResult, 0, len(nodeIDs))

	for _, id := range nodeIDs {
		nid, err := ua.ParseNodeID(id)
		if err != nil {
			results = append(results, domain.ErrorResult(id, "Invalid Node ID"))
			continue
		}
		toRead = append(toRead, &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeIDValue})
		valid = append(valid, id)
	}

	if len(toRead) == 0 {
		return results, nil
	}

	readCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.ReadTimeout > 0 {
		readCtx, cancel = context.WithTimeout(ctx, c.cfg.ReadTimeout)
		defer cancel()
	}

	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        toRead,
	}

	resp, err := cl.Read(readCtx, req)
	if err != nil {
		c.MarkDisconnected()
		return nil, classifyReadError(err)
	}

	for i, dv := range resp.Results {
		id := valid[i]
		if dv.Status != ua.StatusOK {
			results = append(results, domain.ErrorResult(id, dv.Status.Error()))
			continue
		}
		results = append(results, domain.ReadResult{
			NodeID:    id,
			Success:   true,
			Value:     fmt.Sprintf("%v", dv.Value.Value()),
			Timestamp: sourceTimestampMillis(dv),
		})
	}

	return results, nil
}

func sourceTimestampMillis(dv *ua.DataValue) int64 {
	if dv.SourceTimestamp.IsZero() {
		return time.Now().UnixMilli()
	}
	return dv.SourceTimestamp.UnixMilli()
}

func classifyReadError(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
}
