// Package updater implements the background cache refresh worker pool: a
// bounded queue with duplicate suppression feeding a small pool of workers
// that read stale nodes from the upstream and write the result back into
// the cache.
package updater

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/cache"
	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/rs/zerolog"
)

// Reader is the subset of the OPC UA adapter the updater needs.
type Reader interface {
	ReadNode(ctx context.Context, nodeID string) (domain.ReadResult, error)
}

// Config holds the worker pool's sizing and timeout parameters (spec.md §6).
type Config struct {
	WorkerCount    int
	QueueCapacity  int
	PerReadTimeout time.Duration
}

// DefaultConfig returns the documented defaults: 3 workers, 1000-entry
// queue, 5s per-read timeout.
func DefaultConfig() Config {
	return Config{
		WorkerCount:    3,
		QueueCapacity:  1000,
		PerReadTimeout: 5 * time.Second,
	}
}

// Stats is a snapshot of updater counters for telemetry.
type Stats struct {
	Total      uint64
	Successful uint64
	Failed     uint64
	Duplicate  uint64
	Dropped    uint64
	Queued     int
}

// Updater owns the refresh queue and worker pool. The zero value is not
// usable; construct with New.
type Updater struct {
	cfg    Config
	cache  *cache.Cache
	reader Reader
	logger zerolog.Logger

	queue chan string

	pendingMu sync.Mutex
	pending   map[string]struct{}

	running atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	duplicate  atomic.Uint64
	dropped    atomic.Uint64
}

// New builds an Updater. Start must be called before Schedule has any effect.
func New(cfg Config, c *cache.Cache, reader Reader, logger zerolog.Logger) *Updater {
	return &Updater{
		cfg:     cfg,
		cache:   c,
		reader:  reader,
		logger:  logger.With().Str("component", "background-updater").Logger(),
		queue:   make(chan string, cfg.QueueCapacity),
		pending: make(map[string]struct{}),
	}
}

// Start launches the worker pool. It is idempotent.
func (u *Updater) Start(ctx context.Context) {
	if !u.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	for i := 0; i < u.cfg.WorkerCount; i++ {
		u.wg.Add(1)
		go u.worker(ctx, i)
	}
	u.logger.Info().Int("workers", u.cfg.WorkerCount).Msg("background updater started")
}

// Stop cancels the workers' context and waits for every worker to exit. Node
// ids still in the queue are not processed or discarded, and the pending set
// is not cleared.
func (u *Updater) Stop() {
	if !u.running.CompareAndSwap(true, false) {
		return
	}
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
	u.logger.Info().Msg("background updater stopped")
}

// Schedule enqueues a single node for background refresh. A node already
// pending is counted as a duplicate and not re-enqueued (P4, spec.md §8). A
// full queue drops the request rather than blocking the caller, since the
// caller is on the hot read path.
func (u *Updater) Schedule(nodeID string) {
	u.scheduleOne(nodeID)
}

// ScheduleBatch enqueues multiple nodes, applying the same dedup/drop policy
// as Schedule to each.
func (u *Updater) ScheduleBatch(nodeIDs []string) {
	for _, id := range nodeIDs {
		u.scheduleOne(id)
	}
}

func (u *Updater) scheduleOne(nodeID string) {
	if !u.running.Load() {
		return
	}

	u.pendingMu.Lock()
	if _, exists := u.pending[nodeID]; exists {
		u.pendingMu.Unlock()
		u.duplicate.Add(1)
		return
	}
	u.pending[nodeID] = struct{}{}
	u.pendingMu.Unlock()

	select {
	case u.queue <- nodeID:
	default:
		u.pendingMu.Lock()
		delete(u.pending, nodeID)
		u.pendingMu.Unlock()
		u.dropped.Add(1)
		u.logger.Warn().Str("node_id", nodeID).Msg("background update queue full, dropping request")
	}
}

func (u *Updater) worker(ctx context.Context, id int) {
	defer u.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case nodeID, ok := <-u.queue:
			if !ok {
				return
			}
			u.process(ctx, nodeID)
		}
	}
}

func (u *Updater) process(ctx context.Context, nodeID string) {
	defer func() {
		u.pendingMu.Lock()
		delete(u.pending, nodeID)
		u.pendingMu.Unlock()
	}()

	u.total.Add(1)

	readCtx, cancel := context.WithTimeout(ctx, u.cfg.PerReadTimeout)
	defer cancel()

	result, err := u.reader.ReadNode(readCtx, nodeID)
	if err != nil {
		u.failed.Add(1)
		u.logger.Debug().Str("node_id", nodeID).Err(err).Msg("background refresh failed")
		return
	}

	u.cache.UpdateBatch([]domain.ReadResult{result})
	u.successful.Add(1)
}

// Stats returns a snapshot of updater counters.
func (u *Updater) Stats() Stats {
	u.pendingMu.Lock()
	queued := len(u.pending)
	u.pendingMu.Unlock()

	return Stats{
		Total:      u.total.Load(),
		Successful: u.successful.Load(),
		Failed:     u.failed.Load(),
		Duplicate:  u.duplicate.Load(),
		Dropped:    u.dropped.Load(),
		Queued:     queued,
	}
}
