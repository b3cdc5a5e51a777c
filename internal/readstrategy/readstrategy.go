// Package readstrategy implements the read-path coordinator: it classifies
// requested nodes by cache freshness, serves fresh/stale nodes from cache
// (scheduling a background refresh for stale ones), reads expired nodes
// synchronously, and deduplicates concurrent requests for the same node.
package readstrategy

import (
	"context"
	"sync"

	"github.com/nexus-edge/opcua-bridge/internal/cache"
	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/nexus-edge/opcua-bridge/internal/errorhandler"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Reader performs a synchronous batch read against the upstream.
type Reader interface {
	ReadNodes(ctx context.Context, nodeIDs []string) ([]domain.ReadResult, error)
}

// BackgroundScheduler schedules stale nodes for asynchronous refresh.
type BackgroundScheduler interface {
	ScheduleBatch(nodeIDs []string)
}

// Config holds the read strategy's concurrency control parameters.
type Config struct {
	ConcurrencyControlEnabled bool
	MaxConcurrentReads        int64
}

// DefaultConfig returns the documented default: concurrency control on,
// 10 concurrent synchronous reads.
func DefaultConfig() Config {
	return Config{ConcurrencyControlEnabled: true, MaxConcurrentReads: 10}
}

// Plan categorizes a batch of requested nodes by cache freshness.
type Plan struct {
	Fresh   []string
	Stale   []string
	Expired []string
}

// Total returns the number of nodes across all three buckets.
func (p Plan) Total() int { return len(p.Fresh) + len(p.Stale) + len(p.Expired) }

// inFlight tracks a read currently being performed for a node id, so
// concurrent requests for the same node share one upstream read instead of
// issuing N redundant ones.
type inFlight struct {
	done   chan struct{}
	result domain.ReadResult
}

// Strategy is the read-path coordinator. The zero value is not usable;
// construct with New.
type Strategy struct {
	cache     *cache.Cache
	reader    Reader
	scheduler BackgroundScheduler
	errors    *errorhandler.Handler
	logger    zerolog.Logger
	cfg       Config

	sem *semaphore.Weighted

	mu        sync.Mutex
	inflights map[string]*inFlight
}

// New builds a Strategy.
func New(cfg Config, c *cache.Cache, reader Reader, scheduler BackgroundScheduler, errHandler *errorhandler.Handler, logger zerolog.Logger) *Strategy {
	s := &Strategy{
		cache:     c,
		reader:    reader,
		scheduler: scheduler,
		errors:    errHandler,
		logger:    logger.With().Str("component", "read-strategy").Logger(),
		cfg:       cfg,
		inflights: make(map[string]*inFlight),
	}
	if cfg.MaxConcurrentReads > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConcurrentReads)
	}
	return s
}

// ProcessNodeRequest handles a single node id, preserving input order is
// trivial for a single node; it delegates to ProcessNodeRequests.
func (s *Strategy) ProcessNodeRequest(ctx context.Context, nodeID string) domain.ReadResult {
	results := s.ProcessNodeRequests(ctx, []string{nodeID})
	return results[0]
}

// ProcessNodeRequests classifies nodeIDs by freshness, serves fresh/stale
// entries from cache (scheduling a background refresh for stale ones), and
// performs a synchronous read for expired/missing entries. The returned
// slice preserves the input order (P2, spec.md §8).
func (s *Strategy) ProcessNodeRequests(ctx context.Context, nodeIDs []string) []domain.ReadResult {
	if len(nodeIDs) == 0 {
		return nil
	}

	plan := s.createPlan(nodeIDs)
	byNode := make(map[string]domain.ReadResult, len(nodeIDs))

	for _, r := range s.processFresh(plan.Fresh) {
		byNode[r.NodeID] = r
	}
	for _, r := range s.processStale(plan.Stale) {
		byNode[r.NodeID] = r
	}
	for _, r := range s.processExpired(ctx, plan.Expired) {
		byNode[r.NodeID] = r
	}

	out := make([]domain.ReadResult, len(nodeIDs))
	for i, id := range nodeIDs {
		out[i] = byNode[id]
	}
	return out
}

// createPlan classifies nodeIDs by cache freshness in one shared cache lock
// acquisition.
func (s *Strategy) createPlan(nodeIDs []string) Plan {
	var plan Plan
	for _, sr := range s.cache.GetManyWithStatus(nodeIDs) {
		switch sr.Status {
		case domain.Fresh:
			plan.Fresh = append(plan.Fresh, sr.NodeID)
		case domain.Stale:
			plan.Stale = append(plan.Stale, sr.NodeID)
		default:
			plan.Expired = append(plan.Expired, sr.NodeID)
		}
	}
	return plan
}

func (s *Strategy) processFresh(nodeIDs []string) []domain.ReadResult {
	return s.fromCache(nodeIDs)
}

func (s *Strategy) processStale(nodeIDs []string) []domain.ReadResult {
	if len(nodeIDs) > 0 && s.scheduler != nil {
		s.scheduler.ScheduleBatch(nodeIDs)
	}
	return s.fromCache(nodeIDs)
}

func (s *Strategy) fromCache(nodeIDs []string) []domain.ReadResult {
	results := make([]domain.ReadResult, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if e, ok := s.cache.Get(id); ok {
			results = append(results, domain.FromCacheEntry(e))
		}
	}
	return results
}

// processExpired performs a synchronous upstream read for every expired or
// missing node, deduplicating concurrent requests for the same node id and
// falling back to cached data through the error handler on failure.
func (s *Strategy) processExpired(ctx context.Context, nodeIDs []string) []domain.ReadResult {
	if len(nodeIDs) == 0 {
		return nil
	}

	results := make([]domain.ReadResult, 0, len(nodeIDs))
	toRead := make([]string, 0, len(nodeIDs))
	waiters := make(map[string]*inFlight)

	if s.cfg.ConcurrencyControlEnabled {
		s.mu.Lock()
		for _, id := range nodeIDs {
			if existing, busy := s.inflights[id]; busy {
				waiters[id] = existing
				continue
			}
			f := &inFlight{done: make(chan struct{})}
			s.inflights[id] = f
			toRead = append(toRead, id)
		}
		s.mu.Unlock()
	} else {
		toRead = nodeIDs
	}

	fresh := s.readAndUpdateCache(ctx, toRead)
	for _, r := range fresh {
		results = append(results, r)
	}

	if s.cfg.ConcurrencyControlEnabled {
		byNode := make(map[string]domain.ReadResult, len(fresh))
		for _, r := range fresh {
			byNode[r.NodeID] = r
		}

		s.mu.Lock()
		for _, id := range toRead {
			f := s.inflights[id]
			f.result = byNode[id]
			delete(s.inflights, id)
			close(f.done)
		}
		s.mu.Unlock()

		for id, f := range waiters {
			<-f.done
			results = append(results, withNodeID(f.result, id))
		}
	}

	return results
}

func withNodeID(r domain.ReadResult, nodeID string) domain.ReadResult {
	r.NodeID = nodeID
	return r
}

// readAndUpdateCache performs the actual synchronous read, acquiring the
// concurrency semaphore if configured, and applies the error handler's
// fallback policy on failure.
func (s *Strategy) readAndUpdateCache(ctx context.Context, nodeIDs []string) []domain.ReadResult {
	if len(nodeIDs) == 0 {
		return nil
	}

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return s.fallbackAll(nodeIDs, err)
		}
		defer s.sem.Release(1)
	}

	results, err := s.reader.ReadNodes(ctx, nodeIDs)
	if err != nil {
		return s.fallbackAll(nodeIDs, err)
	}

	// Snapshot any pre-existing cache entries for the failing nodes before
	// UpdateBatch writes this read's own Bad-status results over them —
	// otherwise the fallback lookup below would hand the error handler the
	// very entry the failing read just produced.
	priorCache := make(map[string]*domain.CacheEntry, len(results))
	for _, r := range results {
		if !r.Success {
			if e, ok := s.cache.Get(r.NodeID); ok {
				priorCache[r.NodeID] = e
			}
		}
	}

	s.cache.UpdateBatch(results)

	out := make([]domain.ReadResult, len(results))
	for i, r := range results {
		if r.Success {
			out[i] = r
			continue
		}
		out[i] = s.errors.HandleFailure(ctx, r.NodeID, asError(r.Reason), priorCache[r.NodeID])
	}
	return out
}

func (s *Strategy) fallbackAll(nodeIDs []string, err error) []domain.ReadResult {
	results := make([]domain.ReadResult, len(nodeIDs))
	for i, id := range nodeIDs {
		results[i] = domain.ErrorResult(id, err.Error())
	}
	return s.errors.HandlePartialBatchFailure(nodeIDs, results)
}

type resultError string

func (e resultError) Error() string { return string(e) }

func asError(reason string) error {
	if reason == "" {
		return resultError("unknown read failure")
	}
	return resultError(reason)
}
