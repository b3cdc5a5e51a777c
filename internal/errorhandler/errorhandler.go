// Package errorhandler classifies upstream OPC UA errors and decides
// whether to fall back to cached data, retry the connection, or surface an
// error to the caller.
package errorhandler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/rs/zerolog"
)

// Action is the outcome of classifying an error against cache availability.
type Action int

const (
	ReturnError Action = iota
	ReturnCached
	RetryConnection
)

func (a Action) String() string {
	switch a {
	case ReturnCached:
		return "RETURN_CACHED"
	case RetryConnection:
		return "RETRY_CONNECTION"
	default:
		return "RETURN_ERROR"
	}
}

// connectionMarkers and timeoutMarkers classify an error by substring match
// against its message, mirroring CacheErrorHandler::isConnectionError /
// isTimeoutError from the original implementation.
var connectionMarkers = []string{"connection", "connect", "disconnected", "network", "unreachable", "refused", "closed"}
var timeoutMarkers = []string{"timeout", "timed out", "time out"}

// IsConnectionError reports whether err's message matches a connection-class marker.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), connectionMarkers)
}

// IsTimeoutError reports whether err's message matches a timeout-class marker.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), timeoutMarkers)
}

// IsRecoverableError reports whether a retry might succeed: connection or
// timeout class errors are recoverable, anything else is not.
func IsRecoverableError(err error) bool {
	return IsConnectionError(err) || IsTimeoutError(err)
}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Reader performs a single synchronous read against the upstream, used to
// retry a node the Error Handler decided to retry.
type Reader interface {
	ReadNode(ctx context.Context, nodeID string) (domain.ReadResult, error)
}

// CacheStore is the subset of the cache the Error Handler needs: a fallback
// lookup for batch-level failures, and a write-back path for a successful
// retry.
type CacheStore interface {
	Get(nodeID string) (*domain.CacheEntry, bool)
	Update(nodeID, value, status, reason string, sourceTimestampMs int64)
}

// Config holds the retry and error-rate parameters (spec.md §6).
type Config struct {
	MaxRetryAttempts   int
	RetryDelay         time.Duration
	AutoRetryEnabled   bool
	ErrorRateThreshold float64 // errors per minute
}

// DefaultConfig returns the documented defaults: 3 retries, 1s delay,
// auto-retry on, 10 errors/minute threshold.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:   3,
		RetryDelay:         time.Second,
		AutoRetryEnabled:   true,
		ErrorRateThreshold: 10.0,
	}
}

// Stats is a snapshot of error-handler counters for telemetry.
type Stats struct {
	TotalErrors      uint64
	ConnectionErrors uint64
	CacheHitOnError  uint64
	CacheMissOnError uint64
	RetryAttempts    uint64
	ErrorRate        float64
	RateExceeded     bool
}

// Handler decides how to respond to an upstream read failure and tracks a
// sliding one-minute error rate. reader/cacheStore may be nil, which
// disables the retry path and batch cache-fallback lookups respectively
// (useful for unit-testing pure classification).
type Handler struct {
	cfg        Config
	reader     Reader
	cacheStore CacheStore
	logger     zerolog.Logger

	totalErrors      atomic.Uint64
	connectionErrors atomic.Uint64
	cacheHitOnError  atomic.Uint64
	cacheMissOnError atomic.Uint64
	retryAttempts    atomic.Uint64

	mu         sync.Mutex
	errorTimes []time.Time
}

// maxErrorTimestamps caps the sliding window's backing slice so a sustained
// error storm cannot grow it unbounded.
const maxErrorTimestamps = 100

// New builds a Handler. reader drives the retry path (RetryConnection
// action); cacheStore backs batch-level fallback lookups and retry
// write-back. Both may be nil.
func New(cfg Config, reader Reader, cacheStore CacheStore, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:        cfg,
		reader:     reader,
		cacheStore: cacheStore,
		logger:     logger.With().Str("component", "error-handler").Logger(),
	}
}

// DetermineAction decides the action for a failed read, per the original
// implementation's four-branch decision table: a connection-class error with
// cached data available returns cached data; a recoverable error (connection
// or timeout class) triggers a retry when auto-retry is enabled; absent
// that, a timeout-class error still falls back to cached data if available;
// anything else returns an error.
func (h *Handler) DetermineAction(nodeID string, err error, hasCachedData bool) Action {
	h.recordError(err)

	if hasCachedData && IsConnectionError(err) {
		return ReturnCached
	}
	if h.cfg.AutoRetryEnabled && IsRecoverableError(err) {
		return RetryConnection
	}
	if hasCachedData && IsTimeoutError(err) {
		return ReturnCached
	}
	return ReturnError
}

// HandleFailure classifies a single failed read against cached (which may be
// nil) and acts on the result, mirroring
// CacheErrorHandler::handleConnectionError. Unlike the original's fallthrough
// (RETURN_CACHED with no data falls through to RETURN_ERROR), DetermineAction
// never returns ReturnCached without hasCachedData, so the nil-cached guard
// below only matters for a caller passing an inconsistent cached pointer.
func (h *Handler) HandleFailure(ctx context.Context, nodeID string, err error, cached *domain.CacheEntry) domain.ReadResult {
	switch h.DetermineAction(nodeID, err, cached != nil) {
	case ReturnCached:
		if cached == nil {
			h.cacheMissOnError.Add(1)
			return domain.ErrorResult(nodeID, classifyReason(err))
		}
		h.cacheHitOnError.Add(1)
		return cachedFallback(nodeID, cached, "Connection Error - Using Cached Data")
	case RetryConnection:
		return h.attemptRetry(ctx, nodeID, cached)
	default:
		h.cacheMissOnError.Add(1)
		return domain.ErrorResult(nodeID, classifyReason(err))
	}
}

// attemptRetry re-reads nodeID up to MaxRetryAttempts times, waiting
// RetryDelay between attempts (not before the first), mirroring
// CacheErrorHandler::attemptRetry. A successful retry is written back to the
// cache; exhausting every attempt falls back to cached data one last time,
// or returns a plain error result if none exists.
func (h *Handler) attemptRetry(ctx context.Context, nodeID string, cached *domain.CacheEntry) domain.ReadResult {
	if h.reader == nil {
		h.cacheMissOnError.Add(1)
		return domain.ErrorResult(nodeID, "Retry Unavailable - No Reader Configured")
	}

	for attempt := 1; attempt <= h.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 1 && !sleepOrDone(ctx, h.cfg.RetryDelay) {
			break
		}
		h.RecordRetryAttempt()

		result, err := h.reader.ReadNode(ctx, nodeID)
		if err == nil && result.Success {
			if h.cacheStore != nil {
				h.cacheStore.Update(nodeID, result.Value, "Good", "", result.Timestamp)
			}
			return result
		}
		h.logger.Warn().Str("node_id", nodeID).Int("attempt", attempt).Err(err).Msg("retry attempt failed")
	}

	if cached != nil {
		h.cacheHitOnError.Add(1)
		return cachedFallback(nodeID, cached, "All retry attempts failed - Using Cached Data")
	}
	h.cacheMissOnError.Add(1)
	return domain.ErrorResult(nodeID, fmt.Sprintf("Connection failed after %d retry attempts", h.cfg.MaxRetryAttempts))
}

func cachedFallback(nodeID string, cached *domain.CacheEntry, prefix string) domain.ReadResult {
	age := cached.Age().Round(time.Second).Seconds()
	return domain.ReadResult{
		NodeID:    nodeID,
		Success:   true,
		Value:     cached.Value,
		Reason:    fmt.Sprintf("%s (age: %.0fs)", prefix, age),
		Timestamp: cached.SourceTimestamp,
	}
}

func classifyReason(err error) string {
	switch {
	case err == nil:
		return "Unknown Error"
	case IsConnectionError(err):
		return "Connection Error - No Cached Data Available"
	case IsTimeoutError(err):
		return "Timeout Error"
	default:
		return err.Error()
	}
}

// HandlePartialBatchFailure applies per-node cache fallback to a batch where
// every result already reflects a whole-batch-level failure (none of them
// have been written to the cache yet), mirroring
// CacheErrorHandler::handlePartialBatchFailure. It looks up the cache itself
// per node, since these results are known not to have touched it.
func (h *Handler) HandlePartialBatchFailure(nodeIDs []string, results []domain.ReadResult) []domain.ReadResult {
	if len(nodeIDs) != len(results) {
		h.logger.Error().Int("node_ids", len(nodeIDs)).Int("results", len(results)).Msg("node id / result count mismatch in batch failure handling")
		return results
	}

	out := make([]domain.ReadResult, len(results))
	for i, r := range results {
		if r.Success {
			out[i] = r
			continue
		}
		if h.cacheStore == nil {
			h.cacheMissOnError.Add(1)
			out[i] = r
			continue
		}
		cached, ok := h.cacheStore.Get(nodeIDs[i])
		if !ok {
			h.cacheMissOnError.Add(1)
			out[i] = r
			continue
		}
		h.cacheHitOnError.Add(1)
		out[i] = cachedFallback(nodeIDs[i], cached, "Batch Read Failed - Using Cached Data")
	}
	return out
}

func (h *Handler) recordError(err error) {
	h.totalErrors.Add(1)
	if IsConnectionError(err) {
		h.connectionErrors.Add(1)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.errorTimes = append(h.errorTimes, now)
	cutoff := now.Add(-time.Minute)

	kept := h.errorTimes[:0]
	for _, t := range h.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.errorTimes = kept

	if len(h.errorTimes) > maxErrorTimestamps {
		h.errorTimes = h.errorTimes[len(h.errorTimes)-maxErrorTimestamps:]
	}
}

// RecordRetryAttempt is incremented once per retry performed by
// attemptRetry, so the error handler's stats reflect overall retry activity.
func (h *Handler) RecordRetryAttempt() {
	h.retryAttempts.Add(1)
}

// Stats returns a snapshot of error-handler counters, including the current
// error rate and whether it exceeds the configured threshold.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	rate := float64(len(h.errorTimes))
	h.mu.Unlock()

	return Stats{
		TotalErrors:      h.totalErrors.Load(),
		ConnectionErrors: h.connectionErrors.Load(),
		CacheHitOnError:  h.cacheHitOnError.Load(),
		CacheMissOnError: h.cacheMissOnError.Load(),
		RetryAttempts:    h.retryAttempts.Load(),
		ErrorRate:        rate,
		RateExceeded:     rate > h.cfg.ErrorRateThreshold,
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
