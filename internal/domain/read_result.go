package domain

import "time"

// ReadResult is the outcome of reading one node, whether served from cache,
// read synchronously from the upstream, or filled in by the error handler's
// fallback. It is the unit the read strategy and HTTP glue exchange.
type ReadResult struct {
	NodeID    string `json:"nodeId"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"` // Unix millis
}

// TimestampISO renders Timestamp as RFC3339 with millisecond precision, for
// the JSON envelope's "timestamp_iso" field.
func (r ReadResult) TimestampISO() string {
	return time.UnixMilli(r.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z")
}

// Quality renders "good"/"bad" for the JSON envelope's "quality" field.
func (r ReadResult) Quality() string {
	if r.Success {
		return "good"
	}
	return "bad"
}

// FromCacheEntry builds a ReadResult view of a cache entry.
func FromCacheEntry(e *CacheEntry) ReadResult {
	return ReadResult{
		NodeID:    e.NodeID,
		Success:   e.Status == "Good",
		Reason:    e.Reason,
		Value:     e.Value,
		Timestamp: e.SourceTimestamp,
	}
}

// ErrorResult builds a failed ReadResult with the current wall-clock time as
// its timestamp (there is no source timestamp to report).
func ErrorResult(nodeID, reason string) ReadResult {
	return ReadResult{
		NodeID:    nodeID,
		Success:   false,
		Reason:    reason,
		Value:     "",
		Timestamp: time.Now().UnixMilli(),
	}
}
