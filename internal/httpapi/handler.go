// Package httpapi is the glue HTTP handler that translates the querystring
// read contract (spec.md §6) into a ReadStrategy call and back into JSON. It
// carries no cache, subscription, or reconnection logic of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nexus-edge/opcua-bridge/internal/domain"
	"github.com/rs/zerolog"
)

// Strategy performs the classify/cache/read-through work for a batch of
// node ids, preserving input order.
type Strategy interface {
	ProcessNodeRequests(ctx context.Context, nodeIDs []string) []domain.ReadResult
}

// Handler serves the read endpoint.
type Handler struct {
	strategy Strategy
	logger   zerolog.Logger
}

// New builds a Handler.
func New(strategy Strategy, logger zerolog.Logger) *Handler {
	return &Handler{strategy: strategy, logger: logger.With().Str("component", "http-api").Logger()}
}

// resultEnvelope is the JSON response shape from spec.md §6.
type resultEnvelope struct {
	ReadResults []readResultView `json:"readResults"`
	Timestamp   int64            `json:"timestamp"`
	Count       int              `json:"count"`
	Metadata    metadata         `json:"metadata"`
}

type readResultView struct {
	NodeID       string `json:"nodeId"`
	Success      bool   `json:"success"`
	Reason       string `json:"reason"`
	Value        string `json:"value"`
	Timestamp    int64  `json:"timestamp"`
	TimestampISO string `json:"timestamp_iso"`
	Quality      string `json:"quality"`
}

type metadata struct {
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`
}

// ReadHandler implements GET /read?nodeIds=ns=2;s=a,ns=2;s=b.
func (h *Handler) ReadHandler(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("nodeIds")
	if raw == "" {
		http.Error(w, "nodeIds query parameter is required", http.StatusBadRequest)
		return
	}

	ids := strings.Split(raw, ",")
	for i, id := range ids {
		ids[i] = strings.TrimSpace(id)
		if !domain.ValidNodeID(ids[i]) {
			http.Error(w, "invalid node id: "+ids[i], http.StatusBadRequest)
			return
		}
	}

	results := h.strategy.ProcessNodeRequests(r.Context(), ids)

	views := make([]readResultView, len(results))
	meta := metadata{}
	for i, res := range results {
		views[i] = readResultView{
			NodeID:       res.NodeID,
			Success:      res.Success,
			Reason:       res.Reason,
			Value:        res.Value,
			Timestamp:    res.Timestamp,
			TimestampISO: res.TimestampISO(),
			Quality:      res.Quality(),
		}
		if res.Success {
			meta.SuccessCount++
		} else {
			meta.ErrorCount++
		}
	}

	envelope := resultEnvelope{
		ReadResults: views,
		Timestamp:   time.Now().UnixMilli(),
		Count:       len(views),
		Metadata:    meta,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode read response")
	}
}
