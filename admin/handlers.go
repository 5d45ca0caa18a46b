package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/encoding"
	"github.com/maxpert/repubsub/pubsub"
	"github.com/maxpert/repubsub/store"
)

// AdminHandlers handles admin API endpoints over the backing store
type AdminHandlers struct {
	store  store.Store
	nodeID uint64
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(st store.Store, nodeID uint64) *AdminHandlers {
	return &AdminHandlers{
		store:  st,
		nodeID: nodeID,
	}
}

// exchangeSummary is one row of the exchange listing
type exchangeSummary struct {
	Name    string `json:"name"`
	Records int64  `json:"records"`
	Streams int    `json:"streams"`
}

// exchangeRecord is the JSON form of one stored publication. Topic carries
// the shape-native form (string, tag array or category map); Subject is the
// flattened dotted rendering.
type exchangeRecord struct {
	Topic   pubsub.Key `json:"topic"`
	Subject string     `json:"subject"`
	Payload any        `json:"payload"`
	Changed string     `json:"changed"`
}

// handleHealth reports liveness
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"status":  "ok",
		"node_id": h.nodeID,
	}, false, "")
}

// handleListExchanges returns every exchange with record and stream counts
func (h *AdminHandlers) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.Tables(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	summaries := make([]exchangeSummary, 0, len(names))
	for _, name := range names {
		stats, err := h.store.Stats(r.Context(), name)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		summaries = append(summaries, exchangeSummary{
			Name:    name,
			Records: stats.Records,
			Streams: stats.Streams,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	writeJSONResponse(w, summaries, false, "")
}

// handleExchangeDetail returns stats for a single exchange
func (h *AdminHandlers) handleExchangeDetail(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "exchange")

	stats, err := h.store.Stats(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNoTable) {
			writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("exchange '%s' not found", name))
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, exchangeSummary{
		Name:    name,
		Records: stats.Records,
		Streams: stats.Streams,
	}, false, "")
}

// handleExchangeRecords returns the latest value per topic. The exchange
// collection is a last-value cache: one row per distinct topic, each row
// the most recent publication.
func (h *AdminHandlers) handleExchangeRecords(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "exchange")

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// Fetch one past the limit to learn whether more rows exist
	records, err := h.store.Scan(r.Context(), name, limit+1)
	if err != nil {
		if errors.Is(err, store.ErrNoTable) {
			writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("exchange '%s' not found", name))
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	out := make([]exchangeRecord, 0, len(records))
	for _, rec := range records {
		key, err := pubsub.KeyFromBytes(rec.Topic)
		if err != nil {
			// Row written by a foreign producer; not ours to render
			log.Warn().Err(err).Str("exchange", name).Msg("Skipping record with undecodable topic")
			continue
		}

		entry := exchangeRecord{
			Topic:   key,
			Subject: key.Subject(),
			Changed: rec.Changed,
		}
		var payload any
		if err := decodePayload(rec.Payload, &payload); err != nil {
			payload = rec.Payload
		}
		entry.Payload = payload
		out = append(out, entry)
	}

	lastKey := ""
	if hasMore && len(out) > 0 {
		lastKey = out[len(out)-1].Subject
	}
	writeJSONResponse(w, out, hasMore, lastKey)
}

// decodePayload unpacks a stored payload the way subscribers do
func decodePayload(b []byte, v any) error {
	return encoding.Unmarshal(b, v)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}
