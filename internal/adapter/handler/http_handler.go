package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

type HTTPHandler struct {
	ledger *service.Ledger
	logger *zap.Logger

	streams     context.Context
	stopStreams context.CancelFunc
}

func NewHTTPHandler(ledger *service.Ledger, logger *zap.Logger) *HTTPHandler {
	streams, stop := context.WithCancel(context.Background())
	return &HTTPHandler{
		ledger:      ledger,
		logger:      logger,
		streams:     streams,
		stopStreams: stop,
	}
}

// CloseStreams ends every open event stream. http.Server.Shutdown does not
// wait for them otherwise.
func (h *HTTPHandler) CloseStreams() {
	h.stopStreams()
}

func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/items", h.RegisterItem)
	mux.HandleFunc("GET /api/items/{id}", h.GetItem)
	mux.HandleFunc("DELETE /api/items/{id}", h.DeactivateItem)
	mux.HandleFunc("GET /api/items/{id}/history", h.QueryHistory)
	mux.HandleFunc("POST /api/deltas", h.SubmitDelta)
	mux.HandleFunc("POST /api/snapshots", h.Reconcile)
	mux.HandleFunc("GET /api/snapshots/{id}", h.GetSnapshot)
	mux.HandleFunc("POST /api/invoices", h.IngestInvoice)
	mux.HandleFunc("GET /api/stream", h.Stream)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (h *HTTPHandler) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var req ItemHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	item, err := h.ledger.RegisterItem(r.Context(), domain.Item{
		ID:       req.ID,
		Name:     req.Name,
		Unit:     req.Unit,
		Supplier: req.Supplier,
		Category: req.Category,
		Brand:    req.Brand,
		Quantity: req.Quantity,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newItemResponse(item))
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.ledger.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(item))
}

func (h *HTTPHandler) DeactivateItem(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Store.Deactivate(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) SubmitDelta(w http.ResponseWriter, r *http.Request) {
	var req DeltaHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}

	ack, err := h.ledger.Submit(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if ack.Status == domain.AckDuplicateIgnored {
		status = http.StatusOK
	}
	writeJSON(w, status, newAckResponse(ack))
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req SnapshotHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	results, err := h.ledger.Reconcile(r.Context(), req.toDomain())
	var partial *domain.ReconciliationPartialFailure
	if err != nil && !errors.As(err, &partial) {
		h.writeError(w, err)
		return
	}

	// A replayed id is reconciled against the snapshot stored first.
	snap, serr := h.ledger.Reconciler.Snapshot(r.Context(), req.ID)
	if serr != nil {
		h.writeError(w, serr)
		return
	}
	resp := SnapshotHTTPResponse{
		ID:            snap.ID,
		ReferenceTime: snap.ReferenceTime,
		Status:        string(snap.Status),
		Results:       newResultsResponse(results),
	}
	if partial == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Failures = make(map[string]string, len(partial.Failures))
	for id, ferr := range partial.Failures {
		resp.Failures[id] = ferr.Error()
	}
	writeJSON(w, http.StatusMultiStatus, resp)
}

func (h *HTTPHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, results, err := h.ledger.Reconciler.GetSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotHTTPResponse{
		ID:            snap.ID,
		ReferenceTime: snap.ReferenceTime,
		Status:        string(snap.Status),
		Results:       newResultsResponse(results),
	})
}

func (h *HTTPHandler) QueryHistory(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		h.writeError(w, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		h.writeError(w, err)
		return
	}

	entries, err := h.ledger.QueryHistory(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]HistoryEntryHTTPResponse, len(entries))
	for i, e := range entries {
		resp[i] = HistoryEntryHTTPResponse{
			Sequence:    e.Sequence,
			Change:      e.Change,
			Quantity:    e.Quantity,
			UnitCost:    e.UnitCost,
			Source:      string(e.Source),
			EffectiveAt: e.EffectiveAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) IngestInvoice(w http.ResponseWriter, r *http.Request) {
	var req InvoiceHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	report, err := h.ledger.Invoices.IngestInvoice(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	switch report.Status {
	case domain.IngestPartialFailure:
		status = http.StatusMultiStatus
	case domain.IngestFailure:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, newInvoiceResponse(report))
}

// Stream relays change events as server-sent events until the client goes
// away. Repeat ?item= to restrict the stream to some items.
func (h *HTTPHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorHTTPResponse{Error: "streaming unsupported"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.streams, cancel)
	defer stop()

	sub := h.ledger.Subscribe(service.WithItems(r.URL.Query()["item"]...))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range sub.All(ctx) {
		data, err := json.Marshal(ChangeEventHTTPResponse{
			Kind:      string(ev.Kind),
			ItemID:    ev.ItemID,
			Quantity:  ev.Quantity,
			Sequence:  ev.Sequence,
			Source:    string(ev.Source),
			Timestamp: ev.Timestamp,
			Dropped:   ev.Dropped,
		})
		if err != nil {
			h.logger.Error("failed to encode change event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: ve.Message, Field: ve.Field})
	case errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrSnapshotNotFound):
		writeJSON(w, http.StatusNotFound, ErrorHTTPResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrItemExists):
		writeJSON(w, http.StatusConflict, ErrorHTTPResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrProcessorClosed):
		writeJSON(w, http.StatusServiceUnavailable, ErrorHTTPResponse{Error: err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorHTTPResponse{Error: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: name, Message: "must be RFC 3339"}
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
