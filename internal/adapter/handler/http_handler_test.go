package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

func newTestServer(t *testing.T) (*httptest.Server, *HTTPHandler) {
	t.Helper()
	repo := storage.NewMemoryAdapter()
	ledger := service.New(repo, repo)
	h := NewHTTPHandler(ledger, zap.NewNop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		h.CloseStreams()
		srv.Close()
		ledger.Close()
	})
	return srv, h
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTP_ScenarioEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL

	var item ItemHTTPResponse
	status := doJSON(t, http.MethodPost, base+"/api/items", map[string]any{
		"id": "X", "name": "Olive oil", "unit": "l", "quantity": "50",
	}, &item)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, uint64(0), item.Sequence)

	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	t3 := t1.Add(2 * time.Hour)

	var ack AckHTTPResponse
	status = doJSON(t, http.MethodPost, base+"/api/deltas", map[string]any{
		"item_id": "X", "change": 100, "source": "invoice", "idempotency_key": "inv-1", "occurred_at": t1,
	}, &ack)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "applied", ack.Status)
	assert.Equal(t, "150", ack.Quantity.String())

	status = doJSON(t, http.MethodPost, base+"/api/deltas", map[string]any{
		"item_id": "X", "change": 100, "source": "invoice", "idempotency_key": "inv-1", "occurred_at": t1,
	}, &ack)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate_ignored", ack.Status)
	assert.Equal(t, uint64(1), ack.Sequence)

	status = doJSON(t, http.MethodPost, base+"/api/deltas", map[string]any{
		"item_id": "X", "change": "-30", "source": "pos", "idempotency_key": "sale-1", "occurred_at": t3,
	}, &ack)
	require.Equal(t, http.StatusCreated, status)

	var snap SnapshotHTTPResponse
	status = doJSON(t, http.MethodPost, base+"/api/snapshots", map[string]any{
		"id":             "count-1",
		"reference_time": t1.Add(time.Hour),
		"counts":         []map[string]any{{"item_id": "X", "counted": "110"}},
	}, &snap)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "shrinkage", snap.Results[0].Classification)
	assert.Equal(t, "-40", snap.Results[0].Variance.String())
	assert.Equal(t, uint64(3), snap.Results[0].CorrectionSequence)

	status = doJSON(t, http.MethodGet, base+"/api/items/X", nil, &item)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "80", item.Quantity.String())
	assert.Equal(t, uint64(3), item.Sequence)

	status = doJSON(t, http.MethodGet, base+"/api/snapshots/count-1", nil, &snap)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "reconciled", snap.Status)

	var history []HistoryEntryHTTPResponse
	status = doJSON(t, http.MethodGet, base+"/api/items/X/history?from="+t3.Format(time.RFC3339), nil, &history)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, history, 1)
	assert.Equal(t, "pos", history[0].Source)
}

func TestHTTP_Errors(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL

	var e ErrorHTTPResponse
	status := doJSON(t, http.MethodGet, base+"/api/items/nope", nil, &e)
	assert.Equal(t, http.StatusNotFound, status)

	status = doJSON(t, http.MethodPost, base+"/api/deltas", map[string]any{
		"item_id": "X", "change": 1, "source": "pos",
	}, &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "idempotency_key", e.Field)

	status = doJSON(t, http.MethodPost, base+"/api/items", map[string]any{"id": "dup"}, nil)
	require.Equal(t, http.StatusCreated, status)
	status = doJSON(t, http.MethodPost, base+"/api/items", map[string]any{"id": "dup"}, &e)
	assert.Equal(t, http.StatusConflict, status)

	status = doJSON(t, http.MethodGet, base+"/api/items/dup/history?from=yesterday", nil, &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "from", e.Field)

	status = doJSON(t, http.MethodGet, base+"/api/snapshots/none", nil, &e)
	assert.Equal(t, http.StatusNotFound, status)

	resp, err := http.Post(base+"/api/deltas", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, base+"/api/items/dup", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHTTP_SnapshotReplayKeepsStoredReferenceTime(t *testing.T) {
	srv, _ := newTestServer(t)
	first := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	var snap SnapshotHTTPResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/api/snapshots", map[string]any{
		"id":             "count-7",
		"reference_time": first,
		"counts":         []map[string]any{{"item_id": "Y", "counted": "4"}},
	}, &snap)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, snap.ReferenceTime.Equal(first))

	status = doJSON(t, http.MethodPost, srv.URL+"/api/snapshots", map[string]any{
		"id":             "count-7",
		"reference_time": first.Add(24 * time.Hour),
		"counts":         []map[string]any{{"item_id": "Y", "counted": "9"}},
	}, &snap)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, snap.ReferenceTime.Equal(first), "got %s", snap.ReferenceTime)
	assert.Equal(t, "reconciled", snap.Status)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "4", snap.Results[0].Counted.String())
}

func TestHTTP_RejectsUnstorableInput(t *testing.T) {
	srv, _ := newTestServer(t)

	var e ErrorHTTPResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/api/deltas", map[string]any{
		"item_id": "Z", "change": "0.00005", "source": "pos", "idempotency_key": "k1",
	}, &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "change", e.Field)

	status = doJSON(t, http.MethodPost, srv.URL+"/api/items", map[string]any{"id": "a\x00b"}, &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "id", e.Field)

	status = doJSON(t, http.MethodGet, srv.URL+"/api/items/Z", nil, &e)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHTTP_Invoice(t *testing.T) {
	srv, _ := newTestServer(t)

	body := map[string]any{
		"invoice_number": "INV-7",
		"supplier":       "Sysco",
		"lines": []map[string]any{
			{"item_number": "1", "item_name": "Barilla/Penne", "category": "Dry goods", "unit": "case", "units_ordered": "2", "unit_cost": "18.5", "case_price": "37"},
			{"item_number": "2", "item_name": "Nothing", "units_ordered": "1", "unit_cost": "1", "case_price": "1"},
		},
	}
	var report InvoiceHTTPResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/api/invoices", body, &report)
	assert.Equal(t, http.StatusMultiStatus, status)
	assert.Equal(t, "partial_failure", report.Status)
	assert.Equal(t, 1, report.Applied)
	require.Len(t, report.Lines, 2)
	assert.Equal(t, "applied", report.Lines[0].Status)
	assert.NotEmpty(t, report.Lines[1].Error)
}

func TestHTTP_Stream(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?item=s", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	for i, key := range []string{"a", "b"} {
		status := doJSON(t, http.MethodPost, srv.URL+"/api/deltas", map[string]any{
			"item_id": "s", "change": i + 1, "source": "pos", "idempotency_key": key,
		}, nil)
		require.Equal(t, http.StatusCreated, status)
	}
	doJSON(t, http.MethodPost, srv.URL+"/api/deltas", map[string]any{
		"item_id": "other", "change": 1, "source": "pos", "idempotency_key": "x",
	}, nil)

	reader := bufio.NewReader(resp.Body)
	var events []ChangeEventHTTPResponse
	for len(events) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			var ev ChangeEventHTTPResponse
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			events = append(events, ev)
		}
	}
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Equal(t, "3", events[1].Quantity.String())
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]string
	status := doJSON(t, http.MethodGet, srv.URL+"/health", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
