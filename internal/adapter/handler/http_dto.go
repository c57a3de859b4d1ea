package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

type ItemHTTPRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Unit     string          `json:"unit"`
	Supplier string          `json:"supplier"`
	Category string          `json:"category"`
	Brand    string          `json:"brand"`
	Quantity decimal.Decimal `json:"quantity"`
}

type ItemHTTPResponse struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Unit         string           `json:"unit"`
	Supplier     string           `json:"supplier,omitempty"`
	Category     string           `json:"category,omitempty"`
	Brand        string           `json:"brand,omitempty"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Sequence     uint64           `json:"sequence"`
	LastUnitCost *decimal.Decimal `json:"last_unit_cost,omitempty"`
	Active       bool             `json:"active"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func newItemResponse(it *domain.Item) ItemHTTPResponse {
	return ItemHTTPResponse{
		ID:           it.ID,
		Name:         it.Name,
		Unit:         it.Unit,
		Supplier:     it.Supplier,
		Category:     it.Category,
		Brand:        it.Brand,
		Quantity:     it.Quantity,
		Sequence:     it.Sequence,
		LastUnitCost: it.LastUnitCost,
		Active:       it.Active,
		CreatedAt:    it.CreatedAt,
		UpdatedAt:    it.UpdatedAt,
	}
}

type DeltaHTTPRequest struct {
	ItemID         string           `json:"item_id"`
	Change         decimal.Decimal  `json:"change"`
	Source         string           `json:"source"`
	IdempotencyKey string           `json:"idempotency_key"`
	OccurredAt     time.Time        `json:"occurred_at"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
	Note           string           `json:"note,omitempty"`
}

func (r DeltaHTTPRequest) toDomain() domain.Delta {
	return domain.Delta{
		ItemID:         r.ItemID,
		Change:         r.Change,
		Source:         domain.Source(r.Source),
		IdempotencyKey: r.IdempotencyKey,
		OccurredAt:     r.OccurredAt,
		UnitCost:       r.UnitCost,
		Note:           r.Note,
	}
}

type AckHTTPResponse struct {
	Status   string          `json:"status"`
	ItemID   string          `json:"item_id"`
	Sequence uint64          `json:"sequence"`
	Quantity decimal.Decimal `json:"quantity"`
	Warning  string          `json:"warning,omitempty"`
}

func newAckResponse(a domain.Ack) AckHTTPResponse {
	return AckHTTPResponse{
		Status:   string(a.Status),
		ItemID:   a.ItemID,
		Sequence: a.Sequence,
		Quantity: a.Quantity,
		Warning:  string(a.Warning),
	}
}

type CountHTTPRequest struct {
	ItemID  string          `json:"item_id"`
	Counted decimal.Decimal `json:"counted"`
}

type SnapshotHTTPRequest struct {
	ID            string             `json:"id"`
	ReferenceTime time.Time          `json:"reference_time"`
	Counts        []CountHTTPRequest `json:"counts"`
}

func (r SnapshotHTTPRequest) toDomain() domain.CountSnapshot {
	s := domain.CountSnapshot{
		ID:            r.ID,
		ReferenceTime: r.ReferenceTime,
		Counts:        make([]domain.Count, len(r.Counts)),
	}
	for i, c := range r.Counts {
		s.Counts[i] = domain.Count{ItemID: c.ItemID, Counted: c.Counted}
	}
	return s
}

type ResultHTTPResponse struct {
	ItemID             string          `json:"item_id"`
	Expected           decimal.Decimal `json:"expected"`
	Counted            decimal.Decimal `json:"counted"`
	Variance           decimal.Decimal `json:"variance"`
	Classification     string          `json:"classification"`
	CorrectionSequence uint64          `json:"correction_sequence,omitempty"`
}

type SnapshotHTTPResponse struct {
	ID            string               `json:"id"`
	ReferenceTime time.Time            `json:"reference_time,omitzero"`
	Status        string               `json:"status,omitempty"`
	Results       []ResultHTTPResponse `json:"results"`
	Failures      map[string]string    `json:"failures,omitempty"`
}

func newResultsResponse(results []domain.ReconciliationResult) []ResultHTTPResponse {
	out := make([]ResultHTTPResponse, len(results))
	for i, r := range results {
		out[i] = ResultHTTPResponse{
			ItemID:             r.ItemID,
			Expected:           r.Expected,
			Counted:            r.Counted,
			Variance:           r.Variance,
			Classification:     string(r.Classification),
			CorrectionSequence: r.CorrectionSequence,
		}
	}
	return out
}

type HistoryEntryHTTPResponse struct {
	Sequence    uint64           `json:"sequence"`
	Change      decimal.Decimal  `json:"change"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
	Source      string           `json:"source"`
	EffectiveAt time.Time        `json:"effective_at"`
}

type InvoiceLineHTTPRequest struct {
	ItemID       string          `json:"item_id"`
	ItemNumber   string          `json:"item_number"`
	ItemName     string          `json:"item_name"`
	Category     string          `json:"category"`
	Unit         string          `json:"unit"`
	UnitsOrdered decimal.Decimal `json:"units_ordered"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	CasePrice    decimal.Decimal `json:"case_price"`
}

type InvoiceHTTPRequest struct {
	Number     string                   `json:"invoice_number"`
	Supplier   string                   `json:"supplier"`
	ReceivedAt time.Time                `json:"received_at"`
	Lines      []InvoiceLineHTTPRequest `json:"lines"`
}

func (r InvoiceHTTPRequest) toDomain() domain.Invoice {
	inv := domain.Invoice{
		Number:     r.Number,
		Supplier:   r.Supplier,
		ReceivedAt: r.ReceivedAt,
		Lines:      make([]domain.InvoiceLine, len(r.Lines)),
	}
	for i, l := range r.Lines {
		inv.Lines[i] = domain.InvoiceLine(l)
	}
	return inv
}

type LineHTTPResponse struct {
	Line     int    `json:"line"`
	ItemID   string `json:"item_id"`
	Status   string `json:"status,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
	Error    string `json:"error,omitempty"`
}

type InvoiceHTTPResponse struct {
	InvoiceNumber string             `json:"invoice_number"`
	Status        string             `json:"status"`
	Applied       int                `json:"applied"`
	Duplicates    int                `json:"duplicates"`
	Lines         []LineHTTPResponse `json:"lines"`
}

func newInvoiceResponse(rep domain.IngestReport) InvoiceHTTPResponse {
	resp := InvoiceHTTPResponse{
		InvoiceNumber: rep.InvoiceNumber,
		Status:        string(rep.Status),
		Applied:       rep.Applied,
		Duplicates:    rep.Duplicates,
		Lines:         make([]LineHTTPResponse, len(rep.Lines)),
	}
	for i, l := range rep.Lines {
		line := LineHTTPResponse{Line: l.Line, ItemID: l.ItemID}
		if l.Ack != nil {
			line.Status = string(l.Ack.Status)
			line.Sequence = l.Ack.Sequence
		}
		if l.Err != nil {
			line.Error = l.Err.Error()
		}
		resp.Lines[i] = line
	}
	return resp
}

type ChangeEventHTTPResponse struct {
	Kind      string          `json:"kind"`
	ItemID    string          `json:"item_id,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Dropped   int             `json:"dropped,omitempty"`
}

type ErrorHTTPResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
