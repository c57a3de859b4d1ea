package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Source string

const (
	SourceInvoice        Source = "invoice"
	SourceManualCount    Source = "manual_count"
	SourcePOS            Source = "pos"
	SourceReconciliation Source = "reconciliation"
)

func (s Source) Valid() bool {
	switch s {
	case SourceInvoice, SourceManualCount, SourcePOS, SourceReconciliation:
		return true
	}
	return false
}

type Delta struct {
	ItemID         string
	Change         decimal.Decimal
	Source         Source
	IdempotencyKey string
	OccurredAt     time.Time
	UnitCost       *decimal.Decimal
	Note           string
}

// Validate reports the first malformed field of d.
func (d Delta) Validate() error {
	if err := ValidateID("item_id", d.ItemID); err != nil {
		return err
	}
	switch {
	case d.IdempotencyKey == "":
		return &ValidationError{Field: "idempotency_key", Message: "required"}
	case !d.Source.Valid():
		return &ValidationError{Field: "source", Message: "unknown source " + string(d.Source)}
	case d.OccurredAt.IsZero():
		return &ValidationError{Field: "occurred_at", Message: "required"}
	case d.UnitCost != nil && d.UnitCost.IsNegative():
		return &ValidationError{Field: "unit_cost", Message: "must not be negative"}
	}
	if err := checkScale("change", d.Change); err != nil {
		return err
	}
	if d.UnitCost != nil {
		return checkScale("unit_cost", *d.UnitCost)
	}
	return nil
}

// AppliedDelta is a delta as committed by the ledger.
type AppliedDelta struct {
	Delta
	Sequence      uint64
	QuantityAfter decimal.Decimal
	AppliedAt     time.Time
}

func (a AppliedDelta) HistoryEntry() CostHistoryEntry {
	return CostHistoryEntry{
		ItemID:      a.ItemID,
		Sequence:    a.Sequence,
		Change:      a.Change,
		Quantity:    a.QuantityAfter,
		UnitCost:    a.UnitCost,
		Source:      a.Source,
		EffectiveAt: a.OccurredAt,
	}
}

type AckStatus string

const (
	AckApplied          AckStatus = "applied"
	AckDuplicateIgnored AckStatus = "duplicate_ignored"
	// AckNoop is returned by computed submissions that produced no delta.
	AckNoop AckStatus = "noop"
)

type Warning string

const WarningNegativeQuantity Warning = "negative_quantity"

type Ack struct {
	Status   AckStatus
	ItemID   string
	Sequence uint64
	Quantity decimal.Decimal
	Warning  Warning
}
