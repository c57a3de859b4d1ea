package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventChange EventKind = "change"
	// EventGap replaces events dropped from a lagging subscriber's buffer.
	EventGap EventKind = "gap"
)

type ChangeEvent struct {
	Kind      EventKind
	ItemID    string
	Quantity  decimal.Decimal
	Sequence  uint64
	Source    Source
	Timestamp time.Time
	Dropped   int
}

func NewChangeEvent(a AppliedDelta) ChangeEvent {
	return ChangeEvent{
		Kind:      EventChange,
		ItemID:    a.ItemID,
		Quantity:  a.QuantityAfter,
		Sequence:  a.Sequence,
		Source:    a.Source,
		Timestamp: a.AppliedAt,
	}
}
