package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	ID           string
	Name         string
	Unit         string
	Supplier     string
	Category     string
	Brand        string
	Quantity     decimal.Decimal
	Sequence     uint64 // last applied delta, 0 before the first one
	LastUnitCost *decimal.Decimal
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the fields RegisterItem relies on.
func (i Item) Validate() error {
	if err := ValidateID("id", i.ID); err != nil {
		return err
	}
	return checkScale("quantity", i.Quantity)
}

// Clone returns a copy that shares no pointers with the receiver.
func (i Item) Clone() Item {
	if i.LastUnitCost != nil {
		c := *i.LastUnitCost
		i.LastUnitCost = &c
	}
	return i
}

type CostHistoryEntry struct {
	ItemID      string
	Sequence    uint64
	Change      decimal.Decimal
	Quantity    decimal.Decimal // after the delta
	UnitCost    *decimal.Decimal
	Source      Source
	EffectiveAt time.Time
}

// QuantityScale is the number of fractional digits every store keeps exactly.
// Quantities and costs with more digits are rejected rather than rounded.
const QuantityScale = 4

// ValidateID rejects empty ids and ids containing NUL, the key separator of
// the embedded store.
func ValidateID(field, id string) error {
	switch {
	case id == "":
		return &ValidationError{Field: field, Message: "required"}
	case strings.ContainsRune(id, 0):
		return &ValidationError{Field: field, Message: "must not contain NUL"}
	}
	return nil
}

func checkScale(field string, d decimal.Decimal) error {
	if !d.Truncate(QuantityScale).Equal(d) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("more than %d decimal places", QuantityScale)}
	}
	return nil
}
