package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

type Invoice struct {
	Number     string
	Supplier   string
	ReceivedAt time.Time
	Lines      []InvoiceLine
}

type InvoiceLine struct {
	ItemID       string // ledger key; defaults to ItemNumber
	ItemNumber   string
	ItemName     string
	Category     string
	Unit         string
	UnitsOrdered decimal.Decimal
	UnitCost     decimal.Decimal
	CasePrice    decimal.Decimal
}

func (l InvoiceLine) Key() string {
	if l.ItemID != "" {
		return l.ItemID
	}
	return l.ItemNumber
}

func (l InvoiceLine) Validate() error {
	switch {
	case l.ItemName == "":
		return &ValidationError{Field: "item_name", Message: "required"}
	case l.ItemNumber == "":
		return &ValidationError{Field: "item_number", Message: "required"}
	case l.Category == "":
		return &ValidationError{Field: "category", Message: "required"}
	case l.Unit == "":
		return &ValidationError{Field: "unit", Message: "required"}
	case l.UnitsOrdered.IsNegative():
		return &ValidationError{Field: "units_ordered", Message: "must not be negative"}
	case l.UnitCost.IsNegative():
		return &ValidationError{Field: "unit_cost", Message: "must not be negative"}
	case l.CasePrice.IsNegative():
		return &ValidationError{Field: "case_price", Message: "must not be negative"}
	}
	if err := ValidateID("item_id", l.Key()); err != nil {
		return err
	}
	if err := checkScale("units_ordered", l.UnitsOrdered); err != nil {
		return err
	}
	return checkScale("unit_cost", l.UnitCost)
}

// BrandOf guesses a brand from a supplier item name: the part before a slash,
// the owner in a possessive, or a leading capitalised word. Falls back to "Generic".
func BrandOf(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Generic"
	}
	if before, _, ok := strings.Cut(name, "/"); ok && strings.TrimSpace(before) != "" {
		return strings.TrimSpace(before)
	}
	normalized := strings.ReplaceAll(name, "’", "'")
	if before, _, ok := strings.Cut(normalized, "'"); ok && strings.TrimSpace(before) != "" {
		return strings.TrimSpace(before)
	}
	first := strings.Fields(name)[0]
	if r := []rune(first)[0]; unicode.IsUpper(r) {
		return first
	}
	return "Generic"
}

type IngestStatus string

const (
	IngestSuccess        IngestStatus = "success"
	IngestPartialFailure IngestStatus = "partial_failure"
	IngestFailure        IngestStatus = "failure"
)

type LineResult struct {
	Line   int
	ItemID string
	Ack    *Ack
	Err    error
}

type IngestReport struct {
	InvoiceNumber string
	Status        IngestStatus
	Applied       int
	Duplicates    int
	Lines         []LineResult
}
