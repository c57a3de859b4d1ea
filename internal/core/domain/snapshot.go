package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SnapshotStatus string

const (
	SnapshotPending    SnapshotStatus = "pending"
	SnapshotReconciled SnapshotStatus = "reconciled"
	SnapshotFailed     SnapshotStatus = "failed"
)

type Count struct {
	ItemID  string
	Counted decimal.Decimal
}

type CountSnapshot struct {
	ID            string
	ReferenceTime time.Time
	Counts        []Count
	IngestedAt    time.Time
	Status        SnapshotStatus
}

func (s CountSnapshot) Validate() error {
	if err := ValidateID("id", s.ID); err != nil {
		return err
	}
	if s.ReferenceTime.IsZero() {
		return &ValidationError{Field: "reference_time", Message: "required"}
	}
	seen := make(map[string]struct{}, len(s.Counts))
	for _, c := range s.Counts {
		if err := ValidateID("counts.item_id", c.ItemID); err != nil {
			return err
		}
		if err := checkScale("counts.counted", c.Counted); err != nil {
			return err
		}
		if _, dup := seen[c.ItemID]; dup {
			return &ValidationError{Field: "counts.item_id", Message: "duplicate item " + c.ItemID}
		}
		seen[c.ItemID] = struct{}{}
	}
	return nil
}

type Classification string

const (
	ClassShrinkage Classification = "shrinkage"
	ClassOverage   Classification = "overage"
	ClassNone      Classification = "none"
)

func Classify(variance decimal.Decimal) Classification {
	switch variance.Sign() {
	case -1:
		return ClassShrinkage
	case 1:
		return ClassOverage
	}
	return ClassNone
}

type ReconciliationResult struct {
	SnapshotID     string
	ItemID         string
	Expected       decimal.Decimal
	Counted        decimal.Decimal
	Variance       decimal.Decimal
	Classification Classification
	// CorrectionSequence is the ledger sequence of the correcting delta, 0 if none was needed.
	CorrectionSequence uint64
}
