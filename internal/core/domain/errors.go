package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrItemNotFound     = errors.New("ledger: item not found")
	ErrItemExists       = errors.New("ledger: item already exists")
	ErrSnapshotNotFound = errors.New("ledger: snapshot not found")
	ErrDeltaNotFound    = errors.New("ledger: delta not found")

	// ErrDuplicateDelta is returned by repositories when the idempotency key
	// was already applied for the item. The processor turns it into an ack.
	ErrDuplicateDelta = errors.New("ledger: duplicate delta")

	ErrProcessorClosed    = errors.New("ledger: delta processor closed")
	ErrSubscriptionClosed = errors.New("ledger: subscription closed")
)

// ValidationError is returned for malformed input that never reaches the store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ReconciliationPartialFailure lists the items whose correction could not be
// committed. The snapshot is left failed and can be reconciled again.
type ReconciliationPartialFailure struct {
	SnapshotID string
	Failures   map[string]error
}

func (e *ReconciliationPartialFailure) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("ledger: snapshot %s: %d of its items failed to reconcile: %s",
		e.SnapshotID, len(ids), strings.Join(ids, ", "))
}

// Unwrap exposes the per-item causes to errors.Is and errors.As.
func (e *ReconciliationPartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
