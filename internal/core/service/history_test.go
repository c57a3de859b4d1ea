package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

func TestQueryHistory_Window(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	cost := dec("3.20")
	_, err := l.Submit(ctx, domain.Delta{
		ItemID: "milk", Change: dec("24"), Source: domain.SourceInvoice,
		IdempotencyKey: "inv-9:1", OccurredAt: t0, UnitCost: &cost,
	})
	require.NoError(t, err)
	_, err = l.Submit(ctx, posDelta("milk", "sale-1", "-4", t1))
	require.NoError(t, err)
	_, err = l.Submit(ctx, posDelta("milk", "sale-2", "-6", t2))
	require.NoError(t, err)

	all, err := l.QueryHistory(ctx, "milk", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.SourceInvoice, all[0].Source)
	require.NotNil(t, all[0].UnitCost)
	assert.True(t, all[0].UnitCost.Equal(cost))
	assert.True(t, all[2].Quantity.Equal(dec("14")))

	window, err := l.QueryHistory(ctx, "milk", t1, t2)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, uint64(2), window[0].Sequence)

	open, err := l.QueryHistory(ctx, "milk", t1, time.Time{})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestQueryHistory_Errors(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.QueryHistory(ctx, "", time.Time{}, time.Time{})
	assert.True(t, domain.IsValidation(err))

	_, err = l.QueryHistory(ctx, "nothing", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	_, err = l.Submit(ctx, posDelta("milk", "a", "1", t0))
	require.NoError(t, err)
	_, err = l.QueryHistory(ctx, "milk", t2, t1)
	assert.True(t, domain.IsValidation(err))
}

func TestQueryHistory_RegisteredItemWithoutDeltas(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RegisterItem(ctx, domain.Item{ID: "new", Name: "New thing"})
	require.NoError(t, err)

	entries, err := l.QueryHistory(ctx, "new", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
