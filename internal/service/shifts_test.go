package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
)

func TestOpenShiftOnePerStation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	shift := openShift(t, svc, 500000)
	assert.Equal(t, domain.ShiftStatusOpen, shift.Status)
	assert.Equal(t, "kasir1", shift.OpenedBy)

	_, err := svc.OpenShift(ctx, manager, "main", 0)
	assert.ErrorIs(t, err, store.ErrShiftAlreadyOpen)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	other, err := svc.OpenShift(ctx, manager, "bar", 0)
	require.NoError(t, err)
	assert.Equal(t, "bar", other.Station)

	_, err = svc.OpenShift(ctx, manager, "patio", -1)
	assert.ErrorIs(t, err, store.ErrValidation)

	active, err := svc.ActiveShift(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, shift.ID, active.ID)
}

func TestRecordSettlementTotalsAndIdempotency(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, 0)
	ctx := context.Background()

	_, err := svc.RecordChannelSettlement(ctx, shift.ID, "trx-1", 75000, domain.PaymentCash)
	require.NoError(t, err)
	updated, err := svc.RecordChannelSettlement(ctx, shift.ID, "trx-2", 45000, domain.PaymentQRIS)
	require.NoError(t, err)

	assert.Equal(t, int64(2), updated.TotalTransactions)
	assert.Equal(t, int64(120000), updated.TotalSales)
	assert.Equal(t, int64(75000), updated.TotalCash)
	assert.Equal(t, int64(45000), updated.TotalNonCash)

	replay, err := svc.RecordChannelSettlement(ctx, shift.ID, "trx-1", 75000, domain.PaymentCash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), replay.TotalTransactions)
	assert.Equal(t, int64(120000), replay.TotalSales)

	_, err = svc.RecordSettlement(ctx, "missing", domain.Settlement{Reference: "x", Cash: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordSettlementConcurrent(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, 0)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RecordSettlement(ctx, shift.ID, domain.Settlement{
				Reference: fmt.Sprintf("trx-%d", i),
				Cash:      1000,
				NonCash:   500,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	current, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), current.TotalTransactions)
	assert.Equal(t, int64(writers*1500), current.TotalSales)
	assert.Equal(t, int64(writers*1000), current.TotalCash)
	assert.Equal(t, int64(writers*500), current.TotalNonCash)
}

func TestCloseShiftComputesVariance(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, 500000)
	ctx := context.Background()

	_, err := svc.RecordChannelSettlement(ctx, shift.ID, "trx-a", 2000000, domain.PaymentCash)
	require.NoError(t, err)
	_, err = svc.RecordChannelSettlement(ctx, shift.ID, "trx-b", 850000, domain.PaymentCash)
	require.NoError(t, err)
	_, err = svc.RecordChannelSettlement(ctx, shift.ID, "trx-c", 300000, domain.PaymentCard)
	require.NoError(t, err)

	closed, err := svc.CloseShift(ctx, manager, shift.ID, 3300000, " kurang kembalian ")
	require.NoError(t, err)

	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosingBalance)
	require.NotNil(t, closed.Variance)
	require.NotNil(t, closed.ActualCash)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, int64(3350000), *closed.ClosingBalance)
	assert.Equal(t, int64(3300000), *closed.ActualCash)
	assert.Equal(t, int64(-50000), *closed.Variance)
	assert.Equal(t, "spv", closed.ClosedBy)
	assert.Equal(t, "kurang kembalian", closed.Notes)

	_, err = svc.CloseShift(ctx, manager, shift.ID, 3350000, "")
	assert.ErrorIs(t, err, store.ErrAlreadyClosed)

	_, err = svc.RecordChannelSettlement(ctx, shift.ID, "trx-d", 1000, domain.PaymentCash)
	assert.ErrorIs(t, err, store.ErrAlreadyClosed)

	_, err = svc.ActiveShift(ctx, "main")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.CloseShift(ctx, manager, "missing", 0, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
