package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/notify"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LEDGER_TEST_DATABASE_URL to run postgres integration tests")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPaymentFlowSettlesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	station := fmt.Sprintf("it-%d", time.Now().UnixNano())
	actor := domain.Actor{Username: "it-kasir", Role: domain.RoleCashier}

	product, err := s.CreateProduct(ctx, domain.Product{
		Name:         "Produk IT " + station,
		Type:         domain.ProductTypeFinished,
		Price:        5000,
		MonitorStock: true,
		CurrentStock: 100,
	})
	require.NoError(t, err)

	svc := service.New(s, notify.Noop{}, service.Options{
		Station:            station,
		AllowNegativeStock: true,
		RequireOpenShift:   true,
	})
	shift, err := svc.OpenShift(ctx, actor, station, 500000)
	require.NoError(t, err)

	_, err = svc.OpenShift(ctx, actor, station, 0)
	assert.ErrorIs(t, err, store.ErrShiftAlreadyOpen)

	draft, err := svc.CreateDraft(ctx, actor, domain.Cart{Items: []domain.CartItem{{ProductID: product.ID, Price: 5000, Qty: 5}}})
	require.NoError(t, err)
	assert.Equal(t, shift.ID, draft.ShiftID)

	result, err := svc.ProcessPayment(ctx, actor, draft.ID, []domain.Payment{{Method: domain.PaymentCash, Amount: 30000}})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.Change)

	_, err = svc.ProcessPayment(ctx, actor, draft.ID, []domain.Payment{{Method: domain.PaymentCash, Amount: 30000}})
	assert.ErrorIs(t, err, store.ErrAlreadyPaid)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(95), got.CurrentStock)

	// A replayed settlement and movement leave totals unchanged.
	_, applied, err := s.RecordSettlement(ctx, shift.ID, domain.Settlement{Reference: draft.ID, Cash: 25000})
	require.NoError(t, err)
	assert.False(t, applied)
	changes, err := s.ApplyStockMovements(ctx, domain.StockBatch{
		AllowNegative: true,
		Movements:     []domain.StockMovement{{CauseID: draft.ID, ProductID: product.ID, Direction: domain.MovementSale, Delta: -5}},
	})
	require.NoError(t, err)
	assert.True(t, changes[0].Duplicate)

	closed, err := svc.CloseShift(ctx, actor, shift.ID, 520000, "")
	require.NoError(t, err)
	assert.Equal(t, int64(525000), *closed.ClosingBalance)
	assert.Equal(t, int64(-5000), *closed.Variance)

	_, err = svc.CloseShift(ctx, actor, shift.ID, 520000, "")
	assert.ErrorIs(t, err, store.ErrAlreadyClosed)
}

func TestSavedOrderLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	station := fmt.Sprintf("it-saved-%d", time.Now().UnixNano())
	actor := domain.Actor{Username: "it-kasir", Role: domain.RoleCashier}

	product, err := s.CreateProduct(ctx, domain.Product{
		Name:         "Produk Simpan " + station,
		Type:         domain.ProductTypeFinished,
		Price:        12000,
		MonitorStock: true,
		CurrentStock: 10,
	})
	require.NoError(t, err)

	svc := service.New(s, notify.Noop{}, service.Options{Station: station, AllowNegativeStock: true})
	saved, err := svc.SaveOrder(ctx, actor, domain.Cart{Items: []domain.CartItem{{ProductID: product.ID, Price: 12000, Qty: 2}}})
	require.NoError(t, err)

	cart, err := svc.Resume(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.Number, cart.TransactionNumber)

	promoted, err := svc.Promote(ctx, actor, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusUnpaid, promoted.Status)

	require.NoError(t, svc.Cancel(ctx, actor, saved.ID))
	_, err = svc.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.CurrentStock)
}

func TestCloseShiftRefusesUnsettledSales(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	station := fmt.Sprintf("it-close-%d", time.Now().UnixNano())
	actor := domain.Actor{Username: "it-kasir", Role: domain.RoleCashier}
	now := time.Now().UTC()

	product, err := s.CreateProduct(ctx, domain.Product{
		Name:  "Produk IT " + station,
		Type:  domain.ProductTypeFinished,
		Price: 5000,
	})
	require.NoError(t, err)

	svc := service.New(s, notify.Noop{}, service.Options{Station: station, AllowNegativeStock: true})
	shift, err := svc.OpenShift(ctx, actor, station, 0)
	require.NoError(t, err)
	first, err := svc.CreateDraft(ctx, actor, domain.Cart{Items: []domain.CartItem{{ProductID: product.ID, Price: 5000, Qty: 1}}})
	require.NoError(t, err)
	second, err := svc.CreateDraft(ctx, actor, domain.Cart{Items: []domain.CartItem{{ProductID: product.ID, Price: 5000, Qty: 1}}})
	require.NoError(t, err)

	// Paid at the store level only, so the settlement is still outstanding.
	_, err = s.MarkTransactionPaid(ctx, domain.MarkPaid{TransactionID: first.ID, ShiftID: shift.ID, PaidBy: actor.Username, PaidAt: now})
	require.NoError(t, err)

	closing := domain.CloseShift{ShiftID: shift.ID, ClosedBy: actor.Username, ActualCash: 5000, ClosedAt: now}
	_, err = s.CloseShift(ctx, closing)
	assert.ErrorIs(t, err, store.ErrSettlementPending)

	_, _, err = s.RecordSettlement(ctx, shift.ID, domain.Settlement{Reference: first.ID, Cash: 5000})
	require.NoError(t, err)
	closed, err := s.CloseShift(ctx, closing)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), closed.TotalCash)

	_, err = s.MarkTransactionPaid(ctx, domain.MarkPaid{TransactionID: second.ID, ShiftID: shift.ID, PaidBy: actor.Username, PaidAt: now})
	assert.ErrorIs(t, err, store.ErrAlreadyClosed)
}
