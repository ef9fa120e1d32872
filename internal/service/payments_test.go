package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/store/memory"
)

// flakyRepo fails shift settlements while failSettlement is set, and stock
// batches while failStock is set.
type flakyRepo struct {
	store.Repository

	mu             sync.Mutex
	failSettlement bool
	failStock      bool
}

func (r *flakyRepo) setFailing(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSettlement = v
}

func (r *flakyRepo) setStockFailing(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failStock = v
}

func (r *flakyRepo) ApplyStockMovements(ctx context.Context, batch domain.StockBatch) ([]domain.StockChange, error) {
	r.mu.Lock()
	fail := r.failStock
	r.mu.Unlock()
	if fail {
		return nil, errors.New("i/o timeout")
	}
	return r.Repository.ApplyStockMovements(ctx, batch)
}

func (r *flakyRepo) RecordSettlement(ctx context.Context, shiftID string, settlement domain.Settlement) (*domain.CashierShift, bool, error) {
	r.mu.Lock()
	fail := r.failSettlement
	r.mu.Unlock()
	if fail {
		return nil, false, errors.New("connection reset by peer")
	}
	return r.Repository.RecordSettlement(ctx, shiftID, settlement)
}

func TestProcessPaymentDeductsStockOnce(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Air Mineral", 5000, 100, 0)
	shift := openShift(t, svc, 100000)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 5000, Qty: 5}}})
	require.NoError(t, err)

	result, err := svc.ProcessPayment(ctx, cashier, draft.ID, cash(30000))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(5000), result.Change)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, domain.TxStatusPaid, result.Transaction.Status)
	assert.False(t, result.Transaction.AdjustmentPending)
	assert.Equal(t, shift.ID, result.Transaction.ShiftID)
	assert.Equal(t, int64(95), stockOf(t, repo, id))

	_, err = svc.ProcessPayment(ctx, cashier, draft.ID, cash(30000))
	assert.ErrorIs(t, err, store.ErrAlreadyPaid)
	assert.Equal(t, int64(95), stockOf(t, repo, id))

	movements, err := repo.ListStockMovements(ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, int64(-5), movements[0].Delta)
	assert.Equal(t, domain.MovementSale, movements[0].Direction)

	current, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.TotalTransactions)
	assert.Equal(t, int64(25000), current.TotalSales)
	assert.Equal(t, int64(25000), current.TotalCash)

	stored, err := svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.False(t, stored.AdjustmentPending)
	require.NotNil(t, stored.PaidAt)
}

func TestProcessPaymentSplitsChannels(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Paket Hemat", 76000, 10, 0)
	shift := openShift(t, svc, 0)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 76000, Qty: 1}}})
	require.NoError(t, err)

	result, err := svc.ProcessPayment(ctx, cashier, draft.ID, []domain.Payment{
		{Method: "CASH", Amount: 50000},
		{Method: domain.PaymentQRIS, Amount: 30000, Reference: "QR-771"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4000), result.Change)
	assert.Equal(t, domain.PaymentCash, result.Transaction.Payments[0].Method)

	current, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(46000), current.TotalCash)
	assert.Equal(t, int64(30000), current.TotalNonCash)
	assert.Equal(t, int64(76000), current.TotalSales)
}

func TestProcessPaymentValidationHasNoSideEffects(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	openShift(t, svc, 0)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}}})
	require.NoError(t, err)

	cases := map[string]struct {
		tenders []domain.Payment
		want    error
	}{
		"no tenders":       {tenders: nil, want: store.ErrValidation},
		"unknown method":   {tenders: []domain.Payment{{Method: "voucher", Amount: 10000}}, want: store.ErrValidation},
		"zero amount":      {tenders: []domain.Payment{{Method: domain.PaymentCash, Amount: 0}}, want: store.ErrValidation},
		"underpaid":        {tenders: cash(9000), want: store.ErrInsufficientPayment},
		"change over cash": {tenders: []domain.Payment{{Method: domain.PaymentCard, Amount: 12000}}, want: store.ErrValidation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ProcessPayment(ctx, cashier, draft.ID, tc.tenders)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	stored, err := svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusUnpaid, stored.Status)
	assert.Equal(t, int64(10), stockOf(t, repo, id))

	_, err = svc.ProcessPayment(ctx, cashier, "missing", cash(10000))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessPaymentRequiresOpenShift(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}}})
	require.NoError(t, err)

	_, err = svc.ProcessPayment(ctx, cashier, draft.ID, cash(10000))
	assert.ErrorIs(t, err, store.ErrNoOpenShift)
	assert.Equal(t, int64(10), stockOf(t, repo, id))
}

func TestProcessPaymentWithoutShiftWhenNotRequired(t *testing.T) {
	svc, repo, _ := newTestService(t, func(o *Options) { o.RequireOpenShift = false })
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	ctx := context.Background()

	result, err := svc.Checkout(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 2}}}, cash(20000))
	require.NoError(t, err)
	assert.Empty(t, result.Transaction.ShiftID)
	assert.Equal(t, int64(8), stockOf(t, repo, id))
}

func TestProcessPaymentMovesToCurrentShiftWhenDraftShiftClosed(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	ctx := context.Background()

	morning := openShift(t, svc, 0)
	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}}})
	require.NoError(t, err)
	assert.Equal(t, morning.ID, draft.ShiftID)

	_, err = svc.CloseShift(ctx, cashier, morning.ID, 0, "")
	require.NoError(t, err)
	evening := openShift(t, svc, 0)

	result, err := svc.ProcessPayment(ctx, cashier, draft.ID, cash(10000))
	require.NoError(t, err)
	assert.Equal(t, evening.ID, result.Transaction.ShiftID)

	current, err := svc.GetShift(ctx, evening.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.TotalTransactions)
}

func TestProcessPaymentConcurrentPayersOneWins(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 100, 0)
	shift := openShift(t, svc, 0)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 3}}})
	require.NoError(t, err)

	const payers = 8
	errs := make(chan error, payers)
	var wg sync.WaitGroup
	for i := 0; i < payers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProcessPayment(ctx, cashier, draft.ID, cash(30000))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, alreadyPaid int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrAlreadyPaid):
			alreadyPaid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, payers-1, alreadyPaid)
	assert.Equal(t, int64(97), stockOf(t, repo, id))

	current, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.TotalTransactions)
}

func TestStrictStockRejectsOversell(t *testing.T) {
	svc, repo, _ := newTestService(t, func(o *Options) { o.AllowNegativeStock = false })
	id := addProduct(t, repo, "Roti", 15000, 3, 0)
	openShift(t, svc, 0)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 15000, Qty: 5}}})
	require.NoError(t, err)

	_, err = svc.ProcessPayment(ctx, cashier, draft.ID, cash(75000))
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	stored, err := svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusUnpaid, stored.Status)
	assert.Equal(t, int64(3), stockOf(t, repo, id))
}

func TestDefaultStockPolicyAllowsNegative(t *testing.T) {
	svc, repo, sink := newTestService(t)
	id := addProduct(t, repo, "Roti", 15000, 3, 2)
	openShift(t, svc, 0)

	_, err := svc.Checkout(context.Background(), cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 15000, Qty: 5}}}, cash(75000))
	require.NoError(t, err)
	assert.Equal(t, int64(-2), stockOf(t, repo, id))

	low := sink.ofType(domain.NotifyLowStock)
	require.Len(t, low, 1)
	assert.Equal(t, id, low[0].Data["productId"])
}

func TestCheckoutRejectsUnderpaymentWithoutPersisting(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	openShift(t, svc, 0)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 2}}}, cash(15000))
	assert.ErrorIs(t, err, store.ErrInsufficientPayment)

	txs, err := svc.List(ctx, domain.TransactionFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestUntrackedAndRecipeProductsKeepStock(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	openShift(t, svc, 0)

	snack, err := repo.CreateProduct(ctx, domain.Product{Name: "Keripik", Type: domain.ProductTypeFinished, Price: 12000, CurrentStock: 7})
	require.NoError(t, err)
	beans := addProduct(t, repo, "Biji Kopi", 0, 1000, 0)
	latte, err := repo.CreateProduct(ctx, domain.Product{
		Name:         "Kopi Susu",
		Type:         domain.ProductTypeRecipe,
		Price:        18000,
		MonitorStock: true,
		Recipe:       []domain.RecipeComponent{{MaterialID: beans, Qty: 18, Unit: "g"}},
	})
	require.NoError(t, err)

	_, err = svc.Checkout(ctx, cashier, domain.Cart{Items: []domain.CartItem{
		{ProductID: snack.ID, Price: 12000, Qty: 2},
		{ProductID: latte.ID, Price: 18000, Qty: 1},
	}}, cash(30000))
	require.NoError(t, err)

	assert.Equal(t, int64(7), stockOf(t, repo, snack.ID))
	assert.Equal(t, int64(0), stockOf(t, repo, latte.ID))
	assert.Equal(t, int64(1000), stockOf(t, repo, beans))
}

func TestAdjustmentFailureIsReconciled(t *testing.T) {
	mem := memory.New()
	repo := &flakyRepo{Repository: mem}
	sink := &recordingSink{}
	svc := New(repo, sink, Options{
		Station:            "main",
		AllowNegativeStock: true,
		RequireOpenShift:   true,
		Clock:              func() time.Time { return testNow },
	})
	ctx := context.Background()
	id := addProduct(t, mem, "Air Mineral", 5000, 100, 0)
	shift := openShift(t, svc, 0)

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 5000, Qty: 5}}})
	require.NoError(t, err)

	repo.setFailing(true)
	result, err := svc.ProcessPayment(ctx, cashier, draft.ID, cash(25000))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrAdjustmentFailure)
	assert.True(t, result.Success)
	require.NotNil(t, result.Transaction)
	assert.True(t, result.Transaction.AdjustmentPending)

	stored, err := svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPaid, stored.Status)
	assert.True(t, stored.AdjustmentPending)
	assert.Contains(t, stored.AdjustmentError, "connection reset")
	assert.Len(t, sink.ofType(domain.NotifyPaymentFailure), 1)

	report, err := svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.Reconciled)
	assert.Equal(t, []string{draft.ID}, report.Failed)

	repo.setFailing(false)
	report, err = svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Empty(t, report.Failed)

	assert.Equal(t, int64(95), stockOf(t, mem, id))
	current, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.TotalTransactions)
	assert.Equal(t, int64(25000), current.TotalCash)

	stored, err = svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.False(t, stored.AdjustmentPending)
	assert.Empty(t, stored.AdjustmentError)

	report, err = svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
}

func newFlakyService(t *testing.T, allowNegative bool) (*Service, *flakyRepo, *memory.Store, *recordingSink) {
	t.Helper()
	mem := memory.New()
	repo := &flakyRepo{Repository: mem}
	sink := &recordingSink{}
	svc := New(repo, sink, Options{
		Station:            "main",
		AllowNegativeStock: allowNegative,
		RequireOpenShift:   true,
		Clock:              func() time.Time { return testNow },
	})
	return svc, repo, mem, sink
}

func TestCloseShiftWaitsForPendingSettlement(t *testing.T) {
	svc, repo, mem, _ := newFlakyService(t, true)
	ctx := context.Background()
	id := addProduct(t, mem, "Air Mineral", 5000, 100, 0)
	shift := openShift(t, svc, 0)

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 5000, Qty: 5}}})
	require.NoError(t, err)

	repo.setFailing(true)
	_, err = svc.ProcessPayment(ctx, cashier, draft.ID, cash(25000))
	require.ErrorIs(t, err, store.ErrAdjustmentFailure)

	_, err = svc.CloseShift(ctx, manager, shift.ID, 25000, "")
	assert.ErrorIs(t, err, store.ErrSettlementPending)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	still, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStatusOpen, still.Status)

	repo.setFailing(false)
	closed, err := svc.CloseShift(ctx, manager, shift.ID, 25000, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	assert.Equal(t, int64(1), closed.TotalTransactions)
	assert.Equal(t, int64(25000), closed.TotalCash)
	require.NotNil(t, closed.Variance)
	assert.Equal(t, int64(0), *closed.Variance)

	stored, err := svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.False(t, stored.AdjustmentPending)
	assert.Equal(t, int64(95), stockOf(t, mem, id))

	report, err := svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
}

func TestPaymentOnClosedShiftIsRejected(t *testing.T) {
	svc, _, mem, _ := newFlakyService(t, true)
	ctx := context.Background()
	id := addProduct(t, mem, "Air Mineral", 5000, 100, 0)
	shift := openShift(t, svc, 0)

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 5000, Qty: 1}}})
	require.NoError(t, err)

	_, err = mem.CloseShift(ctx, domain.CloseShift{ShiftID: shift.ID, ClosedBy: "spv1", ClosedAt: testNow})
	require.NoError(t, err)

	_, err = mem.MarkTransactionPaid(ctx, domain.MarkPaid{TransactionID: draft.ID, ShiftID: shift.ID, PaidBy: "kasir1", PaidAt: testNow})
	assert.ErrorIs(t, err, store.ErrAlreadyClosed)

	stored, err := svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.TxStatusPaid, stored.Status)
}

func TestReconcileIgnoresStrictStockForPaidSales(t *testing.T) {
	svc, repo, mem, sink := newFlakyService(t, false)
	ctx := context.Background()
	id := addProduct(t, mem, "Air Mineral", 5000, 5, 2)
	openShift(t, svc, 0)

	draft, err := svc.CreateDraft(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 5000, Qty: 3}}})
	require.NoError(t, err)

	repo.setStockFailing(true)
	result, err := svc.ProcessPayment(ctx, cashier, draft.ID, cash(15000))
	require.ErrorIs(t, err, store.ErrAdjustmentFailure)
	assert.True(t, result.Transaction.AdjustmentPending)
	repo.setStockFailing(false)

	// Stock drops below the sale qty while the settlement is pending.
	_, err = svc.RecordWaste(ctx, manager, id, 4, "rusak")
	require.NoError(t, err)
	require.Equal(t, int64(1), stockOf(t, mem, id))

	report, err := svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Empty(t, report.Failed)
	assert.Equal(t, int64(-2), stockOf(t, mem, id))
	assert.NotEmpty(t, sink.ofType(domain.NotifyLowStock))

	stored, err := svc.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.False(t, stored.AdjustmentPending)
}

func TestFailedInvoiceRestockIsReconciled(t *testing.T) {
	svc, repo, mem, _ := newFlakyService(t, true)
	ctx := context.Background()
	id := addProduct(t, mem, "Gula", 0, 10, 0)

	repo.setStockFailing(true)
	invoice, err := svc.CreateInvoice(ctx, manager, domain.InvoiceInput{
		Items:      []domain.InvoiceItem{{ProductID: id, Qty: 20, UnitPrice: 1300}},
		PaidAmount: 26000,
	})
	require.ErrorIs(t, err, store.ErrAdjustmentFailure)
	require.NotNil(t, invoice)
	assert.True(t, invoice.RestockPending)
	assert.Contains(t, invoice.RestockError, "i/o timeout")
	assert.Equal(t, int64(10), stockOf(t, mem, id))

	stored, err := svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.True(t, stored.RestockPending)

	report, err := svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvoicesChecked)
	assert.Equal(t, 0, report.InvoicesRestocked)
	assert.Equal(t, []string{invoice.ID}, report.Failed)

	repo.setStockFailing(false)
	report, err = svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvoicesRestocked)
	assert.Empty(t, report.Failed)
	assert.Equal(t, int64(30), stockOf(t, mem, id))

	stored, err = svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.False(t, stored.RestockPending)
	assert.Empty(t, stored.RestockError)

	report, err = svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.InvoicesChecked)
	assert.Equal(t, int64(30), stockOf(t, mem, id))
}
