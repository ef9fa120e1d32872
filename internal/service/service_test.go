package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/store/memory"
)

var (
	testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	cashier = domain.Actor{Username: "kasir1", Role: domain.RoleCashier}
	manager = domain.Actor{Username: "spv", Role: domain.RoleManager}
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (r *recordingSink) Publish(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
	return nil
}

func (r *recordingSink) ofType(kind string) []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, n := range r.events {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

func newTestService(t *testing.T, mutate ...func(*Options)) (*Service, *memory.Store, *recordingSink) {
	t.Helper()
	repo := memory.New()
	sink := &recordingSink{}
	opts := Options{
		Station:            "main",
		Location:           time.UTC,
		TaxEnabled:         false,
		TaxRate:            decimal.NewFromInt(10),
		AllowNegativeStock: true,
		RequireOpenShift:   true,
		Clock:              func() time.Time { return testNow },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return New(repo, sink, opts), repo, sink
}

func addProduct(t *testing.T, repo store.Repository, name string, price int64, stock int64, minStock int64) string {
	t.Helper()
	p, err := repo.CreateProduct(context.Background(), domain.Product{
		Name:         name,
		Type:         domain.ProductTypeFinished,
		Price:        price,
		MonitorStock: true,
		MinStock:     minStock,
		CurrentStock: stock,
	})
	require.NoError(t, err)
	return p.ID
}

func stockOf(t *testing.T, repo store.Repository, id string) int64 {
	t.Helper()
	p, err := repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.CurrentStock
}

func openShift(t *testing.T, svc *Service, opening int64) *domain.CashierShift {
	t.Helper()
	shift, err := svc.OpenShift(context.Background(), cashier, "main", opening)
	require.NoError(t, err)
	return shift
}

func cash(amount int64) []domain.Payment {
	return []domain.Payment{{Method: domain.PaymentCash, Amount: amount}}
}

func TestNextNumberFormatAndOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.NextNumber(ctx, PrefixTransaction, testNow)
	require.NoError(t, err)
	second, err := svc.NextNumber(ctx, PrefixTransaction, testNow)
	require.NoError(t, err)
	invoice, err := svc.NextNumber(ctx, PrefixInvoice, testNow)
	require.NoError(t, err)

	assert.Equal(t, "TRX-20260302-0001", first)
	assert.Equal(t, "TRX-20260302-0002", second)
	assert.Equal(t, "INV-20260302-0001", invoice)

	nextDay, err := svc.NextNumber(ctx, PrefixTransaction, testNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "TRX-20260303-0001", nextDay)
}

func TestNextNumberUsesBusinessDay(t *testing.T) {
	svc, _, _ := newTestService(t, func(o *Options) {
		o.Location = time.FixedZone("WIB", 7*60*60)
	})

	number, err := svc.NextNumber(context.Background(), PrefixTransaction, time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "TRX-20260302-0001", number)
}

func TestNextNumberDistinctUnderConcurrency(t *testing.T) {
	svc, _, _ := newTestService(t)
	pattern := regexp.MustCompile(`^TRX-20260302-\d{4}$`)

	const workers = 64
	numbers := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := svc.NextNumber(context.Background(), PrefixTransaction, testNow)
			if err == nil {
				numbers <- n
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for n := range numbers {
		assert.Regexp(t, pattern, n)
		assert.False(t, seen[n], "duplicate number %s", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers)
}

func TestNextNumberExhaustsAfterMaxDaily(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var last string
	for i := 0; i < MaxDailySequence; i++ {
		n, err := svc.NextNumber(ctx, PrefixTransaction, testNow)
		require.NoError(t, err)
		last = n
	}
	assert.Equal(t, "TRX-20260302-9999", last)

	_, err := svc.NextNumber(ctx, PrefixTransaction, testNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrSequenceExhausted)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestCreateDraftComputesTotals(t *testing.T) {
	svc, repo, _ := newTestService(t)
	latte := addProduct(t, repo, "Es Kopi", 18000, 50, 0)
	bread := addProduct(t, repo, "Roti", 15000, 50, 0)

	tx, err := svc.CreateDraft(context.Background(), cashier, domain.Cart{
		Items: []domain.CartItem{
			{ProductID: latte, Price: 18000, Qty: 2},
			{ProductID: bread, Name: "Roti Bakar", Price: 15000, Qty: 1},
		},
		Discount: &domain.DiscountInput{Type: domain.DiscountPercent, Value: decimal.NewFromInt(10)},
		Tax:      &domain.TaxInput{Enabled: true, Rate: decimal.NewFromInt(10)},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TxStatusUnpaid, tx.Status)
	assert.Equal(t, "TRX-20260302-0001", tx.Number)
	assert.Equal(t, "main", tx.Station)
	assert.Equal(t, int64(51000), tx.Subtotal)
	assert.Equal(t, int64(5100), tx.Discount.Amount)
	assert.Equal(t, int64(4590), tx.Tax.Amount)
	assert.Equal(t, int64(50490), tx.Total)
	assert.Equal(t, "Es Kopi", tx.Items[0].Name)
	assert.Equal(t, "Roti Bakar", tx.Items[1].Name)
	assert.Equal(t, "kasir1", tx.CreatedBy)
	assert.Empty(t, tx.ShiftID)
	assert.Equal(t, int64(50), stockOf(t, repo, latte))
}

func TestCreateDraftAppliesDefaultTaxAndStampsShift(t *testing.T) {
	svc, repo, _ := newTestService(t, func(o *Options) { o.TaxEnabled = true })
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	shift := openShift(t, svc, 0)

	tx, err := svc.CreateDraft(context.Background(), cashier, domain.Cart{
		Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}},
	})
	require.NoError(t, err)
	assert.True(t, tx.Tax.Enabled)
	assert.Equal(t, int64(1000), tx.Tax.Amount)
	assert.Equal(t, int64(11000), tx.Total)
	assert.Equal(t, shift.ID, tx.ShiftID)
}

func TestCreateDraftRejectsInvalidCartWithoutSideEffects(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	ctx := context.Background()

	cases := map[string]struct {
		cart domain.Cart
		want error
	}{
		"empty cart":      {cart: domain.Cart{}, want: store.ErrValidation},
		"zero qty":        {cart: domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 0}}}, want: store.ErrValidation},
		"negative price":  {cart: domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: -1, Qty: 1}}}, want: store.ErrValidation},
		"unknown product": {cart: domain.Cart{Items: []domain.CartItem{{ProductID: "missing", Price: 1, Qty: 1}}}, want: store.ErrNotFound},
		"percent over 100": {
			cart: domain.Cart{
				Items:    []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}},
				Discount: &domain.DiscountInput{Type: domain.DiscountPercent, Value: decimal.NewFromInt(120)},
			},
			want: store.ErrValidation,
		},
		"negative tax rate": {
			cart: domain.Cart{
				Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}},
				Tax:   &domain.TaxInput{Enabled: true, Rate: decimal.NewFromInt(-5)},
			},
			want: store.ErrValidation,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateDraft(ctx, cashier, tc.cart)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	txs, err := svc.List(ctx, domain.TransactionFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, txs)

	next, err := svc.NextNumber(ctx, PrefixTransaction, testNow)
	require.NoError(t, err)
	assert.Equal(t, "TRX-20260302-0001", next)
}

func TestCreateDraftRequiresActor(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)

	_, err := svc.CreateDraft(context.Background(), domain.Actor{}, domain.Cart{
		Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}},
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSaveOrderLeavesStockAndNotifies(t *testing.T) {
	svc, repo, sink := newTestService(t)
	id := addProduct(t, repo, "Nasi Goreng", 25000, 20, 0)

	tx, err := svc.SaveOrder(context.Background(), cashier, domain.Cart{
		CustomerID: "meja-4",
		Items:      []domain.CartItem{{ProductID: id, Price: 25000, Qty: 3}},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TxStatusSaved, tx.Status)
	require.NotNil(t, tx.SavedAt)
	assert.Empty(t, tx.Payments)
	assert.Equal(t, int64(20), stockOf(t, repo, id))

	saved := sink.ofType(domain.NotifySavedOrder)
	require.Len(t, saved, 1)
	assert.Equal(t, tx.ID, saved[0].Data["transactionId"])

	list, err := svc.ListSaved(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tx.ID, list[0].ID)
}

func TestResumeSavedOrder(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Nasi Goreng", 25000, 20, 0)
	ctx := context.Background()

	saved, err := svc.SaveOrder(ctx, cashier, domain.Cart{
		Items:    []domain.CartItem{{ProductID: id, Price: 25000, Qty: 2}},
		Discount: &domain.DiscountInput{Type: domain.DiscountNominal, Value: decimal.NewFromInt(5000)},
		Notes:    "tanpa sambal",
	})
	require.NoError(t, err)

	cart, err := svc.Resume(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, cart.TransactionID)
	assert.Equal(t, saved.Number, cart.TransactionNumber)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, int64(2), cart.Items[0].Qty)
	require.NotNil(t, cart.Discount)
	assert.True(t, cart.Discount.Value.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "tanpa sambal", cart.Notes)
}

func TestResumeRejectsNonSavedAndCancelled(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	ctx := context.Background()
	cart := domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}}}

	draft, err := svc.CreateDraft(ctx, cashier, cart)
	require.NoError(t, err)
	_, err = svc.Resume(ctx, draft.ID)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	saved, err := svc.SaveOrder(ctx, cashier, cart)
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, cashier, saved.ID))
	_, err = svc.Resume(ctx, saved.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Resume(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSavedOrderReprices(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	ctx := context.Background()

	saved, err := svc.SaveOrder(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}}})
	require.NoError(t, err)

	updated, err := svc.UpdateSavedOrder(ctx, manager, saved.ID, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 4}}})
	require.NoError(t, err)
	assert.Equal(t, saved.Number, updated.Number)
	assert.Equal(t, domain.TxStatusSaved, updated.Status)
	assert.Equal(t, int64(40000), updated.Total)
	assert.Equal(t, "spv", updated.UpdatedBy)
}

func TestPromoteSavedOrderThenPay(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	openShift(t, svc, 0)
	ctx := context.Background()

	saved, err := svc.SaveOrder(ctx, cashier, domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 2}}})
	require.NoError(t, err)

	_, err = svc.ProcessPayment(ctx, cashier, saved.ID, cash(20000))
	assert.ErrorIs(t, err, store.ErrInvalidState)

	promoted, err := svc.Promote(ctx, cashier, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusUnpaid, promoted.Status)

	_, err = svc.Promote(ctx, cashier, saved.ID)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	result, err := svc.ProcessPayment(ctx, cashier, saved.ID, cash(20000))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(8), stockOf(t, repo, id))
}

func TestCancelRules(t *testing.T) {
	svc, repo, _ := newTestService(t)
	id := addProduct(t, repo, "Teh", 10000, 10, 0)
	openShift(t, svc, 0)
	ctx := context.Background()
	cart := domain.Cart{Items: []domain.CartItem{{ProductID: id, Price: 10000, Qty: 1}}}

	draft, err := svc.CreateDraft(ctx, cashier, cart)
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, cashier, draft.ID))
	_, err = svc.Get(ctx, draft.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, svc.Cancel(ctx, cashier, draft.ID), store.ErrNotFound)

	all, err := svc.List(ctx, domain.TransactionFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].DeletedAt)
	assert.Equal(t, "kasir1", all[0].DeletedBy)

	paid, err := svc.Checkout(ctx, cashier, cart, cash(10000))
	require.NoError(t, err)
	err = svc.Cancel(ctx, manager, paid.Transaction.ID)
	assert.ErrorIs(t, err, store.ErrAlreadyPaid)
	assert.True(t, errors.Is(err, store.ErrStateConflict))
}
