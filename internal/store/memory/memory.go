package memory

import (
	"context"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	logging "github.com/op/go-logging"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

var log = logging.MustGetLogger("memory-store")

type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	sequences          map[string]int
	transactionsByID   map[string]*domain.Transaction
	transactionNumbers map[string]string
	movements          map[string]domain.StockMovement
	movementsByCause   map[string][]string
	shiftsByID         map[string]domain.CashierShift
	openShiftByStation map[string]string
	settlements        map[string]struct{}
	invoicesByID       map[string]domain.Invoice
	usersByUsername    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		sequences:          make(map[string]int),
		transactionsByID:   make(map[string]*domain.Transaction),
		transactionNumbers: make(map[string]string),
		movements:          make(map[string]domain.StockMovement),
		movementsByCause:   make(map[string][]string),
		shiftsByID:         make(map[string]domain.CashierShift),
		openShiftByStation: make(map[string]string),
		settlements:        make(map[string]struct{}),
		invoicesByID:       make(map[string]domain.Invoice),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// unset values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warning("using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo products and the dev user accounts.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	beans := domain.Product{ID: xid.New(), Name: "Biji Kopi Arabika", Type: domain.ProductTypeRaw, Cost: 250, MonitorStock: true, MinStock: 500, CurrentStock: 5000, UOM: domain.UnitOfMeasure{Base: "g", Conversions: []domain.UnitConversion{{Unit: "kg", Value: 1000}}}}
	milk := domain.Product{ID: xid.New(), Name: "Susu Segar", Type: domain.ProductTypeRaw, Cost: 20, MonitorStock: true, MinStock: 2000, CurrentStock: 20000, UOM: domain.UnitOfMeasure{Base: "ml", Conversions: []domain.UnitConversion{{Unit: "l", Value: 1000}}}}
	products := []domain.Product{
		beans,
		milk,
		{ID: xid.New(), Name: "Kopi Susu", Type: domain.ProductTypeRecipe, Price: 18000, Cost: 7500, Recipe: []domain.RecipeComponent{{MaterialID: beans.ID, Qty: 18, Unit: "g"}, {MaterialID: milk.ID, Qty: 150, Unit: "ml"}}, UOM: domain.UnitOfMeasure{Base: "cup"}},
		{ID: xid.New(), Name: "Air Mineral 600ml", Type: domain.ProductTypeFinished, Price: 5000, Cost: 3000, MonitorStock: true, MinStock: 12, CurrentStock: 120, UOM: domain.UnitOfMeasure{Base: "pcs"}},
		{ID: xid.New(), Name: "Roti Bakar Coklat", Type: domain.ProductTypeFinished, Price: 15000, Cost: 6000, MonitorStock: true, MinStock: 5, CurrentStock: 40, UOM: domain.UnitOfMeasure{Base: "pcs"}},
		{ID: xid.New(), Name: "Keripik Singkong", Type: domain.ProductTypeFinished, Price: 12800, Cost: 8000, MonitorStock: false, UOM: domain.UnitOfMeasure{Base: "pcs"}},
	}
	for _, p := range products {
		p.CreatedBy = "system"
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.DeletedAt != nil {
			continue
		}
		products = append(products, cloneProduct(p))
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Type == b.Type {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Type, b.Type)
	})

	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists || product.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	copyProduct := cloneProduct(product)
	return &copyProduct, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product, exists := s.products[id]
		if !exists || product.DeletedAt != nil {
			continue
		}
		out[id] = cloneProduct(product)
	}
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.Price < 0 || product.Cost < 0 {
		return nil, store.Validation("product name is required and amounts must not be negative")
	}
	switch product.Type {
	case domain.ProductTypeFinished, domain.ProductTypeRecipe, domain.ProductTypeRaw:
	default:
		return nil, store.Validation("unknown product type %q", product.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New()
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.Validation("product %s already exists", product.ID)
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	if product.Type == domain.ProductTypeRecipe {
		product.CurrentStock = 0
	}
	product.CalculatedStock = nil

	s.products[product.ID] = cloneProduct(product)
	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) NextSequence(_ context.Context, prefix string, day string, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prefix + "::" + day
	if s.sequences[key] >= max {
		return 0, store.ErrSequenceExhausted
	}
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.Number == "" || len(tx.Items) == 0 {
		return nil, store.Validation("transaction id, number and items are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, store.Validation("transaction %s already exists", tx.ID)
	}
	if _, exists := s.transactionNumbers[tx.Number]; exists {
		return nil, fmt.Errorf("%w: transaction number %s already issued", store.ErrStateConflict, tx.Number)
	}

	s.transactionsByID[tx.ID] = cloneTransaction(&tx)
	s.transactionNumbers[tx.Number] = tx.ID
	return cloneTransaction(&tx), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactionsByID[id]
	if !exists || tx.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0)
	for _, tx := range s.transactionsByID {
		if tx.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.Station != "" && tx.Station != filter.Station {
			continue
		}
		out = append(out, *cloneTransaction(tx))
	}

	slices.SortFunc(out, func(a, b domain.Transaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateSavedTransaction(_ context.Context, next domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.liveTransaction(next.ID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxStatusSaved {
		return nil, notSaved(tx)
	}

	tx.CustomerID = next.CustomerID
	tx.Items = slices.Clone(next.Items)
	tx.Subtotal = next.Subtotal
	tx.Discount = next.Discount
	tx.Tax = next.Tax
	tx.Total = next.Total
	tx.Notes = next.Notes
	tx.UpdatedBy = next.UpdatedBy
	tx.UpdatedAt = next.UpdatedAt
	tx.SavedAt = next.SavedAt
	return cloneTransaction(tx), nil
}

func (s *Store) PromoteSavedTransaction(_ context.Context, id string, actor string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.liveTransaction(id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxStatusSaved {
		return nil, notSaved(tx)
	}
	tx.Status = domain.TxStatusUnpaid
	tx.UpdatedBy = actor
	tx.UpdatedAt = at
	return cloneTransaction(tx), nil
}

func (s *Store) SoftDeleteTransaction(_ context.Context, id string, actor string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.liveTransaction(id)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TxStatusPaid {
		return nil, store.ErrAlreadyPaid
	}
	tx.DeletedAt = &at
	tx.DeletedBy = actor
	tx.UpdatedBy = actor
	tx.UpdatedAt = at
	return cloneTransaction(tx), nil
}

func (s *Store) MarkTransactionPaid(_ context.Context, in domain.MarkPaid) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.liveTransaction(in.TransactionID)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case domain.TxStatusPaid:
		return nil, store.ErrAlreadyPaid
	case domain.TxStatusSaved:
		return nil, store.ErrInvalidState
	}
	if in.ShiftID != "" {
		shift, exists := s.shiftsByID[in.ShiftID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if shift.Status != domain.ShiftStatusOpen {
			return nil, store.ErrAlreadyClosed
		}
	}

	paidAt := in.PaidAt
	tx.Payments = slices.Clone(in.Payments)
	tx.Change = in.Change
	tx.Status = domain.TxStatusPaid
	tx.PaidAt = &paidAt
	tx.ShiftID = in.ShiftID
	tx.UpdatedBy = in.PaidBy
	tx.UpdatedAt = paidAt
	tx.AdjustmentPending = true
	tx.AdjustmentError = ""
	return cloneTransaction(tx), nil
}

func (s *Store) SetAdjustmentState(_ context.Context, id string, pending bool, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactionsByID[id]
	if !exists {
		return store.ErrNotFound
	}
	tx.AdjustmentPending = pending
	tx.AdjustmentError = lastErr
	return nil
}

func (s *Store) ListPendingAdjustments(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0)
	for _, tx := range s.transactionsByID {
		if tx.Status == domain.TxStatusPaid && tx.AdjustmentPending {
			out = append(out, *cloneTransaction(tx))
		}
	}
	slices.SortFunc(out, func(a, b domain.Transaction) int {
		return a.PaidAt.Compare(*b.PaidAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyStockMovements validates the whole batch before changing anything, so a
// rejected movement leaves every product untouched.
func (s *Store) ApplyStockMovements(_ context.Context, batch domain.StockBatch) ([]domain.StockChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := make([]domain.StockChange, 0, len(batch.Movements))
	projected := make(map[string]int64)
	inBatch := make(map[string]bool, len(batch.Movements))
	for _, m := range batch.Movements {
		if m.CauseID == "" || m.Direction == "" || m.Delta == 0 {
			return nil, store.Validation("stock movement needs a cause, a direction and a non-zero delta")
		}
		key := movementKey(m.CauseID, m.ProductID, m.Direction)
		if inBatch[key] {
			return nil, store.Validation("product %s appears twice for %s", m.ProductID, m.CauseID)
		}
		inBatch[key] = true

		product, exists := s.products[m.ProductID]
		if !exists || product.DeletedAt != nil {
			return nil, fmt.Errorf("product %s: %w", m.ProductID, store.ErrNotFound)
		}
		current, seen := projected[m.ProductID]
		if !seen {
			current = product.CurrentStock
		}
		change := domain.StockChange{
			ProductID: m.ProductID,
			Direction: m.Direction,
			Delta:     m.Delta,
			Before:    current,
			After:     current,
			MinStock:  product.MinStock,
		}
		if !product.Tracked() {
			changes = append(changes, change)
			continue
		}
		if _, dup := s.movements[key]; dup {
			change.Duplicate = true
			changes = append(changes, change)
			continue
		}
		change.After = current + m.Delta
		if m.Delta < 0 && change.After < 0 && !batch.AllowNegative {
			return nil, fmt.Errorf("%w: product %s has %d, needs %d", store.ErrInsufficientStock, m.ProductID, current, -m.Delta)
		}
		change.Applied = true
		projected[m.ProductID] = change.After
		changes = append(changes, change)
	}

	now := time.Now().UTC()
	for i, m := range batch.Movements {
		if !changes[i].Applied {
			continue
		}
		product := s.products[m.ProductID]
		if m.Delta > 0 && m.UnitCost > 0 {
			product.Cost = weightedCost(product.Cost, product.CurrentStock, m.UnitCost, m.Delta)
		}
		product.CurrentStock += m.Delta
		product.UpdatedAt = now
		s.products[m.ProductID] = product

		if m.ID == "" {
			m.ID = xid.New()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		key := movementKey(m.CauseID, m.ProductID, m.Direction)
		s.movements[key] = m
		s.movementsByCause[m.CauseID] = append(s.movementsByCause[m.CauseID], key)
	}
	return changes, nil
}

func (s *Store) ListStockMovements(_ context.Context, causeID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.movementsByCause[causeID]
	out := make([]domain.StockMovement, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.movements[key])
	}
	return out, nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.CashierShift) (*domain.CashierShift, error) {
	if strings.TrimSpace(shift.Station) == "" || strings.TrimSpace(shift.OpenedBy) == "" {
		return nil, store.Validation("station and opened_by are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openShiftByStation[shift.Station]; exists {
		return nil, store.ErrShiftAlreadyOpen
	}
	if shift.ID == "" {
		shift.ID = xid.New()
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.TotalTransactions, shift.TotalSales, shift.TotalCash, shift.TotalNonCash = 0, 0, 0, 0
	shift.ClosingBalance, shift.ActualCash, shift.Variance, shift.ClosedAt = nil, nil, nil, nil

	s.shiftsByID[shift.ID] = shift
	s.openShiftByStation[shift.Station] = shift.ID
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.CashierShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, exists := s.shiftsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) GetOpenShift(_ context.Context, station string) (*domain.CashierShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, exists := s.openShiftByStation[station]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

// RecordSettlement reports false when the reference was already counted.
func (s *Store) RecordSettlement(_ context.Context, shiftID string, settlement domain.Settlement) (*domain.CashierShift, bool, error) {
	if settlement.Reference == "" || settlement.Cash < 0 || settlement.NonCash < 0 {
		return nil, false, store.Validation("settlement needs a reference and non-negative amounts")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return nil, false, store.ErrNotFound
	}
	key := shiftID + "::" + settlement.Reference
	if _, done := s.settlements[key]; done {
		return &shift, false, nil
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, false, store.ErrAlreadyClosed
	}

	shift.TotalTransactions++
	shift.TotalSales += settlement.Total()
	shift.TotalCash += settlement.Cash
	shift.TotalNonCash += settlement.NonCash
	s.shiftsByID[shiftID] = shift
	s.settlements[key] = struct{}{}
	return &shift, true, nil
}

func (s *Store) CloseShift(_ context.Context, in domain.CloseShift) (*domain.CashierShift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[in.ShiftID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrAlreadyClosed
	}
	for _, tx := range s.transactionsByID {
		if tx.ShiftID != shift.ID || tx.Status != domain.TxStatusPaid || !tx.AdjustmentPending {
			continue
		}
		if _, settled := s.settlements[shift.ID+"::"+tx.ID]; !settled {
			return nil, fmt.Errorf("%w: %s", store.ErrSettlementPending, tx.Number)
		}
	}

	closing := shift.OpeningBalance + shift.TotalCash
	actual := in.ActualCash
	variance := actual - closing
	closedAt := in.ClosedAt
	shift.ClosingBalance = &closing
	shift.ActualCash = &actual
	shift.Variance = &variance
	shift.ClosedBy = in.ClosedBy
	shift.Notes = in.Notes
	shift.Status = domain.ShiftStatusClosed
	shift.ClosedAt = &closedAt

	delete(s.openShiftByStation, shift.Station)
	s.shiftsByID[shift.ID] = shift
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) CreateInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.ID == "" || invoice.Number == "" || len(invoice.Items) == 0 {
		return nil, store.Validation("invoice id, number and items are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoicesByID[invoice.ID]; exists {
		return nil, store.Validation("invoice %s already exists", invoice.ID)
	}
	for _, existing := range s.invoicesByID {
		if existing.Number == invoice.Number {
			return nil, fmt.Errorf("%w: invoice number %s already issued", store.ErrStateConflict, invoice.Number)
		}
	}
	s.invoicesByID[invoice.ID] = cloneInvoice(invoice)
	created := cloneInvoice(invoice)
	return &created, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, exists := s.invoicesByID[id]
	if !exists || invoice.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	found := cloneInvoice(invoice)
	return &found, nil
}

func (s *Store) RecordInvoicePayment(_ context.Context, id string, amount int64, at time.Time) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, exists := s.invoicesByID[id]
	if !exists || invoice.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	if amount <= 0 || amount > invoice.RemainingDebt {
		return nil, store.Validation("payment must be between 1 and the remaining debt %d", invoice.RemainingDebt)
	}
	invoice.PaidAmount += amount
	invoice.RemainingDebt -= amount
	if invoice.RemainingDebt == 0 {
		invoice.Status = domain.InvoiceStatusPaid
	}
	invoice.UpdatedAt = at
	s.invoicesByID[id] = invoice
	updated := cloneInvoice(invoice)
	return &updated, nil
}

func (s *Store) SetInvoiceRestockState(_ context.Context, id string, pending bool, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, exists := s.invoicesByID[id]
	if !exists {
		return store.ErrNotFound
	}
	invoice.RestockPending = pending
	invoice.RestockError = lastErr
	s.invoicesByID[id] = invoice
	return nil
}

func (s *Store) ListPendingRestocks(_ context.Context, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Invoice, 0)
	for _, invoice := range s.invoicesByID {
		if invoice.RestockPending && invoice.DeletedAt == nil {
			out = append(out, cloneInvoice(invoice))
		}
	}
	slices.SortFunc(out, func(a, b domain.Invoice) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.Validation("username and password are required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.Validation("user %s already exists", username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

// liveTransaction must be called with the write lock held.
func (s *Store) liveTransaction(id string) (*domain.Transaction, error) {
	tx, exists := s.transactionsByID[id]
	if !exists || tx.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return tx, nil
}

func notSaved(tx *domain.Transaction) error {
	if tx.Status == domain.TxStatusPaid {
		return store.ErrAlreadyPaid
	}
	return fmt.Errorf("%w: transaction %s is %s, not saved", store.ErrStateConflict, tx.Number, tx.Status)
}

func weightedCost(oldCost int64, oldQty int64, incomingCost int64, incomingQty int64) int64 {
	if incomingQty <= 0 || incomingCost <= 0 {
		return oldCost
	}
	if oldQty <= 0 || oldCost <= 0 {
		return incomingCost
	}
	totalValue := oldCost*oldQty + incomingCost*incomingQty
	return int64(math.Round(float64(totalValue) / float64(oldQty+incomingQty)))
}

func movementKey(causeID string, productID string, direction string) string {
	return causeID + "::" + productID + "::" + direction
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	dup.Recipe = slices.Clone(src.Recipe)
	dup.UOM.Conversions = slices.Clone(src.UOM.Conversions)
	return dup
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Payments = slices.Clone(src.Payments)
	return &dup
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}
