package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kasirinaja/ledger/internal/calc"
	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

// CreateDraft records an unpaid transaction for the cart.
func (s *Service) CreateDraft(ctx context.Context, actor domain.Actor, cart domain.Cart) (*domain.Transaction, error) {
	tx, err := s.buildTransaction(ctx, actor, cart, domain.TxStatusUnpaid)
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, tx)
}

// SaveOrder parks a cart as a saved order. Stock is not touched until the
// order is promoted and paid.
func (s *Service) SaveOrder(ctx context.Context, actor domain.Actor, cart domain.Cart) (*domain.Transaction, error) {
	tx, err := s.buildTransaction(ctx, actor, cart, domain.TxStatusSaved)
	if err != nil {
		return nil, err
	}
	savedAt := tx.CreatedAt
	tx.SavedAt = &savedAt

	created, err := s.persist(ctx, tx)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, domain.Notification{
		Type:    domain.NotifySavedOrder,
		Title:   "Order saved",
		Message: fmt.Sprintf("Order %s saved with total %d", created.Number, created.Total),
		Data: map[string]any{
			"transactionId":     created.ID,
			"transactionNumber": created.Number,
			"total":             created.Total,
			"station":           created.Station,
		},
	})
	return created, nil
}

// Resume loads a saved order back into cart form.
func (s *Service) Resume(ctx context.Context, id string) (domain.Cart, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.Cart{}, err
	}
	if tx.Status != domain.TxStatusSaved {
		return domain.Cart{}, fmt.Errorf("%w: transaction %s is %s, not saved", store.ErrStateConflict, tx.Number, tx.Status)
	}

	items := make([]domain.CartItem, 0, len(tx.Items))
	for _, line := range tx.Items {
		items = append(items, domain.CartItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			Price:     line.Price,
			Qty:       line.Qty,
		})
	}
	cart := domain.Cart{
		TransactionID:     tx.ID,
		TransactionNumber: tx.Number,
		CustomerID:        tx.CustomerID,
		Station:           tx.Station,
		Items:             items,
		Tax:               &domain.TaxInput{Enabled: tx.Tax.Enabled, Rate: tx.Tax.Rate},
		Notes:             tx.Notes,
	}
	if tx.Discount.Amount > 0 || !tx.Discount.Value.IsZero() {
		cart.Discount = &domain.DiscountInput{Type: tx.Discount.Type, Value: tx.Discount.Value}
	}
	return cart, nil
}

// UpdateSavedOrder re-prices an edited saved order. The order keeps its id,
// number and saved status.
func (s *Service) UpdateSavedOrder(ctx context.Context, actor domain.Actor, id string, cart domain.Cart) (*domain.Transaction, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	current, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.TxStatusSaved {
		return nil, fmt.Errorf("%w: transaction %s is %s, not saved", store.ErrStateConflict, current.Number, current.Status)
	}

	totals, err := s.price(ctx, cart)
	if err != nil {
		return nil, err
	}
	now := s.now()
	next := *current
	next.CustomerID = strings.TrimSpace(cart.CustomerID)
	next.Items = totals.Items
	next.Subtotal = totals.Subtotal
	next.Discount = totals.Discount
	next.Tax = totals.Tax
	next.Total = totals.Total
	next.Notes = strings.TrimSpace(cart.Notes)
	next.UpdatedBy = actor.Username
	next.UpdatedAt = now
	next.SavedAt = &now
	return s.repo.UpdateSavedTransaction(ctx, next)
}

// Promote turns a saved order into an unpaid transaction so it can be paid.
func (s *Service) Promote(ctx context.Context, actor domain.Actor, id string) (*domain.Transaction, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.repo.PromoteSavedTransaction(ctx, id, actor.Username, s.now())
}

// Cancel soft-deletes an unpaid or saved transaction. Paid transactions are
// part of the ledger and cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	tx, err := s.repo.SoftDeleteTransaction(ctx, id, actor.Username, s.now())
	if err != nil {
		return err
	}
	log.Infof("transaction %s cancelled by %s", tx.Number, actor.Username)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

func (s *Service) ListSaved(ctx context.Context) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, domain.TransactionFilter{Status: domain.TxStatusSaved})
}

func (s *Service) List(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}

// price validates the cart against the catalogue and computes its totals.
// Line prices are the cart snapshot; blank names take the product name.
func (s *Service) price(ctx context.Context, cart domain.Cart) (calc.Totals, error) {
	tax := domain.TaxInput{Enabled: s.opts.TaxEnabled, Rate: s.opts.TaxRate}
	if cart.Tax != nil {
		tax = *cart.Tax
	}
	totals, err := calc.Compute(cart.Items, cart.Discount, tax)
	if err != nil {
		return calc.Totals{}, err
	}

	ids := make([]string, 0, len(totals.Items))
	for _, line := range totals.Items {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return calc.Totals{}, err
	}
	for i, line := range totals.Items {
		product, ok := products[line.ProductID]
		if !ok || product.DeletedAt != nil {
			return calc.Totals{}, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
		if strings.TrimSpace(line.Name) == "" {
			totals.Items[i].Name = product.Name
		}
	}
	return totals, nil
}

func (s *Service) buildTransaction(ctx context.Context, actor domain.Actor, cart domain.Cart, status string) (domain.Transaction, error) {
	if err := requireActor(actor); err != nil {
		return domain.Transaction{}, err
	}
	totals, err := s.price(ctx, cart)
	if err != nil {
		return domain.Transaction{}, err
	}

	now := s.now()
	tx := domain.Transaction{
		ID:         xid.New(),
		CustomerID: strings.TrimSpace(cart.CustomerID),
		Station:    s.stationOr(cart.Station),
		Items:      totals.Items,
		Subtotal:   totals.Subtotal,
		Discount:   totals.Discount,
		Tax:        totals.Tax,
		Total:      totals.Total,
		Payments:   []domain.Payment{},
		Status:     status,
		Notes:      strings.TrimSpace(cart.Notes),
		CreatedBy:  actor.Username,
		UpdatedBy:  actor.Username,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	shift, err := s.repo.GetOpenShift(ctx, tx.Station)
	switch {
	case err == nil:
		tx.ShiftID = shift.ID
	case !errors.Is(err, store.ErrNotFound):
		return domain.Transaction{}, err
	}
	return tx, nil
}

// persist numbers the transaction and writes it. The number is taken last so
// rejected carts never consume a sequence value.
func (s *Service) persist(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	number, err := s.NextNumber(ctx, PrefixTransaction, tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Number = number
	return s.repo.CreateTransaction(ctx, tx)
}
