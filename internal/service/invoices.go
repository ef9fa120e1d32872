package service

import (
	"context"
	"fmt"
	"strings"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

var invoicePaymentTypes = map[string]string{
	domain.InvoiceKasOutlet: "cash",
	domain.InvoiceBank:      "non_cash",
}

// CreateInvoice records a supplier purchase and restocks every line. The
// invoice is written with restock_pending set; a failed restock leaves it set
// for Reconcile. The movements are keyed by the invoice id, so they apply once.
func (s *Service) CreateInvoice(ctx context.Context, actor domain.Actor, in domain.InvoiceInput) (*domain.Invoice, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	method := strings.ToLower(defaultString(strings.TrimSpace(in.PaymentMethod), domain.InvoiceKasOutlet))
	paymentType, ok := invoicePaymentTypes[method]
	if !ok {
		return nil, store.Validation("unknown invoice payment method %q", in.PaymentMethod)
	}
	if len(in.Items) == 0 {
		return nil, store.Validation("invoice needs at least one item")
	}

	items := make([]domain.InvoiceItem, 0, len(in.Items))
	ids := make([]string, 0, len(in.Items))
	seen := make(map[string]bool, len(in.Items))
	var subtotal int64
	for _, item := range in.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, store.Validation("invoice item is missing product_id")
		}
		if item.Qty <= 0 {
			return nil, store.Validation("qty for %s must be greater than zero", item.ProductID)
		}
		if item.UnitPrice < 0 {
			return nil, store.Validation("unit price for %s must not be negative", item.ProductID)
		}
		if seen[item.ProductID] {
			return nil, store.Validation("product %s listed twice", item.ProductID)
		}
		seen[item.ProductID] = true
		item.Total = item.Qty * item.UnitPrice
		subtotal += item.Total
		items = append(items, item)
		ids = append(ids, item.ProductID)
	}
	if in.PaidAmount < 0 || in.PaidAmount > subtotal {
		return nil, store.Validation("paid amount must be between 0 and %d", subtotal)
	}

	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
	}

	now := s.now()
	number, err := s.NextNumber(ctx, PrefixInvoice, now)
	if err != nil {
		return nil, err
	}
	invoice := domain.Invoice{
		ID:            xid.New(),
		Number:        number,
		SupplierID:    strings.TrimSpace(in.SupplierID),
		Items:         items,
		Subtotal:      subtotal,
		Total:         subtotal,
		PaymentMethod: method,
		PaymentType:   paymentType,
		Status:        domain.InvoiceStatusUnpaid,
		PaidAmount:    in.PaidAmount,
		RemainingDebt: subtotal - in.PaidAmount,
		CreatedBy:     actor.Username,
		CreatedAt:     now,
		UpdatedAt:     now,

		RestockPending: true,
	}
	if invoice.RemainingDebt == 0 {
		invoice.Status = domain.InvoiceStatusPaid
	}

	created, err := s.repo.CreateInvoice(ctx, invoice)
	if err != nil {
		return nil, err
	}

	if err := s.restockInvoice(ctx, created); err != nil {
		return created, fmt.Errorf("%w: invoice %s restock: %v", store.ErrAdjustmentFailure, created.Number, err)
	}
	return created, nil
}

// restockInvoice applies the invoice lines as restock movements and clears
// the pending flag, or records the error on the invoice.
func (s *Service) restockInvoice(ctx context.Context, invoice *domain.Invoice) error {
	movements := make([]domain.StockMovement, 0, len(invoice.Items))
	for _, item := range invoice.Items {
		movements = append(movements, domain.StockMovement{
			CauseID:   invoice.ID,
			ProductID: item.ProductID,
			Direction: domain.MovementRestock,
			Delta:     item.Qty,
			UnitCost:  item.UnitPrice,
			Note:      invoice.Number,
			CreatedBy: invoice.CreatedBy,
		})
	}
	if _, err := s.applyMovements(ctx, movements, true); err != nil {
		log.Errorf("restock for invoice %s failed: %v", invoice.Number, err)
		if stateErr := s.repo.SetInvoiceRestockState(ctx, invoice.ID, true, err.Error()); stateErr != nil {
			log.Errorf("could not record restock error on invoice %s: %v", invoice.ID, stateErr)
		}
		invoice.RestockPending = true
		invoice.RestockError = err.Error()
		return err
	}
	if err := s.repo.SetInvoiceRestockState(ctx, invoice.ID, false, ""); err != nil {
		return err
	}
	invoice.RestockPending = false
	invoice.RestockError = ""
	return nil
}

// PayInvoice records a payment against the remaining supplier debt.
func (s *Service) PayInvoice(ctx context.Context, actor domain.Actor, id string, amount int64) (*domain.Invoice, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, store.Validation("payment amount must be greater than zero")
	}
	return s.repo.RecordInvoicePayment(ctx, id, amount, s.now())
}

func (s *Service) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}
