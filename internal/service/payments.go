package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/ledger/internal/calc"
	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
)

const defaultReconcileLimit = 50

var knownMethods = map[string]bool{
	domain.PaymentCash:    true,
	domain.PaymentEWallet: true,
	domain.PaymentQRIS:    true,
	domain.PaymentCard:    true,
}

// ProcessPayment settles an unpaid transaction with the given tenders.
//
// Nothing is written until every check has passed. The paid write is a
// compare-and-set, so of two concurrent payers exactly one wins. Stock and
// shift effects follow the paid write; if either fails the transaction stays
// paid with adjustment_pending set and the call returns the result together
// with ErrAdjustmentFailure so Reconcile can finish the work.
func (s *Service) ProcessPayment(ctx context.Context, actor domain.Actor, txID string, tenders []domain.Payment) (domain.PaymentResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.process", trace.WithAttributes(
		attribute.String("transaction.id", txID),
	))
	defer span.End()

	if err := requireActor(actor); err != nil {
		return domain.PaymentResult{}, err
	}
	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	switch tx.Status {
	case domain.TxStatusPaid:
		return domain.PaymentResult{}, store.ErrAlreadyPaid
	case domain.TxStatusSaved:
		return domain.PaymentResult{}, store.ErrInvalidState
	}

	payments, change, err := checkTenders(tx.Total, tenders)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	if !s.opts.AllowNegativeStock {
		if err := s.checkStock(ctx, tx.Items); err != nil {
			return domain.PaymentResult{}, err
		}
	}
	shiftID, err := s.paymentShift(ctx, tx)
	if err != nil {
		return domain.PaymentResult{}, err
	}

	paid, err := s.repo.MarkTransactionPaid(ctx, domain.MarkPaid{
		TransactionID: tx.ID,
		ShiftID:       shiftID,
		Payments:      payments,
		Change:        change,
		PaidBy:        actor.Username,
		PaidAt:        s.now(),
	})
	if err != nil {
		span.RecordError(err)
		return domain.PaymentResult{}, err
	}
	s.metrics.payments.Add(ctx, 1)
	span.SetAttributes(attribute.String("transaction.number", paid.Number))

	if err := s.settle(ctx, paid); err != nil {
		span.SetStatus(codes.Error, "adjustment pending")
		paid.AdjustmentPending = true
		paid.AdjustmentError = err.Error()
		return domain.PaymentResult{
			Success:     true,
			Change:      change,
			Message:     "Payment recorded; stock and shift adjustments are pending",
			Transaction: paid,
		}, fmt.Errorf("%w: transaction %s: %v", store.ErrAdjustmentFailure, paid.Number, err)
	}

	paid.AdjustmentPending = false
	paid.AdjustmentError = ""
	return domain.PaymentResult{
		Success:     true,
		Change:      change,
		Message:     "Payment successful",
		Transaction: paid,
	}, nil
}

// Checkout creates a draft from the cart and pays it in one call. Tenders are
// checked against the computed total before the draft is written.
func (s *Service) Checkout(ctx context.Context, actor domain.Actor, cart domain.Cart, tenders []domain.Payment) (domain.PaymentResult, error) {
	tx, err := s.buildTransaction(ctx, actor, cart, domain.TxStatusUnpaid)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	if _, _, err := checkTenders(tx.Total, tenders); err != nil {
		return domain.PaymentResult{}, err
	}
	if !s.opts.AllowNegativeStock {
		if err := s.checkStock(ctx, tx.Items); err != nil {
			return domain.PaymentResult{}, err
		}
	}
	if s.opts.RequireOpenShift && tx.ShiftID == "" {
		return domain.PaymentResult{}, store.ErrNoOpenShift
	}

	created, err := s.persist(ctx, tx)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	return s.ProcessPayment(ctx, actor, created.ID, tenders)
}

// Reconcile retries the stock and shift effects of paid transactions still
// marked adjustment_pending, then the restock of invoices marked
// restock_pending. Every step is idempotent, so a half settled record is
// completed without double counting.
func (s *Service) Reconcile(ctx context.Context, limit int) (domain.ReconcileReport, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	pending, err := s.repo.ListPendingAdjustments(ctx, limit)
	if err != nil {
		return domain.ReconcileReport{}, err
	}

	report := domain.ReconcileReport{Checked: len(pending)}
	for i := range pending {
		tx := &pending[i]
		if err := s.settle(ctx, tx); err != nil {
			report.Failed = append(report.Failed, tx.ID)
			continue
		}
		report.Reconciled++
		log.Infof("transaction %s reconciled", tx.Number)
	}

	invoices, err := s.repo.ListPendingRestocks(ctx, limit)
	if err != nil {
		return report, err
	}
	report.InvoicesChecked = len(invoices)
	for i := range invoices {
		invoice := &invoices[i]
		if err := s.restockInvoice(ctx, invoice); err != nil {
			report.Failed = append(report.Failed, invoice.ID)
			continue
		}
		report.InvoicesRestocked++
		log.Infof("invoice %s restocked", invoice.Number)
	}
	if done := report.Reconciled + report.InvoicesRestocked; done > 0 {
		s.metrics.reconciled.Add(ctx, int64(done))
	}
	return report, nil
}

// settle applies the stock movements and the shift settlement of a paid
// transaction and clears the pending flag. On failure the flag stays set and
// the error is recorded on the transaction.
func (s *Service) settle(ctx context.Context, tx *domain.Transaction) error {
	ctx, span := s.tracer.Start(ctx, "payment.settle", trace.WithAttributes(
		attribute.String("transaction.id", tx.ID),
	))
	defer span.End()

	movements := saleMovements(*tx, tx.UpdatedBy)
	err := s.applySettlement(ctx, tx, movements)
	if err == nil {
		return s.repo.SetAdjustmentState(ctx, tx.ID, false, "")
	}

	span.RecordError(err)
	deltas := make([]string, 0, len(movements))
	for _, m := range movements {
		deltas = append(deltas, fmt.Sprintf("%s:%d", m.ProductID, m.Delta))
	}
	log.Errorf("adjustment failed for transaction %s (%s), deltas [%s]: %v",
		tx.ID, tx.Number, strings.Join(deltas, " "), err)

	if stateErr := s.repo.SetAdjustmentState(ctx, tx.ID, true, err.Error()); stateErr != nil {
		log.Errorf("could not record adjustment error on %s: %v", tx.ID, stateErr)
	}
	s.metrics.adjustmentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("station", tx.Station)))
	s.publish(ctx, domain.Notification{
		Type:    domain.NotifyPaymentFailure,
		Title:   "Payment adjustment failed",
		Message: fmt.Sprintf("Transaction %s is paid but stock or shift totals were not updated", tx.Number),
		Data: map[string]any{
			"transactionId":     tx.ID,
			"transactionNumber": tx.Number,
			"error":             err.Error(),
		},
	})
	return err
}

// applySettlement always allows negative stock: the sale is already paid, and
// strict mode is enforced before the paid write.
func (s *Service) applySettlement(ctx context.Context, tx *domain.Transaction, movements []domain.StockMovement) error {
	if _, err := s.applyMovements(ctx, movements, true); err != nil {
		return fmt.Errorf("stock: %w", err)
	}
	if tx.ShiftID == "" {
		return nil
	}
	cash, nonCash := calc.Channels(tx.Payments, tx.Change)
	if _, _, err := s.repo.RecordSettlement(ctx, tx.ShiftID, domain.Settlement{
		Reference: tx.ID,
		Cash:      cash,
		NonCash:   nonCash,
	}); err != nil {
		return fmt.Errorf("shift %s: %w", tx.ShiftID, err)
	}
	return nil
}

// paymentShift resolves the shift that receives the settlement: the shift
// stamped on the draft while it is still open, otherwise the station's
// current open shift.
func (s *Service) paymentShift(ctx context.Context, tx *domain.Transaction) (string, error) {
	if tx.ShiftID != "" {
		shift, err := s.repo.GetShift(ctx, tx.ShiftID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if err == nil && shift.Status == domain.ShiftStatusOpen {
			return shift.ID, nil
		}
	}

	shift, err := s.repo.GetOpenShift(ctx, tx.Station)
	switch {
	case err == nil:
		return shift.ID, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", err
	case s.opts.RequireOpenShift:
		return "", store.ErrNoOpenShift
	default:
		return "", nil
	}
}

// checkStock rejects a sale that would take a tracked product below zero.
func (s *Service) checkStock(ctx context.Context, items []domain.LineItem) error {
	need := make(map[string]int64, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := need[item.ProductID]; !ok {
			ids = append(ids, item.ProductID)
		}
		need[item.ProductID] += item.Qty
	}
	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		if product.Tracked() && product.CurrentStock < need[id] {
			return fmt.Errorf("%w: %s has %d, needs %d", store.ErrInsufficientStock, product.Name, product.CurrentStock, need[id])
		}
	}
	return nil
}

// checkTenders normalises the tenders and returns them with the change due.
// Change is handed back in cash, so it may not exceed the cash tendered.
func checkTenders(total int64, tenders []domain.Payment) ([]domain.Payment, int64, error) {
	if len(tenders) == 0 {
		return nil, 0, store.Validation("at least one payment is required")
	}
	payments := make([]domain.Payment, 0, len(tenders))
	for _, t := range tenders {
		method := strings.ToLower(strings.TrimSpace(t.Method))
		if !knownMethods[method] {
			return nil, 0, store.Validation("unknown payment method %q", t.Method)
		}
		if t.Amount <= 0 {
			return nil, 0, store.Validation("payment amount must be greater than zero")
		}
		payments = append(payments, domain.Payment{
			Method:    method,
			Amount:    t.Amount,
			Reference: strings.TrimSpace(t.Reference),
		})
	}

	change, err := calc.Change(total, payments)
	if err != nil {
		return nil, 0, err
	}
	if cash, _ := calc.Channels(payments, change); cash < 0 {
		return nil, 0, store.Validation("change of %d exceeds the cash tendered", change)
	}
	return payments, change, nil
}
