package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

const invoiceColumns = `id, invoice_number, supplier_id, items, subtotal, total, payment_method, payment_type,
	status, paid_amount, remaining_debt, restock_pending, COALESCE(restock_error,''), created_by, created_at,
	updated_at, deleted_at`

func scanInvoice(row interface{ Scan(...any) error }) (*domain.Invoice, error) {
	var inv domain.Invoice
	var items []byte
	var deletedAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.Number, &inv.SupplierID, &items, &inv.Subtotal, &inv.Total,
		&inv.PaymentMethod, &inv.PaymentType, &inv.Status, &inv.PaidAmount, &inv.RemainingDebt,
		&inv.RestockPending, &inv.RestockError, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(items, &inv.Items); err != nil {
		return nil, fmt.Errorf("decode invoice items of %s: %w", inv.ID, err)
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	inv.DeletedAt = fromNullTime(deletedAt)
	return &inv, nil
}

func (s *Store) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.ID == "" || invoice.Number == "" || len(invoice.Items) == 0 {
		return nil, store.Validation("invoice id, number and items are required")
	}
	items, err := json.Marshal(invoice.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO purchase_invoices (
			id, invoice_number, supplier_id, items, subtotal, total, payment_method, payment_type,
			status, paid_amount, remaining_debt, restock_pending, restock_error, created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, invoice.ID, invoice.Number, invoice.SupplierID, items, invoice.Subtotal, invoice.Total,
		invoice.PaymentMethod, invoice.PaymentType, invoice.Status, invoice.PaidAmount,
		invoice.RemainingDebt, invoice.RestockPending, nullIfEmpty(invoice.RestockError),
		invoice.CreatedBy, invoice.CreatedAt, invoice.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: invoice number %s already issued", store.ErrStateConflict, invoice.Number)
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	if !xid.Valid(id) {
		return nil, store.ErrNotFound
	}
	return scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM purchase_invoices
		WHERE id = $1 AND deleted_at IS NULL
	`, id))
}

func (s *Store) RecordInvoicePayment(ctx context.Context, id string, amount int64, at time.Time) (*domain.Invoice, error) {
	current, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if amount <= 0 || amount > current.RemainingDebt {
		return nil, store.Validation("payment must be between 1 and the remaining debt %d", current.RemainingDebt)
	}

	updated, err := scanInvoice(s.db.QueryRowContext(ctx, `
		UPDATE purchase_invoices
		SET paid_amount = paid_amount + $2,
			remaining_debt = remaining_debt - $2,
			status = CASE WHEN remaining_debt - $2 = 0 THEN 'paid' ELSE status END,
			updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL AND remaining_debt >= $2
		RETURNING `+invoiceColumns,
		id, amount, at))
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.Validation("invoice %s was paid concurrently", current.Number)
	}
	return updated, err
}

func (s *Store) SetInvoiceRestockState(ctx context.Context, id string, pending bool, lastErr string) error {
	if !xid.Valid(id) {
		return store.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_invoices
		SET restock_pending = $2, restock_error = $3
		WHERE id = $1
	`, id, pending, nullIfEmpty(lastErr))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPendingRestocks(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM purchase_invoices
		WHERE restock_pending AND deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}
