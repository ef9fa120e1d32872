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

const transactionColumns = `id, transaction_number, COALESCE(customer_id,''), station, COALESCE(shift_id::text,''),
	subtotal, discount_type, discount_value, discount_amount, tax_enabled, tax_rate, tax_amount,
	total, payments, change_amount, status, notes, created_by, updated_by, created_at, updated_at,
	saved_at, paid_at, deleted_at, COALESCE(deleted_by,''), adjustment_pending, COALESCE(adjustment_error,'')`

func scanTransaction(row interface{ Scan(...any) error }) (domain.Transaction, error) {
	var tx domain.Transaction
	var payments []byte
	var savedAt, paidAt, deletedAt sql.NullTime
	err := row.Scan(
		&tx.ID,
		&tx.Number,
		&tx.CustomerID,
		&tx.Station,
		&tx.ShiftID,
		&tx.Subtotal,
		&tx.Discount.Type,
		&tx.Discount.Value,
		&tx.Discount.Amount,
		&tx.Tax.Enabled,
		&tx.Tax.Rate,
		&tx.Tax.Amount,
		&tx.Total,
		&payments,
		&tx.Change,
		&tx.Status,
		&tx.Notes,
		&tx.CreatedBy,
		&tx.UpdatedBy,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&savedAt,
		&paidAt,
		&deletedAt,
		&tx.DeletedBy,
		&tx.AdjustmentPending,
		&tx.AdjustmentError,
	)
	if err != nil {
		return tx, err
	}
	if len(payments) > 0 {
		if err := json.Unmarshal(payments, &tx.Payments); err != nil {
			return tx, fmt.Errorf("decode payments of %s: %w", tx.ID, err)
		}
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	tx.SavedAt = fromNullTime(savedAt)
	tx.PaidAt = fromNullTime(paidAt)
	tx.DeletedAt = fromNullTime(deletedAt)
	return tx, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.Number == "" || len(tx.Items) == 0 {
		return nil, store.Validation("transaction id, number and items are required")
	}
	payments, err := json.Marshal(nonNil(tx.Payments))
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, transaction_number, customer_id, station, shift_id,
			subtotal, discount_type, discount_value, discount_amount,
			tax_enabled, tax_rate, tax_amount, total, payments, change_amount,
			status, notes, created_by, updated_by, created_at, updated_at, saved_at, paid_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, tx.ID, tx.Number, nullIfEmpty(tx.CustomerID), tx.Station, nullIfEmpty(tx.ShiftID),
		tx.Subtotal, tx.Discount.Type, tx.Discount.Value, tx.Discount.Amount,
		tx.Tax.Enabled, tx.Tax.Rate, tx.Tax.Amount, tx.Total, payments, tx.Change,
		tx.Status, tx.Notes, tx.CreatedBy, tx.UpdatedBy, tx.CreatedAt, tx.UpdatedAt,
		nullTime(tx.SavedAt), nullTime(tx.PaidAt))
	if err != nil {
		if isUniqueViolation(err) {
			if constraintName(err) == "transactions_transaction_number_key" {
				return nil, fmt.Errorf("%w: transaction number %s already issued", store.ErrStateConflict, tx.Number)
			}
			return nil, store.Validation("transaction %s already exists", tx.ID)
		}
		return nil, err
	}
	if err := insertItems(ctx, pgTx, tx.ID, tx.Items); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &tx, nil
}

func insertItems(ctx context.Context, q queryer, transactionID string, items []domain.LineItem) error {
	for i, item := range items {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, line_no, product_id, name, price, qty, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, transactionID, i+1, item.ProductID, item.Name, item.Price, item.Qty, item.Subtotal); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadItems(ctx context.Context, q queryer, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(txs))
	index := make(map[string]int, len(txs))
	for i, tx := range txs {
		ids = append(ids, tx.ID)
		index[tx.ID] = i
	}

	rows, err := q.QueryContext(ctx, `
		SELECT transaction_id, product_id, name, price, qty, subtotal
		FROM transaction_items
		WHERE transaction_id = ANY($1::uuid[])
		ORDER BY transaction_id, line_no ASC
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var txID string
		var item domain.LineItem
		if err := rows.Scan(&txID, &item.ProductID, &item.Name, &item.Price, &item.Qty, &item.Subtotal); err != nil {
			return err
		}
		i := index[txID]
		txs[i].Items = append(txs[i].Items, item)
	}
	return rows.Err()
}

// findTransaction returns soft-deleted rows too; callers decide.
func (s *Store) findTransaction(ctx context.Context, q queryer, id string) (*domain.Transaction, error) {
	if !xid.Valid(id) {
		return nil, store.ErrNotFound
	}
	tx, err := scanTransaction(q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	list := []domain.Transaction{tx}
	if err := s.loadItems(ctx, q, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := s.findTransaction(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tx.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ($1 OR deleted_at IS NULL)
			AND ($2 = '' OR status = $2)
			AND ($3 = '' OR station = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, filter.IncludeDeleted, filter.Status, filter.Station, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0, 32)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateSavedTransaction(ctx context.Context, next domain.Transaction) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	res, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET customer_id = $2, subtotal = $3, discount_type = $4, discount_value = $5, discount_amount = $6,
			tax_enabled = $7, tax_rate = $8, tax_amount = $9, total = $10, notes = $11,
			updated_by = $12, updated_at = $13, saved_at = $14
		WHERE id = $1 AND deleted_at IS NULL AND status = 'saved'
	`, next.ID, nullIfEmpty(next.CustomerID), next.Subtotal, next.Discount.Type, next.Discount.Value,
		next.Discount.Amount, next.Tax.Enabled, next.Tax.Rate, next.Tax.Amount, next.Total, next.Notes,
		next.UpdatedBy, next.UpdatedAt, nullTime(next.SavedAt))
	if err != nil {
		return nil, err
	}
	if err := s.expectOneRow(ctx, pgTx, res, next.ID, notSaved); err != nil {
		return nil, err
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM transaction_items WHERE transaction_id = $1`, next.ID); err != nil {
		return nil, err
	}
	if err := insertItems(ctx, pgTx, next.ID, next.Items); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTransaction(ctx, next.ID)
}

func (s *Store) PromoteSavedTransaction(ctx context.Context, id string, actor string, at time.Time) (*domain.Transaction, error) {
	if !xid.Valid(id) {
		return nil, store.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'unpaid', updated_by = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL AND status = 'saved'
	`, id, actor, at)
	if err != nil {
		return nil, err
	}
	if err := s.expectOneRow(ctx, s.db, res, id, notSaved); err != nil {
		return nil, err
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) SoftDeleteTransaction(ctx context.Context, id string, actor string, at time.Time) (*domain.Transaction, error) {
	if !xid.Valid(id) {
		return nil, store.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET deleted_at = $3, deleted_by = $2, updated_by = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL AND status <> 'paid'
	`, id, actor, at)
	if err != nil {
		return nil, err
	}
	if err := s.expectOneRow(ctx, s.db, res, id, func(domain.Transaction) error { return store.ErrAlreadyPaid }); err != nil {
		return nil, err
	}
	tx, err := s.findTransaction(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) MarkTransactionPaid(ctx context.Context, in domain.MarkPaid) (*domain.Transaction, error) {
	if !xid.Valid(in.TransactionID) {
		return nil, store.ErrNotFound
	}
	payments, err := json.Marshal(nonNil(in.Payments))
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// The shared lock orders this write against CloseShift on the same shift.
	if in.ShiftID != "" {
		if !xid.Valid(in.ShiftID) {
			return nil, store.ErrNotFound
		}
		var status string
		err := pgTx.QueryRowContext(ctx, `SELECT status FROM cashier_shifts WHERE id = $1 FOR SHARE`, in.ShiftID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if status != domain.ShiftStatusOpen {
			return nil, store.ErrAlreadyClosed
		}
	}

	res, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET payments = $2, change_amount = $3, status = 'paid', paid_at = $4,
			shift_id = $5::uuid, updated_by = $6, updated_at = $4,
			adjustment_pending = true, adjustment_error = NULL
		WHERE id = $1 AND deleted_at IS NULL AND status = 'unpaid'
	`, in.TransactionID, payments, in.Change, in.PaidAt, nullIfEmpty(in.ShiftID), in.PaidBy)
	if err != nil {
		return nil, err
	}
	err = s.expectOneRow(ctx, pgTx, res, in.TransactionID, func(tx domain.Transaction) error {
		if tx.Status == domain.TxStatusSaved {
			return store.ErrInvalidState
		}
		return store.ErrAlreadyPaid
	})
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTransaction(ctx, in.TransactionID)
}

func (s *Store) SetAdjustmentState(ctx context.Context, id string, pending bool, lastErr string) error {
	if !xid.Valid(id) {
		return store.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET adjustment_pending = $2, adjustment_error = $3
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

func (s *Store) ListPendingAdjustments(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'paid' AND adjustment_pending
		ORDER BY paid_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0, 8)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// expectOneRow maps a guarded UPDATE that touched nothing to the error that
// explains why: missing/deleted rows are ErrNotFound, anything else goes
// through conflict.
func (s *Store) expectOneRow(ctx context.Context, q queryer, res sql.Result, id string, conflict func(domain.Transaction) error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	current, err := s.findTransaction(ctx, q, id)
	if err != nil {
		return err
	}
	if current.DeletedAt != nil {
		return store.ErrNotFound
	}
	return conflict(*current)
}

func notSaved(tx domain.Transaction) error {
	if tx.Status == domain.TxStatusPaid {
		return store.ErrAlreadyPaid
	}
	return fmt.Errorf("%w: transaction %s is %s, not saved", store.ErrStateConflict, tx.Number, tx.Status)
}
