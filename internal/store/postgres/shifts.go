package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

const shiftColumns = `id, station, opened_by, COALESCE(closed_by,''), opening_balance, total_transactions,
	total_sales, total_cash, total_non_cash, closing_balance, actual_cash, variance, notes, status,
	opened_at, closed_at`

func scanShift(row interface{ Scan(...any) error }) (*domain.CashierShift, error) {
	var shift domain.CashierShift
	var closing, actual, variance sql.NullInt64
	var closedAt sql.NullTime
	err := row.Scan(
		&shift.ID,
		&shift.Station,
		&shift.OpenedBy,
		&shift.ClosedBy,
		&shift.OpeningBalance,
		&shift.TotalTransactions,
		&shift.TotalSales,
		&shift.TotalCash,
		&shift.TotalNonCash,
		&closing,
		&actual,
		&variance,
		&shift.Notes,
		&shift.Status,
		&shift.OpenedAt,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.OpenedAt = shift.OpenedAt.UTC()
	shift.ClosingBalance = fromNullInt(closing)
	shift.ActualCash = fromNullInt(actual)
	shift.Variance = fromNullInt(variance)
	shift.ClosedAt = fromNullTime(closedAt)
	return &shift, nil
}

func (s *Store) CreateShift(ctx context.Context, shift domain.CashierShift) (*domain.CashierShift, error) {
	if strings.TrimSpace(shift.Station) == "" || strings.TrimSpace(shift.OpenedBy) == "" {
		return nil, store.Validation("station and opened_by are required")
	}
	if shift.ID == "" {
		shift.ID = xid.New()
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}

	created, err := scanShift(s.db.QueryRowContext(ctx, `
		INSERT INTO cashier_shifts (id, station, opened_by, opening_balance, notes, status, opened_at)
		VALUES ($1,$2,$3,$4,$5,'open',$6)
		RETURNING `+shiftColumns,
		shift.ID, shift.Station, shift.OpenedBy, shift.OpeningBalance, shift.Notes, shift.OpenedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrShiftAlreadyOpen
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.CashierShift, error) {
	if !xid.Valid(id) {
		return nil, store.ErrNotFound
	}
	return scanShift(s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM cashier_shifts
		WHERE id = $1
	`, id))
}

func (s *Store) GetOpenShift(ctx context.Context, station string) (*domain.CashierShift, error) {
	return scanShift(s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM cashier_shifts
		WHERE station = $1 AND status = 'open'
	`, station))
}

// RecordSettlement reports false when the reference was already counted.
func (s *Store) RecordSettlement(ctx context.Context, shiftID string, settlement domain.Settlement) (*domain.CashierShift, bool, error) {
	if settlement.Reference == "" || settlement.Cash < 0 || settlement.NonCash < 0 {
		return nil, false, store.Validation("settlement needs a reference and non-negative amounts")
	}
	if !xid.Valid(shiftID) {
		return nil, false, store.ErrNotFound
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	shift, err := scanShift(pgTx.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM cashier_shifts
		WHERE id = $1
		FOR UPDATE
	`, shiftID))
	if err != nil {
		return nil, false, err
	}

	var exists bool
	if err := pgTx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM shift_settlements WHERE shift_id = $1 AND reference = $2)
	`, shiftID, settlement.Reference).Scan(&exists); err != nil {
		return nil, false, err
	}
	if exists {
		return shift, false, nil
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, false, store.ErrAlreadyClosed
	}

	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO shift_settlements (shift_id, reference, cash, non_cash, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, shiftID, settlement.Reference, settlement.Cash, settlement.NonCash); err != nil {
		return nil, false, err
	}
	updated, err := scanShift(pgTx.QueryRowContext(ctx, `
		UPDATE cashier_shifts
		SET total_transactions = total_transactions + 1,
			total_sales = total_sales + $2,
			total_cash = total_cash + $3,
			total_non_cash = total_non_cash + $4
		WHERE id = $1
		RETURNING `+shiftColumns,
		shiftID, settlement.Total(), settlement.Cash, settlement.NonCash))
	if err != nil {
		return nil, false, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// CloseShift refuses while a paid transaction on the shift still waits for
// its settlement, so the closing balance never misses drawer cash.
func (s *Store) CloseShift(ctx context.Context, in domain.CloseShift) (*domain.CashierShift, error) {
	if !xid.Valid(in.ShiftID) {
		return nil, store.ErrNotFound
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	shift, err := scanShift(pgTx.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM cashier_shifts
		WHERE id = $1
		FOR UPDATE
	`, in.ShiftID))
	if err != nil {
		return nil, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrAlreadyClosed
	}

	var pending string
	err = pgTx.QueryRowContext(ctx, `
		SELECT t.transaction_number
		FROM transactions t
		WHERE t.shift_id = $1 AND t.status = 'paid' AND t.adjustment_pending
			AND NOT EXISTS (
				SELECT 1 FROM shift_settlements ss
				WHERE ss.shift_id = t.shift_id AND ss.reference = t.id::text
			)
		LIMIT 1
	`, in.ShiftID).Scan(&pending)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", store.ErrSettlementPending, pending)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	closed, err := scanShift(pgTx.QueryRowContext(ctx, `
		UPDATE cashier_shifts
		SET status = 'closed',
			closing_balance = opening_balance + total_cash,
			actual_cash = $2,
			variance = $2 - (opening_balance + total_cash),
			closed_by = $3,
			notes = $4,
			closed_at = $5
		WHERE id = $1
		RETURNING `+shiftColumns,
		in.ShiftID, in.ActualCash, in.ClosedBy, in.Notes, in.ClosedAt))
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return closed, nil
}
