package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

type lockedProduct struct {
	productType  string
	monitorStock bool
	minStock     int64
	currentStock int64
	cost         int64
}

func (p lockedProduct) tracked() bool {
	return p.monitorStock && p.productType != domain.ProductTypeRecipe
}

// ApplyStockMovements locks every touched product row in id order, skips
// movements already recorded for their (cause, product, direction) and
// applies the rest in one transaction.
func (s *Store) ApplyStockMovements(ctx context.Context, batch domain.StockBatch) ([]domain.StockChange, error) {
	ids := make([]string, 0, len(batch.Movements))
	seenKeys := make(map[string]bool, len(batch.Movements))
	for _, m := range batch.Movements {
		if m.CauseID == "" || m.Direction == "" || m.Delta == 0 {
			return nil, store.Validation("stock movement needs a cause, a direction and a non-zero delta")
		}
		if !xid.Valid(m.ProductID) {
			return nil, fmt.Errorf("product %s: %w", m.ProductID, store.ErrNotFound)
		}
		key := m.CauseID + "::" + m.ProductID + "::" + m.Direction
		if seenKeys[key] {
			return nil, store.Validation("product %s appears twice for %s", m.ProductID, m.CauseID)
		}
		seenKeys[key] = true
		ids = append(ids, m.ProductID)
	}
	sort.Strings(ids)

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, type, monitor_stock, min_stock, current_stock, cost
		FROM products
		WHERE id = ANY($1::uuid[]) AND deleted_at IS NULL
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	locked := make(map[string]lockedProduct, len(ids))
	for rows.Next() {
		var id string
		var p lockedProduct
		if err := rows.Scan(&id, &p.productType, &p.monitorStock, &p.minStock, &p.currentStock, &p.cost); err != nil {
			rows.Close()
			return nil, err
		}
		locked[id] = p
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	changes := make([]domain.StockChange, 0, len(batch.Movements))
	for _, m := range batch.Movements {
		p, exists := locked[m.ProductID]
		if !exists {
			return nil, fmt.Errorf("product %s: %w", m.ProductID, store.ErrNotFound)
		}
		change := domain.StockChange{
			ProductID: m.ProductID,
			Direction: m.Direction,
			Delta:     m.Delta,
			Before:    p.currentStock,
			After:     p.currentStock,
			MinStock:  p.minStock,
		}
		if !p.tracked() {
			changes = append(changes, change)
			continue
		}

		var alreadyApplied bool
		if err := pgTx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM stock_movements
				WHERE cause_id = $1 AND product_id = $2 AND direction = $3
			)
		`, m.CauseID, m.ProductID, m.Direction).Scan(&alreadyApplied); err != nil {
			return nil, err
		}
		if alreadyApplied {
			change.Duplicate = true
			changes = append(changes, change)
			continue
		}

		change.After = p.currentStock + m.Delta
		if m.Delta < 0 && change.After < 0 && !batch.AllowNegative {
			return nil, fmt.Errorf("%w: product %s has %d, needs %d", store.ErrInsufficientStock, m.ProductID, p.currentStock, -m.Delta)
		}
		if m.Delta > 0 && m.UnitCost > 0 {
			p.cost = weightedCost(p.cost, p.currentStock, m.UnitCost, m.Delta)
		}

		if _, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET current_stock = $2, cost = $3, updated_at = now()
			WHERE id = $1
		`, m.ProductID, change.After, p.cost); err != nil {
			return nil, err
		}

		if m.ID == "" {
			m.ID = xid.New()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, cause_id, product_id, direction, delta, unit_cost, note, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, m.ID, m.CauseID, m.ProductID, m.Direction, m.Delta, m.UnitCost, m.Note, m.CreatedBy, m.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: movement %s for %s recorded concurrently", store.ErrStateConflict, m.Direction, m.ProductID)
			}
			return nil, err
		}

		p.currentStock = change.After
		locked[m.ProductID] = p
		change.Applied = true
		changes = append(changes, change)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Store) ListStockMovements(ctx context.Context, causeID string) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cause_id, product_id, direction, delta, unit_cost, note, created_by, created_at
		FROM stock_movements
		WHERE cause_id = $1
		ORDER BY created_at ASC, product_id ASC
	`, causeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, 8)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.CauseID, &m.ProductID, &m.Direction, &m.Delta, &m.UnitCost, &m.Note, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
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
