package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/ledger/internal/calc"
	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

// StockAdjustment is a single signed change requested by an operator or a
// ledger flow. CauseID and Direction make it idempotent.
type StockAdjustment struct {
	ProductID string `json:"product_id"`
	Delta     int64  `json:"delta"`
	CauseID   string `json:"cause_id"`
	Direction string `json:"direction"`
	UnitCost  int64  `json:"unit_cost,omitempty"`
	Note      string `json:"note,omitempty"`
}

// AdjustStock applies one delta to a product's current stock. Untracked
// products succeed without change; a replayed cause is reported as a
// duplicate and not applied again.
func (s *Service) AdjustStock(ctx context.Context, actor domain.Actor, adj StockAdjustment) (domain.StockChange, error) {
	if err := requireActor(actor); err != nil {
		return domain.StockChange{}, err
	}
	if adj.Delta == 0 {
		return domain.StockChange{}, store.Validation("delta must not be zero")
	}
	if adj.CauseID == "" {
		adj.CauseID = xid.New()
	}
	adj.Direction = defaultString(adj.Direction, domain.MovementManual)

	changes, err := s.applyMovements(ctx, []domain.StockMovement{{
		CauseID:   adj.CauseID,
		ProductID: adj.ProductID,
		Direction: adj.Direction,
		Delta:     adj.Delta,
		UnitCost:  adj.UnitCost,
		Note:      strings.TrimSpace(adj.Note),
		CreatedBy: actor.Username,
	}}, s.opts.AllowNegativeStock)
	if err != nil {
		return domain.StockChange{}, err
	}
	return changes[0], nil
}

// RecordWaste removes spoiled or damaged units from stock.
func (s *Service) RecordWaste(ctx context.Context, actor domain.Actor, productID string, qty int64, reason string) (domain.StockChange, error) {
	if qty <= 0 {
		return domain.StockChange{}, store.Validation("waste qty must be greater than zero")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.StockChange{}, store.Validation("waste reason is required")
	}
	return s.AdjustStock(ctx, actor, StockAdjustment{
		ProductID: productID,
		Delta:     -qty,
		Direction: domain.MovementWaste,
		Note:      reason,
	})
}

// RecordOpname sets tracked products to their physically counted stock and
// reports the variance per product. Counts that already match the system
// stock produce no movement.
func (s *Service) RecordOpname(ctx context.Context, actor domain.Actor, counts []domain.OpnameCount, notes string) (domain.OpnameReport, error) {
	if err := requireActor(actor); err != nil {
		return domain.OpnameReport{}, err
	}
	if len(counts) == 0 {
		return domain.OpnameReport{}, store.Validation("opname needs at least one count")
	}

	ids := make([]string, 0, len(counts))
	seen := make(map[string]bool, len(counts))
	for _, c := range counts {
		if c.ActualStock < 0 {
			return domain.OpnameReport{}, store.Validation("counted stock for %s must not be negative", c.ProductID)
		}
		if seen[c.ProductID] {
			return domain.OpnameReport{}, store.Validation("product %s counted twice", c.ProductID)
		}
		seen[c.ProductID] = true
		ids = append(ids, c.ProductID)
	}
	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return domain.OpnameReport{}, err
	}

	report := domain.OpnameReport{
		ID:        xid.New(),
		Notes:     strings.TrimSpace(notes),
		CreatedBy: actor.Username,
		CreatedAt: s.now(),
	}
	movements := make([]domain.StockMovement, 0, len(counts))
	for _, c := range counts {
		product, ok := products[c.ProductID]
		if !ok {
			return domain.OpnameReport{}, fmt.Errorf("product %s: %w", c.ProductID, store.ErrNotFound)
		}
		if !product.Tracked() {
			return domain.OpnameReport{}, store.Validation("product %s does not track stock", product.Name)
		}
		line := domain.OpnameLine{
			ProductID:   c.ProductID,
			SystemStock: product.CurrentStock,
			ActualStock: c.ActualStock,
			Variance:    c.ActualStock - product.CurrentStock,
		}
		report.Items = append(report.Items, line)
		if line.Variance != 0 {
			movements = append(movements, domain.StockMovement{
				CauseID:   report.ID,
				ProductID: c.ProductID,
				Direction: domain.MovementOpname,
				Delta:     line.Variance,
				Note:      report.Notes,
				CreatedBy: actor.Username,
			})
		}
	}

	if len(movements) > 0 {
		if _, err := s.applyMovements(ctx, movements, true); err != nil {
			return domain.OpnameReport{}, err
		}
	}
	return report, nil
}

// ListProducts returns products with the recipe availability projected.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	stock := make(map[string]int64, len(products))
	for _, p := range products {
		stock[p.ID] = p.CurrentStock
	}
	for i := range products {
		if products[i].Type == domain.ProductTypeRecipe {
			available := calc.RecipeAvailability(products[i].Recipe, stock)
			products[i].CalculatedStock = &available
		}
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if product.Type == domain.ProductTypeRecipe {
		available, err := s.ProductAvailability(ctx, id)
		if err != nil {
			return domain.Product{}, err
		}
		product.CalculatedStock = &available
	}
	return *product, nil
}

// ProductAvailability is the sellable quantity: current stock for tracked
// products, the recipe projection for recipe goods.
func (s *Service) ProductAvailability(ctx context.Context, id string) (int64, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return 0, err
	}
	if product.Type != domain.ProductTypeRecipe {
		return product.CurrentStock, nil
	}

	ids := make([]string, 0, len(product.Recipe))
	for _, c := range product.Recipe {
		ids = append(ids, c.MaterialID)
	}
	materials, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return 0, err
	}
	stock := make(map[string]int64, len(materials))
	for id, m := range materials {
		stock[id] = m.CurrentStock
	}
	return calc.RecipeAvailability(product.Recipe, stock), nil
}

// applyMovements is the single path into the store for stock changes.
func (s *Service) applyMovements(ctx context.Context, movements []domain.StockMovement, allowNegative bool) ([]domain.StockChange, error) {
	ctx, span := s.tracer.Start(ctx, "stock.apply", trace.WithAttributes(
		attribute.Int("stock.movements", len(movements)),
		attribute.Bool("stock.allow_negative", allowNegative),
	))
	defer span.End()

	changes, err := s.repo.ApplyStockMovements(ctx, domain.StockBatch{
		Movements:     movements,
		AllowNegative: allowNegative,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, c := range changes {
		if c.Applied && (c.After < 0 || (c.MinStock > 0 && c.After <= c.MinStock)) {
			s.publish(ctx, domain.Notification{
				Type:    domain.NotifyLowStock,
				Title:   "Low stock",
				Message: fmt.Sprintf("Product %s is at %d (minimum %d)", c.ProductID, c.After, c.MinStock),
				Data: map[string]any{
					"productId":    c.ProductID,
					"currentStock": c.After,
					"minStock":     c.MinStock,
				},
			})
		}
	}
	return changes, nil
}

// saleMovements aggregates a transaction's lines into one negative movement
// per product, in product order.
func saleMovements(tx domain.Transaction, actor string) []domain.StockMovement {
	qty := make(map[string]int64, len(tx.Items))
	for _, item := range tx.Items {
		qty[item.ProductID] += item.Qty
	}
	ids := make([]string, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	movements := make([]domain.StockMovement, 0, len(ids))
	for _, id := range ids {
		movements = append(movements, domain.StockMovement{
			CauseID:   tx.ID,
			ProductID: id,
			Direction: domain.MovementSale,
			Delta:     -qty[id],
			Note:      tx.Number,
			CreatedBy: actor,
		})
	}
	return movements
}
