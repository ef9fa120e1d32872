// Package calc holds the pure order arithmetic: line subtotals, discount,
// tax, total and change. Nothing here touches storage.
package calc

import (
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
)

var hundred = decimal.NewFromInt(100)

type Totals struct {
	Items    []domain.LineItem
	Subtotal int64
	Discount domain.Discount
	Tax      domain.Tax
	Total    int64
}

// Lines snapshots cart items into line items. Quantities must be positive and
// prices non-negative.
func Lines(items []domain.CartItem) ([]domain.LineItem, int64, error) {
	if len(items) == 0 {
		return nil, 0, store.Validation("cart is empty")
	}
	lines := make([]domain.LineItem, 0, len(items))
	var subtotal int64
	for i, item := range items {
		if item.ProductID == "" {
			return nil, 0, store.Validation("item %d: product_id is required", i+1)
		}
		if item.Qty <= 0 {
			return nil, 0, store.Validation("item %d: qty must be greater than zero", i+1)
		}
		if item.Price < 0 {
			return nil, 0, store.Validation("item %d: price must not be negative", i+1)
		}
		lineTotal := item.Price * item.Qty
		lines = append(lines, domain.LineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Qty:       item.Qty,
			Subtotal:  lineTotal,
		})
		subtotal += lineTotal
	}
	return lines, subtotal, nil
}

// Discount resolves a discount against subtotal. The amount never exceeds
// the subtotal.
func Discount(subtotal int64, in *domain.DiscountInput) (domain.Discount, error) {
	if in == nil || in.Type == "" {
		return domain.Discount{Type: domain.DiscountNominal, Value: decimal.Zero}, nil
	}
	if in.Value.IsNegative() {
		return domain.Discount{}, store.Validation("discount value must not be negative")
	}

	var amount int64
	switch in.Type {
	case domain.DiscountPercent:
		if in.Value.GreaterThan(hundred) {
			return domain.Discount{}, store.Validation("percent discount must be between 0 and 100")
		}
		amount = decimal.NewFromInt(subtotal).Mul(in.Value).Div(hundred).Round(0).IntPart()
	case domain.DiscountNominal:
		amount = in.Value.Round(0).IntPart()
	default:
		return domain.Discount{}, store.Validation("unknown discount type %q", in.Type)
	}

	if amount > subtotal {
		amount = subtotal
	}
	return domain.Discount{Type: in.Type, Value: in.Value, Amount: amount}, nil
}

// Tax applies rate percent to base when enabled.
func Tax(base int64, in domain.TaxInput) (domain.Tax, error) {
	if in.Rate.IsNegative() {
		return domain.Tax{}, store.Validation("tax rate must not be negative")
	}
	out := domain.Tax{Enabled: in.Enabled, Rate: in.Rate}
	if !in.Enabled || base <= 0 {
		return out, nil
	}
	out.Amount = decimal.NewFromInt(base).Mul(in.Rate).Div(hundred).Round(0).IntPart()
	return out, nil
}

// Compute recalculates every derived amount of a cart. Tax is charged on the
// discounted subtotal.
func Compute(items []domain.CartItem, discount *domain.DiscountInput, tax domain.TaxInput) (Totals, error) {
	lines, subtotal, err := Lines(items)
	if err != nil {
		return Totals{}, err
	}
	disc, err := Discount(subtotal, discount)
	if err != nil {
		return Totals{}, err
	}
	t, err := Tax(subtotal-disc.Amount, tax)
	if err != nil {
		return Totals{}, err
	}
	return Totals{
		Items:    lines,
		Subtotal: subtotal,
		Discount: disc,
		Tax:      t,
		Total:    subtotal - disc.Amount + t.Amount,
	}, nil
}

// Change returns sum(payments) - total, or ErrInsufficientPayment when the
// tenders do not cover the total.
func Change(total int64, payments []domain.Payment) (int64, error) {
	var sum int64
	for _, p := range payments {
		sum += p.Amount
	}
	if sum < total {
		return 0, fmt.Errorf("%w: tendered %d, total %d", store.ErrInsufficientPayment, sum, total)
	}
	return sum - total, nil
}

// Channels splits a settled payment into the cash kept in the drawer and the
// non-cash amount. Change is always handed back in cash.
func Channels(payments []domain.Payment, change int64) (cash int64, nonCash int64) {
	for _, p := range payments {
		if p.Method == domain.PaymentCash {
			cash += p.Amount
		} else {
			nonCash += p.Amount
		}
	}
	return cash - change, nonCash
}

// RecipeAvailability is how many units of a recipe product the current
// component stock can produce. Missing components count as zero stock.
func RecipeAvailability(recipe []domain.RecipeComponent, stock map[string]int64) int64 {
	if len(recipe) == 0 {
		return 0
	}
	var available int64 = -1
	for _, c := range recipe {
		if c.Qty <= 0 {
			continue
		}
		units := stock[c.MaterialID] / c.Qty
		if stock[c.MaterialID] < 0 {
			units = 0
		}
		if available < 0 || units < available {
			available = units
		}
	}
	if available < 0 {
		return 0
	}
	return available
}
