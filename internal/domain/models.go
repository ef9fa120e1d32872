package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	SKU             string            `json:"sku,omitempty"`
	Type            string            `json:"type"`
	Price           int64             `json:"price"`
	Cost            int64             `json:"cost"`
	MonitorStock    bool              `json:"monitor_stock"`
	MinStock        int64             `json:"min_stock"`
	CurrentStock    int64             `json:"current_stock"`
	CalculatedStock *int64            `json:"calculated_stock,omitempty"`
	Recipe          []RecipeComponent `json:"recipe,omitempty"`
	UOM             UnitOfMeasure     `json:"uom"`
	CreatedBy       string            `json:"created_by"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	DeletedAt       *time.Time        `json:"deleted_at,omitempty"`
}

// RecipeComponent is one raw material consumed per unit of a recipe product,
// expressed in the material's base unit.
type RecipeComponent struct {
	MaterialID string `json:"material_id"`
	Qty        int64  `json:"qty"`
	Unit       string `json:"unit"`
}

type UnitOfMeasure struct {
	Base        string           `json:"base"`
	Conversions []UnitConversion `json:"conversions,omitempty"`
}

type UnitConversion struct {
	Unit  string `json:"unit"`
	Value int64  `json:"value"`
}

// Tracked reports whether sales and restocks move the product's stored stock.
func (p Product) Tracked() bool {
	return p.MonitorStock && p.Type != ProductTypeRecipe
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
}

type DiscountInput struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
}

type TaxInput struct {
	Enabled bool            `json:"enabled"`
	Rate    decimal.Decimal `json:"rate"`
}

// Cart is the editable shape of an order before it becomes a ledger record.
// TransactionID and TransactionNumber are set only when a saved order is resumed.
type Cart struct {
	TransactionID     string         `json:"transaction_id,omitempty"`
	TransactionNumber string         `json:"transaction_number,omitempty"`
	CustomerID        string         `json:"customer_id,omitempty"`
	Station           string         `json:"station,omitempty"`
	Items             []CartItem     `json:"items"`
	Discount          *DiscountInput `json:"discount,omitempty"`
	Tax               *TaxInput      `json:"tax,omitempty"`
	Notes             string         `json:"notes,omitempty"`
}

type LineItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	Subtotal  int64  `json:"subtotal"`
}

type Discount struct {
	Type   string          `json:"type"`
	Value  decimal.Decimal `json:"value"`
	Amount int64           `json:"amount"`
}

type Tax struct {
	Enabled bool            `json:"enabled"`
	Rate    decimal.Decimal `json:"rate"`
	Amount  int64           `json:"amount"`
}

type Payment struct {
	Method    string `json:"method"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type Transaction struct {
	ID                string     `json:"id"`
	Number            string     `json:"transaction_number"`
	CustomerID        string     `json:"customer_id,omitempty"`
	Station           string     `json:"station"`
	ShiftID           string     `json:"shift_id,omitempty"`
	Items             []LineItem `json:"items"`
	Subtotal          int64      `json:"subtotal"`
	Discount          Discount   `json:"discount"`
	Tax               Tax        `json:"tax"`
	Total             int64      `json:"total"`
	Payments          []Payment  `json:"payments"`
	Change            int64      `json:"change"`
	Status            string     `json:"status"`
	Notes             string     `json:"notes,omitempty"`
	CreatedBy         string     `json:"created_by"`
	UpdatedBy         string     `json:"updated_by"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	SavedAt           *time.Time `json:"saved_at,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	DeletedBy         string     `json:"deleted_by,omitempty"`
	AdjustmentPending bool       `json:"adjustment_pending"`
	AdjustmentError   string     `json:"adjustment_error,omitempty"`
}

type TransactionFilter struct {
	Status         string
	Station        string
	IncludeDeleted bool
	Limit          int
}

// MarkPaid carries the settlement written by the paid compare-and-set.
// ShiftID replaces the shift stamped on the draft; empty means no shift.
type MarkPaid struct {
	TransactionID string
	ShiftID       string
	Payments      []Payment
	Change        int64
	PaidBy        string
	PaidAt        time.Time
}

type PaymentResult struct {
	Success     bool         `json:"success"`
	Change      int64        `json:"change"`
	Message     string       `json:"message"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

type CashierShift struct {
	ID                string     `json:"id"`
	Station           string     `json:"station"`
	OpenedBy          string     `json:"opened_by"`
	ClosedBy          string     `json:"closed_by,omitempty"`
	OpeningBalance    int64      `json:"opening_balance"`
	TotalTransactions int64      `json:"total_transactions"`
	TotalSales        int64      `json:"total_sales"`
	TotalCash         int64      `json:"total_cash"`
	TotalNonCash      int64      `json:"total_non_cash"`
	ClosingBalance    *int64     `json:"closing_balance,omitempty"`
	ActualCash        *int64     `json:"actual_cash,omitempty"`
	Variance          *int64     `json:"variance,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	Status            string     `json:"status"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

// Settlement is the amount one paid transaction contributes to a shift.
// Reference makes the increment idempotent.
type Settlement struct {
	Reference string `json:"reference"`
	Cash      int64  `json:"cash"`
	NonCash   int64  `json:"non_cash"`
}

func (s Settlement) Total() int64 {
	return s.Cash + s.NonCash
}

type CloseShift struct {
	ShiftID    string
	ClosedBy   string
	ActualCash int64
	Notes      string
	ClosedAt   time.Time
}

// StockMovement is one signed change to a product's stock, keyed by
// (CauseID, ProductID, Direction) so a replay is detected.
type StockMovement struct {
	ID        string    `json:"id"`
	CauseID   string    `json:"cause_id"`
	ProductID string    `json:"product_id"`
	Direction string    `json:"direction"`
	Delta     int64     `json:"delta"`
	UnitCost  int64     `json:"unit_cost,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type StockBatch struct {
	Movements     []StockMovement
	AllowNegative bool
}

// StockChange reports the effect of one movement. Applied is false for
// untracked products and for replays.
type StockChange struct {
	ProductID string `json:"product_id"`
	Direction string `json:"direction"`
	Delta     int64  `json:"delta"`
	Before    int64  `json:"before"`
	After     int64  `json:"after"`
	MinStock  int64  `json:"min_stock"`
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate"`
}

type OpnameCount struct {
	ProductID   string `json:"product_id"`
	ActualStock int64  `json:"actual_stock"`
}

type OpnameLine struct {
	ProductID   string `json:"product_id"`
	SystemStock int64  `json:"system_stock"`
	ActualStock int64  `json:"actual_stock"`
	Variance    int64  `json:"variance"`
}

type OpnameReport struct {
	ID        string       `json:"id"`
	Items     []OpnameLine `json:"items"`
	Notes     string       `json:"notes,omitempty"`
	CreatedBy string       `json:"created_by"`
	CreatedAt time.Time    `json:"created_at"`
}

type InvoiceItem struct {
	ProductID string `json:"product_id"`
	Qty       int64  `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

type InvoiceInput struct {
	SupplierID    string        `json:"supplier_id"`
	Items         []InvoiceItem `json:"items"`
	PaymentMethod string        `json:"payment_method"`
	PaidAmount    int64         `json:"paid_amount"`
}

type Invoice struct {
	ID             string        `json:"id"`
	Number         string        `json:"invoice_number"`
	SupplierID     string        `json:"supplier_id"`
	Items          []InvoiceItem `json:"items"`
	Subtotal       int64         `json:"subtotal"`
	Total          int64         `json:"total"`
	PaymentMethod  string        `json:"payment_method"`
	PaymentType    string        `json:"payment_type"`
	Status         string        `json:"status"`
	PaidAmount     int64         `json:"paid_amount"`
	RemainingDebt  int64         `json:"remaining_debt"`
	RestockPending bool          `json:"restock_pending"`
	RestockError   string        `json:"restock_error,omitempty"`
	CreatedBy      string        `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
}

type Notification struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the identity stamped on every mutating call.
type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

// ReconcileReport counts the retried transactions and invoices. Failed holds
// the ids of both kinds that are still pending.
type ReconcileReport struct {
	Checked           int      `json:"checked"`
	Reconciled        int      `json:"reconciled"`
	InvoicesChecked   int      `json:"invoices_checked"`
	InvoicesRestocked int      `json:"invoices_restocked"`
	Failed            []string `json:"failed,omitempty"`
}

const (
	ProductTypeFinished = "finish_goods"
	ProductTypeRecipe   = "recipe_goods"
	ProductTypeRaw      = "raw_material"
)

const (
	TxStatusSaved  = "saved"
	TxStatusUnpaid = "unpaid"
	TxStatusPaid   = "paid"
)

const (
	PaymentCash    = "cash"
	PaymentEWallet = "ewallet"
	PaymentQRIS    = "qris"
	PaymentCard    = "card"
)

const (
	DiscountPercent = "percent"
	DiscountNominal = "nominal"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	MovementSale     = "sale"
	MovementReversal = "reversal"
	MovementRestock  = "restock"
	MovementWaste    = "waste"
	MovementOpname   = "opname"
	MovementManual   = "manual"
)

const (
	InvoiceStatusPaid   = "paid"
	InvoiceStatusUnpaid = "unpaid"
	InvoiceKasOutlet    = "kas_outlet"
	InvoiceBank         = "bank"
)

const (
	NotifyLowStock       = "low_stock"
	NotifySavedOrder     = "saved_order"
	NotifyPaymentFailure = "payment_failure"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)
