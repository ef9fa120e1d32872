package store

import (
	"context"
	"time"

	"kasirinaja/ledger/internal/domain"
)

// Repository is the ledger store. Every method that changes more than one
// field is a single atomic unit in the backing implementation.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// NextSequence increments the counter for (prefix, day) and returns the
	// new value. It returns ErrSequenceExhausted once max has been issued.
	NextSequence(ctx context.Context, prefix string, day string, max int) (int, error)

	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	UpdateSavedTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	PromoteSavedTransaction(ctx context.Context, id string, actor string, at time.Time) (*domain.Transaction, error)
	SoftDeleteTransaction(ctx context.Context, id string, actor string, at time.Time) (*domain.Transaction, error)
	MarkTransactionPaid(ctx context.Context, in domain.MarkPaid) (*domain.Transaction, error)
	SetAdjustmentState(ctx context.Context, id string, pending bool, lastErr string) error
	ListPendingAdjustments(ctx context.Context, limit int) ([]domain.Transaction, error)

	ApplyStockMovements(ctx context.Context, batch domain.StockBatch) ([]domain.StockChange, error)
	ListStockMovements(ctx context.Context, causeID string) ([]domain.StockMovement, error)

	CreateShift(ctx context.Context, shift domain.CashierShift) (*domain.CashierShift, error)
	GetShift(ctx context.Context, id string) (*domain.CashierShift, error)
	GetOpenShift(ctx context.Context, station string) (*domain.CashierShift, error)
	RecordSettlement(ctx context.Context, shiftID string, settlement domain.Settlement) (*domain.CashierShift, bool, error)
	CloseShift(ctx context.Context, in domain.CloseShift) (*domain.CashierShift, error)

	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	RecordInvoicePayment(ctx context.Context, id string, amount int64, at time.Time) (*domain.Invoice, error)
	SetInvoiceRestockState(ctx context.Context, id string, pending bool, lastErr string) error
	ListPendingRestocks(ctx context.Context, limit int) ([]domain.Invoice, error)

	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}
