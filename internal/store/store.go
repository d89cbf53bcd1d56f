package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
)

var (
	ErrNotFound          = fmt.Errorf("record %w", apperror.ErrNotFound)
	ErrInsufficientStock = &apperror.RuleViolation{Rule: "stock", Message: "insufficient stock"}
	ErrDuplicate         = &apperror.RuleViolation{Rule: "duplicate", Message: "record already exists"}
)

type Catalog interface {
	GetStockForRegister(ctx context.Context, registerID string) ([]domain.Product, error)
	GetProduct(ctx context.Context, registerID string, productID string) (*domain.Product, error)
	// AdjustStock fails with ErrInsufficientStock when the balance would go negative.
	AdjustStock(ctx context.Context, productID string, registerID string, delta int, reason string, contextRef string) (domain.StockLogEntry, error)
}

type ClientDirectory interface {
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	// GetCreditBalance derives debt as client sale totals minus client payments.
	GetCreditBalance(ctx context.Context, id string) (domain.CreditBalance, error)
	SearchClients(ctx context.Context, name string) ([]domain.Client, error)
}

type SalesRepository interface {
	AppendSale(ctx context.Context, sale domain.Sale) (string, error)
	AppendPayment(ctx context.Context, saleID string, payment domain.ClientPayment) error
	ListSalesSince(ctx context.Context, registerID string, since time.Time) ([]domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
	FindSalesByIDSuffix(ctx context.Context, suffix string) ([]domain.Sale, error)
	FindSalesByClientName(ctx context.Context, fragment string) ([]domain.Sale, error)
	ListPayments(ctx context.Context, saleID string) ([]domain.ClientPayment, error)
	ReturnedByLine(ctx context.Context, parentSaleID string) (map[string]domain.ReturnedLine, error)
	ListReturns(ctx context.Context, parentSaleID string) ([]domain.Sale, error)
	UpdateSaleStatus(ctx context.Context, id string, status domain.PaymentStatus) error
}

type SupplierLedger interface {
	GetPurchaseOrder(ctx context.Context, orderID string) (*domain.PurchaseOrder, error)
	RecordOrderPayment(ctx context.Context, orderID string, amount decimal.Decimal, ref string) (*domain.PurchaseOrder, error)
}

type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

type AuditLog interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, registerID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	Catalog
	ClientDirectory
	SalesRepository
	SupplierLedger
	UserStore
	AuditLog
}
