package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodMobileWallet PaymentMethod = "mobile_wallet"
	MethodStoreCredit  PaymentMethod = "store_credit"
	MethodCheck        PaymentMethod = "check"
	MethodInvoice      PaymentMethod = "invoice"
)

var PaymentMethods = []PaymentMethod{
	MethodCash,
	MethodCard,
	MethodMobileWallet,
	MethodStoreCredit,
	MethodCheck,
	MethodInvoice,
}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

// OnAccount reports whether a tender of this method is charged to the
// client's receivable balance instead of being collected at the register.
func (m PaymentMethod) OnAccount() bool {
	return m == MethodInvoice || m == MethodStoreCredit
}

type DiscountScope string

const (
	ScopeLine  DiscountScope = "line"
	ScopeOrder DiscountScope = "order"
)

type DiscountKind string

const (
	KindPercentage DiscountKind = "percentage"
	KindFixed      DiscountKind = "fixed"
)

type Discount struct {
	Scope DiscountScope   `json:"scope"`
	Kind  DiscountKind    `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

type CartLine struct {
	ProductRef string          `json:"product_ref"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	IVARate    decimal.Decimal `json:"iva_rate"`
	TaxExempt  bool            `json:"tax_exempt"`
	Discount   *Discount       `json:"discount,omitempty"`
}

type Tender struct {
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type PaymentStatus string

const (
	StatusPaid              PaymentStatus = "paid"
	StatusPendingPayment    PaymentStatus = "pending_payment"
	StatusPartiallyReturned PaymentStatus = "partially_returned"
	StatusFullyReturned     PaymentStatus = "fully_returned"
	StatusVoided            PaymentStatus = "voided"
)

type SaleLine struct {
	ID string `json:"id"`
	CartLine
	// Set on the lines of a return sale only.
	ParentLineRef string          `json:"parent_line_ref,omitempty"`
	RefundAmount  decimal.Decimal `json:"refund_amount"`
	ReturnToStock bool            `json:"return_to_stock,omitempty"`
}

type Sale struct {
	ID                  string          `json:"id"`
	Date                time.Time       `json:"date"`
	Lines               []SaleLine      `json:"lines"`
	OrderDiscount       *Discount       `json:"order_discount,omitempty"`
	ClientRef           string          `json:"client_ref,omitempty"`
	ClientName          string          `json:"client_name,omitempty"`
	ProjectRef          string          `json:"project_ref,omitempty"`
	RegisterRef         string          `json:"register_ref"`
	OperatorRef         string          `json:"operator_ref"`
	Tenders             []Tender        `json:"tenders"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	OrderDiscountAmount decimal.Decimal `json:"order_discount_amount"`
	Tax                 decimal.Decimal `json:"tax"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	PaymentStatus       PaymentStatus   `json:"payment_status"`
	IsReturn            bool            `json:"is_return"`
	ParentSaleRef       string          `json:"parent_sale_ref,omitempty"`
	Reason              string          `json:"reason,omitempty"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
}

func (s Sale) LineByID(id string) (SaleLine, bool) {
	for _, line := range s.Lines {
		if line.ID == id {
			return line, true
		}
	}
	return SaleLine{}, false
}

// ClientPayment is a receivable movement against a sale. Refunds paid out to
// the client are recorded with a negative amount.
type ClientPayment struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	ClientRef string          `json:"client_ref"`
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type ReturnedLine struct {
	Quantity int             `json:"quantity"`
	Refunded decimal.Decimal `json:"refunded"`
}

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	IVARate   decimal.Decimal `json:"iva_rate"`
	TaxExempt bool            `json:"tax_exempt"`
	Stock     int             `json:"stock"`
	Active    bool            `json:"active"`
}

type StockLogEntry struct {
	ID          string    `json:"id"`
	ProductRef  string    `json:"product_ref"`
	RegisterRef string    `json:"register_ref"`
	Delta       int       `json:"delta"`
	Balance     int       `json:"balance"`
	Reason      string    `json:"reason"`
	ContextRef  string    `json:"context_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Client struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	Active      bool            `json:"active"`
}

type CreditBalance struct {
	Debt decimal.Decimal `json:"debt"`
}

type ClientFinancials struct {
	ClientRef       string          `json:"client_ref"`
	Debt            decimal.Decimal `json:"debt"`
	CreditLimit     decimal.Decimal `json:"credit_limit"`
	AvailableCredit decimal.Decimal `json:"available_credit"`
}

type ReturnItem struct {
	OriginalLineRef    string           `json:"original_line_ref"`
	Quantity           int              `json:"quantity"`
	CustomRefundAmount *decimal.Decimal `json:"custom_refund_amount,omitempty"`
	// Nil leaves the disposition to the refund-amount default.
	ReturnToStock *bool `json:"return_to_stock,omitempty"`
}

type ReturnRequest struct {
	ParentSaleRef         string        `json:"parent_sale_ref"`
	Items                 []ReturnItem  `json:"items"`
	Reason                string        `json:"reason"`
	RefundMethod          PaymentMethod `json:"refund_method,omitempty"`
	AuthorizingCredential string        `json:"authorizing_credential"`
}

type Payout struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type ShiftState struct {
	OperatorRef   string          `json:"operator_ref"`
	RegisterRef   string          `json:"register_ref"`
	OpeningAmount decimal.Decimal `json:"opening_amount"`
	StartTime     time.Time       `json:"start_time"`
	Payouts       []Payout        `json:"payouts"`
}

type ShiftReport struct {
	OperatorRef   string          `json:"operator_ref"`
	RegisterRef   string          `json:"register_ref"`
	StartTime     time.Time       `json:"start_time"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	SalesCount    int             `json:"sales_count"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	CashSales     decimal.Decimal `json:"cash_sales"`
	CardSales     decimal.Decimal `json:"card_sales"`
	OtherSales    decimal.Decimal `json:"other_sales"`
	StartingCash  decimal.Decimal `json:"starting_cash"`
	Payouts       decimal.Decimal `json:"payouts"`
	PayoutEntries []Payout        `json:"payout_entries"`
	ExpectedCash  decimal.Decimal `json:"expected_cash"`
}

const (
	PurchaseOrderOpen    = "open"
	PurchaseOrderPartial = "partially_paid"
	PurchaseOrderPaid    = "paid"
)

type SupplierPayment struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	PaidAt    time.Time       `json:"paid_at"`
}

type PurchaseOrder struct {
	ID          string            `json:"id"`
	SupplierRef string            `json:"supplier_ref"`
	Total       decimal.Decimal   `json:"total"`
	Paid        decimal.Decimal   `json:"paid"`
	Status      string            `json:"status"`
	Payments    []SupplierPayment `json:"payments"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (p PurchaseOrder) Outstanding() decimal.Decimal {
	return p.Total.Sub(p.Paid)
}

type AuditLog struct {
	ID          string         `json:"id"`
	RegisterRef string         `json:"register_ref"`
	ActorName   string         `json:"actor_name"`
	ActorRole   string         `json:"actor_role"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Detail      map[string]any `json:"detail"`
	CreatedAt   time.Time      `json:"created_at"`
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

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager
}
