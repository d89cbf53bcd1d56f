// Package returns finds completed sales and reverses them, in part or in
// full, as return sales.
package returns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/payment"
	"cajapos/backend/internal/pricing"
	"cajapos/backend/internal/xid"
)

type Sales interface {
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSalesByIDSuffix(ctx context.Context, suffix string) ([]domain.Sale, error)
	FindSalesByClientName(ctx context.Context, fragment string) ([]domain.Sale, error)
	ReturnedByLine(ctx context.Context, parentSaleID string) (map[string]domain.ReturnedLine, error)
	AppendSale(ctx context.Context, sale domain.Sale) (string, error)
	AppendPayment(ctx context.Context, saleID string, payment domain.ClientPayment) error
	UpdateSaleStatus(ctx context.Context, id string, status domain.PaymentStatus) error
}

type Stock interface {
	AdjustStock(ctx context.Context, productID string, registerID string, delta int, reason string, contextRef string) (domain.StockLogEntry, error)
}

type Verifier interface {
	VerifyPrivileged(ctx context.Context, credential string) (domain.Actor, error)
}

type Processor struct {
	sales    Sales
	stock    Stock
	verifier Verifier
	now      func() time.Time
}

// Origin identifies the register and operator handling the return.
type Origin struct {
	RegisterRef string
	OperatorRef string
}

type LookupResult struct {
	Sale       *domain.Sale  `json:"sale,omitempty"`
	Candidates []domain.Sale `json:"candidates,omitempty"`
}

type RefundLine struct {
	OriginalLineRef    string           `json:"original_line_ref"`
	ProductRef         string           `json:"product_ref"`
	Name               string           `json:"name"`
	Quantity           int              `json:"quantity"`
	EffectiveUnitPrice decimal.Decimal  `json:"effective_unit_price"`
	CalculatedRefund   decimal.Decimal  `json:"calculated_refund"`
	CustomRefund       *decimal.Decimal `json:"custom_refund,omitempty"`
	Refund             decimal.Decimal  `json:"refund"`
	ReturnToStock      bool             `json:"return_to_stock"`
}

type Quote struct {
	Parent domain.Sale     `json:"parent"`
	Lines  []RefundLine    `json:"lines"`
	Total  decimal.Decimal `json:"total"`
}

type Result struct {
	Sale         domain.Sale            `json:"sale"`
	Quote        Quote                  `json:"quote"`
	ApprovedBy   string                 `json:"approved_by"`
	ParentStatus domain.PaymentStatus   `json:"parent_status"`
	StockEntries []domain.StockLogEntry `json:"stock_entries"`
}

func NewProcessor(sales Sales, stock Stock, verifier Verifier) *Processor {
	return &Processor{
		sales:    sales,
		stock:    stock,
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Eligible reports whether a sale can still be returned against.
func Eligible(sale domain.Sale) bool {
	if sale.IsReturn {
		return false
	}
	return sale.PaymentStatus != domain.StatusFullyReturned && sale.PaymentStatus != domain.StatusVoided
}

// Lookup matches query against sale ids first (exact, then suffix) and falls
// back to client names. Several matches come back as candidates.
func (p *Processor) Lookup(ctx context.Context, query string) (LookupResult, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return LookupResult{}, apperror.Validation("query", "enter a sale number or client name")
	}

	byID, err := p.sales.FindSalesByIDSuffix(ctx, q)
	if err != nil {
		return LookupResult{}, err
	}
	byID = eligibleOnly(byID)
	for i := range byID {
		if strings.EqualFold(byID[i].ID, q) {
			return LookupResult{Sale: &byID[i]}, nil
		}
	}
	if result, ok := pick(byID); ok {
		return result, nil
	}

	byClient, err := p.sales.FindSalesByClientName(ctx, q)
	if err != nil {
		return LookupResult{}, err
	}
	if result, ok := pick(eligibleOnly(byClient)); ok {
		return result, nil
	}

	return LookupResult{}, apperror.NotFound("sale", q)
}

// Quote prices a return request without side effects.
func (p *Processor) Quote(ctx context.Context, req domain.ReturnRequest) (Quote, error) {
	if strings.TrimSpace(req.ParentSaleRef) == "" {
		return Quote{}, apperror.Validation("parent_sale_ref", "select the sale to return")
	}
	if len(req.Items) == 0 {
		return Quote{}, apperror.Validation("items", "select at least one item to return")
	}

	parent, err := p.sales.GetSale(ctx, req.ParentSaleRef)
	if err != nil {
		return Quote{}, err
	}
	if !Eligible(*parent) {
		return Quote{}, apperror.Rule("return_ineligible", "sale %s cannot be returned (status %s)", parent.ID, returnStatus(*parent))
	}

	returned, err := p.sales.ReturnedByLine(ctx, parent.ID)
	if err != nil {
		return Quote{}, err
	}

	quote := Quote{Parent: *parent, Total: decimal.Zero}
	pending := make(map[string]domain.ReturnedLine, len(req.Items))
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		original, ok := parent.LineByID(item.OriginalLineRef)
		if !ok {
			return Quote{}, apperror.Validation(field+".original_line_ref", "line %q is not part of sale %s", item.OriginalLineRef, parent.ID)
		}

		prior := returned[original.ID]
		inRequest := pending[original.ID]
		remaining := original.Quantity - prior.Quantity - inRequest.Quantity
		if item.Quantity < 1 {
			return Quote{}, apperror.Validation(field+".quantity", "quantity must be at least 1")
		}
		if item.Quantity > remaining {
			return Quote{}, apperror.Validation(field+".quantity", "only %d of %s can still be returned", remaining, original.ProductRef)
		}

		line, err := refundLine(original, item)
		if err != nil {
			return Quote{}, apperror.Validation(field+".custom_refund_amount", "%s", err.Error())
		}

		lineCap := pricing.LineAmount(original.CartLine).Sub(prior.Refunded).Sub(inRequest.Refunded)
		if line.Refund.GreaterThan(lineCap) {
			return Quote{}, apperror.Validation(field+".custom_refund_amount", "refund of %s exceeds remaining line total of %s", line.Refund.StringFixed(2), lineCap.StringFixed(2))
		}

		pending[original.ID] = domain.ReturnedLine{
			Quantity: inRequest.Quantity + item.Quantity,
			Refunded: inRequest.Refunded.Add(line.Refund),
		}
		quote.Lines = append(quote.Lines, line)
		quote.Total = quote.Total.Add(line.Refund)
	}

	return quote, nil
}

// refundLine prices one returned item. An override equal to the calculated
// refund is dropped. Without an explicit choice, goods go back to stock
// unless the override is below the calculated refund.
func refundLine(original domain.SaleLine, item domain.ReturnItem) (RefundLine, error) {
	unit := pricing.EffectiveUnitPrice(original.CartLine)
	calculated := pricing.Money(unit.Mul(decimal.NewFromInt(int64(item.Quantity))))

	line := RefundLine{
		OriginalLineRef:    original.ID,
		ProductRef:         original.ProductRef,
		Name:               original.Name,
		Quantity:           item.Quantity,
		EffectiveUnitPrice: unit,
		CalculatedRefund:   calculated,
		Refund:             calculated,
		ReturnToStock:      true,
	}

	if item.CustomRefundAmount != nil {
		custom := pricing.Money(*item.CustomRefundAmount)
		if custom.IsNegative() {
			return RefundLine{}, apperror.Validation("custom_refund_amount", "refund amount cannot be negative")
		}
		if custom.Sub(calculated).Abs().GreaterThan(payment.Epsilon) {
			line.CustomRefund = &custom
			line.Refund = custom
			line.ReturnToStock = custom.GreaterThanOrEqual(calculated)
		}
	}
	if item.ReturnToStock != nil {
		line.ReturnToStock = *item.ReturnToStock
	}
	return line, nil
}

// Process authorizes and records the return. Nothing is written until the
// request is priced and the credential accepted.
func (p *Processor) Process(ctx context.Context, origin Origin, req domain.ReturnRequest) (Result, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return Result{}, apperror.Validation("reason", "a return reason is required")
	}
	method := req.RefundMethod
	if method == "" {
		method = domain.MethodCash
	}
	if !method.Valid() {
		return Result{}, apperror.Validation("refund_method", "unsupported refund method %q", method)
	}

	quote, err := p.Quote(ctx, req)
	if err != nil {
		return Result{}, err
	}
	parent := quote.Parent
	if method.OnAccount() && parent.ClientRef == "" {
		return Result{}, apperror.Validation("refund_method", "refund to account requires a sale with a client")
	}

	if p.verifier == nil {
		return Result{}, apperror.Unauthorized()
	}
	approver, err := p.verifier.VerifyPrivileged(ctx, req.AuthorizingCredential)
	if err != nil {
		return Result{}, err
	}

	now := p.now()
	sale := domain.Sale{
		Date:                now,
		ClientRef:           parent.ClientRef,
		ClientName:          parent.ClientName,
		ProjectRef:          parent.ProjectRef,
		RegisterRef:         origin.RegisterRef,
		OperatorRef:         origin.OperatorRef,
		Subtotal:            quote.Total.Neg(),
		OrderDiscountAmount: decimal.Zero,
		Tax:                 decimal.Zero,
		TotalAmount:         quote.Total.Neg(),
		PaymentStatus:       domain.StatusPaid,
		IsReturn:            true,
		ParentSaleRef:       parent.ID,
		Reason:              strings.TrimSpace(req.Reason),
	}
	for _, line := range quote.Lines {
		original, _ := parent.LineByID(line.OriginalLineRef)
		returnedLine := original.CartLine
		returnedLine.Quantity = line.Quantity
		returnedLine.UnitPrice = line.EffectiveUnitPrice
		returnedLine.Discount = nil
		sale.Lines = append(sale.Lines, domain.SaleLine{
			ID:            xid.New("L"),
			CartLine:      returnedLine,
			ParentLineRef: line.OriginalLineRef,
			RefundAmount:  line.Refund,
			ReturnToStock: line.ReturnToStock,
		})
	}
	if quote.Total.IsPositive() {
		sale.Tenders = []domain.Tender{{Method: method, Amount: quote.Total}}
	}

	saleID, err := p.sales.AppendSale(ctx, sale)
	if err != nil {
		return Result{}, err
	}
	sale.ID = saleID

	// The return sale is stored. Later failures are joined and the parent
	// status is still updated.
	result := Result{Sale: sale, Quote: quote, ApprovedBy: approver.Username}
	var errs []error
	for _, line := range quote.Lines {
		if !line.ReturnToStock {
			continue
		}
		entry, err := p.stock.AdjustStock(ctx, line.ProductRef, origin.RegisterRef, line.Quantity, "return", parent.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("restock %s: %w", line.ProductRef, err))
			continue
		}
		result.StockEntries = append(result.StockEntries, entry)
	}

	if parent.ClientRef != "" && !method.OnAccount() && quote.Total.IsPositive() {
		err := p.sales.AppendPayment(ctx, saleID, domain.ClientPayment{
			ID:        xid.New("P"),
			SaleID:    saleID,
			ClientRef: parent.ClientRef,
			Method:    method,
			Amount:    quote.Total.Neg(),
			Reference: "refund of " + parent.ID,
			CreatedAt: now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("record refund: %w", err))
		}
	}

	status, err := p.parentStatus(ctx, parent)
	if err == nil {
		err = p.sales.UpdateSaleStatus(ctx, parent.ID, status)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("update status of %s: %w", parent.ID, err))
	} else {
		result.ParentStatus = status
	}
	return result, errors.Join(errs...)
}

func (p *Processor) parentStatus(ctx context.Context, parent domain.Sale) (domain.PaymentStatus, error) {
	returned, err := p.sales.ReturnedByLine(ctx, parent.ID)
	if err != nil {
		return "", err
	}
	for _, line := range parent.Lines {
		if returned[line.ID].Quantity < line.Quantity {
			return domain.StatusPartiallyReturned, nil
		}
	}
	return domain.StatusFullyReturned, nil
}

func eligibleOnly(sales []domain.Sale) []domain.Sale {
	out := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		if Eligible(sale) {
			out = append(out, sale)
		}
	}
	return out
}

func pick(sales []domain.Sale) (LookupResult, bool) {
	switch len(sales) {
	case 0:
		return LookupResult{}, false
	case 1:
		return LookupResult{Sale: &sales[0]}, true
	default:
		return LookupResult{Candidates: sales}, true
	}
}

func returnStatus(sale domain.Sale) string {
	if sale.IsReturn {
		return "return"
	}
	return string(sale.PaymentStatus)
}
