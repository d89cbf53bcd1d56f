package payment

import (
	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
)

// Epsilon absorbs sub-cent rounding between the tendered sum and the total.
var Epsilon = decimal.New(1, -3)

type RemainderPolicy string

const (
	// RemainderBlock refuses to finalize while a balance remains.
	RemainderBlock RemainderPolicy = "block"
	// RemainderAutoApply assigns the remaining balance to the selected method.
	RemainderAutoApply RemainderPolicy = "auto_apply"
)

type Allocator struct {
	total   decimal.Decimal
	tenders []domain.Tender
}

type Settlement struct {
	Total   decimal.Decimal `json:"total"`
	Tenders []domain.Tender `json:"tenders"`
	// Set when the remainder was absorbed by the selected method.
	AutoApplied *domain.Tender `json:"auto_applied,omitempty"`
}

func NewAllocator(total decimal.Decimal) *Allocator {
	return &Allocator{total: total}
}

// Clone returns an independent copy, so a finalize attempt can fail without
// touching the allocation the operator is editing.
func (a *Allocator) Clone() *Allocator {
	return &Allocator{total: a.total, tenders: a.Tenders()}
}

func (a *Allocator) Total() decimal.Decimal {
	return a.total
}

func (a *Allocator) Tenders() []domain.Tender {
	out := make([]domain.Tender, len(a.tenders))
	copy(out, a.tenders)
	return out
}

func (a *Allocator) Paid() decimal.Decimal {
	paid := decimal.Zero
	for _, tender := range a.tenders {
		paid = paid.Add(tender.Amount)
	}
	return paid
}

func (a *Allocator) Balance() decimal.Decimal {
	return a.total.Sub(a.Paid())
}

func (a *Allocator) IsSettled() bool {
	return a.Balance().LessThanOrEqual(Epsilon)
}

func (a *Allocator) AddTender(method domain.PaymentMethod, amount decimal.Decimal, reference string) error {
	if !method.Valid() {
		return apperror.Validation("method", "unsupported payment method %q", method)
	}
	if !amount.IsPositive() {
		return apperror.Validation("amount", "payment amount must be greater than zero")
	}
	balance := a.Balance()
	if amount.GreaterThan(balance.Add(Epsilon)) {
		return apperror.Validation("amount", "payment of %s exceeds remaining balance of %s", amount.StringFixed(2), balance.StringFixed(2))
	}
	a.tenders = append(a.tenders, domain.Tender{Method: method, Amount: amount, Reference: reference})
	return nil
}

func (a *Allocator) RemoveTender(index int) error {
	if index < 0 || index >= len(a.tenders) {
		return apperror.Validation("index", "no tender at position %d", index)
	}
	a.tenders = append(a.tenders[:index], a.tenders[index+1:]...)
	return nil
}

// Finalize closes the allocation. An unsettled balance is either refused or,
// with RemainderAutoApply, tendered on selected and reported back in
// Settlement.AutoApplied. The allocator is unchanged when Finalize fails.
func (a *Allocator) Finalize(policy RemainderPolicy, selected domain.PaymentMethod) (Settlement, error) {
	if a.IsSettled() {
		if len(a.tenders) == 0 {
			// Fully discounted orders still record how they were closed.
			method := selected
			if !method.Valid() {
				method = domain.MethodCash
			}
			a.tenders = append(a.tenders, domain.Tender{Method: method, Amount: decimal.Zero})
		}
		return Settlement{Total: a.total, Tenders: a.Tenders()}, nil
	}

	balance := a.Balance()
	switch policy {
	case RemainderAutoApply:
		if !selected.Valid() {
			return Settlement{}, apperror.Validation("method", "select a payment method for the remaining %s", balance.StringFixed(2))
		}
		remainder := domain.Tender{Method: selected, Amount: balance}
		a.tenders = append(a.tenders, remainder)
		return Settlement{Total: a.total, Tenders: a.Tenders(), AutoApplied: &remainder}, nil
	default:
		return Settlement{}, apperror.Rule("unsettled_balance", "balance of %s remains unpaid", balance.StringFixed(2))
	}
}
