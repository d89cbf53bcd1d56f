package credit

import (
	"context"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
)

// Directory is the read side of the client receivables.
type Directory interface {
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	GetCreditBalance(ctx context.Context, id string) (domain.CreditBalance, error)
}

type Guard struct {
	clients Directory
}

type Decision struct {
	OK          bool            `json:"ok"`
	ClientRef   string          `json:"client_ref"`
	SaleTotal   decimal.Decimal `json:"sale_total"`
	CurrentDebt decimal.Decimal `json:"current_debt"`
	Limit       decimal.Decimal `json:"limit"`
	Available   decimal.Decimal `json:"available"`
}

func NewGuard(clients Directory) *Guard {
	return &Guard{clients: clients}
}

// CheckProjectedDebt re-reads the client's balance on every call; other
// registers may have posted against the same client since it was last read.
func (g *Guard) CheckProjectedDebt(ctx context.Context, clientID string, saleTotal decimal.Decimal) (Decision, error) {
	client, err := g.clients.GetClient(ctx, clientID)
	if err != nil {
		return Decision{}, err
	}
	balance, err := g.clients.GetCreditBalance(ctx, clientID)
	if err != nil {
		return Decision{}, err
	}

	decision := Evaluate(client.CreditLimit, balance.Debt, saleTotal)
	decision.ClientRef = client.ID
	return decision, nil
}

// Evaluate applies the limit rule. A zero limit is unlimited.
func Evaluate(limit, currentDebt, saleTotal decimal.Decimal) Decision {
	decision := Decision{
		OK:          true,
		SaleTotal:   saleTotal,
		CurrentDebt: currentDebt,
		Limit:       limit,
		Available:   available(limit, currentDebt),
	}
	if limit.IsPositive() && currentDebt.Add(saleTotal).GreaterThan(limit) {
		decision.OK = false
	}
	return decision
}

func (d Decision) Err() error {
	if d.OK {
		return nil
	}
	return apperror.Rule("credit_limit",
		"sale of $%s exceeds available credit of $%s (debt $%s, limit $%s)",
		d.SaleTotal.StringFixed(2), d.Available.StringFixed(2), d.CurrentDebt.StringFixed(2), d.Limit.StringFixed(2))
}

func Financials(client domain.Client, debt decimal.Decimal) domain.ClientFinancials {
	return domain.ClientFinancials{
		ClientRef:       client.ID,
		Debt:            debt,
		CreditLimit:     client.CreditLimit,
		AvailableCredit: available(client.CreditLimit, debt),
	}
}

func available(limit, debt decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, limit.Sub(debt))
}
