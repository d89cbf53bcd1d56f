package credit

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
)

type fakeDirectory struct {
	clients map[string]domain.Client
	debts   map[string]decimal.Decimal
	reads   int
}

func (f *fakeDirectory) GetClient(_ context.Context, id string) (*domain.Client, error) {
	client, ok := f.clients[id]
	if !ok {
		return nil, apperror.NotFound("client", id)
	}
	return &client, nil
}

func (f *fakeDirectory) GetCreditBalance(_ context.Context, id string) (domain.CreditBalance, error) {
	f.reads++
	return domain.CreditBalance{Debt: f.debts[id]}, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCheckProjectedDebtRejectsOverLimit(t *testing.T) {
	dir := &fakeDirectory{
		clients: map[string]domain.Client{"C-1": {ID: "C-1", Name: "Ferretería Ruiz", CreditLimit: dec("500")}},
		debts:   map[string]decimal.Decimal{"C-1": dec("480")},
	}
	guard := NewGuard(dir)

	decision, err := guard.CheckProjectedDebt(context.Background(), "C-1", dec("30"))
	require.NoError(t, err)
	assert.False(t, decision.OK)
	assert.True(t, dec("480").Equal(decision.CurrentDebt))
	assert.True(t, dec("500").Equal(decision.Limit))

	violation := decision.Err()
	assert.ErrorIs(t, violation, apperror.ErrBusinessRule)
	assert.Contains(t, violation.Error(), "exceeds available credit of $20.00")
}

func TestCheckProjectedDebtRereadsBalance(t *testing.T) {
	dir := &fakeDirectory{
		clients: map[string]domain.Client{"C-1": {ID: "C-1", CreditLimit: dec("100")}},
		debts:   map[string]decimal.Decimal{"C-1": dec("0")},
	}
	guard := NewGuard(dir)

	first, err := guard.CheckProjectedDebt(context.Background(), "C-1", dec("60"))
	require.NoError(t, err)
	assert.True(t, first.OK)

	dir.debts["C-1"] = dec("50")
	second, err := guard.CheckProjectedDebt(context.Background(), "C-1", dec("60"))
	require.NoError(t, err)
	assert.False(t, second.OK)
	assert.Equal(t, 2, dir.reads)
}

func TestCheckProjectedDebtUnknownClient(t *testing.T) {
	guard := NewGuard(&fakeDirectory{})

	_, err := guard.CheckProjectedDebt(context.Background(), "C-404", dec("1"))
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	decision := Evaluate(decimal.Zero, dec("1000000"), dec("999999"))
	assert.True(t, decision.OK)
	assert.NoError(t, decision.Err())
}

func TestExactlyAtLimitIsAllowed(t *testing.T) {
	assert.True(t, Evaluate(dec("500"), dec("480"), dec("20")).OK)
	assert.False(t, Evaluate(dec("500"), dec("480"), dec("20.01")).OK)
}

func TestGuardIsMonotonicInSaleTotal(t *testing.T) {
	limit, debt := dec("250"), dec("120.50")
	rejected := false
	for cents := int64(0); cents <= 20000; cents += 137 {
		ok := Evaluate(limit, debt, decimal.New(cents, -2)).OK
		if rejected {
			require.False(t, ok, "sale of %d cents flipped back to ok", cents)
		}
		if !ok {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestFinancialsClampsAvailableCredit(t *testing.T) {
	fin := Financials(domain.Client{ID: "C-2", CreditLimit: dec("100")}, dec("130"))
	assert.True(t, fin.AvailableCredit.IsZero())
	assert.True(t, dec("130").Equal(fin.Debt))

	fin = Financials(domain.Client{ID: "C-2", CreditLimit: dec("100")}, dec("30"))
	assert.True(t, dec("70").Equal(fin.AvailableCredit))
}
