package returns

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/store/memory"
)

type pinVerifier string

func (p pinVerifier) VerifyPrivileged(_ context.Context, credential string) (domain.Actor, error) {
	if credential != string(p) {
		return domain.Actor{}, apperror.Unauthorized()
	}
	return domain.Actor{Username: "gerente", Role: domain.RoleManager}, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var origin = Origin{RegisterRef: "caja-1", OperatorRef: "cajero"}

// seedSale records a sale of 3 screws at $10 less a $1 line discount
// ($9.00 effective, $27.00 line total) and 1 hammer.
func seedSale(t *testing.T, repo *memory.Store, id string, client string, clientName string) domain.Sale {
	t.Helper()
	sale := domain.Sale{
		ID:          id,
		Date:        time.Now().UTC(),
		RegisterRef: "caja-1",
		OperatorRef: "cajero",
		ClientRef:   client,
		ClientName:  clientName,
		Lines: []domain.SaleLine{
			{ID: id + "-L1", CartLine: domain.CartLine{
				ProductRef: "P-TORN-01", Name: "Tornillo", Quantity: 3, UnitPrice: dec("10"), IVARate: dec("0.16"),
				Discount: &domain.Discount{Scope: domain.ScopeLine, Kind: domain.KindFixed, Value: dec("1")},
			}},
			{ID: id + "-L2", CartLine: domain.CartLine{ProductRef: "P-MART-01", Name: "Martillo", Quantity: 1, UnitPrice: dec("50")}},
		},
		Tenders:       []domain.Tender{{Method: domain.MethodCash, Amount: dec("77")}},
		TotalAmount:   dec("77"),
		PaymentStatus: domain.StatusPaid,
	}
	_, err := repo.AppendSale(context.Background(), sale)
	require.NoError(t, err)
	return sale
}

func newTestProcessor(t *testing.T) (*Processor, *memory.Store) {
	t.Helper()
	repo := memory.New()
	repo.PutProduct(domain.Product{ID: "P-TORN-01", Name: "Tornillo", Price: dec("10"), Active: true})
	repo.PutProduct(domain.Product{ID: "P-MART-01", Name: "Martillo", Price: dec("50"), Active: true})
	repo.PutClient(domain.Client{ID: "C-1", Name: "Ana Torres", Active: true})
	repo.SetStock("caja-1", "P-TORN-01", 5)
	repo.SetStock("caja-1", "P-MART-01", 5)
	return NewProcessor(repo, repo, pinVerifier("482916")), repo
}

func TestQuoteUsesOriginalEffectivePrice(t *testing.T) {
	proc, repo := newTestProcessor(t)
	sale := seedSale(t, repo, "S-100", "", "")

	quote, err := proc.Quote(context.Background(), domain.ReturnRequest{
		ParentSaleRef: sale.ID,
		Items:         []domain.ReturnItem{{OriginalLineRef: "S-100-L1", Quantity: 1}},
	})
	require.NoError(t, err)
	require.Len(t, quote.Lines, 1)
	line := quote.Lines[0]
	assert.True(t, dec("9.00").Equal(line.CalculatedRefund))
	assert.True(t, dec("9.00").Equal(line.Refund))
	assert.Nil(t, line.CustomRefund)
	assert.True(t, line.ReturnToStock)
}

func TestQuoteOverrideDefaults(t *testing.T) {
	proc, repo := newTestProcessor(t)
	seedSale(t, repo, "S-101", "", "")

	same := dec("9.0005")
	lower := dec("5")
	higher := dec("10")
	partial := dec("30")
	keepAnyway := true
	quote, err := proc.Quote(context.Background(), domain.ReturnRequest{
		ParentSaleRef: "S-101",
		Items: []domain.ReturnItem{
			{OriginalLineRef: "S-101-L1", Quantity: 1, CustomRefundAmount: &same},
			{OriginalLineRef: "S-101-L1", Quantity: 1, CustomRefundAmount: &lower},
			{OriginalLineRef: "S-101-L1", Quantity: 1, CustomRefundAmount: &higher},
			{OriginalLineRef: "S-101-L2", Quantity: 1, CustomRefundAmount: &partial, ReturnToStock: &keepAnyway},
		},
	})
	require.NoError(t, err)

	assert.Nil(t, quote.Lines[0].CustomRefund)
	assert.True(t, quote.Lines[0].ReturnToStock)

	require.NotNil(t, quote.Lines[1].CustomRefund)
	assert.False(t, quote.Lines[1].ReturnToStock)

	assert.True(t, quote.Lines[2].ReturnToStock)

	assert.True(t, quote.Lines[3].ReturnToStock)
	assert.True(t, dec("54").Equal(quote.Total), "total %s", quote.Total)
}

func TestQuoteRejectsOverReturn(t *testing.T) {
	proc, repo := newTestProcessor(t)
	seedSale(t, repo, "S-102", "", "")
	ctx := context.Background()

	_, err := proc.Quote(ctx, domain.ReturnRequest{ParentSaleRef: "S-102", Items: []domain.ReturnItem{{OriginalLineRef: "S-102-L1", Quantity: 4}}})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = proc.Quote(ctx, domain.ReturnRequest{ParentSaleRef: "S-102", Items: []domain.ReturnItem{
		{OriginalLineRef: "S-102-L1", Quantity: 2},
		{OriginalLineRef: "S-102-L1", Quantity: 2},
	}})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = proc.Quote(ctx, domain.ReturnRequest{ParentSaleRef: "S-102", Items: []domain.ReturnItem{{OriginalLineRef: "S-102-L1", Quantity: 0}}})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = proc.Quote(ctx, domain.ReturnRequest{ParentSaleRef: "S-102", Items: []domain.ReturnItem{{OriginalLineRef: "nope", Quantity: 1}}})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = proc.Quote(ctx, domain.ReturnRequest{ParentSaleRef: "S-102"})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestRefundNeverExceedsLineTotal(t *testing.T) {
	proc, repo := newTestProcessor(t)
	seedSale(t, repo, "S-103", "", "")

	tooMuch := dec("27.01")
	_, err := proc.Quote(context.Background(), domain.ReturnRequest{
		ParentSaleRef: "S-103",
		Items:         []domain.ReturnItem{{OriginalLineRef: "S-103-L1", Quantity: 3, CustomRefundAmount: &tooMuch}},
	})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	negative := dec("-1")
	_, err = proc.Quote(context.Background(), domain.ReturnRequest{
		ParentSaleRef: "S-103",
		Items:         []domain.ReturnItem{{OriginalLineRef: "S-103-L1", Quantity: 1, CustomRefundAmount: &negative}},
	})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestProcessRequiresCredentialBeforeWriting(t *testing.T) {
	proc, repo := newTestProcessor(t)
	seedSale(t, repo, "S-104", "", "")
	ctx := context.Background()

	_, err := proc.Process(ctx, origin, domain.ReturnRequest{
		ParentSaleRef:         "S-104",
		Items:                 []domain.ReturnItem{{OriginalLineRef: "S-104-L1", Quantity: 1}},
		Reason:                "defect",
		AuthorizingCredential: "111111",
	})
	assert.ErrorIs(t, err, apperror.ErrAuthorization)

	returned, err := repo.ReturnedByLine(ctx, "S-104")
	require.NoError(t, err)
	assert.Empty(t, returned)
	assert.Empty(t, repo.StockLog())

	parent, err := repo.GetSale(ctx, "S-104")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, parent.PaymentStatus)
}

func TestProcessEmitsReversingSaleAndRestocks(t *testing.T) {
	proc, repo := newTestProcessor(t)
	seedSale(t, repo, "S-105", "", "")
	ctx := context.Background()
	lower := dec("20")

	result, err := proc.Process(ctx, origin, domain.ReturnRequest{
		ParentSaleRef: "S-105",
		Items: []domain.ReturnItem{
			{OriginalLineRef: "S-105-L1", Quantity: 1},
			{OriginalLineRef: "S-105-L2", Quantity: 1, CustomRefundAmount: &lower},
		},
		Reason:                "cliente cambió de opinión",
		AuthorizingCredential: "482916",
	})
	require.NoError(t, err)

	assert.True(t, result.Sale.IsReturn)
	assert.Equal(t, "S-105", result.Sale.ParentSaleRef)
	assert.True(t, dec("-29").Equal(result.Sale.TotalAmount))
	require.Len(t, result.Sale.Tenders, 1)
	assert.Equal(t, domain.MethodCash, result.Sale.Tenders[0].Method)
	assert.True(t, dec("29").Equal(result.Sale.Tenders[0].Amount))
	assert.Equal(t, "gerente", result.ApprovedBy)
	assert.Equal(t, domain.StatusPartiallyReturned, result.ParentStatus)

	require.Len(t, result.StockEntries, 1)
	entry := result.StockEntries[0]
	assert.Equal(t, "P-TORN-01", entry.ProductRef)
	assert.Equal(t, 1, entry.Delta)
	assert.Equal(t, "S-105", entry.ContextRef)
	assert.Equal(t, 6, entry.Balance)

	stored, err := repo.GetSale(ctx, result.Sale.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsReturn)
}

func TestProcessFullReturnExcludesSaleFromLookup(t *testing.T) {
	proc, repo := newTestProcessor(t)
	seedSale(t, repo, "S-106", "C-1", "Ana Torres")
	ctx := context.Background()

	first, err := proc.Process(ctx, origin, domain.ReturnRequest{
		ParentSaleRef:         "S-106",
		Items:                 []domain.ReturnItem{{OriginalLineRef: "S-106-L1", Quantity: 2}},
		Reason:                "defect",
		AuthorizingCredential: "482916",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyReturned, first.ParentStatus)

	second, err := proc.Process(ctx, origin, domain.ReturnRequest{
		ParentSaleRef: "S-106",
		Items: []domain.ReturnItem{
			{OriginalLineRef: "S-106-L1", Quantity: 1},
			{OriginalLineRef: "S-106-L2", Quantity: 1},
		},
		Reason:                "defect",
		AuthorizingCredential: "482916",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFullyReturned, second.ParentStatus)

	_, err = proc.Lookup(ctx, "S-106")
	var nf *apperror.NotFoundError
	assert.True(t, errors.As(err, &nf))

	_, err = proc.Quote(ctx, domain.ReturnRequest{ParentSaleRef: "S-106", Items: []domain.ReturnItem{{OriginalLineRef: "S-106-L2", Quantity: 1}}})
	assert.ErrorIs(t, err, apperror.ErrBusinessRule)

	// The client paid cash, so the cash refunds come back as negative payments.
	payments, err := repo.ListPayments(ctx, second.Sale.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, dec("-59").Equal(payments[0].Amount), "payment %s", payments[0].Amount)
}

func TestProcessRefundToAccountNeedsClient(t *testing.T) {
	proc, repo := newTestProcessor(t)
	seedSale(t, repo, "S-107", "", "")

	_, err := proc.Process(context.Background(), origin, domain.ReturnRequest{
		ParentSaleRef:         "S-107",
		Items:                 []domain.ReturnItem{{OriginalLineRef: "S-107-L1", Quantity: 1}},
		Reason:                "defect",
		RefundMethod:          domain.MethodInvoice,
		AuthorizingCredential: "482916",
	})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestProcessRequiresReason(t *testing.T) {
	proc, repo := newTestProcessor(t)
	seedSale(t, repo, "S-108", "", "")

	_, err := proc.Process(context.Background(), origin, domain.ReturnRequest{
		ParentSaleRef:         "S-108",
		Items:                 []domain.ReturnItem{{OriginalLineRef: "S-108-L1", Quantity: 1}},
		AuthorizingCredential: "482916",
	})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestLookupByIDThenClientName(t *testing.T) {
	proc, repo := newTestProcessor(t)
	ctx := context.Background()
	seedSale(t, repo, "S-000201", "C-1", "Ana Torres")
	seedSale(t, repo, "S-000301", "C-1", "Ana Torres")
	seedSale(t, repo, "S-000777", "C-2", "Beto Núñez")

	exact, err := proc.Lookup(ctx, "s-000201")
	require.NoError(t, err)
	require.NotNil(t, exact.Sale)
	assert.Equal(t, "S-000201", exact.Sale.ID)

	suffix, err := proc.Lookup(ctx, "777")
	require.NoError(t, err)
	require.NotNil(t, suffix.Sale)
	assert.Equal(t, "S-000777", suffix.Sale.ID)

	ambiguous, err := proc.Lookup(ctx, "01")
	require.NoError(t, err)
	assert.Nil(t, ambiguous.Sale)
	assert.Len(t, ambiguous.Candidates, 2)

	byName, err := proc.Lookup(ctx, "núñez")
	require.NoError(t, err)
	require.NotNil(t, byName.Sale)
	assert.Equal(t, "S-000777", byName.Sale.ID)

	several, err := proc.Lookup(ctx, "ana")
	require.NoError(t, err)
	assert.Len(t, several.Candidates, 2)

	_, err = proc.Lookup(ctx, "zzz")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = proc.Lookup(ctx, "  ")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestLookupSkipsReturnSales(t *testing.T) {
	proc, repo := newTestProcessor(t)
	ctx := context.Background()
	seedSale(t, repo, "S-400", "", "")

	result, err := proc.Process(ctx, origin, domain.ReturnRequest{
		ParentSaleRef:         "S-400",
		Items:                 []domain.ReturnItem{{OriginalLineRef: "S-400-L2", Quantity: 1}},
		Reason:                "defect",
		AuthorizingCredential: "482916",
	})
	require.NoError(t, err)

	_, err = proc.Lookup(ctx, result.Sale.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

type brokenStock struct{}

func (brokenStock) AdjustStock(context.Context, string, string, int, string, string) (domain.StockLogEntry, error) {
	return domain.StockLogEntry{}, errors.New("stock service unavailable")
}

func TestProcessSettlesParentWhenRestockFails(t *testing.T) {
	repo := memory.New()
	repo.PutClient(domain.Client{ID: "C-1", Name: "Ana Torres", Active: true})
	proc := NewProcessor(repo, brokenStock{}, pinVerifier("482916"))
	seedSale(t, repo, "S-500", "C-1", "Ana Torres")
	ctx := context.Background()

	result, err := proc.Process(ctx, origin, domain.ReturnRequest{
		ParentSaleRef:         "S-500",
		Items:                 []domain.ReturnItem{{OriginalLineRef: "S-500-L2", Quantity: 1}},
		Reason:                "defect",
		AuthorizingCredential: "482916",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restock P-MART-01")
	require.NotEmpty(t, result.Sale.ID)
	assert.Empty(t, result.StockEntries)
	assert.Equal(t, domain.StatusPartiallyReturned, result.ParentStatus)

	parent, err := repo.GetSale(ctx, "S-500")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyReturned, parent.PaymentStatus)

	payments, err := repo.ListPayments(ctx, result.Sale.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, dec("-50").Equal(payments[0].Amount))
}
