package shift

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/kv"
)

type fakeSales struct {
	sales []domain.Sale
	reads int
}

func (f *fakeSales) ListSalesSince(_ context.Context, registerID string, since time.Time) ([]domain.Sale, error) {
	f.reads++
	out := make([]domain.Sale, 0, len(f.sales))
	for _, s := range f.sales {
		if s.RegisterRef == registerID && !s.Date.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSales) add(register string, at time.Time, total string, tenders ...domain.Tender) {
	f.sales = append(f.sales, domain.Sale{
		ID:            "S-" + total,
		Date:          at,
		RegisterRef:   register,
		TotalAmount:   dec(total),
		Tenders:       tenders,
		PaymentStatus: domain.StatusPaid,
	})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cash(amount string) domain.Tender {
	return domain.Tender{Method: domain.MethodCash, Amount: dec(amount)}
}

func newTestLedger(sales *fakeSales, store Store) *Ledger {
	ledger := NewLedger(store, sales, "ana", "caja-1")
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return clock }
	return ledger
}

func TestExpectedCashAfterSalesAndPayout(t *testing.T) {
	ctx := context.Background()
	sales := &fakeSales{}
	ledger := newTestLedger(sales, kv.NewMemory())

	state, err := ledger.Open(ctx, dec("100.00"))
	require.NoError(t, err)

	sales.add("caja-1", state.StartTime.Add(time.Minute), "20", cash("20"))
	sales.add("caja-1", state.StartTime.Add(2*time.Minute), "15", cash("15"))

	_, err = ledger.RecordPayout(ctx, dec("10"), "change fund")
	require.NoError(t, err)

	expected, err := ledger.ExpectedCash(ctx)
	require.NoError(t, err)
	assert.True(t, dec("125.00").Equal(expected), "got %s", expected)
}

func TestReportPartitionsByMethod(t *testing.T) {
	ctx := context.Background()
	sales := &fakeSales{}
	ledger := newTestLedger(sales, kv.NewMemory())
	state, err := ledger.Open(ctx, dec("50"))
	require.NoError(t, err)

	at := state.StartTime.Add(time.Minute)
	sales.add("caja-1", at, "30", cash("10"), domain.Tender{Method: domain.MethodCard, Amount: dec("20")})
	sales.add("caja-1", at, "12", domain.Tender{Method: domain.MethodInvoice, Amount: dec("12")})
	sales.add("caja-2", at, "99", cash("99"))
	sales.add("caja-1", state.StartTime.Add(-time.Hour), "7", cash("7"))
	voided := domain.Sale{ID: "S-void", Date: at, RegisterRef: "caja-1", TotalAmount: dec("40"), Tenders: []domain.Tender{cash("40")}, PaymentStatus: domain.StatusVoided}
	refund := domain.Sale{ID: "R-1", Date: at, RegisterRef: "caja-1", TotalAmount: dec("-4"), Tenders: []domain.Tender{cash("4")}, IsReturn: true, PaymentStatus: domain.StatusPaid}
	sales.sales = append(sales.sales, voided, refund)

	report, err := ledger.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.SalesCount)
	assert.True(t, dec("38").Equal(report.TotalSales), "total %s", report.TotalSales)
	assert.True(t, dec("6").Equal(report.CashSales), "cash %s", report.CashSales)
	assert.True(t, dec("20").Equal(report.CardSales))
	assert.True(t, dec("12").Equal(report.OtherSales))
	assert.True(t, dec("56").Equal(report.ExpectedCash))
}

func TestOpenRejectsDuplicateShift(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ledger := newTestLedger(&fakeSales{}, store)
	_, err := ledger.Open(ctx, dec("100"))
	require.NoError(t, err)

	again := newTestLedger(&fakeSales{}, store)
	_, err = again.Open(ctx, dec("100"))
	assert.ErrorIs(t, err, apperror.ErrBusinessRule)

	other := NewLedger(store, &fakeSales{}, "ana", "caja-2")
	_, err = other.Open(ctx, dec("10"))
	assert.NoError(t, err)
}

func TestOpenRejectsNegativeFloat(t *testing.T) {
	_, err := newTestLedger(&fakeSales{}, kv.NewMemory()).Open(context.Background(), dec("-1"))
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestPayoutCannotExceedExpectedCash(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(&fakeSales{}, kv.NewMemory())
	_, err := ledger.Open(ctx, dec("30"))
	require.NoError(t, err)

	_, err = ledger.RecordPayout(ctx, dec("30.01"), "supplier")
	assert.ErrorIs(t, err, apperror.ErrBusinessRule)

	_, err = ledger.RecordPayout(ctx, dec("0"), "supplier")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = ledger.RecordPayout(ctx, dec("5"), "  ")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	state, err := ledger.RecordPayout(ctx, dec("30"), "bank deposit")
	require.NoError(t, err)
	assert.Len(t, state.Payouts, 1)
}

func TestShiftSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	first := newTestLedger(&fakeSales{}, store)
	_, err := first.Open(ctx, dec("80.50"))
	require.NoError(t, err)
	_, err = first.RecordPayout(ctx, dec("0.50"), "coins")
	require.NoError(t, err)

	raw, ok, err := store.Get(ctx, "shift_ana_caja-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"openingAmount":80.5,"startTime":"2026-03-02T09:00:00Z","payouts":[{"amount":0.5,"reason":"coins"}]}`, string(raw))

	reloaded := newTestLedger(&fakeSales{}, store)
	status, err := reloaded.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)

	expected, err := reloaded.ExpectedCash(ctx)
	require.NoError(t, err)
	assert.True(t, dec("80").Equal(expected))
}

func TestCloseDeletesRecordAndAllowsNewCycle(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	sales := &fakeSales{}
	ledger := newTestLedger(sales, store)
	state, err := ledger.Open(ctx, dec("100"))
	require.NoError(t, err)
	sales.add("caja-1", state.StartTime, "20", cash("20"))

	report, err := ledger.Close(ctx)
	require.NoError(t, err)
	require.NotNil(t, report.ClosedAt)
	assert.True(t, dec("120").Equal(report.ExpectedCash))
	assert.True(t, dec("100").Equal(report.StartingCash))

	_, ok, err := store.Get(ctx, ledger.Key())
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := ledger.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, status)

	_, err = ledger.RecordPayout(ctx, dec("1"), "late")
	assert.ErrorIs(t, err, apperror.ErrBusinessRule)
	_, err = ledger.Close(ctx)
	assert.ErrorIs(t, err, apperror.ErrBusinessRule)

	_, err = ledger.Open(ctx, dec("60"))
	require.NoError(t, err)
	status, err = ledger.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
}

func TestExpectedCashIsRederivedEachCall(t *testing.T) {
	ctx := context.Background()
	sales := &fakeSales{}
	ledger := newTestLedger(sales, kv.NewMemory())
	state, err := ledger.Open(ctx, dec("0"))
	require.NoError(t, err)

	running := decimal.Zero
	for i, amount := range []string{"1.10", "2.20", "3.30", "0.01"} {
		sales.add("caja-1", state.StartTime.Add(time.Duration(i)*time.Second), amount, cash(amount))
		running = running.Add(dec(amount))
		expected, err := ledger.ExpectedCash(ctx)
		require.NoError(t, err)
		require.True(t, running.Equal(expected))
	}
	assert.Equal(t, 4, sales.reads)
}

func TestDecodeRejectsCorruptRecord(t *testing.T) {
	_, err := Decode([]byte(`{"openingAmount":"abc","startTime":"x"}`), "ana", "caja-1")
	assert.Error(t, err)
}

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "shift_ana_caja-1", Key("ana", "caja-1"))
}
