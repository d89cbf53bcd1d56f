// Package shift keeps the cash drawer ledger of one operator at one register.
// Only the opening float and payouts are stored; sales figures are always
// read back from the sales repository.
package shift

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
)

type Status string

const (
	StatusNoShift Status = "no_shift"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Store is the persisted key-value store holding open shifts.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type SalesReader interface {
	ListSalesSince(ctx context.Context, registerID string, since time.Time) ([]domain.Sale, error)
}

type Ledger struct {
	store       Store
	sales       SalesReader
	operatorRef string
	registerRef string
	closed      *domain.ShiftReport
	now         func() time.Time
}

func NewLedger(store Store, sales SalesReader, operatorRef string, registerRef string) *Ledger {
	return &Ledger{
		store:       store,
		sales:       sales,
		operatorRef: operatorRef,
		registerRef: registerRef,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Key() string {
	return Key(l.operatorRef, l.registerRef)
}

func (l *Ledger) Status(ctx context.Context) (Status, error) {
	_, ok, err := l.load(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		return StatusActive, nil
	}
	if l.closed != nil {
		return StatusClosed, nil
	}
	return StatusNoShift, nil
}

// LastReport is the report of the most recent Close on this ledger.
func (l *Ledger) LastReport() *domain.ShiftReport {
	return l.closed
}

func (l *Ledger) State(ctx context.Context) (domain.ShiftState, error) {
	state, ok, err := l.load(ctx)
	if err != nil {
		return domain.ShiftState{}, err
	}
	if !ok {
		return domain.ShiftState{}, l.noShift()
	}
	return state, nil
}

func (l *Ledger) Open(ctx context.Context, openingAmount decimal.Decimal) (domain.ShiftState, error) {
	if openingAmount.IsNegative() {
		return domain.ShiftState{}, apperror.Validation("opening_amount", "opening amount cannot be negative")
	}
	_, ok, err := l.load(ctx)
	if err != nil {
		return domain.ShiftState{}, err
	}
	if ok {
		return domain.ShiftState{}, apperror.Rule("duplicate_shift", "a shift is already open for %s at register %s", l.operatorRef, l.registerRef)
	}

	state := domain.ShiftState{
		OperatorRef:   l.operatorRef,
		RegisterRef:   l.registerRef,
		OpeningAmount: openingAmount,
		StartTime:     l.now(),
		Payouts:       []domain.Payout{},
	}
	if err := l.save(ctx, state); err != nil {
		return domain.ShiftState{}, err
	}
	l.closed = nil
	return state, nil
}

func (l *Ledger) RecordPayout(ctx context.Context, amount decimal.Decimal, reason string) (domain.ShiftState, error) {
	reason = strings.TrimSpace(reason)
	if !amount.IsPositive() {
		return domain.ShiftState{}, apperror.Validation("amount", "payout must be greater than zero")
	}
	if reason == "" {
		return domain.ShiftState{}, apperror.Validation("reason", "a payout reason is required")
	}

	state, err := l.State(ctx)
	if err != nil {
		return domain.ShiftState{}, err
	}
	report, err := l.report(ctx, state)
	if err != nil {
		return domain.ShiftState{}, err
	}
	if amount.GreaterThan(report.ExpectedCash) {
		return domain.ShiftState{}, apperror.Rule("payout_exceeds_cash", "payout of %s exceeds expected cash of %s", amount.StringFixed(2), report.ExpectedCash.StringFixed(2))
	}

	state.Payouts = append(state.Payouts, domain.Payout{Amount: amount, Reason: reason})
	if err := l.save(ctx, state); err != nil {
		return domain.ShiftState{}, err
	}
	return state, nil
}

func (l *Ledger) ExpectedCash(ctx context.Context) (decimal.Decimal, error) {
	report, err := l.Report(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return report.ExpectedCash, nil
}

// Report summarises the open shift without closing it.
func (l *Ledger) Report(ctx context.Context) (domain.ShiftReport, error) {
	state, err := l.State(ctx)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	return l.report(ctx, state)
}

// Close produces the final report and removes the stored shift.
func (l *Ledger) Close(ctx context.Context) (domain.ShiftReport, error) {
	state, err := l.State(ctx)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	report, err := l.report(ctx, state)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	if err := l.store.Delete(ctx, l.Key()); err != nil {
		return domain.ShiftReport{}, err
	}
	closedAt := l.now()
	report.ClosedAt = &closedAt
	l.closed = &report
	return report, nil
}

func (l *Ledger) report(ctx context.Context, state domain.ShiftState) (domain.ShiftReport, error) {
	sales, err := l.sales.ListSalesSince(ctx, l.registerRef, state.StartTime)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	report := Summarize(state, sales)
	return report, nil
}

// Summarize partitions sales by tender method. Return sales count against
// the method they were refunded on. Voided sales are skipped.
func Summarize(state domain.ShiftState, sales []domain.Sale) domain.ShiftReport {
	report := domain.ShiftReport{
		OperatorRef:   state.OperatorRef,
		RegisterRef:   state.RegisterRef,
		StartTime:     state.StartTime,
		TotalSales:    decimal.Zero,
		CashSales:     decimal.Zero,
		CardSales:     decimal.Zero,
		OtherSales:    decimal.Zero,
		StartingCash:  state.OpeningAmount,
		Payouts:       decimal.Zero,
		PayoutEntries: append([]domain.Payout(nil), state.Payouts...),
	}

	for _, sale := range sales {
		if sale.PaymentStatus == domain.StatusVoided || sale.Date.Before(state.StartTime) {
			continue
		}
		report.SalesCount++
		report.TotalSales = report.TotalSales.Add(sale.TotalAmount)
		for _, tender := range sale.Tenders {
			amount := tender.Amount
			if sale.IsReturn {
				amount = amount.Neg()
			}
			switch tender.Method {
			case domain.MethodCash:
				report.CashSales = report.CashSales.Add(amount)
			case domain.MethodCard:
				report.CardSales = report.CardSales.Add(amount)
			default:
				report.OtherSales = report.OtherSales.Add(amount)
			}
		}
	}
	for _, payout := range state.Payouts {
		report.Payouts = report.Payouts.Add(payout.Amount)
	}
	report.ExpectedCash = report.StartingCash.Add(report.CashSales).Sub(report.Payouts)
	return report
}

func (l *Ledger) load(ctx context.Context) (domain.ShiftState, bool, error) {
	raw, ok, err := l.store.Get(ctx, l.Key())
	if err != nil || !ok {
		return domain.ShiftState{}, false, err
	}
	state, err := Decode(raw, l.operatorRef, l.registerRef)
	if err != nil {
		return domain.ShiftState{}, false, err
	}
	return state, true, nil
}

func (l *Ledger) save(ctx context.Context, state domain.ShiftState) error {
	raw, err := Encode(state)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, l.Key(), raw)
}

func (l *Ledger) noShift() error {
	return apperror.Rule("no_active_shift", "no shift is open for %s at register %s", l.operatorRef, l.registerRef)
}
