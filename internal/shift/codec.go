package shift

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/domain"
)

const keyPrefix = "shift_"

// Key is the persisted-store key of the shift for one operator at one register.
func Key(operatorRef string, registerRef string) string {
	return keyPrefix + operatorRef + "_" + registerRef
}

type record struct {
	OpeningAmount json.Number    `json:"openingAmount"`
	StartTime     string         `json:"startTime"`
	Payouts       []payoutRecord `json:"payouts"`
}

type payoutRecord struct {
	Amount json.Number `json:"amount"`
	Reason string      `json:"reason"`
}

// Encode writes the stored form:
// {"openingAmount":100,"startTime":"2026-01-02T15:04:05Z","payouts":[{"amount":10,"reason":"..."}]}
func Encode(state domain.ShiftState) ([]byte, error) {
	rec := record{
		OpeningAmount: json.Number(state.OpeningAmount.String()),
		StartTime:     state.StartTime.UTC().Format(time.RFC3339Nano),
		Payouts:       make([]payoutRecord, 0, len(state.Payouts)),
	}
	for _, p := range state.Payouts {
		rec.Payouts = append(rec.Payouts, payoutRecord{Amount: json.Number(p.Amount.String()), Reason: p.Reason})
	}
	return json.Marshal(rec)
}

// Decode reads a stored shift. Operator and register come from the key, not
// the payload.
func Decode(raw []byte, operatorRef string, registerRef string) (domain.ShiftState, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.ShiftState{}, fmt.Errorf("decode shift: %w", err)
	}
	opening, err := decimal.NewFromString(rec.OpeningAmount.String())
	if err != nil {
		return domain.ShiftState{}, fmt.Errorf("decode shift opening amount: %w", err)
	}
	start, err := time.Parse(time.RFC3339Nano, rec.StartTime)
	if err != nil {
		return domain.ShiftState{}, fmt.Errorf("decode shift start time: %w", err)
	}

	state := domain.ShiftState{
		OperatorRef:   operatorRef,
		RegisterRef:   registerRef,
		OpeningAmount: opening,
		StartTime:     start.UTC(),
		Payouts:       make([]domain.Payout, 0, len(rec.Payouts)),
	}
	for i, p := range rec.Payouts {
		amount, err := decimal.NewFromString(p.Amount.String())
		if err != nil {
			return domain.ShiftState{}, fmt.Errorf("decode shift payout %d: %w", i, err)
		}
		state.Payouts = append(state.Payouts, domain.Payout{Amount: amount, Reason: p.Reason})
	}
	return state, nil
}
