package discount

import (
	"context"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
)

var maxPercent = decimal.NewFromInt(100)

// Verifier checks a privileged credential and returns the account that
// vouched for it.
type Verifier interface {
	VerifyPrivileged(ctx context.Context, credential string) (domain.Actor, error)
}

type Authority struct {
	verifier Verifier
}

type Approval struct {
	Discount   domain.Discount `json:"discount"`
	ApprovedBy string          `json:"approved_by"`
}

func NewAuthority(verifier Verifier) *Authority {
	return &Authority{verifier: verifier}
}

// Validate checks the shape of a discount without touching credentials.
func Validate(scope domain.DiscountScope, kind domain.DiscountKind, value decimal.Decimal) error {
	if scope != domain.ScopeLine && scope != domain.ScopeOrder {
		return apperror.Validation("scope", "unsupported discount scope %q", scope)
	}
	if kind != domain.KindPercentage && kind != domain.KindFixed {
		return apperror.Validation("kind", "unsupported discount kind %q", kind)
	}
	if !value.IsPositive() {
		return apperror.Validation("value", "discount must be greater than zero")
	}
	if kind == domain.KindPercentage && value.GreaterThan(maxPercent) {
		return apperror.Validation("value", "percentage discount cannot exceed 100")
	}
	return nil
}

// Request validates the discount and then the credential. A bad value is
// reported before the credential is ever checked.
func (a *Authority) Request(ctx context.Context, scope domain.DiscountScope, kind domain.DiscountKind, value decimal.Decimal, credential string) (Approval, error) {
	if err := Validate(scope, kind, value); err != nil {
		return Approval{}, err
	}
	if a.verifier == nil {
		return Approval{}, apperror.Unauthorized()
	}
	approver, err := a.verifier.VerifyPrivileged(ctx, credential)
	if err != nil {
		return Approval{}, err
	}

	return Approval{
		Discount:   domain.Discount{Scope: scope, Kind: kind, Value: value},
		ApprovedBy: approver.Username,
	}, nil
}
