package discount

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
)

type stubVerifier struct {
	secret string
	calls  int
}

func (s *stubVerifier) VerifyPrivileged(_ context.Context, credential string) (domain.Actor, error) {
	s.calls++
	if credential != s.secret {
		return domain.Actor{}, apperror.Unauthorized()
	}
	return domain.Actor{Username: "manager", Role: domain.RoleManager}, nil
}

func TestRequestApprovesWithPrivilegedCredential(t *testing.T) {
	authority := NewAuthority(&stubVerifier{secret: "482916"})

	approval, err := authority.Request(context.Background(), domain.ScopeOrder, domain.KindFixed, decimal.NewFromInt(2), "482916")
	require.NoError(t, err)

	assert.Equal(t, domain.ScopeOrder, approval.Discount.Scope)
	assert.Equal(t, domain.KindFixed, approval.Discount.Kind)
	assert.True(t, approval.Discount.Value.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "manager", approval.ApprovedBy)
}

func TestRequestRejectsWrongCredential(t *testing.T) {
	authority := NewAuthority(&stubVerifier{secret: "482916"})

	_, err := authority.Request(context.Background(), domain.ScopeLine, domain.KindPercentage, decimal.NewFromInt(10), "000000")
	assert.ErrorIs(t, err, apperror.ErrAuthorization)
	assert.NotErrorIs(t, err, apperror.ErrValidation)
}

func TestRequestValidatesBeforeCheckingCredential(t *testing.T) {
	verifier := &stubVerifier{secret: "482916"}
	authority := NewAuthority(verifier)

	cases := []struct {
		name  string
		scope domain.DiscountScope
		kind  domain.DiscountKind
		value decimal.Decimal
	}{
		{"zero", domain.ScopeLine, domain.KindFixed, decimal.Zero},
		{"negative", domain.ScopeOrder, domain.KindFixed, decimal.NewFromInt(-5)},
		{"over 100 percent", domain.ScopeOrder, domain.KindPercentage, decimal.NewFromInt(101)},
		{"unknown kind", domain.ScopeOrder, domain.DiscountKind("bogo"), decimal.NewFromInt(1)},
		{"unknown scope", domain.DiscountScope("basket"), domain.KindFixed, decimal.NewFromInt(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := authority.Request(context.Background(), tc.scope, tc.kind, tc.value, "wrong")
			assert.ErrorIs(t, err, apperror.ErrValidation)
		})
	}
	assert.Zero(t, verifier.calls)
}

func TestRequestAllowsFullPercentage(t *testing.T) {
	authority := NewAuthority(&stubVerifier{secret: "482916"})

	_, err := authority.Request(context.Background(), domain.ScopeLine, domain.KindPercentage, decimal.NewFromInt(100), "482916")
	assert.NoError(t, err)
}

func TestRequestWithoutVerifierIsUnauthorized(t *testing.T) {
	_, err := NewAuthority(nil).Request(context.Background(), domain.ScopeLine, domain.KindFixed, decimal.NewFromInt(1), "x")
	assert.ErrorIs(t, err, apperror.ErrAuthorization)
}
