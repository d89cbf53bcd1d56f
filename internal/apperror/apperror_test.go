package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsMatchTheirSentinel(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
		kind string
	}{
		{"validation", Validation("amount", "must be greater than zero"), ErrValidation, "validation"},
		{"authorization", Unauthorized(), ErrAuthorization, "authorization"},
		{"rule", Rule("credit_limit", "exceeds available credit of %s", "20.00"), ErrBusinessRule, "business_rule"},
		{"not found", NotFound("sale", "A-1"), ErrNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("finalize: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.want)
			assert.Equal(t, tc.kind, Kind(wrapped))
		})
	}
	assert.Equal(t, "internal", Kind(errors.New("boom")))
}

func TestUnauthorizedDoesNotLeakDetail(t *testing.T) {
	assert.Equal(t, "invalid authorization credential", Unauthorized().Error())
}

func TestNotFoundListsCandidates(t *testing.T) {
	err := &NotFoundError{Resource: "sale", Query: "ana", Candidates: []string{"S-1", "S-2"}}
	assert.Equal(t, `sale "ana" not found; candidates: S-1, S-2`, err.Error())

	var nf *NotFoundError
	assert.True(t, errors.As(fmt.Errorf("lookup: %w", err), &nf))
	assert.Len(t, nf.Candidates, 2)
}

func TestFieldErrorMessage(t *testing.T) {
	assert.Equal(t, "quantity: must be at least 1", Validation("quantity", "must be at least %d", 1).Error())
	assert.Equal(t, "cart is empty", Validation("", "cart is empty").Error())
}
