// Package apperror holds the error taxonomy shared by the register core.
// Every failure returned across a component boundary matches exactly one of
// the sentinels below through errors.Is.
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrBusinessRule  = errors.New("business rule violation")
	ErrNotFound      = errors.New("not found")
)

// FieldError reports malformed input on a single field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Is(target error) bool {
	return target == ErrValidation
}

func Validation(field string, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type authorizationError struct{}

func (authorizationError) Error() string {
	return "invalid authorization credential"
}

func (authorizationError) Is(target error) bool {
	return target == ErrAuthorization
}

// Unauthorized is returned for any rejected privileged credential. The message
// is the same whatever part of the credential was wrong.
func Unauthorized() error {
	return authorizationError{}
}

// RuleViolation blocks an operation that is well-formed but not allowed.
type RuleViolation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (e *RuleViolation) Error() string {
	return e.Message
}

func (e *RuleViolation) Is(target error) bool {
	return target == ErrBusinessRule
}

func Rule(rule string, format string, args ...any) error {
	return &RuleViolation{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError carries lookup candidates when a query was ambiguous or
// close enough to offer alternatives.
type NotFoundError struct {
	Resource   string   `json:"resource"`
	Query      string   `json:"query"`
	Candidates []string `json:"candidates,omitempty"`
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s not found", e.Resource)
	if e.Query != "" {
		msg = fmt.Sprintf("%s %q not found", e.Resource, e.Query)
	}
	if len(e.Candidates) > 0 {
		msg += "; candidates: " + strings.Join(e.Candidates, ", ")
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func NotFound(resource string, query string) error {
	return &NotFoundError{Resource: resource, Query: query}
}

// Kind names the taxonomy bucket of err, or "internal" when it matches none.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrBusinessRule):
		return "business_rule"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
