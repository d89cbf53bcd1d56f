package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/auth"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/service"
)

// RegisterHeader selects the register a terminal request acts on.
const RegisterHeader = "X-Register-ID"

type API struct {
	service       *service.Service
	auth          *auth.Manager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

type Options struct {
	AllowedOrigin          string
	LoginAttemptsPerMinute int
	PINAttemptsPerMinute   int
}

func New(svc *service.Service, authManager *auth.Manager, opts Options) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	if opts.LoginAttemptsPerMinute < 1 {
		opts.LoginAttemptsPerMinute = 5
	}
	if opts.PINAttemptsPerMinute < 1 {
		opts.PINAttemptsPerMinute = 8
	}
	return &API{
		service:       svc,
		auth:          authManager,
		allowedOrigin: opts.AllowedOrigin,
		loginLimiter:  newAttemptLimiter(opts.LoginAttemptsPerMinute, time.Minute),
		pinLimiter:    newAttemptLimiter(opts.PINAttemptsPerMinute, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

// attemptLimiter keeps one token bucket per client key. A bucket refills to
// max attempts over window.
type attemptLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{
		every:   rate.Every(window / time.Duration(max)),
		burst:   max,
		entries: make(map[string]*rate.Limiter),
	}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.entries[key]
	if !ok {
		limiter = rate.NewLimiter(l.every, l.burst)
		l.entries[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

var (
	anyRole    = []string{domain.RoleCashier, domain.RoleManager, domain.RoleAdmin}
	backOffice = []string{domain.RoleManager, domain.RoleAdmin}
)

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, anyRole...))
	mux.HandleFunc("/api/v1/clients", a.requireAuth(a.handleClients, anyRole...))
	mux.HandleFunc("/api/v1/clients/{id}/financials", a.requireAuth(a.handleClientFinancials, anyRole...))
	mux.HandleFunc("/api/v1/sales/{id}/payments", a.requireAuth(a.handleClientPayment, anyRole...))
	mux.HandleFunc("/api/v1/purchase-orders/{id}/payments", a.requireAuth(a.handleSupplierPayment, backOffice...))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, backOffice...))

	mux.HandleFunc("/api/v1/terminal", a.requireAuth(a.handleTerminalView, anyRole...))
	mux.HandleFunc("/api/v1/terminal/session", a.requireAuth(a.handleSession, anyRole...))
	mux.HandleFunc("/api/v1/terminal/shift/open", a.requireAuth(a.handleShiftOpen, anyRole...))
	mux.HandleFunc("/api/v1/terminal/shift/payouts", a.requireAuth(a.handlePayout, anyRole...))
	mux.HandleFunc("/api/v1/terminal/shift/expected-cash", a.requireAuth(a.handleExpectedCash, anyRole...))
	mux.HandleFunc("/api/v1/terminal/shift/reconcile", a.requireAuth(a.handleReconcile, anyRole...))
	mux.HandleFunc("/api/v1/terminal/shift/close", a.requireAuth(a.handleShiftClose, anyRole...))
	mux.HandleFunc("/api/v1/terminal/cart", a.requireAuth(a.handleCart, anyRole...))
	mux.HandleFunc("/api/v1/terminal/cart/items", a.requireAuth(a.handleCartItems, anyRole...))
	mux.HandleFunc("/api/v1/terminal/cart/items/{ref}", a.requireAuth(a.handleCartItem, anyRole...))
	mux.HandleFunc("/api/v1/terminal/cart/client", a.requireAuth(a.handleCartClient, anyRole...))
	mux.HandleFunc("/api/v1/terminal/cart/project", a.requireAuth(a.handleCartProject, anyRole...))
	mux.HandleFunc("/api/v1/terminal/cart/discounts", a.requireAuth(a.handleDiscounts, anyRole...))
	mux.HandleFunc("/api/v1/terminal/totals", a.requireAuth(a.handleTotals, anyRole...))
	mux.HandleFunc("/api/v1/terminal/checkout", a.requireAuth(a.handleCheckout, anyRole...))
	mux.HandleFunc("/api/v1/terminal/checkout/tenders", a.requireAuth(a.handleTenders, anyRole...))
	mux.HandleFunc("/api/v1/terminal/checkout/tenders/{index}", a.requireAuth(a.handleTender, anyRole...))
	mux.HandleFunc("/api/v1/terminal/checkout/finalize", a.requireAuth(a.handleFinalize, anyRole...))
	mux.HandleFunc("/api/v1/terminal/returns/lookup", a.requireAuth(a.handleReturnLookup, anyRole...))
	mux.HandleFunc("/api/v1/terminal/returns/quote", a.requireAuth(a.handleReturnQuote, anyRole...))
	mux.HandleFunc("/api/v1/terminal/returns", a.requireAuth(a.handleReturns, anyRole...))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token valid for the current hour bucket.
// Mutating requests must echo it in X-CSRF-Token.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	registerRef := strings.TrimSpace(r.Header.Get(RegisterHeader))
	if registerRef == "" {
		registerRef = strings.TrimSpace(r.URL.Query().Get("register_id"))
	}
	if registerRef == "" {
		writeAppError(w, apperror.Validation("register", "register id is required"))
		return
	}
	products, err := a.service.ListProducts(r.Context(), registerRef)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	clients, err := a.service.SearchClients(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (a *API) handleClientFinancials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	financials, err := a.service.ClientFinancials(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, financials)
}

type paymentRequest struct {
	Method    domain.PaymentMethod `json:"method"`
	Amount    decimal.Decimal      `json:"amount"`
	Reference string               `json:"reference"`
}

func (a *API) handleClientPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sale, err := a.service.RecordClientPayment(r.Context(), r.PathValue("id"), req.Method, req.Amount, req.Reference)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSupplierPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	po, err := a.service.RecordSupplierPayment(r.Context(), r.PathValue("id"), req.Amount, req.Reference)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, po)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	from, err := parseTime(query.Get("from"), time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		writeAppError(w, apperror.Validation("from", "expected an RFC3339 timestamp"))
		return
	}
	to, err := parseTime(query.Get("to"), time.Time{})
	if err != nil {
		writeAppError(w, apperror.Validation("to", "expected an RFC3339 timestamp"))
		return
	}
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), query.Get("register_id"), from, to, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, "+RegisterHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseTime(raw string, fallback time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, trimmed)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var violation *apperror.RuleViolation
	if errors.As(err, &violation) && violation.Rule == "invalid_state" {
		return http.StatusUnprocessableEntity
	}
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrBusinessRule):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes err with its taxonomy kind and, where the error
// carries them, the offending field, the rule broken or lookup candidates.
func writeAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		writeError(w, status, err)
		return
	}

	body := map[string]any{
		"error": err.Error(),
		"kind":  apperror.Kind(err),
	}
	var field *apperror.FieldError
	if errors.As(err, &field) && field.Field != "" {
		body["field"] = field.Field
	}
	var rule *apperror.RuleViolation
	if errors.As(err, &rule) {
		body["rule"] = rule.Rule
	}
	var notFound *apperror.NotFoundError
	if errors.As(err, &notFound) && len(notFound.Candidates) > 0 {
		body["candidates"] = notFound.Candidates
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
