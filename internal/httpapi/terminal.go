package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/service"
)

// terminal resolves the register named by RegisterHeader. Once someone is
// signed in there, only that operator may drive it.
func (a *API) terminal(w http.ResponseWriter, r *http.Request) (*service.Terminal, bool) {
	term, err := a.service.Terminal(r.Header.Get(RegisterHeader))
	if err != nil {
		writeAppError(w, err)
		return nil, false
	}
	actor, _ := service.ActorFromContext(r.Context())
	if operator := term.OperatorRef(); operator != "" && operator != actor.Username {
		writeAppError(w, apperror.Rule("register_in_use", "register %s is in use by %s", term.RegisterRef(), operator))
		return nil, false
	}
	return term, true
}

// allowCredentialAttempt throttles requests that carry a privileged
// credential, per client and operator.
func (a *API) allowCredentialAttempt(w http.ResponseWriter, r *http.Request) bool {
	actor, _ := service.ActorFromContext(r.Context())
	if !a.pinLimiter.Allow(clientKey(r) + "|" + actor.Username) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many credential attempts"))
		return false
	}
	return true
}

func (a *API) handleTerminalView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, term.View())
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		actor, _ := service.ActorFromContext(r.Context())
		view, err := term.SignIn(r.Context(), actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if err := term.SignOut(); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, term.View())
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	var req struct {
		OpeningAmount decimal.Decimal `json:"opening_amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	state, err := term.OpenShift(r.Context(), req.OpeningAmount)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handlePayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}
	if !a.allowCredentialAttempt(w, r) {
		return
	}

	var req struct {
		Amount     decimal.Decimal `json:"amount"`
		Reason     string          `json:"reason"`
		Credential string          `json:"credential"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	state, err := term.RecordPayout(r.Context(), req.Amount, req.Reason, req.Credential)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleExpectedCash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	cash, err := term.ExpectedCash(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expected_cash": cash})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		report, err := term.BeginReconcile(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case http.MethodDelete:
		if err := term.CancelReconcile(); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, term.View())
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	report, err := term.CloseShift(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, term.View())
	case http.MethodDelete:
		view, err := term.ClearCart()
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	var req struct {
		ProductRef string `json:"product_ref"`
		Quantity   int    `json:"quantity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := term.AddItem(r.Context(), req.ProductRef, req.Quantity)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartItem(w http.ResponseWriter, r *http.Request) {
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}
	ref := strings.TrimSpace(r.PathValue("ref"))

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Quantity int `json:"quantity"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := term.SetQuantity(r.Context(), ref, req.Quantity)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		view, err := term.RemoveLine(ref)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartClient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	var req struct {
		ClientRef string `json:"client_ref"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := term.SetClient(r.Context(), req.ClientRef)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartProject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	var req struct {
		ProjectRef string `json:"project_ref"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := term.SetProject(req.ProjectRef)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type discountRequest struct {
	Scope      domain.DiscountScope `json:"scope"`
	ProductRef string               `json:"product_ref"`
	Kind       domain.DiscountKind  `json:"kind"`
	Value      decimal.Decimal      `json:"value"`
	Credential string               `json:"credential"`
}

func (a *API) handleDiscounts(w http.ResponseWriter, r *http.Request) {
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		if !a.allowCredentialAttempt(w, r) {
			return
		}
		var req discountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		switch req.Scope {
		case domain.ScopeLine:
			approval, err := term.ApplyLineDiscount(r.Context(), req.ProductRef, req.Kind, req.Value, req.Credential)
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"approval": approval, "terminal": term.View()})
		case domain.ScopeOrder:
			approval, err := term.ApplyOrderDiscount(r.Context(), req.Kind, req.Value, req.Credential)
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"approval": approval, "terminal": term.View()})
		default:
			writeAppError(w, apperror.Validation("scope", "unsupported discount scope %q", req.Scope))
		}
	case http.MethodDelete:
		query := r.URL.Query()
		var (
			view service.View
			err  error
		)
		switch domain.DiscountScope(query.Get("scope")) {
		case domain.ScopeLine:
			view, err = term.ClearLineDiscount(query.Get("product_ref"))
		case domain.ScopeOrder:
			view, err = term.ClearOrderDiscount()
		default:
			err = apperror.Validation("scope", "unsupported discount scope %q", query.Get("scope"))
		}
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTotals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, term.Totals())
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		checkout, err := term.BeginCheckout()
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, checkout)
	case http.MethodDelete:
		term.CancelCheckout()
		writeJSON(w, http.StatusOK, term.View())
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTenders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	checkout, err := term.AddTender(req.Method, req.Amount, req.Reference)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkout)
}

func (a *API) handleTender(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeAppError(w, apperror.Validation("index", "tender index must be a number"))
		return
	}
	checkout, err := term.RemoveTender(index)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkout)
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	var req service.FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	receipt, err := term.Finalize(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (a *API) handleReturnLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	result, err := term.LookupReturn(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleReturnQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}

	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	quote, err := term.QuoteReturn(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	term, ok := a.terminal(w, r)
	if !ok {
		return
	}
	if !a.allowCredentialAttempt(w, r) {
		return
	}

	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := term.ProcessReturn(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
