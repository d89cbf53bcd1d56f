package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/discount"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/payment"
	"cajapos/backend/internal/pricing"
	"cajapos/backend/internal/returns"
	"cajapos/backend/internal/shift"
	"cajapos/backend/internal/store"
)

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateShiftClosed     State = "shift_closed"
	StateActive          State = "active"
	StateReconciling     State = "reconciling"
)

// Terminal is the control logic of one register. It owns the in-progress
// cart; every other component works on values passed in from here.
type Terminal struct {
	svc         *Service
	registerRef string
	settings    RegisterSettings

	// submitting is taken before mu so a second finalize fails fast
	// instead of queueing behind the first.
	submitting atomic.Bool

	mu            sync.Mutex
	state         State
	operator      domain.Actor
	ledger        *shift.Ledger
	lines         []domain.CartLine
	orderDiscount *domain.Discount
	clientRef     string
	clientName    string
	projectRef    string
	checkout      *payment.Allocator
	reconcile     *domain.ShiftReport
	now           func() time.Time
}

type CheckoutView struct {
	Total   decimal.Decimal `json:"total"`
	Paid    decimal.Decimal `json:"paid"`
	Balance decimal.Decimal `json:"balance"`
	Settled bool            `json:"settled"`
	Tenders []domain.Tender `json:"tenders"`
}

type View struct {
	RegisterRef   string              `json:"register_ref"`
	OperatorRef   string              `json:"operator_ref,omitempty"`
	State         State               `json:"state"`
	Lines         []domain.CartLine   `json:"lines"`
	OrderDiscount *domain.Discount    `json:"order_discount,omitempty"`
	ClientRef     string              `json:"client_ref,omitempty"`
	ClientName    string              `json:"client_name,omitempty"`
	ProjectRef    string              `json:"project_ref,omitempty"`
	Totals        pricing.Totals      `json:"totals"`
	Checkout      *CheckoutView       `json:"checkout,omitempty"`
	Reconcile     *domain.ShiftReport `json:"reconcile,omitempty"`
}

type FinalizeRequest struct {
	Policy         payment.RemainderPolicy `json:"policy"`
	SelectedMethod domain.PaymentMethod    `json:"selected_method"`
	IdempotencyKey string                  `json:"idempotency_key"`
}

type Receipt struct {
	Sale        domain.Sale    `json:"sale"`
	Totals      pricing.Totals `json:"totals"`
	AutoApplied *domain.Tender `json:"auto_applied,omitempty"`
	Duplicate   bool           `json:"duplicate"`
}

func newTerminal(svc *Service, registerRef string, settings RegisterSettings) *Terminal {
	return &Terminal{
		svc:         svc,
		registerRef: registerRef,
		settings:    settings,
		state:       StateUnauthenticated,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (t *Terminal) RegisterRef() string {
	return t.registerRef
}

// OperatorRef is the signed-in operator, empty while unauthenticated.
func (t *Terminal) OperatorRef() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.operator.Username
}

func (t *Terminal) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Terminal) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view()
}

func (t *Terminal) view() View {
	v := View{
		RegisterRef: t.registerRef,
		OperatorRef: t.operator.Username,
		State:       t.state,
		Lines:       cloneLines(t.lines),
		ClientRef:   t.clientRef,
		ClientName:  t.clientName,
		ProjectRef:  t.projectRef,
		Totals:      t.totals(),
		Reconcile:   t.reconcile,
	}
	if t.orderDiscount != nil {
		d := *t.orderDiscount
		v.OrderDiscount = &d
	}
	if t.checkout != nil {
		v.Checkout = &CheckoutView{
			Total:   t.checkout.Total(),
			Paid:    t.checkout.Paid(),
			Balance: t.checkout.Balance(),
			Settled: t.checkout.IsSettled(),
			Tenders: t.checkout.Tenders(),
		}
	}
	return v
}

func (t *Terminal) require(allowed ...State) error {
	for _, s := range allowed {
		if t.state == s {
			return nil
		}
	}
	return apperror.Rule("invalid_state", "not allowed while the register is %s", t.state)
}

// Session

// SignIn attaches actor to the register. A shift the same operator left
// open on this register is resumed.
func (t *Terminal) SignIn(ctx context.Context, actor domain.Actor) (View, error) {
	if strings.TrimSpace(actor.Username) == "" {
		return View{}, apperror.Validation("operator", "operator is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateUnauthenticated {
		if t.operator.Username != actor.Username {
			return View{}, apperror.Rule("register_in_use", "register %s is in use by %s", t.registerRef, t.operator.Username)
		}
		return t.view(), nil
	}

	ledger := shift.NewLedger(t.svc.shifts, t.svc.repo, actor.Username, t.registerRef)
	status, err := ledger.Status(ctx)
	if err != nil {
		return View{}, err
	}
	t.operator = actor
	t.ledger = ledger
	t.state = StateShiftClosed
	if status == shift.StatusActive {
		t.state = StateActive
	}
	return t.view(), nil
}

func (t *Terminal) SignOut() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateUnauthenticated {
		return nil
	}
	if len(t.lines) > 0 {
		return apperror.Rule("cart_not_empty", "clear or finish the current sale before signing out")
	}
	t.resetCart()
	t.reconcile = nil
	t.operator = domain.Actor{}
	t.ledger = nil
	t.state = StateUnauthenticated
	return nil
}

// Shift

func (t *Terminal) OpenShift(ctx context.Context, openingAmount decimal.Decimal) (domain.ShiftState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateShiftClosed); err != nil {
		return domain.ShiftState{}, err
	}
	state, err := t.ledger.Open(ctx, openingAmount)
	if err != nil {
		return domain.ShiftState{}, err
	}
	t.state = StateActive
	t.svc.logAudit(t.actorContext(ctx), t.registerRef, "shift.open", "shift", t.ledger.Key(), map[string]any{
		"opening_amount": openingAmount.StringFixed(2),
	})
	return state, nil
}

// RecordPayout takes cash out of the drawer. The amount and reason are
// validated before the credential is checked.
func (t *Terminal) RecordPayout(ctx context.Context, amount decimal.Decimal, reason string, credential string) (domain.ShiftState, error) {
	if !amount.IsPositive() {
		return domain.ShiftState{}, apperror.Validation("amount", "payout must be greater than zero")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.ShiftState{}, apperror.Validation("reason", "a payout reason is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return domain.ShiftState{}, err
	}
	approver, err := t.verify(ctx, credential)
	if err != nil {
		return domain.ShiftState{}, err
	}
	state, err := t.ledger.RecordPayout(ctx, amount, reason)
	if err != nil {
		return domain.ShiftState{}, err
	}
	t.svc.logAudit(t.actorContext(ctx), t.registerRef, "shift.payout", "shift", t.ledger.Key(), map[string]any{
		"amount":      amount.StringFixed(2),
		"reason":      strings.TrimSpace(reason),
		"approved_by": approver.Username,
	})
	return state, nil
}

func (t *Terminal) ExpectedCash(ctx context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive, StateReconciling); err != nil {
		return decimal.Zero, err
	}
	return t.ledger.ExpectedCash(ctx)
}

// BeginReconcile freezes selling and returns the closing report preview.
func (t *Terminal) BeginReconcile(ctx context.Context) (domain.ShiftReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return domain.ShiftReport{}, err
	}
	if len(t.lines) > 0 {
		return domain.ShiftReport{}, apperror.Rule("cart_not_empty", "clear or finish the current sale before closing the shift")
	}
	report, err := t.ledger.Report(ctx)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	t.reconcile = &report
	t.state = StateReconciling
	return report, nil
}

func (t *Terminal) CancelReconcile() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateReconciling); err != nil {
		return err
	}
	t.reconcile = nil
	t.state = StateActive
	return nil
}

func (t *Terminal) CloseShift(ctx context.Context) (domain.ShiftReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateReconciling); err != nil {
		return domain.ShiftReport{}, err
	}
	report, err := t.ledger.Close(ctx)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	t.reconcile = nil
	t.state = StateShiftClosed
	t.svc.logAudit(t.actorContext(ctx), t.registerRef, "shift.close", "shift", t.ledger.Key(), map[string]any{
		"sales_count":   report.SalesCount,
		"total_sales":   report.TotalSales.StringFixed(2),
		"expected_cash": report.ExpectedCash.StringFixed(2),
	})
	return report, nil
}

// Cart

// AddItem adds qty of a product at its current catalog price, merging with a
// line already holding that product.
func (t *Terminal) AddItem(ctx context.Context, productRef string, qty int) (View, error) {
	if qty <= 0 {
		return View{}, apperror.Validation("quantity", "quantity must be greater than zero")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return View{}, err
	}
	product, err := t.product(ctx, productRef)
	if err != nil {
		return View{}, err
	}

	idx := t.lineIndex(product.ID)
	wanted := qty
	if idx >= 0 {
		wanted += t.lines[idx].Quantity
	}
	if wanted > product.Stock {
		return View{}, stockShortfall(*product, wanted)
	}

	if idx >= 0 {
		t.lines[idx].Quantity = wanted
		t.lines[idx].UnitPrice = product.Price
		t.lines[idx].IVARate = product.IVARate
		t.lines[idx].TaxExempt = product.TaxExempt
	} else {
		t.lines = append(t.lines, domain.CartLine{
			ProductRef: product.ID,
			Name:       product.Name,
			Quantity:   qty,
			UnitPrice:  product.Price,
			IVARate:    product.IVARate,
			TaxExempt:  product.TaxExempt,
		})
	}
	t.checkout = nil
	return t.view(), nil
}

func (t *Terminal) SetQuantity(ctx context.Context, productRef string, qty int) (View, error) {
	if qty <= 0 {
		return View{}, apperror.Validation("quantity", "quantity must be greater than zero")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return View{}, err
	}
	idx := t.lineIndex(productRef)
	if idx < 0 {
		return View{}, apperror.NotFound("cart line", productRef)
	}
	product, err := t.product(ctx, productRef)
	if err != nil {
		return View{}, err
	}
	if qty > product.Stock {
		return View{}, stockShortfall(*product, qty)
	}
	t.lines[idx].Quantity = qty
	t.checkout = nil
	return t.view(), nil
}

func (t *Terminal) RemoveLine(productRef string) (View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return View{}, err
	}
	idx := t.lineIndex(productRef)
	if idx < 0 {
		return View{}, apperror.NotFound("cart line", productRef)
	}
	t.lines = append(t.lines[:idx], t.lines[idx+1:]...)
	if len(t.lines) == 0 {
		t.orderDiscount = nil
	}
	t.checkout = nil
	return t.view(), nil
}

func (t *Terminal) ClearCart() (View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return View{}, err
	}
	t.resetCart()
	return t.view(), nil
}

// SetClient attaches a client to the sale. An empty ref detaches it.
func (t *Terminal) SetClient(ctx context.Context, clientRef string) (View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return View{}, err
	}
	clientRef = strings.TrimSpace(clientRef)
	if clientRef == "" {
		t.clientRef, t.clientName = "", ""
		t.checkout = nil
		return t.view(), nil
	}

	client, err := t.svc.repo.GetClient(ctx, clientRef)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return View{}, apperror.NotFound("client", clientRef)
		}
		return View{}, err
	}
	if !client.Active {
		return View{}, apperror.Rule("client_inactive", "client %s is inactive", client.Name)
	}
	t.clientRef, t.clientName = client.ID, client.Name
	t.checkout = nil
	return t.view(), nil
}

func (t *Terminal) SetProject(projectRef string) (View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return View{}, err
	}
	t.projectRef = strings.TrimSpace(projectRef)
	return t.view(), nil
}

// Discounts

// ApplyLineDiscount replaces the discount on a line once a privileged
// credential approves it.
func (t *Terminal) ApplyLineDiscount(ctx context.Context, productRef string, kind domain.DiscountKind, value decimal.Decimal, credential string) (discount.Approval, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return discount.Approval{}, err
	}
	idx := t.lineIndex(productRef)
	if idx < 0 {
		return discount.Approval{}, apperror.NotFound("cart line", productRef)
	}
	approval, err := t.svc.authority.Request(ctx, domain.ScopeLine, kind, value, credential)
	if err != nil {
		return discount.Approval{}, err
	}
	d := approval.Discount
	t.lines[idx].Discount = &d
	t.checkout = nil
	t.svc.logAudit(t.actorContext(ctx), t.registerRef, "discount.line", "product", productRef, map[string]any{
		"kind":        kind,
		"value":       value.String(),
		"approved_by": approval.ApprovedBy,
	})
	return approval, nil
}

func (t *Terminal) ApplyOrderDiscount(ctx context.Context, kind domain.DiscountKind, value decimal.Decimal, credential string) (discount.Approval, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return discount.Approval{}, err
	}
	if len(t.lines) == 0 {
		return discount.Approval{}, apperror.Validation("cart", "the cart is empty")
	}
	approval, err := t.svc.authority.Request(ctx, domain.ScopeOrder, kind, value, credential)
	if err != nil {
		return discount.Approval{}, err
	}
	d := approval.Discount
	t.orderDiscount = &d
	t.checkout = nil
	t.svc.logAudit(t.actorContext(ctx), t.registerRef, "discount.order", "cart", t.registerRef, map[string]any{
		"kind":        kind,
		"value":       value.String(),
		"approved_by": approval.ApprovedBy,
	})
	return approval, nil
}

func (t *Terminal) ClearLineDiscount(productRef string) (View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return View{}, err
	}
	idx := t.lineIndex(productRef)
	if idx < 0 {
		return View{}, apperror.NotFound("cart line", productRef)
	}
	t.lines[idx].Discount = nil
	t.checkout = nil
	return t.view(), nil
}

func (t *Terminal) ClearOrderDiscount() (View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return View{}, err
	}
	t.orderDiscount = nil
	t.checkout = nil
	return t.view(), nil
}

// Checkout

func (t *Terminal) Totals() pricing.Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals()
}

func (t *Terminal) totals() pricing.Totals {
	return pricing.Compute(pricing.Input{
		Lines:         t.lines,
		OrderDiscount: t.orderDiscount,
		ApplyTax:      t.settings.ApplyTax,
		EmergencyMode: t.settings.EmergencyMode,
	})
}

func (t *Terminal) BeginCheckout() (CheckoutView, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return CheckoutView{}, err
	}
	if len(t.lines) == 0 {
		return CheckoutView{}, apperror.Validation("cart", "the cart is empty")
	}
	t.checkout = payment.NewAllocator(t.totals().Total)
	return *t.view().Checkout, nil
}

func (t *Terminal) AddTender(method domain.PaymentMethod, amount decimal.Decimal, reference string) (CheckoutView, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireCheckout(); err != nil {
		return CheckoutView{}, err
	}
	if method.OnAccount() && t.clientRef == "" {
		return CheckoutView{}, apperror.Validation("method", "select a client before charging to account")
	}
	if err := t.checkout.AddTender(method, amount, strings.TrimSpace(reference)); err != nil {
		return CheckoutView{}, err
	}
	return *t.view().Checkout, nil
}

func (t *Terminal) RemoveTender(index int) (CheckoutView, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireCheckout(); err != nil {
		return CheckoutView{}, err
	}
	if err := t.checkout.RemoveTender(index); err != nil {
		return CheckoutView{}, err
	}
	return *t.view().Checkout, nil
}

func (t *Terminal) CancelCheckout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkout = nil
}

func (t *Terminal) requireCheckout() error {
	if err := t.require(StateActive); err != nil {
		return err
	}
	if t.checkout == nil {
		return apperror.Rule("no_checkout", "start checkout first")
	}
	return nil
}

// Finalize records the sale. Nothing is written until the totals, the
// tenders, the client's credit and the register's stock have all been
// re-checked, and a failed attempt leaves the checkout as it was.
func (t *Terminal) Finalize(ctx context.Context, req FinalizeRequest) (Receipt, error) {
	if !t.submitting.CompareAndSwap(false, true) {
		return Receipt{}, apperror.Rule("submission_in_progress", "this sale is already being submitted")
	}
	defer t.submitting.Store(false)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return Receipt{}, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := t.svc.repo.FindSaleByIdempotencyKey(ctx, key)
		if err == nil {
			return Receipt{Sale: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, apperror.ErrNotFound) {
			return Receipt{}, err
		}
	}

	if err := t.requireCheckout(); err != nil {
		return Receipt{}, err
	}
	totals := t.totals()
	if !totals.Total.Equal(t.checkout.Total()) {
		t.checkout = nil
		return Receipt{}, apperror.Rule("stale_total", "the cart changed since checkout started; start checkout again")
	}

	policy := req.Policy
	if policy == "" {
		policy = payment.RemainderBlock
	}
	settlement, err := t.checkout.Clone().Finalize(policy, req.SelectedMethod)
	if err != nil {
		return Receipt{}, err
	}

	onAccount := decimal.Zero
	for _, tender := range settlement.Tenders {
		if tender.Method.OnAccount() {
			onAccount = onAccount.Add(tender.Amount)
		}
	}
	if onAccount.IsPositive() {
		if t.clientRef == "" {
			return Receipt{}, apperror.Validation("client", "select a client before charging to account")
		}
		decision, err := t.svc.guard.CheckProjectedDebt(ctx, t.clientRef, onAccount)
		if err != nil {
			return Receipt{}, err
		}
		if err := decision.Err(); err != nil {
			return Receipt{}, err
		}
	}

	if err := t.checkStock(ctx); err != nil {
		return Receipt{}, err
	}

	status := domain.StatusPaid
	if onAccount.IsPositive() {
		status = domain.StatusPendingPayment
	}
	now := t.now()
	sale := domain.Sale{
		Date:                now,
		OrderDiscount:       t.orderDiscount,
		ClientRef:           t.clientRef,
		ClientName:          t.clientName,
		ProjectRef:          t.projectRef,
		RegisterRef:         t.registerRef,
		OperatorRef:         t.operator.Username,
		Tenders:             settlement.Tenders,
		Subtotal:            totals.Subtotal,
		OrderDiscountAmount: totals.OrderDiscountAmount,
		Tax:                 totals.Tax,
		TotalAmount:         totals.Total,
		PaymentStatus:       status,
		IdempotencyKey:      key,
	}
	for _, line := range t.lines {
		sale.Lines = append(sale.Lines, domain.SaleLine{CartLine: line})
	}

	saleID, err := t.svc.repo.AppendSale(ctx, sale)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) && key != "" {
			if existing, lookupErr := t.svc.repo.FindSaleByIdempotencyKey(ctx, key); lookupErr == nil {
				t.resetCart()
				return Receipt{Sale: *existing, Duplicate: true}, nil
			}
		}
		return Receipt{}, err
	}
	sale.ID = saleID

	if sale.ClientRef != "" {
		for _, tender := range settlement.Tenders {
			if tender.Method.OnAccount() || !tender.Amount.IsPositive() {
				continue
			}
			err := t.svc.repo.AppendPayment(ctx, saleID, domain.ClientPayment{
				SaleID:    saleID,
				ClientRef: sale.ClientRef,
				Method:    tender.Method,
				Amount:    tender.Amount,
				Reference: tender.Reference,
				CreatedAt: now,
			})
			if err != nil {
				t.resetCart()
				return Receipt{}, fmt.Errorf("record %s payment for sale %s: %w", tender.Method, saleID, err)
			}
		}
	}

	for _, line := range t.lines {
		if _, err := t.svc.repo.AdjustStock(ctx, line.ProductRef, t.registerRef, -line.Quantity, "sale", saleID); err != nil {
			log.Printf("[service] WARN: stock adjustment for %s on sale %s failed: %v", line.ProductRef, saleID, err)
		}
	}

	t.svc.logAudit(t.actorContext(ctx), t.registerRef, "sale.finalize", "sale", saleID, map[string]any{
		"total":  sale.TotalAmount.StringFixed(2),
		"status": status,
	})

	if stored, err := t.svc.repo.GetSale(ctx, saleID); err == nil {
		sale = *stored
	}
	t.resetCart()
	return Receipt{Sale: sale, Totals: totals, AutoApplied: settlement.AutoApplied}, nil
}

func (t *Terminal) checkStock(ctx context.Context) error {
	products, err := t.svc.repo.GetStockForRegister(ctx, t.registerRef)
	if err != nil {
		return err
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	for _, line := range t.lines {
		p, ok := byID[line.ProductRef]
		if !ok {
			return apperror.NotFound("product", line.ProductRef)
		}
		if line.Quantity > p.Stock {
			return stockShortfall(p, line.Quantity)
		}
	}
	return nil
}

// Returns

func (t *Terminal) LookupReturn(ctx context.Context, query string) (returns.LookupResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return returns.LookupResult{}, err
	}
	return t.svc.returns.Lookup(ctx, query)
}

func (t *Terminal) QuoteReturn(ctx context.Context, req domain.ReturnRequest) (returns.Quote, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return returns.Quote{}, err
	}
	return t.svc.returns.Quote(ctx, req)
}

func (t *Terminal) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (returns.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(StateActive); err != nil {
		return returns.Result{}, err
	}
	result, err := t.svc.returns.Process(ctx, returns.Origin{
		RegisterRef: t.registerRef,
		OperatorRef: t.operator.Username,
	}, req)
	if result.Sale.ID == "" {
		return result, err
	}
	// A committed return is audited even when a follow-up write failed.
	detail := map[string]any{
		"parent_sale_ref": req.ParentSaleRef,
		"refund":          result.Quote.Total.StringFixed(2),
		"reason":          result.Sale.Reason,
		"approved_by":     result.ApprovedBy,
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	t.svc.logAudit(t.actorContext(ctx), t.registerRef, "sale.return", "sale", result.Sale.ID, detail)
	return result, err
}

func (t *Terminal) verify(ctx context.Context, credential string) (domain.Actor, error) {
	if t.svc.verifier == nil {
		return domain.Actor{}, apperror.Unauthorized()
	}
	return t.svc.verifier.VerifyPrivileged(ctx, credential)
}

// actorContext falls back to the signed-in operator when the caller did not
// put an actor on ctx.
func (t *Terminal) actorContext(ctx context.Context) context.Context {
	if _, ok := ActorFromContext(ctx); ok {
		return ctx
	}
	return WithActor(ctx, t.operator)
}

func (t *Terminal) product(ctx context.Context, productRef string) (*domain.Product, error) {
	ref := strings.TrimSpace(productRef)
	if ref == "" {
		return nil, apperror.Validation("product", "select a product")
	}
	product, err := t.svc.repo.GetProduct(ctx, t.registerRef, ref)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFound("product", ref)
		}
		return nil, err
	}
	if !product.Active {
		return nil, apperror.Rule("product_inactive", "%s is not for sale", product.Name)
	}
	return product, nil
}

func (t *Terminal) lineIndex(productRef string) int {
	for i, line := range t.lines {
		if line.ProductRef == productRef {
			return i
		}
	}
	return -1
}

func (t *Terminal) resetCart() {
	t.lines = nil
	t.orderDiscount = nil
	t.clientRef = ""
	t.clientName = ""
	t.projectRef = ""
	t.checkout = nil
}

func stockShortfall(p domain.Product, wanted int) error {
	return apperror.Rule("stock", "only %d of %s left at this register, %d requested", p.Stock, p.Name, wanted)
}

func cloneLines(lines []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, len(lines))
	for i, line := range lines {
		out[i] = line
		if line.Discount != nil {
			d := *line.Discount
			out[i].Discount = &d
		}
	}
	return out
}
