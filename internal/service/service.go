package service

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/credit"
	"cajapos/backend/internal/discount"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/payment"
	"cajapos/backend/internal/returns"
	"cajapos/backend/internal/shift"
	"cajapos/backend/internal/store"
	"cajapos/backend/internal/xid"
)

type actorKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// RegisterSettings are the per-register pricing switches.
type RegisterSettings struct {
	ApplyTax      bool
	EmergencyMode bool
}

type Service struct {
	repo      store.Repository
	shifts    shift.Store
	verifier  discount.Verifier
	settings  RegisterSettings
	authority *discount.Authority
	guard     *credit.Guard
	returns   *returns.Processor

	mu        sync.Mutex
	terminals map[string]*Terminal
}

func New(repo store.Repository, shifts shift.Store, verifier discount.Verifier, settings RegisterSettings) *Service {
	return &Service{
		repo:      repo,
		shifts:    shifts,
		verifier:  verifier,
		settings:  settings,
		authority: discount.NewAuthority(verifier),
		guard:     credit.NewGuard(repo),
		returns:   returns.NewProcessor(repo, repo, verifier),
		terminals: make(map[string]*Terminal),
	}
}

// Terminal returns the controller of registerRef, creating it on first use.
func (s *Service) Terminal(registerRef string) (*Terminal, error) {
	registerRef = strings.TrimSpace(registerRef)
	if registerRef == "" {
		return nil, apperror.Validation("register", "register id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[registerRef]
	if !ok {
		t = newTerminal(s, registerRef, s.settings)
		s.terminals[registerRef] = t
	}
	return t, nil
}

func (s *Service) ListProducts(ctx context.Context, registerRef string) ([]domain.Product, error) {
	return s.repo.GetStockForRegister(ctx, registerRef)
}

func (s *Service) SearchClients(ctx context.Context, name string) ([]domain.Client, error) {
	return s.repo.SearchClients(ctx, name)
}

func (s *Service) ClientFinancials(ctx context.Context, clientID string) (domain.ClientFinancials, error) {
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.ClientFinancials{}, err
	}
	balance, err := s.repo.GetCreditBalance(ctx, clientID)
	if err != nil {
		return domain.ClientFinancials{}, err
	}
	return credit.Financials(*client, balance.Debt), nil
}

// RecordClientPayment settles part or all of a sale charged to a client's
// account. The sale becomes paid once nothing is left owing on it.
func (s *Service) RecordClientPayment(ctx context.Context, saleID string, method domain.PaymentMethod, amount decimal.Decimal, reference string) (*domain.Sale, error) {
	if !amount.IsPositive() {
		return nil, apperror.Validation("amount", "payment must be greater than zero")
	}
	if !method.Valid() || method.OnAccount() {
		return nil, apperror.Validation("method", "payment method %q cannot settle an account", method)
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.ClientRef == "" || sale.IsReturn || sale.PaymentStatus == domain.StatusVoided {
		return nil, apperror.Rule("no_balance_due", "sale %s has no balance due", sale.ID)
	}

	due, err := s.amountDue(ctx, *sale)
	if err != nil {
		return nil, err
	}
	if due.LessThanOrEqual(payment.Epsilon) {
		return nil, apperror.Rule("no_balance_due", "sale %s has no balance due", sale.ID)
	}
	if amount.GreaterThan(due.Add(payment.Epsilon)) {
		return nil, apperror.Rule("overpayment", "payment of %s exceeds balance due of %s", amount.StringFixed(2), due.StringFixed(2))
	}

	err = s.repo.AppendPayment(ctx, sale.ID, domain.ClientPayment{
		ID:        xid.New("P"),
		SaleID:    sale.ID,
		ClientRef: sale.ClientRef,
		Method:    method,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	// Returned sales keep their return status once settled.
	if due.Sub(amount).LessThanOrEqual(payment.Epsilon) && sale.PaymentStatus == domain.StatusPendingPayment {
		if err := s.repo.UpdateSaleStatus(ctx, sale.ID, domain.StatusPaid); err != nil {
			return nil, err
		}
		sale.PaymentStatus = domain.StatusPaid
	}

	s.logAudit(ctx, sale.RegisterRef, "client.payment", "sale", sale.ID, map[string]any{
		"client_ref": sale.ClientRef,
		"method":     method,
		"amount":     amount.StringFixed(2),
	})
	return sale, nil
}

// amountDue nets the sale against its return sales and every payment or
// refund recorded on either, matching how client debt is derived.
func (s *Service) amountDue(ctx context.Context, sale domain.Sale) (decimal.Decimal, error) {
	returns, err := s.repo.ListReturns(ctx, sale.ID)
	if err != nil {
		return decimal.Zero, err
	}
	due := decimal.Zero
	for _, entry := range append([]domain.Sale{sale}, returns...) {
		payments, err := s.repo.ListPayments(ctx, entry.ID)
		if err != nil {
			return decimal.Zero, err
		}
		due = due.Add(entry.TotalAmount)
		for _, p := range payments {
			due = due.Sub(p.Amount)
		}
	}
	return due, nil
}

// RecordSupplierPayment pays down a purchase order. Admin or manager only.
func (s *Service) RecordSupplierPayment(ctx context.Context, orderID string, amount decimal.Decimal, reference string) (*domain.PurchaseOrder, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.Privileged() {
		return nil, apperror.Unauthorized()
	}
	if !amount.IsPositive() {
		return nil, apperror.Validation("amount", "payment must be greater than zero")
	}

	po, err := s.repo.GetPurchaseOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(po.Outstanding()) {
		return nil, apperror.Rule("supplier_overpayment", "payment of %s exceeds outstanding %s on order %s", amount.StringFixed(2), po.Outstanding().StringFixed(2), po.ID)
	}

	updated, err := s.repo.RecordOrderPayment(ctx, po.ID, amount, strings.TrimSpace(reference))
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "", "supplier.payment", "purchase_order", po.ID, map[string]any{
		"supplier_ref": po.SupplierRef,
		"amount":       amount.StringFixed(2),
		"status":       updated.Status,
	})
	return updated, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, registerRef string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}
	if !from.Before(to) {
		return nil, apperror.Validation("from", "from must be before to")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, registerRef, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, registerRef string, action string, entityType string, entityID string, detail map[string]any) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		ID:          xid.New("AUD"),
		RegisterRef: registerRef,
		ActorName:   defaultString(actor.Username, "system"),
		ActorRole:   defaultString(actor.Role, "system"),
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[audit] WARN: failed to record %s for %s %s: %v", action, entityType, entityID, err)
	}
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
