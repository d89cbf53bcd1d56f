package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/store"
	"cajapos/backend/internal/xid"
)

type Store struct {
	mu             sync.RWMutex
	products       map[string]domain.Product
	stock          map[string]map[string]int
	stockLog       []domain.StockLogEntry
	clients        map[string]domain.Client
	salesByID      map[string]*domain.Sale
	salesByIdem    map[string]string
	saleOrder      []string
	payments       map[string][]domain.ClientPayment
	purchaseOrders map[string]domain.PurchaseOrder
	users          map[string]domain.UserAccount
	auditLogs      []domain.AuditLog
}

func New() *Store {
	return &Store{
		products:       make(map[string]domain.Product),
		stock:          make(map[string]map[string]int),
		clients:        make(map[string]domain.Client),
		salesByID:      make(map[string]*domain.Sale),
		salesByIdem:    make(map[string]string),
		payments:       make(map[string][]domain.ClientPayment),
		purchaseOrders: make(map[string]domain.PurchaseOrder),
		users:          make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD, with
// hardcoded dev defaults when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "gerente123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cajero123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"gerente", managerPwd, domain.RoleManager},
		{"cajero", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	d := decimal.RequireFromString

	products := []domain.Product{
		{ID: "P-TORN-01", Name: "Tornillo 1/4 (caja 100)", Price: d("85.00"), IVARate: d("0.16"), Active: true},
		{ID: "P-MART-01", Name: "Martillo de uña 16oz", Price: d("249.90"), IVARate: d("0.16"), Active: true},
		{ID: "P-CEME-01", Name: "Cemento gris 50kg", Price: d("235.00"), IVARate: d("0.16"), Active: true},
		{ID: "P-PINT-01", Name: "Pintura vinílica 19L", Price: d("1450.00"), IVARate: d("0.16"), Active: true},
		{ID: "P-CABL-01", Name: "Cable THW cal. 12 (m)", Price: d("14.50"), IVARate: d("0.16"), Active: true},
		{ID: "P-AGUA-01", Name: "Agua purificada 1L", Price: d("12.00"), IVARate: d("0"), Active: true},
		{ID: "P-LINT-01", Name: "Lámpara de mano", Price: d("189.00"), IVARate: d("0.16"), TaxExempt: true, Active: true},
		{ID: "P-GUAN-01", Name: "Guantes de carnaza", Price: d("65.00"), IVARate: d("0.16"), Active: true},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	for _, register := range []string{"caja-1", "caja-2"} {
		s.stock[register] = make(map[string]int, len(products))
		for _, p := range products {
			s.stock[register][p.ID] = 40
		}
	}

	for _, c := range []domain.Client{
		{ID: "C-0001", Name: "Público en general", CreditLimit: decimal.Zero, Active: true},
		{ID: "C-0002", Name: "Constructora Ruiz", CreditLimit: d("5000.00"), Active: true},
		{ID: "C-0003", Name: "Ana Torres", CreditLimit: d("500.00"), Active: true},
	} {
		s.clients[c.ID] = c
	}

	now := time.Now().UTC()
	s.purchaseOrders["PO-0001"] = domain.PurchaseOrder{
		ID:          "PO-0001",
		SupplierRef: "SUP-ACEROS",
		Total:       d("12500.00"),
		Paid:        decimal.Zero,
		Status:      domain.PurchaseOrderOpen,
		CreatedAt:   now,
	}

	s.users = seedUsers()
	return s
}

// SetStock overwrites a register's on-hand quantity without a log entry.
func (s *Store) SetStock(registerID string, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stock[registerID] == nil {
		s.stock[registerID] = make(map[string]int)
	}
	s.stock[registerID][productID] = qty
}

func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *Store) PutClient(client domain.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client
}

func (s *Store) PutPurchaseOrder(po domain.PurchaseOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchaseOrders[po.ID] = clonePurchaseOrder(po)
}

func (s *Store) PutUser(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(user.Username)] = user
}

func (s *Store) StockLog() []domain.StockLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.stockLog)
}

func (s *Store) GetStockForRegister(_ context.Context, registerID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		p.Stock = s.stock[registerID][p.ID]
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, registerID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok || !p.Active {
		return nil, store.ErrNotFound
	}
	p.Stock = s.stock[registerID][p.ID]
	return &p, nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, registerID string, delta int, reason string, contextRef string) (domain.StockLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return domain.StockLogEntry{}, store.ErrNotFound
	}
	if s.stock[registerID] == nil {
		s.stock[registerID] = make(map[string]int)
	}
	balance := s.stock[registerID][productID] + delta
	if balance < 0 {
		return domain.StockLogEntry{}, store.ErrInsufficientStock
	}
	s.stock[registerID][productID] = balance

	entry := domain.StockLogEntry{
		ID:          xid.New("LOG"),
		ProductRef:  productID,
		RegisterRef: registerID,
		Delta:       delta,
		Balance:     balance,
		Reason:      reason,
		ContextRef:  contextRef,
		CreatedAt:   time.Now().UTC(),
	}
	s.stockLog = append(s.stockLog, entry)
	return entry, nil
}

func (s *Store) GetClient(_ context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) SearchClients(_ context.Context, name string) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(name))
	out := make([]domain.Client, 0)
	for _, c := range s.clients {
		if needle == "" || strings.Contains(strings.ToLower(c.Name), needle) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetCreditBalance(_ context.Context, id string) (domain.CreditBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.clients[id]; !ok {
		return domain.CreditBalance{}, store.ErrNotFound
	}
	debt := decimal.Zero
	for _, sale := range s.salesByID {
		if sale.ClientRef == id && sale.PaymentStatus != domain.StatusVoided {
			debt = debt.Add(sale.TotalAmount)
		}
	}
	for _, payments := range s.payments {
		for _, p := range payments {
			if p.ClientRef == id {
				debt = debt.Sub(p.Amount)
			}
		}
	}
	return domain.CreditBalance{Debt: debt}, nil
}

func (s *Store) AppendSale(_ context.Context, sale domain.Sale) (string, error) {
	if len(sale.Lines) == 0 || sale.RegisterRef == "" {
		return "", apperror.Validation("sale", "a sale needs lines and a register")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if _, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
			return "", store.ErrDuplicate
		}
	}
	if sale.ID == "" {
		prefix := "S"
		if sale.IsReturn {
			prefix = "R"
		}
		sale.ID = xid.New(prefix)
	}
	if _, exists := s.salesByID[sale.ID]; exists {
		return "", store.ErrDuplicate
	}
	for i := range sale.Lines {
		if sale.Lines[i].ID == "" {
			sale.Lines[i].ID = xid.New("L")
		}
	}
	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC()
	}

	cloned := cloneSale(sale)
	s.salesByID[sale.ID] = &cloned
	s.saleOrder = append(s.saleOrder, sale.ID)
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	return sale.ID, nil
}

func (s *Store) AppendPayment(_ context.Context, saleID string, payment domain.ClientPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return store.ErrNotFound
	}
	if payment.ID == "" {
		payment.ID = xid.New("P")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.SaleID = saleID
	if payment.ClientRef == "" {
		payment.ClientRef = sale.ClientRef
	}
	s.payments[saleID] = append(s.payments[saleID], payment)
	return nil
}

func (s *Store) ListPayments(_ context.Context, saleID string) ([]domain.ClientPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.salesByID[saleID]; !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(s.payments[saleID]), nil
}

func (s *Store) ListSalesSince(_ context.Context, registerID string, since time.Time) ([]domain.Sale, error) {
	return s.filterSales(func(sale *domain.Sale) bool {
		return sale.RegisterRef == registerID && !sale.Date.Before(since)
	}), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneSale(*sale)
	return &cloned, nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneSale(*s.salesByID[id])
	return &cloned, nil
}

func (s *Store) FindSalesByIDSuffix(_ context.Context, suffix string) ([]domain.Sale, error) {
	needle := strings.ToUpper(strings.TrimSpace(suffix))
	if needle == "" {
		return nil, nil
	}
	return s.filterSales(func(sale *domain.Sale) bool {
		return strings.HasSuffix(strings.ToUpper(sale.ID), needle)
	}), nil
}

func (s *Store) FindSalesByClientName(_ context.Context, fragment string) ([]domain.Sale, error) {
	needle := strings.ToLower(strings.TrimSpace(fragment))
	if needle == "" {
		return nil, nil
	}
	return s.filterSales(func(sale *domain.Sale) bool {
		return sale.ClientName != "" && strings.Contains(strings.ToLower(sale.ClientName), needle)
	}), nil
}

func (s *Store) ReturnedByLine(_ context.Context, parentSaleID string) (map[string]domain.ReturnedLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.ReturnedLine)
	for _, sale := range s.salesByID {
		if !sale.IsReturn || sale.ParentSaleRef != parentSaleID {
			continue
		}
		for _, line := range sale.Lines {
			agg := out[line.ParentLineRef]
			agg.Quantity += line.Quantity
			agg.Refunded = agg.Refunded.Add(line.RefundAmount)
			out[line.ParentLineRef] = agg
		}
	}
	return out, nil
}

func (s *Store) ListReturns(_ context.Context, parentSaleID string) ([]domain.Sale, error) {
	return s.filterSales(func(sale *domain.Sale) bool {
		return sale.IsReturn && sale.ParentSaleRef == parentSaleID
	}), nil
}

func (s *Store) UpdateSaleStatus(_ context.Context, id string, status domain.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	sale.PaymentStatus = status
	return nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, orderID string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, ok := s.purchaseOrders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := clonePurchaseOrder(po)
	return &cloned, nil
}

func (s *Store) RecordOrderPayment(_ context.Context, orderID string, amount decimal.Decimal, ref string) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.purchaseOrders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !amount.IsPositive() || amount.GreaterThan(po.Outstanding()) {
		return nil, apperror.Rule("supplier_overpayment", "payment of %s exceeds outstanding %s on order %s", amount.StringFixed(2), po.Outstanding().StringFixed(2), po.ID)
	}

	po = clonePurchaseOrder(po)
	po.Payments = append(po.Payments, domain.SupplierPayment{
		ID:        xid.New("SP"),
		OrderID:   po.ID,
		Amount:    amount,
		Reference: ref,
		PaidAt:    time.Now().UTC(),
	})
	po.Paid = po.Paid.Add(amount)
	po.Status = domain.PurchaseOrderPartial
	if !po.Outstanding().IsPositive() {
		po.Status = domain.PurchaseOrderPaid
	}
	s.purchaseOrders[po.ID] = po

	cloned := clonePurchaseOrder(po)
	return &cloned, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("AUD")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, registerID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if registerID != "" && entry.RegisterRef != registerID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) filterSales(keep func(*domain.Sale) bool) []domain.Sale {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0)
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if keep(sale) {
			out = append(out, cloneSale(*sale))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func cloneSale(sale domain.Sale) domain.Sale {
	out := sale
	out.Lines = make([]domain.SaleLine, len(sale.Lines))
	for i, line := range sale.Lines {
		out.Lines[i] = line
		if line.Discount != nil {
			d := *line.Discount
			out.Lines[i].Discount = &d
		}
	}
	out.Tenders = slices.Clone(sale.Tenders)
	if sale.OrderDiscount != nil {
		d := *sale.OrderDiscount
		out.OrderDiscount = &d
	}
	return out
}

func clonePurchaseOrder(po domain.PurchaseOrder) domain.PurchaseOrder {
	out := po
	out.Payments = slices.Clone(po.Payments)
	return out
}
