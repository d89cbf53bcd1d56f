package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/store"
	"cajapos/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate creates any missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" || p.Name == "" || p.Price.IsNegative() {
		return apperror.Validation("product", "a product needs an id, a name and a non-negative price")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, iva_rate, tax_exempt, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		ON CONFLICT (id)
		DO UPDATE SET name = $2, price = $3, iva_rate = $4, tax_exempt = $5, active = $6, updated_at = now()
	`, p.ID, p.Name, p.Price, p.IVARate, p.TaxExempt, p.Active)
	return err
}

// SetStock overwrites a register's on-hand quantity without a log entry.
func (s *Store) SetStock(ctx context.Context, registerID string, productID string, qty int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO register_stocks (register_id, product_id, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (register_id, product_id)
		DO UPDATE SET qty = $3, updated_at = now()
	`, registerID, productID, qty)
	return err
}

func (s *Store) GetStockForRegister(ctx context.Context, registerID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.price, p.iva_rate, p.tax_exempt, p.active, COALESCE(rs.qty, 0)
		FROM products p
		LEFT JOIN register_stocks rs ON rs.product_id = p.id AND rs.register_id = $1
		WHERE p.active = true
		ORDER BY p.name
	`, registerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.IVARate, &p.TaxExempt, &p.Active, &p.Stock); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, registerID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.price, p.iva_rate, p.tax_exempt, p.active, COALESCE(rs.qty, 0)
		FROM products p
		LEFT JOIN register_stocks rs ON rs.product_id = p.id AND rs.register_id = $1
		WHERE p.id = $2 AND p.active = true
	`, registerID, productID).Scan(&p.ID, &p.Name, &p.Price, &p.IVARate, &p.TaxExempt, &p.Active, &p.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, registerID string, delta int, reason string, contextRef string) (domain.StockLogEntry, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StockLogEntry{}, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists bool
	if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return domain.StockLogEntry{}, err
	}
	if !exists {
		return domain.StockLogEntry{}, store.ErrNotFound
	}

	current := 0
	err = pgTx.QueryRowContext(ctx, `
		SELECT qty FROM register_stocks
		WHERE register_id = $1 AND product_id = $2
		FOR UPDATE
	`, registerID, productID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.StockLogEntry{}, err
	}

	balance := current + delta
	if balance < 0 {
		return domain.StockLogEntry{}, store.ErrInsufficientStock
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO register_stocks (register_id, product_id, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (register_id, product_id)
		DO UPDATE SET qty = $3, updated_at = now()
	`, registerID, productID, balance)
	if err != nil {
		return domain.StockLogEntry{}, err
	}

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
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO stock_logs (id, product_id, register_id, delta, balance, reason, context_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ProductRef, entry.RegisterRef, entry.Delta, entry.Balance, entry.Reason, nullIfEmpty(entry.ContextRef), entry.CreatedAt)
	if err != nil {
		return domain.StockLogEntry{}, err
	}

	if err := pgTx.Commit(); err != nil {
		return domain.StockLogEntry{}, err
	}
	return entry, nil
}

func (s *Store) UpsertClient(ctx context.Context, c domain.Client) error {
	if c.ID == "" || c.Name == "" || c.CreditLimit.IsNegative() {
		return apperror.Validation("client", "a client needs an id, a name and a non-negative credit limit")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, credit_limit, active)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id)
		DO UPDATE SET name = $2, credit_limit = $3, active = $4
	`, c.ID, c.Name, c.CreditLimit, c.Active)
	return err
}

func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, credit_limit, active FROM clients WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.CreditLimit, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) SearchClients(ctx context.Context, name string) ([]domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, credit_limit, active
		FROM clients
		WHERE $1::text = '' OR strpos(lower(name), $1::text) > 0
		ORDER BY name
	`, strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]domain.Client, 0, 16)
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.CreditLimit, &c.Active); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return clients, nil
}

func (s *Store) GetCreditBalance(ctx context.Context, id string) (domain.CreditBalance, error) {
	if _, err := s.GetClient(ctx, id); err != nil {
		return domain.CreditBalance{}, err
	}

	var charged, paid decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(total_amount), 0) FROM sales WHERE client_ref = $1 AND payment_status <> $2),
			(SELECT COALESCE(SUM(amount), 0) FROM client_payments WHERE client_ref = $1)
	`, id, domain.StatusVoided).Scan(&charged, &paid)
	if err != nil {
		return domain.CreditBalance{}, err
	}
	return domain.CreditBalance{Debt: charged.Sub(paid)}, nil
}

func (s *Store) AppendSale(ctx context.Context, sale domain.Sale) (string, error) {
	if len(sale.Lines) == 0 || sale.RegisterRef == "" {
		return "", apperror.Validation("sale", "a sale needs lines and a register")
	}
	if sale.ID == "" {
		prefix := "S"
		if sale.IsReturn {
			prefix = "R"
		}
		sale.ID = xid.New(prefix)
	}
	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC()
	}

	tenders, err := json.Marshal(sale.Tenders)
	if err != nil {
		return "", err
	}
	orderDiscount, err := nullJSON(sale.OrderDiscount)
	if err != nil {
		return "", err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, idempotency_key, sold_at, register_id, operator_ref, client_ref, client_name,
			project_ref, order_discount, tenders, subtotal, order_discount_amount, tax,
			total_amount, payment_status, is_return, parent_sale_ref, reason
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, sale.ID, nullIfEmpty(sale.IdempotencyKey), sale.Date, sale.RegisterRef, sale.OperatorRef,
		nullIfEmpty(sale.ClientRef), nullIfEmpty(sale.ClientName), nullIfEmpty(sale.ProjectRef),
		orderDiscount, string(tenders), sale.Subtotal, sale.OrderDiscountAmount, sale.Tax,
		sale.TotalAmount, sale.PaymentStatus, sale.IsReturn, nullIfEmpty(sale.ParentSaleRef), nullIfEmpty(sale.Reason))
	if err != nil {
		if isUniqueViolation(err) {
			return "", store.ErrDuplicate
		}
		return "", err
	}

	for i, line := range sale.Lines {
		if line.ID == "" {
			line.ID = xid.New("L")
		}
		discount, err := nullJSON(line.Discount)
		if err != nil {
			return "", err
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				id, sale_id, position, product_ref, name, quantity, unit_price, iva_rate,
				tax_exempt, discount, parent_line_ref, refund_amount, return_to_stock
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, line.ID, sale.ID, i, line.ProductRef, line.Name, line.Quantity, line.UnitPrice, line.IVARate,
			line.TaxExempt, discount, nullIfEmpty(line.ParentLineRef), line.RefundAmount, line.ReturnToStock)
		if err != nil {
			return "", err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return "", err
	}
	return sale.ID, nil
}

func (s *Store) AppendPayment(ctx context.Context, saleID string, payment domain.ClientPayment) error {
	var clientRef sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT client_ref FROM sales WHERE id = $1`, saleID).Scan(&clientRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if payment.ID == "" {
		payment.ID = xid.New("P")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	if payment.ClientRef == "" {
		payment.ClientRef = clientRef.String
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_payments (id, sale_id, client_ref, method, amount, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.ID, saleID, payment.ClientRef, payment.Method, payment.Amount, nullIfEmpty(payment.Reference), payment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, saleID string) ([]domain.ClientPayment, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, saleID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, client_ref, method, amount, COALESCE(reference, ''), created_at
		FROM client_payments
		WHERE sale_id = $1
		ORDER BY seq ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.ClientPayment, 0, 4)
	for rows.Next() {
		var p domain.ClientPayment
		if err := rows.Scan(&p.ID, &p.SaleID, &p.ClientRef, &p.Method, &p.Amount, &p.Reference, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *Store) ListSalesSince(ctx context.Context, registerID string, since time.Time) ([]domain.Sale, error) {
	return s.querySales(ctx, `WHERE register_id = $1 AND sold_at >= $2`, registerID, since)
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, `WHERE id = $1`, id)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, `WHERE idempotency_key = $1`, key)
}

func (s *Store) FindSalesByIDSuffix(ctx context.Context, suffix string) ([]domain.Sale, error) {
	needle := strings.ToUpper(strings.TrimSpace(suffix))
	if needle == "" {
		return nil, nil
	}
	return s.querySales(ctx, `WHERE right(upper(id), char_length($1::text)) = $1::text`, needle)
}

func (s *Store) FindSalesByClientName(ctx context.Context, fragment string) ([]domain.Sale, error) {
	needle := strings.ToLower(strings.TrimSpace(fragment))
	if needle == "" {
		return nil, nil
	}
	return s.querySales(ctx, `WHERE client_name IS NOT NULL AND strpos(lower(client_name), $1::text) > 0`, needle)
}

func (s *Store) ListReturns(ctx context.Context, parentSaleID string) ([]domain.Sale, error) {
	return s.querySales(ctx, `WHERE is_return = true AND parent_sale_ref = $1`, parentSaleID)
}

func (s *Store) ReturnedByLine(ctx context.Context, parentSaleID string) (map[string]domain.ReturnedLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.parent_line_ref, SUM(l.quantity), COALESCE(SUM(l.refund_amount), 0)
		FROM sale_lines l
		JOIN sales s ON s.id = l.sale_id
		WHERE s.is_return = true AND s.parent_sale_ref = $1 AND l.parent_line_ref IS NOT NULL
		GROUP BY l.parent_line_ref
	`, parentSaleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.ReturnedLine)
	for rows.Next() {
		var lineID string
		var agg domain.ReturnedLine
		if err := rows.Scan(&lineID, &agg.Quantity, &agg.Refunded); err != nil {
			return nil, err
		}
		out[lineID] = agg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateSaleStatus(ctx context.Context, id string, status domain.PaymentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sales SET payment_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) findSale(ctx context.Context, where string, args ...any) (*domain.Sale, error) {
	sales, err := s.querySales(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, store.ErrNotFound
	}
	return &sales[0], nil
}

// querySales loads sale headers matching where, oldest first, then their
// lines in one round trip.
func (s *Store) querySales(ctx context.Context, where string, args ...any) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(idempotency_key, ''), sold_at, register_id, operator_ref,
			COALESCE(client_ref, ''), COALESCE(client_name, ''), COALESCE(project_ref, ''),
			order_discount, tenders, subtotal, order_discount_amount, tax, total_amount,
			payment_status, is_return, COALESCE(parent_sale_ref, ''), COALESCE(reason, '')
		FROM sales
		`+where+`
		ORDER BY sold_at ASC, seq ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 16)
	index := make(map[string]int)
	for rows.Next() {
		var sale domain.Sale
		var orderDiscount, tenders []byte
		if err := rows.Scan(
			&sale.ID,
			&sale.IdempotencyKey,
			&sale.Date,
			&sale.RegisterRef,
			&sale.OperatorRef,
			&sale.ClientRef,
			&sale.ClientName,
			&sale.ProjectRef,
			&orderDiscount,
			&tenders,
			&sale.Subtotal,
			&sale.OrderDiscountAmount,
			&sale.Tax,
			&sale.TotalAmount,
			&sale.PaymentStatus,
			&sale.IsReturn,
			&sale.ParentSaleRef,
			&sale.Reason,
		); err != nil {
			return nil, err
		}
		sale.Date = sale.Date.UTC()
		if len(orderDiscount) > 0 {
			sale.OrderDiscount = &domain.Discount{}
			if err := json.Unmarshal(orderDiscount, sale.OrderDiscount); err != nil {
				return nil, fmt.Errorf("decode order discount of %s: %w", sale.ID, err)
			}
		}
		if err := json.Unmarshal(tenders, &sale.Tenders); err != nil {
			return nil, fmt.Errorf("decode tenders of %s: %w", sale.ID, err)
		}
		index[sale.ID] = len(sales)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	ids := make([]string, 0, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
	}
	lineRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, id, product_ref, name, quantity, unit_price, iva_rate, tax_exempt,
			discount, COALESCE(parent_line_ref, ''), refund_amount, return_to_stock
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var saleID string
		var discount []byte
		var line domain.SaleLine
		if err := lineRows.Scan(
			&saleID,
			&line.ID,
			&line.ProductRef,
			&line.Name,
			&line.Quantity,
			&line.UnitPrice,
			&line.IVARate,
			&line.TaxExempt,
			&discount,
			&line.ParentLineRef,
			&line.RefundAmount,
			&line.ReturnToStock,
		); err != nil {
			return nil, err
		}
		if len(discount) > 0 {
			line.Discount = &domain.Discount{}
			if err := json.Unmarshal(discount, line.Discount); err != nil {
				return nil, fmt.Errorf("decode discount of line %s: %w", line.ID, err)
			}
		}
		i := index[saleID]
		sales[i].Lines = append(sales[i].Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.SupplierRef == "" || !po.Total.IsPositive() {
		return nil, apperror.Validation("purchase_order", "an order needs a supplier and a positive total")
	}
	if po.ID == "" {
		po.ID = xid.New("PO")
	}
	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}
	po.Paid = decimal.Zero
	po.Status = domain.PurchaseOrderOpen

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, supplier_ref, total, paid, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, po.ID, po.SupplierRef, po.Total, po.Paid, po.Status, po.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return s.GetPurchaseOrder(ctx, po.ID)
}

func (s *Store) GetPurchaseOrder(ctx context.Context, orderID string) (*domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, supplier_ref, total, paid, status, created_at
		FROM purchase_orders
		WHERE id = $1
	`, orderID).Scan(&po.ID, &po.SupplierRef, &po.Total, &po.Paid, &po.Status, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	po.CreatedAt = po.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, amount, COALESCE(reference, ''), paid_at
		FROM supplier_payments
		WHERE order_id = $1
		ORDER BY paid_at ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	po.Payments = make([]domain.SupplierPayment, 0, 4)
	for rows.Next() {
		var p domain.SupplierPayment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Reference, &p.PaidAt); err != nil {
			return nil, err
		}
		p.PaidAt = p.PaidAt.UTC()
		po.Payments = append(po.Payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Store) RecordOrderPayment(ctx context.Context, orderID string, amount decimal.Decimal, ref string) (*domain.PurchaseOrder, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var total, paid decimal.Decimal
	err = pgTx.QueryRowContext(ctx, `
		SELECT total, paid FROM purchase_orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&total, &paid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	outstanding := total.Sub(paid)
	if !amount.IsPositive() || amount.GreaterThan(outstanding) {
		return nil, apperror.Rule("supplier_overpayment", "payment of %s exceeds outstanding %s on order %s", amount.StringFixed(2), outstanding.StringFixed(2), orderID)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO supplier_payments (id, order_id, amount, reference, paid_at)
		VALUES ($1,$2,$3,$4,$5)
	`, xid.New("SP"), orderID, amount, nullIfEmpty(ref), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	paid = paid.Add(amount)
	status := domain.PurchaseOrderPartial
	if !total.Sub(paid).IsPositive() {
		status = domain.PurchaseOrderPaid
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE purchase_orders SET paid = $2, status = $3 WHERE id = $1
	`, orderID, paid, status)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPurchaseOrder(ctx, orderID)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return apperror.Validation("username", "username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("AUD")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	if entry.Detail == nil {
		detail = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, register_id, actor_name, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.RegisterRef, entry.ActorName, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, string(detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, registerID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, register_id, actor_name, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::text = '' OR register_id = $1::text)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, registerID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		var detail []byte
		if err := rows.Scan(&entry.ID, &entry.RegisterRef, &entry.ActorName, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(detail, &entry.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail of %s: %w", entry.ID, err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

// nullJSON encodes v for a nullable JSONB column.
func nullJSON(v *domain.Discount) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
