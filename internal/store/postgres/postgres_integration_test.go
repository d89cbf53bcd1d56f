package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
	"cajapos/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("CAJAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CAJAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestSaleRoundTripAndReturns(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("P-IT-%d", stamp)
	clientID := fmt.Sprintf("C-IT-%d", stamp)
	register := fmt.Sprintf("caja-it-%d", stamp)
	key := fmt.Sprintf("idem-it-%d", stamp)

	require.NoError(t, s.UpsertProduct(ctx, domain.Product{ID: productID, Name: "Taladro IT", Price: decimal.RequireFromString("100.00"), IVARate: decimal.RequireFromString("0.16"), Active: true}))
	require.NoError(t, s.UpsertClient(ctx, domain.Client{ID: clientID, Name: fmt.Sprintf("Cliente IT %d", stamp), CreditLimit: decimal.NewFromInt(1000), Active: true}))
	require.NoError(t, s.SetStock(ctx, register, productID, 5))

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE register_id = $1 AND is_return = true`, register)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE register_id = $1`, register)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_logs WHERE register_id = $1`, register)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM register_stocks WHERE register_id = $1`, register)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, clientID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	sale := domain.Sale{
		Lines: []domain.SaleLine{{CartLine: domain.CartLine{
			ProductRef: productID,
			Name:       "Taladro IT",
			Quantity:   2,
			UnitPrice:  decimal.RequireFromString("100.00"),
			IVARate:    decimal.RequireFromString("0.16"),
			Discount:   &domain.Discount{Scope: domain.ScopeLine, Kind: domain.KindPercentage, Value: decimal.NewFromInt(10)},
		}}},
		ClientRef:      clientID,
		RegisterRef:    register,
		OperatorRef:    "cajero",
		Tenders:        []domain.Tender{{Method: domain.MethodInvoice, Amount: decimal.RequireFromString("208.80")}},
		Subtotal:       decimal.RequireFromString("180.00"),
		Tax:            decimal.RequireFromString("28.80"),
		TotalAmount:    decimal.RequireFromString("208.80"),
		PaymentStatus:  domain.StatusPendingPayment,
		IdempotencyKey: key,
	}
	saleID, err := s.AppendSale(ctx, sale)
	require.NoError(t, err)

	_, err = s.AppendSale(ctx, sale)
	assert.True(t, errors.Is(err, store.ErrDuplicate), "expected duplicate on idempotency key, got %v", err)

	loaded, err := s.FindSaleByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, saleID, loaded.ID)
	require.Len(t, loaded.Lines, 1)
	require.NotNil(t, loaded.Lines[0].Discount)
	assert.True(t, loaded.Lines[0].Discount.Value.Equal(decimal.NewFromInt(10)))
	assert.True(t, loaded.TotalAmount.Equal(decimal.RequireFromString("208.80")))
	require.Len(t, loaded.Tenders, 1)
	assert.Equal(t, domain.MethodInvoice, loaded.Tenders[0].Method)

	balance, err := s.GetCreditBalance(ctx, clientID)
	require.NoError(t, err)
	assert.True(t, balance.Debt.Equal(decimal.RequireFromString("208.80")))

	require.NoError(t, s.AppendPayment(ctx, saleID, domain.ClientPayment{Method: domain.MethodCash, Amount: decimal.RequireFromString("8.80")}))
	balance, err = s.GetCreditBalance(ctx, clientID)
	require.NoError(t, err)
	assert.True(t, balance.Debt.Equal(decimal.NewFromInt(200)))

	_, err = s.AppendSale(ctx, domain.Sale{
		Lines: []domain.SaleLine{{
			CartLine:      domain.CartLine{ProductRef: productID, Name: "Taladro IT", Quantity: 1, UnitPrice: decimal.RequireFromString("100.00")},
			ParentLineRef: loaded.Lines[0].ID,
			RefundAmount:  decimal.RequireFromString("104.40"),
			ReturnToStock: true,
		}},
		RegisterRef:   register,
		OperatorRef:   "cajero",
		TotalAmount:   decimal.RequireFromString("-104.40"),
		PaymentStatus: domain.StatusPaid,
		IsReturn:      true,
		ParentSaleRef: saleID,
		Reason:        "defecto",
	})
	require.NoError(t, err)

	returned, err := s.ReturnedByLine(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, 1, returned[loaded.Lines[0].ID].Quantity)

	children, err := s.ListReturns(ctx, saleID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.True(t, children[0].TotalAmount.Equal(decimal.RequireFromString("-104.40")))

	since, err := s.ListSalesSince(ctx, register, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, since, 2)

	bySuffix, err := s.FindSalesByIDSuffix(ctx, saleID[len(saleID)-6:])
	require.NoError(t, err)
	assert.NotEmpty(t, bySuffix)

	require.NoError(t, s.UpdateSaleStatus(ctx, saleID, domain.StatusPartiallyReturned))
	updated, err := s.GetSale(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyReturned, updated.PaymentStatus)
}

func TestAdjustStockRejectsNegativeBalance(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("P-STK-%d", stamp)
	register := fmt.Sprintf("caja-stk-%d", stamp)
	require.NoError(t, s.UpsertProduct(ctx, domain.Product{ID: productID, Name: "Clavos IT", Price: decimal.NewFromInt(5), Active: true}))
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_logs WHERE register_id = $1`, register)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM register_stocks WHERE register_id = $1`, register)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	entry, err := s.AdjustStock(ctx, productID, register, 3, "restock", "")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Balance)

	_, err = s.AdjustStock(ctx, productID, register, -4, "sale", "S-1")
	assert.True(t, errors.Is(err, store.ErrInsufficientStock))

	entry, err = s.AdjustStock(ctx, productID, register, -3, "sale", "S-1")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Balance)

	_, err = s.AdjustStock(ctx, "P-MISSING", register, 1, "restock", "")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestRecordOrderPaymentSettlesOrder(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	po, err := s.CreatePurchaseOrder(ctx, domain.PurchaseOrder{SupplierRef: "SUP-IT", Total: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchase_orders WHERE id = $1`, po.ID)
	})

	po, err = s.RecordOrderPayment(ctx, po.ID, decimal.NewFromInt(400), "TRF-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseOrderPartial, po.Status)

	_, err = s.RecordOrderPayment(ctx, po.ID, decimal.RequireFromString("600.01"), "TRF-2")
	assert.True(t, errors.Is(err, apperror.ErrBusinessRule))

	po, err = s.RecordOrderPayment(ctx, po.ID, decimal.NewFromInt(600), "TRF-2")
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseOrderPaid, po.Status)
	assert.Len(t, po.Payments, 2)
}

func TestAuditLogsFilterByRegister(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	register := fmt.Sprintf("caja-aud-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE register_id = $1`, register)
	})

	require.NoError(t, s.CreateAuditLog(ctx, domain.AuditLog{
		RegisterRef: register,
		ActorName:   "gerente",
		ActorRole:   domain.RoleManager,
		Action:      "shift.payout",
		EntityType:  "shift",
		EntityID:    "shift_cajero_" + register,
		Detail:      map[string]any{"amount": "50.00"},
	}))

	logs, err := s.ListAuditLogs(ctx, register, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "shift.payout", logs[0].Action)
	assert.Equal(t, "50.00", logs[0].Detail["amount"])
}
