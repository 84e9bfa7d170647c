package httpserver

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pelajarin/billing/internal/store/gormstore"
	"github.com/pelajarin/billing/pkg/billing"
)

const (
	testSigningKey      = "test-signing-key"
	testMidtransKey     = "SB-test-server-key"
	testXenditToken     = "test-callback-token"
	testCreditsPlanName = "Credits 50"
	testHybridPlanName  = "Pro Monthly + Credits"
)

type testEnv struct {
	db        *gorm.DB
	store     *gormstore.Store
	ledger    *billing.Ledger
	purchases *billing.PurchaseService
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "billing.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gormstore.Models()...))

	store := gormstore.New(db)
	now := func() time.Time { return time.Now().UTC() }
	ledger, err := billing.NewLedger(store, now)
	require.NoError(t, err)
	purchases, err := billing.NewPurchaseService(store, ledger, now)
	require.NoError(t, err)
	reconciler, err := billing.NewReconciler(store, purchases, ledger, now)
	require.NoError(t, err)

	server := New(Config{
		ListenAddr:          "127.0.0.1:0",
		AllowedOrigins:      []string{"http://localhost:3000"},
		JWTSigningKey:       testSigningKey,
		MidtransServerKey:   testMidtransKey,
		XenditCallbackToken: testXenditToken,
	}, zap.NewNop(), ledger, purchases, reconciler)

	return &testEnv{
		db:        db,
		store:     store,
		ledger:    ledger,
		purchases: purchases,
		handler:   server.Handler(),
	}
}

func (env *testEnv) seedPlan(t *testing.T, plan gormstore.PricingPlan) gormstore.PricingPlan {
	t.Helper()
	// GORM replaces a zero-value Active with the column's default:true on
	// insert (and writes it back to the struct), so capture the fixture's
	// value and store it explicitly.
	active := plan.Active
	require.NoError(t, env.db.Create(&plan).Error)
	require.NoError(t, env.db.Model(&plan).Update("active", active).Error)
	plan.Active = active
	return plan
}

func signToken(t *testing.T, subject string, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return token
}

func (env *testEnv) do(t *testing.T, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return decoded
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodGet, "/api/credits/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = env.do(t, http.MethodGet, "/api/credits/balance", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestBalanceStartsAtZero(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user-1", "user")

	recorder := env.do(t, http.MethodGet, "/api/credits/balance", token, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.EqualValues(t, 0, body["balance"])
}

func TestBonusThenDeductFlow(t *testing.T) {
	env := newTestEnv(t)
	adminToken := signToken(t, "admin-1", "admin")
	userToken := signToken(t, "user-1", "user")

	recorder := env.do(t, http.MethodPost, "/api/admin/credits/bonus", adminToken, map[string]any{
		"userId": "user-1", "amount": 100, "description": "welcome",
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.EqualValues(t, 100, decodeBody(t, recorder)["newBalance"])

	recorder = env.do(t, http.MethodPost, "/api/credits/deduct", userToken, map[string]any{
		"amount": 40, "description": "generation",
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.EqualValues(t, 60, body["newBalance"])
	transaction := body["transaction"].(map[string]any)
	assert.EqualValues(t, -40, transaction["amount"])
	assert.EqualValues(t, 100, transaction["balanceBefore"])
	assert.EqualValues(t, 60, transaction["balanceAfter"])

	recorder = env.do(t, http.MethodGet, "/api/credits/history", userToken, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	transactions := decodeBody(t, recorder)["transactions"].([]any)
	assert.Len(t, transactions, 2)
}

func TestDeductInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user-1", "user")

	recorder := env.do(t, http.MethodPost, "/api/credits/deduct", token, map[string]any{"amount": 10})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	errorBody := decodeBody(t, recorder)["error"].(map[string]any)
	assert.Equal(t, "insufficient_funds", errorBody["code"])
}

func TestAdminRouteRejectsNonAdmin(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user-1", "user")

	recorder := env.do(t, http.MethodPost, "/api/admin/credits/bonus", token, map[string]any{
		"userId": "user-1", "amount": 100,
	})
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestListPlansIsPublic(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlan(t, gormstore.PricingPlan{
		Name:           testCreditsPlanName,
		BundleType:     string(billing.BundleCredits),
		PriceIDR:       50000,
		CreditsGranted: 50,
		Active:         true,
	})
	env.seedPlan(t, gormstore.PricingPlan{
		Name:       "Retired plan",
		BundleType: string(billing.BundleCredits),
		PriceIDR:   10000,
		Active:     false,
	})

	recorder := env.do(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	plans := decodeBody(t, recorder)["plans"].([]any)
	require.Len(t, plans, 1)
	assert.Equal(t, testCreditsPlanName, plans[0].(map[string]any)["name"])
}

func TestPurchaseUnknownPlan(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user-1", "user")

	recorder := env.do(t, http.MethodPost, "/api/credits/purchase", token, map[string]any{
		"creditPlanId":  "11111111-2222-3333-4444-555555555555",
		"paymentMethod": "manual_transfer",
	})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestManualPurchaseApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	plan := env.seedPlan(t, gormstore.PricingPlan{
		Name:           testCreditsPlanName,
		BundleType:     string(billing.BundleCredits),
		PriceIDR:       50000,
		CreditsGranted: 50,
		Active:         true,
	})
	userToken := signToken(t, "user-1", "user")
	adminToken := signToken(t, "admin-1", "admin")

	recorder := env.do(t, http.MethodPost, "/api/credits/purchase", userToken, map[string]any{
		"creditPlanId":  plan.PlanID,
		"paymentMethod": "manual_transfer",
	})
	require.Equal(t, http.StatusCreated, recorder.Code)
	transaction := decodeBody(t, recorder)["transaction"].(map[string]any)
	purchaseID := transaction["id"].(string)
	assert.Equal(t, "pending", transaction["paymentStatus"])

	recorder = env.do(t, http.MethodPost, "/api/purchases/"+purchaseID+"/evidence", userToken, nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = env.do(t, http.MethodPost, "/api/admin/purchases/"+purchaseID+"/approve", adminToken, map[string]any{
		"status": "completed",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = env.do(t, http.MethodGet, "/api/credits/balance", userToken, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.EqualValues(t, 50, decodeBody(t, recorder)["balance"])

	// A repeated approval is acknowledged without a second grant.
	recorder = env.do(t, http.MethodPost, "/api/admin/purchases/"+purchaseID+"/approve", adminToken, map[string]any{
		"status": "completed",
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "already_processed", decodeBody(t, recorder)["status"])

	recorder = env.do(t, http.MethodGet, "/api/credits/balance", userToken, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.EqualValues(t, 50, decodeBody(t, recorder)["balance"])
}

func signMidtransNotification(orderID string, statusCode string, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + testMidtransKey))
	return hex.EncodeToString(sum[:])
}

func TestMidtransWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/webhooks/midtrans/notification", "", map[string]any{
		"order_id":           "PURCHASE-abc-1700000000",
		"transaction_id":     "trx-1",
		"transaction_status": "settlement",
		"status_code":        "200",
		"gross_amount":       "50000.00",
		"signature_key":      "forged",
	})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestMidtransWebhookCompletesPurchase(t *testing.T) {
	env := newTestEnv(t)
	plan := env.seedPlan(t, gormstore.PricingPlan{
		Name:           testCreditsPlanName,
		BundleType:     string(billing.BundleCredits),
		PriceIDR:       50000,
		CreditsGranted: 50,
		Active:         true,
	})
	ctx := context.Background()
	record, _, err := env.purchases.Create(ctx, "user-1", plan.PlanID, billing.MethodMidtrans)
	require.NoError(t, err)

	orderID := "PURCHASE-" + record.PurchaseID + "-1700000000"
	notification := map[string]any{
		"order_id":           orderID,
		"transaction_id":     "trx-1",
		"transaction_status": "settlement",
		"status_code":        "200",
		"gross_amount":       "50000.00",
		"signature_key":      signMidtransNotification(orderID, "200", "50000.00"),
	}

	recorder := env.do(t, http.MethodPost, "/webhooks/midtrans/notification", "", notification)
	require.Equal(t, http.StatusOK, recorder.Code)

	stored, err := env.purchases.Get(ctx, record.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, stored.PaymentStatus)

	balance, err := env.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, balance)

	// Provider retries are answered 200 with no second grant.
	recorder = env.do(t, http.MethodPost, "/webhooks/midtrans/notification", "", notification)
	require.Equal(t, http.StatusOK, recorder.Code)
	balance, err = env.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, balance)
}

func TestXenditWebhookTokenAndCompletion(t *testing.T) {
	env := newTestEnv(t)
	plan := env.seedPlan(t, gormstore.PricingPlan{
		Name:           testHybridPlanName,
		BundleType:     string(billing.BundleHybrid),
		PriceIDR:       150000,
		CreditsGranted: 120,
		DurationDays:   30,
		Active:         true,
	})
	ctx := context.Background()
	record, _, err := env.purchases.Create(ctx, "user-1", plan.PlanID, billing.MethodXenditInvoice)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdatePurchaseReference(ctx, record.PurchaseID, "xnd-invoice-1"))

	payload := map[string]any{
		"id":          "xnd-invoice-1",
		"external_id": record.PurchaseID,
		"status":      "PAID",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodPost, "/webhooks/xendit/invoice", bytes.NewReader(raw))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-callback-token", "wrong-token")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	stored, err := env.purchases.Get(ctx, record.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPending, stored.PaymentStatus)

	request = httptest.NewRequest(http.MethodPost, "/webhooks/xendit/invoice", bytes.NewReader(raw))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-callback-token", testXenditToken)
	recorder = httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)

	stored, err = env.purchases.Get(ctx, record.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, stored.PaymentStatus)

	require.NotNil(t, stored.SubscriptionID)
	window, err := env.store.GetSubscription(ctx, *stored.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionActive, window.Status)

	balance, err := env.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 120, balance)
}
