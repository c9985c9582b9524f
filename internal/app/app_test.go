package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"atlas-ledger/internal/application/idempotency"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/config"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/messaging"
	"atlas-ledger/internal/interfaces/handlers/banking"
	"atlas-ledger/internal/interfaces/router"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/testsupport"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_test"

type fakePublisher struct {
	mu   sync.Mutex
	msgs []messaging.Message
}

func (f *fakePublisher) Publish(_ context.Context, m messaging.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakePublisher) routingKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.RoutingKey
	}
	return out
}

type harness struct {
	app *fiber.App
	svc *router.Services
	mr  *miniredis.Miniredis
	pub *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testsupport.NewDB(t)
	rdb, mr := testsupport.NewRedis(t)
	cfg := &config.Config{
		Env:                     "test",
		LockBackend:             "memory",
		StripeWebhookSecret:     webhookSecret,
		HealthAdminKey:          "admin-key",
		ComplianceHoldThreshold: decimal.NewFromInt(10000),
		OperationStaleAfter:     15 * time.Minute,
		IdempotencyWait:         2 * time.Second,
		NotificationBuffer:      64,
	}
	pub := &fakePublisher{}
	svc := Build(cfg, db, rdb, pub)
	return &harness{app: router.CreateApp(cfg, svc), svc: svc, mr: mr, pub: pub}
}

// login stores a session the way the identity service does and returns its cookie.
func (h *harness) login(t *testing.T, userID, role string) *http.Cookie {
	t.Helper()
	sid := "sess-" + userID
	b, err := json.Marshal(map[string]interface{}{"user": middleware.SessionUser{UserID: userID, Email: userID + "@example.com", Role: role}})
	require.NoError(t, err)
	require.NoError(t, h.mr.Set(middleware.SessionRedisPrefix+sid, string(b)))
	return &http.Cookie{Name: middleware.SessionCookieName, Value: "s:" + sid + ".signature"}
}

type envelope struct {
	Status   string                 `json:"status"`
	Message  string                 `json:"message"`
	Data     json.RawMessage        `json:"data"`
	Metadata map[string]interface{} `json:"metadata"`
	Error    struct {
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
		Code       string `json:"code"`
		TraceID    string `json:"traceId"`
	} `json:"error"`
}

func (h *harness) do(t *testing.T, method, path string, cookie *http.Cookie, body interface{}, headers map[string]string) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := h.app.Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func dec(t *testing.T, raw json.RawMessage, field string) decimal.Decimal {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	s, ok := m[field].(string)
	require.True(t, ok, "field %s missing in %s", field, string(raw))
	return decimal.RequireFromString(s)
}

func str(t *testing.T, raw json.RawMessage, field string) string {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	s, _ := m[field].(string)
	return s
}

func TestRoutes_RequireSession(t *testing.T) {
	h := newHarness(t)
	status, env := h.do(t, "GET", "/api/v1/balances?currency=EUR", nil, nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	assert.NotEmpty(t, env.Error.TraceID)
}

func TestRoutes_PermissionDenied(t *testing.T) {
	h := newHarness(t)
	investor := h.login(t, "inv-1", "investor")
	status, env := h.do(t, "POST", "/api/v1/offers", investor, map[string]string{"name": "Fund", "currency": "EUR", "max_amount": "1000"}, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
}

func TestHealthJSON_ReportsDependencies(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("GET", "/health/json", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	deps := out["dependencies"].(map[string]interface{})
	assert.Equal(t, "connected", deps["database"].(map[string]interface{})["status"])
	assert.Equal(t, "connected", deps["redis"].(map[string]interface{})["status"])
	assert.Contains(t, out["ledger"], "pendingOperations")
}

func TestInvestFlow_EndToEnd(t *testing.T) {
	h := newHarness(t)
	admin := h.login(t, "admin-1", "admin")
	investor := h.login(t, "inv-1", "investor")

	status, env := h.do(t, "POST", "/api/v1/offers", admin, map[string]string{"name": "Solar Fund", "currency": "EUR", "max_amount": "1000"}, nil)
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)
	offerID := str(t, env.Data, "id")

	status, env = h.do(t, "PATCH", "/api/v1/offers/"+offerID+"/status", admin, map[string]string{"status": "LIVE", "reason": "approved by investment committee"}, nil)
	require.Equal(t, fiber.StatusOK, status, env.Error.Message)

	status, env = h.do(t, "POST", "/api/v1/deposits", admin, map[string]string{"amount": "2000", "currency": "EUR", "user_id": "inv-1"}, map[string]string{middleware.IdempotencyKeyHeader: "dep-1"})
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)
	assert.Equal(t, "AVAILABLE", str(t, env.Data, "status"))

	invest := map[string]string{"offer_id": offerID, "amount": "1200", "currency": "EUR"}
	key := map[string]string{middleware.IdempotencyKeyHeader: "inv-key-1"}
	status, first := h.do(t, "POST", "/api/v1/investments", investor, invest, key)
	require.Equal(t, fiber.StatusCreated, status, first.Error.Message)
	assert.True(t, dec(t, first.Data, "accepted_amount").Equal(decimal.NewFromInt(1000)))
	assert.True(t, dec(t, first.Data, "offer_remaining_amount").IsZero())
	assert.Equal(t, false, first.Metadata["replayed"])

	status, second := h.do(t, "POST", "/api/v1/investments", investor, invest, key)
	require.Equal(t, fiber.StatusCreated, status)
	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.Equal(t, true, second.Metadata["replayed"])

	status, env = h.do(t, "POST", "/api/v1/investments", investor, map[string]string{"offer_id": offerID, "amount": "10", "currency": "EUR"}, map[string]string{middleware.IdempotencyKeyHeader: "inv-key-2"})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "OFFER_FULL", env.Error.Code)

	status, env = h.do(t, "GET", "/api/v1/balances?account=general&currency=EUR", investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dec(t, env.Data, "available").Equal(decimal.NewFromInt(1000)))
	assert.True(t, dec(t, env.Data, "blocked").Equal(decimal.NewFromInt(1000)))
	assert.True(t, dec(t, env.Data, "total").Equal(decimal.NewFromInt(2000)))

	opID := str(t, first.Data, "operation_id")
	status, _ = h.do(t, "GET", "/api/v1/operations/"+opID, investor, nil, nil)
	assert.Equal(t, fiber.StatusOK, status)
	other := h.login(t, "inv-2", "investor")
	status, _ = h.do(t, "GET", "/api/v1/operations/"+opID, other, nil, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	h.svc.Dispatcher.Start(1)
	h.svc.Dispatcher.Close()
	assert.Contains(t, h.pub.routingKeys(), "ledger.operation.investment")
	assert.Contains(t, h.pub.routingKeys(), "ledger.operation.deposit")
}

func TestInvest_ValidationError(t *testing.T) {
	h := newHarness(t)
	investor := h.login(t, "inv-1", "investor")
	status, env := h.do(t, "POST", "/api/v1/investments", investor, map[string]string{"offer_id": "not-a-uuid", "amount": "10", "currency": "EUR"}, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func signed(t *testing.T, payload []byte) map[string]string {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{"Stripe-Signature": "t=" + ts + ",v1=" + banking.Sign(payload, ts, webhookSecret)}
}

func postWebhook(t *testing.T, h *harness, payload []byte, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/banking/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.app.Test(req, 10000)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestBankingWebhook_SettlesDepositOnce(t *testing.T) {
	h := newHarness(t)
	event := func(typ string) []byte {
		b, err := json.Marshal(map[string]interface{}{
			"id":   "evt_" + typ,
			"type": typ,
			"data": map[string]interface{}{"object": map[string]interface{}{
				"id":       "pi_123",
				"amount":   50000,
				"currency": "eur",
				"metadata": map[string]string{"user_id": "inv-9", "email": "inv-9@example.com", "amount": "500", "currency": "EUR"},
			}},
		})
		require.NoError(t, err)
		return b
	}

	processing := event(banking.EventProcessing)
	assert.Equal(t, fiber.StatusOK, postWebhook(t, h, processing, signed(t, processing)))
	succeeded := event(banking.EventSucceeded)
	assert.Equal(t, fiber.StatusOK, postWebhook(t, h, succeeded, signed(t, succeeded)))
	assert.Equal(t, fiber.StatusOK, postWebhook(t, h, succeeded, signed(t, succeeded)))

	investor := h.login(t, "inv-9", "investor")
	status, env := h.do(t, "GET", "/api/v1/balances?currency=EUR", investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dec(t, env.Data, "available").Equal(decimal.NewFromInt(500)))
}

func TestBankingWebhook_RejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	assert.Equal(t, fiber.StatusBadRequest, postWebhook(t, h, payload, map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"}))
	assert.Equal(t, fiber.StatusBadRequest, postWebhook(t, h, payload, nil))
}

func TestVaultAndLiquidityRoutes(t *testing.T) {
	h := newHarness(t)
	treasury := h.login(t, "tr-1", "treasury")
	admin := h.login(t, "admin-1", "admin")
	investor := h.login(t, "inv-1", "investor")

	status, env := h.do(t, "POST", "/api/v1/vaults", treasury, map[string]interface{}{"code": "yield", "name": "Yield Vault", "currency": "EUR", "lock_period_days": 0}, nil)
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)

	status, env = h.do(t, "POST", "/api/v1/deposits", admin, map[string]string{"amount": "300", "currency": "EUR", "user_id": "inv-1"}, map[string]string{middleware.IdempotencyKeyHeader: "dep-v"})
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)

	status, env = h.do(t, "POST", "/api/v1/vaults/yield/deposit", investor, map[string]string{"amount": "200"}, map[string]string{middleware.IdempotencyKeyHeader: "vd-1"})
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)

	status, env = h.do(t, "POST", "/api/v1/liquidity/vaults/yield/rebalance", treasury, map[string]string{"direction": "TO_AUM", "amount": "150", "reason": "deploy cash into strategy"}, nil)
	require.Equal(t, fiber.StatusOK, status, env.Error.Message)

	status, env = h.do(t, "POST", "/api/v1/vaults/yield/withdraw", investor, map[string]string{"amount": "100"}, map[string]string{middleware.IdempotencyKeyHeader: "vw-1"})
	require.Equal(t, fiber.StatusAccepted, status, env.Error.Message)
	assert.Equal(t, "PENDING", str(t, env.Data, "status"))
	requestID := str(t, env.Data, "request_id")

	status, env = h.do(t, "GET", "/api/v1/liquidity/withdrawals", treasury, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, env.Metadata["count"])

	status, env = h.do(t, "POST", "/api/v1/liquidity/withdrawals/"+requestID+"/reject", treasury, map[string]string{"reason": "insufficient strategy liquidity"}, nil)
	require.Equal(t, fiber.StatusOK, status, env.Error.Message)
	assert.Equal(t, "REJECTED", str(t, env.Data, "status"))

	status, env = h.do(t, "GET", "/api/v1/balances?account=yield", investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dec(t, env.Data, "available").Equal(decimal.NewFromInt(200)))

	status, env = h.do(t, "GET", "/api/v1/audit-logs?action=withdrawal.reject", admin, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, env.Metadata["total"])
}

func TestComplianceAndCorrectionRoutes(t *testing.T) {
	h := newHarness(t)
	admin := h.login(t, "admin-1", "admin")
	officer := h.login(t, "co-1", "compliance_officer")
	investor := h.login(t, "inv-1", "investor")

	status, env := h.do(t, "POST", "/api/v1/deposits", admin, map[string]string{"amount": "20000", "currency": "EUR", "user_id": "inv-1"}, map[string]string{middleware.IdempotencyKeyHeader: "big-1"})
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)
	require.Equal(t, "HELD", str(t, env.Data, "status"))
	depositID := str(t, env.Data, "operation_id")

	status, env = h.do(t, "GET", "/api/v1/compliance/holds", officer, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, env.Metadata["count"])

	status, env = h.do(t, "POST", "/api/v1/compliance/release", officer, map[string]string{"deposit_operation_id": depositID, "amount": "5000", "reason": "source of funds verified"}, nil)
	require.Equal(t, fiber.StatusOK, status, env.Error.Message)
	assert.True(t, dec(t, env.Data, "remaining").Equal(decimal.NewFromInt(15000)))

	status, env = h.do(t, "POST", "/api/v1/compliance/reject", officer, map[string]string{"deposit_operation_id": depositID, "reason": "short"}, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "REASON_REQUIRED", env.Error.Code)

	status, env = h.do(t, "POST", "/api/v1/compliance/reject", officer, map[string]string{"deposit_operation_id": depositID, "reason": "remaining funds not verified"}, nil)
	require.Equal(t, fiber.StatusOK, status, env.Error.Message)
	assert.True(t, dec(t, env.Data, "amount").Equal(decimal.NewFromInt(15000)))

	status, env = h.do(t, "GET", "/api/v1/balances?currency=EUR", investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dec(t, env.Data, "available").Equal(decimal.NewFromInt(5000)))
	assert.True(t, dec(t, env.Data, "locked").IsZero())

	status, env = h.do(t, "POST", "/api/v1/deposits", admin, map[string]string{"amount": "100", "currency": "EUR", "user_id": "inv-2"}, map[string]string{middleware.IdempotencyKeyHeader: "small-1"})
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)
	smallID := str(t, env.Data, "operation_id")

	status, env = h.do(t, "POST", "/api/v1/operations/"+smallID+"/reverse", admin, map[string]string{"reason": "duplicate bank credit"}, nil)
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)
	assert.Equal(t, smallID, str(t, env.Data, "target_operation_id"))

	status, env = h.do(t, "POST", "/api/v1/operations/"+smallID+"/reverse", admin, map[string]string{"reason": "duplicate bank credit"}, map[string]string{middleware.IdempotencyKeyHeader: "rev-2"})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "ALREADY_REVERSED", env.Error.Code)

	status, _ = h.do(t, "POST", "/api/v1/operations/"+smallID+"/reverse", investor, map[string]string{"reason": "duplicate bank credit"}, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
}

func TestDeposits_DirectBookingIsBackOfficeOnly(t *testing.T) {
	h := newHarness(t)
	investor := h.login(t, "inv-1", "investor")
	treasury := h.login(t, "tr-1", "treasury")
	body := map[string]string{"amount": "1000", "currency": "EUR", "user_id": "inv-1"}

	status, env := h.do(t, "POST", "/api/v1/deposits", investor, body, map[string]string{middleware.IdempotencyKeyHeader: "self-credit"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	status, env = h.do(t, "GET", "/api/v1/balances?currency=EUR", investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dec(t, env.Data, "available").IsZero())

	// intents stay open to investors; without a processor configured the request fails past authorization
	status, _ = h.do(t, "POST", "/api/v1/deposits/intents", investor, map[string]string{"amount": "10", "currency": "EUR"}, nil)
	assert.NotEqual(t, fiber.StatusForbidden, status)

	status, env = h.do(t, "POST", "/api/v1/deposits", treasury, body, map[string]string{middleware.IdempotencyKeyHeader: "treasury-credit"})
	require.Equal(t, fiber.StatusCreated, status, env.Error.Message)
	status, env = h.do(t, "GET", "/api/v1/balances?currency=EUR", investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dec(t, env.Data, "available").Equal(decimal.NewFromInt(1000)))
}

func TestBankingWebhook_CanceledIntentCancelsDeposit(t *testing.T) {
	h := newHarness(t)
	event := func(typ string) []byte {
		b, err := json.Marshal(map[string]interface{}{
			"id":   "evt_" + typ,
			"type": typ,
			"data": map[string]interface{}{"object": map[string]interface{}{
				"id":                  "pi_cancel",
				"amount":              30000,
				"currency":            "eur",
				"cancellation_reason": "abandoned",
				"metadata":            map[string]string{"user_id": "inv-7", "amount": "300", "currency": "EUR"},
			}},
		})
		require.NoError(t, err)
		return b
	}
	processing := event(banking.EventProcessing)
	require.Equal(t, fiber.StatusOK, postWebhook(t, h, processing, signed(t, processing)))
	canceled := event(banking.EventCanceled)
	require.Equal(t, fiber.StatusOK, postWebhook(t, h, canceled, signed(t, canceled)))

	rec, err := h.svc.Engine.Registry.Find(context.Background(), idempotency.Scope{Key: "pi_cancel", Type: domain.OperationDeposit, UserID: "inv-7"})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationCancelled, rec.Status)

	investor := h.login(t, "inv-7", "investor")
	status, env := h.do(t, "GET", "/api/v1/operations/"+rec.OperationID.String(), investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "CANCELLED", str(t, env.Data, "status"))

	// a late success after cancellation credits nothing
	succeeded := event(banking.EventSucceeded)
	assert.Equal(t, fiber.StatusOK, postWebhook(t, h, succeeded, signed(t, succeeded)))
	status, env = h.do(t, "GET", "/api/v1/balances?currency=EUR", investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dec(t, env.Data, "available").IsZero())
}

func TestBankingWebhook_IgnoresInflatedMetadataAmount(t *testing.T) {
	h := newHarness(t)
	payload, err := json.Marshal(map[string]interface{}{
		"id":   "evt_inflated",
		"type": banking.EventSucceeded,
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":       "pi_inflated",
			"amount":   100,
			"currency": "eur",
			"metadata": map[string]string{"user_id": "inv-8", "amount": "1000000", "currency": "EUR"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, postWebhook(t, h, payload, signed(t, payload)))

	investor := h.login(t, "inv-8", "investor")
	status, env := h.do(t, "GET", "/api/v1/balances?currency=EUR", investor, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dec(t, env.Data, "available").IsZero())
}

func TestStart_RunsBalanceCacheReconciler(t *testing.T) {
	h := newHarness(t)
	acct, err := h.svc.Ledger.EnsureAccount(h.svc.DB, "inv-1", domain.AccountAvailable, "", "EUR")
	require.NoError(t, err)
	key := "ledger:balance:" + acct.ID.String()
	require.NoError(t, h.mr.Set(key, "777"))

	a := &App{
		Config:     &config.Config{CacheVerifyInterval: 10 * time.Millisecond, NotificationWorkers: 1},
		Fiber:      h.app,
		Services:   h.svc,
		Reconciler: ledger.NewReconciler(h.svc.Ledger, 10*time.Millisecond),
	}
	a.Start(context.Background())
	defer func() {
		a.cancel()
		a.wg.Wait()
		h.svc.Dispatcher.Close()
	}()

	assert.Eventually(t, func() bool {
		v, err := h.mr.Get(key)
		return err == nil && v == "0"
	}, 2*time.Second, 10*time.Millisecond)
}
