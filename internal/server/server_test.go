package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fluxpay/fluxpay/internal/auth"
	"github.com/fluxpay/fluxpay/internal/config"
	"github.com/fluxpay/fluxpay/internal/logging"
	"github.com/fluxpay/fluxpay/internal/rail"
)

const secret = "server-test-secret"

func testConfig() config.Config {
	return config.Config{
		AppName:        "FluxPay",
		AppEnv:         "test",
		JWTSecret:      secret,
		IdempotencyTTL: time.Minute,
		PIN:            config.PINConfig{MaxAttempts: 3, Lockout: 3 * time.Hour, BcryptCost: bcrypt.MinCost},
		Payments: config.PaymentsConfig{
			MaxAmount:          decimal.NewFromInt(100_000),
			RewardPercentUPI:   decimal.RequireFromString("0.05"),
			RewardPercentCard:  decimal.RequireFromString("0.02"),
			RewardPercentP2P:   decimal.RequireFromString("0.01"),
			CouponMatchRule:    "substring",
			RateLimitPerMinute: 100,
			PendingTimeout:     time.Minute,
		},
		Rail: config.RailConfig{Timeout: time.Second},
	}
}

type client struct {
	t     *testing.T
	srv   *Server
	token string
}

func newClient(t *testing.T, srv *Server, userID, role string) *client {
	token, err := auth.SignHS256([]byte(secret), userID, role, time.Hour, time.Now())
	require.NoError(t, err)
	return &client{t: t, srv: srv, token: token}
}

func (c *client) do(method, path, body string, headers ...string) (int, map[string]any, http.Header) {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := c.srv.App().Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out, resp.Header
}

func (c *client) onboard(pinCode string, topUp string) {
	c.t.Helper()
	status, _, _ := c.do(http.MethodPost, "/api/v1/accounts", "")
	require.Equal(c.t, http.StatusCreated, status)
	status, _, _ = c.do(http.MethodPost, "/api/v1/pin", `{"pin":"`+pinCode+`"}`)
	require.Equal(c.t, http.StatusNoContent, status)
	if topUp != "" {
		status, _, _ = c.do(http.MethodPost, "/api/v1/accounts/me/topup", `{"amount":"`+topUp+`"}`)
		require.Equal(c.t, http.StatusOK, status)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), nil, nil, logging.Discard(), Options{Gateway: rail.StaticGateway{Approve: true}})
	require.NoError(t, err)
	return srv
}

func TestMerchantPaymentOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	alice := newClient(t, srv, "alice", "")
	alice.onboard("1234", "1000")

	status, body, _ := alice.do(http.MethodPost, "/api/v1/payments/merchant",
		`{"merchant":"Cafe Blue","amount":"200","rail":"UPI","pin":"1234"}`,
		"Idempotency-Key", "pay-1")
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, true, body["success"])
	reward := body["reward"].(map[string]any)
	assert.Equal(t, "10.00", reward["cashback"])
	assert.EqualValues(t, 10, reward["points"])

	status, body, _ = alice.do(http.MethodPost, "/api/v1/payments/merchant",
		`{"merchant":"Cafe Blue","amount":"200","rail":"UPI","pin":"1234"}`,
		"Idempotency-Key", "pay-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["replayed"])

	status, body, _ = alice.do(http.MethodGet, "/api/v1/accounts/me/balance", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "800.00", body["balance"])

	status, body, _ = alice.do(http.MethodGet, "/api/v1/accounts/me/rewards", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 10, body["total_points"])
}

func TestRejectionsMapToStatusCodes(t *testing.T) {
	srv := newTestServer(t)
	alice := newClient(t, srv, "alice", "")
	alice.onboard("1234", "100")

	status, body, _ := alice.do(http.MethodPost, "/api/v1/payments/merchant",
		`{"merchant":"Cafe Blue","amount":"150","rail":"CARD","pin":"1234"}`)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient_balance", body["error"])

	status, body, _ = alice.do(http.MethodPost, "/api/v1/payments/p2p",
		`{"recipient":"nobody","amount":"10","pin":"1234"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "recipient_not_found", body["error"])

	wrong := `{"merchant":"Cafe Blue","amount":"10","rail":"UPI","pin":"0000"}`
	status, body, _ = alice.do(http.MethodPost, "/api/v1/payments/merchant", wrong)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.EqualValues(t, 2, body["attempts_left"])
	alice.do(http.MethodPost, "/api/v1/payments/merchant", wrong)
	status, body, headers := alice.do(http.MethodPost, "/api/v1/payments/merchant", wrong)
	assert.Equal(t, http.StatusLocked, status)
	assert.Equal(t, "pin_locked", body["error"])
	assert.NotEmpty(t, headers.Get("Retry-After"))

	status, _, _ = alice.do(http.MethodPost, "/api/v1/payments/merchant",
		`{"merchant":"Cafe Blue","amount":"10","rail":"BANK","pin":"1234"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestP2PAndAdminReset(t *testing.T) {
	srv := newTestServer(t)
	alice := newClient(t, srv, "alice", "")
	bob := newClient(t, srv, "bob", "")
	ops := newClient(t, srv, "ops", auth.RoleAdmin)
	alice.onboard("1234", "500")
	bob.onboard("4321", "")

	status, body, _ := alice.do(http.MethodPost, "/api/v1/payments/p2p",
		`{"recipient":"bob@fluxpay","amount":"500","pin":"1234","note":"rent"}`)
	require.Equal(t, http.StatusCreated, status, body)
	reference := body["reference"].(string)
	assert.True(t, strings.HasPrefix(reference, "UPI"))

	status, body, _ = bob.do(http.MethodGet, "/api/v1/accounts/me/balance", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "500.00", body["balance"])

	status, _, _ = bob.do(http.MethodGet, "/api/v1/transactions/"+reference, "")
	assert.Equal(t, http.StatusOK, status)
	status, _, _ = ops.do(http.MethodGet, "/api/v1/transactions/"+reference, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = bob.do(http.MethodPost, "/api/v1/admin/accounts/alice/pin/reset", `{"pin":"9999"}`)
	assert.Equal(t, http.StatusForbidden, status)
	status, _, _ = ops.do(http.MethodPost, "/api/v1/admin/accounts/alice/pin/reset", `{"pin":"9999"}`)
	assert.Equal(t, http.StatusNoContent, status)

	status, body, _ = alice.do(http.MethodPost, "/api/v1/pin/verify", `{"pin":"9999"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", body["status"])
}

func TestOffersArePublic(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers", nil)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Offers []map[string]any `json:"offers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Offers, 5)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/me/balance", nil)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPaymentsWithRedisAcceptMissingIdempotencyKey(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	srv, err := New(testConfig(), nil, cache, logging.Discard(), Options{Gateway: rail.StaticGateway{Approve: true}})
	require.NoError(t, err)
	alice := newClient(t, srv, "alice", "")
	alice.onboard("1234", "1000")

	payment := `{"merchant":"Cafe Blue","amount":"200","rail":"UPI","pin":"1234"}`
	for i := 0; i < 2; i++ {
		status, body, _ := alice.do(http.MethodPost, "/api/v1/payments/merchant", payment)
		require.Equal(t, http.StatusCreated, status, body)
		assert.Equal(t, false, body["replayed"])
	}

	status, body, _ := alice.do(http.MethodPost, "/api/v1/payments/merchant", payment, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, status, body)
	reference := body["reference"]
	status, body, _ = alice.do(http.MethodPost, "/api/v1/payments/merchant", payment, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, reference, body["reference"])

	status, body, _ = alice.do(http.MethodGet, "/api/v1/accounts/me/balance", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "400.00", body["balance"])
}
