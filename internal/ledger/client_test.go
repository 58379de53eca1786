package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
)

const testSecret = "ledger-test-secret-with-enough-length"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cashSale() domain.Transaction {
	return domain.Transaction{
		ID:         "sale-0001",
		StoreID:    "store-1",
		TerminalID: "till-1",
		Customer:   domain.Customer{Name: "Walk-in", Phone: "0812", IsWalkIn: true},
		Lines: []domain.CartLine{
			{LineID: "l1", ProductID: "coffee", VariantID: "large", UnitPrice: dec("12.5"), Quantity: 4, Taxable: true},
		},
		Subtotal:       dec("50"),
		TaxRate:        dec("10"),
		TaxAmount:      dec("5"),
		DiscountAmount: dec("5"),
		NetTotal:       dec("50"),
		PaymentMode:    domain.Cash{},
		AmountPaid:     dec("60"),
		ChangeDue:      dec("10"),
		PurchaseType:   domain.PurchaseInStore,
		State:          domain.StateBuilt,
		CreatedAt:      time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL:    url,
		Secret:     testSecret,
		StoreID:    "store-1",
		TerminalID: "till-1",
		Timeout:    2 * time.Second,
	})
}

func TestCreateSaleSendsIdempotentSignedPayload(t *testing.T) {
	var (
		gotKey  string
		gotAuth string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sales", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sale_id":"remote-77"}`))
	}))
	defer srv.Close()

	ack, err := newTestClient(srv.URL).CreateSale(context.Background(), cashSale())
	require.NoError(t, err)
	assert.Equal(t, "remote-77", ack.SaleID)
	assert.False(t, ack.Replayed)
	assert.Equal(t, "sale-0001", gotKey)

	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	claims := &terminalClaims{}
	_, err = jwtlib.ParseWithClaims(strings.TrimPrefix(gotAuth, "Bearer "), claims, func(*jwtlib.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	assert.Equal(t, "till-1", claims.Subject)
	assert.Equal(t, "store-1", claims.StoreID)

	body := string(gotBody)
	assert.Contains(t, body, `"idempotency_key":"sale-0001"`)
	assert.Contains(t, body, `"net_total":50.00`)
	assert.Contains(t, body, `"unit_price":12.50`)
	assert.Contains(t, body, `"payments":[{"method":"cash","amount":50.00}]`)
	assert.Contains(t, body, `"customer":{"name":"Walk-in","phone":"0812"}`)
	assert.NotContains(t, body, `"credit"`)
}

func TestCreateSaleTreatsConflictWithSaleIDAsReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"sale_id":"remote-1"}`))
	}))
	defer srv.Close()

	ack, err := newTestClient(srv.URL).CreateSale(context.Background(), cashSale())
	require.NoError(t, err)
	assert.Equal(t, "remote-1", ack.SaleID)
	assert.True(t, ack.Replayed)
}

func TestCreateSaleReportsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ledger down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateSale(context.Background(), cashSale())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.True(t, statusErr.Temporary())
	assert.Contains(t, err.Error(), "ledger down")
}

func TestCreateSaleUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).CreateSale(context.Background(), cashSale())
	assert.Error(t, err)
}

func TestBreakerOpensOnServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Secret: testSecret, Breaker: BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour}})
	for i := 0; i < 3; i++ {
		_, err := c.CreateSale(context.Background(), cashSale())
		require.Error(t, err)
	}
	assert.Equal(t, BreakerClosed, c.BreakerState())

	status.Store(http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		_, _ = c.CreateSale(context.Background(), cashSale())
	}
	assert.Equal(t, BreakerOpen, c.BreakerState())

	before := calls.Load()
	_, err := c.CreateSale(context.Background(), cashSale())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls.Load())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute})
	b.now = func() time.Time { return now }

	boom := errors.New("boom")
	assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestPayInstallment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/installments/pay-9/payments", r.URL.Path)
		assert.Equal(t, "inst-key-1", r.Header.Get("Idempotency-Key"))
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "35.50", string(body["amount"]))
		assert.Equal(t, `"card"`, string(body["method"]))
		_, _ = w.Write([]byte(`{"payment_id":"pay-9","remaining_balance":"64.50","completed":false}`))
	}))
	defer srv.Close()

	ack, err := newTestClient(srv.URL).PayInstallment(context.Background(), InstallmentPaymentRequest{
		PaymentID:      "pay-9",
		IdempotencyKey: "inst-key-1",
		Amount:         dec("35.5"),
		Method:         domain.MethodCard,
	})
	require.NoError(t, err)
	assert.Equal(t, "64.50", ack.RemainingBalance.StringFixed(2))
	assert.False(t, ack.Completed)
}

func TestPingBypassesOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Secret: testSecret, Breaker: BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour}})
	_, _ = c.CreateSale(context.Background(), cashSale())
	require.Equal(t, BreakerOpen, c.BreakerState())
	assert.NoError(t, c.Ping(context.Background()))
}
