package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/payment"
	"kasirinaja/terminal/internal/receipt"
	"kasirinaja/terminal/internal/service"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/syncer"
)

const defaultReceiptWidth = 32

type API struct {
	service       *service.Service
	allowedOrigin string
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, allowedOrigin string) *API {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return &API{
		service:       svc,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/checkout/quote", a.handleQuote)
	mux.HandleFunc("/api/v1/checkout", a.handleCheckout)
	mux.HandleFunc("/api/v1/transactions/", a.handleTransactionActions)
	mux.HandleFunc("/api/v1/sync/queue", a.handleQueue)
	mux.HandleFunc("/api/v1/sync/queue/", a.handleQueueActions)
	mux.HandleFunc("/api/v1/sync/flush", a.handleFlush)
	mux.HandleFunc("/api/v1/connectivity", a.handleConnectivity)
	mux.HandleFunc("/api/v1/installments/payments", a.handleInstallmentPayment)

	return a.withMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"online": a.service.Online(),
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

type lineRequest struct {
	LineID    string          `json:"line_id" validate:"required"`
	ProductID string          `json:"product_id" validate:"required"`
	VariantID string          `json:"variant_id"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Taxable   bool            `json:"taxable"`
}

type customerRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name" validate:"max=120"`
	Email    string `json:"email" validate:"omitempty,email"`
	Phone    string `json:"phone" validate:"max=32"`
	IsWalkIn bool   `json:"is_walk_in"`
}

type checkoutRequest struct {
	ID           string           `json:"id" validate:"max=64"`
	Customer     customerRequest  `json:"customer"`
	Lines        []lineRequest    `json:"lines" validate:"required,min=1,dive"`
	TaxRate      *decimal.Decimal `json:"tax_rate"`
	Discount     decimal.Decimal  `json:"discount_amount" validate:"gte=0"`
	Payment      json.RawMessage  `json:"payment" validate:"required"`
	Tendered     string           `json:"tendered"`
	Note         string           `json:"note" validate:"max=500"`
	PurchaseType string           `json:"purchase_type" validate:"omitempty,oneof=in_store online"`
}

func (req checkoutRequest) toService() (service.CheckoutRequest, error) {
	mode, err := domain.UnmarshalPaymentMode(req.Payment)
	if err != nil {
		return service.CheckoutRequest{}, &validationError{Fields: map[string]string{"payment": err.Error()}}
	}
	lines := make([]domain.CartLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, domain.CartLine(l))
	}
	return service.CheckoutRequest{
		ID:           strings.TrimSpace(req.ID),
		Customer:     domain.Customer(req.Customer),
		Lines:        lines,
		TaxRate:      req.TaxRate,
		Discount:     req.Discount,
		Mode:         mode,
		Tendered:     req.Tendered,
		Note:         req.Note,
		PurchaseType: domain.PurchaseType(req.PurchaseType),
	}, nil
}

func (a *API) decodeCheckout(w http.ResponseWriter, r *http.Request) (service.CheckoutRequest, bool) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return service.CheckoutRequest{}, false
	}
	if err := validateRequest(req); err != nil {
		writeServiceError(w, err)
		return service.CheckoutRequest{}, false
	}
	out, err := req.toService()
	if err != nil {
		writeServiceError(w, err)
		return service.CheckoutRequest{}, false
	}
	return out, true
}

type quoteResponse struct {
	payment.Totals
	Payment       json.RawMessage         `json:"payment"`
	AmountPaid    decimal.Decimal         `json:"amount_paid"`
	ChangeDue     decimal.Decimal         `json:"change_due"`
	CreditBalance *decimal.Decimal        `json:"credit_balance,omitempty"`
	Plan          *domain.InstallmentPlan `json:"installment_plan,omitempty"`
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	req, ok := a.decodeCheckout(w, r)
	if !ok {
		return
	}

	q, err := a.service.Quote(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	mode, err := domain.MarshalPaymentMode(q.Settlement.Mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Totals:        q.Settlement.Totals,
		Payment:       mode,
		AmountPaid:    q.Settlement.AmountPaid,
		ChangeDue:     q.Settlement.ChangeDue,
		CreditBalance: q.Settlement.CreditBalance,
		Plan:          q.Plan,
	})
}

type checkoutResponse struct {
	Transaction domain.Transaction `json:"transaction"`
	Sync        syncer.Result      `json:"sync"`
	PendingSync bool               `json:"pending_sync"`
	SyncError   string             `json:"sync_error,omitempty"`
	Receipt     receipt.Receipt    `json:"receipt"`
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	req, ok := a.decodeCheckout(w, r)
	if !ok {
		return
	}

	res, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if res.PendingSync {
		status = http.StatusAccepted
	}
	writeJSON(w, status, checkoutResponse{
		Transaction: res.Transaction,
		Sync:        res.Sync,
		PendingSync: res.PendingSync,
		SyncError:   res.SyncError,
		Receipt:     receipt.Project(res.Transaction),
	})
}

// handleTransactionActions serves /api/v1/transactions/{id} and
// /api/v1/transactions/{id}/receipt.
func (a *API) handleTransactionActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/transactions/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}

	switch action {
	case "":
		tx, err := a.service.Transaction(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	case "receipt":
		rec, err := a.service.Receipt(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if r.URL.Query().Get("format") == "text" {
			width := parsePositiveLimit(r.URL.Query().Get("width"), defaultReceiptWidth, 80)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(receipt.Text(rec, width)))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown transaction action"))
	}
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	entries, err := a.service.Queue(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"online":  a.service.Online(),
	})
}

type discardRequest struct {
	ManagerPIN string `json:"manager_pin" validate:"required,min=4,max=12"`
	Reason     string `json:"reason" validate:"required,max=200"`
}

// handleQueueActions serves POST /api/v1/sync/queue/{id}/discard.
func (a *API) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sync/queue/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "discard" {
		writeError(w, http.StatusNotFound, errors.New("unknown queue action"))
		return
	}
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return
	}

	var req discardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeServiceError(w, err)
		return
	}

	tx, err := a.service.Discard(r.Context(), id, req.ManagerPIN)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Warn().Str("transaction_id", id).Str("reason", req.Reason).Str("client", clientKey(r)).Msg("httpapi: queued sale discarded")
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	report, err := a.service.Flush(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type connectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

func (a *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"online": a.service.Online()})
	case http.MethodPost:
		var req connectivityRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validateRequest(req); err != nil {
			writeServiceError(w, err)
			return
		}
		restored := a.service.SetOnline(*req.Online)
		writeJSON(w, http.StatusOK, map[string]any{"online": *req.Online, "restored": restored})
	default:
		writeMethodNotAllowed(w)
	}
}

type installmentPaymentRequest struct {
	TransactionID string           `json:"transaction_id" validate:"required"`
	PaymentNumber int              `json:"payment_number" validate:"gte=2"`
	Amount        *decimal.Decimal `json:"amount" validate:"omitempty,gt=0"`
	Method        string           `json:"method" validate:"required,oneof=cash card transfer"`
	Reference     string           `json:"reference" validate:"max=64"`
}

type installmentPaymentResponse struct {
	PaymentID        string          `json:"payment_id"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	Completed        bool            `json:"completed"`
}

func (a *API) handleInstallmentPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req installmentPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeServiceError(w, err)
		return
	}

	ack, err := a.service.PayInstallment(r.Context(), service.InstallmentPaymentRequest{
		TransactionID: req.TransactionID,
		PaymentNumber: req.PaymentNumber,
		Amount:        req.Amount,
		Method:        domain.Method(req.Method),
		Reference:     req.Reference,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installmentPaymentResponse{
		PaymentID:        ack.PaymentID,
		RemainingBalance: ack.RemainingBalance,
		Completed:        ack.Completed,
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(startedAt)).Msg("httpapi: request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeServiceError maps the error families of the engine to statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var invalid *validationError
	var split *domain.SplitMismatchError
	var remote *ledger.StatusError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": invalid.Error(), "fields": invalid.Fields})
	case errors.As(err, &split):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": split.Error(), "delta": split.Delta.StringFixed(2)})
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, syncer.ErrInFlight),
		errors.Is(err, service.ErrNotDiscardable),
		errors.Is(err, service.ErrNotSynced),
		errors.Is(err, service.ErrNoInstallment),
		errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrManagerPIN):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrOffline), errors.Is(err, ledger.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &remote):
		writeError(w, http.StatusBadGateway, errors.New("ledger rejected the request: "+remote.Error()))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are meant for the cashier.
	msg := err.Error()
	if status >= 500 && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Int("status", status).Msg("httpapi: internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
