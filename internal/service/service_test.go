package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/connectivity"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/memory"
	"kasirinaja/terminal/internal/syncer"
)

type fakeLedger struct {
	mu           sync.Mutex
	fail         error
	sales        []string
	installments []ledger.InstallmentPaymentRequest
}

func (f *fakeLedger) CreateSale(_ context.Context, tx domain.Transaction) (ledger.SaleAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales = append(f.sales, tx.ID)
	if f.fail != nil {
		return ledger.SaleAck{}, f.fail
	}
	return ledger.SaleAck{SaleID: "remote-" + tx.ID}, nil
}

func (f *fakeLedger) PayInstallment(_ context.Context, req ledger.InstallmentPaymentRequest) (ledger.InstallmentAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installments = append(f.installments, req)
	return ledger.InstallmentAck{PaymentID: req.PaymentID, RemainingBalance: decimal.RequireFromString("10")}, nil
}

type harness struct {
	svc     *Service
	store   *memory.Store
	ledger  *fakeLedger
	monitor *connectivity.Monitor
}

func newHarness(t *testing.T, online bool) harness {
	t.Helper()
	st := memory.New()
	fake := &fakeLedger{}
	monitor := connectivity.NewMonitor(online)
	coordinator := syncer.New(st, fake, monitor, syncer.Config{})
	pin, err := NewPINVerifier("482913")
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	svc := New(st, coordinator, monitor, fake, pin, Config{
		StoreID:        "store-1",
		TerminalID:     "till-1",
		DefaultTaxRate: decimal.Zero,
	})
	svc.WithClock(func() time.Time { return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC) })
	return harness{svc: svc, store: st, ledger: fake, monitor: monitor}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cashRequest() CheckoutRequest {
	return CheckoutRequest{
		Customer: domain.Customer{Name: "Walk-in", IsWalkIn: true},
		Lines: []domain.CartLine{
			{LineID: "l1", ProductID: "coffee", UnitPrice: dec("25"), Quantity: 2},
		},
		Mode:     domain.Cash{},
		Tendered: "50.00",
	}
}

func TestCheckoutOnlineSyncs(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.svc.Checkout(context.Background(), cashRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if res.PendingSync {
		t.Fatalf("expected synced sale, got pending")
	}
	if res.Transaction.State != domain.StateSynced {
		t.Fatalf("expected synced state, got %s", res.Transaction.State)
	}
	if res.Transaction.RemoteSaleID != "remote-"+res.Transaction.ID {
		t.Fatalf("unexpected remote sale id %q", res.Transaction.RemoteSaleID)
	}
}

func TestCheckoutOfflineIsPendingNotFailed(t *testing.T) {
	h := newHarness(t, false)

	res, err := h.svc.Checkout(context.Background(), cashRequest())
	if err != nil {
		t.Fatalf("offline checkout must not fail: %v", err)
	}
	if !res.PendingSync || res.Sync.Outcome != syncer.OutcomeOfflineSubmitted {
		t.Fatalf("expected offline pending result, got %+v", res.Sync)
	}
	queue, err := h.svc.Queue(context.Background())
	if err != nil || len(queue) != 1 {
		t.Fatalf("expected one queued sale, got %d (%v)", len(queue), err)
	}
	if len(h.ledger.sales) != 0 {
		t.Fatalf("ledger must not be called while offline")
	}
}

func TestCheckoutDeliveryFailureKeepsSale(t *testing.T) {
	h := newHarness(t, true)
	h.ledger.fail = errors.New("ledger returned 502")

	res, err := h.svc.Checkout(context.Background(), cashRequest())
	if err != nil {
		t.Fatalf("delivery failure must not surface as checkout error: %v", err)
	}
	if !res.PendingSync || res.SyncError == "" {
		t.Fatalf("expected pending sync with error, got %+v", res)
	}
	if res.Transaction.State != domain.StateQueuedOffline {
		t.Fatalf("expected queued_offline, got %s", res.Transaction.State)
	}
}

func TestCheckoutValidationPersistsNothing(t *testing.T) {
	h := newHarness(t, true)
	req := cashRequest()
	req.Mode = domain.Split{Entries: []domain.SplitEntry{
		{Method: domain.MethodCash, Amount: dec("20")},
		{Method: domain.MethodCard, Amount: dec("29.98")},
	}}

	_, err := h.svc.Checkout(context.Background(), req)
	if !errors.Is(err, domain.ErrSplitMismatch) {
		t.Fatalf("expected split mismatch, got %v", err)
	}
	for _, state := range []domain.LifecycleState{domain.StateBuilt, domain.StateQueuedOffline, domain.StateSynced} {
		txs, _ := h.store.ListByState(context.Background(), state)
		if len(txs) != 0 {
			t.Fatalf("expected nothing stored in %s, got %d", state, len(txs))
		}
	}
}

func TestCheckoutRetryWithSameIDDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, true)
	req := cashRequest()
	req.ID = "sale-retry-1"

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Checkout(context.Background(), req); err != nil {
			t.Fatalf("checkout %d failed: %v", i, err)
		}
	}
	if len(h.ledger.sales) != 1 {
		t.Fatalf("expected one ledger call, got %d", len(h.ledger.sales))
	}
}

func TestQuoteInstallmentIncludesSchedule(t *testing.T) {
	h := newHarness(t, true)
	req := cashRequest()
	req.Lines[0].UnitPrice = dec("500")
	req.Mode = domain.Installment{Terms: domain.InstallmentTerms{
		DownPayment:      dec("300"),
		NumberOfPayments: 3,
		Frequency:        domain.FrequencyMonthly,
	}}

	q, err := h.svc.Quote(req)
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if q.Plan == nil || len(q.Plan.Payments) != 3 {
		t.Fatalf("expected three scheduled payments, got %+v", q.Plan)
	}
	if got := q.Plan.Payments[2].Amount.StringFixed(2); got != "350.00" {
		t.Fatalf("expected last payment 350.00, got %s", got)
	}
	if !q.Plan.StartDate.Equal(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("quote should start the plan today, got %s", q.Plan.StartDate)
	}
}

func TestDiscardRequiresManagerPIN(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	res, err := h.svc.Checkout(ctx, cashRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	id := res.Transaction.ID

	if _, err := h.svc.Discard(ctx, id, "000000"); !errors.Is(err, ErrManagerPIN) {
		t.Fatalf("expected ErrManagerPIN, got %v", err)
	}

	tx, err := h.svc.Discard(ctx, id, "482913")
	if err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if tx.State != domain.StateDiscarded {
		t.Fatalf("expected discarded, got %s", tx.State)
	}
	if _, err := h.store.GetQueueEntry(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected queue entry removed, got %v", err)
	}

	h.monitor.Set(true)
	report, err := h.svc.Flush(ctx)
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if report.Attempted != 0 || len(h.ledger.sales) != 0 {
		t.Fatalf("discarded sale must never be delivered")
	}
}

func TestDiscardRefusesSyncedSale(t *testing.T) {
	h := newHarness(t, true)
	res, err := h.svc.Checkout(context.Background(), cashRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := h.svc.Discard(context.Background(), res.Transaction.ID, "482913"); !errors.Is(err, ErrNotDiscardable) {
		t.Fatalf("expected ErrNotDiscardable, got %v", err)
	}
}

func installmentRequest() CheckoutRequest {
	req := cashRequest()
	req.Customer = domain.Customer{ID: "cust-9"}
	req.Lines[0].UnitPrice = dec("15")
	req.Mode = domain.Installment{Terms: domain.InstallmentTerms{
		DownPayment:      dec("10"),
		NumberOfPayments: 3,
		Frequency:        domain.FrequencyWeekly,
	}}
	return req
}

func TestPayInstallmentOfflineIsRejected(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.svc.PayInstallment(context.Background(), InstallmentPaymentRequest{
		TransactionID: "sale-x",
		PaymentNumber: 2,
		Method:        domain.MethodCash,
	})
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestPayInstallmentCallsLedgerIdempotently(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	res, err := h.svc.Checkout(ctx, installmentRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	ack, err := h.svc.PayInstallment(ctx, InstallmentPaymentRequest{
		TransactionID: res.Transaction.ID,
		PaymentNumber: 2,
		Method:        domain.MethodCard,
		Reference:     "APPR-7",
	})
	if err != nil {
		t.Fatalf("pay installment failed: %v", err)
	}
	if ack.RemainingBalance.StringFixed(2) != "10.00" {
		t.Fatalf("unexpected remaining balance %s", ack.RemainingBalance)
	}
	got := h.ledger.installments[0]
	if got.IdempotencyKey != res.Transaction.ID+"-installment-2" {
		t.Fatalf("unexpected idempotency key %q", got.IdempotencyKey)
	}
	if got.PaymentID != res.Transaction.RemoteSaleID+"-2" {
		t.Fatalf("unexpected payment id %q", got.PaymentID)
	}
	if got.Amount.StringFixed(2) != "10.00" {
		t.Fatalf("expected scheduled amount 10.00, got %s", got.Amount)
	}

	_, err = h.svc.PayInstallment(ctx, InstallmentPaymentRequest{
		TransactionID: res.Transaction.ID,
		PaymentNumber: 1,
		Method:        domain.MethodCash,
	})
	if !errors.Is(err, domain.ErrInvalidSchedule) {
		t.Fatalf("down payment is already paid, got %v", err)
	}
}

func TestPINVerifierAcceptsExistingHash(t *testing.T) {
	plain, err := NewPINVerifier("739164")
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	hashed, err := NewPINVerifier(string(plain.hash))
	if err != nil {
		t.Fatalf("load hash: %v", err)
	}
	if !hashed.Verify("739164") || hashed.Verify("739165") {
		t.Fatalf("hash-loaded verifier must match the original PIN only")
	}

	disabled, _ := NewPINVerifier("")
	if disabled.Enabled() || disabled.Verify("") {
		t.Fatalf("empty PIN must disable manager actions")
	}
}
