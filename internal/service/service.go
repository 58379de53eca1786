package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/checkout"
	"kasirinaja/terminal/internal/connectivity"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/installment"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/payment"
	"kasirinaja/terminal/internal/receipt"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/syncer"
)

var (
	ErrOffline        = errors.New("ledger is offline")
	ErrManagerPIN     = errors.New("manager PIN rejected")
	ErrNotDiscardable = syncer.ErrNotDiscardable
	ErrNotSynced      = errors.New("sale has not reached the ledger yet")
	ErrNoInstallment  = errors.New("sale has no installment plan")
)

// InstallmentLedger is the part of the ledger client used for collecting
// scheduled installment payments.
type InstallmentLedger interface {
	PayInstallment(ctx context.Context, req ledger.InstallmentPaymentRequest) (ledger.InstallmentAck, error)
}

type Config struct {
	StoreID        string
	TerminalID     string
	DefaultTaxRate decimal.Decimal
}

type Service struct {
	store        store.Store
	builder      *checkout.Builder
	coordinator  *syncer.Coordinator
	monitor      *connectivity.Monitor
	installments InstallmentLedger
	pin          *PINVerifier
	taxRate      decimal.Decimal
	now          func() time.Time
}

func New(
	s store.Store,
	coordinator *syncer.Coordinator,
	monitor *connectivity.Monitor,
	installments InstallmentLedger,
	pin *PINVerifier,
	cfg Config,
) *Service {
	return &Service{
		store:        s,
		builder:      checkout.NewBuilder(cfg.StoreID, cfg.TerminalID),
		coordinator:  coordinator,
		monitor:      monitor,
		installments: installments,
		pin:          pin,
		taxRate:      cfg.DefaultTaxRate,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source of the service and its builder.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.builder.WithClock(now)
	return s
}

type CheckoutRequest struct {
	// ID repeats a previous attempt; the stored record wins.
	ID           string
	Customer     domain.Customer
	Lines        []domain.CartLine
	TaxRate      *decimal.Decimal
	Discount     decimal.Decimal
	Mode         domain.PaymentMode
	Tendered     string
	Note         string
	PurchaseType domain.PurchaseType
}

type Quote struct {
	Settlement payment.Settlement
	Plan       *domain.InstallmentPlan
}

type CheckoutResult struct {
	Transaction domain.Transaction
	Sync        syncer.Result
	// PendingSync is true when the sale is saved locally but not yet
	// confirmed by the ledger.
	PendingSync bool
	SyncError   string
}

func (s *Service) request(req CheckoutRequest) payment.Request {
	taxRate := s.taxRate
	if req.TaxRate != nil {
		taxRate = *req.TaxRate
	}
	return payment.Request{
		Lines:    req.Lines,
		TaxRate:  taxRate,
		Discount: req.Discount,
		Mode:     req.Mode,
		Tendered: req.Tendered,
	}
}

// Quote prices the cart without building or storing anything. Installment
// quotes include the schedule the checkout would produce.
func (s *Service) Quote(req CheckoutRequest) (Quote, error) {
	settlement, err := payment.Calculate(s.request(req))
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Settlement: settlement}
	if mode, ok := settlement.Mode.(domain.Installment); ok {
		start := mode.Terms.StartDate
		if start.IsZero() {
			start = s.now()
		}
		plan, err := installment.Schedule(installment.Input{
			NetTotal:         settlement.NetTotal,
			DownPayment:      mode.Terms.DownPayment,
			NumberOfPayments: mode.Terms.NumberOfPayments,
			Frequency:        mode.Terms.Frequency,
			StartDate:        start,
			Notes:            mode.Terms.Notes,
		})
		if err != nil {
			return Quote{}, err
		}
		q.Plan = &plan
	}
	return q, nil
}

// Checkout validates, builds and hands the sale to the coordinator. Any
// validation failure returns before the store is touched. Once built, a
// delivery failure is reported as PendingSync, not as an error.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	settlement, err := payment.Calculate(s.request(req))
	if err != nil {
		return CheckoutResult{}, err
	}
	tx, err := s.builder.Build(checkout.Input{
		ID:           req.ID,
		Customer:     req.Customer,
		Lines:        req.Lines,
		Settlement:   settlement,
		Note:         req.Note,
		PurchaseType: req.PurchaseType,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	result, err := s.coordinator.Submit(ctx, tx)
	out := CheckoutResult{Sync: result}
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrDeliveryFailed):
		out.SyncError = err.Error()
	default:
		return CheckoutResult{}, err
	}

	stored, err := s.store.Get(ctx, tx.ID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("reload %s: %w", tx.ID, err)
	}
	out.Transaction = *stored
	out.PendingSync = stored.State != domain.StateSynced

	log.Info().
		Str("transaction_id", stored.ID).
		Str("method", string(stored.PaymentMode.Method())).
		Str("net_total", stored.NetTotal.StringFixed(2)).
		Str("outcome", string(result.Outcome)).
		Msg("service: checkout completed")
	return out, nil
}

func (s *Service) Transaction(ctx context.Context, id string) (domain.Transaction, error) {
	tx, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) Receipt(ctx context.Context, id string) (receipt.Receipt, error) {
	tx, err := s.Transaction(ctx, id)
	if err != nil {
		return receipt.Receipt{}, err
	}
	return receipt.Project(tx), nil
}

func (s *Service) Queue(ctx context.Context) ([]domain.QueueEntry, error) {
	return s.store.ListUnsynced(ctx)
}

func (s *Service) Flush(ctx context.Context) (syncer.FlushReport, error) {
	if !s.monitor.Online() {
		return syncer.FlushReport{}, ErrOffline
	}
	return s.coordinator.FlushQueue(ctx), nil
}

// SetOnline overrides the connectivity state, e.g. from the shell's own
// network listener. It reports whether this restored connectivity.
func (s *Service) SetOnline(online bool) bool {
	return s.monitor.Set(online)
}

func (s *Service) Online() bool {
	return s.monitor.Online()
}

// Discard abandons an unsynced sale. It needs the manager PIN and never
// touches a sale the ledger already has.
func (s *Service) Discard(ctx context.Context, id string, pin string) (domain.Transaction, error) {
	if !s.pin.Verify(pin) {
		return domain.Transaction{}, ErrManagerPIN
	}
	tx, err := s.coordinator.Discard(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	log.Warn().Str("transaction_id", id).Msg("service: unsynced sale discarded by manager")
	return tx, nil
}

type InstallmentPaymentRequest struct {
	TransactionID string
	PaymentNumber int
	// Amount defaults to the scheduled amount.
	Amount    *decimal.Decimal
	Method    domain.Method
	Reference string
}

// PayInstallment collects one scheduled installment through the ledger. It
// is online only: the ledger owns the plan once the sale is synced.
func (s *Service) PayInstallment(ctx context.Context, req InstallmentPaymentRequest) (ledger.InstallmentAck, error) {
	if !s.monitor.Online() || s.installments == nil {
		return ledger.InstallmentAck{}, ErrOffline
	}
	if !domain.IsTenderMethod(req.Method) {
		return ledger.InstallmentAck{}, fmt.Errorf("%w: method %q", domain.ErrInvalidAmount, req.Method)
	}

	tx, err := s.store.Get(ctx, req.TransactionID)
	if err != nil {
		return ledger.InstallmentAck{}, err
	}
	if tx.InstallmentPlan == nil {
		return ledger.InstallmentAck{}, ErrNoInstallment
	}
	if tx.State != domain.StateSynced {
		return ledger.InstallmentAck{}, ErrNotSynced
	}
	if _, err := installment.ApplyPayment(*tx.InstallmentPlan, req.PaymentNumber); err != nil {
		return ledger.InstallmentAck{}, err
	}
	var scheduled domain.InstallmentPayment
	for _, p := range tx.InstallmentPlan.Payments {
		if p.PaymentNumber == req.PaymentNumber {
			scheduled = p
		}
	}

	amount := scheduled.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() {
		return ledger.InstallmentAck{}, fmt.Errorf("%w: installment amount must be positive", domain.ErrInvalidAmount)
	}

	paymentID := scheduled.ID
	if paymentID == "" {
		paymentID = fmt.Sprintf("%s-%d", tx.RemoteSaleID, scheduled.PaymentNumber)
	}
	ack, err := s.installments.PayInstallment(ctx, ledger.InstallmentPaymentRequest{
		PaymentID:      paymentID,
		IdempotencyKey: fmt.Sprintf("%s-installment-%d", tx.ID, scheduled.PaymentNumber),
		Amount:         amount,
		Method:         req.Method,
		Reference:      strings.TrimSpace(req.Reference),
	})
	if err != nil {
		return ledger.InstallmentAck{}, err
	}
	log.Info().
		Str("transaction_id", tx.ID).
		Int("payment_number", scheduled.PaymentNumber).
		Str("remaining_balance", ack.RemainingBalance.StringFixed(2)).
		Bool("completed", ack.Completed).
		Msg("service: installment collected")
	return ack, nil
}
