// Package checkout assembles settled carts into immutable transaction records.
package checkout

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/installment"
	"kasirinaja/terminal/internal/money"
	"kasirinaja/terminal/internal/payment"
	"kasirinaja/terminal/internal/xid"
)

const idPrefix = "sale"

type Input struct {
	// ID is set when rebuilding a previous attempt; the same id must be
	// reused so the ledger can deduplicate.
	ID           string
	Customer     domain.Customer
	Lines        []domain.CartLine
	Settlement   payment.Settlement
	Plan         *domain.InstallmentPlan
	Note         string
	PurchaseType domain.PurchaseType
}

type Builder struct {
	storeID    string
	terminalID string
	now        func() time.Time
	newID      func() string
}

func NewBuilder(storeID, terminalID string) *Builder {
	return &Builder{
		storeID:    storeID,
		terminalID: terminalID,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return xid.New(idPrefix) },
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build produces a transaction in the built state or fails with
// domain.ErrInvariantViolation. Nothing is persisted.
func (b *Builder) Build(in Input) (domain.Transaction, error) {
	s := in.Settlement
	createdAt := b.now()

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = b.newID()
	}
	purchaseType := in.PurchaseType
	if purchaseType == "" {
		purchaseType = domain.PurchaseInStore
	}

	tx := domain.Transaction{
		ID:             id,
		StoreID:        b.storeID,
		TerminalID:     b.terminalID,
		Customer:       normalizeCustomer(in.Customer),
		Lines:          append([]domain.CartLine(nil), in.Lines...),
		Subtotal:       s.Subtotal,
		TaxRate:        s.TaxRate,
		TaxAmount:      s.TaxAmount,
		DiscountAmount: s.Discount,
		NetTotal:       s.NetTotal,
		PaymentMode:    s.Mode,
		AmountPaid:     s.AmountPaid,
		ChangeDue:      s.ChangeDue,
		Note:           strings.TrimSpace(in.Note),
		PurchaseType:   purchaseType,
		State:          domain.StateDraft,
		CreatedAt:      createdAt,
	}
	if s.CreditBalance != nil {
		balance := *s.CreditBalance
		tx.CreditBalance = &balance
	}

	if mode, ok := s.Mode.(domain.Installment); ok {
		plan := in.Plan
		if plan == nil {
			startDate := mode.Terms.StartDate
			if startDate.IsZero() {
				startDate = createdAt
			}
			scheduled, err := installment.Schedule(installment.Input{
				NetTotal:         s.NetTotal,
				DownPayment:      mode.Terms.DownPayment,
				NumberOfPayments: mode.Terms.NumberOfPayments,
				Frequency:        mode.Terms.Frequency,
				StartDate:        startDate,
				Notes:            mode.Terms.Notes,
			})
			if err != nil {
				return domain.Transaction{}, err
			}
			plan = &scheduled
		}
		copied := *plan
		copied.Payments = append([]domain.InstallmentPayment(nil), plan.Payments...)
		tx.InstallmentPlan = &copied
	}

	if err := Verify(tx); err != nil {
		return domain.Transaction{}, err
	}
	tx.State = domain.StateBuilt
	return tx, nil
}

func normalizeCustomer(c domain.Customer) domain.Customer {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)
	return c
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Verify checks every financial invariant of tx. It recomputes totals from
// the lines so a settlement computed for a different cart is caught.
func Verify(tx domain.Transaction) error {
	if tx.ID == "" {
		return violation("missing transaction id")
	}
	if tx.Customer.IsWalkIn {
		if tx.Customer.ID == "" && tx.Customer.Name == "" {
			return violation("walk-in customer needs an id or a name")
		}
	} else if tx.Customer.ID == "" {
		return violation("customer id required")
	}
	if tx.PurchaseType != domain.PurchaseInStore && tx.PurchaseType != domain.PurchaseOnline {
		return violation("unknown purchase type %q", tx.PurchaseType)
	}

	totals, err := payment.ComputeTotals(tx.Lines, tx.TaxRate, tx.DiscountAmount)
	if err != nil {
		return violation("%v", err)
	}
	if !totals.Subtotal.Equal(tx.Subtotal) || !totals.TaxAmount.Equal(tx.TaxAmount) {
		return violation("totals do not match cart lines")
	}
	if !money.Round(tx.Subtotal.Add(tx.TaxAmount).Sub(tx.DiscountAmount)).Equal(tx.NetTotal) {
		return violation("net total %s != subtotal + tax - discount", tx.NetTotal.StringFixed(2))
	}
	if tx.ChangeDue.IsNegative() || tx.AmountPaid.IsNegative() {
		return violation("negative payment amounts")
	}

	net := tx.NetTotal
	switch mode := tx.PaymentMode.(type) {
	case domain.Cash, domain.Card, domain.Transfer:
		if !tx.ChangeDue.Equal(money.Max(decimal.Zero, tx.AmountPaid.Sub(net))) {
			return violation("change due %s inconsistent with amount paid", tx.ChangeDue.StringFixed(2))
		}
		if tx.AmountPaid.LessThan(net) {
			return violation("amount paid below net total")
		}
		if tx.CreditBalance != nil || tx.InstallmentPlan != nil {
			return violation("simple tender carries credit or installment data")
		}
	case domain.Split:
		sum := decimal.Zero
		for _, entry := range mode.Entries {
			sum = sum.Add(entry.Amount)
		}
		if !money.WithinTolerance(sum, net, payment.SplitTolerance) {
			return violation("split entries sum to %s for net %s", sum.StringFixed(2), net.StringFixed(2))
		}
		if !tx.AmountPaid.Equal(sum) || !tx.ChangeDue.IsZero() {
			return violation("split amount paid must equal entry sum with no change")
		}
	case domain.Credit:
		if tx.CreditBalance == nil {
			return violation("credit sale without balance")
		}
		switch mode.Kind {
		case domain.CreditFull:
			if !tx.AmountPaid.IsZero() || !tx.CreditBalance.Equal(net) {
				return violation("full credit must pay nothing and owe the net total")
			}
		case domain.CreditPartial:
			if !tx.AmountPaid.IsPositive() || !tx.AmountPaid.LessThan(net) {
				return violation("partial credit paid %s outside (0, %s)", tx.AmountPaid.StringFixed(2), net.StringFixed(2))
			}
			if !tx.CreditBalance.Equal(net.Sub(tx.AmountPaid)) {
				return violation("credit balance does not equal the unpaid amount")
			}
		default:
			return violation("unknown credit kind %q", mode.Kind)
		}
	case domain.Installment:
		plan := tx.InstallmentPlan
		if plan == nil {
			return violation("installment sale without plan")
		}
		if !tx.AmountPaid.Equal(plan.DownPayment) {
			return violation("amount paid %s != down payment %s", tx.AmountPaid.StringFixed(2), plan.DownPayment.StringFixed(2))
		}
		if plan.DownPayment.GreaterThan(net) || !plan.TotalAmount.Equal(net) {
			return violation("plan does not cover the net total")
		}
		if err := installment.Verify(*plan); err != nil {
			return violation("%v", err)
		}
	case nil:
		return violation("missing payment mode")
	default:
		return violation("unsupported payment mode %T", tx.PaymentMode)
	}
	return nil
}
