// Package payment computes checkout totals and settles them against the
// chosen payment mode. Everything here is a pure function of its inputs, so
// the till may recompute on every keystroke.
package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/money"
)

// SplitTolerance is the largest accepted gap between the split entries and
// the net total. The ledger may one day require exact equality.
var SplitTolerance = money.Cent

const (
	minSplitEntries = 2
	maxSplitEntries = 3
)

var maxTaxRate = decimal.NewFromInt(100)

type Request struct {
	Lines    []domain.CartLine
	TaxRate  decimal.Decimal
	Discount decimal.Decimal
	Mode     domain.PaymentMode
	// Tendered is the raw amount typed by the cashier.
	Tendered string
}

type Totals struct {
	Subtotal  decimal.Decimal `json:"subtotal"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
	Discount  decimal.Decimal `json:"discount_amount"`
	NetTotal  decimal.Decimal `json:"net_total"`
}

type Settlement struct {
	Totals
	// Mode is the requested mode with its amounts rounded and clamped.
	Mode          domain.PaymentMode
	AmountPaid    decimal.Decimal
	ChangeDue     decimal.Decimal
	CreditBalance *decimal.Decimal
}

// ComputeTotals prices the cart. Tax applies to taxable lines only.
func ComputeTotals(lines []domain.CartLine, taxRate decimal.Decimal, discount decimal.Decimal) (Totals, error) {
	if len(lines) == 0 {
		return Totals{}, fmt.Errorf("%w: cart is empty", domain.ErrInvalidCart)
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(maxTaxRate) {
		return Totals{}, fmt.Errorf("%w: tax rate %s out of range", domain.ErrInvalidAmount, taxRate)
	}
	if discount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: negative discount", domain.ErrInvalidAmount)
	}

	subtotal := decimal.Zero
	taxable := decimal.Zero
	for _, line := range lines {
		if line.Quantity < 1 {
			return Totals{}, fmt.Errorf("%w: line %s quantity %d", domain.ErrInvalidCart, line.LineID, line.Quantity)
		}
		if line.UnitPrice.IsNegative() {
			return Totals{}, fmt.Errorf("%w: line %s negative price", domain.ErrInvalidCart, line.LineID)
		}
		amount := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		subtotal = subtotal.Add(amount)
		if line.Taxable {
			taxable = taxable.Add(amount)
		}
	}

	totals := Totals{
		Subtotal:  money.Round(subtotal),
		TaxRate:   taxRate,
		TaxAmount: money.Round(money.Percent(taxable, taxRate)),
		Discount:  money.Round(discount),
	}
	totals.NetTotal = money.Round(totals.Subtotal.Add(totals.TaxAmount).Sub(totals.Discount))
	if totals.NetTotal.IsNegative() {
		return Totals{}, fmt.Errorf("%w: discount exceeds total", domain.ErrInvalidAmount)
	}
	return totals, nil
}

// Calculate prices the cart and settles it against req.Mode.
func Calculate(req Request) (Settlement, error) {
	totals, err := ComputeTotals(req.Lines, req.TaxRate, req.Discount)
	if err != nil {
		return Settlement{}, err
	}
	net := totals.NetTotal
	settlement := Settlement{Totals: totals, ChangeDue: decimal.Zero}

	switch mode := req.Mode.(type) {
	case domain.Cash:
		paid, err := parseTendered(req.Tendered, net, false)
		if err != nil {
			return Settlement{}, err
		}
		settlement.Mode = mode
		settlement.AmountPaid = paid
		settlement.ChangeDue = money.Max(decimal.Zero, paid.Sub(net))

	case domain.Card, domain.Transfer:
		paid, err := parseTendered(req.Tendered, net, true)
		if err != nil {
			return Settlement{}, err
		}
		settlement.Mode = mode
		settlement.AmountPaid = paid
		settlement.ChangeDue = money.Max(decimal.Zero, paid.Sub(net))

	case domain.Split:
		entries, sum, err := normalizeSplit(mode.Entries)
		if err != nil {
			return Settlement{}, err
		}
		delta := sum.Sub(net)
		if !money.WithinTolerance(sum, net, SplitTolerance) {
			return Settlement{}, &domain.SplitMismatchError{Delta: delta}
		}
		settlement.Mode = domain.Split{Entries: entries}
		settlement.AmountPaid = sum

	case domain.Credit:
		credit, err := settleCredit(mode, net)
		if err != nil {
			return Settlement{}, err
		}
		balance := net.Sub(credit.AmountPaidNow)
		settlement.Mode = credit
		settlement.AmountPaid = credit.AmountPaidNow
		settlement.CreditBalance = &balance

	case domain.Installment:
		terms := mode.Terms
		terms.DownPayment = money.Clamp(money.Round(terms.DownPayment), decimal.Zero, net)
		terms.PaidWith = terms.DownPaymentTender()
		if !domain.IsTenderMethod(terms.PaidWith) {
			return Settlement{}, fmt.Errorf("%w: down payment tender %q", domain.ErrInvalidAmount, terms.PaidWith)
		}
		settlement.Mode = domain.Installment{Terms: terms}
		settlement.AmountPaid = terms.DownPayment

	case nil:
		return Settlement{}, fmt.Errorf("%w: payment mode required", domain.ErrInvalidAmount)

	default:
		return Settlement{}, fmt.Errorf("%w: unsupported payment mode %T", domain.ErrInvalidAmount, req.Mode)
	}

	return settlement, nil
}

// parseTendered reads the cashier input. Card and transfer default to the
// exact net total when nothing was typed.
func parseTendered(raw string, net decimal.Decimal, exactWhenEmpty bool) (decimal.Decimal, error) {
	if exactWhenEmpty && strings.TrimSpace(raw) == "" {
		return net, nil
	}
	tendered, err := money.Parse(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrInvalidAmount, err)
	}
	tendered = money.Round(tendered)
	if tendered.LessThan(net) {
		return decimal.Zero, fmt.Errorf("%w: tendered %s below net total %s", domain.ErrInvalidAmount, tendered.StringFixed(2), net.StringFixed(2))
	}
	return tendered, nil
}

func normalizeSplit(entries []domain.SplitEntry) ([]domain.SplitEntry, decimal.Decimal, error) {
	if len(entries) < minSplitEntries || len(entries) > maxSplitEntries {
		return nil, decimal.Zero, fmt.Errorf("%w: split needs %d to %d entries, got %d", domain.ErrInvalidAmount, minSplitEntries, maxSplitEntries, len(entries))
	}
	normalized := make([]domain.SplitEntry, 0, len(entries))
	sum := decimal.Zero
	for i, entry := range entries {
		if !domain.IsTenderMethod(entry.Method) {
			return nil, decimal.Zero, fmt.Errorf("%w: split entry %d method %q", domain.ErrInvalidAmount, i+1, entry.Method)
		}
		amount := money.Round(entry.Amount)
		if !amount.IsPositive() {
			return nil, decimal.Zero, fmt.Errorf("%w: split entry %d must be positive", domain.ErrInvalidAmount, i+1)
		}
		normalized = append(normalized, domain.SplitEntry{
			Method:    entry.Method,
			Amount:    amount,
			Reference: strings.TrimSpace(entry.Reference),
		})
		sum = sum.Add(amount)
	}
	return normalized, sum, nil
}

func settleCredit(credit domain.Credit, net decimal.Decimal) (domain.Credit, error) {
	switch credit.Kind {
	case domain.CreditFull:
		return domain.Credit{Kind: domain.CreditFull, AmountPaidNow: decimal.Zero}, nil
	case domain.CreditPartial:
		paid := money.Round(credit.AmountPaidNow)
		if !paid.IsPositive() || !paid.LessThan(net) {
			return domain.Credit{}, fmt.Errorf("%w: paid now %s must be above zero and below %s", domain.ErrInvalidCreditAmount, paid.StringFixed(2), net.StringFixed(2))
		}
		paidWith := credit.PaidWith
		if paidWith == "" {
			paidWith = domain.MethodCash
		}
		if !domain.IsTenderMethod(paidWith) {
			return domain.Credit{}, fmt.Errorf("%w: paid-now tender %q", domain.ErrInvalidCreditAmount, paidWith)
		}
		return domain.Credit{Kind: domain.CreditPartial, AmountPaidNow: paid, PaidWith: paidWith}, nil
	default:
		return domain.Credit{}, fmt.Errorf("%w: unknown credit kind %q", domain.ErrInvalidCreditAmount, credit.Kind)
	}
}
