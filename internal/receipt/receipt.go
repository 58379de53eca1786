// Package receipt projects a settled transaction into the view model a
// receipt printer or export screen consumes. Amounts are preformatted.
package receipt

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/money"
)

type Line struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Total     string `json:"total"`
	Taxable   bool   `json:"taxable"`
}

type Totals struct {
	Subtotal string `json:"subtotal"`
	TaxRate  string `json:"tax_rate"`
	Tax      string `json:"tax"`
	Discount string `json:"discount"`
	Net      string `json:"net"`
}

type PaymentLine struct {
	Method    domain.Method `json:"method"`
	Amount    string        `json:"amount"`
	Reference string        `json:"reference,omitempty"`
}

type Payment struct {
	Method     domain.Method `json:"method"`
	Entries    []PaymentLine `json:"entries"`
	AmountPaid string        `json:"amount_paid"`
	ChangeDue  string        `json:"change_due"`
}

type Credit struct {
	Kind    domain.CreditKind `json:"kind"`
	PaidNow string            `json:"paid_now"`
	Balance string            `json:"balance"`
}

type ScheduleLine struct {
	Number  int                      `json:"number"`
	DueDate string                   `json:"due_date"`
	Amount  string                   `json:"amount"`
	Status  domain.InstallmentStatus `json:"status"`
	Kind    domain.InstallmentKind   `json:"kind"`
}

type Installment struct {
	DownPayment      string         `json:"down_payment"`
	RemainingBalance string         `json:"remaining_balance"`
	AmountPerPayment string         `json:"amount_per_payment"`
	NumberOfPayments int            `json:"number_of_payments"`
	Frequency        string         `json:"frequency"`
	Status           string         `json:"status"`
	Notes            string         `json:"notes,omitempty"`
	Schedule         []ScheduleLine `json:"schedule"`
}

type Receipt struct {
	TransactionID string              `json:"transaction_id"`
	RemoteSaleID  string              `json:"remote_sale_id,omitempty"`
	StoreID       string              `json:"store_id,omitempty"`
	TerminalID    string              `json:"terminal_id,omitempty"`
	IssuedAt      time.Time           `json:"issued_at"`
	Customer      string              `json:"customer"`
	PurchaseType  domain.PurchaseType `json:"purchase_type"`
	Lines         []Line              `json:"lines"`
	Totals        Totals              `json:"totals"`
	Payment       Payment             `json:"payment"`
	Credit        *Credit             `json:"credit,omitempty"`
	Installment   *Installment        `json:"installment,omitempty"`
	SyncStatus    string              `json:"sync_status"`
	Note          string              `json:"note,omitempty"`
}

const dateLayout = "2006-01-02"

// Project has no side effects and reads nothing but tx.
func Project(tx domain.Transaction) Receipt {
	r := Receipt{
		TransactionID: tx.ID,
		RemoteSaleID:  tx.RemoteSaleID,
		StoreID:       tx.StoreID,
		TerminalID:    tx.TerminalID,
		IssuedAt:      tx.CreatedAt,
		Customer:      customerLabel(tx.Customer),
		PurchaseType:  tx.PurchaseType,
		Lines:         make([]Line, 0, len(tx.Lines)),
		Totals: Totals{
			Subtotal: money.Format(tx.Subtotal),
			TaxRate:  tx.TaxRate.String() + "%",
			Tax:      money.Format(tx.TaxAmount),
			Discount: money.Format(tx.DiscountAmount),
			Net:      money.Format(tx.NetTotal),
		},
		SyncStatus: syncStatus(tx.State),
		Note:       tx.Note,
	}
	for _, l := range tx.Lines {
		r.Lines = append(r.Lines, Line{
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Quantity:  l.Quantity,
			UnitPrice: money.Format(l.UnitPrice),
			Total:     money.Format(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))),
			Taxable:   l.Taxable,
		})
	}
	r.Payment = payment(tx)

	switch mode := tx.PaymentMode.(type) {
	case domain.Credit:
		balance := tx.NetTotal.Sub(tx.AmountPaid)
		if tx.CreditBalance != nil {
			balance = *tx.CreditBalance
		}
		r.Credit = &Credit{Kind: mode.Kind, PaidNow: money.Format(tx.AmountPaid), Balance: money.Format(balance)}
	case domain.Installment:
		if tx.InstallmentPlan != nil {
			r.Installment = installmentSection(*tx.InstallmentPlan)
		}
	}
	return r
}

func payment(tx domain.Transaction) Payment {
	p := Payment{
		AmountPaid: money.Format(tx.AmountPaid),
		ChangeDue:  money.Format(tx.ChangeDue),
	}
	if tx.PaymentMode == nil {
		return p
	}
	p.Method = tx.PaymentMode.Method()

	switch mode := tx.PaymentMode.(type) {
	case domain.Cash:
		p.Entries = []PaymentLine{{Method: domain.MethodCash, Amount: money.Format(tx.AmountPaid)}}
	case domain.Card:
		p.Entries = []PaymentLine{{Method: domain.MethodCard, Amount: money.Format(tx.AmountPaid), Reference: mode.Reference}}
	case domain.Transfer:
		p.Entries = []PaymentLine{{Method: domain.MethodTransfer, Amount: money.Format(tx.AmountPaid), Reference: mode.Reference}}
	case domain.Split:
		for _, e := range mode.Entries {
			p.Entries = append(p.Entries, PaymentLine{Method: e.Method, Amount: money.Format(e.Amount), Reference: e.Reference})
		}
	case domain.Credit:
		if tx.AmountPaid.IsPositive() {
			p.Entries = []PaymentLine{{Method: mode.PaidWith, Amount: money.Format(tx.AmountPaid)}}
		}
	case domain.Installment:
		if tx.AmountPaid.IsPositive() {
			p.Entries = []PaymentLine{{Method: mode.Terms.DownPaymentTender(), Amount: money.Format(tx.AmountPaid)}}
		}
	}
	return p
}

func installmentSection(plan domain.InstallmentPlan) *Installment {
	out := &Installment{
		DownPayment:      money.Format(plan.DownPayment),
		RemainingBalance: money.Format(plan.Outstanding()),
		AmountPerPayment: money.Format(plan.AmountPerPayment),
		NumberOfPayments: plan.NumberOfPayments,
		Frequency:        string(plan.Frequency),
		Status:           string(plan.Status),
		Notes:            plan.Notes,
		Schedule:         make([]ScheduleLine, 0, len(plan.Payments)),
	}
	for _, p := range plan.Payments {
		out.Schedule = append(out.Schedule, ScheduleLine{
			Number:  p.PaymentNumber,
			DueDate: p.DueDate.Format(dateLayout),
			Amount:  money.Format(p.Amount),
			Status:  p.Status,
			Kind:    p.Kind,
		})
	}
	return out
}

func customerLabel(c domain.Customer) string {
	switch {
	case c.Name != "":
		return c.Name
	case c.ID != "":
		return c.ID
	default:
		return "Walk-in"
	}
}

func syncStatus(state domain.LifecycleState) string {
	switch state {
	case domain.StateSynced:
		return "synced"
	case domain.StateDiscarded:
		return "discarded"
	case domain.StateDraft:
		return "draft"
	default:
		return "saved locally, pending sync"
	}
}

// Text renders r as fixed-width plain text. Widths below 24 are raised to 24.
func Text(r Receipt, width int) string {
	if width < 24 {
		width = 24
	}
	var b strings.Builder
	rule := strings.Repeat("-", width)

	center(&b, "SALE RECEIPT", width)
	row(&b, "No", r.TransactionID, width)
	if r.RemoteSaleID != "" {
		row(&b, "Ledger", r.RemoteSaleID, width)
	}
	row(&b, "Date", r.IssuedAt.Format("2006-01-02 15:04"), width)
	row(&b, "Customer", r.Customer, width)
	b.WriteString(rule + "\n")

	for _, l := range r.Lines {
		name := l.ProductID
		if l.VariantID != "" {
			name += " (" + l.VariantID + ")"
		}
		b.WriteString(truncate(name, width) + "\n")
		row(&b, fmt.Sprintf("  %d x %s", l.Quantity, l.UnitPrice), l.Total, width)
	}
	b.WriteString(rule + "\n")

	row(&b, "Subtotal", r.Totals.Subtotal, width)
	row(&b, "Tax "+r.Totals.TaxRate, r.Totals.Tax, width)
	row(&b, "Discount", "-"+r.Totals.Discount, width)
	row(&b, "TOTAL", r.Totals.Net, width)
	b.WriteString(rule + "\n")

	for _, e := range r.Payment.Entries {
		label := strings.ToUpper(string(e.Method))
		if e.Reference != "" {
			label += " " + e.Reference
		}
		row(&b, label, e.Amount, width)
	}
	row(&b, "Paid", r.Payment.AmountPaid, width)
	if r.Payment.ChangeDue != money.Format(decimal.Zero) {
		row(&b, "Change", r.Payment.ChangeDue, width)
	}

	if r.Credit != nil {
		b.WriteString(rule + "\n")
		row(&b, "Credit ("+string(r.Credit.Kind)+")", r.Credit.Balance, width)
	}
	if in := r.Installment; in != nil {
		b.WriteString(rule + "\n")
		row(&b, "Down payment", in.DownPayment, width)
		row(&b, "Remaining", in.RemainingBalance, width)
		row(&b, "Plan", fmt.Sprintf("%d x %s", in.NumberOfPayments, in.Frequency), width)
		for _, s := range in.Schedule {
			row(&b, fmt.Sprintf("#%d %s %s", s.Number, s.DueDate, s.Status), s.Amount, width)
		}
	}
	if r.Note != "" {
		b.WriteString(rule + "\n")
		b.WriteString(truncate(r.Note, width) + "\n")
	}
	b.WriteString(rule + "\n")
	center(&b, r.SyncStatus, width)
	return b.String()
}

// row puts label on the left and value on the right, cutting the label when
// both do not fit.
func row(b *strings.Builder, label, value string, width int) {
	room := width - len(value) - 1
	if room < 1 {
		b.WriteString(truncate(value, width) + "\n")
		return
	}
	label = truncate(label, room)
	b.WriteString(label)
	b.WriteString(strings.Repeat(" ", width-len(label)-len(value)))
	b.WriteString(value + "\n")
}

func center(b *strings.Builder, s string, width int) {
	s = truncate(s, width)
	b.WriteString(strings.Repeat(" ", (width-len(s))/2) + s + "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
