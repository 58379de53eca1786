package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/money"
)

type SaleLine struct {
	ProductID string      `json:"product_id"`
	VariantID string      `json:"variant_id,omitempty"`
	Quantity  int         `json:"quantity"`
	UnitPrice json.Number `json:"unit_price"`
}

// SaleCustomer carries either a directory id or inline walk-in details.
type SaleCustomer struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type SalePayment struct {
	Method    domain.Method `json:"method"`
	Amount    json.Number   `json:"amount"`
	Reference string        `json:"reference,omitempty"`
}

type SaleCredit struct {
	IssuedAt               time.Time         `json:"issued_at"`
	CreditType             domain.CreditKind `json:"credit_type"`
	CreditBalance          json.Number       `json:"credit_balance"`
	AmountPaidTowardCredit json.Number       `json:"amount_paid_toward_credit"`
}

type SaleInstallment struct {
	DownPayment      json.Number      `json:"down_payment"`
	NumberOfPayments int              `json:"number_of_payments"`
	PaymentFrequency domain.Frequency `json:"payment_frequency"`
	StartDate        time.Time        `json:"start_date"`
	Notes            string           `json:"notes,omitempty"`
}

// SalePayload is the body of the create-sale call.
type SalePayload struct {
	IdempotencyKey string              `json:"idempotency_key"`
	StoreID        string              `json:"store_id,omitempty"`
	TerminalID     string              `json:"terminal_id,omitempty"`
	Lines          []SaleLine          `json:"lines"`
	Customer       SaleCustomer        `json:"customer"`
	Payments       []SalePayment       `json:"payments"`
	Subtotal       json.Number         `json:"subtotal"`
	TaxRate        json.Number         `json:"tax_rate"`
	TaxAmount      json.Number         `json:"tax_amount"`
	DiscountAmount json.Number         `json:"discount_amount"`
	NetTotal       json.Number         `json:"net_total"`
	ChangeDue      json.Number         `json:"change_due"`
	Note           string              `json:"note,omitempty"`
	PurchaseType   domain.PurchaseType `json:"purchase_type"`
	CreatedAt      time.Time           `json:"created_at"`
	Credit         *SaleCredit         `json:"credit,omitempty"`
	Installment    *SaleInstallment    `json:"installment,omitempty"`
}

func amount(d decimal.Decimal) json.Number {
	return json.Number(money.Round(d).StringFixed(money.Places))
}

// NewSalePayload maps a built transaction to the ledger wire format. The
// payment entries always add up to what the sale settles: tendered money net
// of change, plus any credit or installment balance.
func NewSalePayload(tx domain.Transaction) SalePayload {
	payload := SalePayload{
		IdempotencyKey: tx.ID,
		StoreID:        tx.StoreID,
		TerminalID:     tx.TerminalID,
		Lines:          make([]SaleLine, 0, len(tx.Lines)),
		Customer:       saleCustomer(tx.Customer),
		Subtotal:       amount(tx.Subtotal),
		TaxRate:        json.Number(tx.TaxRate.String()),
		TaxAmount:      amount(tx.TaxAmount),
		DiscountAmount: amount(tx.DiscountAmount),
		NetTotal:       amount(tx.NetTotal),
		ChangeDue:      amount(tx.ChangeDue),
		Note:           tx.Note,
		PurchaseType:   tx.PurchaseType,
		CreatedAt:      tx.CreatedAt,
	}
	for _, line := range tx.Lines {
		payload.Lines = append(payload.Lines, SaleLine{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: amount(line.UnitPrice),
		})
	}

	switch mode := tx.PaymentMode.(type) {
	case domain.Cash:
		payload.Payments = []SalePayment{{Method: domain.MethodCash, Amount: amount(tx.AmountPaid.Sub(tx.ChangeDue))}}
	case domain.Card:
		payload.Payments = []SalePayment{{Method: domain.MethodCard, Amount: amount(tx.AmountPaid.Sub(tx.ChangeDue)), Reference: mode.Reference}}
	case domain.Transfer:
		payload.Payments = []SalePayment{{Method: domain.MethodTransfer, Amount: amount(tx.AmountPaid.Sub(tx.ChangeDue)), Reference: mode.Reference}}
	case domain.Split:
		for _, entry := range mode.Entries {
			payload.Payments = append(payload.Payments, SalePayment{Method: entry.Method, Amount: amount(entry.Amount), Reference: entry.Reference})
		}
	case domain.Credit:
		balance := decimal.Zero
		if tx.CreditBalance != nil {
			balance = *tx.CreditBalance
		}
		if mode.Kind == domain.CreditPartial {
			payload.Payments = append(payload.Payments, SalePayment{Method: mode.PaidWith, Amount: amount(tx.AmountPaid)})
		}
		payload.Payments = append(payload.Payments, SalePayment{Method: domain.MethodCredit, Amount: amount(balance)})
		payload.Credit = &SaleCredit{
			IssuedAt:               tx.CreatedAt,
			CreditType:             mode.Kind,
			CreditBalance:          amount(balance),
			AmountPaidTowardCredit: amount(tx.AmountPaid),
		}
	case domain.Installment:
		if tx.AmountPaid.IsPositive() {
			payload.Payments = append(payload.Payments, SalePayment{Method: mode.Terms.DownPaymentTender(), Amount: amount(tx.AmountPaid)})
		}
		payload.Payments = append(payload.Payments, SalePayment{Method: domain.MethodInstallment, Amount: amount(tx.NetTotal.Sub(tx.AmountPaid))})
		if plan := tx.InstallmentPlan; plan != nil {
			payload.Installment = &SaleInstallment{
				DownPayment:      amount(plan.DownPayment),
				NumberOfPayments: plan.NumberOfPayments,
				PaymentFrequency: plan.Frequency,
				StartDate:        plan.StartDate,
				Notes:            plan.Notes,
			}
		}
	}
	return payload
}

func saleCustomer(c domain.Customer) SaleCustomer {
	if c.ID != "" {
		return SaleCustomer{ID: c.ID}
	}
	return SaleCustomer{Name: c.Name, Email: c.Email, Phone: c.Phone}
}

// SaleAck is the ledger's answer to a create-sale call.
type SaleAck struct {
	SaleID string `json:"sale_id"`
	// Replayed is set when the ledger had already recorded this key.
	Replayed bool `json:"replayed,omitempty"`
}

// InstallmentPaymentRequest pays one scheduled installment identified by
// the ledger's payment id.
type InstallmentPaymentRequest struct {
	PaymentID      string
	IdempotencyKey string
	Amount         decimal.Decimal
	Method         domain.Method
	Reference      string
}

type installmentPaymentBody struct {
	Amount    json.Number   `json:"amount"`
	Method    domain.Method `json:"method"`
	Reference string        `json:"reference,omitempty"`
}

type InstallmentAck struct {
	PaymentID        string          `json:"payment_id"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	Completed        bool            `json:"completed"`
}
