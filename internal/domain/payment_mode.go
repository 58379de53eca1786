package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Method string

const (
	MethodCash        Method = "cash"
	MethodCard        Method = "card"
	MethodTransfer    Method = "transfer"
	MethodSplit       Method = "split"
	MethodCredit      Method = "credit"
	MethodInstallment Method = "installment"
)

// PaymentMode is a closed set: only the types in this file implement it.
type PaymentMode interface {
	Method() Method
	paymentMode()
}

type Cash struct{}

type Card struct {
	Reference string
}

type Transfer struct {
	Reference string
}

type SplitEntry struct {
	Method    Method          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type Split struct {
	Entries []SplitEntry
}

type CreditKind string

const (
	CreditFull    CreditKind = "full"
	CreditPartial CreditKind = "partial"
)

type Credit struct {
	Kind          CreditKind
	AmountPaidNow decimal.Decimal
	// PaidWith is the tender used for the paid-now part of a partial credit.
	PaidWith Method
}

type InstallmentTerms struct {
	DownPayment      decimal.Decimal `json:"down_payment"`
	NumberOfPayments int             `json:"number_of_payments"`
	Frequency        Frequency       `json:"frequency"`
	StartDate        time.Time       `json:"start_date"`
	Notes            string          `json:"notes,omitempty"`
	// PaidWith is the tender used for the down payment.
	PaidWith Method `json:"paid_with,omitempty"`
}

// DownPaymentTender is PaidWith, defaulting to cash for terms recorded
// without one.
func (t InstallmentTerms) DownPaymentTender() Method {
	if t.PaidWith == "" {
		return MethodCash
	}
	return t.PaidWith
}

type Installment struct {
	Terms InstallmentTerms
}

func (Cash) Method() Method        { return MethodCash }
func (Card) Method() Method        { return MethodCard }
func (Transfer) Method() Method    { return MethodTransfer }
func (Split) Method() Method       { return MethodSplit }
func (Credit) Method() Method      { return MethodCredit }
func (Installment) Method() Method { return MethodInstallment }

func (Cash) paymentMode()        {}
func (Card) paymentMode()        {}
func (Transfer) paymentMode()    {}
func (Split) paymentMode()       {}
func (Credit) paymentMode()      {}
func (Installment) paymentMode() {}

// IsTenderMethod reports whether m can appear as a split entry or as the
// paid-now tender of a partial credit.
func IsTenderMethod(m Method) bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer:
		return true
	default:
		return false
	}
}

type paymentEnvelope struct {
	Method        Method            `json:"method"`
	Reference     string            `json:"reference,omitempty"`
	Entries       []SplitEntry      `json:"entries,omitempty"`
	CreditKind    CreditKind        `json:"credit_kind,omitempty"`
	AmountPaidNow *decimal.Decimal  `json:"amount_paid_now,omitempty"`
	PaidWith      Method            `json:"paid_with,omitempty"`
	Terms         *InstallmentTerms `json:"terms,omitempty"`
}

func MarshalPaymentMode(mode PaymentMode) ([]byte, error) {
	var env paymentEnvelope
	switch m := mode.(type) {
	case Cash:
		env.Method = MethodCash
	case Card:
		env.Method = MethodCard
		env.Reference = m.Reference
	case Transfer:
		env.Method = MethodTransfer
		env.Reference = m.Reference
	case Split:
		env.Method = MethodSplit
		env.Entries = m.Entries
	case Credit:
		paid := m.AmountPaidNow
		env.Method = MethodCredit
		env.CreditKind = m.Kind
		env.AmountPaidNow = &paid
		env.PaidWith = m.PaidWith
	case Installment:
		terms := m.Terms
		env.Method = MethodInstallment
		env.Terms = &terms
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unsupported payment mode %T", mode)
	}
	return json.Marshal(env)
}

func UnmarshalPaymentMode(data []byte) (PaymentMode, error) {
	var env paymentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Method {
	case MethodCash:
		return Cash{}, nil
	case MethodCard:
		return Card{Reference: env.Reference}, nil
	case MethodTransfer:
		return Transfer{Reference: env.Reference}, nil
	case MethodSplit:
		return Split{Entries: env.Entries}, nil
	case MethodCredit:
		credit := Credit{Kind: env.CreditKind, PaidWith: env.PaidWith}
		if env.AmountPaidNow != nil {
			credit.AmountPaidNow = *env.AmountPaidNow
		}
		return credit, nil
	case MethodInstallment:
		if env.Terms == nil {
			return nil, fmt.Errorf("installment payment mode without terms")
		}
		return Installment{Terms: *env.Terms}, nil
	default:
		return nil, fmt.Errorf("unknown payment method %q", env.Method)
	}
}

type transactionAlias Transaction

type transactionJSON struct {
	transactionAlias
	PaymentMode json.RawMessage `json:"payment_mode"`
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	mode, err := MarshalPaymentMode(t.PaymentMode)
	if err != nil {
		return nil, err
	}
	return json.Marshal(transactionJSON{transactionAlias: transactionAlias(t), PaymentMode: mode})
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw transactionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Transaction(raw.transactionAlias)
	t.PaymentMode = nil
	if len(raw.PaymentMode) == 0 || string(raw.PaymentMode) == "null" {
		return nil
	}
	mode, err := UnmarshalPaymentMode(raw.PaymentMode)
	if err != nil {
		return err
	}
	t.PaymentMode = mode
	return nil
}
