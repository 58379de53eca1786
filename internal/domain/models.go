package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartLine struct {
	LineID    string          `json:"line_id"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Taxable   bool            `json:"taxable"`
}

// Customer is either a directory customer (ID set) or a walk-in carried
// inline by name and contact details.
type Customer struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	IsWalkIn bool   `json:"is_walk_in"`
}

type PurchaseType string

const (
	PurchaseInStore PurchaseType = "in_store"
	PurchaseOnline  PurchaseType = "online"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanDefaulted PlanStatus = "defaulted"
)

type InstallmentStatus string

const (
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentPending InstallmentStatus = "pending"
	InstallmentOverdue InstallmentStatus = "overdue"
)

type InstallmentKind string

const (
	KindDownPayment InstallmentKind = "down_payment"
	KindInstallment InstallmentKind = "installment"
)

type InstallmentPayment struct {
	// ID is assigned by the ledger once the sale is synced.
	ID            string            `json:"id,omitempty"`
	PaymentNumber int               `json:"payment_number"`
	Amount        decimal.Decimal   `json:"amount"`
	DueDate       time.Time         `json:"due_date"`
	Status        InstallmentStatus `json:"status"`
	Kind          InstallmentKind   `json:"kind"`
}

type InstallmentPlan struct {
	TotalAmount      decimal.Decimal      `json:"total_amount"`
	DownPayment      decimal.Decimal      `json:"down_payment"`
	NumberOfPayments int                  `json:"number_of_payments"`
	AmountPerPayment decimal.Decimal      `json:"amount_per_payment"`
	Frequency        Frequency            `json:"frequency"`
	StartDate        time.Time            `json:"start_date"`
	Notes            string               `json:"notes,omitempty"`
	Payments         []InstallmentPayment `json:"payments"`
	Status           PlanStatus           `json:"status"`
}

// Outstanding is the sum of every payment not yet marked paid.
func (p InstallmentPlan) Outstanding() decimal.Decimal {
	total := decimal.Zero
	for _, payment := range p.Payments {
		if payment.Status != InstallmentPaid {
			total = total.Add(payment.Amount)
		}
	}
	return total
}

type Transaction struct {
	ID              string           `json:"id"`
	StoreID         string           `json:"store_id,omitempty"`
	TerminalID      string           `json:"terminal_id,omitempty"`
	Customer        Customer         `json:"customer"`
	Lines           []CartLine       `json:"lines"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	TaxRate         decimal.Decimal  `json:"tax_rate"`
	TaxAmount       decimal.Decimal  `json:"tax_amount"`
	DiscountAmount  decimal.Decimal  `json:"discount_amount"`
	NetTotal        decimal.Decimal  `json:"net_total"`
	PaymentMode     PaymentMode      `json:"payment_mode"`
	AmountPaid      decimal.Decimal  `json:"amount_paid"`
	ChangeDue       decimal.Decimal  `json:"change_due"`
	CreditBalance   *decimal.Decimal `json:"credit_balance,omitempty"`
	InstallmentPlan *InstallmentPlan `json:"installment_plan,omitempty"`
	Note            string           `json:"note,omitempty"`
	PurchaseType    PurchaseType     `json:"purchase_type"`
	State           LifecycleState   `json:"state"`
	RemoteSaleID    string           `json:"remote_sale_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueFailed  QueueStatus = "failed"
	QueueSynced  QueueStatus = "synced"
)

// QueueEntry wraps a transaction whose immediate delivery did not succeed.
type QueueEntry struct {
	Transaction   Transaction `json:"transaction"`
	QueuedAt      time.Time   `json:"queued_at"`
	SyncAttempts  int         `json:"sync_attempts"`
	LastSyncError string      `json:"last_sync_error,omitempty"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty"`
	Status        QueueStatus `json:"status"`
}

func (e QueueEntry) ID() string {
	return e.Transaction.ID
}

// Unsynced reports whether the entry still needs delivery.
func (e QueueEntry) Unsynced() bool {
	return e.Status == QueuePending || e.Status == QueueFailed
}

// CloneTransaction deep-copies the slices and pointers of tx so stores can
// hand out records without sharing memory with their own copy.
func CloneTransaction(tx *Transaction) *Transaction {
	if tx == nil {
		return nil
	}
	cloned := *tx
	cloned.Lines = append([]CartLine(nil), tx.Lines...)
	if tx.CreditBalance != nil {
		balance := *tx.CreditBalance
		cloned.CreditBalance = &balance
	}
	if tx.InstallmentPlan != nil {
		plan := *tx.InstallmentPlan
		plan.Payments = append([]InstallmentPayment(nil), tx.InstallmentPlan.Payments...)
		cloned.InstallmentPlan = &plan
	}
	if split, ok := tx.PaymentMode.(Split); ok {
		cloned.PaymentMode = Split{Entries: append([]SplitEntry(nil), split.Entries...)}
	}
	return &cloned
}

func CloneQueueEntry(entry *QueueEntry) *QueueEntry {
	if entry == nil {
		return nil
	}
	cloned := *entry
	cloned.Transaction = *CloneTransaction(&entry.Transaction)
	if entry.NextAttemptAt != nil {
		at := *entry.NextAttemptAt
		cloned.NextAttemptAt = &at
	}
	return &cloned
}
