package receipt

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/installment"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sale() domain.Transaction {
	return domain.Transaction{
		ID:       "sale-1",
		Customer: domain.Customer{Name: "Rina", IsWalkIn: true},
		Lines: []domain.CartLine{
			{LineID: "l1", ProductID: "coffee", VariantID: "large", UnitPrice: dec("12.50"), Quantity: 4, Taxable: true},
			{LineID: "l2", ProductID: "bag", UnitPrice: dec("1000"), Quantity: 1},
		},
		Subtotal:       dec("1050"),
		TaxRate:        dec("10"),
		TaxAmount:      dec("5"),
		DiscountAmount: dec("5"),
		NetTotal:       dec("1050"),
		PaymentMode:    domain.Cash{},
		AmountPaid:     dec("1100"),
		ChangeDue:      dec("50"),
		PurchaseType:   domain.PurchaseInStore,
		State:          domain.StateQueuedOffline,
		CreatedAt:      time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestProjectSimpleCash(t *testing.T) {
	r := Project(sale())

	require.Len(t, r.Lines, 2)
	assert.Equal(t, "50.00", r.Lines[0].Total)
	assert.Equal(t, "1,000.00", r.Lines[1].UnitPrice)
	assert.Equal(t, Totals{Subtotal: "1,050.00", TaxRate: "10%", Tax: "5.00", Discount: "5.00", Net: "1,050.00"}, r.Totals)
	assert.Equal(t, domain.MethodCash, r.Payment.Method)
	assert.Equal(t, []PaymentLine{{Method: domain.MethodCash, Amount: "1,100.00"}}, r.Payment.Entries)
	assert.Equal(t, "50.00", r.Payment.ChangeDue)
	assert.Nil(t, r.Credit)
	assert.Nil(t, r.Installment)
	assert.Equal(t, "Rina", r.Customer)
	assert.Equal(t, "saved locally, pending sync", r.SyncStatus)
}

func TestProjectSplitListsEveryEntry(t *testing.T) {
	tx := sale()
	tx.PaymentMode = domain.Split{Entries: []domain.SplitEntry{
		{Method: domain.MethodCard, Amount: dec("1000"), Reference: "APPR"},
		{Method: domain.MethodCash, Amount: dec("50")},
	}}
	tx.AmountPaid = dec("1050")
	tx.ChangeDue = decimal.Zero

	r := Project(tx)
	assert.Equal(t, domain.MethodSplit, r.Payment.Method)
	assert.Equal(t, []PaymentLine{
		{Method: domain.MethodCard, Amount: "1,000.00", Reference: "APPR"},
		{Method: domain.MethodCash, Amount: "50.00"},
	}, r.Payment.Entries)
}

func TestProjectPartialCredit(t *testing.T) {
	tx := sale()
	balance := dec("1000")
	tx.PaymentMode = domain.Credit{Kind: domain.CreditPartial, AmountPaidNow: dec("50"), PaidWith: domain.MethodTransfer}
	tx.AmountPaid = dec("50")
	tx.ChangeDue = decimal.Zero
	tx.CreditBalance = &balance

	r := Project(tx)
	require.NotNil(t, r.Credit)
	assert.Equal(t, Credit{Kind: domain.CreditPartial, PaidNow: "50.00", Balance: "1,000.00"}, *r.Credit)
	assert.Equal(t, []PaymentLine{{Method: domain.MethodTransfer, Amount: "50.00"}}, r.Payment.Entries)
}

func TestProjectInstallmentSchedule(t *testing.T) {
	plan, err := installment.Schedule(installment.Input{
		NetTotal:         dec("1000"),
		DownPayment:      dec("300"),
		NumberOfPayments: 3,
		Frequency:        domain.FrequencyMonthly,
		StartDate:        time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	tx := sale()
	tx.NetTotal = dec("1000")
	tx.PaymentMode = domain.Installment{}
	tx.AmountPaid = dec("300")
	tx.ChangeDue = decimal.Zero
	tx.InstallmentPlan = &plan
	tx.State = domain.StateSynced

	r := Project(tx)
	require.NotNil(t, r.Installment)
	assert.Equal(t, "300.00", r.Installment.DownPayment)
	assert.Equal(t, "700.00", r.Installment.RemainingBalance)
	require.Len(t, r.Installment.Schedule, 3)
	assert.Equal(t, ScheduleLine{Number: 2, DueDate: "2026-02-15", Amount: "350.00", Status: domain.InstallmentPending, Kind: domain.KindInstallment}, r.Installment.Schedule[1])
	assert.Equal(t, domain.KindDownPayment, r.Installment.Schedule[0].Kind)
	assert.Equal(t, "synced", r.SyncStatus)
}

func TestProjectInstallmentDownPaymentTender(t *testing.T) {
	tx := sale()
	tx.PaymentMode = domain.Installment{Terms: domain.InstallmentTerms{DownPayment: dec("20"), PaidWith: domain.MethodCard}}
	tx.AmountPaid = dec("20")
	tx.ChangeDue = decimal.Zero

	r := Project(tx)
	assert.Equal(t, []PaymentLine{{Method: domain.MethodCard, Amount: "20.00"}}, r.Payment.Entries)

	tx.PaymentMode = domain.Installment{}
	r = Project(tx)
	assert.Equal(t, []PaymentLine{{Method: domain.MethodCash, Amount: "20.00"}}, r.Payment.Entries)
}

func TestProjectDoesNotAliasTransaction(t *testing.T) {
	tx := sale()
	r := Project(tx)
	r.Lines[0].ProductID = "changed"
	assert.Equal(t, "coffee", tx.Lines[0].ProductID)
}

func TestTextFixedWidth(t *testing.T) {
	out := Text(Project(sale()), 32)

	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		assert.LessOrEqual(t, len(line), 32, line)
	}
	assert.Contains(t, out, "SALE RECEIPT")
	assert.Contains(t, out, "coffee (large)")
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "1,050.00\n")
	assert.Contains(t, out, "Change")
	assert.Contains(t, out, "pending sync")
}

func TestTextClampsNarrowWidth(t *testing.T) {
	tx := sale()
	tx.Note = strings.Repeat("x", 80)
	out := Text(Project(tx), 4)
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		assert.LessOrEqual(t, len(line), 24, line)
	}
}
