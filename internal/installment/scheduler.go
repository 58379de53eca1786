// Package installment builds and maintains installment payment schedules.
package installment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/money"
)

type Input struct {
	NetTotal         decimal.Decimal
	DownPayment      decimal.Decimal
	NumberOfPayments int
	Frequency        domain.Frequency
	StartDate        time.Time
	Notes            string
}

// Schedule produces the down payment (paid at sale time) followed by
// NumberOfPayments-1 installments. The last installment absorbs the rounding
// drift so the schedule sums exactly to the net total.
func Schedule(in Input) (domain.InstallmentPlan, error) {
	if in.NumberOfPayments < 2 {
		return domain.InstallmentPlan{}, fmt.Errorf("%w: number of payments must be at least 2, got %d", domain.ErrInvalidSchedule, in.NumberOfPayments)
	}
	if !validFrequency(in.Frequency) {
		return domain.InstallmentPlan{}, fmt.Errorf("%w: unknown frequency %q", domain.ErrInvalidSchedule, in.Frequency)
	}
	if in.StartDate.IsZero() {
		return domain.InstallmentPlan{}, fmt.Errorf("%w: start date required", domain.ErrInvalidSchedule)
	}
	if in.NetTotal.IsNegative() {
		return domain.InstallmentPlan{}, fmt.Errorf("%w: negative net total", domain.ErrInvalidSchedule)
	}

	net := money.Round(in.NetTotal)
	down := money.Clamp(money.Round(in.DownPayment), decimal.Zero, net)
	remaining := net.Sub(down)
	count := in.NumberOfPayments - 1

	base := decimal.Zero
	last := decimal.Zero
	if remaining.IsPositive() {
		n := decimal.NewFromInt(int64(count))
		base = money.Round(remaining.Div(n))
		last = remaining.Sub(base.Mul(decimal.NewFromInt(int64(count - 1))))
		if last.IsNegative() {
			// Tiny remainders over many payments: rounding base up would
			// overshoot, so round it down and let the last entry take the rest.
			base = remaining.Div(n).RoundFloor(money.Places)
			last = remaining.Sub(base.Mul(decimal.NewFromInt(int64(count - 1))))
		}
	}

	payments := make([]domain.InstallmentPayment, 0, in.NumberOfPayments)
	payments = append(payments, domain.InstallmentPayment{
		PaymentNumber: 1,
		Amount:        down,
		DueDate:       in.StartDate,
		Status:        domain.InstallmentPaid,
		Kind:          domain.KindDownPayment,
	})
	for i := 1; i <= count; i++ {
		amount := base
		if i == count {
			amount = last
		}
		payments = append(payments, domain.InstallmentPayment{
			PaymentNumber: i + 1,
			Amount:        amount,
			DueDate:       advance(in.StartDate, in.Frequency, i),
			Status:        domain.InstallmentPending,
			Kind:          domain.KindInstallment,
		})
	}

	return domain.InstallmentPlan{
		TotalAmount:      net,
		DownPayment:      down,
		NumberOfPayments: in.NumberOfPayments,
		AmountPerPayment: base,
		Frequency:        in.Frequency,
		StartDate:        in.StartDate,
		Notes:            in.Notes,
		Payments:         payments,
		Status:           domain.PlanActive,
	}, nil
}

// Verify checks the schedule invariants of a plan.
func Verify(plan domain.InstallmentPlan) error {
	if len(plan.Payments) == 0 {
		return fmt.Errorf("%w: empty schedule", domain.ErrInvalidSchedule)
	}
	if len(plan.Payments) != plan.NumberOfPayments {
		return fmt.Errorf("%w: %d payments for a %d payment plan", domain.ErrInvalidSchedule, len(plan.Payments), plan.NumberOfPayments)
	}
	first := plan.Payments[0]
	if first.Kind != domain.KindDownPayment || first.Status != domain.InstallmentPaid {
		return fmt.Errorf("%w: first payment must be a paid down payment", domain.ErrInvalidSchedule)
	}
	if !first.DueDate.Equal(plan.StartDate) {
		return fmt.Errorf("%w: down payment not due on start date", domain.ErrInvalidSchedule)
	}
	if !first.Amount.Equal(plan.DownPayment) {
		return fmt.Errorf("%w: down payment entry does not match plan", domain.ErrInvalidSchedule)
	}

	sum := decimal.Zero
	for i, payment := range plan.Payments {
		if payment.Amount.IsNegative() {
			return fmt.Errorf("%w: payment %d is negative", domain.ErrInvalidSchedule, payment.PaymentNumber)
		}
		if i > 0 && !payment.DueDate.After(plan.Payments[i-1].DueDate) {
			return fmt.Errorf("%w: due dates not strictly increasing at payment %d", domain.ErrInvalidSchedule, payment.PaymentNumber)
		}
		sum = sum.Add(payment.Amount)
	}
	if !money.WithinTolerance(sum, plan.TotalAmount, money.Cent) {
		return fmt.Errorf("%w: schedule sums to %s, plan total %s", domain.ErrInvalidSchedule, sum.StringFixed(2), plan.TotalAmount.StringFixed(2))
	}
	return nil
}

// MarkOverdue returns a copy of plan with pending payments due before asOf
// marked overdue.
func MarkOverdue(plan domain.InstallmentPlan, asOf time.Time) domain.InstallmentPlan {
	updated := plan
	updated.Payments = append([]domain.InstallmentPayment(nil), plan.Payments...)
	for i := range updated.Payments {
		p := &updated.Payments[i]
		if p.Status == domain.InstallmentPending && p.DueDate.Before(asOf) {
			p.Status = domain.InstallmentOverdue
		}
	}
	return updated
}

// ApplyPayment marks payment number paid and completes the plan once nothing
// is outstanding.
func ApplyPayment(plan domain.InstallmentPlan, number int) (domain.InstallmentPlan, error) {
	updated := plan
	updated.Payments = append([]domain.InstallmentPayment(nil), plan.Payments...)
	for i := range updated.Payments {
		p := &updated.Payments[i]
		if p.PaymentNumber != number {
			continue
		}
		if p.Status == domain.InstallmentPaid {
			return plan, fmt.Errorf("%w: payment %d already paid", domain.ErrInvalidSchedule, number)
		}
		p.Status = domain.InstallmentPaid
		if updated.Outstanding().IsZero() && allPaid(updated.Payments) {
			updated.Status = domain.PlanCompleted
		}
		return updated, nil
	}
	return plan, fmt.Errorf("%w: no payment number %d", domain.ErrInvalidSchedule, number)
}

func allPaid(payments []domain.InstallmentPayment) bool {
	for _, p := range payments {
		if p.Status != domain.InstallmentPaid {
			return false
		}
	}
	return true
}

func validFrequency(f domain.Frequency) bool {
	switch f {
	case domain.FrequencyDaily, domain.FrequencyWeekly, domain.FrequencyMonthly:
		return true
	default:
		return false
	}
}

// advance moves start forward by periods. Months are counted from start
// every time and the day is clamped to the target month's length, so
// Jan 31 + 1 month is Feb 28 (or 29) and + 2 months is Mar 31.
func advance(start time.Time, f domain.Frequency, periods int) time.Time {
	switch f {
	case domain.FrequencyDaily:
		return start.AddDate(0, 0, periods)
	case domain.FrequencyWeekly:
		return start.AddDate(0, 0, 7*periods)
	default:
		return addMonths(start, periods)
	}
}

func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(firstOfMonth time.Time) int {
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month()+1, 0, 0, 0, 0, 0, firstOfMonth.Location()).Day()
}
