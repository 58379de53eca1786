package installment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
)

var start = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func amounts(plan domain.InstallmentPlan) []string {
	out := make([]string, 0, len(plan.Payments))
	for _, p := range plan.Payments {
		out = append(out, p.Amount.StringFixed(2))
	}
	return out
}

func sum(plan domain.InstallmentPlan) decimal.Decimal {
	total := decimal.Zero
	for _, p := range plan.Payments {
		total = total.Add(p.Amount)
	}
	return total
}

func TestScheduleDownPaymentAndEvenInstallments(t *testing.T) {
	plan, err := Schedule(Input{
		NetTotal:         dec("1000.00"),
		DownPayment:      dec("300.00"),
		NumberOfPayments: 3,
		Frequency:        domain.FrequencyMonthly,
		StartDate:        start,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"300.00", "350.00", "350.00"}, amounts(plan))
	assert.Equal(t, "350.00", plan.AmountPerPayment.StringFixed(2))
	assert.Equal(t, "1000.00", sum(plan).StringFixed(2))

	assert.Equal(t, domain.KindDownPayment, plan.Payments[0].Kind)
	assert.Equal(t, domain.InstallmentPaid, plan.Payments[0].Status)
	assert.True(t, plan.Payments[0].DueDate.Equal(start))
	for i, p := range plan.Payments[1:] {
		assert.Equal(t, i+2, p.PaymentNumber)
		assert.Equal(t, domain.InstallmentPending, p.Status)
		assert.Equal(t, domain.KindInstallment, p.Kind)
	}
	assert.Equal(t, time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC), plan.Payments[1].DueDate)
	assert.Equal(t, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC), plan.Payments[2].DueDate)
	require.NoError(t, Verify(plan))
}

func TestScheduleLastInstallmentAbsorbsRemainder(t *testing.T) {
	plan, err := Schedule(Input{
		NetTotal:         dec("100.00"),
		DownPayment:      decimal.Zero,
		NumberOfPayments: 4,
		Frequency:        domain.FrequencyWeekly,
		StartDate:        start,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"0.00", "33.33", "33.33", "33.34"}, amounts(plan))
	assert.True(t, sum(plan).Equal(dec("100.00")))
	assert.Len(t, plan.Payments[1:], 3)
}

func TestScheduleSumsExactlyForAwkwardInputs(t *testing.T) {
	cases := []struct {
		net   string
		down  string
		count int
	}{
		{"0.05", "0", 4},
		{"0.01", "0", 12},
		{"0.15", "0", 11},
		{"999.99", "0.01", 7},
		{"1234.57", "100", 13},
		{"10.00", "3.33", 6},
	}
	for _, tc := range cases {
		plan, err := Schedule(Input{
			NetTotal:         dec(tc.net),
			DownPayment:      dec(tc.down),
			NumberOfPayments: tc.count,
			Frequency:        domain.FrequencyDaily,
			StartDate:        start,
		})
		require.NoError(t, err)
		assert.True(t, sum(plan).Equal(dec(tc.net)), "net %s count %d sums to %s", tc.net, tc.count, sum(plan))
		for _, p := range plan.Payments {
			assert.False(t, p.Amount.IsNegative(), "net %s count %d payment %d", tc.net, tc.count, p.PaymentNumber)
		}
		require.NoError(t, Verify(plan))
	}
}

func TestScheduleTwoPaymentsPutsRemainderInSingleInstallment(t *testing.T) {
	plan, err := Schedule(Input{
		NetTotal:         dec("75.55"),
		DownPayment:      dec("20.00"),
		NumberOfPayments: 2,
		Frequency:        domain.FrequencyMonthly,
		StartDate:        start,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"20.00", "55.55"}, amounts(plan))
}

func TestScheduleZeroRemainder(t *testing.T) {
	plan, err := Schedule(Input{
		NetTotal:         dec("500.00"),
		DownPayment:      dec("800.00"),
		NumberOfPayments: 3,
		Frequency:        domain.FrequencyMonthly,
		StartDate:        start,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"500.00", "0.00", "0.00"}, amounts(plan))
	assert.True(t, plan.AmountPerPayment.IsZero())
	require.NoError(t, Verify(plan))
}

func TestScheduleMonthlyClampsDayOfMonth(t *testing.T) {
	jan31 := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	plan, err := Schedule(Input{
		NetTotal:         dec("400.00"),
		NumberOfPayments: 5,
		Frequency:        domain.FrequencyMonthly,
		StartDate:        jan31,
	})
	require.NoError(t, err)

	want := []time.Time{
		jan31,
		time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 30, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 31, 9, 0, 0, 0, time.UTC),
	}
	for i, p := range plan.Payments {
		assert.Equal(t, want[i], p.DueDate, "payment %d", p.PaymentNumber)
	}
}

func TestScheduleMonthlyCrossesYear(t *testing.T) {
	nov30 := time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC)
	plan, err := Schedule(Input{
		NetTotal:         dec("300.00"),
		NumberOfPayments: 4,
		Frequency:        domain.FrequencyMonthly,
		StartDate:        nov30,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 2, 28, 0, 0, 0, 0, time.UTC), plan.Payments[3].DueDate)
}

func TestScheduleIsDeterministic(t *testing.T) {
	in := Input{NetTotal: dec("250.10"), DownPayment: dec("50"), NumberOfPayments: 6, Frequency: domain.FrequencyWeekly, StartDate: start}
	first, err := Schedule(in)
	require.NoError(t, err)
	second, err := Schedule(in)
	require.NoError(t, err)
	assert.Equal(t, amounts(first), amounts(second))
}

func TestScheduleRejectsInvalidInput(t *testing.T) {
	_, err := Schedule(Input{NetTotal: dec("10"), NumberOfPayments: 1, Frequency: domain.FrequencyDaily, StartDate: start})
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	_, err = Schedule(Input{NetTotal: dec("10"), NumberOfPayments: 3, Frequency: "yearly", StartDate: start})
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	_, err = Schedule(Input{NetTotal: dec("10"), NumberOfPayments: 3, Frequency: domain.FrequencyDaily})
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)
}

func TestVerifyCatchesTamperedPlan(t *testing.T) {
	plan, err := Schedule(Input{NetTotal: dec("90"), NumberOfPayments: 3, Frequency: domain.FrequencyDaily, StartDate: start})
	require.NoError(t, err)

	tampered := plan
	tampered.Payments = append([]domain.InstallmentPayment(nil), plan.Payments...)
	tampered.Payments[2].Amount = dec("50")
	assert.ErrorIs(t, Verify(tampered), domain.ErrInvalidSchedule)

	reordered := plan
	reordered.Payments = append([]domain.InstallmentPayment(nil), plan.Payments...)
	reordered.Payments[2].DueDate = reordered.Payments[1].DueDate
	assert.ErrorIs(t, Verify(reordered), domain.ErrInvalidSchedule)
}

func TestMarkOverdueLeavesOriginalUntouched(t *testing.T) {
	plan, err := Schedule(Input{NetTotal: dec("90"), NumberOfPayments: 4, Frequency: domain.FrequencyDaily, StartDate: start})
	require.NoError(t, err)

	marked := MarkOverdue(plan, start.AddDate(0, 0, 2).Add(time.Hour))
	assert.Equal(t, domain.InstallmentPaid, marked.Payments[0].Status)
	assert.Equal(t, domain.InstallmentOverdue, marked.Payments[1].Status)
	assert.Equal(t, domain.InstallmentOverdue, marked.Payments[2].Status)
	assert.Equal(t, domain.InstallmentPending, marked.Payments[3].Status)
	assert.Equal(t, domain.InstallmentPending, plan.Payments[1].Status)
}

func TestApplyPaymentCompletesPlan(t *testing.T) {
	plan, err := Schedule(Input{NetTotal: dec("100"), DownPayment: dec("40"), NumberOfPayments: 3, Frequency: domain.FrequencyWeekly, StartDate: start})
	require.NoError(t, err)

	plan, err = ApplyPayment(plan, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanActive, plan.Status)
	assert.Equal(t, "30.00", plan.Outstanding().StringFixed(2))

	_, err = ApplyPayment(plan, 2)
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)
	_, err = ApplyPayment(plan, 9)
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	plan, err = ApplyPayment(plan, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, plan.Status)
	assert.True(t, plan.Outstanding().IsZero())
}
