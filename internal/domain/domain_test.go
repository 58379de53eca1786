package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionJSONKeepsPaymentModeVariant(t *testing.T) {
	modes := []PaymentMode{
		Cash{},
		Card{Reference: "APPR-1"},
		Transfer{Reference: "TRF-9"},
		Split{Entries: []SplitEntry{
			{Method: MethodCash, Amount: decimal.RequireFromString("600.00")},
			{Method: MethodCard, Amount: decimal.RequireFromString("400.00"), Reference: "APPR-2"},
		}},
		Credit{Kind: CreditPartial, AmountPaidNow: decimal.RequireFromString("20.00"), PaidWith: MethodCash},
		Installment{Terms: InstallmentTerms{
			DownPayment:      decimal.RequireFromString("300.00"),
			NumberOfPayments: 3,
			Frequency:        FrequencyMonthly,
			StartDate:        time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		}},
	}

	for _, mode := range modes {
		t.Run(string(mode.Method()), func(t *testing.T) {
			tx := Transaction{ID: "sale-1", PaymentMode: mode, State: StateBuilt}
			payload, err := json.Marshal(tx)
			require.NoError(t, err)

			var decoded Transaction
			require.NoError(t, json.Unmarshal(payload, &decoded))
			assert.Equal(t, "sale-1", decoded.ID)
			require.NotNil(t, decoded.PaymentMode)
			assert.Equal(t, mode.Method(), decoded.PaymentMode.Method())
			assert.IsType(t, mode, decoded.PaymentMode)
		})
	}
}

func TestUnmarshalPaymentModeRejectsUnknownMethod(t *testing.T) {
	_, err := UnmarshalPaymentMode([]byte(`{"method":"barter"}`))
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateBuilt, StateQueuedOffline))
	assert.True(t, CanTransition(StateQueuedOffline, StateSynced))
	assert.True(t, CanTransition(StateFailed, StateSynced))
	assert.True(t, CanTransition(StateFailed, StateDiscarded))
	assert.False(t, CanTransition(StateSynced, StateFailed))
	assert.False(t, CanTransition(StateDiscarded, StateSynced))
	assert.False(t, CanTransition(StateBuilt, StateDiscarded))
}

func TestSplitMismatchErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("checkout: %w", &SplitMismatchError{Delta: decimal.RequireFromString("0.02")})
	assert.ErrorIs(t, err, ErrSplitMismatch)
	assert.True(t, IsValidation(err))

	var mismatch *SplitMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "0.02", mismatch.Delta.StringFixed(2))
}

func TestCloneTransactionDoesNotShareSlices(t *testing.T) {
	balance := decimal.NewFromInt(5)
	tx := &Transaction{
		Lines:         []CartLine{{LineID: "l1", Quantity: 1}},
		CreditBalance: &balance,
		InstallmentPlan: &InstallmentPlan{Payments: []InstallmentPayment{
			{PaymentNumber: 1, Status: InstallmentPaid},
		}},
	}
	cloned := CloneTransaction(tx)
	cloned.Lines[0].Quantity = 9
	cloned.InstallmentPlan.Payments[0].Status = InstallmentPending
	*cloned.CreditBalance = decimal.Zero

	assert.Equal(t, 1, tx.Lines[0].Quantity)
	assert.Equal(t, InstallmentPaid, tx.InstallmentPlan.Payments[0].Status)
	assert.Equal(t, "5", tx.CreditBalance.String())
}
