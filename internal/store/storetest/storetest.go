// Package storetest is the behaviour suite every store backend must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

// Transaction returns a built split-payment sale with a fresh id.
func Transaction() domain.Transaction {
	return domain.Transaction{
		ID:         xid.New("sale"),
		StoreID:    "store-1",
		TerminalID: "till-1",
		Customer:   domain.Customer{Name: "Walk-in", IsWalkIn: true},
		Lines: []domain.CartLine{
			{LineID: "l1", ProductID: "coffee", UnitPrice: decimal.RequireFromString("12.50"), Quantity: 4, Taxable: true},
		},
		Subtotal:       decimal.RequireFromString("50.00"),
		TaxRate:        decimal.Zero,
		TaxAmount:      decimal.Zero,
		DiscountAmount: decimal.Zero,
		NetTotal:       decimal.RequireFromString("50.00"),
		PaymentMode: domain.Split{Entries: []domain.SplitEntry{
			{Method: domain.MethodCash, Amount: decimal.RequireFromString("20.00")},
			{Method: domain.MethodCard, Amount: decimal.RequireFromString("30.00"), Reference: "APPR-1"},
		}},
		AmountPaid:   decimal.RequireFromString("50.00"),
		ChangeDue:    decimal.Zero,
		PurchaseType: domain.PurchaseInStore,
		State:        domain.StateBuilt,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

func only(ids map[string]bool, entries []domain.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if ids[e.ID()] {
			out = append(out, e.ID())
		}
	}
	return out
}

// Run exercises s against the store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("append and get", func(t *testing.T) {
		s := newStore(t)
		tx := Transaction()
		require.NoError(t, s.Append(ctx, tx))

		got, err := s.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, got.ID)
		assert.True(t, got.NetTotal.Equal(tx.NetTotal))
		assert.Equal(t, domain.StateBuilt, got.State)
		split, ok := got.PaymentMode.(domain.Split)
		require.True(t, ok, "payment mode %T", got.PaymentMode)
		require.Len(t, split.Entries, 2)
		assert.Equal(t, "APPR-1", split.Entries[1].Reference)
		assert.True(t, got.CreatedAt.Equal(tx.CreatedAt))
	})

	t.Run("append rejects unbuilt records", func(t *testing.T) {
		s := newStore(t)
		tx := Transaction()
		tx.ID = ""
		assert.ErrorIs(t, s.Append(ctx, tx), store.ErrInvalidTransaction)

		draft := Transaction()
		draft.State = domain.StateDraft
		assert.ErrorIs(t, s.Append(ctx, draft), store.ErrInvalidTransaction)
	})

	t.Run("missing ids", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "sale-missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.UpdateStatus(ctx, "sale-missing", domain.StateSynced), store.ErrNotFound)
		assert.ErrorIs(t, s.Remove(ctx, "sale-missing"), store.ErrNotFound)
		assert.ErrorIs(t, s.MarkSynced(ctx, "sale-missing"), store.ErrNotFound)
		_, err = s.MarkAttempt(ctx, "sale-missing", "boom")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetQueueEntry(ctx, "sale-missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update status follows lifecycle", func(t *testing.T) {
		s := newStore(t)
		tx := Transaction()
		require.NoError(t, s.Append(ctx, tx))

		require.NoError(t, s.UpdateStatus(ctx, tx.ID, domain.StateQueuedOffline))
		require.NoError(t, s.UpdateStatus(ctx, tx.ID, domain.StateSynced))
		assert.ErrorIs(t, s.UpdateStatus(ctx, tx.ID, domain.StateFailed), domain.ErrInvalidTransition)

		got, err := s.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateSynced, got.State)
		assert.True(t, got.AmountPaid.Equal(tx.AmountPaid))
	})

	t.Run("remote sale id and state listing", func(t *testing.T) {
		s := newStore(t)
		built := Transaction()
		synced := Transaction()
		require.NoError(t, s.Append(ctx, built))
		require.NoError(t, s.Append(ctx, synced))
		require.NoError(t, s.UpdateStatus(ctx, synced.ID, domain.StateSynced))
		require.NoError(t, s.AttachRemoteSale(ctx, synced.ID, "remote-42"))

		got, err := s.Get(ctx, synced.ID)
		require.NoError(t, err)
		assert.Equal(t, "remote-42", got.RemoteSaleID)

		listed, err := s.ListByState(ctx, domain.StateBuilt)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, tx := range listed {
			ids[tx.ID] = true
		}
		assert.True(t, ids[built.ID])
		assert.False(t, ids[synced.ID])
	})

	t.Run("queue is fifo and idempotent", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Truncate(time.Second)
		ids := map[string]bool{}
		order := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			tx := Transaction()
			require.NoError(t, s.Append(ctx, tx))
			_, err := s.EnqueueOffline(ctx, tx, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			ids[tx.ID] = true
			order = append(order, tx.ID)
		}

		_, err := s.MarkAttempt(ctx, order[0], "timeout")
		require.NoError(t, err)
		again, err := s.EnqueueOffline(ctx, Transaction(), base)
		require.NoError(t, err)
		require.NoError(t, s.Remove(ctx, again.ID()))

		requeued, err := s.EnqueueOffline(ctx, domain.Transaction{ID: order[0], State: domain.StateBuilt}, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, requeued.SyncAttempts)
		assert.True(t, requeued.QueuedAt.Equal(base))

		unsynced, err := s.ListUnsynced(ctx)
		require.NoError(t, err)
		assert.Equal(t, order, only(ids, unsynced))
	})

	t.Run("queue mutators", func(t *testing.T) {
		s := newStore(t)
		tx := Transaction()
		require.NoError(t, s.Append(ctx, tx))
		entry, err := s.EnqueueOffline(ctx, tx, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, domain.QueuePending, entry.Status)
		assert.Zero(t, entry.SyncAttempts)

		entry, err = s.MarkAttempt(ctx, tx.ID, "connection refused")
		require.NoError(t, err)
		entry, err = s.MarkAttempt(ctx, tx.ID, "status 502")
		require.NoError(t, err)
		assert.Equal(t, 2, entry.SyncAttempts)
		assert.Equal(t, "status 502", entry.LastSyncError)

		next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
		require.NoError(t, s.ScheduleRetry(ctx, tx.ID, domain.QueueFailed, &next))
		entry, err = s.GetQueueEntry(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.QueueFailed, entry.Status)
		require.NotNil(t, entry.NextAttemptAt)
		assert.True(t, entry.NextAttemptAt.Equal(next))

		unsynced, err := s.ListUnsynced(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{tx.ID}, only(map[string]bool{tx.ID: true}, unsynced))

		require.NoError(t, s.MarkSynced(ctx, tx.ID))
		unsynced, err = s.ListUnsynced(ctx)
		require.NoError(t, err)
		assert.Empty(t, only(map[string]bool{tx.ID: true}, unsynced))

		require.NoError(t, s.Remove(ctx, tx.ID))
		_, err = s.GetQueueEntry(ctx, tx.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.Get(ctx, tx.ID)
		assert.NoError(t, err, "removing the queue entry keeps the log record")
	})

	t.Run("queue entry follows transaction state", func(t *testing.T) {
		s := newStore(t)
		tx := Transaction()
		require.NoError(t, s.Append(ctx, tx))
		_, err := s.EnqueueOffline(ctx, tx, time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, tx.ID, domain.StateQueuedOffline))

		entry, err := s.GetQueueEntry(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateQueuedOffline, entry.Transaction.State)
	})
}
