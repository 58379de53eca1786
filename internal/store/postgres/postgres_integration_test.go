package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/storetest"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("SETTLE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SETTLE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestStoreContract(t *testing.T) {
	s := openIntegrationStore(t)
	storetest.Run(t, func(t *testing.T) store.Store { return s })
}

func TestEnqueueSameIDKeepsOriginalRow(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	tx := storetest.Transaction()
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE transaction_id = $1`, tx.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, tx.ID)
	})

	if err := s.Append(ctx, tx); err != nil {
		t.Fatalf("append: %v", err)
	}
	queuedAt := time.Now().UTC().Truncate(time.Second)
	if _, err := s.EnqueueOffline(ctx, tx, queuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MarkAttempt(ctx, tx.ID, "status 503"); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}

	again, err := s.EnqueueOffline(ctx, tx, queuedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if again.SyncAttempts != 1 || !again.QueuedAt.Equal(queuedAt) {
		t.Fatalf("expected original entry, got attempts=%d queued_at=%s", again.SyncAttempts, again.QueuedAt)
	}

	if err := s.UpdateStatus(ctx, tx.ID, domain.StateQueuedOffline); err != nil {
		t.Fatalf("update status: %v", err)
	}
	entry, err := s.GetQueueEntry(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get queue entry: %v", err)
	}
	if entry.Transaction.State != domain.StateQueuedOffline {
		t.Fatalf("expected queued_offline state on entry, got %s", entry.Transaction.State)
	}
}
