// Package file keeps the transaction log and the retry queue as JSON files in
// a data directory so a terminal survives restarts without a database.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/memory"
)

const (
	transactionsFile = "transactions.json"
	queueFile        = "queue.json"
)

// Store serves reads from memory and rewrites both files after every
// mutation. A mutation whose write fails is rolled back in memory.
type Store struct {
	dir   string
	mu    sync.Mutex
	inner *memory.Store
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var snap memory.Snapshot
	if err := readJSON(filepath.Join(dir, transactionsFile), &snap.Transactions); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, queueFile), &snap.Queue); err != nil {
		return nil, err
	}

	inner := memory.New()
	inner.Restore(snap)
	return &Store{dir: dir, inner: inner}, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Append(ctx context.Context, tx domain.Transaction) error {
	return s.mutate(func() error { return s.inner.Append(ctx, tx) })
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.inner.Get(ctx, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, state domain.LifecycleState) error {
	return s.mutate(func() error { return s.inner.UpdateStatus(ctx, id, state) })
}

func (s *Store) AttachRemoteSale(ctx context.Context, id string, remoteSaleID string) error {
	return s.mutate(func() error { return s.inner.AttachRemoteSale(ctx, id, remoteSaleID) })
}

func (s *Store) ListByState(ctx context.Context, state domain.LifecycleState) ([]domain.Transaction, error) {
	return s.inner.ListByState(ctx, state)
}

func (s *Store) EnqueueOffline(ctx context.Context, tx domain.Transaction, queuedAt time.Time) (*domain.QueueEntry, error) {
	var entry *domain.QueueEntry
	err := s.mutate(func() error {
		var err error
		entry, err = s.inner.EnqueueOffline(ctx, tx, queuedAt)
		return err
	})
	return entry, err
}

func (s *Store) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return s.inner.GetQueueEntry(ctx, id)
}

func (s *Store) ListUnsynced(ctx context.Context) ([]domain.QueueEntry, error) {
	return s.inner.ListUnsynced(ctx)
}

func (s *Store) MarkSynced(ctx context.Context, id string) error {
	return s.mutate(func() error { return s.inner.MarkSynced(ctx, id) })
}

func (s *Store) MarkAttempt(ctx context.Context, id string, syncErr string) (*domain.QueueEntry, error) {
	var entry *domain.QueueEntry
	err := s.mutate(func() error {
		var err error
		entry, err = s.inner.MarkAttempt(ctx, id, syncErr)
		return err
	})
	return entry, err
}

func (s *Store) ScheduleRetry(ctx context.Context, id string, status domain.QueueStatus, next *time.Time) error {
	return s.mutate(func() error { return s.inner.ScheduleRetry(ctx, id, status, next) })
}

func (s *Store) Remove(ctx context.Context, id string) error {
	return s.mutate(func() error { return s.inner.Remove(ctx, id) })
}

func (s *Store) mutate(apply func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.inner.Snapshot()
	if err := apply(); err != nil {
		return err
	}
	after := s.inner.Snapshot()
	if err := s.persist(after); err != nil {
		s.inner.Restore(before)
		return fmt.Errorf("persist store: %w", err)
	}
	return nil
}

func (s *Store) persist(snap memory.Snapshot) error {
	if err := writeJSON(filepath.Join(s.dir, transactionsFile), snap.Transactions); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.dir, queueFile), snap.Queue)
}

func readJSON(path string, dst any) error {
	payload, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically: a crash leaves either the old or the
// new file, never a torn one.
func writeJSON(path string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

var _ store.Store = (*Store)(nil)
