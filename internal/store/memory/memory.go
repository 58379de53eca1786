package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

type Store struct {
	mu               sync.RWMutex
	transactionsByID map[string]*domain.Transaction
	transactionOrder []string
	queueByID        map[string]*domain.QueueEntry
	queueOrder       []string
}

// Snapshot is the full store content in insertion order.
type Snapshot struct {
	Transactions []domain.Transaction `json:"transactions"`
	Queue        []domain.QueueEntry  `json:"queue"`
}

func New() *Store {
	return &Store{
		transactionsByID: map[string]*domain.Transaction{},
		queueByID:        map[string]*domain.QueueEntry{},
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Append(_ context.Context, tx domain.Transaction) error {
	if err := store.ValidateForAppend(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactionsByID[tx.ID]; !ok {
		s.transactionOrder = append(s.transactionOrder, tx.ID)
	}
	s.transactionsByID[tx.ID] = domain.CloneTransaction(&tx)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return domain.CloneTransaction(tx), nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, state domain.LifecycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := store.CheckTransition(id, tx.State, state); err != nil {
		return err
	}
	tx.State = state
	if entry, ok := s.queueByID[id]; ok {
		entry.Transaction.State = state
	}
	return nil
}

func (s *Store) AttachRemoteSale(_ context.Context, id string, remoteSaleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	tx.RemoteSaleID = remoteSaleID
	return nil
}

func (s *Store) ListByState(_ context.Context, state domain.LifecycleState) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0)
	for _, id := range s.transactionOrder {
		tx := s.transactionsByID[id]
		if tx.State == state {
			out = append(out, *domain.CloneTransaction(tx))
		}
	}
	return out, nil
}

func (s *Store) EnqueueOffline(_ context.Context, tx domain.Transaction, queuedAt time.Time) (*domain.QueueEntry, error) {
	if err := store.ValidateForAppend(tx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.queueByID[tx.ID]; ok {
		return domain.CloneQueueEntry(existing), nil
	}
	entry := &domain.QueueEntry{
		Transaction: *domain.CloneTransaction(&tx),
		QueuedAt:    queuedAt,
		Status:      domain.QueuePending,
	}
	s.queueByID[tx.ID] = entry
	s.queueOrder = append(s.queueOrder, tx.ID)
	return domain.CloneQueueEntry(entry), nil
}

func (s *Store) GetQueueEntry(_ context.Context, id string) (*domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.queueByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return domain.CloneQueueEntry(entry), nil
}

func (s *Store) ListUnsynced(_ context.Context) ([]domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.QueueEntry, 0, len(s.queueOrder))
	for _, id := range s.queueOrder {
		entry := s.queueByID[id]
		if entry.Unsynced() {
			out = append(out, *domain.CloneQueueEntry(entry))
		}
	}
	return out, nil
}

func (s *Store) MarkSynced(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queueByID[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.Status = domain.QueueSynced
	entry.NextAttemptAt = nil
	return nil
}

func (s *Store) MarkAttempt(_ context.Context, id string, syncErr string) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queueByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	entry.SyncAttempts++
	entry.LastSyncError = syncErr
	return domain.CloneQueueEntry(entry), nil
}

func (s *Store) ScheduleRetry(_ context.Context, id string, status domain.QueueStatus, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queueByID[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.Status = status
	if next == nil {
		entry.NextAttemptAt = nil
	} else {
		at := *next
		entry.NextAttemptAt = &at
	}
	return nil
}

func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queueByID[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.queueByID, id)
	s.queueOrder = slices.DeleteFunc(s.queueOrder, func(queued string) bool { return queued == id })
	return nil
}

// Snapshot copies the whole store. The file backend persists it.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Transactions: make([]domain.Transaction, 0, len(s.transactionOrder)),
		Queue:        make([]domain.QueueEntry, 0, len(s.queueOrder)),
	}
	for _, id := range s.transactionOrder {
		snap.Transactions = append(snap.Transactions, *domain.CloneTransaction(s.transactionsByID[id]))
	}
	for _, id := range s.queueOrder {
		snap.Queue = append(snap.Queue, *domain.CloneQueueEntry(s.queueByID[id]))
	}
	return snap
}

// Restore replaces the store content with snap.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactionsByID = make(map[string]*domain.Transaction, len(snap.Transactions))
	s.transactionOrder = make([]string, 0, len(snap.Transactions))
	for i := range snap.Transactions {
		tx := domain.CloneTransaction(&snap.Transactions[i])
		if _, dup := s.transactionsByID[tx.ID]; !dup {
			s.transactionOrder = append(s.transactionOrder, tx.ID)
		}
		s.transactionsByID[tx.ID] = tx
	}
	s.queueByID = make(map[string]*domain.QueueEntry, len(snap.Queue))
	s.queueOrder = make([]string, 0, len(snap.Queue))
	for i := range snap.Queue {
		entry := domain.CloneQueueEntry(&snap.Queue[i])
		if _, dup := s.queueByID[entry.ID()]; !dup {
			s.queueOrder = append(s.queueOrder, entry.ID())
		}
		s.queueByID[entry.ID()] = entry
	}
}

var _ store.Store = (*Store)(nil)
