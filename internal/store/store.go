package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// Store is the durable local log: an authoritative transaction table and a
// separate offline retry queue, both keyed by transaction id. It never talks
// to the network.
type Store interface {
	// Append writes tx under tx.ID. A second append for the same id replaces
	// the record.
	Append(ctx context.Context, tx domain.Transaction) error
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	// UpdateStatus changes only the lifecycle state and rejects moves the
	// lifecycle does not allow.
	UpdateStatus(ctx context.Context, id string, state domain.LifecycleState) error
	AttachRemoteSale(ctx context.Context, id string, remoteSaleID string) error
	ListByState(ctx context.Context, state domain.LifecycleState) ([]domain.Transaction, error)

	// EnqueueOffline wraps tx in a pending queue entry. Enqueueing an id that
	// is already queued returns the existing entry untouched.
	EnqueueOffline(ctx context.Context, tx domain.Transaction, queuedAt time.Time) (*domain.QueueEntry, error)
	GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error)
	// ListUnsynced returns pending and failed entries, oldest first.
	ListUnsynced(ctx context.Context) ([]domain.QueueEntry, error)
	MarkSynced(ctx context.Context, id string) error
	// MarkAttempt counts one failed delivery and records its error.
	MarkAttempt(ctx context.Context, id string, syncErr string) (*domain.QueueEntry, error)
	// ScheduleRetry sets the entry status and the earliest time the periodic
	// retry may pick it up again. A nil next clears the backoff.
	ScheduleRetry(ctx context.Context, id string, status domain.QueueStatus, next *time.Time) error
	Remove(ctx context.Context, id string) error

	Close() error
}

// CheckTransition returns domain.ErrInvalidTransition wrapped with context
// when the lifecycle does not allow from -> to.
func CheckTransition(id string, from, to domain.LifecycleState) error {
	if domain.CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s %s -> %s", domain.ErrInvalidTransition, id, from, to)
}

// ValidateForAppend rejects records that must never reach the log.
func ValidateForAppend(tx domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTransaction)
	}
	if tx.State == "" || tx.State == domain.StateDraft {
		return fmt.Errorf("%w: %s has not been built", ErrInvalidTransaction, tx.ID)
	}
	return nil
}
