// Package redis stores the transaction log and the retry queue in Redis so
// several tills in one shop can share a single durable queue.
//
// Layout under the key prefix:
//
//	tx           hash  id -> transaction JSON
//	tx:order     zset  id scored by append sequence
//	queue        hash  id -> queue entry JSON
//	queue:order  zset  id scored by enqueue sequence
//	seq          counter feeding both sequences
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

const maxOptimisticRetries = 8

type Store struct {
	rdb    *goredis.Client
	prefix string
	owned  bool
}

// Open parses redisURL, checks the connection and returns a store that owns
// the client.
func Open(ctx context.Context, redisURL string, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	s := New(rdb, prefix)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close leaves the client open.
func New(rdb *goredis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

// Client exposes the connection so the sync lock can share it.
func (s *Store) Client() *goredis.Client {
	return s.rdb
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) Append(ctx context.Context, tx domain.Transaction) error {
	if err := store.ValidateForAppend(tx); err != nil {
		return err
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	txKey, orderKey := s.key("tx"), s.key("tx:order")
	return s.optimistic(ctx, func(rtx *goredis.Tx) error {
		ordered, err := inOrder(ctx, rtx, orderKey, tx.ID)
		if err != nil {
			return err
		}
		var seq int64
		if !ordered {
			if seq, err = rtx.Incr(ctx, s.key("seq")).Result(); err != nil {
				return err
			}
		}
		_, err = rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, txKey, tx.ID, payload)
			if !ordered {
				pipe.ZAddNX(ctx, orderKey, goredis.Z{Score: float64(seq), Member: tx.ID})
			}
			return nil
		})
		return err
	}, txKey, orderKey)
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	raw, err := s.rdb.HGet(ctx, s.key("tx"), id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTransaction(raw)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, state domain.LifecycleState) error {
	txKey, queueKey := s.key("tx"), s.key("queue")
	return s.optimistic(ctx, func(rtx *goredis.Tx) error {
		raw, err := rtx.HGet(ctx, txKey, id).Bytes()
		if errors.Is(err, goredis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		tx, err := decodeTransaction(raw)
		if err != nil {
			return err
		}
		if err := store.CheckTransition(id, tx.State, state); err != nil {
			return err
		}
		tx.State = state
		txPayload, err := json.Marshal(tx)
		if err != nil {
			return err
		}

		var entryPayload []byte
		entry, err := getQueueEntry(ctx, rtx, queueKey, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if entry != nil {
			entry.Transaction.State = state
			if entryPayload, err = json.Marshal(entry); err != nil {
				return err
			}
		}

		_, err = rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, txKey, id, txPayload)
			if entryPayload != nil {
				pipe.HSet(ctx, queueKey, id, entryPayload)
			}
			return nil
		})
		return err
	}, txKey, queueKey)
}

func (s *Store) AttachRemoteSale(ctx context.Context, id string, remoteSaleID string) error {
	txKey := s.key("tx")
	return s.optimistic(ctx, func(rtx *goredis.Tx) error {
		raw, err := rtx.HGet(ctx, txKey, id).Bytes()
		if errors.Is(err, goredis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		tx, err := decodeTransaction(raw)
		if err != nil {
			return err
		}
		tx.RemoteSaleID = remoteSaleID
		payload, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		_, err = rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, txKey, id, payload)
			return nil
		})
		return err
	}, txKey)
}

func (s *Store) ListByState(ctx context.Context, state domain.LifecycleState) ([]domain.Transaction, error) {
	ids, err := s.rdb.ZRange(ctx, s.key("tx:order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Transaction{}, nil
	}
	values, err := s.rdb.HMGet(ctx, s.key("tx"), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Transaction, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		tx, err := decodeTransaction([]byte(raw))
		if err != nil {
			return nil, err
		}
		if tx.State == state {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *Store) EnqueueOffline(ctx context.Context, tx domain.Transaction, queuedAt time.Time) (*domain.QueueEntry, error) {
	if err := store.ValidateForAppend(tx); err != nil {
		return nil, err
	}
	entry := domain.QueueEntry{
		Transaction: tx,
		QueuedAt:    queuedAt,
		Status:      domain.QueuePending,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	// The entry and its FIFO slot are written in one MULTI. An entry found
	// without a slot gets one, so a half-written enqueue is never stranded.
	queueKey, orderKey := s.key("queue"), s.key("queue:order")
	err = s.optimistic(ctx, func(rtx *goredis.Tx) error {
		exists, err := rtx.HExists(ctx, queueKey, tx.ID).Result()
		if err != nil {
			return err
		}
		ordered, err := inOrder(ctx, rtx, orderKey, tx.ID)
		if err != nil {
			return err
		}
		if exists && ordered {
			return nil
		}
		var seq int64
		if !ordered {
			if seq, err = rtx.Incr(ctx, s.key("seq")).Result(); err != nil {
				return err
			}
		}
		_, err = rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if !exists {
				pipe.HSet(ctx, queueKey, tx.ID, payload)
			}
			if !ordered {
				pipe.ZAddNX(ctx, orderKey, goredis.Z{Score: float64(seq), Member: tx.ID})
			}
			return nil
		})
		return err
	}, queueKey, orderKey)
	if err != nil {
		return nil, err
	}
	return s.GetQueueEntry(ctx, tx.ID)
}

func (s *Store) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return getQueueEntry(ctx, s.rdb, s.key("queue"), id)
}

func (s *Store) ListUnsynced(ctx context.Context) ([]domain.QueueEntry, error) {
	ids, err := s.rdb.ZRange(ctx, s.key("queue:order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.QueueEntry{}, nil
	}
	values, err := s.rdb.HMGet(ctx, s.key("queue"), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.QueueEntry, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var entry domain.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		if entry.Unsynced() {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) MarkSynced(ctx context.Context, id string) error {
	return s.updateEntry(ctx, id, func(entry *domain.QueueEntry) {
		entry.Status = domain.QueueSynced
		entry.NextAttemptAt = nil
	})
}

func (s *Store) MarkAttempt(ctx context.Context, id string, syncErr string) (*domain.QueueEntry, error) {
	var updated domain.QueueEntry
	err := s.updateEntry(ctx, id, func(entry *domain.QueueEntry) {
		entry.SyncAttempts++
		entry.LastSyncError = syncErr
		updated = *entry
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ScheduleRetry(ctx context.Context, id string, status domain.QueueStatus, next *time.Time) error {
	return s.updateEntry(ctx, id, func(entry *domain.QueueEntry) {
		entry.Status = status
		entry.NextAttemptAt = nil
		if next != nil {
			at := *next
			entry.NextAttemptAt = &at
		}
	})
}

func (s *Store) Remove(ctx context.Context, id string) error {
	var removed *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.key("queue"), id)
		pipe.ZRem(ctx, s.key("queue:order"), id)
		return nil
	})
	if err != nil {
		return err
	}
	if removed.Val() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) updateEntry(ctx context.Context, id string, apply func(entry *domain.QueueEntry)) error {
	queueKey := s.key("queue")
	return s.optimistic(ctx, func(rtx *goredis.Tx) error {
		entry, err := getQueueEntry(ctx, rtx, queueKey, id)
		if err != nil {
			return err
		}
		apply(entry)
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, queueKey, id, payload)
			return nil
		})
		return err
	}, queueKey)
}

// optimistic runs fn under WATCH and retries when another writer touched
// the watched keys first.
func (s *Store) optimistic(ctx context.Context, fn func(rtx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxOptimisticRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis store: too much contention on %v", keys)
}

func inOrder(ctx context.Context, rtx *goredis.Tx, key string, id string) (bool, error) {
	err := rtx.ZScore(ctx, key, id).Err()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	return err == nil, err
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
}

func getQueueEntry(ctx context.Context, c hashGetter, key string, id string) (*domain.QueueEntry, error) {
	raw, err := c.HGet(ctx, key, id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry domain.QueueEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	return &entry, nil
}

func decodeTransaction(raw []byte) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}

var _ store.Store = (*Store)(nil)
