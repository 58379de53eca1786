package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT PRIMARY KEY,
	store_id        TEXT NOT NULL DEFAULT '',
	terminal_id     TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	remote_sale_id  TEXT,
	net_total       NUMERIC(14, 2) NOT NULL,
	payload         JSONB NOT NULL,
	seq             BIGSERIAL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transactions_state_idx ON transactions (state, seq);

CREATE TABLE IF NOT EXISTS sync_queue (
	transaction_id  TEXT PRIMARY KEY,
	seq             BIGSERIAL,
	payload         JSONB NOT NULL,
	queued_at       TIMESTAMPTZ NOT NULL,
	sync_attempts   INTEGER NOT NULL DEFAULT 0,
	last_sync_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ,
	status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_queue_status_idx ON sync_queue (status, seq);
`

// EnsureSchema creates the log and queue tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Append(ctx context.Context, tx domain.Transaction) error {
	if err := store.ValidateForAppend(tx); err != nil {
		return err
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, store_id, terminal_id, state, remote_sale_id, net_total, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			remote_sale_id = EXCLUDED.remote_sale_id,
			net_total = EXCLUDED.net_total,
			payload = EXCLUDED.payload,
			updated_at = now()
	`, tx.ID, tx.StoreID, tx.TerminalID, string(tx.State), nullIfEmpty(tx.RemoteSaleID), tx.NetTotal.StringFixed(2), payload, tx.CreatedAt)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, state, COALESCE(remote_sale_id, '')
		FROM transactions
		WHERE id = $1
	`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, state domain.LifecycleState) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current string
	err = pgTx.QueryRowContext(ctx, `
		SELECT state
		FROM transactions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if err := store.CheckTransition(id, domain.LifecycleState(current), state); err != nil {
		return err
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET state = $2, updated_at = now()
		WHERE id = $1
	`, id, string(state)); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) AttachRemoteSale(ctx context.Context, id string, remoteSaleID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET remote_sale_id = $2, updated_at = now()
		WHERE id = $1
	`, id, remoteSaleID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) ListByState(ctx context.Context, state domain.LifecycleState) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, state, COALESCE(remote_sale_id, '')
		FROM transactions
		WHERE state = $1
		ORDER BY seq ASC
	`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0, 16)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) EnqueueOffline(ctx context.Context, tx domain.Transaction, queuedAt time.Time) (*domain.QueueEntry, error) {
	if err := store.ValidateForAppend(tx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (transaction_id, payload, queued_at, status)
		VALUES ($1, $2, $3, $4)
	`, tx.ID, payload, queuedAt, string(domain.QueuePending))
	if err != nil && !isUniqueViolation(err) {
		return nil, err
	}
	return s.GetQueueEntry(ctx, tx.ID)
}

const queueColumns = `
	q.payload, COALESCE(t.state, ''), COALESCE(t.remote_sale_id, ''),
	q.queued_at, q.sync_attempts, q.last_sync_error, q.next_attempt_at, q.status
`

func (s *Store) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue q
		LEFT JOIN transactions t ON t.id = q.transaction_id
		WHERE q.transaction_id = $1
	`, id)
	entry, err := scanQueueEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *Store) ListUnsynced(ctx context.Context) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue q
		LEFT JOIN transactions t ON t.id = q.transaction_id
		WHERE q.status IN ($1, $2)
		ORDER BY q.seq ASC
	`, string(domain.QueuePending), string(domain.QueueFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.QueueEntry, 0, 16)
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = $2, next_attempt_at = NULL
		WHERE transaction_id = $1
	`, id, string(domain.QueueSynced))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) MarkAttempt(ctx context.Context, id string, syncErr string) (*domain.QueueEntry, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET sync_attempts = sync_attempts + 1, last_sync_error = $2
		WHERE transaction_id = $1
	`, id, syncErr)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetQueueEntry(ctx, id)
}

func (s *Store) ScheduleRetry(ctx context.Context, id string, status domain.QueueStatus, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = $2, next_attempt_at = $3
		WHERE transaction_id = $1
	`, id, string(status), nullTime(next))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE transaction_id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		payload      []byte
		state        string
		remoteSaleID string
	)
	if err := row.Scan(&payload, &state, &remoteSaleID); err != nil {
		return nil, err
	}
	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction payload: %w", err)
	}
	tx.State = domain.LifecycleState(state)
	tx.RemoteSaleID = remoteSaleID
	return &tx, nil
}

func scanQueueEntry(row rowScanner) (*domain.QueueEntry, error) {
	var (
		payload       []byte
		state         string
		remoteSaleID  string
		entry         domain.QueueEntry
		nextAttemptAt sql.NullTime
		status        string
	)
	if err := row.Scan(&payload, &state, &remoteSaleID, &entry.QueuedAt, &entry.SyncAttempts, &entry.LastSyncError, &nextAttemptAt, &status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &entry.Transaction); err != nil {
		return nil, fmt.Errorf("decode queued transaction: %w", err)
	}
	if state != "" {
		entry.Transaction.State = domain.LifecycleState(state)
	}
	if remoteSaleID != "" {
		entry.Transaction.RemoteSaleID = remoteSaleID
	}
	if nextAttemptAt.Valid {
		at := nextAttemptAt.Time
		entry.NextAttemptAt = &at
	}
	entry.Status = domain.QueueStatus(status)
	return &entry, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

var _ store.Store = (*Store)(nil)
