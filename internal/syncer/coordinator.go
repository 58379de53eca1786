// Package syncer delivers built transactions to the remote ledger exactly
// once, falling back to the durable retry queue whenever delivery does not
// succeed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/store"
)

var (
	ErrInFlight       = errors.New("transaction delivery already in flight")
	ErrDeliveryFailed = errors.New("delivery failed, sale kept for retry")
	ErrDiscarded      = errors.New("transaction was discarded")
	ErrNotDiscardable = errors.New("only unsynced sales can be discarded")
)

type Outcome string

const (
	OutcomeSynced           Outcome = "synced"
	OutcomeOfflineSubmitted Outcome = "offline_submitted"
	OutcomeQueuedForRetry   Outcome = "queued_for_retry"
)

type Result struct {
	TransactionID string  `json:"transaction_id"`
	Outcome       Outcome `json:"outcome"`
	RemoteSaleID  string  `json:"remote_sale_id,omitempty"`
	Attempts      int     `json:"sync_attempts"`
}

type Ledger interface {
	CreateSale(ctx context.Context, tx domain.Transaction) (ledger.SaleAck, error)
}

// Signal is the connectivity observable.
type Signal interface {
	Online() bool
	Subscribe() (<-chan struct{}, func())
}

// Claimer reserves a transaction id across processes sharing one queue.
// Claim returns ErrInFlight when another process holds the id.
type Claimer interface {
	Claim(ctx context.Context, id string) (release func(), err error)
}

type Config struct {
	// MaxAttempts moves an entry to failed after that many delivery
	// failures. Failed entries remain queued and retried.
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   10,
		BaseBackoff:   5 * time.Second,
		MaxBackoff:    10 * time.Minute,
		RetryInterval: 30 * time.Second,
	}
}

type Coordinator struct {
	store   store.Store
	ledger  Ledger
	signal  Signal
	claimer Claimer
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(s store.Store, l Ledger, signal Signal, cfg Config) *Coordinator {
	defaults := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	return &Coordinator{
		store:    s,
		ledger:   l,
		signal:   signal,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: map[string]struct{}{},
	}
}

// WithClaimer adds a cross-process claim on top of the local in-flight set.
func (c *Coordinator) WithClaimer(claimer Claimer) *Coordinator {
	c.claimer = claimer
	return c
}

// InFlight reports whether a delivery for id is running in this process.
func (c *Coordinator) InFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}

func (c *Coordinator) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[id]; busy {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// reserve takes the local in-flight slot for id and, with a claimer, the
// shared claim too. A claimer failure other than ErrInFlight leaves only the
// local slot held.
func (c *Coordinator) reserve(ctx context.Context, id string) (func(), error) {
	if !c.acquire(id) {
		return nil, ErrInFlight
	}
	if c.claimer == nil {
		return func() { c.release(id) }, nil
	}
	unclaim, err := c.claimer.Claim(ctx, id)
	switch {
	case errors.Is(err, ErrInFlight):
		c.release(id)
		return nil, ErrInFlight
	case err != nil:
		log.Warn().Err(err).Str("transaction_id", id).Msg("sync: claim unavailable, continuing with local guard")
		return func() { c.release(id) }, nil
	}
	return func() {
		unclaim()
		c.release(id)
	}, nil
}

// Submit delivers tx or queues it. Offline, it queues without calling the
// ledger and returns OutcomeOfflineSubmitted with a nil error. A failed call
// returns OutcomeQueuedForRetry with an error wrapping ErrDeliveryFailed; the
// sale is durably queued either way.
//
// Work started here is detached from ctx cancellation: once a call may have
// reached the ledger, the local record must reflect what happened.
func (c *Coordinator) Submit(ctx context.Context, tx domain.Transaction) (Result, error) {
	if !c.acquire(tx.ID) {
		return Result{TransactionID: tx.ID}, ErrInFlight
	}
	defer c.release(tx.ID)

	ctx = context.WithoutCancel(ctx)
	current, err := c.ensureLogged(ctx, tx)
	if err != nil {
		return Result{TransactionID: tx.ID}, err
	}
	switch current.State {
	case domain.StateSynced:
		return Result{TransactionID: tx.ID, Outcome: OutcomeSynced, RemoteSaleID: current.RemoteSaleID}, nil
	case domain.StateDiscarded:
		return Result{TransactionID: tx.ID}, ErrDiscarded
	}

	if !c.signal.Online() {
		return c.queueOffline(ctx, *current)
	}
	return c.deliver(ctx, *current)
}

func (c *Coordinator) ensureLogged(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	current, err := c.store.Get(ctx, tx.ID)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := c.store.Append(ctx, tx); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	return &tx, nil
}

func (c *Coordinator) queueOffline(ctx context.Context, tx domain.Transaction) (Result, error) {
	entry, err := c.store.EnqueueOffline(ctx, tx, c.now())
	if err != nil {
		return Result{TransactionID: tx.ID}, fmt.Errorf("enqueue offline: %w", err)
	}
	if tx.State == domain.StateBuilt {
		if err := c.store.UpdateStatus(ctx, tx.ID, domain.StateQueuedOffline); err != nil {
			return Result{TransactionID: tx.ID}, err
		}
	}
	log.Info().Str("transaction_id", tx.ID).Msg("sync: offline, sale queued")
	return Result{TransactionID: tx.ID, Outcome: OutcomeOfflineSubmitted, Attempts: entry.SyncAttempts}, nil
}

// deliver assumes the caller holds the in-flight slot for tx.ID.
func (c *Coordinator) deliver(ctx context.Context, tx domain.Transaction) (Result, error) {
	if c.claimer != nil {
		release, err := c.claimer.Claim(ctx, tx.ID)
		switch {
		case errors.Is(err, ErrInFlight):
			return Result{TransactionID: tx.ID}, ErrInFlight
		case err != nil:
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("sync: claim unavailable, continuing with local guard")
		default:
			defer release()
		}
	}

	ack, err := c.ledger.CreateSale(ctx, tx)
	if err != nil {
		return c.recordFailure(ctx, tx, err)
	}
	return c.recordSuccess(ctx, tx, ack), nil
}

func (c *Coordinator) recordSuccess(ctx context.Context, tx domain.Transaction, ack ledger.SaleAck) Result {
	logger := log.With().Str("transaction_id", tx.ID).Str("remote_sale_id", ack.SaleID).Logger()

	if err := c.store.UpdateStatus(ctx, tx.ID, domain.StateSynced); err != nil {
		logger.Error().Err(err).Msg("sync: delivered but could not mark synced")
	}
	if err := c.store.AttachRemoteSale(ctx, tx.ID, ack.SaleID); err != nil {
		logger.Error().Err(err).Msg("sync: delivered but could not store remote sale id")
	}
	attempts := 0
	if entry, err := c.store.GetQueueEntry(ctx, tx.ID); err == nil {
		attempts = entry.SyncAttempts
		if err := c.store.MarkSynced(ctx, tx.ID); err != nil {
			logger.Error().Err(err).Msg("sync: could not mark queue entry synced")
		}
		if err := c.store.Remove(ctx, tx.ID); err != nil {
			logger.Error().Err(err).Msg("sync: could not drop queue entry")
		}
	}
	logger.Info().Bool("replayed", ack.Replayed).Int("attempts", attempts).Msg("sync: sale delivered")
	return Result{TransactionID: tx.ID, Outcome: OutcomeSynced, RemoteSaleID: ack.SaleID, Attempts: attempts}
}

func (c *Coordinator) recordFailure(ctx context.Context, tx domain.Transaction, cause error) (Result, error) {
	result := Result{TransactionID: tx.ID, Outcome: OutcomeQueuedForRetry}
	failed := fmt.Errorf("%w: %w", ErrDeliveryFailed, cause)

	if _, err := c.store.EnqueueOffline(ctx, tx, c.now()); err != nil {
		return result, errors.Join(failed, fmt.Errorf("enqueue for retry: %w", err))
	}
	entry, err := c.store.MarkAttempt(ctx, tx.ID, cause.Error())
	if err != nil {
		return result, errors.Join(failed, fmt.Errorf("record attempt: %w", err))
	}
	result.Attempts = entry.SyncAttempts

	state, status := domain.StateQueuedOffline, domain.QueuePending
	if entry.SyncAttempts >= c.cfg.MaxAttempts {
		state, status = domain.StateFailed, domain.QueueFailed
	}
	if current, err := c.store.Get(ctx, tx.ID); err == nil && current.State != state {
		if err := c.store.UpdateStatus(ctx, tx.ID, state); err != nil {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("sync: could not update state after failure")
		}
	}
	next := c.now().Add(c.backoff(entry.SyncAttempts))
	if err := c.store.ScheduleRetry(ctx, tx.ID, status, &next); err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("sync: could not schedule retry")
	}

	log.Warn().
		Err(cause).
		Str("transaction_id", tx.ID).
		Int("attempts", entry.SyncAttempts).
		Time("next_attempt_at", next).
		Msg("sync: delivery failed, sale kept in queue")
	return result, failed
}

// backoff is base * 2^(attempts-1), capped at MaxBackoff.
func (c *Coordinator) backoff(attempts int) time.Duration {
	delay := c.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return delay
}

type FlushReport struct {
	Attempted int               `json:"attempted"`
	Synced    int               `json:"synced"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// FlushQueue attempts every unsynced entry, oldest first. A failing entry
// does not stop the ones behind it; entries already in flight are skipped.
// It stops early when ctx is cancelled or connectivity is lost.
func (c *Coordinator) FlushQueue(ctx context.Context) FlushReport {
	return c.flush(ctx, false)
}

func (c *Coordinator) flush(ctx context.Context, honorBackoff bool) FlushReport {
	report := FlushReport{Errors: map[string]string{}}
	entries, err := c.store.ListUnsynced(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sync: list unsynced failed")
		return report
	}

	now := c.now()
	for i, entry := range entries {
		if ctx.Err() != nil || !c.signal.Online() {
			report.Skipped += len(entries) - i
			break
		}
		if honorBackoff && entry.NextAttemptAt != nil && entry.NextAttemptAt.After(now) {
			report.Skipped++
			continue
		}
		if !c.acquire(entry.ID()) {
			report.Skipped++
			continue
		}

		report.Attempted++
		result, err := c.attemptQueued(ctx, entry)
		c.release(entry.ID())

		switch {
		case err == nil && result.Outcome == OutcomeSynced:
			report.Synced++
		case errors.Is(err, ErrInFlight), errors.Is(err, ErrDiscarded):
			report.Attempted--
			report.Skipped++
		default:
			report.Failed++
			if err != nil {
				report.Errors[entry.ID()] = err.Error()
			}
		}
	}
	if report.Attempted > 0 || report.Skipped > 0 {
		log.Info().
			Int("attempted", report.Attempted).
			Int("synced", report.Synced).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Msg("sync: queue flushed")
	}
	return report
}

func (c *Coordinator) attemptQueued(ctx context.Context, entry domain.QueueEntry) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	current, err := c.ensureLogged(ctx, entry.Transaction)
	if err != nil {
		return Result{TransactionID: entry.ID()}, err
	}
	switch current.State {
	case domain.StateSynced:
		// Delivered earlier but the queue entry survived a crash.
		_ = c.store.Remove(ctx, entry.ID())
		return Result{TransactionID: entry.ID(), Outcome: OutcomeSynced, RemoteSaleID: current.RemoteSaleID}, nil
	case domain.StateDiscarded:
		_ = c.store.Remove(ctx, entry.ID())
		return Result{TransactionID: entry.ID()}, ErrDiscarded
	}
	return c.deliver(ctx, *current)
}

// Recover puts back in the queue every sale left in the built state, which
// happens when the process stopped between logging a sale and learning the
// outcome of its delivery. The idempotency key makes the redelivery safe.
// Sales being delivered right now, here or by a terminal sharing the queue,
// are left alone.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	built, err := c.store.ListByState(ctx, domain.StateBuilt)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, tx := range built {
		ok, err := c.recoverOne(ctx, tx)
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", tx.ID, err)
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("sync: recovered sales with unknown delivery outcome")
	}
	return recovered, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, tx domain.Transaction) (bool, error) {
	release, err := c.reserve(ctx, tx.ID)
	if errors.Is(err, ErrInFlight) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	current, err := c.store.Get(ctx, tx.ID)
	if err != nil {
		return false, err
	}
	if current.State != domain.StateBuilt {
		return false, nil
	}
	if _, err := c.store.EnqueueOffline(ctx, *current, c.now()); err != nil {
		return false, err
	}
	if err := c.store.UpdateStatus(ctx, tx.ID, domain.StateQueuedOffline); err != nil {
		return false, err
	}
	return true, nil
}

// Discard marks an unsynced sale discarded and drops its queue entry. The
// delivery slot for id is held from the state check through the removal, so
// no flush can hand the sale to the ledger in between.
func (c *Coordinator) Discard(ctx context.Context, id string) (domain.Transaction, error) {
	release, err := c.reserve(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	tx, err := c.store.Get(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.State != domain.StateQueuedOffline && tx.State != domain.StateFailed {
		return domain.Transaction{}, fmt.Errorf("%w: %s is %s", ErrNotDiscardable, id, tx.State)
	}
	if err := c.store.UpdateStatus(ctx, id, domain.StateDiscarded); err != nil {
		return domain.Transaction{}, err
	}
	if err := c.store.Remove(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Transaction{}, err
	}
	tx.State = domain.StateDiscarded
	return *tx, nil
}

type breakerReporter interface {
	BreakerState() ledger.BreakerState
}

// breakerOpen lets the retry ticker stay quiet while the ledger client is
// short-circuiting calls anyway.
func (c *Coordinator) breakerOpen() bool {
	reporter, ok := c.ledger.(breakerReporter)
	return ok && reporter.BreakerState() == ledger.BreakerOpen
}

// Run flushes once at start when online, on every restored-connectivity
// signal, and on a retry ticker that honours per-entry backoff. It returns
// when ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	events, stop := c.signal.Subscribe()
	defer stop()

	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	log.Info().Dur("retry_interval", c.cfg.RetryInterval).Msg("sync: coordinator started")
	if c.signal.Online() {
		c.FlushQueue(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sync: coordinator stopped")
			return
		case <-events:
			c.FlushQueue(ctx)
		case <-ticker.C:
			if c.signal.Online() && !c.breakerOpen() {
				c.flush(ctx, true)
			}
		}
	}
}
