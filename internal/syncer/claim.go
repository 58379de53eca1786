package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisClaimer guards deliveries across terminals that share a redis queue.
type RedisClaimer struct {
	locker *redislock.Client
	prefix string
	ttl    time.Duration
}

func NewRedisClaimer(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisClaimer{locker: redislock.New(rdb), prefix: prefix + "sync:", ttl: ttl}
}

func (c *RedisClaimer) Claim(ctx context.Context, id string) (func(), error) {
	lock, err := c.locker.Obtain(ctx, c.prefix+id, c.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.Warn().Err(err).Str("transaction_id", id).Msg("sync: release claim failed")
		}
	}, nil
}
