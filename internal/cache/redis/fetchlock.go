package redis

import (
	_ "embed"
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bracketquant/execcore/internal/domain"
)

//go:embed scripts/fetch_lock.lua
var fetchLockLua string

func fetchLockKey(symbol string) string {
	return "fetchlock:" + symbol
}

// FetchLockStore implements domain.FetchLockStore using a single Redis
// hash per symbol and a Lua script that makes the cooldown check-and-set
// atomic, so two concurrent refresh requests for the same symbol cannot
// both observe an expired cooldown and both proceed.
type FetchLockStore struct {
	rdb       *redis.Client
	acquireSc *redis.Script
}

// NewFetchLockStore creates a FetchLockStore backed by the given Client.
func NewFetchLockStore(c *Client) *FetchLockStore {
	return &FetchLockStore{
		rdb:       c.Underlying(),
		acquireSc: redis.NewScript(fetchLockLua),
	}
}

// TryAcquire admits the caller iff no fetch lock exists for symbol, or the
// existing lock's cooldown has elapsed. On success it stamps a fresh
// cooldown window so subsequent concurrent callers within that window are
// refused without re-fetching market data.
func (f *FetchLockStore) TryAcquire(ctx context.Context, symbol, stage, component, correlationID string, cooldown time.Duration) (domain.AcquireResult, error) {
	now := time.Now()
	res, err := f.acquireSc.Run(
		ctx, f.rdb, []string{fetchLockKey(symbol)},
		now.UnixNano(), cooldown.Nanoseconds(), stage, component, correlationID,
	).Result()
	if err != nil {
		return domain.AcquireResult{}, fmt.Errorf("redis: try acquire fetch lock %s: %w", symbol, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return domain.AcquireResult{}, fmt.Errorf("redis: try acquire fetch lock %s: unexpected script result %#v", symbol, res)
	}

	canProceed := toInt64(vals[0]) == 1
	existingRequestTime := time.Unix(0, toInt64(vals[1]))
	cooldownUntil := time.Unix(0, toInt64(vals[2]))

	var remaining time.Duration
	if !canProceed {
		remaining = time.Until(cooldownUntil)
		if remaining < 0 {
			remaining = 0
		}
	}

	return domain.AcquireResult{
		CanProceed:          canProceed,
		ExistingRequestTime: existingRequestTime,
		CooldownRemaining:   remaining,
	}, nil
}

// Release clears the fetch lock for symbol ahead of its natural cooldown
// expiry. This is a best-effort call on failure paths only: correctness of
// the coordinator never depends on it, since the cooldown itself provides a
// time-based release.
func (f *FetchLockStore) Release(ctx context.Context, symbol, correlationID string) error {
	key := fetchLockKey(symbol)
	storedCorrelationID, err := f.rdb.HGet(ctx, key, "correlation_id").Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("redis: release fetch lock %s: %w", symbol, err)
	}
	if storedCorrelationID != correlationID {
		// Another requester has already claimed the slot; releasing now
		// would let a third caller race in ahead of the real cooldown.
		return nil
	}
	if err := f.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: release fetch lock %s: %w", symbol, err)
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Compile-time interface check.
var _ domain.FetchLockStore = (*FetchLockStore)(nil)
