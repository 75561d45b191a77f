package airdrop

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps energy state and daily tap counters in redis so tap
// traffic never touches postgres. Counters expire two days after their
// day ends; energy keys after a month of inactivity.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a redis-backed airdrop store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func energyKey(userID int64) string {
	return fmt.Sprintf("airdrop:energy:%d", userID)
}

func tapKey(userID int64, day string) string {
	return fmt.Sprintf("airdrop:taps:%d:%s", userID, day)
}

func (s *RedisStore) EnergyState(ctx context.Context, userID int64) (int, time.Time, error) {
	vals, err := s.rdb.HMGet(ctx, energyKey(userID), "e", "ts").Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if vals[0] == nil || vals[1] == nil {
		return 0, time.Time{}, ErrNoState
	}
	energy, err := strconv.Atoi(vals[0].(string))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("corrupt energy value: %w", err)
	}
	unix, err := strconv.ParseInt(vals[1].(string), 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("corrupt energy timestamp: %w", err)
	}
	return energy, time.Unix(unix, 0).UTC(), nil
}

func (s *RedisStore) SetEnergyState(ctx context.Context, userID int64, energy int, at time.Time) error {
	key := energyKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "e", energy, "ts", at.Unix())
	pipe.Expire(ctx, key, 30*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) AddTaps(ctx context.Context, userID int64, day string, n int) (int, error) {
	key := tapKey(userID, day)
	pipe := s.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) TapsToday(ctx context.Context, userID int64, day string) (int, error) {
	v, err := s.rdb.Get(ctx, tapKey(userID, day)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}
