package subscription

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tradewire/tradewire/errs"
)

// RedisConfig identifies the shared fast-store instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore is a FastStore shared across engine instances.
type RedisStore struct {
	cli *redis.Client
}

// NewRedisStore connects a client against cfg. Connectivity is verified
// lazily on first use.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	cli := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return &RedisStore{cli: cli}
}

func redisKey(strategyID string) string {
	return "tradewire:subs:" + strategyID
}

func (s *RedisStore) GetStrategy(ctx context.Context, strategyID string) ([]Entry, bool, error) {
	const op = "subscription/redis.get"
	raw, err := s.cli.Get(ctx, redisKey(strategyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("corrupt cached payload"), errs.WithCause(err))
	}
	return entries, true, nil
}

func (s *RedisStore) SetStrategy(ctx context.Context, strategyID string, entries []Entry, ttl time.Duration) error {
	const op = "subscription/redis.set"
	raw, err := json.Marshal(entries)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	if err := s.cli.Set(ctx, redisKey(strategyID), raw, ttl).Err(); err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
	}
	return nil
}

func (s *RedisStore) DeleteStrategy(ctx context.Context, strategyID string) error {
	const op = "subscription/redis.delete"
	if err := s.cli.Del(ctx, redisKey(strategyID)).Err(); err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.cli.Close()
}
