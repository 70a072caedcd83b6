package resultstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/screening-backend/internal/platform/logger"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL expires results; zero keeps them.
	TTL time.Duration
}

type Redis struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

var (
	_ Store  = (*Redis)(nil)
	_ Getter = (*Redis)(nil)
)

func NewRedis(ctx context.Context, opts RedisOptions, log *logger.Logger) (*Redis, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisWithClient(rdb, opts.TTL, log), nil
}

func NewRedisWithClient(rdb *goredis.Client, ttl time.Duration, log *logger.Logger) *Redis {
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{log: log.With("service", "RedisResultStore"), rdb: rdb, ttl: ttl}
}

// Set uses SET NX so the first writer wins even across processes.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if r == nil || r.rdb == nil {
		return fmt.Errorf("redis result store not initialized")
	}
	ok, err := r.rdb.SetNX(ctx, key, value, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		r.log.Warn("duplicate result write ignored", "key", key)
		return ErrAlreadyStored
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if r == nil || r.rdb == nil {
		return nil, fmt.Errorf("redis result store not initialized")
	}
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, nil
}

func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
