// Package resultstore is the write-once key/value collaborator that receives
// the final result of every screening under "result:<caseID>".
package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
	"github.com/yungbote/screening-backend/internal/screening/domain"
)

const keyPrefix = "result:"

var (
	ErrAlreadyStored = errors.New("result already stored")
	ErrNotFound      = errors.New("result not found")
)

type Store interface {
	Set(ctx context.Context, key string, value []byte) error
}

// Getter is implemented by backends that can read results back.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

func ResultKey(caseID string) string {
	return keyPrefix + strings.TrimSpace(caseID)
}

// Put encodes res and writes it under its case key.
func Put(ctx context.Context, s Store, res domain.StoredResult) error {
	if strings.TrimSpace(res.CaseID) == "" {
		return errors.New("result missing case id")
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.Set(ctx, ResultKey(res.CaseID), raw)
}

// Fetch reads and decodes the result for caseID.
func Fetch(ctx context.Context, g Getter, caseID string) (domain.StoredResult, error) {
	raw, err := g.Get(ctx, ResultKey(caseID))
	if err != nil {
		return domain.StoredResult{}, err
	}
	var res domain.StoredResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.StoredResult{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

type Closer func() error

// New builds the backend selected by cfg.Driver.
func New(ctx context.Context, cfg config.PersistenceConfig, log *logger.Logger) (Store, Closer, error) {
	if log == nil {
		log = logger.Nop()
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), func() error { return nil }, nil
	case "redis":
		r, err := NewRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.ResultTTL.Duration,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "sqlite", "postgres":
		s, err := OpenSQL(cfg.Driver, cfg.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported persistence driver %q", cfg.Driver)
	}
}
