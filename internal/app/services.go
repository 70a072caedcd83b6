package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/inference"
	"github.com/yungbote/screening-backend/internal/screening/orchestrator"
	"github.com/yungbote/screening-backend/internal/screening/pipeline"
	"github.com/yungbote/screening-backend/internal/screening/resultstore"
)

type Services struct {
	Store        *pipeline.Store
	Results      resultstore.Store
	Inference    *inference.Client
	Orchestrator *orchestrator.Orchestrator

	closeResults resultstore.Closer
	closeOnce    *sync.Once
}

func wireServices(ctx context.Context, log *logger.Logger, cfg *config.Config) (Services, error) {
	log.Info("Wiring services...")
	results, closeResults, err := resultstore.New(ctx, cfg.Persistence, log)
	if err != nil {
		return Services{}, fmt.Errorf("init result store: %w", err)
	}

	store := pipeline.New(log, domain.ParseMode(cfg.Pipeline.DefaultMode))
	client, err := inference.NewFromConfig(cfg.Inference, log, store, results)
	if err != nil {
		store.Close()
		_ = closeResults()
		return Services{}, fmt.Errorf("init inference client: %w", err)
	}

	return Services{
		Store:        store,
		Results:      results,
		Inference:    client,
		Orchestrator: orchestrator.New(log, store, client),
		closeResults: closeResults,
		closeOnce:    &sync.Once{},
	}, nil
}

func (s Services) close(log *logger.Logger) {
	if s.closeOnce == nil {
		return
	}
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Orchestrator.Shutdown(ctx); err != nil {
			log.Warn("orchestrator shutdown", "error", err)
		}
		s.Store.Close()
		if s.closeResults != nil {
			if err := s.closeResults(); err != nil {
				log.Warn("close result store", "error", err)
			}
		}
	})
}
