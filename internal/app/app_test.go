package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/orchestrator"
	"github.com/yungbote/screening-backend/internal/screening/resultstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"SCREENING_CONFIG_PATH", "SCREENING_INFERENCE_URL", "SCREENING_PERSISTENCE_DRIVER", "SCREENING_HTTP_ADDR", "SCREENING_MODE", "SCREENING_METRICS_ADDR", "PORT"} {
		t.Setenv(k, "")
	}
	cfg, err := config.LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout.Duration = 2 * time.Second
	return cfg
}

func TestRunScreensAndShutsDown(t *testing.T) {
	a, err := NewWithConfig(context.Background(), testConfig(t), logger.Nop())
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if a.Services.Inference.Online() {
		t.Fatalf("no endpoint configured: client must be offline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	caseID, err := a.Services.Orchestrator.Run(context.Background(), domain.Input{
		AgeMonths:    24,
		Observations: "24 month old says 10 words, poor eye contact",
	})
	if err != nil {
		t.Fatalf("Run screening: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := a.Services.Orchestrator.Wait(waitCtx, caseID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	g, ok := a.Services.Results.(resultstore.Getter)
	if !ok {
		t.Fatalf("memory result store should support reads")
	}
	res, err := resultstore.Fetch(context.Background(), g, caseID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != domain.SourceOffline {
		t.Fatalf("source: want=offline got=%s", res.Source)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("app did not stop")
	}
	if _, err := a.Services.Orchestrator.Run(context.Background(), domain.Input{AgeMonths: 12, Observations: "walks"}); !errors.Is(err, orchestrator.ErrShutdown) {
		t.Fatalf("Run after stop: want ErrShutdown got %v", err)
	}
}

func TestNewWithConfigRejectsBadBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persistence.Driver = "cassandra"
	if _, err := NewWithConfig(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatalf("unknown persistence driver must fail")
	}
}
