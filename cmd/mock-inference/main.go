package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/yungbote/screening-backend/internal/platform/envutil"
	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/platform/shutdown"
	"github.com/yungbote/screening-backend/internal/screening/mockengine"
)

// Environment knobs let a developer reproduce remote failures locally.
func scriptFromEnv() mockengine.Script {
	return mockengine.Script{
		Status:       envutil.Int("MOCK_STATUS", 0),
		StallAfter:   envutil.Int("MOCK_STALL_AFTER", 0),
		Malformed:    envutil.Bool("MOCK_MALFORMED", false),
		OmitComplete: envutil.Bool("MOCK_OMIT_COMPLETE", false),
		ErrorFrame:   envutil.Bool("MOCK_ERROR_FRAME", false),
		Risk:         envutil.String("MOCK_RISK", ""),
	}
}

func main() {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	eng := mockengine.New()
	eng.SetScript(scriptFromEnv())
	addr := envutil.String("MOCK_INFERENCE_ADDR", ":8090")
	srv := mockengine.NewServer(addr, log, eng)

	ctx, stop := shutdown.NotifyContext(context.Background(), log)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("mock inference listening", "addr", addr, "path", mockengine.StreamPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("mock inference exited", "error", err)
			os.Exit(1)
		}
	}
}
