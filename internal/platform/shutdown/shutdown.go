// Package shutdown turns process signals into context cancellation.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/screening-backend/internal/platform/logger"
)

// NotifyContext returns a context canceled by the first SIGINT or SIGTERM.
// The signal is logged when log is set. A second signal is left to the
// default handler so a stuck drain can still be interrupted.
func NotifyContext(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			if log != nil {
				log.Info("shutdown signal received", "signal", sig.String())
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
