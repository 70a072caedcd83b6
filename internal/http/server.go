package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/screening-backend/internal/screening/config"
)

type Server struct {
	Engine *gin.Engine

	srv             *http.Server
	shutdownTimeout time.Duration
}

func NewServer(cfg config.HTTPConfig, rc RouterConfig) *Server {
	engine := NewRouter(rc)
	return &Server{
		Engine: engine,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           engine,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout.Duration,
			IdleTimeout:       cfg.IdleTimeout.Duration,
		},
		shutdownTimeout: cfg.ShutdownTimeout.Duration,
	}
}

func (s *Server) Addr() string { return s.srv.Addr }

// Run serves until ctx ends, then drains open requests for at most the
// configured shutdown timeout. Open event streams are released as soon as
// shutdown begins.
func (s *Server) Run(ctx context.Context) error {
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	s.srv.BaseContext = func(net.Listener) context.Context { return base }
	s.srv.RegisterOnShutdown(cancelBase)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		_ = s.srv.Close()
		return err
	}
	return <-errCh
}
