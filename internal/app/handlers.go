package app

import (
	httpH "github.com/yungbote/screening-backend/internal/http/handlers"
	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
)

type Handlers struct {
	Screening *httpH.ScreeningHandler
	Realtime  *httpH.RealtimeHandler
	Health    *httpH.HealthHandler
}

func wireHandlers(log *logger.Logger, cfg *config.Config, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Screening: httpH.NewScreeningHandler(log, services.Orchestrator, services.Store, services.Results, cfg.HTTP.MaxRequestBytes),
		Realtime:  httpH.NewRealtimeHandler(log, services.Store, cfg.Pipeline.SubscriberBuffer, 0),
		Health:    httpH.NewHealthHandler(services.Orchestrator),
	}
}
