package app

import (
	apphttp "github.com/yungbote/screening-backend/internal/http"
	"github.com/yungbote/screening-backend/internal/observability"
	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
)

func wireRouter(log *logger.Logger, cfg *config.Config, metrics *observability.Metrics, handlers Handlers) apphttp.RouterConfig {
	return apphttp.RouterConfig{
		Log:              log,
		ServiceName:      cfg.Telemetry.ServiceName,
		AllowOrigins:     cfg.HTTP.AllowOrigins,
		Metrics:          metrics,
		ScreeningHandler: handlers.Screening,
		RealtimeHandler:  handlers.Realtime,
		HealthHandler:    handlers.Health,
	}
}
