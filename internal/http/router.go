package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/screening-backend/internal/http/handlers"
	httpMW "github.com/yungbote/screening-backend/internal/http/middleware"
	"github.com/yungbote/screening-backend/internal/observability"
	"github.com/yungbote/screening-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	// AllowOrigins feeds CORS; empty means the local dev defaults.
	AllowOrigins []string
	Metrics      *observability.Metrics

	ScreeningHandler *httpH.ScreeningHandler
	RealtimeHandler  *httpH.RealtimeHandler
	HealthHandler    *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "screening-backend"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.AllowOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	screenings := api.Group("/screenings")
	{
		if cfg.ScreeningHandler != nil {
			screenings.POST("", cfg.ScreeningHandler.Create)
			screenings.GET("/current", cfg.ScreeningHandler.Current)
			screenings.POST("/cancel", cfg.ScreeningHandler.Cancel)
			screenings.POST("/reset", cfg.ScreeningHandler.Reset)
			screenings.GET("/mode", cfg.ScreeningHandler.GetMode)
			screenings.PUT("/mode", cfg.ScreeningHandler.SetMode)
			screenings.GET("/:id/result", cfg.ScreeningHandler.Result)
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			screenings.GET("/stream", cfg.RealtimeHandler.PipelineStream)
		}
	}

	return r
}
