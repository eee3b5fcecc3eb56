package app

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-risk/internal/config"
	"github.com/yungbote/neurobridge-risk/internal/http"
	httpH "github.com/yungbote/neurobridge-risk/internal/http/handlers"
	"github.com/yungbote/neurobridge-risk/internal/observability"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

type Handlers struct {
	Health     *httpH.HealthHandler
	Assessment *httpH.AssessmentHandler
	Model      *httpH.ModelHandler
}

func wireHandlers(log *logger.Logger, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:     httpH.NewHealthHandler(services.Snapshots),
		Assessment: httpH.NewAssessmentHandler(services.Pipeline),
		Model:      httpH.NewModelHandler(services.Snapshots),
	}
}

func wireRouter(log *logger.Logger, cfg *config.Config, metrics *observability.Metrics, handlers Handlers) *gin.Engine {
	serviceName := ""
	if cfg.Tracing.Exporter != "" && cfg.Tracing.Exporter != "none" {
		serviceName = cfg.Tracing.ServiceName
	}
	return http.NewRouter(http.RouterConfig{
		Log:               log,
		Metrics:           metrics,
		ServiceName:       serviceName,
		CORSOrigins:       cfg.HTTP.CORSOrigins,
		RequestTimeout:    cfg.HTTP.RequestTimeout.Duration,
		MaxRequestBytes:   cfg.HTTP.MaxRequestBytes,
		HealthHandler:     handlers.Health,
		AssessmentHandler: handlers.Assessment,
		ModelHandler:      handlers.Model,
	})
}
