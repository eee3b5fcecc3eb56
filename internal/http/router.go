package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/neurobridge-risk/internal/http/handlers"
	httpMW "github.com/yungbote/neurobridge-risk/internal/http/middleware"
	"github.com/yungbote/neurobridge-risk/internal/observability"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	Metrics     *observability.Metrics
	ServiceName string
	CORSOrigins []string
	// RequestTimeout bounds each API request; assessments past it are partial.
	RequestTimeout  time.Duration
	MaxRequestBytes int64

	HealthHandler     *httpH.HealthHandler
	AssessmentHandler *httpH.AssessmentHandler
	ModelHandler      *httpH.ModelHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")
	api.Use(httpMW.AttachRequestContext(cfg.RequestTimeout, cfg.MaxRequestBytes))
	{
		if cfg.AssessmentHandler != nil {
			api.POST("/assessments", cfg.AssessmentHandler.Assess)
			api.POST("/assessments/batch", cfg.AssessmentHandler.AssessBatch)
			api.POST("/chat", cfg.AssessmentHandler.Chat)
		}
		if cfg.ModelHandler != nil {
			api.GET("/model", cfg.ModelHandler.GetModel)
		}
	}

	return r
}
