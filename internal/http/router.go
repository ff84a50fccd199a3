package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/clipcaption/pipeline/internal/http/handlers"
	httpMW "github.com/clipcaption/pipeline/internal/http/middleware"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// RouterConfig wires the pipeline's HTTP surface (§6): six endpoints, no
// auth gate.
type RouterConfig struct {
	Log *logger.Logger

	HealthHandler     *httpH.HealthHandler
	AnalyzeHandler    *httpH.AnalyzeHandler
	StreamHandler     *httpH.StreamHandler
	ContentHandler    *httpH.ContentHandler
	DictionaryHandler *httpH.DictionaryHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api/v1")
	{
		if cfg.AnalyzeHandler != nil {
			api.POST("/video/analyze", cfg.AnalyzeHandler.Create)
			api.GET("/video/analyze/:id", cfg.AnalyzeHandler.Snapshot)
		}
		if cfg.StreamHandler != nil {
			api.GET("/video/analyze/:id/stream", cfg.StreamHandler.Stream)
		}
		if cfg.ContentHandler != nil {
			api.GET("/subtitle/:id/content", cfg.ContentHandler.Content)
		}
		if cfg.DictionaryHandler != nil {
			api.POST("/subtitle/dictionary/query", cfg.DictionaryHandler.Query)
		}
	}

	return r
}
