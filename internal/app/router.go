package app

import (
	"github.com/gin-gonic/gin"

	pipelinehttp "github.com/clipcaption/pipeline/internal/http"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

func wireRouter(log *logger.Logger, handlers Handlers) *gin.Engine {
	return pipelinehttp.NewRouter(pipelinehttp.RouterConfig{
		Log:               log,
		HealthHandler:     handlers.Health,
		AnalyzeHandler:    handlers.Analyze,
		StreamHandler:     handlers.Stream,
		ContentHandler:    handlers.Content,
		DictionaryHandler: handlers.Dictionary,
	})
}
