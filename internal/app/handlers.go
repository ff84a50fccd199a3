package app

import (
	handlers "github.com/clipcaption/pipeline/internal/http/handlers"
)

// Handlers groups the HTTP tier's six-endpoint surface (§6).
type Handlers struct {
	Health     *handlers.HealthHandler
	Analyze    *handlers.AnalyzeHandler
	Stream     *handlers.StreamHandler
	Content    *handlers.ContentHandler
	Dictionary *handlers.DictionaryHandler
}

func wireHandlers(repos Repos, clients Clients, services Services) Handlers {
	return Handlers{
		Health:     handlers.NewHealthHandler(),
		Analyze:    handlers.NewAnalyzeHandler(repos.Tasks, services.Coordinator),
		Stream:     handlers.NewStreamHandler(repos.Tasks),
		Content:    handlers.NewContentHandler(repos.Tasks, clients.Blobs),
		Dictionary: handlers.NewDictionaryHandler(clients.LLM),
	}
}
