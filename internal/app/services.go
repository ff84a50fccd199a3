package app

import (
	"fmt"

	"github.com/clipcaption/pipeline/internal/jobs/dispatch"
	"github.com/clipcaption/pipeline/internal/jobs/runtime"
	"github.com/clipcaption/pipeline/internal/pipeline"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// Services groups the pipeline core's stage handlers and the objects that
// wire them together: the push-based Coordinator, the kind->handler
// Registry, and the Dispatcher that runs the worker pools.
type Services struct {
	Coordinator *pipeline.Coordinator
	Registry    *runtime.Registry
	Dispatcher  *dispatch.Dispatcher

	Download   *pipeline.DownloadHandler
	Transcribe *pipeline.TranscribeHandler
	Enrich     *pipeline.EnrichHandler
}

func wireServices(log *logger.Logger, repos Repos, clients Clients) (Services, error) {
	log.Info("wiring pipeline services")

	coordinator := pipeline.NewCoordinator(log, repos.Tasks, repos.Tasks)

	download := pipeline.NewDownloadHandler(log, clients.Tools, clients.Blobs, coordinator)
	transcribe := pipeline.NewTranscribeHandler(log, clients.Tools, clients.Blobs, clients.ASR, clients.Cache, coordinator)
	enrich := pipeline.NewEnrichHandler(log, clients.Blobs, clients.LLM, clients.Cache, coordinator)

	registry := runtime.NewRegistry()
	if err := registry.Register(download); err != nil {
		return Services{}, fmt.Errorf("register download handler: %w", err)
	}
	if err := registry.Register(transcribe); err != nil {
		return Services{}, fmt.Errorf("register transcribe handler: %w", err)
	}
	if err := registry.Register(enrich); err != nil {
		return Services{}, fmt.Errorf("register enrich handler: %w", err)
	}

	dispatcher := dispatch.New(log, registry, repos.Tasks, repos.Tasks)

	return Services{
		Coordinator: coordinator,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Download:    download,
		Transcribe:  transcribe,
		Enrich:      enrich,
	}, nil
}
