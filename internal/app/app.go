package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/clipcaption/pipeline/internal/data/db"
	"github.com/clipcaption/pipeline/internal/jobs/dispatch"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// App wires every dependency of a pipeline process: the database
// connection, the Task Store repo, the external gateways, the stage
// handlers, the Dispatcher, and (when serving HTTP) the router.
type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Repos    Repos
	Clients  Clients
	Services Services
	Handlers Handlers
	Router   *gin.Engine

	cancelWorker context.CancelFunc
}

// New builds an App ready to serve HTTP, run worker pools, or both,
// depending on Cfg.RunWorker and which of Run/RunWorker the caller invokes.
func New() (*App, error) {
	cfg := LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	gdb := pg.DB()
	if err := db.AutoMigrateAll(gdb); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	repos := wireRepos(gdb, log)

	clients, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	services, err := wireServices(log, repos, clients)
	if err != nil {
		log.Sync()
		return nil, err
	}

	handlers := wireHandlers(repos, clients, services)
	router := wireRouter(log, handlers)

	return &App{
		Log:      log,
		DB:       gdb,
		Cfg:      cfg,
		Repos:    repos,
		Clients:  clients,
		Services: services,
		Handlers: handlers,
		Router:   router,
	}, nil
}

// PoolConfigs returns the per-kind worker pool sizes configured for this
// process.
func (a *App) PoolConfigs() []dispatch.PoolConfig {
	return []dispatch.PoolConfig{
		{Kind: "download", Workers: a.Cfg.DownloadWorkers},
		{Kind: "transcribe", Workers: a.Cfg.TranscribeWorkers},
		{Kind: "enrich", Workers: a.Cfg.EnrichWorkers},
	}
}

// RunWorker starts the Dispatcher's worker pools and blocks until ctx is
// cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancelWorker = cancel
	return a.Services.Dispatcher.Run(ctx, a.PoolConfigs())
}

// Run starts the HTTP server and blocks.
func (a *App) Run() error {
	if a.Router == nil {
		return fmt.Errorf("app: router not initialized")
	}
	return a.Router.Run(a.Cfg.Address)
}

// Close releases resources the worker/server hold onto past process exit:
// the Step Cache's connection and the logger's buffered writer.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancelWorker != nil {
		a.cancelWorker()
	}
	if a.Clients.Cache != nil {
		_ = a.Clients.Cache.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
