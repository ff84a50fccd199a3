package app

import (
	"github.com/clipcaption/pipeline/internal/platform/envutil"
)

// Config holds the process-wide settings read from the environment. It is
// loaded once at startup and threaded through, never re-read mid-process.
type Config struct {
	LogMode string
	Address string

	RunWorker bool

	DownloadWorkers   int
	TranscribeWorkers int
	EnrichWorkers     int
}

// LoadConfig reads Config from the environment, falling back to defaults
// that match the reference deployment in §5/§9.
func LoadConfig() Config {
	return Config{
		LogMode: envutil.String("LOG_MODE", "development"),
		Address: envutil.String("HTTP_ADDR", ":8080"),

		RunWorker: envutil.Bool("RUN_WORKER", false),

		DownloadWorkers:   envutil.Int("DOWNLOAD_WORKERS", 4),
		TranscribeWorkers: envutil.Int("TRANSCRIBE_WORKERS", 2),
		EnrichWorkers:     envutil.Int("ENRICH_WORKERS", 2),
	}
}
