// Command server runs the HTTP API (§6) and, when RUN_WORKER=true, the
// stage worker pools alongside it in the same process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipcaption/pipeline/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.Cfg.RunWorker {
		go func() {
			if err := a.RunWorker(ctx); err != nil {
				a.Log.Error("worker pools stopped", "error", err.Error())
			}
		}()
	}

	a.Log.Info("server listening", "address", a.Cfg.Address)
	if err := a.Run(); err != nil {
		a.Log.Error("server failed", "error", err.Error())
		os.Exit(1)
	}
}
