// Command worker runs the stage worker pools (download/transcribe/enrich)
// standalone, with no HTTP surface.
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

	a.Log.Info("worker pools starting", "pools", a.PoolConfigs())
	if err := a.RunWorker(ctx); err != nil {
		a.Log.Error("worker pools failed", "error", err.Error())
		os.Exit(1)
	}
}
