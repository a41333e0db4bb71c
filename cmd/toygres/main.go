// Command toygres runs the PostgreSQL-on-Kubernetes control plane: the
// durable orchestration runtime, the CMS data layer, and the dispatcher
// that drives them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/affandar/toygres/internal/app"
	"github.com/affandar/toygres/internal/config"
)

func main() {
	mode := flag.String("mode", "", "override TOYGRES_MODE (worker, migrate)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("toygres exited with error", "error", err)
		os.Exit(1)
	}
}
