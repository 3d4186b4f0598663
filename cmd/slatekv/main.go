package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"slatekv/internal/config"
	"slatekv/internal/http"
	"slatekv/pkg/engine"
	"slatekv/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Logger.SetupLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := metrics.NewRegistry()

	db, err := engine.Open(cfg.DB.EngineOptions(), reg)
	if err != nil {
		slog.Error("failed to open engine", "data_dir", cfg.DB.DataDir, "error", err)
		os.Exit(1)
	}

	server := http.NewServer(db, reg, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		db.Close()
		os.Exit(1)
	}

	slog.Info("slatekv started", "data_dir", cfg.DB.DataDir, "addr", server.URL)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("error closing engine", "error", err)
	}
	slog.Info("slatekv stopped")
}
