// Command stratodb runs the event-sourced engine against a configured
// SQLite store, registering a small key-version model and a tamper-evident
// journal, and exposes a /healthz liveness endpoint. It exists to make the
// engine runnable end to end; embedders typically call internal/engine
// directly with their own models instead of shelling out to this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stratodb/stratodb/internal/config"
	"github.com/stratodb/stratodb/internal/engine"
	"github.com/stratodb/stratodb/internal/journal"
	"github.com/stratodb/stratodb/internal/model"
	"github.com/stratodb/stratodb/internal/model/builtin"
)

func main() {
	configPath := flag.String("config", "/etc/stratodb/config.yaml", "path to the stratodb YAML configuration file")
	journalPath := flag.String("journal-path", "/var/lib/stratodb/journal.log", "path to the tamper-evident journal file")
	healthAddr := flag.String("health-addr", "127.0.0.1:9100", "listen address for the /healthz HTTP server")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratodb: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("store_path", cfg.StorePath),
		slog.String("queue_path", cfg.QueuePath),
		slog.String("log_level", cfg.LogLevel),
	)

	jrnl, err := journal.New(*journalPath)
	if err != nil {
		logger.Error("failed to open journal", slog.String("path", *journalPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer jrnl.Close()

	kv := builtin.NewKV("kv")

	models := map[string]model.Registration{
		"kv": kv.Registration(),
		"journal": {
			Name:     "journal",
			Deriver:  jrnl.Derive,
			Instance: jrnl,
		},
	}

	eng, err := engine.New(cfg, logger, models)
	if err != nil {
		logger.Error("failed to start engine", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	healthServer := &http.Server{
		Addr:         *healthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", *healthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	go func() {
		select {
		case err := <-eng.Err():
			logger.Error("engine polling loop gave up", slog.Any("error", err))
		case <-ctx.Done():
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	if err := eng.Close(); err != nil {
		logger.Warn("engine close error", slog.Any("error", err))
	}

	logger.Info("stratodb exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
