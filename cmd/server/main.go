package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ospanova/taskbridge/internal/api"
	"github.com/ospanova/taskbridge/internal/config"
	"github.com/ospanova/taskbridge/internal/dispatch"
	"github.com/ospanova/taskbridge/internal/ingest"
	"github.com/ospanova/taskbridge/internal/poll"
	"github.com/ospanova/taskbridge/internal/processor"
	"github.com/ospanova/taskbridge/internal/scope"
	"github.com/ospanova/taskbridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Server.LogLevel)

	st, err := store.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	session := scope.NewSession(st, cfg.Coordinator.ListLimit, logger)
	reconciler := poll.New(st, session, cfg.Coordinator.PollInterval, logger)
	ingestor := ingest.New(st, session, reconciler, ingest.Policy(cfg.Coordinator.TerminalPolicy), logger)
	manager := scope.NewManager(session, reconciler)

	var proc dispatch.Processor
	if cfg.Coordinator.ProcessorURL != "" {
		proc = processor.NewClient(cfg.Coordinator.ProcessorURL, 15*time.Second)
		logger.Info("using external processor", "url", cfg.Coordinator.ProcessorURL)
	} else {
		proc = processor.NewLoopback(ingestor, cfg.Coordinator.LoopbackDelay, logger)
		logger.Info("no processor configured, using loopback")
	}

	dispatcher := dispatch.New(session, proc, reconciler, cfg.Coordinator.DebounceWindow, cfg.Coordinator.CallbackURL, logger)

	if err := manager.SwitchScope(context.Background(), cfg.Coordinator.DefaultScope); err != nil {
		logger.Error("failed to activate default scope", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(st, manager, dispatcher, ingestor, cfg.Coordinator.ListLimit, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	reconciler.Stop()
	logger.Info("server stopped")
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
