package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/di"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(os.Getenv("CONFIG_DIR"), config.CurrentEnvironment())
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	container, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	logger := container.Logger

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go container.Hub.Run(hubCtx)

	// Session defaults reload live; everything else needs a restart.
	watcher, err := config.NewWatcher(loader, cfg, logger)
	if err != nil {
		logger.Warn("Configuration watcher unavailable", zap.Error(err))
	} else {
		watcher.OnChange(func(c *config.Config) {
			container.Registry.UpdateSettings(session.SettingsFromConfig(c))
		})
		defer watcher.Stop()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      container.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("address", srv.Addr),
			zap.String("environment", string(cfg.Environment)),
			zap.Strings("configSources", cfg.LoadedFrom),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Sessions flush after the listener stops so no new edits arrive
	// while snapshots are written.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	if err := container.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown finished with errors: %v", err)
	}
	stopHub()

	log.Println("Server stopped")
}
