package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/okettl/taskpilot/internal/config"
	"github.com/okettl/taskpilot/internal/httpapi"
	"github.com/okettl/taskpilot/internal/observability"
	"github.com/okettl/taskpilot/internal/runtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	service := runtime.New(context.Background(), runtime.Config{
		ApprovalTimeout:   cfg.ApprovalTimeout,
		EventHistoryLimit: cfg.EventHistoryLimit,
		DefaultBrowsers:   cfg.BrowserEndpoints,
		DatabaseURL:       cfg.DatabaseURL,
	}, metrics)
	log.Printf("task store mode: %s", service.StoreMode())
	if len(cfg.BrowserEndpoints) > 0 {
		log.Printf("browser pool: %d configured endpoints", len(cfg.BrowserEndpoints))
	}

	api := httpapi.New(cfg, service, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	if err := service.Shutdown(); err != nil {
		log.Printf("task service shutdown failed: %v", err)
	}

	log.Printf("shutdown complete")
}
