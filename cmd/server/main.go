// server is the document-analysis core binary: it wires the processing
// pipeline, embedding cache, conversation memory, and resilience layer behind
// a thin HTTP dispatcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"rag-core/internal/api"
	"rag-core/internal/config"
	"rag-core/internal/di"
	"rag-core/internal/logging"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Configuration errors abort the process.
		color.Red("configuration error: %v", err)
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build application container: %v", err)
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Error("container close failed", "error", err.Error())
		}
	}()

	if err := container.Warmup(ctx); err != nil {
		// Warm-up is an optimization; a cold cache is not fatal.
		logger.Warn("cache warm-up failed", "error", err.Error())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewServer(container).Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	banner(addr, cfg)
	logger.Info("server starting", "addr", addr, "db_path", cfg.Storage.DBPath)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err.Error())
	}
}

func banner(addr string, cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	title.Println("rag-core — document analysis backend")

	provider := "gemini"
	if cfg.Provider.APIKey == "" {
		provider = "mock (no api key)"
	}
	fmt.Printf("  listening   %s\n", addr)
	fmt.Printf("  provider    %s\n", provider)
	fmt.Printf("  chunking    %s (max %d tokens)\n", cfg.Chunking.DefaultStrategy, cfg.Chunking.MaxChunkSize)
	fmt.Printf("  cache       %s, tier1 %d entries\n", cfg.Cache.Tier1Strategy, cfg.Cache.Tier1Capacity)
}
