package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smartdec/cs-comments-service/internal/app"
	"github.com/smartdec/cs-comments-service/internal/config"
	"github.com/smartdec/cs-comments-service/internal/moderation"
	"github.com/smartdec/cs-comments-service/internal/notifications"
	"github.com/smartdec/cs-comments-service/internal/search"
	"github.com/smartdec/cs-comments-service/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var searchBackend search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		searchBackend = meiliClient
	}
	searchService := search.NewService(searchBackend, cfg.IndexQueueSize, cfg.IndexRetryBackoff, cfg.IndexMaxRetries)
	defer searchService.Close()

	blocklist := moderation.NewBlocklist(dataStore)
	if err := blocklist.Load(ctx); err != nil {
		log.Printf("WARNING: blocklist load failed, moderation starts empty: %v", err)
	} else {
		log.Printf("moderation blocklist loaded with %d hashes", blocklist.Size())
	}

	queue, err := notifications.NewQueue(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer queue.Close()
	fanout := notifications.NewFanout(dataStore, queue)

	service := app.New(dataStore, searchService, blocklist, fanout, cfg.APIKey)
	httpServer := app.NewHTTPServer(service)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("comments API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
