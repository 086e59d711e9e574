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

	"dropz/api/internal/app"
	"dropz/api/internal/archive"
	"dropz/api/internal/assets"
	"dropz/api/internal/authpw"
	"dropz/api/internal/config"
	"dropz/api/internal/editing"
	"dropz/api/internal/export"
	"dropz/api/internal/search"
	"dropz/api/internal/session"
	"dropz/api/internal/store"
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

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	editingService := editing.NewService(dataStore)
	authService := authpw.NewService(dataStore)
	archiveService := archive.New(cfg.ArchiveDir)

	tokenStore, err := session.NewRedisStore(cfg.RedisURL, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer tokenStore.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var assetService *assets.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		assetService, err = assets.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
	}

	service := app.NewService(dataStore, tokenStore, authService, editingService, app.Options{
		Search:  searchService,
		Archive: archiveService,
		Assets:  assetService,
		Export:  export.NewService(),
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("dropz API listening on %s", cfg.Addr)
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
