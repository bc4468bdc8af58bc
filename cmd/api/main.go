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

	"murmur/internal/app"
	"murmur/internal/avatar"
	"murmur/internal/bridge"
	"murmur/internal/config"
	"murmur/internal/matrix"
	"murmur/internal/pow"
	"murmur/internal/rooms"
	"murmur/internal/search"
	"murmur/internal/store"
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

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	var nonces pow.NonceStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for single-use challenge tracking")
		redisNonces, err := pow.NewRedisNonceStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisNonces.Close()
		nonces = redisNonces
	} else {
		log.Printf("WARNING: no Redis configured, challenges are replayable within their window")
	}
	guard := pow.New(cfg.PowSecret, nonces)

	// Impersonation requires an application-service token; the webhook
	// driver implies one.
	impersonate := cfg.DriverMode == "webhook" || cfg.HSToken != ""
	client := matrix.NewHTTPClient(cfg.HomeserverURL, cfg.AccessToken, impersonate)

	var avatarMirror *avatar.Mirror
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		avatarMirror, err = avatar.NewMirror(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey,
			cfg.S3Bucket, cfg.S3PublicURL, cfg.S3UseSSL, client)
		if err != nil {
			log.Fatalf("avatar mirror setup failed: %v", err)
		}
	}

	router := rooms.NewRouter(client, cfg.ServerName, cfg.SpacePrefix, cfg.OwnerUserID)
	broadcast := bridge.NewBroadcaster()
	reconciler := bridge.NewReconciler(dataStore, client, broadcast, searchService, avatarMirror,
		cfg.BotUserID(), cfg.BotLocalpart)
	executor := bridge.NewExecutor(dataStore, client, router, cfg.ServerName, cfg.BotLocalpart, cfg.IdentitySalt)

	var driver bridge.Driver
	switch cfg.DriverMode {
	case "webhook":
		driver = bridge.NewWebhookDriver(cfg.WebhookAddr, cfg.HSToken, executor, reconciler)
	case "poll":
		driver = bridge.NewPollDriver(client, dataStore, executor, reconciler)
	default:
		log.Fatalf("unknown driver mode %q", cfg.DriverMode)
	}

	driverCtx, stopDriver := context.WithCancel(ctx)
	commands := make(chan bridge.Envelope, cfg.CommandBuffer)
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		if err := driver.Run(driverCtx, commands); err != nil {
			log.Fatalf("driver failed: %v", err)
		}
	}()

	service := app.NewService(dataStore, commands, cfg.CommandTimeout, guard, searchService, broadcast, cfg.IdentitySalt)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.AdminToken)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: the event stream holds connections open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Murmur API listening on %s (driver=%s)", cfg.Addr, cfg.DriverMode)
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

	stopDriver()
	select {
	case <-driverDone:
	case <-time.After(10 * time.Second):
		log.Printf("driver did not stop in time")
	}
}
