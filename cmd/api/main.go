package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"darwinbox/api/internal/app"
	"darwinbox/api/internal/changes"
	"darwinbox/api/internal/config"
	"darwinbox/api/internal/search"
	"darwinbox/api/internal/snapshot"
	"darwinbox/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DatabaseConns)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	var source changes.Source
	switch cfg.ChangeFeed {
	case config.ChangeFeedRedis:
		log.Printf("Using Redis channel %s for directory changes", cfg.ChangeTopic)
		redisSource, err := changes.NewRedisSource(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisSource.Close()
		source = redisSource
	default:
		log.Printf("Using PostgreSQL LISTEN %s for directory changes", cfg.ChangeTopic)
		source = store.NewNotificationSource(cfg.DatabaseURL)
	}
	bridge := changes.NewBridge(source, cfg.ChangeTopic, cfg.FanoutCapacity)

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore, bridge)

	var index search.Index
	if cfg.SearchConfigured() {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewPgSearch(db))
	service.SetSearch(searchService)

	if cfg.SnapshotsConfigured() {
		snapshots, err := snapshot.New(snapshot.Options{
			Endpoint:  cfg.SnapshotEndpoint,
			AccessKey: cfg.SnapshotAccessKey,
			SecretKey: cfg.SnapshotSecretKey,
			Bucket:    cfg.SnapshotBucket,
			UseSSL:    cfg.SnapshotUseSSL,
		})
		if err != nil {
			log.Fatalf("snapshot storage: %v", err)
		}
		if err := snapshots.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: snapshot bucket unavailable (exports will retry): %v", err)
		}
		service.SetSnapshots(snapshots)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// A failed bridge cancels gctx, which shuts the whole process down so the
	// supervisor can restart it with a fresh upstream subscription.
	g.Go(func() error {
		return bridge.Run(gctx)
	})

	indexSub := bridge.Subscribe()
	g.Go(func() error {
		if err := searchService.Reindex(gctx); err != nil {
			log.Printf("WARNING: search reindex failed: %v", err)
		}
		searchService.Sync(gctx, indexSub)
		return nil
	})

	g.Go(func() error {
		log.Printf("Darwinbox API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("exiting: %v", err)
		db.Close()
		os.Exit(1)
	}
}
