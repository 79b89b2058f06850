package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"meridian/api/internal/app"
	"meridian/api/internal/audit"
	"meridian/api/internal/conflict"
	"meridian/api/internal/config"
	"meridian/api/internal/content"
	"meridian/api/internal/convergence"
	"meridian/api/internal/gitrepo"
	"meridian/api/internal/lifecycle"
	"meridian/api/internal/locking"
	"meridian/api/internal/merge"
	"meridian/api/internal/search"
	"meridian/api/internal/store"
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
	gitService := gitrepo.New(cfg.RepoDir)

	var sink audit.Sink = audit.NopSink{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSink, err := audit.NewRedisSink(cfg.RedisURL, cfg.AuditStream)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisSink.Close()
		sink = redisSink
		log.Printf("audit events streamed to %s", cfg.AuditStream)
	} else {
		log.Printf("no Redis configured, audit events disabled")
	}

	var indexer search.Indexer = search.NopIndexer{}
	var searcher search.Searcher
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		indexer = meiliClient
		searcher = meiliClient
	}

	lifecycleSvc := lifecycle.NewService(dataStore, sink)
	locks := locking.NewService(dataStore)
	detector := conflict.NewDetector(gitService)
	executor := merge.NewExecutor(gitService)
	coordinator := convergence.NewCoordinator(dataStore, locks, detector, executor, gitService, sink)
	versions := content.NewVersionStore(dataStore)

	service := app.NewService(cfg, dataStore, gitService, lifecycleSvc, coordinator, versions, indexer, searcher)
	if err := service.Bootstrap(ctx); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	log.Printf("meridian convergence service ready (repo %s, target %s)", cfg.RepoDir, cfg.DefaultTarget)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")
}
