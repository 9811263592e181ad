package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"podcomm/internal/bus"
	"podcomm/internal/config"
	"podcomm/internal/db"
	"podcomm/internal/gateway"
	httpapi "podcomm/internal/http"
	"podcomm/internal/membership"
	"podcomm/internal/models"
	"podcomm/internal/relay"
	"podcomm/internal/store"
	"podcomm/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting channel gateway server",
		"version", "1.0.0",
		"port", cfg.Server.Port,
		"environment", os.Getenv("ENV"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("Running database migrations...")
	if err := models.Migrate(ctx, pool); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	log.Info("Connecting to Redis...")
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}

	// Wire the domain: store -> membership -> relay -> gateway, all sharing
	// one event bus. The Redis bus makes fan-out work across instances; the
	// in-process bus is enough for a single node.
	st := store.NewPostgresStore(pool, log)
	members := membership.NewManager(st, log)

	var eventBus bus.Bus
	if cfg.Gateway.UseRedisBus {
		eventBus = bus.NewRedisBus(rdb, log)
	} else {
		eventBus = bus.NewMemoryBus()
	}
	defer eventBus.Close()

	msgRelay := relay.New(st, members, eventBus, log)

	gw := gateway.New(cfg.Gateway, st, members, msgRelay, eventBus, log)
	go gw.Run()
	defer gw.Close()

	server := httpapi.NewServer(pool, rdb, st, members, gw, cfg, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("API server listening on %s (redis bus: %v)", httpServer.Addr, cfg.Gateway.UseRedisBus)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("Server error", "error", err)

	case sig := <-interrupt:
		log.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		log.Info("Shutting down server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Graceful shutdown failed: %v", err)
			if closeErr := httpServer.Close(); closeErr != nil {
				log.Errorf("Force close failed: %v", closeErr)
			}
		}

		// Gateway first so connections drain before the bus goes away.
		gw.Close()
		eventBus.Close()

		log.Info("Closing database connections...")
		pool.Close()

		log.Info("Closing Redis connections...")
		if err := rdb.Close(); err != nil {
			log.Error("Failed to close Redis connection", "error", err)
		}

		log.Info("Server stopped gracefully")
	}
}
