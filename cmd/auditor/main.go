package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopapi/shop-app/internal/config"
	"github.com/shopapi/shop-app/internal/database"
	"github.com/shopapi/shop-app/internal/eventlog"
	"github.com/shopapi/shop-app/internal/logging"
	"github.com/shopapi/shop-app/internal/messaging"
	"github.com/shopapi/shop-app/internal/session"
)

const auditorQueue = "shop-auditor"

func main() {
	config.LoadDotEnv()
	cfg := config.Load("shop-auditor")
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	log.Info("shop session auditor starting",
		"env", cfg.Env,
		"redis_addr", cfg.Redis.Addr,
		"nats_url", cfg.NATS.URL,
		"event_log_ttl", cfg.EventLog.TTL,
		"purge_interval", cfg.EventLog.PurgeInterval,
		"watch_expiry", cfg.EventLog.WatchExpiry,
	)

	if cfg.Database.URL == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	// --- Postgres ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := database.Open(ctx, cfg.Database.URL)
	cancel()
	if err != nil {
		log.Error("failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(db, cfg.Database.MigrationsPath, log); err != nil {
		log.Error("failed to run migrations", "path", cfg.Database.MigrationsPath, "error", err)
		os.Exit(1)
	}

	store := eventlog.NewStore(db, cfg.EventLog.TTL)
	recorder := eventlog.NewRecorder(store, cfg.EventLog.TTL, log)

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Error("failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	if cfg.Redis.EnableKeyspaceEvents {
		if err := session.EnableExpiryNotifications(ctx, rdb); err != nil {
			log.Warn("could not enable keyspace notifications", "error", err)
		}
	}
	cancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name

	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		log.Error("failed to connect to NATS", "url", natsConfig.URL, "error", err)
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Lifecycle events from every API instance, shared across auditor replicas.
	// The handler outlives sigCtx so the drain in Close can still write.
	err = natsClient.QueueSubscribeSessionEvents("auditor", auditorQueue, recorder.Handler(sigCtx, 5*time.Second))
	if err != nil {
		log.Error("failed to subscribe to session events", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	// Every replica sees each expiration; AUDITOR_WATCH_EXPIRY=false on all
	// but one.
	if cfg.EventLog.WatchExpiry {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := session.WatchExpirations(sigCtx, rdb, func(ctx context.Context, userID string) {
				if err := recorder.RecordExpired(ctx, userID); err != nil {
					log.Warn("expiry not recorded", "user_id", userID, "error", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("expiry watcher stopped", "error", err)
			}
		}()
	} else {
		log.Info("expiry watching disabled")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		eventlog.RunPurge(sigCtx, store, cfg.EventLog.PurgeInterval, log)
	}()

	log.Info("shop session auditor running")

	<-sigCtx.Done()
	log.Info("received shutdown signal, draining")

	natsClient.Close()
	wg.Wait()
	log.Info("shop session auditor stopped")
}
