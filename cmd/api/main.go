package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopapi/shop-app/internal/config"
	"github.com/shopapi/shop-app/internal/database"
	"github.com/shopapi/shop-app/internal/eventlog"
	"github.com/shopapi/shop-app/internal/httpapi"
	"github.com/shopapi/shop-app/internal/logging"
	"github.com/shopapi/shop-app/internal/messaging"
	"github.com/shopapi/shop-app/internal/ratelimit"
	"github.com/shopapi/shop-app/internal/session"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load("shop-api")
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	log.Info("shop session api starting",
		"env", cfg.Env,
		"listen_addr", cfg.HTTP.ListenAddr,
		"redis_addr", cfg.Redis.Addr,
		"nats_url", cfg.NATS.URL,
		"session_ttl", cfg.Session.TTL,
		"event_log", cfg.Database.URL != "",
	)

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Error("failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	cancel()

	// --- NATS (optional) ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name

	sessionOpts := []session.Option{
		session.WithTTL(cfg.Session.TTL),
		session.WithLogger(log),
	}
	deps := httpapi.Deps{
		Redis:  rdb,
		Logger: log,
	}

	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		log.Warn("NATS unavailable, lifecycle events disabled", "url", natsConfig.URL, "error", err)
	} else {
		sessionOpts = append(sessionOpts, session.WithPublisher(messaging.NewSessionEventPublisher(natsClient)))
		deps.Stream = natsClient
	}

	// --- Postgres (optional) ---
	var db *sql.DB
	if cfg.Database.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err = database.Open(ctx, cfg.Database.URL)
		cancel()
		if err != nil {
			log.Error("failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		if err := database.RunMigrations(db, cfg.Database.MigrationsPath, log); err != nil {
			log.Error("failed to run migrations", "path", cfg.Database.MigrationsPath, "error", err)
			os.Exit(1)
		}
		deps.EventLog = eventlog.NewStore(db, cfg.EventLog.TTL)
	}

	deps.Sessions = session.NewManager(rdb, sessionOpts...)
	deps.Limiter = ratelimit.NewLimiter(rdb, log)

	serverConfig := httpapi.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.HTTP.ListenAddr
	serverConfig.RequestTimeout = cfg.HTTP.RequestTimeout
	serverConfig.LoginRule = ratelimit.RuleLogin.WithLimit(cfg.RateLimit.Login)
	serverConfig.TokenLookupRule = ratelimit.RuleTokenLookup.WithLimit(cfg.RateLimit.Token)
	serverConfig.EventLogTTL = cfg.EventLog.TTL

	server := httpapi.NewServer(serverConfig, deps)

	// Graceful shutdown.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server error", "error", err)
		}
	case <-sigCtx.Done():
		log.Info("received shutdown signal, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		cancel()
	}

	if natsClient != nil {
		natsClient.Close()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Warn("postgres close", "error", err)
		}
	}
	if err := rdb.Close(); err != nil {
		log.Warn("redis close", "error", err)
	}
	log.Info("shop session api stopped")
}
