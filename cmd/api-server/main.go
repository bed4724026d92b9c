package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointments/internal/api"
	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/lib/sl"
	"github.com/hackgods/clinic-appointments/internal/rabbitmq"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
	"github.com/hackgods/clinic-appointments/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", sl.Err(err))
		os.Exit(1)
	}

	log := sl.New(cfg.Env)
	log.Info("api-server starting up", slog.String("env", cfg.Env), slog.String("http_port", cfg.HTTPPort))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Error("postgres connection error", sl.Err(err))
		os.Exit(1)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	if cfg.MigrateOnStart {
		if err := db.Migrate(pgPool); err != nil {
			log.Error("migration error", sl.Err(err))
			os.Exit(1)
		}
		log.Info("migrations applied")
	}

	// Redis is optional; without it the sweep relies on row locks alone.
	var rdb *redis.Client
	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Warn("redis unavailable, sweep lock disabled", sl.Err(err))
			rdb = nil
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					log.Warn("error closing redis", sl.Err(err))
				}
			}()
			locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
			log.Info("connected to Redis")
		}
	}

	repo := appointment.NewPgRepository(pgPool)
	opts := []appointment.Option{}

	if cfg.RabbitMQURL != "" {
		conn, err := rabbitmq.Connect(cfg.RabbitMQURL, 5, 2*time.Second)
		if err != nil {
			log.Warn("rabbitmq unavailable, notification dispatch disabled", sl.Err(err))
		} else {
			defer conn.Close()
			ch, err := rabbitmq.SetupChannel(conn, rabbitmq.NotificationQueues())
			if err != nil {
				log.Error("rabbitmq setup error", sl.Err(err))
				os.Exit(1)
			}
			defer ch.Close()
			opts = append(opts, appointment.WithPublisher(rabbitmq.NewPublisher(ch)))
			log.Info("connected to RabbitMQ")
		}
	}

	svc := appointment.NewService(repo, log, opts...)

	trigger := worker.New(svc, locker, worker.Config{
		Interval:   cfg.WorkerInterval,
		Timeout:    cfg.SweepTimeout,
		Attempts:   cfg.SweepAttempts,
		RetryDelay: cfg.SweepRetryDelay,
	}, log)
	trigger.Start(rootCtx)

	authSvc := auth.NewService(repo, auth.NewTokenMaker(cfg.JWTSecret, cfg.TokenTTL), log)

	limiter := api.NewRateLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst)
	go limiter.Cleanup(rootCtx)

	router := api.NewRouter(api.RouterConfig{
		Appointments: svc,
		Auth:         authSvc,
		Sweeps:       trigger,
		Health:       api.NewHealthHandler(pgPool, rdb, cfg.Env, version),
		Limiter:      limiter,
		Logger:       log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.SweepTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.Error("http server error", sl.Err(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", sl.Err(err))
	}
	trigger.Stop()

	log.Info("api-server stopped")
}
