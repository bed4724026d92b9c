package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/lib/sl"
	"github.com/hackgods/clinic-appointments/internal/rabbitmq"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
	"github.com/hackgods/clinic-appointments/internal/worker"
)

// expiry-worker runs the periodic sweep without the HTTP surface, so
// several replicas can share one database.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", sl.Err(err))
		os.Exit(1)
	}

	log := sl.New(cfg.Env).With(slog.String("component", "expiry-worker"))
	log.Info("expiry-worker starting up", slog.String("env", cfg.Env), slog.Duration("interval", cfg.WorkerInterval))

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

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Warn("redis unavailable, sweep lock disabled", sl.Err(err))
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

	var opts []appointment.Option
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
		}
	}

	svc := appointment.NewService(appointment.NewPgRepository(pgPool), log, opts...)

	trigger := worker.New(svc, locker, worker.Config{
		Interval:   cfg.WorkerInterval,
		Timeout:    cfg.SweepTimeout,
		Attempts:   cfg.SweepAttempts,
		RetryDelay: cfg.SweepRetryDelay,
	}, log)
	trigger.Start(rootCtx)

	<-rootCtx.Done()
	log.Info("shutdown signal received, stopping expiry worker")
	trigger.Stop()
}
