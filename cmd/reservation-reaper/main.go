// cmd/reservation-reaper/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nexus-inventory/internal/pkg/bootstrap"
	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/pkg/mq"
	"nexus-inventory/internal/pkg/redis"
	"nexus-inventory/internal/pkg/tracing"
	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/infrastructure"
	"nexus-inventory/internal/service/inventory/infrastructure/adapter"
)

const serviceName = "reservation-reaper"

// 独立部署的过期预占清理进程, 与 inventory-service 共享同一个存储。
// 多副本时通过 Redis 或 ZooKeeper 租约保证同一时刻只有一个实例在清理。
// REAPER_RUN_ONCE=true 时只执行一轮后退出, 适合 CronJob。
func main() {
	logger.Init(serviceName, os.Getenv("LOG_LEVEL"))
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Reservation reaper exited with error")
	}
}

func run() error {

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)

	tp, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return errors.Wrap(err, "init tracer provider")
	}
	defer tp.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := infrastructure.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(context.Background())

	var opts []application.Option
	var redisClient *redis.Client
	if addrs := cfg.Infra.Redis.Addrs; addrs != "" {
		redisClient, err = redis.NewClient(addrs)
		if err != nil {
			return errors.Wrap(err, "init redis client")
		}
		defer redisClient.Close()
		// 释放后需要让服务端缓存失效
		opts = append(opts, application.WithCache(adapter.NewAvailabilityRedisCache(redisClient, cfg.Reservation.CacheTTL)))
	}
	lease, closeLease, err := infrastructure.OpenCleanupLease(ctx, cfg, redisClient)
	if err != nil {
		return errors.Wrap(err, "init cleanup lease")
	}
	defer closeLease(context.Background())

	if brokers := cfg.Infra.Kafka.BrokerList(); len(brokers) > 0 {
		writer := mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.StockEventTopic)
		defer writer.Close()
		opts = append(opts, application.WithPublisher(adapter.NewStockEventKafkaPublisher(writer)))
	}

	engine := application.NewStockReservationEngine(store, application.EngineConfig{
		ReservationTimeout: cfg.Reservation.Timeout,
		Retry: application.RetryPolicy{
			MaxAttempts: cfg.Reservation.MaxAttempts,
			Backoff:     application.LinearBackoff(cfg.Reservation.BackoffStep),
		},
	}, opts...)
	reaper := application.NewExpiredReservationReaper(engine, cfg.Reservation.CleanupBatchSize)
	scheduler := application.NewReservationExpiryScheduler(reaper, cfg.Reservation.CleanupInterval, lease)

	if os.Getenv("REAPER_RUN_ONCE") == "true" {
		released, started, err := scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("released", released).Bool("started", started).Msg("Expired reservation cleanup finished")
		return nil
	}

	scheduler.Start(ctx)
	log.Info().Msg("Reservation reaper gracefully shut down.")
	return nil
}
