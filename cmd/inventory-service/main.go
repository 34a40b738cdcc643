// cmd/inventory-service/main.go
package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"nexus-inventory/internal/pkg/bootstrap"
	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/pkg/mq"
	"nexus-inventory/internal/pkg/redis"
	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/infrastructure"
	"nexus-inventory/internal/service/inventory/infrastructure/adapter"
	"nexus-inventory/internal/service/inventory/interfaces"
)

// main 是库存服务的组装根: 创建所有依赖并交给 bootstrap 管理生命周期
func main() {
	logger.Init("inventory-service", os.Getenv("LOG_LEVEL"))

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.App.ServiceName, cfg.App.LogLevel)

	var shutdown []func(ctx context.Context) error

	// 1. 存储
	store, closeStore, err := infrastructure.OpenStore(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open reservation store")
	}

	// 2. 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := application.NewMetrics(registry)

	opts := []application.Option{application.WithMetrics(metrics)}

	// 3. Redis 可用量缓存 (可选) 与跨副本清理租约 (Redis 或 ZooKeeper)
	var redisClient *redis.Client
	if addrs := cfg.Infra.Redis.Addrs; addrs != "" {
		redisClient, err = redis.NewClient(addrs)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize redis client")
		}
		shutdown = append(shutdown, func(context.Context) error { return redisClient.Close() })
		opts = append(opts, application.WithCache(adapter.NewAvailabilityRedisCache(redisClient, cfg.Reservation.CacheTTL)))
	}
	lease, closeLease, err := infrastructure.OpenCleanupLease(context.Background(), cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cleanup lease")
	}
	shutdown = append(shutdown, closeLease)

	// 4. Kafka: 事件发布 (可选)
	brokers := cfg.Infra.Kafka.BrokerList()
	var stockWriter *kafka.Writer
	if len(brokers) > 0 {
		stockWriter = mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.StockEventTopic)
		opts = append(opts, application.WithPublisher(adapter.NewStockEventKafkaPublisher(stockWriter)))
	}

	retry := application.RetryPolicy{
		MaxAttempts: cfg.Reservation.MaxAttempts,
		Backoff:     application.LinearBackoff(cfg.Reservation.BackoffStep),
	}
	engine := application.NewStockReservationEngine(store, application.EngineConfig{
		ReservationTimeout: cfg.Reservation.Timeout,
		Retry:              retry,
	}, opts...)

	reaper := application.NewExpiredReservationReaper(engine, cfg.Reservation.CleanupBatchSize)
	scheduler := application.NewReservationExpiryScheduler(reaper, cfg.Reservation.CleanupInterval, lease)

	workers := []func(ctx context.Context) error{
		func(ctx context.Context) error {
			scheduler.Start(ctx)
			return nil
		},
	}

	// 5. Kafka: 订单生命周期事件消费 (可选)
	if len(brokers) > 0 && cfg.Infra.Kafka.OrderEventTopic != "" {
		// dlt 保持 nil 接口, 未配置死信主题时失败消息只记录日志
		var dlt interfaces.MessageWriter
		if topic := cfg.Infra.Kafka.OrderEventDLT; topic != "" {
			dltWriter := mq.NewKafkaWriter(brokers, topic)
			dlt = dltWriter
			shutdown = append(shutdown, func(context.Context) error { return dltWriter.Close() })

			dltConsumer := interfaces.NewDltConsumerAdapter(
				mq.NewKafkaReader(brokers, topic, cfg.Infra.Kafka.ConsumerGroupID+"-dlt"))
			workers = append(workers, func(ctx context.Context) error {
				dltConsumer.Start(ctx)
				<-ctx.Done()
				dltConsumer.Stop(context.WithoutCancel(ctx))
				return nil
			})
		}
		orderReader := mq.NewKafkaReader(brokers, cfg.Infra.Kafka.OrderEventTopic, cfg.Infra.Kafka.ConsumerGroupID)
		consumer := interfaces.NewOrderEventConsumer(orderReader, dlt, engine, retry)
		workers = append(workers, func(ctx context.Context) error {
			consumer.Start(ctx)
			<-ctx.Done()
			consumer.Stop(context.WithoutCancel(ctx))
			return nil
		})
	}
	if stockWriter != nil {
		shutdown = append(shutdown, func(context.Context) error { return stockWriter.Close() })
	}
	// 存储最后关闭
	shutdown = append(shutdown, closeStore)

	handler := interfaces.NewInventoryHandler(engine, scheduler, registry)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.App.ServiceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Workers:    workers,
		OnShutdown: shutdown,
	})
}
