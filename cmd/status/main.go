package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/example/shop-orders/internal/config"
	kafkax "github.com/example/shop-orders/internal/kafka"
	"github.com/example/shop-orders/internal/orders"
	"github.com/example/shop-orders/internal/redisx"
	"github.com/example/shop-orders/internal/statuscache"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &statuscache.Service{
		Redis:       rdb,
		Logger:      logger,
		ServiceName: cfg.ServiceName + "-status",
	}

	group := getenv("STATUS_GROUP", "status-cache")
	workers := mustAtoi(os.Getenv("STATUS_WORKERS"), "4")

	for _, topic := range []string{orders.TopicOrderPlaced, orders.TopicOrderUpdated} {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topic, workers, logger)
		go func(topic string) {
			logger.Info("status consumer started",
				zap.String("group", group),
				zap.String("topic", topic),
				zap.Int("workers", workers))
			if err := cons.Start(ctx, svc.HandleOrderEvent); err != nil {
				logger.Error("consumer exit", zap.String("topic", topic), zap.Error(err))
				cancel()
			}
		}(topic)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down consumers")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}
