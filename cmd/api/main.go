package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/shop-orders/internal/config"
	"github.com/example/shop-orders/internal/httpx"
	kafkax "github.com/example/shop-orders/internal/kafka"
	"github.com/example/shop-orders/internal/orders"
	"github.com/example/shop-orders/internal/postgres"
	"github.com/example/shop-orders/internal/redisx"
	"github.com/example/shop-orders/migrations"
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

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per topic
	placed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPlaced, 1024, logger)
	placed.Start(ctx)
	updated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderUpdated, 1024, logger)
	updated.Start(ctx)

	// Service & handler
	svc := orders.NewService(orders.NewRepo(db))
	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Service:       svc,
		PlacedEvents:  placed,
		UpdatedEvents: updated,
		Redis:         rdb,
		Logger:        logger,
		ServiceName:   cfg.ServiceName,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	placed.Close() // close inboxes -> flush & close writers
	updated.Close()
	cancel()
	placed.WaitClosed()
	updated.WaitClosed()
}
