package statuscache

import (
	"context"
	"encoding/json"
	"fmt"

	kafkax "github.com/example/shop-orders/internal/kafka"
	"github.com/example/shop-orders/internal/orders"
	"github.com/example/shop-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Service keeps the Redis order-status cache in step with the order topics,
// so status reads stay off Postgres even when the write came from another
// instance.
type Service struct {
	Redis       *redis.Client
	Logger      *zap.Logger
	ServiceName string
}

// HandleOrderEvent is installed as the consumer handler for both order
// topics.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}

	// dedup by event_id; redelivery is expected with manual commits
	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
		return nil
	}
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

	switch env.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.setStatus(ctx, p.OrderID, p.Status, orders.PaymentUnpaid)
	case orders.EventOrderUpdated:
		p, err := kafkax.UnwrapPayload[orders.OrderUpdatedPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.setStatus(ctx, p.OrderID, p.Status, p.PaymentStatus)
	default:
		return nil // ignore
	}
}

func (s *Service) setStatus(ctx context.Context, orderID string, status orders.Status, payment orders.PaymentStatus) error {
	body, err := json.Marshal(map[string]string{
		"status":         string(status),
		"payment_status": string(payment),
	})
	if err != nil {
		return err
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if err := s.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err(); err != nil {
		s.Logger.Warn("status cache set failed",
			zap.String("order_id", orderID),
			zap.Error(err))
		return err
	}
	return nil
}
