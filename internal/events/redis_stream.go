package events

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"konveksi/backend/internal/domain"
)

const (
	DefaultStream    = "konveksi:stock-changed"
	streamMaxLenHint = 10000
)

// RedisStreamPublisher mirrors committed stockChanged events to a Redis
// stream so services outside this process can react to them.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisStreamPublisher(client *redis.Client, stream string) *RedisStreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamPublisher{client: client, stream: stream}
}

func (p *RedisStreamPublisher) HandleStockChanged(ctx context.Context, event domain.StockChangedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLenHint,
		Approx: true,
		Values: map[string]any{
			"event_id": event.ID,
			"reason":   event.Reason,
			"payload":  string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
