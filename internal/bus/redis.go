package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/papervest/trading-engine/internal/model"
)

// Channel is the Redis pub/sub channel carrying normalized price events.
const Channel = "quotes"

// RedisBus is the cross-process Bus: the ingest process publishes here and
// each gateway process subscribes. Redis pub/sub already gives at-most-once
// delivery with no persistence, which is exactly the contract.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, q model.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan model.Quote, func(), error) {
	ps := b.rdb.Subscribe(ctx, Channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, err
	}

	out := make(chan model.Quote, 256)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var q model.Quote
			if err := json.Unmarshal([]byte(msg.Payload), &q); err != nil {
				slog.Warn("bus: dropping malformed quote payload", "err", err)
				continue
			}
			select {
			case out <- q:
			default:
			}
		}
	}()

	cancel := func() { ps.Close() }
	return out, cancel, nil
}
