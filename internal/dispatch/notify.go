package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// HintChannel is the Redis pub/sub channel shared by all instances.
const HintChannel = "dispatch:hints"

// RedisNotifier fans hints out to every instance through Redis pub/sub.
// Each instance forwards received hints to its local hub, so a courier
// connected to instance A hears about an order made ready on instance B.
type RedisNotifier struct {
	rdb    *redis.Client
	local  Notifier
	outbox chan Hint
	logger *slog.Logger
}

// NewRedisNotifier creates a notifier delivering to local.
func NewRedisNotifier(rdb *redis.Client, local Notifier, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{rdb: rdb, local: local, outbox: make(chan Hint, 256), logger: logger}
}

// Publish queues the hint for Run to send. Hints are dropped when the
// outbox is full.
func (n *RedisNotifier) Publish(_ context.Context, h Hint) {
	select {
	case n.outbox <- h:
	default:
		n.logger.Warn("hint dropped, outbox full", "order_id", h.OrderID)
	}
}

// Run subscribes to the hint channel and drains the outbox until ctx is
// cancelled. A hint Redis refuses is still delivered locally.
func (n *RedisNotifier) Run(ctx context.Context) {
	sub := n.rdb.Subscribe(ctx, HintChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case h := <-n.outbox:
			data, err := json.Marshal(h)
			if err != nil {
				continue
			}
			if err := n.rdb.Publish(ctx, HintChannel, data).Err(); err != nil {
				n.logger.Warn("hint publish failed, delivering locally", "order_id", h.OrderID, "error", err)
				n.local.Publish(ctx, h)
			}

		case msg, ok := <-ch:
			if !ok {
				return
			}
			var h Hint
			if err := json.Unmarshal([]byte(msg.Payload), &h); err != nil {
				n.logger.Warn("malformed hint", "error", err)
				continue
			}
			n.local.Publish(ctx, h)
		}
	}
}
