package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync-api/domain"
)

// Bus carries committed event envelopes between processes over a Redis
// pub/sub channel. Every instance publishes here and every instance's
// subscribe loop feeds its local registry, so fan-out reaches rooms on all
// replicas. Delivery is live-only; nothing is replayed to late subscribers.
type Bus struct {
	rc       *redis.Client
	channel  string
	registry *Registry
	logger   *log.Logger
}

func NewBus(rc *redis.Client, channel string, registry *Registry, logger *log.Logger) *Bus {
	if rc == nil {
		panic("realtime.NewBus: redis client is nil")
	}
	if logger == nil {
		panic("realtime.NewBus: logger is not initialized")
	}
	return &Bus{rc: rc, channel: channel, registry: registry, logger: logger}
}

// Publish sends a committed envelope to the channel.
func (b *Bus) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, b.channel, data).Err()
}

// Run subscribes to the channel and delivers incoming envelopes to the local
// registry until the context is done, reconnecting when the pub/sub channel
// closes underneath it.
func (b *Bus) Run(ctx context.Context) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				var env domain.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Errorf("unable to parse envelope: %v", err)
					continue
				}
				b.registry.Broadcast(env)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
