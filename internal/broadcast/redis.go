package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"printwatch/internal/config"
	"printwatch/internal/model"
)

// RedisPublisher publishes every message on a pub/sub channel and keeps the
// latest state message per device under a key with a TTL, so other
// processes can read current printer state without subscribing.
type RedisPublisher struct {
	client *redis.Client
	cfg    config.RedisConfig
	queue  chan model.Message
	logger *slog.Logger
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisPublisher(client *redis.Client, cfg config.RedisConfig, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		cfg:    cfg,
		queue:  make(chan model.Message, 512),
		logger: logger,
	}
}

func (p *RedisPublisher) Broadcast(msg model.Message) {
	select {
	case p.queue <- msg:
	default:
		if p.logger != nil {
			p.logger.Warn("redis publish queue full", "type", msg.Type)
		}
	}
}

// Run publishes queued messages until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if err := p.Publish(ctx, msg); err != nil && p.logger != nil {
				p.logger.Warn("redis publish failed", "type", msg.Type, "err", err)
			}
		}
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, msg model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := p.client.Publish(ctx, p.cfg.Channel, b).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if msg.Type != model.MessageState {
		return nil
	}
	state, ok := msg.Data.(model.StatePayload)
	if !ok || state.DeviceID == "" {
		return nil
	}
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := p.client.Set(ctx, p.cfg.KeyPrefix+state.DeviceID, body, p.cfg.SnapshotTTL).Err(); err != nil {
		return fmt.Errorf("store state: %w", err)
	}
	return nil
}

// Latest reads the stored state for deviceID.
func (p *RedisPublisher) Latest(ctx context.Context, deviceID string) (model.StatePayload, error) {
	var out model.StatePayload
	raw, err := p.client.Get(ctx, p.cfg.KeyPrefix+deviceID).Bytes()
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode state: %w", err)
	}
	return out, nil
}
