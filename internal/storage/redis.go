package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"agent-chat/internal/model"
	"agent-chat/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster 通过 redis pub/sub 在多个进程间分发插入事件，
// 每个会话一个频道：<prefix><session_id>
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
}

func NewRedisBroadcaster(addr, password string, db int, prefix string) *RedisBroadcaster {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBroadcaster{client: client, prefix: prefix}
}

func (r *RedisBroadcaster) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *RedisBroadcaster) Channel(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisBroadcaster) Publish(ctx context.Context, msg model.Message) error {
	data, err := encodeBroadcast(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.Channel(msg.SessionID), data).Err()
}

func (r *RedisBroadcaster) Listen(ctx context.Context, deliver func(model.Message)) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe redis: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decodeBroadcast(m.Payload)
			if err != nil {
				logger.Warnf("Dropping malformed realtime payload on %s: %v", m.Channel, err)
				continue
			}
			deliver(msg)
		}
	}
}

func (r *RedisBroadcaster) Close() error {
	return r.client.Close()
}

func encodeBroadcast(msg model.Message) (string, error) {
	data, err := json.Marshal(model.RowFromMessage(msg))
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}

func decodeBroadcast(payload string) (model.Message, error) {
	return model.DecodeRow([]byte(payload))
}
