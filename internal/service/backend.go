package service

import (
	"context"
	"time"

	"agent-chat/internal/config"
	"agent-chat/internal/storage"
	"agent-chat/internal/utils"
	"agent-chat/pkg/logger"
)

// NewBackend 按配置创建并初始化后端
func NewBackend(cfg *config.Config) (storage.Backend, error) {
	var backend storage.Backend

	switch cfg.Backend.Type {
	case "supabase":
		sb := cfg.Backend.Supabase
		backend = storage.NewSupabaseStorage(storage.SupabaseOptions{
			URL:               sb.URL,
			AnonKey:           sb.AnonKey,
			Schema:            sb.Schema,
			Table:             sb.Table,
			HeartbeatInterval: sb.HeartbeatInterval,
			ReconnectDelay:    sb.ReconnectDelay,
			HTTPClient:        utils.NewHTTPClient(sb.Timeout),
		})
	case "sqlite":
		var broadcaster storage.Broadcaster
		if rt := cfg.Realtime; rt.RedisAddr != "" {
			redis := storage.NewRedisBroadcaster(rt.RedisAddr, rt.RedisPassword, rt.RedisDB, rt.ChannelPrefix)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := redis.Ping(ctx)
			cancel()
			if err != nil {
				logger.Warnf("Redis unavailable, realtime stays in-process: %v", err)
				redis.Close()
			} else {
				broadcaster = redis
			}
		}
		backend = storage.NewSQLiteStorage(cfg.Backend.SQLite.Path, broadcaster)
	default:
		backend = storage.NewMemoryStorage()
	}

	if err := backend.Init(); err != nil {
		return nil, err
	}
	logger.Infof("Backend %s ready", cfg.Backend.Type)
	return backend, nil
}

// NewResponderFromConfig 配置了 API key 时使用 OpenAI 兼容模型，否则回显
func NewResponderFromConfig(backend storage.Backend, cfg config.ResponderConfig) *Responder {
	var completer Completer = EchoCompleter{}
	if cfg.APIKey != "" {
		completer = NewOpenAICompleter(cfg.APIKey, cfg.BaseURL, cfg.Model)
	} else {
		logger.Warnf("responder.api_key not set, the built-in agent will echo messages")
	}
	return NewResponder(backend, completer, cfg)
}
