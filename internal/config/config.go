package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Responder ResponderConfig `mapstructure:"responder"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// BackendConfig 托管后端（认证 + 消息表 + 实时推送）
type BackendConfig struct {
	Type     string         `mapstructure:"type"` // memory | sqlite | supabase
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Supabase SupabaseConfig `mapstructure:"supabase"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type SupabaseConfig struct {
	URL               string        `mapstructure:"url"`
	AnonKey           string        `mapstructure:"anon_key"`
	Schema            string        `mapstructure:"schema"`
	Table             string        `mapstructure:"table"`
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// RealtimeConfig sqlite 后端的跨进程推送，RedisAddr 为空时只在进程内推送
type RealtimeConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type AgentConfig struct {
	URL     string        `mapstructure:"url"`
	UserID  string        `mapstructure:"user_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ResponderConfig 内置参考 agent，回复通过后端写回消息表
type ResponderConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	Model              string        `mapstructure:"model"`
	SystemPrompt       string        `mapstructure:"system_prompt"`
	MaxHistoryMessages int           `mapstructure:"max_history_messages"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("backend.type", "memory")
	v.SetDefault("backend.sqlite.path", "./data/chat.db")
	v.SetDefault("backend.supabase.url", "")
	v.SetDefault("backend.supabase.anon_key", "")
	v.SetDefault("backend.supabase.schema", "public")
	v.SetDefault("backend.supabase.table", "messages")
	v.SetDefault("backend.supabase.timeout", 15*time.Second)
	v.SetDefault("backend.supabase.heartbeat_interval", 30*time.Second)
	v.SetDefault("backend.supabase.reconnect_delay", time.Second)

	v.SetDefault("realtime.redis_addr", "")
	v.SetDefault("realtime.redis_password", "")
	v.SetDefault("realtime.redis_db", 0)
	v.SetDefault("realtime.channel_prefix", "agent-chat:messages:")

	v.SetDefault("agent.url", "http://localhost:8080/api/agent")
	v.SetDefault("agent.user_id", "NA")
	v.SetDefault("agent.timeout", 60*time.Second)

	v.SetDefault("responder.enabled", true)
	v.SetDefault("responder.api_key", "")
	v.SetDefault("responder.base_url", "")
	v.SetDefault("responder.model", "gpt-4o-mini")
	v.SetDefault("responder.system_prompt", "You are a helpful assistant. Answer in Markdown.")
	v.SetDefault("responder.max_history_messages", 20)
	v.SetDefault("responder.timeout", 60*time.Second)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Accept"})
	v.SetDefault("cors.exposed_headers", []string{})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 读取配置文件；configPath 为空时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}

	// 配置文件优先，如果配置文件中没有设置，则使用环境变量
	if c.Backend.Supabase.AnonKey == "" {
		if key := os.Getenv("SUPABASE_ANON_KEY"); key != "" {
			c.Backend.Supabase.AnonKey = key
		}
	}
	if c.Backend.Supabase.URL == "" {
		if url := os.Getenv("SUPABASE_URL"); url != "" {
			c.Backend.Supabase.URL = url
		}
	}
	if c.Responder.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.Responder.APIKey = key
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory", "sqlite":
	case "supabase":
		if c.Backend.Supabase.URL == "" || c.Backend.Supabase.AnonKey == "" {
			return fmt.Errorf("backend.supabase.url and backend.supabase.anon_key are required")
		}
	default:
		return fmt.Errorf("unsupported backend type: %s", c.Backend.Type)
	}
	if c.Agent.URL == "" {
		return fmt.Errorf("agent.url is required")
	}
	return nil
}
