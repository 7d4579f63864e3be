// Package config loads relay and client settings from defaults, an optional
// YAML file, GETAWAY_* environment variables and command-line flags, in
// increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Client    ClientConfig    `mapstructure:"client"`
	Presence  PresenceConfig  `mapstructure:"presence"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend          string        `mapstructure:"backend"`
	Path             string        `mapstructure:"path"`
	FirestoreProject string        `mapstructure:"firestore_project"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AssistantConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// RatePerMinute caps requests to the endpoint; 0 disables the limit.
	RatePerMinute int `mapstructure:"rate_per_minute"`
	Burst         int `mapstructure:"burst"`
}

type ClientConfig struct {
	RelayURL     string        `mapstructure:"relay_url"`
	AssistantURL string        `mapstructure:"assistant_url"`
	Password     string        `mapstructure:"password"`
	Name         string        `mapstructure:"name"`
	Color        string        `mapstructure:"color"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type PresenceConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":          "server.addr",
	"store":         "store.backend",
	"store-path":    "store.path",
	"redis":         "redis.address",
	"relay":         "client.relay_url",
	"assistant-url": "client.assistant_url",
	"password":      "client.password",
	"name":          "client.name",
	"color":         "client.color",
}

// Load reads the configuration. configFile may be empty. Flags in flags
// whose names appear in flagKeys override every other source when set.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GETAWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if flags != nil && flags.Changed("redis") {
		cfg.Redis.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case BackendFirestore:
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store.firestore_project is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Presence.Heartbeat >= c.Presence.Timeout {
		return fmt.Errorf("presence.heartbeat (%s) must be shorter than presence.timeout (%s)",
			c.Presence.Heartbeat, c.Presence.Timeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":1234")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.path", "data/rooms.db")
	v.SetDefault("store.firestore_project", "")
	v.SetDefault("store.flush_interval", 2*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("assistant.base_url", "https://api.openai.com/v1")
	v.SetDefault("assistant.api_key", "")
	v.SetDefault("assistant.model", "gpt-4o-mini")
	v.SetDefault("assistant.max_tokens", 500)
	v.SetDefault("assistant.temperature", 0.7)
	v.SetDefault("assistant.timeout", 30*time.Second)
	v.SetDefault("assistant.rate_per_minute", 30)
	v.SetDefault("assistant.burst", 5)

	v.SetDefault("client.relay_url", "ws://localhost:1234/ws")
	v.SetDefault("client.assistant_url", "http://localhost:1234/api/ai-assistant")
	v.SetDefault("client.password", "")
	v.SetDefault("client.name", "")
	v.SetDefault("client.color", "")
	v.SetDefault("client.timeout", 30*time.Second)

	v.SetDefault("presence.timeout", 30*time.Second)
	v.SetDefault("presence.heartbeat", 15*time.Second)
}
