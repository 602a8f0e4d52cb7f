package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type CoordinatorConfig struct {
	// ProcessorURL is the external processor's submit endpoint. Empty means
	// the built-in loopback processor (dev/demo mode).
	ProcessorURL string `mapstructure:"processor_url" validate:"omitempty,url"`

	// CallbackURL is sent inside each dispatch payload so the processor
	// knows where to POST its completion callback.
	CallbackURL string `mapstructure:"callback_url" validate:"omitempty,url"`

	DefaultScope   string        `mapstructure:"default_scope" validate:"required"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"required"`
	DebounceWindow time.Duration `mapstructure:"debounce_window" validate:"required"`
	ListLimit      int           `mapstructure:"list_limit" validate:"required,gt=0"`
	TerminalPolicy string        `mapstructure:"terminal_policy" validate:"required,oneof=last-write-wins strict"`
	LoopbackDelay  time.Duration `mapstructure:"loopback_delay" validate:"required"`
}

// Load reads configuration from TASKBRIDGE_-prefixed environment variables
// on top of defaults, then validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("coordinator.processor_url", "")
	v.SetDefault("coordinator.callback_url", "")
	v.SetDefault("coordinator.default_scope", "default")
	v.SetDefault("coordinator.poll_interval", 30*time.Second)
	v.SetDefault("coordinator.debounce_window", time.Second)
	v.SetDefault("coordinator.list_limit", 50)
	v.SetDefault("coordinator.terminal_policy", "last-write-wins")
	v.SetDefault("coordinator.loopback_delay", 2*time.Second)

	v.SetEnvPrefix("TASKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
