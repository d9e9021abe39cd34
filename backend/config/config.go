// Package config loads the yaml configuration of the block server and the
// block editor, with BLOCKCOLLAB_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "BLOCKCOLLAB"

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// Origin names this instance in change events; random when empty.
		Origin string `mapstructure:"origin"`
	} `mapstructure:"running"`
	Mysql struct {
		// An empty DSN selects the in-memory store.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		Cluster  bool     `mapstructure:"cluster"`
	} `mapstructure:"redis"`
	Kafka struct {
		// No brokers disables change events.
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Group   string   `mapstructure:"group"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret   string        `mapstructure:"secret"`
		Issuer   string        `mapstructure:"issuer"`
		TokenTTL time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	Lock struct {
		TTL         time.Duration `mapstructure:"ttl"`
		WriteSlots  int           `mapstructure:"write_slots"`
		AcquireWait time.Duration `mapstructure:"acquire_wait"`
	} `mapstructure:"lock"`
	HTTP struct {
		EnableCORS     bool     `mapstructure:"enable_cors"`
		Logging        bool     `mapstructure:"logging"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"http"`
	Editor struct {
		BaseURL        string        `mapstructure:"base_url"`
		Token          string        `mapstructure:"token"`
		User           string        `mapstructure:"user"`
		Username       string        `mapstructure:"username"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	} `mapstructure:"editor"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.origin", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.cluster", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "block-events")
	v.SetDefault("kafka.group", "blockcollab")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "blockcollab")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.write_slots", 100)
	v.SetDefault("lock.acquire_wait", "200ms")
	v.SetDefault("http.enable_cors", false)
	v.SetDefault("http.logging", true)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("editor.base_url", "http://127.0.0.1:8080")
	v.SetDefault("editor.token", "")
	v.SetDefault("editor.user", "")
	v.SetDefault("editor.username", "")
	v.SetDefault("editor.connect_timeout", "15s")
	v.SetDefault("editor.read_timeout", "30s")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads <name>.yaml from ./backend/config, ./config or the working
// directory, so binaries work from the repo root or the backend dir. A
// missing file leaves defaults and environment values in place.
func Load(name string) (*Config, error) {
	v := newViper()
	v.SetConfigName(name)
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", name, err)
		}
	}
	return decode(v)
}

// LoadFile reads one explicit file.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("running.port %d out of range", c.Running.Port)
	}
	if c.Lock.TTL <= 0 {
		return errors.New("lock.ttl must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required with brokers")
	}
	return nil
}

// KafkaEnabled reports whether change events are published and consumed.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }
