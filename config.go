package mailguard

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MAILGUARD_RELAY_ADDR.
const EnvPrefix = "MAILGUARD"

type SMTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	Port            int           `mapstructure:"port"`
	Domain          string        `mapstructure:"domain"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	MaxRecipients   int           `mapstructure:"max_recipients"`
}

type InferenceConfig struct {
	URL              string        `mapstructure:"url"`
	PreflightTimeout time.Duration `mapstructure:"preflight_timeout"`
	Endpoints        []Endpoint    `mapstructure:"endpoints"`
}

type RelayConfig struct {
	Addr    string        `mapstructure:"addr"`
	Helo    string        `mapstructure:"helo"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

type HooksConfig struct {
	File struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"file"`
	Slack struct {
		Token   string `mapstructure:"token"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"slack"`
	Redis struct {
		URL   string `mapstructure:"url"`
		Queue string `mapstructure:"queue"`
	} `mapstructure:"redis"`
	PluginPath string `mapstructure:"plugin_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Inference InferenceConfig `mapstructure:"inference"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Store     StoreConfig     `mapstructure:"store"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
	Log       LogConfig       `mapstructure:"log"`
}

// DefaultEndpoints is the classifier chain used when none is configured.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Model: "gemma3:4b", Priority: 0, Timeout: 30 * time.Second},
		{Model: "mistral:7b-instruct-q4_0", Priority: 1, Timeout: 30 * time.Second},
		{Model: "llama3.2:1b", Priority: 2, Timeout: 30 * time.Second},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("smtp.addr", "127.0.0.1")
	v.SetDefault("smtp.port", 10025)
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.read_timeout", "60s")
	v.SetDefault("smtp.write_timeout", "60s")
	v.SetDefault("smtp.max_message_bytes", defaultMaxMessageBytes)
	v.SetDefault("smtp.max_recipients", defaultMaxRecipients)

	v.SetDefault("inference.url", "http://localhost:11434")
	v.SetDefault("inference.preflight_timeout", defaultPreflightTimeout.String())

	v.SetDefault("relay.addr", "localhost:1025")
	v.SetDefault("relay.helo", "localhost")
	v.SetDefault("relay.timeout", defaultRelayTimeout.String())

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "blocked_emails.db")
	v.SetDefault("store.timeout", defaultStoreTimeout.String())

	v.SetDefault("admin.addr", "127.0.0.1:8000")

	v.SetDefault("hooks.file.path", "")
	v.SetDefault("hooks.slack.token", "")
	v.SetDefault("hooks.slack.channel", "")
	v.SetDefault("hooks.redis.url", "")
	v.SetDefault("hooks.redis.queue", "blocked")
	v.SetDefault("hooks.plugin_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads the YAML file at path, applies MAILGUARD_* environment
// overrides and validates the result. A missing file means defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if len(cfg.Inference.Endpoints) == 0 {
		cfg.Inference.Endpoints = DefaultEndpoints()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port must be between 1 and 65535, got %d", c.SMTP.Port)
	}
	if len(c.Inference.Endpoints) == 0 {
		return fmt.Errorf("inference.endpoints must not be empty")
	}
	for i, ep := range c.Inference.Endpoints {
		if ep.Model == "" {
			return fmt.Errorf("inference.endpoints[%d]: model is required", i)
		}
		if ep.Timeout <= 0 {
			return fmt.Errorf("inference.endpoints[%d] (%s): timeout must be positive", i, ep.Model)
		}
	}
	switch c.Store.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
	if c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required")
	}
	return nil
}
