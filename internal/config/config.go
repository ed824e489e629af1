package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "USERPROXY"

// Config holds the launcher configuration.
type Config struct {
	Mode string // "dev" or "prod"
	Host string
	Port int

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	LogLevel          string
}

// Load reads configuration from flags, USERPROXY_* environment variables
// and a .env file if present, in that order of precedence.
func Load(args []string) (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "dev")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("heartbeat-interval", 20*time.Second)
	v.SetDefault("write-timeout", time.Duration(0))
	v.SetDefault("read-limit", int64(1<<20))
	v.SetDefault("log-level", "")

	fs := pflag.NewFlagSet("userproxy", pflag.ContinueOnError)
	fs.String("mode", "dev", "run mode: dev or prod")
	fs.String("host", "0.0.0.0", "listen host")
	fs.Int("port", 8000, "listen port")
	fs.Duration("heartbeat-interval", 20*time.Second, "interval between heartbeat pings")
	fs.Duration("write-timeout", 0, "per-frame send timeout, 0 disables")
	fs.Int64("read-limit", 1<<20, "max inbound frame size in bytes")
	fs.String("log-level", "", "log level (default debug in dev, info in prod)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	cfg := &Config{
		Mode:              v.GetString("mode"),
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		WriteTimeout:      v.GetDuration("write-timeout"),
		ReadLimit:         v.GetInt64("read-limit"),
		LogLevel:          v.GetString("log-level"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Mode != "dev" && c.Mode != "prod" {
		return fmt.Errorf("invalid mode %q: want dev or prod", c.Mode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must not be negative, got %s", c.WriteTimeout)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// IsDevelopment returns true if running in dev mode.
func (c *Config) IsDevelopment() bool {
	return c.Mode == "dev"
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level resolves the log level, defaulting by mode.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		if c.IsDevelopment() {
			return zerolog.DebugLevel, nil
		}
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
