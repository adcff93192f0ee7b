package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "GORELAY"

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	setDefaults(v)

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.trustProxy", false)
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", LimitModeReject)
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "25s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("relay.strictMembership", true)
	v.SetDefault("relay.echoToSender", true)
	v.SetDefault("relay.rateLimit", "")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.minConns", 1)
	v.SetDefault("store.maxConns", 4)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.table", "messages")
	v.SetDefault("history.buffer", 1024)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "relay.rooms")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Server.ConnectionLimit.Mode {
	case LimitModeReject, LimitModeCycle:
	default:
		return fmt.Errorf("connectionLimit.mode must be '%s' or '%s', got '%s'", LimitModeReject, LimitModeCycle, c.Server.ConnectionLimit.Mode)
	}
	if c.Transport.PingInterval < 0 {
		return errors.New("transport.pingInterval must not be negative")
	}
	if c.Transport.SendBuffer <= 0 {
		return errors.New("transport.sendBuffer must be positive")
	}
	if _, err := ParseRateLimit(c.Relay.RateLimit); err != nil {
		return fmt.Errorf("relay.rateLimit: %w", err)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver '%s'", c.Store.Driver)
	}
	if c.History.Enabled && c.History.Buffer <= 0 {
		return errors.New("history.buffer must be positive")
	}
	return nil
}
