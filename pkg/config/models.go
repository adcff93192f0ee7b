package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Relay     RelayConfig
	Store     StoreConfig
	History   HistoryConfig
	NATS      NATSConfig `mapstructure:"nats"`
	Metrics   MetricsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
	TrustProxy      bool                  `mapstructure:"trustProxy"` // client IP from X-Forwarded-For
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	// an empty secret disables token checks and connections stay anonymous.
	JWTSecret string `mapstructure:"jwtSecret"`
}

// Connection limit modes.
const (
	LimitModeReject = "reject"
	LimitModeCycle  = "cycle"
)

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"` // 0 disables heartbeats
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type RelayConfig struct {
	StrictMembership bool   `mapstructure:"strictMembership"`
	EchoToSender     bool   `mapstructure:"echoToSender"`
	RateLimit        string `mapstructure:"rateLimit"` // e.g. "10/s", empty disables
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver"` // "memory" or "postgres"
	DSN      string `mapstructure:"dsn"`
	MinConns int    `mapstructure:"minConns"`
	MaxConns int    `mapstructure:"maxConns"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Table   string `mapstructure:"table"`
	Buffer  int    `mapstructure:"buffer"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
