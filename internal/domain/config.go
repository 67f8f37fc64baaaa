package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`
	Push       PushConfig       `json:"push" mapstructure:"push"`
	Recalc     RecalcConfig     `json:"recalc" mapstructure:"recalc"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
}

// PushConfig holds websocket push channel settings.
type PushConfig struct {
	// SendBufferSize is the per-connection outbound queue. A full queue drops the message.
	SendBufferSize int `json:"sendBufferSize" mapstructure:"send_buffer_size"`

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`

	// PingInterval is how often idle connections are pinged.
	PingInterval time.Duration `json:"pingInterval" mapstructure:"ping_interval"`

	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `json:"allowedOrigins" mapstructure:"allowed_origins"`
}

// RecalcConfig holds batch recalculation settings.
type RecalcConfig struct {
	// Workers is the number of clients scored concurrently. 1 keeps the pass sequential.
	Workers int `json:"workers" mapstructure:"workers"`

	// AsyncWorker starts recalculations from bus events instead of the API handler.
	AsyncWorker bool `json:"asyncWorker" mapstructure:"async_worker"`

	// Scopes the async worker listens on at startup. Other scopes are watched
	// once their weights are written through the API.
	Scopes []string `json:"scopes" mapstructure:"scopes"`

	// StatusTTL is how long the shared status record lives in the cache.
	StatusTTL time.Duration `json:"statusTtl" mapstructure:"status_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName  string `json:"serviceName" mapstructure:"service_name"`
	ExporterType string `json:"exporterType" mapstructure:"exporter_type"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" mapstructure:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			WeightsTTL:   5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Push: PushConfig{
			SendBufferSize: 16,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
		},
		Recalc: RecalcConfig{
			Workers:   1,
			StatusTTL: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
// Status and weights are shared through Redis and updates fan out over NATS,
// so several API nodes can serve the same portfolio.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
		WeightsTTL:     5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Recalc.Workers = 4
	cfg.Recalc.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
