package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Notification sink kinds.
const (
	SinkNone     = "none"
	SinkMemory   = "memory"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkNATS     = "nats"
)

// Log formats.
const (
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// Config contains all runtime configuration.
//
// Values are layered: built-in defaults, then the YAML file named by
// RELAY_CONFIG_FILE (if any), then RELAY_* environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogColor  bool   `yaml:"log_color"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`
	DBSchema    string `yaml:"db_schema"`
	// DBEnsureSchema creates the notification table on startup.
	DBEnsureSchema bool `yaml:"db_ensure_schema"`
	// DirectoryEnabled resolves display names from <schema>.users when a
	// database is configured.
	DirectoryEnabled bool `yaml:"directory_enabled"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	// APIToken, when set, is required as a bearer token on /v1 endpoints.
	APIToken string `yaml:"api_token"`

	WSOriginRequired    bool          `yaml:"ws_origin_required"`
	WSAllowedOrigins    []string      `yaml:"ws_allowed_origins"`
	WSDevInsecure       bool          `yaml:"ws_dev_insecure"`
	WSSendQueueSize     int           `yaml:"ws_send_queue_size"`
	WSWriteTimeout      time.Duration `yaml:"ws_write_timeout"`
	WSReadIdleTimeout   time.Duration `yaml:"ws_read_idle_timeout"`
	WSHeartbeatInterval time.Duration `yaml:"ws_heartbeat_interval"`
	WSHeartbeatTimeout  time.Duration `yaml:"ws_heartbeat_timeout"`
	WSRateEvents        int           `yaml:"ws_rate_events"`
	WSRateWindow        time.Duration `yaml:"ws_rate_window"`

	MaxMessagesPerConversation int `yaml:"max_messages_per_conversation"`

	NotifySink        string        `yaml:"notify_sink"`
	SQLitePath        string        `yaml:"sqlite_path"`
	NATSURL           string        `yaml:"nats_url"`
	NATSStream        string        `yaml:"nats_stream"`
	NATSSubjectPrefix string        `yaml:"nats_subject_prefix"`
	NATSMaxAge        time.Duration `yaml:"nats_max_age"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: LogFormatJSON,

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns:       10,
		DBSchema:         "relay",
		DirectoryEnabled: true,

		CORSMaxAgeSeconds: 600,

		NotifySink:        SinkMemory,
		SQLitePath:        "relay-notifications.db",
		NATSStream:        "RELAY_NOTIFICATIONS",
		NATSSubjectPrefix: "relay.notifications",
		NATSMaxAge:        7 * 24 * time.Hour,
	}
}

// LoadConfig layers defaults, the optional YAML file and the environment,
// then validates the result.
func LoadConfig() (Config, error) {
	return LoadConfigFile(EnvString("RELAY_CONFIG_FILE", ""))
}

// LoadConfigFile is LoadConfig with an explicit file path. An empty path
// skips the file layer.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("RELAY_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("RELAY_LOG_FORMAT", cfg.LogFormat)
	cfg.LogColor = EnvBool("RELAY_LOG_COLOR", cfg.LogColor)

	cfg.ReadHeaderTimeout = EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("RELAY_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("RELAY_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("RELAY_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("RELAY_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("RELAY_DB_SCHEMA", cfg.DBSchema)
	cfg.DBEnsureSchema = EnvBool("RELAY_DB_ENSURE_SCHEMA", cfg.DBEnsureSchema)
	cfg.DirectoryEnabled = EnvBool("RELAY_DIRECTORY_ENABLED", cfg.DirectoryEnabled)

	cfg.ReadinessRequireDB = EnvBool("RELAY_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.CORSAllowedOrigins = EnvList("RELAY_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("RELAY_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("RELAY_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.APIToken = EnvString("RELAY_API_TOKEN", cfg.APIToken)

	cfg.WSOriginRequired = EnvBool("RELAY_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSAllowedOrigins = EnvList("RELAY_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSDevInsecure = EnvBool("RELAY_WS_DEV_INSECURE", cfg.WSDevInsecure)
	cfg.WSSendQueueSize = EnvInt("RELAY_WS_SEND_QUEUE_SIZE", cfg.WSSendQueueSize)
	cfg.WSWriteTimeout = EnvDuration("RELAY_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadIdleTimeout = EnvDuration("RELAY_WS_READ_IDLE_TIMEOUT", cfg.WSReadIdleTimeout)
	cfg.WSHeartbeatInterval = EnvDuration("RELAY_WS_HEARTBEAT_INTERVAL", cfg.WSHeartbeatInterval)
	cfg.WSHeartbeatTimeout = EnvDuration("RELAY_WS_HEARTBEAT_TIMEOUT", cfg.WSHeartbeatTimeout)
	cfg.WSRateEvents = EnvInt("RELAY_WS_RATE_EVENTS", cfg.WSRateEvents)
	cfg.WSRateWindow = EnvDuration("RELAY_WS_RATE_WINDOW", cfg.WSRateWindow)

	cfg.MaxMessagesPerConversation = EnvInt("RELAY_MAX_MESSAGES_PER_CONVERSATION", cfg.MaxMessagesPerConversation)

	cfg.NotifySink = EnvString("RELAY_NOTIFY_SINK", cfg.NotifySink)
	cfg.SQLitePath = EnvString("RELAY_SQLITE_PATH", cfg.SQLitePath)
	cfg.NATSURL = EnvString("RELAY_NATS_URL", cfg.NATSURL)
	cfg.NATSStream = EnvString("RELAY_NATS_STREAM", cfg.NATSStream)
	cfg.NATSSubjectPrefix = EnvString("RELAY_NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.NATSMaxAge = EnvDuration("RELAY_NATS_MAX_AGE", cfg.NATSMaxAge)
}

// Validate rejects combinations the runtime cannot serve.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case LogFormatJSON, LogFormatPretty:
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}

	switch c.NotifySink {
	case SinkNone, SinkMemory:
	case SinkSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("config: notify sink %q requires RELAY_SQLITE_PATH", c.NotifySink)
		}
	case SinkPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: notify sink %q requires RELAY_DATABASE_URL", c.NotifySink)
		}
	case SinkNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("config: notify sink %q requires RELAY_NATS_URL", c.NotifySink)
		}
	default:
		return fmt.Errorf("config: unknown notify sink %q", c.NotifySink)
	}

	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		return fmt.Errorf("config: RELAY_READINESS_REQUIRE_DB needs RELAY_DATABASE_URL")
	}
	return nil
}
