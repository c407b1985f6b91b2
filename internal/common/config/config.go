package config

import (
	"os"
	"regexp"
	"time"

	"github.com/castlelab/gambit/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// ServerConfig represents the gambit-server configuration
	ServerConfig struct {
		Host       string           `yaml:"host"`
		Port       int              `yaml:"port"`
		AgentID    string           `yaml:"agent_id"` // fixed identity; minted per connection when empty
		Agents     []string         `yaml:"agents"`   // preprovisioned agent identities served by the prekey endpoint
		Logger     LoggerConfig     `yaml:"logger"`
		Encryption EncryptionConfig `yaml:"encryption"`
		Storage    StorageConfig    `yaml:"storage"`
		Auth       AuthConfig       `yaml:"auth"`
		Metrics    MetricsConfig    `yaml:"metrics"`
		Tracing    TracingConfig    `yaml:"tracing"`
	}

	// AgentConfig represents the gambit-agent configuration
	AgentConfig struct {
		Transport  TransportConfig  `yaml:"transport"`
		Logger     LoggerConfig     `yaml:"logger"`
		Encryption EncryptionConfig `yaml:"encryption"`
		Auth       AuthConfig       `yaml:"auth"`
		Tracing    TracingConfig    `yaml:"tracing"`
		Play       PlayConfig       `yaml:"play"`
	}

	// PlayConfig drives the agent's self-play loop. The white and black
	// engines name who produces each side's moves; the agent relays them
	// between its two mirrored game sessions.
	PlayConfig struct {
		WhiteAI    string        `yaml:"white_ai"`
		BlackAI    string        `yaml:"black_ai"`
		Difficulty int           `yaml:"difficulty"`
		Games      int           `yaml:"games"`      // games per run
		MaxMoves   int           `yaml:"max_moves"`  // plies before a game is abandoned
		MoveDelay  time.Duration `yaml:"move_delay"` // pause between relayed moves
	}

	// TransportConfig represents the client-side socket configuration
	TransportConfig struct {
		Kind           string        `yaml:"kind"`            // only "websocket" is implemented
		URL            string        `yaml:"url"`             // ws:// or wss:// endpoint
		RequestTimeout time.Duration `yaml:"request_timeout"` // per-request await window
	}

	// EncryptionConfig selects the ratchet backend shared by client and server
	EncryptionConfig struct {
		Backend         string `yaml:"backend"`           // "counter" or "signal"
		PreKeyURL       string `yaml:"prekey_url"`        // base URL of the prekey distribution endpoint (signal backend)
		SkippedKeyLimit int    `yaml:"skipped_key_limit"` // bounded out-of-order tolerance
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps
	}

	// AuthConfig defines the bearer-token configuration for the HTTP surfaces
	AuthConfig struct {
		JWTSecret string        `yaml:"jwt_secret"` // empty disables auth
		JWTExpiry time.Duration `yaml:"jwt_expiry"`
		Token     string        `yaml:"token"` // client side: pre-issued bearer token
	}

	// MetricsConfig controls the Prometheus surface served at /metrics
	MetricsConfig struct {
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"` // histogram buckets, empty uses the prometheus defaults
	}

	// TracingConfig controls the OpenTelemetry export pipeline
	TracingConfig struct {
		Enabled     bool    `yaml:"enabled"`
		Endpoint    string  `yaml:"endpoint"`     // e.g. localhost:4317 or http://localhost:4318
		Exporter    string  `yaml:"exporter"`     // grpc or http
		ServiceName string  `yaml:"service_name"`
		Insecure    bool    `yaml:"insecure"`     // allow insecure connection
		SamplerRate float64 `yaml:"sampler_rate"` // 0.0~1.0
		Environment string  `yaml:"environment"`  // env tag: dev/staging/prod
	}
)

type Type interface {
	ServerConfig | AgentConfig
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	// Normalize after unmarshalling
	switch c := any(&cfg).(type) {
	case *ServerConfig:
		c.setDefaults()
	case *AgentConfig:
		c.setDefaults()
	}

	return &cfg, cfgPath, nil
}

func (c *ServerConfig) setDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 5173
	}
	if c.Encryption.Backend == "" {
		c.Encryption.Backend = "counter"
	}
	if c.Encryption.SkippedKeyLimit <= 0 {
		c.Encryption.SkippedKeyLimit = 1000
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Auth.JWTExpiry <= 0 {
		c.Auth.JWTExpiry = 24 * time.Hour
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "gambit"
	}
	if c.Tracing.SamplerRate <= 0 {
		c.Tracing.SamplerRate = 1
	}
}

func (c *AgentConfig) setDefaults() {
	if c.Transport.Kind == "" {
		c.Transport.Kind = "websocket"
	}
	if c.Transport.RequestTimeout <= 0 {
		c.Transport.RequestTimeout = 30 * time.Second
	}
	if c.Encryption.Backend == "" {
		c.Encryption.Backend = "counter"
	}
	if c.Encryption.SkippedKeyLimit <= 0 {
		c.Encryption.SkippedKeyLimit = 1000
	}
	if c.Play.WhiteAI == "" {
		c.Play.WhiteAI = "AlphaZero"
	}
	if c.Play.BlackAI == "" {
		c.Play.BlackAI = "LeelaChessZero"
	}
	if c.Play.Difficulty <= 0 {
		c.Play.Difficulty = 5
	}
	if c.Play.Games <= 0 {
		c.Play.Games = 1
	}
	if c.Play.MaxMoves <= 0 {
		c.Play.MaxMoves = 200
	}
	if c.Tracing.SamplerRate <= 0 {
		c.Tracing.SamplerRate = 1
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
