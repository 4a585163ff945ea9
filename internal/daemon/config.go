// Package daemon manages the sleuth daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Queue     QueueConfig     `toml:"queue"`
	Analysis  AnalysisConfig  `toml:"analysis"`
	Contract  ContractConfig  `toml:"contract"`
	Stream    StreamConfig    `toml:"stream"`
	Events    EventsConfig    `toml:"events"`
	Accounts  AccountsConfig  `toml:"accounts"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Dir string `toml:"dir"`
}

// QueueConfig controls the durable job queue.
type QueueConfig struct {
	Workers           int    `toml:"workers"`
	MaxAttempts       int    `toml:"max_attempts"`
	BaseDelay         string `toml:"base_delay"`
	MaxDelay          string `toml:"max_delay"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	Retention         string `toml:"retention"`
	ReapSchedule      string `toml:"reap_schedule"`
	MaxBacklog        int    `toml:"max_backlog"`
}

// AnalysisConfig points at the graph analysis service.
type AnalysisConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	PollInterval   string `toml:"poll_interval"`
	Timeout        string `toml:"timeout"`
	RequestTimeout string `toml:"request_timeout"`
}

// ContractConfig controls contract metadata updates.
type ContractConfig struct {
	RelayerURL    string `toml:"relayer_url"`
	RelayerAPIKey string `toml:"relayer_api_key"`
	NetworkID     string `toml:"network_id"`
	ContractID    string `toml:"contract_id"`
	SignerID      string `toml:"signer_id"`
	Gas           string `toml:"gas"`
	Deposit       string `toml:"deposit"`
	Requester     string `toml:"requester"`
}

// StreamConfig controls status event streams.
type StreamConfig struct {
	PollInterval string `toml:"poll_interval"`
	Push         bool   `toml:"push"`
}

// EventsConfig enables publishing delivered events to Kafka.
type EventsConfig struct {
	KafkaBrokers string `toml:"kafka_brokers"`
	KafkaTopic   string `toml:"kafka_topic"`
}

// AccountsConfig selects DynamoDB for account records. Empty table keeps SQLite.
type AccountsConfig struct {
	DynamoTable string `toml:"dynamo_table"`
	Region      string `toml:"region"`
	Endpoint    string `toml:"endpoint"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Dir: sleuthHome(),
		},
		Queue: QueueConfig{
			Workers:           4,
			MaxAttempts:       3,
			BaseDelay:         "1s",
			MaxDelay:          "1m",
			VisibilityTimeout: "2m",
			Retention:         "168h",
			ReapSchedule:      "@every 15s",
			MaxBacklog:        1000,
		},
		Analysis: AnalysisConfig{
			PollInterval:   "5s",
			Timeout:        "15m",
			RequestTimeout: "30s",
		},
		Contract: ContractConfig{
			NetworkID: "testnet",
			Gas:       "300000000000000",
			Deposit:   "0",
		},
		Stream: StreamConfig{
			PollInterval: "5s",
			Push:         true,
		},
		Events: EventsConfig{
			KafkaTopic: "investigation-events",
		},
		Accounts: AccountsConfig{
			Region: "us-east-1",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// LoadConfig reads $SLEUTH_HOME/config.toml, falling back to defaults, then
// applies environment overrides (a .env file in the working directory is
// loaded first).
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	path := ConfigPath()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// SaveConfig writes the config to $SLEUTH_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// applyEnv overrides cfg from environment variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	str("ANALYSIS_API_URL", &cfg.Analysis.BaseURL)
	str("ANALYSIS_API_KEY", &cfg.Analysis.APIKey)
	str("ANALYSIS_POLL_INTERVAL", &cfg.Analysis.PollInterval)
	str("ANALYSIS_TIMEOUT", &cfg.Analysis.Timeout)
	str("SLEUTH_DB_DIR", &cfg.Storage.Dir)
	str("NEAR_NETWORK_ID", &cfg.Contract.NetworkID)
	str("NEAR_CONTRACT_ID", &cfg.Contract.ContractID)
	str("NEAR_SIGNER_ID", &cfg.Contract.SignerID)
	str("CONTRACT_RELAYER_URL", &cfg.Contract.RelayerURL)
	str("CONTRACT_RELAYER_API_KEY", &cfg.Contract.RelayerAPIKey)
	str("CONTRACT_GAS", &cfg.Contract.Gas)
	str("CONTRACT_DEPOSIT", &cfg.Contract.Deposit)
	str("STATUS_POLL_INTERVAL", &cfg.Stream.PollInterval)
	str("KAFKA_BROKERS", &cfg.Events.KafkaBrokers)
	str("KAFKA_TOPIC", &cfg.Events.KafkaTopic)
	str("DYNAMO_TABLE", &cfg.Accounts.DynamoTable)
	str("AWS_REGION", &cfg.Accounts.Region)
	str("DYNAMO_ENDPOINT", &cfg.Accounts.Endpoint)

	if v := strings.TrimSpace(getenv("SLEUTH_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SLEUTH_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	return nil
}

// Validate checks durations and limits.
func (c Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	durations := map[string]string{
		"queue.base_delay":         c.Queue.BaseDelay,
		"queue.max_delay":          c.Queue.MaxDelay,
		"queue.visibility_timeout": c.Queue.VisibilityTimeout,
		"queue.retention":          c.Queue.Retention,
		"analysis.poll_interval":   c.Analysis.PollInterval,
		"analysis.timeout":         c.Analysis.Timeout,
		"analysis.request_timeout": c.Analysis.RequestTimeout,
		"stream.poll_interval":     c.Stream.PollInterval,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := parseDurationStrict(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// sleuthHome returns the sleuth data directory.
func sleuthHome() string {
	if env := os.Getenv("SLEUTH_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sleuth")
}

// SleuthHome is exported for use by other packages.
func SleuthHome() string {
	return sleuthHome()
}

// ConfigPath is the location of the config file.
func ConfigPath() string {
	return filepath.Join(sleuthHome(), "config.toml")
}

// parseDurationStrict accepts Go durations ("5s") or bare milliseconds ("5000").
func parseDurationStrict(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := parseDurationStrict(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
