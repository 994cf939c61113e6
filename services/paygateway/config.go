package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the payment gateway. Values come
// from a TOML file, with environment variables taking precedence so
// deployments can override secrets without editing the file.
type Config struct {
	ListenAddress  string `toml:"listen"`
	Environment    string `toml:"environment"`
	NodeURL        string `toml:"node_url"`
	NodeAuthToken  string `toml:"node_token"`
	DatabasePath   string `toml:"db_path"`
	EscrowContract string `toml:"escrow_contract"`

	PollInterval    duration `toml:"poll_interval"`
	PollAttempts    int      `toml:"poll_attempts"`
	OTPValidity     duration `toml:"otp_validity"`
	SlippagePercent float64  `toml:"slippage_percent"`

	WellKnownIssuers map[string]string `toml:"well_known_issuers"`

	LogRequests bool      `toml:"log_requests"`
	LogFile     string    `toml:"log_file"`
	RateLimits  rateLimit `toml:"rate_limits"`
	Telemetry   telemetry `toml:"telemetry"`

	AllowedOrigins []string `toml:"allowed_origins"`
}

type rateLimit struct {
	PayPerMinute  float64 `toml:"pay_per_minute"`
	ReadPerMinute float64 `toml:"read_per_minute"`
	Burst         int     `toml:"burst"`
}

// telemetry controls the OTLP exporters. Disabled unless an endpoint is set.
type telemetry struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
	Headers  string `toml:"headers"`
}

// duration lets TOML carry values like "30s" or "48h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddress:   ":8085",
		Environment:     "dev",
		DatabasePath:    "paygateway.db",
		PollInterval:    duration{time.Second},
		PollAttempts:    10,
		OTPValidity:     duration{48 * time.Hour},
		SlippagePercent: 5,
		RateLimits: rateLimit{
			PayPerMinute:  30,
			ReadPerMinute: 120,
			Burst:         5,
		},
	}
}

// LoadConfig reads the TOML file at path (optional), applies environment
// overrides, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if cfg.NodeURL == "" {
		return Config{}, errors.New("node_url (or PAYGATEWAY_NODE_URL) is required")
	}
	if cfg.EscrowContract == "" {
		return Config{}, errors.New("escrow_contract (or PAYGATEWAY_CONTRACT) is required")
	}
	if cfg.PollAttempts <= 0 {
		return Config{}, errors.New("poll_attempts must be positive")
	}
	if cfg.PollInterval.Duration <= 0 {
		return Config{}, errors.New("poll_interval must be positive")
	}
	if cfg.OTPValidity.Duration <= 0 {
		return Config{}, errors.New("otp_validity must be positive")
	}
	if cfg.SlippagePercent <= 0 || cfg.SlippagePercent >= 100 {
		return Config{}, errors.New("slippage_percent must be in (0, 100)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddress = getenvDefault("PAYGATEWAY_LISTEN", cfg.ListenAddress)
	cfg.Environment = getenvDefault("PAYGATEWAY_ENV", cfg.Environment)
	cfg.NodeURL = getenvDefault("PAYGATEWAY_NODE_URL", cfg.NodeURL)
	cfg.NodeAuthToken = getenvDefault("PAYGATEWAY_NODE_TOKEN", cfg.NodeAuthToken)
	cfg.DatabasePath = getenvDefault("PAYGATEWAY_DB_PATH", cfg.DatabasePath)
	cfg.EscrowContract = getenvDefault("PAYGATEWAY_CONTRACT", cfg.EscrowContract)
	cfg.LogFile = getenvDefault("PAYGATEWAY_LOG_FILE", cfg.LogFile)
	cfg.Telemetry.Endpoint = getenvDefault("PAYGATEWAY_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
