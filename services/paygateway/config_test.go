package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paygateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
listen = ":9090"
node_url = "http://node.internal:8545"
escrow_contract = "ctrescrow"
poll_interval = "2s"
poll_attempts = 5
otp_validity = "24h"
slippage_percent = 2.5

[well_known_issuers]
USDC = "payissuer"

[rate_limits]
pay_per_minute = 10
burst = 2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, "http://node.internal:8545", cfg.NodeURL)
	require.Equal(t, 2*time.Second, cfg.PollInterval.Duration)
	require.Equal(t, 5, cfg.PollAttempts)
	require.Equal(t, 24*time.Hour, cfg.OTPValidity.Duration)
	require.Equal(t, 2.5, cfg.SlippagePercent)
	require.Equal(t, "payissuer", cfg.WellKnownIssuers["USDC"])
	require.Equal(t, float64(10), cfg.RateLimits.PayPerMinute)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
node_url = "http://node.internal:8545"
escrow_contract = "ctrescrow"
`)
	t.Setenv("PAYGATEWAY_NODE_URL", "http://other:8545")
	t.Setenv("PAYGATEWAY_LISTEN", ":7070")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "http://other:8545", cfg.NodeURL)
	require.Equal(t, ":7070", cfg.ListenAddress)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
node_url = "http://node.internal:8545"
escrow_contract = "ctrescrow"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8085", cfg.ListenAddress)
	require.Equal(t, time.Second, cfg.PollInterval.Duration)
	require.Equal(t, 10, cfg.PollAttempts)
	require.Equal(t, 48*time.Hour, cfg.OTPValidity.Duration)
	require.Equal(t, float64(5), cfg.SlippagePercent)
}

func TestLoadConfigRequiresNodeAndContract(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `escrow_contract = "ctrescrow"`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `node_url = "http://node:8545"`))
	require.Error(t, err)
}

func TestLoadConfigRejectsBadSlippage(t *testing.T) {
	path := writeConfig(t, `
node_url = "http://node:8545"
escrow_contract = "ctrescrow"
slippage_percent = 120
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}
