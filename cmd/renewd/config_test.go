package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renewd.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[chain]
rpc_url = "http://localhost:8545"
lock_address = "0x3333333333333333333333333333333333333333"
service_wallet_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.InDelta(t, 0.10, cfg.Renewal.FeePercent, 1e-9)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Sweeper.StaleAfter.Duration)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = ":9001"

[database]
driver = "postgres"
dsn = "host=db user=renewd dbname=renewd"

[chain]
rpc_url = "http://localhost:8545"
lock_address = "0x3333333333333333333333333333333333333333"
service_wallet_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

[renewal]
fee_percent = 0.05

[sweeper]
enabled = false
interval = "30s"
stale_after = "2m"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Server.ListenAddr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.InDelta(t, 0.05, cfg.Renewal.FeePercent, 1e-9)
	assert.False(t, cfg.Sweeper.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Sweeper.StaleAfter.Duration)
}

func TestLoadConfigWalletKeyFromEnv(t *testing.T) {
	path := writeConfig(t, `
[chain]
rpc_url = "http://localhost:8545"
lock_address = "0x3333333333333333333333333333333333333333"
`)

	t.Setenv(walletKeyEnv, "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Chain.ServiceWalletKey)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv(walletKeyEnv, "")

	base := `
[chain]
rpc_url = "http://localhost:8545"
lock_address = "0x3333333333333333333333333333333333333333"
service_wallet_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
`

	_, err := loadConfig(writeConfig(t, base+`
[database]
driver = "oracle"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")

	_, err = loadConfig(writeConfig(t, base+`
[renewal]
fee_percent = 1.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fee_percent")

	_, err = loadConfig(writeConfig(t, `
[chain]
rpc_url = "http://localhost:8545"
lock_address = "0x3333333333333333333333333333333333333333"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_wallet_key")
}
