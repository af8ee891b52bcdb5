package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// walletKeyEnv overrides chain.service_wallet_key so the signing key can be
// injected at deploy time instead of living in the config file.
const walletKeyEnv = "RENEWD_WALLET_KEY"

// Config is the renewd process configuration, loaded from TOML with
// defaults overlaid only where the file defines a key.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Chain    ChainConfig    `toml:"chain"`
	Renewal  RenewalConfig  `toml:"renewal"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	DSN    string `toml:"dsn"`
}

type ChainConfig struct {
	RPCURL           string `toml:"rpc_url"`
	LockAddress      string `toml:"lock_address"`
	ServiceWalletKey string `toml:"service_wallet_key"`
}

type RenewalConfig struct {
	FeePercent  float64 `toml:"fee_percent"`
	JournalPath string  `toml:"journal_path"`
}

type SweeperConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   duration `toml:"interval"`
	StaleAfter duration `toml:"stale_after"`
}

// duration lets the TOML file spell intervals as "5m" or "30s".
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
		Server:   ServerConfig{ListenAddr: ":8080"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "renewd.db"},
		Renewal:  RenewalConfig{FeePercent: 0.10, JournalPath: "journal"},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Interval:   duration{5 * time.Minute},
			StaleAfter: duration{15 * time.Minute},
		},
	}
}

// loadConfig reads the TOML file at path over the defaults and applies the
// environment override for the wallet key.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if key := os.Getenv(walletKeyEnv); key != "" {
		cfg.Chain.ServiceWalletKey = strings.TrimSpace(key)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.LockAddress == "" {
		return fmt.Errorf("chain.lock_address is required")
	}
	if c.Chain.ServiceWalletKey == "" {
		return fmt.Errorf("chain.service_wallet_key is required (or set %s)", walletKeyEnv)
	}
	if c.Renewal.FeePercent < 0 || c.Renewal.FeePercent >= 1 {
		return fmt.Errorf("renewal.fee_percent must be in [0, 1), got %v", c.Renewal.FeePercent)
	}
	return nil
}
