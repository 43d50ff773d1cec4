package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chainbridge.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != Mainnet || cfg.Workers != defaultWorkers {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.RPCAddress != cfg.RPCAddress || again.PollInterval() != time.Second {
		t.Fatalf("reload mismatch: %+v", again)
	}
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `DataDir = "` + dir + `"
Network = "testnet3"
RPC = true
TxIndex = false
RPCAddress = "127.0.0.1:18332"
RPCSendPerSec = 2.5
IndexBackend = "bolt"
Workers = 8
PollIntervalMs = 250
LogLevel = "debug"

[telemetry]
Endpoint = "localhost:4318"
Insecure = true
Traces = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != Testnet {
		t.Fatalf("expected testnet, got %q", cfg.Network)
	}
	if cfg.TxIndex {
		t.Fatalf("expected txindex disabled")
	}
	if cfg.Workers != 8 || cfg.IndexBackend != "bolt" {
		t.Fatalf("unexpected worker/backend settings: %+v", cfg)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval())
	}
	if !cfg.Telemetry.Traces || cfg.Telemetry.Endpoint != "localhost:4318" {
		t.Fatalf("unexpected telemetry: %+v", cfg.Telemetry)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "dataDir: " + dir + "\nnetwork: regtest\nrpc: false\nworkers: 2\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != Regtest || cfg.RPC || cfg.Workers != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("Bogus = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"workers":  func(c *Config) { c.Workers = 0 },
		"network":  func(c *Config) { c.Network = "signet" },
		"backend":  func(c *Config) { c.IndexBackend = "rocks" },
		"rpc addr": func(c *Config) { c.RPCAddress = "nope" },
		"poll":     func(c *Config) { c.PollIntervalMs = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestNetworkParamsAndSubdir(t *testing.T) {
	if Mainnet.Params().Net != wire.MainNet || Mainnet.Subdir() != "" {
		t.Fatalf("unexpected mainnet params")
	}
	if Testnet.Params().Net != wire.TestNet3 || Testnet.Subdir() != "testnet3" {
		t.Fatalf("unexpected testnet params")
	}
	if Regtest.Params().Net != wire.TestNet || Regtest.Subdir() != "regtest" {
		t.Fatalf("unexpected regtest params")
	}
	if n, err := ParseNetwork("livenet"); err != nil || n != Mainnet {
		t.Fatalf("expected livenet alias, got %q %v", n, err)
	}
}

func TestResolveMissingDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "missing")
	if _, err := Resolve(cfg); !errors.Is(err, ErrDataDir) {
		t.Fatalf("expected ErrDataDir, got %v", err)
	}
}

func TestResolveSettingsFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DataDir = dir
	if err := os.WriteFile(filepath.Join(dir, SettingsFileName), []byte("Regtest = true\nMinRelayTxFee = 0.0002\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	resolved, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Network != Regtest || resolved.NetDir != filepath.Join(dir, "regtest") {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
	if resolved.Settings.MinRelayTxFee != 0.0002 {
		t.Fatalf("unexpected relay fee %v", resolved.Settings.MinRelayTxFee)
	}
}

func TestResolveNetworkConflict(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DataDir = dir
	if err := os.WriteFile(filepath.Join(dir, SettingsFileName), []byte("Regtest = true\nTestnet = true\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Resolve(cfg); !errors.Is(err, ErrNetworkConflict) {
		t.Fatalf("expected ErrNetworkConflict, got %v", err)
	}
}

func TestResolveBrokenSettingsFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DataDir = dir
	if err := os.WriteFile(filepath.Join(dir, SettingsFileName), []byte("Regtest = = true"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Resolve(cfg); !errors.Is(err, ErrConfigFile) {
		t.Fatalf("expected ErrConfigFile, got %v", err)
	}
}
