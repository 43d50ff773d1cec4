package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultRPCAddress     = "127.0.0.1:8332"
	defaultMetricsAddress = ""
	defaultWorkers        = 4
	defaultPollMillis     = 1000
	defaultRateLimit      = 5.0
	defaultIndexBackend   = "leveldb"
	defaultDataDirName    = ".chainbridge"
)

// Config is the startup snapshot handed to the daemon. It is captured once when
// the daemon starts and never mutated afterwards; pass it by value.
type Config struct {
	DataDir string  `toml:"DataDir" yaml:"dataDir"`
	Network Network `toml:"Network" yaml:"network"`
	RPC     bool    `toml:"RPC" yaml:"rpc"`
	TxIndex bool    `toml:"TxIndex" yaml:"txIndex"`

	RPCAddress     string  `toml:"RPCAddress" yaml:"rpcAddress"`
	RPCAuthToken   string  `toml:"RPCAuthToken,omitempty" yaml:"rpcAuthToken,omitempty"`
	RPCSendPerSec  float64 `toml:"RPCSendPerSec" yaml:"rpcSendPerSec"`
	MetricsAddress string  `toml:"MetricsAddress" yaml:"metricsAddress"`

	IndexBackend     string `toml:"IndexBackend" yaml:"indexBackend"`
	Workers          int    `toml:"Workers" yaml:"workers"`
	PollIntervalMs   int    `toml:"PollIntervalMs" yaml:"pollIntervalMs"`
	MaxBlockFileSize int64  `toml:"MaxBlockFileSize,omitempty" yaml:"maxBlockFileSize,omitempty"`

	LogLevel string `toml:"LogLevel" yaml:"logLevel"`
	LogFile  string `toml:"LogFile,omitempty" yaml:"logFile,omitempty"`

	Telemetry Telemetry `toml:"telemetry" yaml:"telemetry"`
}

// Telemetry controls the OpenTelemetry exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Headers  string `toml:"Headers,omitempty" yaml:"headers,omitempty"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
}

// Default returns the configuration written when no file exists.
func Default() Config {
	return Config{
		DataDir:        DefaultDataDir(),
		Network:        Mainnet,
		RPC:            true,
		TxIndex:        true,
		RPCAddress:     defaultRPCAddress,
		RPCSendPerSec:  defaultRateLimit,
		MetricsAddress: defaultMetricsAddress,
		IndexBackend:   defaultIndexBackend,
		Workers:        defaultWorkers,
		PollIntervalMs: defaultPollMillis,
		LogLevel:       "info",
	}
}

// DefaultDataDir is $HOME/.chainbridge, falling back to the working directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return defaultDataDirName
	}
	return filepath.Join(home, defaultDataDirName)
}

// PollInterval is the fixed interval watchers poll the daemon at.
func (c Config) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return time.Duration(defaultPollMillis) * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Load loads the configuration from the given path. A missing file is created
// with defaults. Files ending in .yaml or .yml are decoded as YAML, anything
// else as TOML.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
		}
	}

	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	if strings.TrimSpace(cfg.IndexBackend) == "" {
		cfg.IndexBackend = defaultIndexBackend
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func persist(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
