package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/chaincfg"
)

// SettingsFileName is the optional per-datadir settings file read at startup.
const SettingsFileName = "chainbridge.conf"

var (
	ErrDataDir         = errors.New("specified data directory does not exist")
	ErrConfigFile      = errors.New("error reading configuration file")
	ErrNetworkConflict = errors.New("invalid combination of -regtest and -testnet")
)

// DaemonSettings are read from the data directory's settings file. They
// override the network choice of Config and tune the chain engine.
type DaemonSettings struct {
	Testnet          bool    `toml:"Testnet"`
	Regtest          bool    `toml:"Regtest"`
	MinRelayTxFee    float64 `toml:"MinRelayTxFee"`
	MaxBlockFileSize int64   `toml:"MaxBlockFileSize"`
	AllowHighFees    bool    `toml:"AllowHighFees"`
}

// Resolved is the outcome of daemon startup checks.
type Resolved struct {
	Config   Config
	Network  Network
	Params   *chaincfg.Params
	NetDir   string
	Settings DaemonSettings
}

// Resolve validates the data directory, reads the settings file and selects
// the network. Every error returned here is fatal to the daemon.
func Resolve(cfg Config) (Resolved, error) {
	info, err := os.Stat(cfg.DataDir)
	if err != nil || !info.IsDir() {
		return Resolved{}, fmt.Errorf("%w: %q", ErrDataDir, cfg.DataDir)
	}

	var settings DaemonSettings
	path := filepath.Join(cfg.DataDir, SettingsFileName)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &settings); err != nil {
			return Resolved{}, fmt.Errorf("%w: %v", ErrConfigFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Resolved{}, fmt.Errorf("%w: %v", ErrConfigFile, err)
	}

	network := cfg.Network
	switch {
	case settings.Testnet && settings.Regtest:
		return Resolved{}, ErrNetworkConflict
	case settings.Testnet:
		network = Testnet
	case settings.Regtest:
		network = Regtest
	}
	if network == "" {
		network = Mainnet
	}

	if settings.MaxBlockFileSize == 0 {
		settings.MaxBlockFileSize = cfg.MaxBlockFileSize
	}
	return Resolved{
		Config:   cfg,
		Network:  network,
		Params:   network.Params(),
		NetDir:   filepath.Join(cfg.DataDir, network.Subdir()),
		Settings: settings,
	}, nil
}
