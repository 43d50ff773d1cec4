package config

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network names the chain the daemon serves.
type Network string

const (
	Mainnet Network = "main"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// UnmarshalText accepts the aliases operators commonly use for each network.
func (n *Network) UnmarshalText(text []byte) error {
	parsed, err := ParseNetwork(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

func (n Network) MarshalText() ([]byte, error) {
	return []byte(n), nil
}

// ParseNetwork normalises a network name.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "main", "mainnet", "livenet":
		return Mainnet, nil
	case "test", "testnet", "testnet3":
		return Testnet, nil
	case "regtest", "regression":
		return Regtest, nil
	default:
		return "", fmt.Errorf("unknown network %q", raw)
	}
}

// Params returns the consensus parameters of the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// Subdir is the directory below the data directory that holds the network's
// state. Mainnet lives directly in the data directory.
func (n Network) Subdir() string {
	switch n {
	case Testnet:
		return "testnet3"
	case Regtest:
		return "regtest"
	default:
		return ""
	}
}
