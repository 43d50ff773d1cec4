package config

import (
	"fmt"
	"net"
	"strings"

	"chainbridge/storage"
)

// MaxWorkers bounds the blocking worker pool.
const MaxWorkers = 64

// Validate checks the values a daemon cannot start without.
func (c Config) Validate() error {
	if _, err := ParseNetwork(string(c.Network)); err != nil {
		return err
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got %d", MaxWorkers, c.Workers)
	}
	if c.PollIntervalMs < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	if c.MaxBlockFileSize < 0 {
		return fmt.Errorf("max block file size must not be negative")
	}
	switch strings.ToLower(c.IndexBackend) {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendMemory:
	default:
		return fmt.Errorf("unknown index backend %q", c.IndexBackend)
	}
	if c.RPC {
		if _, _, err := net.SplitHostPort(c.RPCAddress); err != nil {
			return fmt.Errorf("rpc address %q: %w", c.RPCAddress, err)
		}
		if c.RPCSendPerSec < 0 {
			return fmt.Errorf("rpc send rate must not be negative")
		}
	}
	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return fmt.Errorf("metrics address %q: %w", c.MetricsAddress, err)
		}
	}
	return nil
}
