package main

import (
	"testing"

	"chainbridge/config"
)

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	if err := applyOverrides(&cfg, " /tmp/chain ", "testnet3"); err != nil {
		t.Fatalf("apply overrides: %v", err)
	}
	if cfg.DataDir != "/tmp/chain" || cfg.Network != config.Testnet {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	cfg = config.Default()
	if err := applyOverrides(&cfg, "", ""); err != nil {
		t.Fatalf("empty overrides: %v", err)
	}
	if cfg.DataDir != config.DefaultDataDir() || cfg.Network != config.Mainnet {
		t.Fatalf("defaults changed: %+v", cfg)
	}

	if err := applyOverrides(&cfg, "", "moonnet"); err == nil {
		t.Fatalf("expected unknown network error")
	}
}
