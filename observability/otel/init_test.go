package otel

import (
	"context"
	"testing"

	"chainbridge/config"
)

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Network = config.Regtest
	cfg.Telemetry = config.Telemetry{Endpoint: "collector:4318", Headers: "a=1, b = 2,bad", Traces: true}

	got := FromConfig("chainbridged", cfg)
	if got.Environment != string(config.Regtest) || got.Endpoint != "collector:4318" {
		t.Fatalf("unexpected config %+v", got)
	}
	if len(got.Headers) != 2 || got.Headers["b"] != "2" {
		t.Fatalf("unexpected headers %v", got.Headers)
	}
	if !got.Enabled() {
		t.Fatalf("traces requested but not enabled")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "chainbridged"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without a service name")
	}
}
