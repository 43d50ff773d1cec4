package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestSetupWritesStructuredLines(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	var buf bytes.Buffer
	logger, closer, err := Setup("", Options{Level: "warn", Network: "regtest", Output: &buf})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept", "rpc_auth_token", "hunter2", "height", 7)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected one line above the level, got %d", len(lines))
	}
	line := lines[0]
	if line["message"] != "kept" || line["severity"] != "WARN" {
		t.Fatalf("unexpected envelope %v", line)
	}
	if line["service"] != defaultService || line["network"] != "regtest" {
		t.Fatalf("missing base attributes: %v", line)
	}
	if line["rpc_auth_token"] != RedactedValue {
		t.Fatalf("token not redacted: %v", line["rpc_auth_token"])
	}
	if line["height"] != float64(7) {
		t.Fatalf("unexpected height %v", line["height"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp")
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	if _, _, err := Setup("svc", Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestSetupAlsoWritesFile(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	path := filepath.Join(t.TempDir(), "debug.log")
	var buf bytes.Buffer
	logger, closer, err := Setup("svc", Options{File: path, Output: &buf})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("to both")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("to both")) || !strings.Contains(buf.String(), "to both") {
		t.Fatalf("line missing from an output")
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("token", "abc"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected masked value, got %v", attr.Value)
	}
	if attr := MaskField("token", ""); attr.Value.String() != "" {
		t.Fatalf("empty values stay empty")
	}
	if IsSensitive("height") || !IsSensitive("X-Authorization") {
		t.Fatalf("unexpected sensitivity classification")
	}
}
