package authtoken

import (
	"io"
	"testing"
)

func newTestSource(env map[string]string, configured string, tty bool, typed string) *Source {
	s := NewSource("CHAINBRIDGE_RPC_TOKEN", configured)
	s.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	s.terminal = func() bool { return tty }
	s.read = func() ([]byte, error) { return []byte(typed), nil }
	s.prompt = io.Discard
	return s
}

func TestEnvironmentWins(t *testing.T) {
	s := newTestSource(map[string]string{"CHAINBRIDGE_RPC_TOKEN": " abc "}, "from-config", false, "")
	got, err := s.Get()
	if err != nil || got != "abc" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestEmptyEnvironmentIsError(t *testing.T) {
	s := newTestSource(map[string]string{"CHAINBRIDGE_RPC_TOKEN": " "}, "", false, "")
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error for empty variable")
	}
}

func TestConfiguredValue(t *testing.T) {
	s := newTestSource(nil, "from-config", false, "")
	got, err := s.Get()
	if err != nil || got != "from-config" {
		t.Fatalf("got %q, %v", got, err)
	}
	s = newTestSource(nil, "", false, "")
	if got, err := s.Get(); err != nil || got != "" {
		t.Fatalf("empty config should disable auth, got %q, %v", got, err)
	}
}

func TestPromptRequiresTerminal(t *testing.T) {
	if _, err := newTestSource(nil, PromptValue, false, "x").Get(); err == nil {
		t.Fatalf("expected error without a terminal")
	}
	s := newTestSource(nil, "Prompt", true, "typed\n")
	got, err := s.Get()
	if err != nil || got != "typed" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := newTestSource(nil, PromptValue, true, "  ").Get(); err == nil {
		t.Fatalf("expected error for empty typed token")
	}
}
