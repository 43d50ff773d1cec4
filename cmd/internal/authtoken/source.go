// Package authtoken resolves the bearer token guarding state-changing RPCs.
package authtoken

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PromptValue in the configuration asks the operator for the token at startup.
const PromptValue = "prompt"

// Source resolves the token once, preferring the environment, then the
// configured value, then an interactive prompt.
type Source struct {
	envVar     string
	configured string

	lookupEnv func(string) (string, bool)
	terminal  func() bool
	read      func() ([]byte, error)
	prompt    io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource builds a source that checks envVar before the configured value.
func NewSource(envVar, configured string) *Source {
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		configured: strings.TrimSpace(configured),
		lookupEnv:  os.LookupEnv,
		terminal:   func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		read:       func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) },
		prompt:     os.Stderr,
	}
}

// Get returns the cached token. An empty token disables RPC authentication.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}
		if !strings.EqualFold(s.configured, PromptValue) {
			s.value = s.configured
			return
		}

		if !s.terminal() {
			if s.envVar != "" {
				s.err = fmt.Errorf("rpc auth token required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("rpc auth token required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.prompt, "Enter RPC auth token: ")
		raw, err := s.read()
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("failed to read rpc auth token: %w", err)
			return
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			s.err = errors.New("rpc auth token cannot be empty")
			return
		}
		s.value = token
	})
	return s.value, s.err
}
