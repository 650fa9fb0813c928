// Package config resolves agent and emulator settings from the
// environment, with an optional YAML overlay for the emulator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults per the terminal integration contract.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 180 * time.Second
	DefaultIdleTimeout    = 25 * time.Second
	DefaultAgentHTTPPort  = 3000
	DefaultTerminalPort   = 5015
	DefaultEcrID          = "1"
	DefaultDataFile       = "verifone-transactions.json"
)

// Agent holds the gateway's runtime configuration. Fields are
// overridable per request (ip/port/ecrId) and at runtime via /config,
// so access goes through the mutex.
type Agent struct {
	mu sync.RWMutex

	TerminalIP      string
	TerminalPort    int
	TerminalPortAlt int
	EcrID           string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration

	HTTPPort int
}

// AgentFromEnv builds the agent config from environment variables.
func AgentFromEnv() *Agent {
	return &Agent{
		TerminalIP:      envString("TERMINAL_IP", "127.0.0.1"),
		TerminalPort:    envInt("TERMINAL_PORT", DefaultTerminalPort),
		TerminalPortAlt: envInt("TERMINAL_PORT_ALT", 0),
		EcrID:           envString("ECR_ID", DefaultEcrID),
		ConnectTimeout:  envMillis("CONNECT_TIMEOUT_MS", DefaultConnectTimeout),
		ReadTimeout:     envMillis("READ_TIMEOUT_MS", DefaultReadTimeout),
		IdleTimeout:     envMillis("IDLE_BYTE_TIMEOUT_MS", DefaultIdleTimeout),
		HTTPPort:        envInt("AGENT_HTTP_PORT", DefaultAgentHTTPPort),
	}
}

// Snapshot returns a copy of the current settings.
func (a *Agent) Snapshot() Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Agent{
		TerminalIP:      a.TerminalIP,
		TerminalPort:    a.TerminalPort,
		TerminalPortAlt: a.TerminalPortAlt,
		EcrID:           a.EcrID,
		ConnectTimeout:  a.ConnectTimeout,
		ReadTimeout:     a.ReadTimeout,
		IdleTimeout:     a.IdleTimeout,
		HTTPPort:        a.HTTPPort,
	}
}

// Override is a partial runtime override posted to /config. Zero
// values leave the corresponding setting untouched.
type Override struct {
	TerminalIP       string `json:"ip,omitempty"`
	TerminalPort     int    `json:"port,omitempty"`
	TerminalPortAlt  int    `json:"portAlt,omitempty"`
	EcrID            string `json:"ecrId,omitempty"`
	ConnectTimeoutMS int    `json:"connectTimeoutMs,omitempty"`
	ReadTimeoutMS    int    `json:"readTimeoutMs,omitempty"`
	IdleTimeoutMS    int    `json:"idleByteTimeoutMs,omitempty"`
}

// Apply merges o into the live configuration.
func (a *Agent) Apply(o Override) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if o.TerminalIP != "" {
		a.TerminalIP = o.TerminalIP
	}
	if o.TerminalPort != 0 {
		a.TerminalPort = o.TerminalPort
	}
	if o.TerminalPortAlt != 0 {
		a.TerminalPortAlt = o.TerminalPortAlt
	}
	if o.EcrID != "" {
		a.EcrID = o.EcrID
	}
	if o.ConnectTimeoutMS > 0 {
		a.ConnectTimeout = time.Duration(o.ConnectTimeoutMS) * time.Millisecond
	}
	if o.ReadTimeoutMS > 0 {
		a.ReadTimeout = time.Duration(o.ReadTimeoutMS) * time.Millisecond
	}
	if o.IdleTimeoutMS > 0 {
		a.IdleTimeout = time.Duration(o.IdleTimeoutMS) * time.Millisecond
	}
}

// Emulator holds the terminal emulator's settings.
type Emulator struct {
	Port          int    `yaml:"port"`
	PortAlt       int    `yaml:"port_alt"`
	DataFile      string `yaml:"data_file"`
	ResponseDelay int    `yaml:"response_delay_ms"`
}

// EmulatorFromEnv builds the emulator config from the environment and,
// when path names an existing file, overlays the YAML file on top.
func EmulatorFromEnv(path string) (*Emulator, error) {
	cfg := &Emulator{
		Port:          envInt("TERMINAL_PORT", DefaultTerminalPort),
		PortAlt:       envInt("TERMINAL_PORT_ALT", 0),
		DataFile:      envString("TERMINAL_DATA_FILE", DefaultDataFile),
		ResponseDelay: envInt("RESPONSE_DELAY_MS", 150),
	}
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open emulator config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse emulator config %s: %w", path, err)
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
