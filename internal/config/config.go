// Package config handles Deskhand configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./deskhand.yaml, ~/.config/deskhand/deskhand.yaml, /etc/deskhand/deskhand.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"deskhand.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "deskhand", "deskhand.yaml"))
	}

	paths = append(paths, "/etc/deskhand/deskhand.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Deskhand configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Loop     LoopConfig     `yaml:"loop"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Events   EventsConfig   `yaml:"events"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	DataDir  string         `yaml:"data_dir"`
	Persona  string         `yaml:"persona_file"`
	LogLevel string         `yaml:"log_level"`
}

// ModelConfig defines the LLM provider connection.
type ModelConfig struct {
	// Provider selects the client implementation: "anthropic" or "openai"
	// (any OpenAI-compatible endpoint, including Ollama).
	Provider string `yaml:"provider"`
	// BaseURL is the API endpoint for OpenAI-compatible providers.
	BaseURL string `yaml:"base_url"`
	// APIKey is the credential for the provider.
	APIKey string `yaml:"api_key"`
	// Name is the model identifier sent with each request.
	Name string `yaml:"name"`
}

// LoopConfig bounds a single ticket's agent loop.
type LoopConfig struct {
	// MaxIterations caps model round-trips per ticket before the loop
	// gives up with a budget-exceeded outcome.
	MaxIterations int `yaml:"max_iterations"`
	// MaxAttempts caps consecutive model-call retries.
	MaxAttempts int `yaml:"max_attempts"`
	// CallTimeoutSec is the per-model-call timeout in seconds.
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// ChunkSize is the maximum transport chunk size for outbound replies.
	ChunkSize int `yaml:"chunk_size"`
}

// CallTimeout returns the per-call timeout as a duration.
func (c LoopConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// MailboxConfig defines the support inbox and outbound reply transport.
type MailboxConfig struct {
	IMAP IMAPConfig `yaml:"imap"`
	SMTP SMTPConfig `yaml:"smtp"`
	// From is the sender identity on outbound replies
	// (e.g., "Deskhand Support <support@example.com>").
	From string `yaml:"from"`
	// PollIntervalSec is how often the inbox is checked for new tickets.
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// IMAPConfig defines the inbox connection.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	Folder   string `yaml:"folder"`
}

// SMTPConfig defines the outbound mail connection.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
}

// TrackerConfig defines where escalations are filed.
type TrackerConfig struct {
	// Token is a GitHub API token with issues:write on the repo.
	Token string `yaml:"token"`
	// Repo is the "owner/name" issue tracker for escalated tickets.
	Repo string `yaml:"repo"`
	// Labels are applied to every escalation issue.
	Labels []string `yaml:"labels"`
}

// EventsConfig defines the MQTT ticket-lifecycle event bus.
type EventsConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://broker:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix prefixes every published topic (default "deskhand").
	TopicPrefix string `yaml:"topic_prefix"`
}

// SandboxConfig defines the external code-execution runner.
type SandboxConfig struct {
	// URL is the websocket endpoint of the sandbox runner
	// (e.g., ws://sandbox:8700/run).
	URL string `yaml:"url"`
	// TimeoutSec bounds a single execution (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider: "openai",
			BaseURL:  "http://localhost:11434/v1",
			Name:     "gpt-oss:20b",
		},
		Loop: LoopConfig{
			MaxIterations:  10,
			MaxAttempts:    3,
			CallTimeoutSec: 120,
			ChunkSize:      1900,
		},
		DataDir: "./var",
	}
}

func (c *Config) applyDefaults() {
	if c.Loop.MaxIterations <= 0 {
		c.Loop.MaxIterations = 10
	}
	if c.Loop.MaxAttempts <= 0 {
		c.Loop.MaxAttempts = 3
	}
	if c.Loop.CallTimeoutSec <= 0 {
		c.Loop.CallTimeoutSec = 120
	}
	if c.Loop.ChunkSize == 0 {
		c.Loop.ChunkSize = 1900
	}
	if c.Mailbox.IMAP.Port == 0 {
		c.Mailbox.IMAP.Port = 993
	}
	if !c.Mailbox.IMAP.TLS && c.Mailbox.IMAP.Port != 143 {
		c.Mailbox.IMAP.TLS = true
	}
	if c.Mailbox.IMAP.Folder == "" {
		c.Mailbox.IMAP.Folder = "INBOX"
	}
	if c.Mailbox.SMTP.Host != "" {
		if c.Mailbox.SMTP.Port == 0 {
			c.Mailbox.SMTP.Port = 587
		}
		if !c.Mailbox.SMTP.StartTLS && c.Mailbox.SMTP.Port != 465 {
			c.Mailbox.SMTP.StartTLS = true
		}
	}
	if c.Mailbox.PollIntervalSec <= 0 {
		c.Mailbox.PollIntervalSec = 60
	}
	if c.Events.TopicPrefix == "" {
		c.Events.TopicPrefix = "deskhand"
	}
	if c.Sandbox.TimeoutSec <= 0 {
		c.Sandbox.TimeoutSec = 30
	}
	if c.DataDir == "" {
		c.DataDir = "./var"
	}
}

// Validate checks startup-fatal configuration problems. Splitter chunk
// size is validated here so a bad value fails at boot, not mid-ticket.
func (c *Config) Validate() error {
	if c.Loop.ChunkSize <= 0 {
		return fmt.Errorf("loop.chunk_size must be positive, got %d", c.Loop.ChunkSize)
	}
	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("model.provider must be \"anthropic\" or \"openai\", got %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Tracker.Repo != "" {
		if _, _, ok := splitRepo(c.Tracker.Repo); !ok {
			return fmt.Errorf("tracker.repo must be owner/name, got %q", c.Tracker.Repo)
		}
	}
	return nil
}

func splitRepo(repo string) (string, string, bool) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			if i == 0 || i == len(repo)-1 {
				return "", "", false
			}
			return repo[:i], repo[i+1:], true
		}
	}
	return "", "", false
}
