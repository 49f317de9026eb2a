package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	LockBackendMemory = "memory"
	LockBackendLease  = "lease"

	TrackerMemory = "memory"
	TrackerGitHub = "github"
)

// Config models boardline.yml.
type Config struct {
	Board struct {
		ID string `yaml:"id"`
	} `yaml:"board"`
	Locking    Locking    `yaml:"locking"`
	Escalation Escalation `yaml:"escalation"`
	Reconcile  Reconcile  `yaml:"reconcile"`
	Tracker    Tracker    `yaml:"tracker"`
	Notify     Notify     `yaml:"notify"`
	Server     Server     `yaml:"server"`
}

type Locking struct {
	Backend     string        `yaml:"backend"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
}

type Escalation struct {
	Reminded       time.Duration `yaml:"reminded_after"`
	UrgentReminder time.Duration `yaml:"urgent_after"`
	AwaitingUser   time.Duration `yaml:"awaiting_user_after"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type Reconcile struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type Tracker struct {
	Kind        string `yaml:"kind"`
	Owner       string `yaml:"owner"`
	Repo        string `yaml:"repo"`
	LabelPrefix string `yaml:"label_prefix"`
	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env"`
}

type Notify struct {
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Webhooks      []Webhook     `yaml:"webhooks"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	// SecretEnv names the environment variable holding the signing secret.
	SecretEnv string `yaml:"secret_env"`
}

type Server struct {
	WebhookSecretEnv string  `yaml:"webhook_secret_env"`
	WebhookRateLimit float64 `yaml:"webhook_rate_limit"`
	WebhookBurst     int     `yaml:"webhook_burst"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Board.ID) == "" {
		return fmt.Errorf("config.board.id is required")
	}
	switch c.Locking.Backend {
	case LockBackendMemory, LockBackendLease:
	default:
		return fmt.Errorf("config.locking.backend must be %q or %q", LockBackendMemory, LockBackendLease)
	}
	if c.Locking.WaitTimeout <= 0 {
		return fmt.Errorf("config.locking.wait_timeout must be positive")
	}
	if c.Locking.Backend == LockBackendLease && c.Locking.LeaseTTL <= c.Locking.WaitTimeout {
		return fmt.Errorf("config.locking.lease_ttl must exceed wait_timeout")
	}
	e := c.Escalation
	if e.Reminded <= 0 || e.UrgentReminder <= e.Reminded || e.AwaitingUser <= e.UrgentReminder {
		return fmt.Errorf("config.escalation offsets must be positive and strictly increasing")
	}
	if e.SweepInterval <= 0 {
		return fmt.Errorf("config.escalation.sweep_interval must be positive")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("config.reconcile.interval must be positive")
	}
	if c.Reconcile.StaleAfter <= 0 {
		return fmt.Errorf("config.reconcile.stale_after must be positive")
	}
	switch c.Tracker.Kind {
	case TrackerMemory:
	case TrackerGitHub:
		if c.Tracker.Owner == "" || c.Tracker.Repo == "" {
			return fmt.Errorf("config.tracker.owner and config.tracker.repo are required for github")
		}
	default:
		return fmt.Errorf("config.tracker.kind must be %q or %q", TrackerMemory, TrackerGitHub)
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("config.notify.max_attempts must be positive")
	}
	if c.Notify.RetryInterval <= 0 {
		return fmt.Errorf("config.notify.retry_interval must be positive")
	}
	seen := map[string]bool{}
	for _, wh := range c.Notify.Webhooks {
		if wh.ID == "" || wh.URL == "" {
			return fmt.Errorf("config.notify.webhooks entries need id and url")
		}
		if seen[wh.ID] {
			return fmt.Errorf("duplicate webhook id %s", wh.ID)
		}
		seen[wh.ID] = true
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "boardline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(boardID string) string {
	return fmt.Sprintf(defaultTemplate, boardID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a board.
func Default(boardID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(boardID))).Decode(&cfg)
	cfg.Board.ID = boardID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset sections fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `board:
  id: %s

locking:
  backend: memory
  wait_timeout: 300ms
  lease_ttl: 30s

escalation:
  reminded_after: 4h
  urgent_after: 12h
  awaiting_user_after: 24h
  sweep_interval: 1m

reconcile:
  interval: 5m
  stale_after: 48h

tracker:
  kind: memory
  label_prefix: "status:"
  token_env: BOARDLINE_GITHUB_TOKEN

notify:
  nats:
    url: ""
    subject_prefix: boardline
  webhooks: []
  retry_interval: 30s
  max_attempts: 8

server:
  webhook_secret_env: BOARDLINE_WEBHOOK_SECRET
  webhook_rate_limit: 5
  webhook_burst: 20
`
