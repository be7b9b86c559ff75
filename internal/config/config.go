package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"journalflow/internal/domain"
	"journalflow/internal/workflow"
)

// Config models journalflow.yml.
type Config struct {
	Journal struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"journal"`
	Workflow struct {
		ReasonRequired []string `yaml:"reason_required"`
	} `yaml:"workflow"`
	Scope struct {
		EnforceJournalScope bool `yaml:"enforce_journal_scope"`
	} `yaml:"scope"`
	Gates struct {
		MissingInvoice       string `yaml:"missing_invoice"`
		RequireCycleApproval *bool  `yaml:"require_cycle_approval"`
	} `yaml:"gates"`
	Capabilities  map[string][]string `yaml:"capabilities"`
	Storage       StorageConfig       `yaml:"storage"`
	Notify        NotifyConfig        `yaml:"notify"`
	Cache         CacheConfig         `yaml:"cache"`
	AuditWebhooks []WebhookConfig     `yaml:"audit_webhooks"`
}

type StorageConfig struct {
	Driver              string `yaml:"driver"`
	Endpoint            string `yaml:"endpoint"`
	AccessKey           string `yaml:"access_key"`
	SecretKey           string `yaml:"secret_key"`
	Bucket              string `yaml:"bucket"`
	Region              string `yaml:"region"`
	UseSSL              bool   `yaml:"use_ssl"`
	SignedURLTTLSeconds int    `yaml:"signed_url_ttl_seconds"`
}

type NotifyConfig struct {
	Driver    string `yaml:"driver"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Queue     string `yaml:"queue"`
	MaxRetry  int    `yaml:"max_retry"`
}

type CacheConfig struct {
	Size       int `yaml:"size"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	MissingInvoiceSatisfied = "satisfied"
	MissingInvoiceBlocked   = "blocked"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Journal.ID == "" {
		return fmt.Errorf("config.journal.id is required")
	}
	for _, s := range c.Workflow.ReasonRequired {
		if _, ok := domain.ParseStatus(s); !ok {
			return fmt.Errorf("config.workflow.reason_required has unknown status %s", s)
		}
	}
	switch c.Gates.MissingInvoice {
	case "", MissingInvoiceSatisfied, MissingInvoiceBlocked:
	default:
		return fmt.Errorf("config.gates.missing_invoice must be %q or %q", MissingInvoiceSatisfied, MissingInvoiceBlocked)
	}
	if _, err := workflow.NewResolver(c.Capabilities); err != nil {
		return fmt.Errorf("config.capabilities: %w", err)
	}
	switch c.Storage.Driver {
	case "", "memory":
	case "minio", "s3":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.endpoint and bucket are required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config.storage.driver %s not supported", c.Storage.Driver)
	}
	switch c.Notify.Driver {
	case "", "none":
	case "asynq":
		if c.Notify.RedisAddr == "" {
			return fmt.Errorf("config.notify.redis_addr is required for driver asynq")
		}
	default:
		return fmt.Errorf("config.notify.driver %s not supported", c.Notify.Driver)
	}
	if c.Cache.Size < 0 || c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config.cache values must not be negative")
	}
	for i, hook := range c.AuditWebhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.audit_webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ReasonRequiredFor reports whether moving into target needs a reason.
func (c *Config) ReasonRequiredFor(target domain.Status) bool {
	for _, s := range c.Workflow.ReasonRequired {
		if s == string(target) {
			return true
		}
	}
	return false
}

// GatePolicy converts the gates section.
func (c *Config) GatePolicy() workflow.GatePolicy {
	p := workflow.DefaultGatePolicy()
	if c.Gates.MissingInvoice == MissingInvoiceBlocked {
		p.MissingInvoiceSatisfies = false
	}
	if c.Gates.RequireCycleApproval != nil {
		p.RequireCycleApproval = *c.Gates.RequireCycleApproval
	}
	return p
}

// SignedURLTTL is the validity of issued download links.
func (c *Config) SignedURLTTL() time.Duration {
	if c.Storage.SignedURLTTLSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Storage.SignedURLTTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "journalflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(journalID string) string {
	return fmt.Sprintf(defaultTemplate, journalID)
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

// Default returns the default Config struct for a journal.
func Default(journalID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, journalID))).Decode(&cfg)
	cfg.Journal.ID = journalID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `journal:
  id: %s
  name: ""

workflow:
  reason_required: [minor_revision, major_revision, rejected, approved]

scope:
  enforce_journal_scope: true

gates:
  # satisfied: a manuscript without an invoice has nothing to collect
  # blocked: publication waits until an invoice exists and is settled
  missing_invoice: satisfied
  require_cycle_approval: true

# role -> actions; listed roles replace the built-in defaults
capabilities: {}

storage:
  driver: memory
  bucket: galleys
  signed_url_ttl_seconds: 900

notify:
  driver: none
  queue: notifications
  max_retry: 5

cache:
  size: 512
  ttl_seconds: 30

audit_webhooks: []
`
