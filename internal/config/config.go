package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sitetrack/internal/domain"
	"sitetrack/internal/status"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config models sitetrack.yml.
type Config struct {
	Storage struct {
		Backend string `yaml:"backend" json:"backend"`
		Redis   struct {
			Addr     string `yaml:"addr" json:"addr"`
			Password string `yaml:"password" json:"-"`
			DB       int    `yaml:"db" json:"db"`
			Prefix   string `yaml:"prefix" json:"prefix"`
		} `yaml:"redis" json:"redis"`
	} `yaml:"storage" json:"storage"`
	Statuses struct {
		Fallback    status.FallbackPolicy        `yaml:"fallback" json:"fallback"`
		Definitions map[string]status.Definition `yaml:"definitions" json:"definitions"`
	} `yaml:"statuses" json:"statuses"`
	Settings domain.Settings `yaml:"settings" json:"settings"`
	Users    []domain.User   `yaml:"users" json:"users"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
	Server   struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Log struct {
		Level    string `yaml:"level" json:"level"`
		Encoding string `yaml:"encoding" json:"encoding"`
	} `yaml:"log" json:"log"`
}

// WebhookConfig is one outbound HTTP hook. Events filters by event type;
// empty means every event.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

func (w WebhookConfig) IsEnabled() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// Matches reports whether the hook subscribes to evt.
func (w WebhookConfig) Matches(evt string) bool {
	subscribed := false
	for _, e := range w.Events {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		subscribed = true
		if e == evt || e == "*" {
			return true
		}
	}
	return !subscribed
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", BackendSQLite:
	case BackendRedis:
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			return fmt.Errorf("config.storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.storage.backend must be sqlite or redis, got %q", c.Storage.Backend)
	}
	if _, err := c.StatusTable(); err != nil {
		return fmt.Errorf("config.statuses: %w", err)
	}
	if c.Settings.DefaultEstimateValidDays < 0 {
		return fmt.Errorf("config.settings.default_estimate_valid_days must not be negative")
	}
	seen := map[string]bool{}
	for _, u := range c.Users {
		if u.ID == "" || u.Name == "" {
			return fmt.Errorf("config.users entries need id and name")
		}
		if seen[u.ID] {
			return fmt.Errorf("config.users has duplicate id %s", u.ID)
		}
		seen[u.ID] = true
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if _, err := url.ParseRequestURI(hook.URL); err != nil {
			return fmt.Errorf("config.webhooks[%d].url: %w", i, err)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// StatusTable builds the validated status table described by the config.
func (c *Config) StatusTable() (*status.Table, error) {
	return status.New(c.Statuses.Definitions, c.Statuses.Fallback)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sitetrack.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with st init", path)
	}
	return FromFile(path)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	overlay := struct {
		Statuses *struct {
			Fallback    status.FallbackPolicy        `yaml:"fallback"`
			Definitions map[string]status.Definition `yaml:"definitions"`
		} `yaml:"statuses"`
		Users []domain.User `yaml:"users"`
	}{}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	// maps and lists replace the defaults instead of merging into them
	if overlay.Statuses != nil && overlay.Statuses.Definitions != nil {
		cfg.Statuses.Definitions = nil
	}
	if overlay.Users != nil {
		cfg.Users = nil
	}
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

const defaultTemplate = `storage:
  backend: sqlite
  redis:
    addr: ""
    db: 0
    prefix: "sitetrack:"

statuses:
  # none: every non-terminal status must list its transitions
  # sequential: unlisted statuses may move to the next two by order
  fallback: none
  definitions:
    見積:
      order: 1
      color: "#82889D"
      description: 見積書作成・提出段階
      allowed_transitions: [受注]
    受注:
      order: 2
      color: "#244EFF"
      description: 契約締結・受注確定
      triggers_auto_ticket: true
      allowed_transitions: [施工前]
    施工前:
      order: 3
      color: "#0133D8"
      description: 施工準備・段取り
      allowed_transitions: [施工中]
    施工中:
      order: 4
      color: "#FFCE2C"
      description: 現場施工中
      allowed_transitions: [施工完了]
    施工完了:
      order: 5
      color: "#1DCE85"
      description: 施工作業完了
      allowed_transitions: [案件完了]
    案件完了:
      order: 6
      color: "#1DCE85"
      description: 引き渡し・精算完了
      allowed_transitions: []

settings:
  company_name: 株式会社サンプル建設
  auto_ticket_enabled: true
  default_estimate_valid_days: 30
  working_days: [月, 火, 水, 木, 金, 土]
  business_hours:
    start: "08:00"
    end: "17:00"
  notifications:
    status_change: true
    deadline_alert: true
    email_notifications: false
  theme: default
  language: ja

users:
  - id: user_001
    name: 山田花子
    role: 管理者
    email: yamada@company.com
    phone: 090-1111-2222
    active: true
  - id: user_002
    name: 佐藤次郎
    role: 現場管理者
    email: sato@company.com
    phone: 090-3333-4444
    active: true
  - id: user_003
    name: 鈴木一郎
    role: 作業員
    email: suzuki@company.com
    phone: 090-5555-6666
    active: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: warn
  encoding: console

webhooks: []
`
