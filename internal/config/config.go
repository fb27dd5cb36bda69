package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models rtwline.yml.
type Config struct {
	Organization struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"organization"`
	Compliance struct {
		// LookaheadDays is the window in which a plan counts as expiring soon.
		LookaheadDays int    `yaml:"lookahead_days"`
		SweepInterval string `yaml:"sweep_interval"`
		ScanWorkers   int    `yaml:"scan_workers"`
	} `yaml:"compliance"`
	Store struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"store"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rtw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace, orgID string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(orgID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if c.Compliance.LookaheadDays < 0 {
		return fmt.Errorf("config.compliance.lookahead_days must not be negative")
	}
	if c.Compliance.ScanWorkers < 0 {
		return fmt.Errorf("config.compliance.scan_workers must not be negative")
	}
	if c.Compliance.SweepInterval != "" {
		if d, err := time.ParseDuration(c.Compliance.SweepInterval); err != nil || d <= 0 {
			return fmt.Errorf("config.compliance.sweep_interval must be a positive duration")
		}
	}
	if c.Store.Timeout != "" {
		if d, err := time.ParseDuration(c.Store.Timeout); err != nil || d <= 0 {
			return fmt.Errorf("config.store.timeout must be a positive duration")
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Lookahead returns the expiring-soon window. An unset lookahead_days uses
// the seven day default.
func (c *Config) Lookahead() time.Duration {
	days := c.Compliance.LookaheadDays
	if days <= 0 {
		days = defaultLookaheadDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (c *Config) SweepInterval() time.Duration {
	return parseDurationOr(c.Compliance.SweepInterval, time.Hour)
}

func (c *Config) StoreTimeout() time.Duration {
	return parseDurationOr(c.Store.Timeout, 5*time.Second)
}

func (c *Config) ScanWorkers() int {
	if c.Compliance.ScanWorkers <= 0 {
		return 8
	}
	return c.Compliance.ScanWorkers
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rtwline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	if orgID == "" {
		orgID = "default-org"
	}
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
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

const defaultLookaheadDays = 7

const defaultTemplate = `organization:
  id: %s
  name: Default Organization

compliance:
  lookahead_days: 7
  sweep_interval: 1h
  scan_workers: 8

store:
  timeout: 5s

rbac:
  roles:
    admin:
      description: "Administrator; may force transitions and read across organizations"
      permissions:
        - case.admin
        - case.open
        - rtw_plan.force_transition
        - rtw_plan.transition
        - treatment_plan.extend
        - rtw.overview.read
        - audit.read
        - tasks.trigger
    case_manager:
      description: "Manages RTW plans for the organization's cases"
      permissions:
        - case.open
        - rtw_plan.transition
        - treatment_plan.extend
        - rtw.overview.read
        - audit.read
    viewer:
      description: "Read-only access to plans and overviews"
      permissions:
        - rtw.overview.read
`
