package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pmon/internal/catalog"
	"pmon/internal/domain"
	"pmon/internal/workflow"
)

// Config models pmon.yml: the status catalog, milestone requirement lists and
// service tuning. One config per deployment, stored in the database and
// seeded from the built-in default on first run.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Catalog      catalog.Catalog                  `yaml:"catalog"`
	Requirements map[string][]catalog.Requirement `yaml:"requirements"`
	Intervals    struct {
		RankSaveQuietSeconds int `yaml:"rank_save_quiet_seconds"`
		IdleRefreshMinutes   int `yaml:"idle_refresh_minutes"`
	} `yaml:"intervals"`
	Notifications struct {
		// AssignmentWebhook receives a POST when a record's developers
		// change. Best effort; empty disables it.
		AssignmentWebhook string `yaml:"assignment_webhook"`
	} `yaml:"notifications"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if err := c.Catalog.Validate(); err != nil {
		return fmt.Errorf("config.catalog: %w", err)
	}
	if len(c.Requirements) == 0 {
		return fmt.Errorf("config.requirements is required")
	}
	if _, ok := c.Requirements["default"]; !ok {
		return fmt.Errorf("config.requirements must include a default list")
	}
	for name, list := range c.Requirements {
		for i, req := range list {
			if req.Field == "" && len(req.Group) == 0 {
				return fmt.Errorf("requirements.%s[%d] names neither a field nor a group", name, i)
			}
			if req.Field != "" && len(req.Group) > 0 {
				return fmt.Errorf("requirements.%s[%d] names both a field and a group", name, i)
			}
			for _, f := range req.Group {
				if f == "" {
					return fmt.Errorf("requirements.%s[%d] has an empty group field", name, i)
				}
			}
		}
	}
	if c.Intervals.RankSaveQuietSeconds <= 0 {
		return fmt.Errorf("config.intervals.rank_save_quiet_seconds must be positive")
	}
	if c.Intervals.IdleRefreshMinutes <= 0 {
		return fmt.Errorf("config.intervals.idle_refresh_minutes must be positive")
	}
	return nil
}

// RequirementSet adapts the configured lists for the progress calculator.
func (c *Config) RequirementSet() workflow.RequirementSet {
	return workflow.RequirementSet(c.Requirements)
}

// Default returns the built-in Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("built-in config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// fall back to the built-in catalog and requirement lists.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Catalog.Statuses) == 0 {
		cfg.Catalog = *catalog.Default()
	}
	if len(cfg.Requirements) == 0 {
		cfg.Requirements = map[string][]catalog.Requirement(workflow.DefaultRequirements())
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

// FieldNames maps record field names to the friendly labels used in
// change-log entries.
func FieldNames() map[string]string {
	return map[string]string{
		domain.FieldName:            "Name",
		domain.FieldStatus:          "Status",
		domain.FieldDevStage:        "Development Stage",
		domain.FieldPriority:        "Priority",
		domain.FieldDevID:           "Developers",
		domain.FieldProcessOwnerIDs: "Process Owners",
		domain.FieldSystemIDs:       "Systems",
		domain.FieldToolsIDs:        "Tools",
		domain.FieldStartDate:       "Start Date",
		domain.FieldEstDelivery:     "Estimated Delivery Date",
		domain.FieldLiveDate:        "Live Date",
		domain.FieldStatusDate:      "Status Date",
		domain.FieldStatusReason:    "Status Reason",
		domain.FieldHoursAdded:      "Hours Added",
		domain.FieldHoursSaved:      "Hours Saved",
	}
}

const defaultTemplate = `service:
  name: project-monitor

intervals:
  rank_save_quiet_seconds: 10
  idle_refresh_minutes: 5

notifications:
  assignment_webhook: ""
`
