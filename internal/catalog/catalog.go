package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Well-known status IDs referenced by workflow rules.
const (
	StatusUnderEvaluation = "under_evaluation"
	StatusInDevelopment   = "in_development"
	StatusInProduction    = "in_production"
	StatusOnHold          = "on_hold"
	StatusCancelled       = "cancelled"
	StatusCompleted       = "completed"
	StatusArchived        = "archived"
)

// Stage is a sub-phase within a status.
type Stage struct {
	ID     string `yaml:"id" json:"id"`
	Title  string `yaml:"title" json:"title"`
	Hidden bool   `yaml:"hidden,omitempty" json:"hidden,omitempty"`
}

// ReasonRule says whether moving into a status requires a comment, and with
// what prompt. In YAML it is either a bare boolean or a prompt string.
type ReasonRule struct {
	Required bool
	Prompt   string
}

func (r *ReasonRule) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!bool":
		var b bool
		if err := value.Decode(&b); err != nil {
			return err
		}
		r.Required = b
		return nil
	case "!!str":
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		r.Required = s != ""
		r.Prompt = s
		return nil
	default:
		return fmt.Errorf("requirements.reason must be a bool or prompt string, got %s", value.Tag)
	}
}

func (r ReasonRule) MarshalYAML() (any, error) {
	if r.Prompt != "" {
		return r.Prompt, nil
	}
	return r.Required, nil
}

// Requirements are extra inputs a transition into a status demands.
type Requirements struct {
	Reason ReasonRule `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Status is one workflow column.
type Status struct {
	ID                string        `yaml:"id" json:"id"`
	Title             string        `yaml:"title" json:"title"`
	Hidden            bool          `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Stages            []Stage       `yaml:"stages,omitempty" json:"stages,omitempty"`
	AllowedMoves      []string      `yaml:"allowed_moves,omitempty" json:"allowed_moves,omitempty"`
	AllowedAdminMoves []string      `yaml:"allowed_admin_moves,omitempty" json:"allowed_admin_moves,omitempty"`
	Requirements      *Requirements `yaml:"requirements,omitempty" json:"requirements,omitempty"`
}

// HasStage reports whether the status carries the given stage.
func (s *Status) HasStage(id string) bool {
	for _, st := range s.Stages {
		if st.ID == id {
			return true
		}
	}
	return false
}

// AllowsMove reports whether the status permits a non-admin move to target.
func (s *Status) AllowsMove(target string) bool {
	for _, id := range s.AllowedMoves {
		if id == target {
			return true
		}
	}
	return false
}

// AllowsAdminMove reports whether the status permits an admin-only move.
func (s *Status) AllowsAdminMove(target string) bool {
	for _, id := range s.AllowedAdminMoves {
		if id == target {
			return true
		}
	}
	return false
}

// RequiresReason reports whether moving into this status demands a comment.
func (s *Status) RequiresReason() bool {
	return s.Requirements != nil && s.Requirements.Reason.Required
}

// ReasonPrompt returns the prompt shown when a reason is required.
func (s *Status) ReasonPrompt() string {
	if s.Requirements == nil {
		return ""
	}
	if s.Requirements.Reason.Prompt != "" {
		return s.Requirements.Reason.Prompt
	}
	if s.Requirements.Reason.Required {
		return "A reason is required for this status"
	}
	return ""
}

// Requirement is one progress contributor: a single milestone field, or a
// group of sub-fields that together carry the weight of one entry.
type Requirement struct {
	Field string   `yaml:"field,omitempty" json:"field,omitempty"`
	Group []string `yaml:"group,omitempty" json:"group,omitempty"`
}

// Catalog is the static status/stage configuration. Loaded once per process;
// never mutated afterwards.
type Catalog struct {
	Statuses []Status `yaml:"statuses" json:"statuses"`
}

// Status returns the status with the given ID, or nil.
func (c *Catalog) Status(id string) *Status {
	for i := range c.Statuses {
		if c.Statuses[i].ID == id {
			return &c.Statuses[i]
		}
	}
	return nil
}

// Visible returns the non-hidden statuses in catalog order.
func (c *Catalog) Visible() []Status {
	var out []Status
	for _, s := range c.Statuses {
		if !s.Hidden {
			out = append(out, s)
		}
	}
	return out
}

// Validate ensures every referenced status and stage exists and IDs are unique.
func (c *Catalog) Validate() error {
	if len(c.Statuses) == 0 {
		return fmt.Errorf("catalog has no statuses")
	}
	seen := map[string]bool{}
	for _, s := range c.Statuses {
		if s.ID == "" {
			return fmt.Errorf("catalog contains a status with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate status id %s", s.ID)
		}
		seen[s.ID] = true
		stageSeen := map[string]bool{}
		for _, st := range s.Stages {
			if st.ID == "" {
				return fmt.Errorf("status %s contains a stage with empty id", s.ID)
			}
			if stageSeen[st.ID] {
				return fmt.Errorf("status %s has duplicate stage id %s", s.ID, st.ID)
			}
			stageSeen[st.ID] = true
		}
	}
	for _, s := range c.Statuses {
		for _, target := range s.AllowedMoves {
			if !seen[target] {
				return fmt.Errorf("status %s allows move to unknown status %s", s.ID, target)
			}
		}
		for _, target := range s.AllowedAdminMoves {
			if !seen[target] {
				return fmt.Errorf("status %s allows admin move to unknown status %s", s.ID, target)
			}
		}
	}
	return nil
}

// FromYAML parses and validates a catalog.
func FromYAML(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("built-in catalog invalid: %v", err))
	}
	return c
}

const defaultTemplate = `statuses:
  - id: under_evaluation
    title: Under Evaluation
    allowed_moves: [in_development, on_hold, cancelled]
    allowed_admin_moves: [in_production, completed]

  - id: in_development
    title: In Development
    stages:
      - id: design
        title: Design
      - id: build
        title: Build
      - id: test
        title: Test
      - id: uat
        title: UAT
      - id: deploy
        title: Deploy
    allowed_moves: [in_production, on_hold, cancelled]
    allowed_admin_moves: [under_evaluation]

  - id: in_production
    title: In Production
    allowed_moves: [completed, on_hold]
    allowed_admin_moves: [in_development, cancelled]

  - id: on_hold
    title: On Hold
    requirements:
      reason: "Why is this item on hold?"
    allowed_moves: [under_evaluation, in_development, in_production, cancelled]

  - id: cancelled
    title: Cancelled
    requirements:
      reason: true
    allowed_admin_moves: [under_evaluation]

  - id: completed
    title: Completed
    allowed_moves: [archived]
    allowed_admin_moves: [in_production]

  - id: archived
    title: Archived
    hidden: true
    allowed_admin_moves: [under_evaluation]
`
