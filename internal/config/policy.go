package config

import (
	"fmt"
	"os"

	"github.com/onboardly/control-plane/pkg/models"
	"gopkg.in/yaml.v3"
)

// Policy is the operator-editable escalation policy: classification rules,
// the specialist roster and the stakeholders copied on every escalation.
type Policy struct {
	Thresholds   *Thresholds         `yaml:"thresholds,omitempty"`
	Rules        []RuleSpec          `yaml:"classification_rules"`
	Specialists  []models.Specialist `yaml:"specialists"`
	Stakeholders []Stakeholder       `yaml:"stakeholders"`
}

// RuleSpec is one classification rule. When is an expr-lang boolean
// expression over the incident environment (message, category, quality,
// hard_floor, priority, source, failed_agent, stage, business_hours).
// message is lower-cased; quality is -1 when unknown.
type RuleSpec struct {
	Name           string  `yaml:"name"`
	When           string  `yaml:"when"`
	Category       string  `yaml:"category"`
	Severity       string  `yaml:"severity"`
	UrgentSeverity string  `yaml:"urgent_severity,omitempty"`
	Strategy       string  `yaml:"strategy"`
	Confidence     float64 `yaml:"confidence,omitempty"`
}

// Stakeholder is notified about every escalation regardless of specialist.
type Stakeholder struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
}

// DefaultPolicy returns the built-in rule table and roster.
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: []RuleSpec{
			{
				Name:       "security_breach",
				When:       `category == "security" || any(["unauthorized", "forbidden", "breach", "credential", "injection", "security"], {message contains #})`,
				Category:   string(models.CategorySecurity),
				Severity:   string(models.SeverityCritical),
				Strategy:   string(models.StrategyEscalateDirectly),
				Confidence: 0.95,
			},
			{
				Name:       "quality_below_floor",
				When:       `quality >= 0 && quality < hard_floor`,
				Category:   string(models.CategoryDataQuality),
				Severity:   string(models.SeverityCritical),
				Strategy:   string(models.StrategyStateRollback),
				Confidence: 0.9,
			},
			{
				Name:           "timeout",
				When:           `category == "timeout" || message contains "timeout" || message contains "deadline exceeded"`,
				Category:       string(models.CategoryTimeout),
				Severity:       string(models.SeverityMedium),
				UrgentSeverity: string(models.SeverityHigh),
				Strategy:       string(models.StrategyExponentialBackoff),
				Confidence:     0.85,
			},
			{
				Name:       "integration",
				When:       `category == "integration" || message contains "connection refused" || message contains "unavailable"`,
				Category:   string(models.CategoryIntegration),
				Severity:   string(models.SeverityHigh),
				Strategy:   string(models.StrategyExponentialBackoff),
				Confidence: 0.8,
			},
			{
				Name:       "critical",
				When:       `category == "critical"`,
				Category:   string(models.CategoryCritical),
				Severity:   string(models.SeverityCritical),
				Strategy:   string(models.StrategyEscalateDirectly),
				Confidence: 0.9,
			},
			{
				Name:       "data_validation",
				When:       `category in ["data_quality", "validation"]`,
				Category:   string(models.CategoryDataQuality),
				Severity:   string(models.SeverityHigh),
				Strategy:   string(models.StrategyStateRollback),
				Confidence: 0.75,
			},
			{
				Name:       "agent_failure",
				When:       `category == "agent_failure"`,
				Category:   string(models.CategoryAgentFailure),
				Severity:   string(models.SeverityHigh),
				Strategy:   string(models.StrategyImmediateRetry),
				Confidence: 0.7,
			},
		},
		Specialists: []models.Specialist{
			{ID: "hr-oncall", Name: "HR Manager On Call", Role: models.SpecialistHRManager, Email: "hr-escalations@example.com"},
			{ID: "it-oncall", Name: "IT Specialist On Call", Role: models.SpecialistIT, Email: "it-escalations@example.com"},
			{ID: "sec-oncall", Name: "Security Specialist On Call", Role: models.SpecialistSecurity, Email: "security-escalations@example.com"},
			{ID: "legal-oncall", Name: "Legal Specialist On Call", Role: models.SpecialistLegal, Email: "legal-escalations@example.com"},
			{ID: "coord-oncall", Name: "Onboarding Coordinator", Role: models.SpecialistCoordinator, Email: "onboarding@example.com"},
		},
		Stakeholders: []Stakeholder{
			{Name: "People Operations", Email: "people-ops@example.com", Role: "stakeholder"},
		},
	}
}

// LoadPolicy reads a YAML policy file on top of DefaultPolicy. Sections
// present in the file replace the defaults wholesale. An empty path returns
// the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	// Missing threshold keys keep their defaults.
	th := DefaultThresholds()
	file := Policy{Thresholds: &th}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if file.Thresholds != nil && *file.Thresholds != DefaultThresholds() {
		p.Thresholds = file.Thresholds
	}
	if len(file.Rules) > 0 {
		p.Rules = file.Rules
	}
	if len(file.Specialists) > 0 {
		p.Specialists = file.Specialists
	}
	if len(file.Stakeholders) > 0 {
		p.Stakeholders = file.Stakeholders
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks rule and roster shape. Expressions are compiled later by
// the classifier.
func (p *Policy) Validate() error {
	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if r.Name == "" || r.When == "" {
			return fmt.Errorf("rule %d: name and when are required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if r.Category == "" || r.Severity == "" || r.Strategy == "" {
			return fmt.Errorf("rule %q: category, severity and strategy are required", r.Name)
		}
	}
	for i, s := range p.Specialists {
		if s.ID == "" || s.Role == "" {
			return fmt.Errorf("specialist %d: id and role are required", i)
		}
	}
	if t := p.Thresholds; t != nil {
		if t.HardFloor > t.Quality {
			return fmt.Errorf("thresholds: hard_floor %.1f exceeds quality_threshold %.1f", t.HardFloor, t.Quality)
		}
	}
	return nil
}

// SpecialistFor returns the first specialist holding role.
func (p *Policy) SpecialistFor(role models.SpecialistRole) (models.Specialist, bool) {
	for _, s := range p.Specialists {
		if s.Role == role {
			return s, true
		}
	}
	return models.Specialist{}, false
}
