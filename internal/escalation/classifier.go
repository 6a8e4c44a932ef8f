package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

const defaultRuleConfidence = 0.8

// rule is a compiled classification rule.
type rule struct {
	spec    config.RuleSpec
	program *vm.Program
}

// Classifier maps an incident to a category, severity and recovery strategy
// by evaluating compiled rules in order. The first matching rule wins; an
// unmatched incident gets agent_failure / medium / immediate_retry.
type Classifier struct {
	rules     []rule
	hardFloor float64
	now       func() time.Time
}

// NewClassifier compiles specs once. A rule whose expression does not compile
// or does not yield a boolean is a configuration error.
func NewClassifier(specs []config.RuleSpec, hardFloor float64) (*Classifier, error) {
	c := &Classifier{hardFloor: hardFloor, now: time.Now}
	for _, s := range specs {
		program, err := expr.Compile(s.When, expr.Env(ruleEnv(nil, 0, time.Time{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", s.Name, err)
		}
		c.rules = append(c.rules, rule{spec: s, program: program})
	}
	log.Debug().Int("rules", len(c.rules)).Msg("Classification rules compiled")
	return c, nil
}

// Rules returns the rule names in evaluation order.
func (c *Classifier) Rules() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.spec.Name
	}
	return names
}

// Classify evaluates the rule table against inc. It never fails: a rule that
// errors at runtime is skipped and logged.
func (c *Classifier) Classify(inc *Incident) *models.ClassificationResult {
	at := inc.At
	if at.IsZero() {
		at = c.now()
	}
	env := ruleEnv(inc, c.hardFloor, at)

	result := &models.ClassificationResult{
		Success:          true,
		Category:         models.CategoryAgentFailure,
		Severity:         models.SeverityMedium,
		RecoveryStrategy: models.StrategyImmediateRetry,
		MatchedRule:      "default",
		Confidence:       0.5,
		RetryTarget:      strings.Join(inc.FailedAgents, ","),
		ClassifiedAt:     at.UTC(),
	}

	for _, r := range c.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			log.Warn().Err(err).Str("rule", r.spec.Name).Str("session_id", inc.SessionID).Msg("Classification rule failed")
			continue
		}
		if matched, _ := out.(bool); !matched {
			continue
		}
		result.MatchedRule = r.spec.Name
		result.Category = models.ErrorCategory(r.spec.Category)
		result.Severity = models.Severity(r.spec.Severity)
		if inc.Priority == models.PriorityUrgent && r.spec.UrgentSeverity != "" {
			result.Severity = models.Severity(r.spec.UrgentSeverity)
		}
		result.RecoveryStrategy = models.RecoveryStrategy(r.spec.Strategy)
		result.Confidence = r.spec.Confidence
		if result.Confidence == 0 {
			result.Confidence = defaultRuleConfidence
		}
		break
	}

	result.NextHandler = models.HandlerRecovery
	if result.RecoveryStrategy == models.StrategyEscalateDirectly {
		result.NextHandler = models.HandlerHumanHandoff
	}
	return result
}

// ruleEnv builds the variables visible to rule expressions. A nil incident
// yields the zero-valued environment used for type checking.
func ruleEnv(inc *Incident, hardFloor float64, at time.Time) map[string]interface{} {
	env := map[string]interface{}{
		"message":        "",
		"category":       "",
		"quality":        -1.0,
		"hard_floor":     hardFloor,
		"priority":       "",
		"source":         "",
		"failed_agent":   "",
		"stage":          "",
		"business_hours": false,
	}
	if inc == nil {
		return env
	}
	env["message"] = strings.ToLower(inc.Message)
	env["category"] = string(inc.Category)
	if inc.Quality != nil {
		env["quality"] = *inc.Quality
	}
	env["priority"] = string(inc.Priority)
	env["source"] = string(inc.Source)
	if len(inc.FailedAgents) > 0 {
		env["failed_agent"] = inc.FailedAgents[0]
	}
	env["stage"] = inc.Stage
	env["business_hours"] = BusinessHours(at)
	return env
}

// BusinessHours reports whether t falls on a weekday between 09:00 and 17:00
// in t's location.
func BusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= 9 && t.Hour() < 17
}
