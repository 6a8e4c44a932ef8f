package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/onboardly/control-plane/internal/audit"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// StageChainSummary is the audit stage name of the consolidated entry.
const StageChainSummary = "chain_summary"

// Auditor writes one decision point per stage that ran plus a chain summary.
type Auditor struct {
	trail audit.Trail
}

func NewAuditor(t audit.Trail) *Auditor {
	return &Auditor{trail: t}
}

// Run appends the record's decision points and scores compliance as the
// share of required stages with at least one stored entry.
func (a *Auditor) Run(ctx context.Context, rec *Record) *models.AuditResult {
	inc := rec.Incident
	result := &models.AuditResult{}

	var failures []string
	covered := make(map[Stage]bool)
	for _, stage := range rec.StagesRun() {
		if stage == StageAudit {
			continue
		}
		entry := a.entryFor(stage, rec)
		stored, err := a.trail.Append(ctx, entry)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", stage, err))
			continue
		}
		covered[stage] = true
		result.Entries = append(result.Entries, stored)
	}

	res := rec.Result()
	summary, err := a.trail.Append(ctx, models.AuditEntry{
		SessionID: inc.SessionID,
		Stage:     StageChainSummary,
		Decision:  summaryDecision(res),
		Rationale: res.Explanation,
		Component: models.AgentAudit,
		Timestamp: time.Now().UTC(),
		Details: map[string]interface{}{
			"stages_run": res.StagesRun,
			"ticket_id":  res.TicketID,
			"source":     string(inc.Source),
		},
	})
	if err != nil {
		failures = append(failures, fmt.Sprintf("%s: %v", StageChainSummary, err))
	} else {
		result.Entries = append(result.Entries, summary)
	}

	required := requiredStages(rec)
	for _, s := range required {
		if !covered[s] {
			result.MissingStages = append(result.MissingStages, string(s))
		}
	}
	result.DecisionPoints = len(result.Entries)
	if len(required) > 0 {
		result.ComplianceScore = round2(100 * float64(len(required)-len(result.MissingStages)) / float64(len(required)))
	}
	if len(failures) > 0 {
		result.Error = strings.Join(failures, "; ")
	}
	result.Success = len(failures) == 0 && len(result.MissingStages) == 0

	log.Info().
		Str("session_id", inc.SessionID).
		Int("decision_points", result.DecisionPoints).
		Float64("compliance", result.ComplianceScore).
		Msg("📋 Escalation audited")
	return result
}

// requiredStages is the routing the record should have followed.
func requiredStages(rec *Record) []Stage {
	required := []Stage{StageClassification}
	if rec.Classification != nil && rec.Classification.Success && rec.Classification.NextHandler == models.HandlerRecovery {
		required = append(required, StageRecovery)
	}
	if rec.NeedsHandoff() {
		required = append(required, StageHandoff)
	}
	return required
}

func (a *Auditor) entryFor(stage Stage, rec *Record) models.AuditEntry {
	entry := models.AuditEntry{
		SessionID: rec.Incident.SessionID,
		Stage:     string(stage),
		Component: stageAgents[stage],
		Timestamp: time.Now().UTC(),
		Details:   map[string]interface{}{},
	}
	if msg := rec.StageError(stage); msg != "" {
		entry.Details["stage_error"] = msg
	}

	switch stage {
	case StageClassification:
		c := rec.Classification
		if c == nil {
			entry.Decision, entry.Rationale = "stage_failed", "no classification produced"
			break
		}
		entry.Decision = fmt.Sprintf("classified:%s/%s", c.Category, c.Severity)
		entry.Rationale = fmt.Sprintf("rule %s selected %s (confidence %.2f), next %s", c.MatchedRule, c.RecoveryStrategy, c.Confidence, c.NextHandler)
		entry.Details["matched_rule"] = c.MatchedRule
		entry.Details["strategy"] = string(c.RecoveryStrategy)
	case StageRecovery:
		r := rec.Recovery
		if r == nil {
			entry.Decision, entry.Rationale = "stage_failed", "no recovery result produced"
			break
		}
		entry.Decision = "recovery:" + string(r.FinalStatus)
		entry.Rationale = fmt.Sprintf("%s made %d of %d attempt(s)", r.Strategy, len(r.Attempts), r.MaxAttempts)
		if r.EscalationReason != "" {
			entry.Rationale += "; " + r.EscalationReason
		}
		entry.Details["attempts"] = len(r.Attempts)
		entry.Details["escalation_required"] = r.EscalationRequired
	case StageHandoff:
		h := rec.Handoff
		if h == nil || h.Specialist == nil {
			entry.Decision, entry.Rationale = "stage_failed", "no handoff result produced"
			break
		}
		entry.Decision = "handoff:" + string(h.Specialist.Role)
		if h.Ticket != nil {
			entry.Rationale = fmt.Sprintf("ticket %s opened with priority %s for %s", h.Ticket.ID, h.Ticket.Priority, h.Specialist.ID)
			entry.Details["ticket_id"] = h.Ticket.ID
		}
		entry.Details["handoff_quality_score"] = h.HandoffQualityScore
	}
	return entry
}

func summaryDecision(res *models.EscalationResult) string {
	switch {
	case res.Resolved:
		return "resolved"
	case res.Escalated:
		return "escalated"
	}
	return "unresolved"
}
