// Package escalation implements the error-escalation chain: classification,
// automated recovery, human handoff and audit. Each stage reads and extends
// an accumulating Record. Chain.Run drives the stages in order, and
// Chain.RunStage re-runs a single stage against an existing Record.
package escalation

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/onboardly/control-plane/internal/audit"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/internal/notify"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// ── Stages ──────────────────────────────────────────────────

// Stage names one link of the chain.
type Stage string

const (
	StageClassification Stage = "classification"
	StageRecovery       Stage = "recovery"
	StageHandoff        Stage = "handoff"
	StageAudit          Stage = "audit"
)

// stageAgents maps each stage to the agent id it reports state under.
var stageAgents = map[Stage]string{
	StageClassification: models.AgentErrorClassifier,
	StageRecovery:       models.AgentRecovery,
	StageHandoff:        models.AgentHumanHandoff,
	StageAudit:          models.AgentAudit,
}

// stageKeys is where each stage stores its result in processed_data.
var stageKeys = map[Stage]string{
	StageClassification: "error_classification",
	StageRecovery:        "recovery_result",
	StageHandoff:         "handoff_result",
	StageAudit:           "audit_result",
}

// AgentIDs returns the agent ids of the four stages.
func AgentIDs() []string {
	return []string{models.AgentErrorClassifier, models.AgentRecovery, models.AgentHumanHandoff, models.AgentAudit}
}

// ── Incident & Record ───────────────────────────────────────

// RetryFunc re-invokes one failed agent during recovery.
type RetryFunc func(ctx context.Context, agentID string) (models.AgentResult, error)

// VerifyFunc checks that the condition which raised the incident has cleared
// once the failed agents succeeded. A non-nil error keeps the incident open.
type VerifyFunc func(ctx context.Context, recovered map[string]models.AgentResult) error

// Incident is the input of a chain run.
type Incident struct {
	SessionID    string                 `json:"session_id"`
	EmployeeID   string                 `json:"employee_id"`
	Source       models.ErrorSource     `json:"source"`
	Message      string                 `json:"message"`
	Category     models.ErrorCategory   `json:"category,omitempty"`
	Quality      *float64               `json:"quality,omitempty"`
	Priority     models.Priority        `json:"priority,omitempty"`
	FailedAgents []string               `json:"failed_agents,omitempty"`
	Stage        string                 `json:"stage,omitempty"` // pipeline stage agent, when the failure came from one
	Payload      map[string]interface{} `json:"payload,omitempty"`
	At           time.Time              `json:"at"`

	// Retry re-runs a failed agent. Without it recovery cannot remediate and
	// always escalates.
	Retry RetryFunc `json:"-"`

	// Verify, when set, runs after every failed agent succeeded on retry.
	Verify VerifyFunc `json:"-"`
}

// TimelineEntry is one event in the incident's history.
type TimelineEntry struct {
	At     time.Time `json:"at"`
	Stage  string    `json:"stage"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// Record accumulates the stage results of one chain run.
type Record struct {
	Incident       *Incident
	Classification *models.ClassificationResult
	Recovery       *models.RecoveryResult
	Handoff        *models.HandoffResult
	Audit          *models.AuditResult

	// Recovered holds the successful results produced by recovery retries.
	Recovered map[string]models.AgentResult

	mu          sync.Mutex
	stagesRun   []Stage
	stageErrors map[Stage]string
	timeline    []TimelineEntry
}

// NewRecord starts a record for inc.
func NewRecord(inc *Incident) *Record {
	if inc.At.IsZero() {
		inc.At = time.Now().UTC()
	}
	rec := &Record{
		Incident:    inc,
		Recovered:   make(map[string]models.AgentResult),
		stageErrors: make(map[Stage]string),
	}
	rec.note("detection", "incident_detected", fmt.Sprintf("%s: %s", inc.Source, inc.Message))
	return rec
}

func (r *Record) note(stage, event, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeline = append(r.timeline, TimelineEntry{At: time.Now().UTC(), Stage: stage, Event: event, Detail: detail})
}

func (r *Record) markRun(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, done := range r.stagesRun {
		if done == s {
			return
		}
	}
	r.stagesRun = append(r.stagesRun, s)
}

func (r *Record) setStageError(s Stage, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg == "" {
		delete(r.stageErrors, s)
		return
	}
	r.stageErrors[s] = msg
}

// StagesRun returns the stages that ran, in first-run order.
func (r *Record) StagesRun() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.stagesRun...)
}

// StageError returns the recorded fault of stage s, if any.
func (r *Record) StageError(s Stage) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stageErrors[s]
}

// Timeline returns a copy of the incident timeline.
func (r *Record) Timeline() []TimelineEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TimelineEntry(nil), r.timeline...)
}

// NeedsHandoff reports whether the record must go to a human: classification
// failed or routed directly, or recovery did not resolve the incident.
func (r *Record) NeedsHandoff() bool {
	if r.Classification == nil || !r.Classification.Success {
		return true
	}
	if r.Classification.NextHandler == models.HandlerHumanHandoff {
		return true
	}
	return r.Recovery == nil || r.Recovery.EscalationRequired
}

// Result merges the stage results into an EscalationResult.
func (r *Record) Result() *models.EscalationResult {
	res := &models.EscalationResult{
		Classification: r.Classification,
		Recovery:       r.Recovery,
		Handoff:        r.Handoff,
		Audit:          r.Audit,
	}
	for _, s := range r.StagesRun() {
		res.StagesRun = append(res.StagesRun, string(s))
	}
	r.mu.Lock()
	if len(r.stageErrors) > 0 {
		res.StageErrors = make(map[string]string, len(r.stageErrors))
		for s, msg := range r.stageErrors {
			res.StageErrors[string(s)] = msg
		}
	}
	r.mu.Unlock()

	res.Escalated = r.Handoff != nil
	res.Resolved = !res.Escalated && r.Recovery != nil && r.Recovery.Success
	if r.Handoff != nil && r.Handoff.Ticket != nil {
		res.TicketID = r.Handoff.Ticket.ID
	}

	var parts []string
	if c := r.Classification; c != nil {
		parts = append(parts, fmt.Sprintf("classified as %s/%s by rule %s", c.Category, c.Severity, c.MatchedRule))
	}
	if rc := r.Recovery; rc != nil {
		parts = append(parts, fmt.Sprintf("recovery %s after %d attempt(s)", rc.FinalStatus, len(rc.Attempts)))
	}
	if h := r.Handoff; h != nil && h.Specialist != nil {
		ticket := "no ticket"
		if h.Ticket != nil {
			ticket = "ticket " + h.Ticket.ID
		}
		parts = append(parts, fmt.Sprintf("handed off to %s (%s)", h.Specialist.Role, ticket))
	}
	if a := r.Audit; a != nil {
		parts = append(parts, fmt.Sprintf("audited %d decision point(s), compliance %.0f%%", a.DecisionPoints, a.ComplianceScore))
	}
	res.Explanation = strings.Join(parts, "; ")
	return res
}

// ── Chain ───────────────────────────────────────────────────

// Options wires a Chain.
type Options struct {
	Store      store.Store
	Trail      audit.Trail
	Notifier   *notify.Service
	Policy     *config.Policy
	Thresholds config.Thresholds
	Recovery   config.RecoveryConfig
}

// Chain runs the four escalation stages.
type Chain struct {
	store      store.Store
	classifier *Classifier
	recoverer  *Recoverer
	handoff    *Handoff
	auditor    *Auditor
}

// NewChain compiles the policy rules and builds the stages.
func NewChain(opts Options) (*Chain, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("escalation chain needs a store")
	}
	if opts.Policy == nil {
		opts.Policy = config.DefaultPolicy()
	}
	if opts.Trail == nil {
		opts.Trail = audit.NewMemoryTrail()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewService()
	}
	th := opts.Thresholds
	if th.HardFloor == 0 {
		th.HardFloor = config.DefaultThresholds().HardFloor
	}

	classifier, err := NewClassifier(opts.Policy.Rules, th.HardFloor)
	if err != nil {
		return nil, err
	}
	return &Chain{
		store:      opts.Store,
		classifier: classifier,
		recoverer:  NewRecoverer(opts.Store, opts.Recovery),
		handoff:    NewHandoff(opts.Store, opts.Notifier, opts.Policy),
		auditor:    NewAuditor(opts.Trail),
	}, nil
}

// Classifier exposes the compiled rule table.
func (c *Chain) Classifier() *Classifier { return c.classifier }

// Run drives inc through the chain and returns the merged result.
func (c *Chain) Run(ctx context.Context, inc *Incident) *models.EscalationResult {
	return c.Execute(ctx, inc).Result()
}

// Execute drives inc through the chain: classification, then recovery unless
// classification routes directly to a human, then handoff when the incident
// is still unresolved, and always audit. The returned record also carries the
// results recovered by retries.
func (c *Chain) Execute(ctx context.Context, inc *Incident) *Record {
	rec := NewRecord(inc)
	log.Info().
		Str("session_id", inc.SessionID).
		Str("source", string(inc.Source)).
		Strs("failed_agents", inc.FailedAgents).
		Msg("🚨 Escalation chain started")

	c.RunStage(ctx, StageClassification, rec)
	if rec.Classification != nil && rec.Classification.Success && rec.Classification.NextHandler == models.HandlerRecovery {
		c.RunStage(ctx, StageRecovery, rec)
	}
	if rec.NeedsHandoff() {
		c.RunStage(ctx, StageHandoff, rec)
	}
	c.RunStage(ctx, StageAudit, rec)

	res := rec.Result()
	log.Info().
		Str("session_id", inc.SessionID).
		Bool("resolved", res.Resolved).
		Bool("escalated", res.Escalated).
		Str("ticket_id", res.TicketID).
		Msg("Escalation chain finished")
	return rec
}

// RunStage runs one stage against rec. A fault inside the stage is recovered
// here, recorded as that stage's failed result and returned.
func (c *Chain) RunStage(ctx context.Context, stage Stage, rec *Record) (err error) {
	agentID, ok := stageAgents[stage]
	if !ok {
		return fmt.Errorf("unknown escalation stage %q", stage)
	}
	sessionID := rec.Incident.SessionID

	rec.markRun(stage)
	rec.note(string(stage), "stage_started", "")
	c.reportState(ctx, agentID, models.AgentProcessing, nil, sessionID)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s stage panicked: %v", stage, p)
			log.Error().Str("stage", string(stage)).Str("stack", string(debug.Stack())).Msg("Escalation stage panicked")
		}
		if err != nil {
			c.fail(stage, rec, err)
			rec.setStageError(stage, err.Error())
			rec.note(string(stage), "stage_failed", err.Error())
			c.reportState(ctx, agentID, models.AgentError, map[string]interface{}{"error": err.Error()}, sessionID)
		} else {
			rec.setStageError(stage, "")
			rec.note(string(stage), "stage_completed", "")
			c.reportState(ctx, agentID, models.AgentCompleted, map[string]interface{}{
				"duration_ms": time.Since(start).Milliseconds(),
			}, sessionID)
		}
		c.storeResult(ctx, stage, rec)
	}()

	switch stage {
	case StageClassification:
		rec.Classification = c.classifier.Classify(rec.Incident)
	case StageRecovery:
		if rec.Classification == nil {
			return fmt.Errorf("recovery needs a classification")
		}
		rec.Recovery = c.recoverer.Recover(ctx, rec)
	case StageHandoff:
		rec.Handoff = c.handoff.Run(ctx, rec)
		if !rec.Handoff.Success {
			return fmt.Errorf("handoff: %s", rec.Handoff.Error)
		}
	case StageAudit:
		rec.Audit = c.auditor.Run(ctx, rec)
		if !rec.Audit.Success {
			return fmt.Errorf("audit: %s", rec.Audit.Error)
		}
	}
	return nil
}

// fail fills in the failed result of a stage that faulted before producing one.
func (c *Chain) fail(stage Stage, rec *Record, err error) {
	switch stage {
	case StageClassification:
		if rec.Classification == nil || rec.Classification.Success {
			rec.Classification = &models.ClassificationResult{
				Category:         models.CategoryAgentFailure,
				Severity:         models.SeverityHigh,
				RecoveryStrategy: models.StrategyEscalateDirectly,
				NextHandler:      models.HandlerHumanHandoff,
				Error:            err.Error(),
				ClassifiedAt:     time.Now().UTC(),
			}
		}
	case StageRecovery:
		if rec.Recovery == nil {
			rec.Recovery = &models.RecoveryResult{
				FinalStatus:        models.RecoveryFailed,
				EscalationRequired: true,
				EscalationReason:   "recovery stage failed",
				HandoffPriority:    handoffPriority(rec),
				Error:              err.Error(),
			}
			if rec.Classification != nil {
				rec.Recovery.Strategy = rec.Classification.RecoveryStrategy
			}
		}
	case StageHandoff:
		if rec.Handoff == nil {
			rec.Handoff = &models.HandoffResult{Error: err.Error()}
		}
	case StageAudit:
		if rec.Audit == nil {
			rec.Audit = &models.AuditResult{Error: err.Error()}
		}
	}
}

func (c *Chain) reportState(ctx context.Context, agentID string, status models.AgentStatus, data map[string]interface{}, sessionID string) {
	if err := c.store.UpdateAgentState(ctx, agentID, status, data, sessionID); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to report escalation stage state")
	}
}

func (c *Chain) storeResult(ctx context.Context, stage Stage, rec *Record) {
	var result interface{}
	switch {
	case stage == StageClassification && rec.Classification != nil:
		result = rec.Classification
	case stage == StageRecovery && rec.Recovery != nil:
		result = rec.Recovery
	case stage == StageHandoff && rec.Handoff != nil:
		result = rec.Handoff
	case stage == StageAudit && rec.Audit != nil:
		result = rec.Audit
	}
	if result == nil || rec.Incident.SessionID == "" {
		return
	}
	err := c.store.UpdateEmployeeData(ctx, rec.Incident.SessionID, map[string]interface{}{stageKeys[stage]: result}, models.DataProcessed)
	if err != nil && !store.IsNotFound(err) {
		log.Warn().Err(err).Str("stage", string(stage)).Msg("Failed to store escalation stage result")
	}
}
