package models

import "time"

// ── Error classification ─────────────────────────────────────

// Severity of a classified error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryStrategy is the remediation chosen by classification.
type RecoveryStrategy string

const (
	StrategyImmediateRetry     RecoveryStrategy = "immediate_retry"
	StrategyExponentialBackoff RecoveryStrategy = "exponential_backoff"
	StrategyStateRollback      RecoveryStrategy = "state_rollback"
	StrategyEscalateDirectly   RecoveryStrategy = "escalate_directly"
)

// ErrorSource names where an incident was detected.
type ErrorSource string

const (
	SourceQualityGate       ErrorSource = "quality_gate"
	SourceProgressTracker   ErrorSource = "progress_tracker"
	SourceDirectAgentReport ErrorSource = "direct_agent_report"
)

// Handler tokens used in ClassificationResult.NextHandler.
const (
	HandlerRecovery     = "agent:" + AgentRecovery
	HandlerHumanHandoff = "agent:" + AgentHumanHandoff
)

// ClassificationResult is the output of the classification stage.
type ClassificationResult struct {
	Success          bool             `json:"success"`
	Category         ErrorCategory    `json:"category"`
	Severity         Severity         `json:"severity"`
	RecoveryStrategy RecoveryStrategy `json:"recovery_strategy"`
	NextHandler      string           `json:"next_handler"`
	RetryTarget      string           `json:"retry_target,omitempty"`
	MatchedRule      string           `json:"matched_rule,omitempty"`
	Confidence       float64          `json:"confidence"`
	Error            string           `json:"error,omitempty"`
	ClassifiedAt     time.Time        `json:"classified_at"`
}

// ── Recovery ─────────────────────────────────────────────────

// RecoveryStatus is the final status of the recovery stage.
type RecoveryStatus string

const (
	RecoveryRecovered RecoveryStatus = "recovered"
	RecoveryFailed    RecoveryStatus = "failed"
	RecoverySkipped   RecoveryStatus = "skipped"
)

// RecoveryAttempt records one remediation attempt.
type RecoveryAttempt struct {
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// RecoveryResult is the output of the recovery stage.
type RecoveryResult struct {
	Success            bool              `json:"success"`
	Strategy           RecoveryStrategy  `json:"strategy"`
	FinalStatus        RecoveryStatus    `json:"final_status"`
	Attempts           []RecoveryAttempt `json:"attempts"`
	MaxAttempts        int               `json:"max_attempts"`
	EscalationRequired bool              `json:"escalation_required"`
	EscalationReason   string            `json:"escalation_reason,omitempty"`
	HandoffPriority    Priority          `json:"handoff_priority"`
	RolledBack         bool              `json:"rolled_back,omitempty"`
	Error              string            `json:"error,omitempty"`
}

// ── Human handoff ────────────────────────────────────────────

// SpecialistRole is a human role an unresolved error is handed to.
type SpecialistRole string

const (
	SpecialistHRManager   SpecialistRole = "hr_manager"
	SpecialistIT          SpecialistRole = "it_specialist"
	SpecialistSecurity    SpecialistRole = "security_specialist"
	SpecialistLegal       SpecialistRole = "legal_specialist"
	SpecialistCoordinator SpecialistRole = "onboarding_coordinator"
)

// Specialist is a concrete person (or queue) holding a role.
type Specialist struct {
	ID    string         `json:"id" yaml:"id"`
	Name  string         `json:"name" yaml:"name"`
	Role  SpecialistRole `json:"role" yaml:"role"`
	Email string         `json:"email,omitempty" yaml:"email"`
}

// EscalationTicket is opened by the handoff stage.
type EscalationTicket struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	EmployeeID   string         `json:"employee_id"`
	Priority     Priority       `json:"priority"`
	Status       string         `json:"status"`
	AssignedTo   string         `json:"assigned_to"`
	AssignedRole SpecialistRole `json:"assigned_role"`
	Summary      string         `json:"summary"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NotifyResult is the delivery outcome of one notification.
type NotifyResult struct {
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HandoffResult is the output of the handoff stage.
type HandoffResult struct {
	Success                  bool                   `json:"success"`
	Specialist               *Specialist            `json:"specialist,omitempty"`
	Ticket                   *EscalationTicket      `json:"ticket,omitempty"`
	ContextBundle            map[string]interface{} `json:"context_bundle,omitempty"`
	Notifications            []NotifyResult         `json:"notifications,omitempty"`
	ContextPreservationScore float64                `json:"context_preservation_score"`
	HandoffQualityScore      float64                `json:"handoff_quality_score"`
	Error                    string                 `json:"error,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditEntry is one immutable decision point in the audit trail.
type AuditEntry struct {
	Sequence  int64                  `json:"sequence"`
	SessionID string                 `json:"session_id"`
	Stage     string                 `json:"stage"`
	Decision  string                 `json:"decision"`
	Rationale string                 `json:"rationale"`
	Component string                 `json:"component"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditResult is the output of the audit stage.
type AuditResult struct {
	Success         bool         `json:"success"`
	DecisionPoints  int          `json:"decision_points"`
	Entries         []AuditEntry `json:"entries,omitempty"`
	ComplianceScore float64      `json:"compliance_score"`
	MissingStages   []string     `json:"missing_stages,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// EscalationResult merges the four stage results of one chain run.
type EscalationResult struct {
	Classification *ClassificationResult `json:"classification_result"`
	Recovery       *RecoveryResult       `json:"recovery_result,omitempty"`
	Handoff        *HandoffResult        `json:"handoff_result,omitempty"`
	Audit          *AuditResult          `json:"audit_result"`
	Resolved       bool                  `json:"resolved"`
	Escalated      bool                  `json:"escalated"`
	TicketID       string                `json:"ticket_id,omitempty"`
	StagesRun      []string              `json:"stages_run"`
	StageErrors    map[string]string     `json:"stage_errors,omitempty"`
	Explanation    string                `json:"explanation"`
}
