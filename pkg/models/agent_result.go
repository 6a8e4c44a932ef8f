package models

import "time"

// ── Agent identities ─────────────────────────────────────────

// Well-known agent IDs.
const (
	AgentDataCollection     = "data_collection_agent"
	AgentConfirmation       = "confirmation_agent"
	AgentDocumentation      = "documentation_agent"
	AgentITProvisioning     = "it_provisioning_agent"
	AgentContractManagement = "contract_management_agent"
	AgentMeetingCoordinator = "meeting_coordination_agent"
	AgentErrorClassifier    = "error_classification_agent"
	AgentRecovery           = "recovery_agent"
	AgentHumanHandoff       = "human_handoff_agent"
	AgentAudit              = "audit_agent"
	AgentOrchestrator       = "orchestrator"
)

// DataCollectionAgents are the agents fanned out during data collection.
var DataCollectionAgents = []string{AgentDataCollection, AgentConfirmation, AgentDocumentation}

// PipelineAgents are the sequential pipeline stages, in execution order.
var PipelineAgents = []string{AgentITProvisioning, AgentContractManagement, AgentMeetingCoordinator}

// ── Agent request ────────────────────────────────────────────

// Document is one onboarding document submitted with a request.
type Document struct {
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Status string                 `json:"status,omitempty"` // e.g. "uploaded", "corrupted"
	Fields map[string]interface{} `json:"fields,omitempty"` // values read from the document
}

// AgentRequest is what the orchestrator hands to an agent.
type AgentRequest struct {
	SessionID      string                 `json:"session_id"`
	EmployeeID     string                 `json:"employee_id"`
	Priority       Priority               `json:"priority"`
	EmployeeData   map[string]interface{} `json:"employee_data,omitempty"`
	ContractData   map[string]interface{} `json:"contract_data,omitempty"`
	Documents      []Document             `json:"documents,omitempty"`
	EmployeeRecord map[string]interface{} `json:"employee_record,omitempty"` // aggregated record, pipeline only
	PriorOutputs   map[string]AgentResult `json:"-"`                         // earlier pipeline stage results
}

// ── Agent results ────────────────────────────────────────────

// ResultKind tags an AgentResult variant.
type ResultKind string

const (
	KindDataCollection ResultKind = "data_collection"
	KindConfirmation   ResultKind = "confirmation"
	KindDocumentation  ResultKind = "documentation"
	KindProvisioning   ResultKind = "it_provisioning"
	KindContract       ResultKind = "contract_management"
	KindMeeting        ResultKind = "meeting_coordination"
	KindFailure        ResultKind = "failure"
)

// ErrorCategory classifies an agent or orchestration failure.
type ErrorCategory string

const (
	CategoryDataQuality  ErrorCategory = "data_quality"
	CategoryValidation   ErrorCategory = "validation"
	CategoryAgentFailure ErrorCategory = "agent_failure"
	CategoryTimeout      ErrorCategory = "timeout"
	CategoryIntegration  ErrorCategory = "integration"
	CategorySecurity     ErrorCategory = "security"
	CategoryCritical     ErrorCategory = "critical"
)

// AgentFailure describes why an agent reported success=false.
type AgentFailure struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
}

// AgentResult is the closed set of structured results agents return. The
// orchestration core only depends on the accessors below.
type AgentResult interface {
	Kind() ResultKind
	Agent() string
	Succeeded() bool
	Score() float64
	Failure() *AgentFailure
	isAgentResult()
}

// CollectionResult is implemented by data-collection variants. Fields returns
// the dotted-path employee fields the agent extracted.
type CollectionResult interface {
	AgentResult
	Fields() map[string]interface{}
}

// ResultBase carries the fields every variant shares.
type ResultBase struct {
	AgentID     string        `json:"agent_id"`
	Success     bool          `json:"success"`
	Error       *AgentFailure `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

func (b ResultBase) Agent() string          { return b.AgentID }
func (b ResultBase) Succeeded() bool        { return b.Success }
func (b ResultBase) Failure() *AgentFailure { return b.Error }
func (ResultBase) isAgentResult()           {}

// DataCollectionResult is produced by the data collection agent.
type DataCollectionResult struct {
	ResultBase
	ValidationScore float64                `json:"validation_score"`
	Extracted       map[string]interface{} `json:"extracted"`
	Issues          []string               `json:"issues,omitempty"`
}

func (r *DataCollectionResult) Kind() ResultKind                { return KindDataCollection }
func (r *DataCollectionResult) Score() float64                  { return r.ValidationScore }
func (r *DataCollectionResult) Fields() map[string]interface{} { return r.Extracted }

// ConfirmationResult is produced by the confirmation agent.
type ConfirmationResult struct {
	ResultBase
	ComplianceScore float64                `json:"compliance_score"`
	Extracted       map[string]interface{} `json:"extracted"`
	Issues          []string               `json:"issues,omitempty"`
}

func (r *ConfirmationResult) Kind() ResultKind                { return KindConfirmation }
func (r *ConfirmationResult) Score() float64                  { return r.ComplianceScore }
func (r *ConfirmationResult) Fields() map[string]interface{} { return r.Extracted }

// DocumentationResult is produced by the documentation agent.
type DocumentationResult struct {
	ResultBase
	ValidationScore   float64                `json:"validation_score"`
	Extracted         map[string]interface{} `json:"extracted"`
	DocumentsVerified int                    `json:"documents_verified"`
	DocumentsRejected []string               `json:"documents_rejected,omitempty"`
}

func (r *DocumentationResult) Kind() ResultKind                { return KindDocumentation }
func (r *DocumentationResult) Score() float64                  { return r.ValidationScore }
func (r *DocumentationResult) Fields() map[string]interface{} { return r.Extracted }

// ProvisioningResult is produced by the IT provisioning stage.
type ProvisioningResult struct {
	ResultBase
	ProvisioningScore float64  `json:"provisioning_score"`
	Accounts          []string `json:"accounts,omitempty"`
	Equipment         []string `json:"equipment,omitempty"`
}

func (r *ProvisioningResult) Kind() ResultKind { return KindProvisioning }
func (r *ProvisioningResult) Score() float64   { return r.ProvisioningScore }

// ContractResult is produced by the contract management stage.
type ContractResult struct {
	ResultBase
	ComplianceScore float64 `json:"compliance_score"`
	ContractID      string  `json:"contract_id,omitempty"`
	SalaryBand      string  `json:"salary_band,omitempty"`
}

func (r *ContractResult) Kind() ResultKind { return KindContract }
func (r *ContractResult) Score() float64   { return r.ComplianceScore }

// ScheduledMeeting is one orientation meeting booked by the meeting stage.
type ScheduledMeeting struct {
	Title     string    `json:"title"`
	With      string    `json:"with"`
	StartsAt  time.Time `json:"starts_at"`
	DurationM int       `json:"duration_minutes"`
}

// MeetingResult is produced by the meeting coordination stage.
type MeetingResult struct {
	ResultBase
	SchedulingScore float64            `json:"scheduling_score"`
	Meetings        []ScheduledMeeting `json:"meetings,omitempty"`
}

func (r *MeetingResult) Kind() ResultKind { return KindMeeting }
func (r *MeetingResult) Score() float64   { return r.SchedulingScore }

// FailureResult stands in for an agent that returned an error, panicked or
// timed out before producing its own result.
type FailureResult struct {
	ResultBase
}

func (r *FailureResult) Kind() ResultKind                { return KindFailure }
func (r *FailureResult) Score() float64                  { return 0 }
func (r *FailureResult) Fields() map[string]interface{} { return nil }

// NewFailureResult builds a FailureResult for agentID.
func NewFailureResult(agentID string, category ErrorCategory, msg string) *FailureResult {
	return &FailureResult{ResultBase: ResultBase{
		AgentID:     agentID,
		Success:     false,
		Error:       &AgentFailure{Category: category, Message: msg},
		CompletedAt: time.Now().UTC(),
	}}
}

// ResultSummary flattens any AgentResult into the map form stored in
// session state and returned over the API.
func ResultSummary(r AgentResult) map[string]interface{} {
	if r == nil {
		return map[string]interface{}{"success": false}
	}
	out := map[string]interface{}{
		"agent_id": r.Agent(),
		"kind":     string(r.Kind()),
		"success":  r.Succeeded(),
		"score":    r.Score(),
	}
	if f := r.Failure(); f != nil {
		out["error_category"] = string(f.Category)
		out["error"] = f.Message
	}
	return out
}
