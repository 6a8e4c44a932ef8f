package models

// ── Orchestration request ────────────────────────────────────

// OrchestrationPattern selects how data collection agents are dispatched.
type OrchestrationPattern string

const (
	PatternConcurrentDataCollection OrchestrationPattern = "concurrent_data_collection"
	PatternSequentialDataCollection OrchestrationPattern = "sequential_data_collection"
)

// Valid reports whether p is a supported pattern.
func (p OrchestrationPattern) Valid() bool {
	return p == PatternConcurrentDataCollection || p == PatternSequentialDataCollection
}

// OrchestrationRequest starts one onboarding run.
type OrchestrationRequest struct {
	SessionID      string                 `json:"session_id,omitempty"`
	EmployeeData   map[string]interface{} `json:"employee_data"`
	ContractData   map[string]interface{} `json:"contract_data,omitempty"`
	Documents      []Document             `json:"documents,omitempty"`
	RequiredAgents []string               `json:"required_agents,omitempty"`
	Priority       Priority               `json:"priority,omitempty"`
	Pattern        OrchestrationPattern   `json:"orchestration_pattern,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// EmployeeID returns employee_data["employee_id"] as a string.
func (r *OrchestrationRequest) EmployeeID() string {
	if r == nil || r.EmployeeData == nil {
		return ""
	}
	id, _ := r.EmployeeData["employee_id"].(string)
	return id
}

// ── Aggregation ──────────────────────────────────────────────

// QualityRating is the banded label for an overall quality score.
type QualityRating string

const (
	RatingExcellent QualityRating = "Excellent"
	RatingGood      QualityRating = "Good"
	RatingFair      QualityRating = "Fair"
	RatingPoor      QualityRating = "Poor"
)

// FieldMismatch is a disagreement between sources on one overlapping field.
type FieldMismatch struct {
	Field  string                 `json:"field"`
	Values map[string]interface{} `json:"values"` // agent_id → reported value
}

// AggregationResult is the consolidated employee record plus quality verdict.
type AggregationResult struct {
	EmployeeRecord             map[string]interface{} `json:"employee_record"`
	CompletenessScore          float64                `json:"completeness_score"`
	ConsistencyScore           float64                `json:"consistency_score"`
	ReliabilityScore           float64                `json:"reliability_score"`
	OverallQualityScore        float64                `json:"overall_quality_score"`
	QualityRating              QualityRating          `json:"quality_rating"`
	ValidationPassed           bool                   `json:"validation_passed"`
	ReadyForSequentialPipeline bool                   `json:"ready_for_sequential_pipeline"`
	MissingFields              []string               `json:"missing_fields,omitempty"`
	Mismatches                 []FieldMismatch        `json:"mismatches,omitempty"`
	SourceScores               map[string]float64     `json:"source_scores"`
	SuccessfulSources          int                    `json:"successful_sources"`
}

// ── Pipeline ─────────────────────────────────────────────────

// PipelineStageResult is the outcome of one sequential pipeline stage.
type PipelineStageResult struct {
	Stage      int           `json:"stage"`
	AgentID    string        `json:"agent_id"`
	Success    bool          `json:"success"`
	Score      float64       `json:"score"`
	Category   ErrorCategory `json:"error_category,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Recovered  bool          `json:"recovered,omitempty"`
}

// PipelineResult aggregates the three pipeline stages.
type PipelineResult struct {
	Stages          []PipelineStageResult `json:"stages"`
	StagesCompleted int                   `json:"stages_completed"`
	Success         bool                  `json:"success"`
}

// ── Orchestration result ─────────────────────────────────────

// NextAction is a machine-readable follow-up recommendation.
type NextAction struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason"`
}

// Well-known next actions.
const (
	ActionBeginOnboarding   = "begin_onboarding"
	ActionRetryStage        = "retry_stage"
	ActionRouteToSpecialist = "route_to_specialist"
	ActionReviewData        = "review_collected_data"
	ActionResubmitData      = "resubmit_employee_data"
	ActionMonitorTicket     = "monitor_escalation_ticket"
)

// OrchestrationResult is the consolidated outcome of one run.
type OrchestrationResult struct {
	Success                    bool                              `json:"success"`
	SessionID                  string                            `json:"session_id"`
	EmployeeID                 string                            `json:"employee_id"`
	Phase                      OnboardingPhase                   `json:"phase"`
	DataQualityScore           float64                           `json:"data_quality_score"`
	QualityRating              QualityRating                     `json:"quality_rating"`
	ReadyForSequentialPipeline bool                              `json:"ready_for_sequential_pipeline"`
	SequentialPipelineExecuted bool                              `json:"sequential_pipeline_executed"`
	StagesCompleted            int                               `json:"stages_completed"`
	EmployeeReadyForOnboarding bool                              `json:"employee_ready_for_onboarding"`
	RequiresManualReview       bool                              `json:"requires_manual_review"`
	ErrorHandlingExecuted      bool                              `json:"error_handling_executed"`
	ErrorHandling              *EscalationResult                 `json:"error_handling_result,omitempty"`
	TicketID                   string                            `json:"ticket_id,omitempty"`
	Aggregation                *AggregationResult                `json:"aggregation,omitempty"`
	Pipeline                   *PipelineResult                   `json:"pipeline,omitempty"`
	AgentResults               map[string]map[string]interface{} `json:"agent_results"`
	Explanation                string                            `json:"explanation"`
	NextActions                []NextAction                      `json:"next_actions"`
	DurationMs                 int64                             `json:"duration_ms"`
}
