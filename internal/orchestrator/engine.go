// Package orchestrator sequences one onboarding run through its phases:
// concurrent data collection, aggregation with a quality gate, the strictly
// ordered processing pipeline and, when something goes wrong, the
// error-escalation chain.
//
// Execution flow:
//  1. Create the session (phase initiated)
//  2. Fan out the data collection agents with a per-agent timeout
//  3. Aggregate and score the collected data
//  4. Gate: below the hard floor run the escalation chain, at or above the
//     quality threshold run the pipeline, otherwise hold for manual review
//  5. Run IT provisioning, contract management and meeting coordination in
//     order; critical, agent_failure and timeout failures escalate
//  6. Store the consolidated result on the session
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/onboardly/control-plane/internal/agents"
	"github.com/onboardly/control-plane/internal/aggregation"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/internal/escalation"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/internal/telemetry"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidRequest marks a request rejected before any state was touched.
	ErrInvalidRequest = errors.New("invalid orchestration request")

	// ErrSessionBusy is returned when the session is already being orchestrated.
	ErrSessionBusy = errors.New("session is already being orchestrated")
)

const defaultAgentTimeout = 30 * time.Second

// Options wires an Engine.
type Options struct {
	Store          store.Store
	Agents         *agents.Registry
	Chain          *escalation.Chain
	Aggregator     *aggregation.Aggregator
	Metrics        *Metrics
	AgentTimeout   time.Duration
	DefaultPattern models.OrchestrationPattern
}

// Engine runs onboarding orchestrations.
type Engine struct {
	store          store.Store
	agents         *agents.Registry
	chain          *escalation.Chain
	aggregator     *aggregation.Aggregator
	metrics        *Metrics
	agentTimeout   time.Duration
	defaultPattern models.OrchestrationPattern
	tracer         trace.Tracer

	// Sessions currently being orchestrated.
	busyMu sync.Mutex
	busy   map[string]bool
}

// NewEngine creates an engine. Store, Agents and Chain are required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Agents == nil || opts.Chain == nil {
		return nil, fmt.Errorf("orchestrator needs a store, an agent registry and an escalation chain")
	}
	e := &Engine{
		store:          opts.Store,
		agents:         opts.Agents,
		chain:          opts.Chain,
		aggregator:     opts.Aggregator,
		metrics:        opts.Metrics,
		agentTimeout:   opts.AgentTimeout,
		defaultPattern: opts.DefaultPattern,
		tracer:         telemetry.Tracer(),
		busy:           make(map[string]bool),
	}
	if e.aggregator == nil {
		e.aggregator = aggregation.New(config.DefaultThresholds())
	}
	if e.agentTimeout <= 0 {
		e.agentTimeout = defaultAgentTimeout
	}
	if !e.defaultPattern.Valid() {
		e.defaultPattern = models.PatternConcurrentDataCollection
	}
	return e, nil
}

// RegisterAgents records every known agent in the store's global registry.
func (e *Engine) RegisterAgents(ctx context.Context) error {
	ids := append(e.agents.IDs(), escalation.AgentIDs()...)
	ids = append(ids, models.AgentOrchestrator)
	for _, id := range ids {
		if err := e.store.RegisterAgent(ctx, id, map[string]interface{}{"role": agentRole(id)}); err != nil {
			return fmt.Errorf("register agent %s: %w", id, err)
		}
	}
	log.Info().Int("agents", len(ids)).Msg("🤖 Agents registered")
	return nil
}

func agentRole(id string) string {
	for _, c := range models.DataCollectionAgents {
		if c == id {
			return "data_collection"
		}
	}
	for _, p := range models.PipelineAgents {
		if p == id {
			return "pipeline"
		}
	}
	if id == models.AgentOrchestrator {
		return "orchestration"
	}
	return "escalation"
}

// ── Request validation ──────────────────────────────────────

func (e *Engine) validate(req *models.OrchestrationRequest) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	case len(req.EmployeeData) == 0:
		return fmt.Errorf("%w: employee_data is required", ErrInvalidRequest)
	case req.EmployeeID() == "":
		return fmt.Errorf("%w: employee_data.employee_id is required", ErrInvalidRequest)
	case req.Pattern != "" && !req.Pattern.Valid():
		return fmt.Errorf("%w: unknown orchestration pattern %q", ErrInvalidRequest, req.Pattern)
	}
	for _, id := range req.RequiredAgents {
		if _, err := e.agents.Get(id); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

func (e *Engine) claim(sessionID string) bool {
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	if e.busy[sessionID] {
		return false
	}
	e.busy[sessionID] = true
	return true
}

func (e *Engine) release(sessionID string) {
	e.busyMu.Lock()
	delete(e.busy, sessionID)
	e.busyMu.Unlock()
}

// ── Orchestrate ─────────────────────────────────────────────

// run carries the state of one orchestration.
type run struct {
	e         *Engine
	req       *models.OrchestrationRequest
	sessionID string
	result    *models.OrchestrationResult
	collected map[string]models.AgentResult
	agg       *models.AggregationResult
	pipeline  map[string]models.AgentResult
	escalated bool
}

// Orchestrate runs one onboarding attempt to a terminal outcome. It returns
// an error only for an invalid request or a busy session; every other
// failure is reported in the result.
func (e *Engine) Orchestrate(ctx context.Context, req *models.OrchestrationRequest) (*models.OrchestrationResult, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	start := time.Now()

	if req.SessionID != "" {
		if !e.claim(req.SessionID) {
			return nil, ErrSessionBusy
		}
		defer e.release(req.SessionID)
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	sessionID, err := e.store.CreateEmployeeContext(ctx, req.EmployeeData, req.SessionID,
		store.WithPriority(priority), store.WithConfig(req.Config))
	if err != nil {
		if errors.Is(err, store.ErrSessionExists) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	if req.SessionID == "" {
		e.claim(sessionID)
		defer e.release(sessionID)
	}

	ctx, span := e.tracer.Start(ctx, "onboarding.orchestrate", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("employee_id", req.EmployeeID()),
	))
	defer span.End()
	e.metrics.RunStarted()
	defer e.metrics.RunFinished()

	log.Info().
		Str("session_id", sessionID).
		Str("employee_id", req.EmployeeID()).
		Str("priority", string(priority)).
		Msg("🚀 Onboarding orchestration started")
	e.reportState(ctx, models.AgentOrchestrator, models.AgentProcessing, map[string]interface{}{"employee_id": req.EmployeeID()}, sessionID)

	r := &run{
		e:         e,
		req:       req,
		sessionID: sessionID,
		pipeline:  make(map[string]models.AgentResult),
		result: &models.OrchestrationResult{
			SessionID:    sessionID,
			EmployeeID:   req.EmployeeID(),
			AgentResults: make(map[string]map[string]interface{}),
			NextActions:  []models.NextAction{},
		},
	}
	r.execute(ctx)

	res := r.result
	res.DurationMs = time.Since(start).Milliseconds()
	if ec, err := e.store.GetEmployeeContext(ctx, sessionID); err == nil {
		res.Phase = ec.Phase
	}
	e.storeData(ctx, sessionID, models.DataProcessed, map[string]interface{}{"orchestration": res})
	e.reportState(ctx, models.AgentOrchestrator, models.AgentCompleted, map[string]interface{}{
		"success": res.Success,
		"phase":   string(res.Phase),
	}, sessionID)

	outcome := r.outcome()
	e.metrics.ObserveRun(outcome)
	if err := e.store.RecordMetric(ctx, "last_orchestration", map[string]interface{}{
		"session_id":  sessionID,
		"outcome":     outcome,
		"duration_ms": res.DurationMs,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to record orchestration metric")
	}
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Float64("data_quality_score", res.DataQualityScore))
	if !res.Success {
		span.SetStatus(codes.Error, outcome)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("outcome", outcome).
		Bool("success", res.Success).
		Str("phase", string(res.Phase)).
		Int64("duration_ms", res.DurationMs).
		Msg("🏁 Onboarding orchestration finished")
	return res, nil
}

func (r *run) execute(ctx context.Context) {
	r.collect(ctx)
	decision := r.aggregate(ctx)

	switch decision {
	case aggregation.DecisionErrorHandling:
		if r.handleQualityGate(ctx) {
			r.runPipeline(ctx)
		}
	case aggregation.DecisionManualReview:
		r.holdForReview(ctx)
	case aggregation.DecisionProceed:
		r.advance(ctx, models.PhaseProcessingPipeline)
		r.runPipeline(ctx)
	}
	r.finish(ctx)
}

// ── Phase 1: data collection ────────────────────────────────

func (r *run) collect(ctx context.Context) {
	ctx, span := r.e.tracer.Start(ctx, "onboarding.data_collection")
	defer span.End()
	start := time.Now()
	r.advance(ctx, models.PhaseDataCollection)

	ids := r.collectionAgents()
	pattern := r.req.Pattern
	if pattern == "" {
		pattern = r.e.defaultPattern
	}
	span.SetAttributes(attribute.String("pattern", string(pattern)), attribute.Int("agents", len(ids)))

	results := make(map[string]models.AgentResult, len(ids))
	if pattern == models.PatternSequentialDataCollection {
		for _, id := range ids {
			results[id] = r.e.runAgent(ctx, r.sessionID, id, r.agentRequest(nil))
		}
	} else {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				res := r.e.runAgent(gctx, r.sessionID, id, r.agentRequest(nil))
				mu.Lock()
				results[id] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	r.collected = results

	summaries := make(map[string]interface{}, len(results))
	for id, res := range results {
		summaries[id] = models.ResultSummary(res)
		r.result.AgentResults[id] = models.ResultSummary(res)
	}
	r.e.storeData(ctx, r.sessionID, models.DataProcessed, map[string]interface{}{"data_collection": summaries})
	r.e.metrics.ObservePhase(string(models.PhaseDataCollection), time.Since(start))
}

// collectionAgents returns the requested data collection agents, all three
// when the request names none.
func (r *run) collectionAgents() []string {
	if len(r.req.RequiredAgents) == 0 {
		return append([]string(nil), models.DataCollectionAgents...)
	}
	var ids []string
	for _, id := range models.DataCollectionAgents {
		for _, want := range r.req.RequiredAgents {
			if want == id {
				ids = append(ids, id)
				break
			}
		}
	}
	if len(ids) == 0 {
		return append([]string(nil), models.DataCollectionAgents...)
	}
	return ids
}

// ── Phase 2: aggregation and gate ───────────────────────────

func (r *run) aggregate(ctx context.Context) aggregation.Decision {
	_, span := r.e.tracer.Start(ctx, "onboarding.data_aggregation")
	defer span.End()
	start := time.Now()
	r.advance(ctx, models.PhaseDataAggregation)

	r.applyAggregation(ctx)
	decision := r.e.aggregator.Decide(r.agg)
	span.SetAttributes(
		attribute.Float64("quality", r.agg.OverallQualityScore),
		attribute.String("decision", string(decision)),
	)
	r.e.metrics.ObserveQuality(r.agg.OverallQualityScore)
	r.e.metrics.ObservePhase(string(models.PhaseDataAggregation), time.Since(start))

	log.Info().
		Str("session_id", r.sessionID).
		Float64("quality", r.agg.OverallQualityScore).
		Str("rating", string(r.agg.QualityRating)).
		Str("decision", string(decision)).
		Msg("📊 Data aggregated")
	return decision
}

func (r *run) applyAggregation(ctx context.Context) {
	r.agg = r.e.aggregator.Aggregate(r.req.EmployeeID(), r.collected)
	r.result.Aggregation = r.agg
	r.result.DataQualityScore = r.agg.OverallQualityScore
	r.result.QualityRating = r.agg.QualityRating
	r.result.ReadyForSequentialPipeline = r.agg.ReadyForSequentialPipeline

	r.e.storeData(ctx, r.sessionID, models.DataProcessed, map[string]interface{}{
		"aggregation":     r.agg,
		"employee_record": r.agg.EmployeeRecord,
	})
	r.e.storeData(ctx, r.sessionID, models.DataValidation, map[string]interface{}{
		"overall_quality_score": r.agg.OverallQualityScore,
		"quality_rating":        string(r.agg.QualityRating),
		"validation_passed":     r.agg.ValidationPassed,
		"missing_fields":        r.agg.MissingFields,
		"ready_for_pipeline":    r.agg.ReadyForSequentialPipeline,
	})
}

func (r *run) holdForReview(ctx context.Context) {
	r.result.RequiresManualReview = true
	if err := r.e.store.SetManualReview(ctx, r.sessionID, true); err != nil {
		log.Warn().Err(err).Str("session_id", r.sessionID).Msg("Failed to flag manual review")
	}
	log.Info().Str("session_id", r.sessionID).Float64("quality", r.agg.OverallQualityScore).Msg("⏸️  Session held for manual review")
}

// handleQualityGate runs the escalation chain for a record below the hard
// floor. It reports whether recovery fixed the data well enough to continue
// with the pipeline.
func (r *run) handleQualityGate(ctx context.Context) bool {
	r.advance(ctx, models.PhaseErrorHandling)

	var failed []string
	for _, id := range r.collectionAgents() {
		if res := r.collected[id]; res == nil || !res.Succeeded() {
			failed = append(failed, id)
		}
	}
	quality := r.agg.OverallQualityScore
	rec := r.escalate(ctx, &escalation.Incident{
		SessionID:    r.sessionID,
		EmployeeID:   r.req.EmployeeID(),
		Source:       models.SourceQualityGate,
		Message:      fmt.Sprintf("data quality %.2f below hard floor %.2f", quality, r.e.aggregator.Thresholds().HardFloor),
		Category:     models.CategoryDataQuality,
		Quality:      &quality,
		Priority:     r.req.Priority,
		FailedAgents: failed,
		Payload: map[string]interface{}{
			"missing_fields":     r.agg.MissingFields,
			"source_scores":      r.agg.SourceScores,
			"successful_sources": r.agg.SuccessfulSources,
		},
		Retry: func(ctx context.Context, agentID string) (models.AgentResult, error) {
			return r.e.runAgent(ctx, r.sessionID, agentID, r.agentRequest(nil)), nil
		},
		Verify: func(_ context.Context, recovered map[string]models.AgentResult) error {
			merged := make(map[string]models.AgentResult, len(r.collected))
			for id, res := range r.collected {
				merged[id] = res
			}
			for id, res := range recovered {
				merged[id] = res
			}
			agg := r.e.aggregator.Aggregate(r.req.EmployeeID(), merged)
			if r.e.aggregator.Decide(agg) == aggregation.DecisionErrorHandling {
				return fmt.Errorf("data quality %.2f is still below hard floor %.2f",
					agg.OverallQualityScore, r.e.aggregator.Thresholds().HardFloor)
			}
			return nil
		},
	})

	if len(rec.Recovered) > 0 {
		for id, res := range rec.Recovered {
			r.collected[id] = res
			r.result.AgentResults[id] = models.ResultSummary(res)
		}
		r.applyAggregation(ctx)
	}
	if !r.result.ErrorHandling.Resolved {
		return false
	}
	if r.e.aggregator.Decide(r.agg) != aggregation.DecisionProceed {
		r.holdForReview(ctx)
		return false
	}
	r.advance(ctx, models.PhaseProcessingPipeline)
	return true
}

// escalate runs the chain and merges its outcome into the result.
func (r *run) escalate(ctx context.Context, inc *escalation.Incident) *escalation.Record {
	ctx, span := r.e.tracer.Start(ctx, "onboarding.error_handling", trace.WithAttributes(
		attribute.String("source", string(inc.Source)),
	))
	defer span.End()
	start := time.Now()

	rec := r.e.chain.Execute(ctx, inc)
	res := rec.Result()
	r.result.ErrorHandlingExecuted = true
	r.result.ErrorHandling = res
	if res.TicketID != "" {
		r.result.TicketID = res.TicketID
	}
	if res.Escalated {
		r.escalated = true
	}

	severity := "unknown"
	if res.Classification != nil {
		severity = string(res.Classification.Severity)
	}
	outcome := "unresolved"
	switch {
	case res.Resolved:
		outcome = "resolved"
	case res.Escalated:
		outcome = "escalated"
	}
	r.e.metrics.ObserveEscalation(severity, outcome)
	r.e.metrics.ObservePhase(string(models.PhaseErrorHandling), time.Since(start))
	span.SetAttributes(attribute.String("severity", severity), attribute.String("outcome", outcome))
	return rec
}

// ── Phase 3: processing pipeline ────────────────────────────

// escalatesCategory reports whether a pipeline failure must go through the
// escalation chain. Other failures only count against stages completed.
func escalatesCategory(c models.ErrorCategory) bool {
	return c == models.CategoryCritical || c == models.CategoryAgentFailure || c == models.CategoryTimeout
}

func (r *run) runPipeline(ctx context.Context) {
	ctx, span := r.e.tracer.Start(ctx, "onboarding.processing_pipeline")
	defer span.End()
	start := time.Now()
	r.result.SequentialPipelineExecuted = true

	pr := &models.PipelineResult{}
	var escalating []string
	for i, id := range models.PipelineAgents {
		t0 := time.Now()
		res := r.e.runAgent(ctx, r.sessionID, id, r.agentRequest(r.agg.EmployeeRecord))
		r.pipeline[id] = res
		r.result.AgentResults[id] = models.ResultSummary(res)

		st := models.PipelineStageResult{
			Stage:      i + 1,
			AgentID:    id,
			Success:    res.Succeeded(),
			Score:      res.Score(),
			DurationMs: time.Since(t0).Milliseconds(),
		}
		if f := res.Failure(); f != nil && !st.Success {
			st.Category = f.Category
			st.Error = f.Message
			if escalatesCategory(f.Category) {
				escalating = append(escalating, id)
			}
		}
		pr.Stages = append(pr.Stages, st)
	}

	if len(escalating) > 0 {
		first := pr.Stages[stageIndex(escalating[0])]
		quality := r.agg.OverallQualityScore
		r.advance(ctx, models.PhaseErrorHandling)
		rec := r.escalate(ctx, &escalation.Incident{
			SessionID:    r.sessionID,
			EmployeeID:   r.req.EmployeeID(),
			Source:       models.SourceDirectAgentReport,
			Message:      first.Error,
			Category:     first.Category,
			Quality:      &quality,
			Priority:     r.req.Priority,
			FailedAgents: escalating,
			Stage:        first.AgentID,
			Payload:      map[string]interface{}{"stage": first.Stage, "failed_stages": len(escalating)},
			Retry: func(ctx context.Context, agentID string) (models.AgentResult, error) {
				return r.e.runAgent(ctx, r.sessionID, agentID, r.agentRequest(r.agg.EmployeeRecord)), nil
			},
		})
		for id, res := range rec.Recovered {
			i := stageIndex(id)
			if i < 0 {
				continue
			}
			r.pipeline[id] = res
			r.result.AgentResults[id] = models.ResultSummary(res)
			pr.Stages[i].Success = true
			pr.Stages[i].Recovered = true
			pr.Stages[i].Score = res.Score()
			pr.Stages[i].Category = ""
			pr.Stages[i].Error = ""
		}
	}

	for _, st := range pr.Stages {
		if st.Success {
			pr.StagesCompleted++
		}
	}
	pr.Success = r.e.aggregator.PipelineSucceeded(pr.StagesCompleted)
	r.result.Pipeline = pr
	r.result.StagesCompleted = pr.StagesCompleted

	r.e.storeData(ctx, r.sessionID, models.DataProcessed, map[string]interface{}{"pipeline": pr})
	r.e.metrics.ObservePhase(string(models.PhaseProcessingPipeline), time.Since(start))
	span.SetAttributes(attribute.Int("stages_completed", pr.StagesCompleted))

	log.Info().
		Str("session_id", r.sessionID).
		Int("stages_completed", pr.StagesCompleted).
		Bool("pipeline_success", pr.Success).
		Msg("⚙️  Processing pipeline finished")
}

func stageIndex(agentID string) int {
	for i, id := range models.PipelineAgents {
		if id == agentID {
			return i
		}
	}
	return -1
}

// ── Completion ──────────────────────────────────────────────

func (r *run) finish(ctx context.Context) {
	res := r.result
	th := r.e.aggregator.Thresholds()

	pipelineSuccess := res.SequentialPipelineExecuted && r.e.aggregator.PipelineSucceeded(res.StagesCompleted)
	res.EmployeeReadyForOnboarding = res.SequentialPipelineExecuted &&
		res.StagesCompleted == len(models.PipelineAgents) &&
		res.DataQualityScore >= th.Quality
	res.Success = pipelineSuccess && !r.escalated

	// Escalated sessions wait in error_handling for a human.
	if res.SequentialPipelineExecuted && !r.escalated {
		r.advance(ctx, models.PhaseCompleted)
	}

	r.planNextActions()
	res.Explanation = r.explain()
}

func (r *run) planNextActions() {
	res := r.result
	add := func(action, target, reason string) {
		res.NextActions = append(res.NextActions, models.NextAction{Action: action, Target: target, Reason: reason})
	}

	if res.EmployeeReadyForOnboarding {
		add(models.ActionBeginOnboarding, res.EmployeeID, "all pipeline stages completed")
	}
	if res.RequiresManualReview {
		add(models.ActionReviewData, r.sessionID, fmt.Sprintf("data quality %.2f needs review before the pipeline can run", res.DataQualityScore))
	}
	if r.escalated && res.ErrorHandling != nil {
		add(models.ActionMonitorTicket, res.TicketID, "incident escalated to a human specialist")
		if h := res.ErrorHandling.Handoff; h != nil && h.Specialist != nil {
			add(models.ActionRouteToSpecialist, string(h.Specialist.Role), "assigned by escalation policy")
		}
	}
	if res.ErrorHandlingExecuted && !res.SequentialPipelineExecuted && r.agg != nil && len(r.agg.MissingFields) > 0 {
		add(models.ActionResubmitData, res.EmployeeID, "missing or invalid fields: "+strings.Join(r.agg.MissingFields, ", "))
	}
	if res.Pipeline != nil && !r.escalated {
		for _, st := range res.Pipeline.Stages {
			if !st.Success {
				add(models.ActionRetryStage, st.AgentID, st.Error)
			}
		}
	}
}

func (r *run) explain() string {
	res := r.result
	parts := []string{fmt.Sprintf("data quality %.2f (%s)", res.DataQualityScore, res.QualityRating)}
	switch {
	case res.RequiresManualReview:
		parts = append(parts, "held for manual review")
	case res.SequentialPipelineExecuted:
		parts = append(parts, fmt.Sprintf("pipeline completed %d of %d stages", res.StagesCompleted, len(models.PipelineAgents)))
	}
	if res.ErrorHandling != nil {
		parts = append(parts, "error handling: "+res.ErrorHandling.Explanation)
	}
	if res.EmployeeReadyForOnboarding {
		parts = append(parts, "employee ready for onboarding")
	} else {
		parts = append(parts, "employee not ready")
	}
	return strings.Join(parts, "; ")
}

func (r *run) outcome() string {
	res := r.result
	switch {
	case res.EmployeeReadyForOnboarding && res.Success:
		return "ready"
	case r.escalated:
		return "escalated"
	case res.RequiresManualReview:
		return "manual_review"
	case res.Success:
		return "completed"
	}
	return "failed"
}

// ── Helpers ─────────────────────────────────────────────────

func (r *run) advance(ctx context.Context, phase models.OnboardingPhase) {
	if err := r.e.store.AdvancePhase(ctx, r.sessionID, phase); err != nil {
		log.Warn().Err(err).Str("session_id", r.sessionID).Str("phase", string(phase)).Msg("Phase transition rejected")
	}
}

// agentRequest builds the request handed to one agent. Maps are copied so an
// agent cannot alter another agent's input.
func (r *run) agentRequest(record map[string]interface{}) *models.AgentRequest {
	prior := make(map[string]models.AgentResult, len(r.pipeline))
	for id, res := range r.pipeline {
		prior[id] = res
	}
	return &models.AgentRequest{
		SessionID:      r.sessionID,
		EmployeeID:     r.req.EmployeeID(),
		Priority:       r.req.Priority,
		EmployeeData:   models.CloneMap(r.req.EmployeeData),
		ContractData:   models.CloneMap(r.req.ContractData),
		Documents:      r.req.Documents,
		EmployeeRecord: models.CloneMap(record),
		PriorOutputs:   prior,
	}
}

func (e *Engine) reportState(ctx context.Context, agentID string, status models.AgentStatus, data map[string]interface{}, sessionID string) {
	if err := e.store.UpdateAgentState(ctx, agentID, status, data, sessionID); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to report agent state")
	}
}

func (e *Engine) storeData(ctx context.Context, sessionID string, kind models.DataKind, data map[string]interface{}) {
	if err := e.store.UpdateEmployeeData(ctx, sessionID, data, kind); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("kind", string(kind)).Msg("Failed to store session data")
	}
}

// ── Agent invocation ────────────────────────────────────────

// runAgent invokes one agent with the per-agent timeout and reports its
// state to the store before and after. It always returns a result.
func (e *Engine) runAgent(ctx context.Context, sessionID, agentID string, req *models.AgentRequest) models.AgentResult {
	ctx, span := e.tracer.Start(ctx, "agent."+agentID)
	defer span.End()

	e.reportState(ctx, agentID, models.AgentProcessing, nil, sessionID)
	start := time.Now()
	res := e.invoke(ctx, agentID, req)
	elapsed := time.Since(start)

	data := models.ResultSummary(res)
	data["duration_ms"] = elapsed.Milliseconds()
	status := models.AgentCompleted
	if !res.Succeeded() {
		status = models.AgentError
		span.SetStatus(codes.Error, fmt.Sprint(data["error"]))
	}
	e.reportState(ctx, agentID, status, data, sessionID)
	e.metrics.ObserveAgent(agentID, res.Succeeded(), elapsed)
	return res
}

func (e *Engine) invoke(ctx context.Context, agentID string, req *models.AgentRequest) models.AgentResult {
	agent, err := e.agents.Get(agentID)
	if err != nil {
		return models.NewFailureResult(agentID, models.CategoryAgentFailure, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, e.agentTimeout)
	defer cancel()

	type outcome struct {
		res models.AgentResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("agent_id", agentID).Str("stack", string(debug.Stack())).Msg("Agent panicked")
				done <- outcome{err: fmt.Errorf("agent panicked: %v", p)}
			}
		}()
		res, err := agent.Process(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		switch {
		case o.err != nil && errors.Is(o.err, context.DeadlineExceeded):
			return models.NewFailureResult(agentID, models.CategoryTimeout, fmt.Sprintf("agent exceeded timeout of %s", e.agentTimeout))
		case o.err != nil:
			return models.NewFailureResult(agentID, models.CategoryAgentFailure, o.err.Error())
		case o.res == nil:
			return models.NewFailureResult(agentID, models.CategoryAgentFailure, "agent returned no result")
		}
		return o.res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.NewFailureResult(agentID, models.CategoryTimeout, fmt.Sprintf("agent exceeded timeout of %s", e.agentTimeout))
		}
		return models.NewFailureResult(agentID, models.CategoryAgentFailure, "agent cancelled: "+ctx.Err().Error())
	}
}
