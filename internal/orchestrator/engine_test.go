package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onboardly/control-plane/internal/agents"
	"github.com/onboardly/control-plane/internal/audit"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/internal/escalation"
	"github.com/onboardly/control-plane/internal/orchestrator"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine *orchestrator.Engine
	store  *store.MemoryStore
	trail  *audit.MemoryTrail
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, registry *agents.Registry, timeout time.Duration) *harness {
	t.Helper()
	s := store.NewMemoryStore(store.Options{})
	trail := audit.NewMemoryTrail()
	chain, err := escalation.NewChain(escalation.Options{
		Store:    s,
		Trail:    trail,
		Policy:   config.DefaultPolicy(),
		Recovery: config.RecoveryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	engine, err := orchestrator.NewEngine(orchestrator.Options{
		Store:        s,
		Agents:       registry,
		Chain:        chain,
		Metrics:      orchestrator.MustNewMetrics(reg),
		AgentTimeout: timeout,
	})
	require.NoError(t, err)
	require.NoError(t, engine.RegisterAgents(context.Background()))
	return &harness{engine: engine, store: s, trail: trail, reg: reg}
}

func goodRequest() *models.OrchestrationRequest {
	return &models.OrchestrationRequest{
		EmployeeData: map[string]interface{}{
			"employee_id": "EMP001",
			"first_name":  "John",
			"last_name":   "Doe",
			"email":       "john.doe@company.com",
			"phone":       "+1 555 0100",
		},
		ContractData: map[string]interface{}{
			"position":   "Software Engineer",
			"department": "Engineering",
			"start_date": "2024-02-01",
			"salary":     float64(85000),
		},
		Documents: []models.Document{
			{Name: "passport.pdf", Type: "passport", Status: "uploaded", Fields: map[string]interface{}{"first_name": "John", "last_name": "Doe"}},
			{Name: "w4.pdf", Type: "tax", Status: "uploaded"},
		},
		Priority: models.PriorityNormal,
		Pattern:  models.PatternConcurrentDataCollection,
	}
}

func badRequest() *models.OrchestrationRequest {
	return &models.OrchestrationRequest{
		EmployeeData: map[string]interface{}{
			"employee_id": "EMP001",
			"first_name":  "",
			"last_name":   "Doe",
			"email":       "not-an-email",
		},
		ContractData: map[string]interface{}{
			"position":   "Software Engineer",
			"department": "Engineering",
			"start_date": "2024-02-01",
			"salary":     float64(-5000),
		},
		Documents: []models.Document{
			{Name: "passport.pdf", Type: "passport", Status: "corrupted"},
		},
		Pattern: models.PatternConcurrentDataCollection,
	}
}

func TestOrchestrate_GoodData(t *testing.T) {
	h := newHarness(t, agents.Defaults(), 0)
	ctx := context.Background()

	res, err := h.engine.Orchestrate(ctx, goodRequest())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 100.0, res.DataQualityScore)
	assert.Equal(t, models.RatingExcellent, res.QualityRating)
	assert.True(t, res.ReadyForSequentialPipeline)
	assert.True(t, res.SequentialPipelineExecuted)
	assert.Equal(t, 3, res.StagesCompleted)
	assert.True(t, res.EmployeeReadyForOnboarding)
	assert.False(t, res.ErrorHandlingExecuted)
	assert.Nil(t, res.ErrorHandling)
	assert.Empty(t, res.TicketID)
	assert.Equal(t, models.PhaseCompleted, res.Phase)
	require.NotEmpty(t, res.NextActions)
	assert.Equal(t, models.ActionBeginOnboarding, res.NextActions[0].Action)
	assert.Len(t, res.AgentResults, 6)

	ec, err := h.store.GetEmployeeContext(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "EMP001", ec.EmployeeID)
	for _, key := range []string{"data_collection", "aggregation", "employee_record", "pipeline", "orchestration"} {
		assert.Contains(t, ec.ProcessedData, key)
	}
	assert.Equal(t, true, ec.ValidationResults["validation_passed"])
	for _, id := range append(models.DataCollectionAgents, models.PipelineAgents...) {
		st, err := h.store.GetAgentState(ctx, id, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentCompleted, st.Status, id)
	}

	entries, err := h.trail.List(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrchestrate_SequentialPattern(t *testing.T) {
	h := newHarness(t, agents.Defaults(), 0)
	req := goodRequest()
	req.Pattern = models.PatternSequentialDataCollection

	res, err := h.engine.Orchestrate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.StagesCompleted)
}

func TestOrchestrate_BadDataEscalates(t *testing.T) {
	h := newHarness(t, agents.Defaults(), 0)
	ctx := context.Background()

	res, err := h.engine.Orchestrate(ctx, badRequest())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Less(t, res.DataQualityScore, 30.0)
	assert.False(t, res.SequentialPipelineExecuted)
	assert.False(t, res.EmployeeReadyForOnboarding)
	assert.True(t, res.ErrorHandlingExecuted)
	assert.Equal(t, models.PhaseErrorHandling, res.Phase)

	eh := res.ErrorHandling
	require.NotNil(t, eh)
	assert.Equal(t, models.SeverityCritical, eh.Classification.Severity)
	require.NotNil(t, eh.Recovery)
	assert.Equal(t, models.RecoveryFailed, eh.Recovery.FinalStatus)
	assert.Len(t, eh.Recovery.Attempts, 3)
	require.NotNil(t, eh.Handoff)
	assert.Equal(t, models.SpecialistHRManager, eh.Handoff.Specialist.Role)
	assert.Equal(t, 4, eh.Audit.DecisionPoints)

	assert.True(t, strings.HasPrefix(res.TicketID, "ESC-"))
	assert.Equal(t, eh.TicketID, res.TicketID)

	var actions []string
	for _, a := range res.NextActions {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, models.ActionMonitorTicket)
	assert.Contains(t, actions, models.ActionResubmitData)

	entries, err := h.trail.List(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	ec, err := h.store.GetEmployeeContext(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Contains(t, ec.ProcessedData, "handoff_bundle")
	assert.Equal(t, models.PhaseErrorHandling, ec.Phase)
}

// conflictingSource reports only an email that disagrees with every other
// source, with a zero score.
func conflictingSource(id, email string) agents.Func {
	return agents.Func{AgentID: id, Fn: func(context.Context, *models.AgentRequest) (models.AgentResult, error) {
		return &models.DataCollectionResult{
			ResultBase: models.ResultBase{AgentID: id, Success: true, CompletedAt: time.Now().UTC()},
			Extracted:  map[string]interface{}{"personal_info.email": email},
		}, nil
	}}
}

func TestOrchestrate_RecoveredAgentStillBelowFloorEscalates(t *testing.T) {
	registry := agents.Defaults()
	flaky := agents.FailFirst(conflictingSource(models.AgentDataCollection, "a@company.com"), 1, models.CategoryTimeout, "upstream timeout")
	registry.Register(flaky)
	registry.Register(conflictingSource(models.AgentConfirmation, "b@company.com"))
	registry.Register(conflictingSource(models.AgentDocumentation, "c@company.com"))
	h := newHarness(t, registry, 0)
	ctx := context.Background()

	res, err := h.engine.Orchestrate(ctx, goodRequest())
	require.NoError(t, err)

	assert.Equal(t, 2, flaky.Calls(), "one failed collection plus one successful retry")
	assert.Less(t, res.DataQualityScore, 30.0)
	assert.Equal(t, true, res.AgentResults[models.AgentDataCollection]["success"])

	eh := res.ErrorHandling
	require.NotNil(t, eh)
	assert.False(t, eh.Resolved)
	assert.True(t, eh.Escalated)
	require.NotNil(t, eh.Recovery)
	assert.False(t, eh.Recovery.Success)
	assert.True(t, eh.Recovery.EscalationRequired)
	assert.Contains(t, eh.Recovery.EscalationReason, "still below hard floor")
	require.NotNil(t, eh.Handoff)
	assert.Equal(t, models.SpecialistHRManager, eh.Handoff.Specialist.Role)
	assert.Equal(t, 4, eh.Audit.DecisionPoints)

	assert.False(t, res.Success)
	assert.False(t, res.SequentialPipelineExecuted)
	assert.False(t, res.RequiresManualReview)
	assert.True(t, strings.HasPrefix(res.TicketID, "ESC-"))
	assert.Equal(t, models.PhaseErrorHandling, res.Phase)

	entries, err := h.trail.List(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "escalated", entries[3].Decision)
}

func TestOrchestrate_ManualReviewBand(t *testing.T) {
	h := newHarness(t, agents.Defaults(), 0)
	req := goodRequest()
	req.ContractData["salary"] = float64(-1)
	req.Documents = nil

	res, err := h.engine.Orchestrate(context.Background(), req)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.DataQualityScore, 30.0)
	assert.Less(t, res.DataQualityScore, 70.0)
	assert.True(t, res.RequiresManualReview)
	assert.False(t, res.SequentialPipelineExecuted)
	assert.False(t, res.ErrorHandlingExecuted)
	assert.False(t, res.Success)
	assert.Equal(t, models.PhaseDataAggregation, res.Phase)
	require.NotEmpty(t, res.NextActions)
	assert.Equal(t, models.ActionReviewData, res.NextActions[0].Action)

	ec, err := h.store.GetEmployeeContext(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, ec.RequiresManualReview)
}

func TestOrchestrate_PipelineFailureRecovered(t *testing.T) {
	registry := agents.Defaults()
	flaky := agents.FailFirst(agents.NewITProvisioningAgent(), 1, models.CategoryAgentFailure, "provisioning worker crashed")
	registry.Register(flaky)
	h := newHarness(t, registry, 0)

	res, err := h.engine.Orchestrate(context.Background(), goodRequest())
	require.NoError(t, err)

	assert.True(t, res.ErrorHandlingExecuted)
	assert.True(t, res.ErrorHandling.Resolved)
	assert.Empty(t, res.TicketID)
	assert.Equal(t, 3, res.StagesCompleted)
	assert.True(t, res.Pipeline.Stages[0].Recovered)
	assert.True(t, res.Success)
	assert.Equal(t, models.PhaseCompleted, res.Phase)
	assert.Equal(t, 2, flaky.Calls(), "only the failed stage is re-run")
}

func TestOrchestrate_CriticalStageEscalatesButPipelineContinues(t *testing.T) {
	registry := agents.Defaults()
	registry.Register(agents.FailFirst(agents.NewContractManagementAgent(), -1, models.CategoryCritical, "contract system rejected the offer"))
	h := newHarness(t, registry, 0)

	res, err := h.engine.Orchestrate(context.Background(), goodRequest())
	require.NoError(t, err)

	require.Len(t, res.Pipeline.Stages, 3)
	assert.True(t, res.Pipeline.Stages[2].Success, "meeting stage still runs")
	assert.Equal(t, 2, res.StagesCompleted)
	assert.True(t, res.Pipeline.Success)
	assert.False(t, res.Success, "escalated runs are not successful")
	assert.False(t, res.EmployeeReadyForOnboarding)
	require.NotNil(t, res.ErrorHandling.Handoff)
	assert.Equal(t, models.SpecialistLegal, res.ErrorHandling.Handoff.Specialist.Role)
	assert.Nil(t, res.ErrorHandling.Recovery)
	assert.NotEmpty(t, res.TicketID)
	assert.Equal(t, models.PhaseErrorHandling, res.Phase)
}

func TestOrchestrate_AgentTimeout(t *testing.T) {
	registry := agents.Defaults()
	registry.Register(agents.Func{AgentID: models.AgentDocumentation, Fn: func(ctx context.Context, _ *models.AgentRequest) (models.AgentResult, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil, ctx.Err()
	}})
	h := newHarness(t, registry, 20*time.Millisecond)

	res, err := h.engine.Orchestrate(context.Background(), goodRequest())
	require.NoError(t, err)

	doc := res.AgentResults[models.AgentDocumentation]
	assert.Equal(t, false, doc["success"])
	assert.Equal(t, string(models.CategoryTimeout), doc["error_category"])
	assert.Equal(t, 89.0, res.DataQualityScore)
	assert.True(t, res.SequentialPipelineExecuted)
}

func TestOrchestrate_InvalidRequests(t *testing.T) {
	h := newHarness(t, agents.Defaults(), 0)
	ctx := context.Background()

	noID := goodRequest()
	delete(noID.EmployeeData, "employee_id")
	badPattern := goodRequest()
	badPattern.Pattern = "round_robin"
	unknownAgent := goodRequest()
	unknownAgent.RequiredAgents = []string{"payroll_agent"}

	for name, req := range map[string]*models.OrchestrationRequest{
		"nil":           nil,
		"no data":       {},
		"no id":         noID,
		"bad pattern":   badPattern,
		"unknown agent": unknownAgent,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Orchestrate(ctx, req)
			assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
		})
	}
	assert.Empty(t, h.store.ListSessions(ctx), "rejected requests create no session")
}

func TestOrchestrate_SessionBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	registry := agents.Defaults()
	registry.Register(agents.Func{AgentID: models.AgentDataCollection, Fn: func(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
		once.Do(func() { close(entered) })
		<-release
		return agents.NewDataCollectionAgent().Process(ctx, req)
	}})
	h := newHarness(t, registry, 0)
	ctx := context.Background()

	req := goodRequest()
	req.SessionID = "S-busy"
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Orchestrate(ctx, req)
		done <- err
	}()
	<-entered

	_, err := h.engine.Orchestrate(ctx, req)
	assert.ErrorIs(t, err, orchestrator.ErrSessionBusy)

	close(release)
	require.NoError(t, <-done)

	_, err = h.engine.Orchestrate(ctx, req)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest, "finished session ids are not reused")
}

func TestOrchestrate_ConcurrentSessions(t *testing.T) {
	h := newHarness(t, agents.Defaults(), 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan *models.OrchestrationResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.Orchestrate(ctx, goodRequest())
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for res := range results {
		assert.True(t, res.Success)
		assert.False(t, seen[res.SessionID], "duplicate session id")
		seen[res.SessionID] = true
	}
	assert.Len(t, seen, 8)
}

func TestMetrics_Registered(t *testing.T) {
	h := newHarness(t, agents.Defaults(), 0)
	_, err := h.engine.Orchestrate(context.Background(), goodRequest())
	require.NoError(t, err)

	assert.NotPanics(t, func() { orchestrator.MustNewMetrics(h.reg) })

	families, err := h.reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["onboarding_orchestrator_runs_total"])
	assert.True(t, names["onboarding_orchestrator_data_quality_score"])
	assert.True(t, names["onboarding_orchestrator_agent_duration_seconds"])
}
