package escalation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onboardly/control-plane/internal/audit"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/internal/escalation"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *store.MemoryStore
	trail   *audit.MemoryTrail
	chain   *escalation.Chain
	session string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore(store.Options{})
	trail := audit.NewMemoryTrail()
	chain, err := escalation.NewChain(escalation.Options{
		Store:    s,
		Trail:    trail,
		Policy:   config.DefaultPolicy(),
		Recovery: config.RecoveryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	})
	require.NoError(t, err)

	id, err := s.CreateEmployeeContext(ctx, map[string]interface{}{"employee_id": "EMP001", "first_name": "John"}, "")
	require.NoError(t, err)
	return &fixture{store: s, trail: trail, chain: chain, session: id}
}

func quality(v float64) *float64 { return &v }

func failingRetry(calls *int) escalation.RetryFunc {
	return func(_ context.Context, id string) (models.AgentResult, error) {
		*calls++
		return models.NewFailureResult(id, models.CategoryDataQuality, "still missing"), nil
	}
}

func TestClassifier_DefaultRules(t *testing.T) {
	c, err := escalation.NewClassifier(config.DefaultPolicy().Rules, 30)
	require.NoError(t, err)

	tests := []struct {
		name     string
		inc      escalation.Incident
		category models.ErrorCategory
		severity models.Severity
		strategy models.RecoveryStrategy
		handler  string
	}{
		{"security keyword", escalation.Incident{Message: "Unauthorized access to payroll"},
			models.CategorySecurity, models.SeverityCritical, models.StrategyEscalateDirectly, models.HandlerHumanHandoff},
		{"quality below floor", escalation.Incident{Quality: quality(12), Category: models.CategoryDataQuality},
			models.CategoryDataQuality, models.SeverityCritical, models.StrategyStateRollback, models.HandlerRecovery},
		{"quality at floor", escalation.Incident{Quality: quality(30), Category: models.CategoryValidation},
			models.CategoryDataQuality, models.SeverityHigh, models.StrategyStateRollback, models.HandlerRecovery},
		{"timeout", escalation.Incident{Category: models.CategoryTimeout},
			models.CategoryTimeout, models.SeverityMedium, models.StrategyExponentialBackoff, models.HandlerRecovery},
		{"urgent timeout", escalation.Incident{Category: models.CategoryTimeout, Priority: models.PriorityUrgent},
			models.CategoryTimeout, models.SeverityHigh, models.StrategyExponentialBackoff, models.HandlerRecovery},
		{"integration message", escalation.Incident{Message: "dial tcp: connection refused"},
			models.CategoryIntegration, models.SeverityHigh, models.StrategyExponentialBackoff, models.HandlerRecovery},
		{"critical", escalation.Incident{Category: models.CategoryCritical},
			models.CategoryCritical, models.SeverityCritical, models.StrategyEscalateDirectly, models.HandlerHumanHandoff},
		{"agent failure", escalation.Incident{Category: models.CategoryAgentFailure},
			models.CategoryAgentFailure, models.SeverityHigh, models.StrategyImmediateRetry, models.HandlerRecovery},
		{"unmatched", escalation.Incident{Message: "something odd"},
			models.CategoryAgentFailure, models.SeverityMedium, models.StrategyImmediateRetry, models.HandlerRecovery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc := tt.inc
			got := c.Classify(&inc)
			assert.True(t, got.Success)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.severity, got.Severity)
			assert.Equal(t, tt.strategy, got.RecoveryStrategy)
			assert.Equal(t, tt.handler, got.NextHandler)
			assert.NotEmpty(t, got.MatchedRule)
		})
	}
}

func TestClassifier_Deterministic(t *testing.T) {
	c, err := escalation.NewClassifier(config.DefaultPolicy().Rules, 30)
	require.NoError(t, err)
	inc := escalation.Incident{Message: "timeout talking to HRIS", At: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	first := c.Classify(&inc)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(&inc))
	}
}

func TestClassifier_RejectsBadRule(t *testing.T) {
	_, err := escalation.NewClassifier([]config.RuleSpec{{Name: "bad", When: `quality +`, Category: "x", Severity: "low", Strategy: "immediate_retry"}}, 30)
	assert.Error(t, err)

	_, err = escalation.NewClassifier([]config.RuleSpec{{Name: "not-bool", When: `quality`, Category: "x", Severity: "low", Strategy: "immediate_retry"}}, 30)
	assert.Error(t, err)
}

func TestClassifier_BusinessHoursRule(t *testing.T) {
	c, err := escalation.NewClassifier([]config.RuleSpec{{
		Name: "after_hours", When: `!business_hours`, Category: "agent_failure", Severity: "low", Strategy: "immediate_retry",
	}}, 30)
	require.NoError(t, err)

	saturday := escalation.Incident{At: time.Date(2026, 3, 7, 11, 0, 0, 0, time.UTC)}
	assert.Equal(t, "after_hours", c.Classify(&saturday).MatchedRule)

	monday := escalation.Incident{At: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)}
	assert.Equal(t, "default", c.Classify(&monday).MatchedRule)
}

func TestSpecialistRoleFor(t *testing.T) {
	assert.Equal(t, models.SpecialistSecurity, escalation.SpecialistRoleFor(models.CategorySecurity, models.AgentContractManagement))
	assert.Equal(t, models.SpecialistHRManager, escalation.SpecialistRoleFor(models.CategoryDataQuality, ""))
	assert.Equal(t, models.SpecialistHRManager, escalation.SpecialistRoleFor(models.CategoryValidation, ""))
	assert.Equal(t, models.SpecialistLegal, escalation.SpecialistRoleFor(models.CategoryAgentFailure, models.AgentContractManagement))
	assert.Equal(t, models.SpecialistIT, escalation.SpecialistRoleFor(models.CategoryTimeout, models.AgentITProvisioning))
	assert.Equal(t, models.SpecialistIT, escalation.SpecialistRoleFor(models.CategoryIntegration, ""))
	assert.Equal(t, models.SpecialistCoordinator, escalation.SpecialistRoleFor(models.CategoryAgentFailure, models.AgentMeetingCoordinator))
}

func TestChain_QualityGateExhaustsAndHandsOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0

	res := f.chain.Run(ctx, &escalation.Incident{
		SessionID:    f.session,
		EmployeeID:   "EMP001",
		Source:       models.SourceQualityGate,
		Message:      "data quality 0.0 below hard floor 30.0",
		Category:     models.CategoryDataQuality,
		Quality:      quality(0),
		FailedAgents: models.DataCollectionAgents,
		Retry:        failingRetry(&calls),
	})

	require.NotNil(t, res.Classification)
	assert.Equal(t, models.SeverityCritical, res.Classification.Severity)
	assert.Equal(t, models.StrategyStateRollback, res.Classification.RecoveryStrategy)

	require.NotNil(t, res.Recovery)
	assert.Equal(t, models.RecoveryFailed, res.Recovery.FinalStatus)
	assert.Len(t, res.Recovery.Attempts, 3)
	assert.True(t, res.Recovery.RolledBack)
	assert.True(t, res.Recovery.EscalationRequired)
	assert.Equal(t, models.PriorityUrgent, res.Recovery.HandoffPriority)
	assert.Equal(t, 9, calls, "three agents retried on each of three attempts")

	require.NotNil(t, res.Handoff)
	assert.True(t, res.Handoff.Success)
	assert.Equal(t, models.SpecialistHRManager, res.Handoff.Specialist.Role)
	assert.True(t, strings.HasPrefix(res.TicketID, "ESC-"))
	assert.Len(t, res.TicketID, len("ESC-")+8)
	assert.Equal(t, 100.0, res.Handoff.ContextPreservationScore)
	assert.Equal(t, 100.0, res.Handoff.HandoffQualityScore)

	require.NotNil(t, res.Audit)
	assert.True(t, res.Audit.Success)
	assert.Equal(t, 4, res.Audit.DecisionPoints)
	assert.Equal(t, 100.0, res.Audit.ComplianceScore)

	assert.True(t, res.Escalated)
	assert.False(t, res.Resolved)
	assert.Equal(t, []string{"classification", "recovery", "handoff", "audit"}, res.StagesRun)

	entries, err := f.trail.List(ctx, f.session)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, escalation.StageChainSummary, entries[3].Stage)
	assert.Equal(t, "escalated", entries[3].Decision)

	ec, err := f.store.GetEmployeeContext(ctx, f.session)
	require.NoError(t, err)
	for _, key := range []string{"handoff_bundle", "escalation_ticket", "error_classification", "recovery_result", "handoff_result", "audit_result"} {
		assert.Contains(t, ec.ProcessedData, key)
	}
	for _, id := range escalation.AgentIDs() {
		st, err := f.store.GetAgentState(ctx, id, f.session)
		require.NoError(t, err)
		assert.Equal(t, models.AgentCompleted, st.Status, id)
	}
	st, err := f.store.GetAgentState(ctx, models.AgentDocumentation, f.session)
	require.NoError(t, err)
	assert.Equal(t, true, st.Data["rollback"])
}

func TestChain_RecoveryResolves(t *testing.T) {
	f := newFixture(t)
	calls := 0
	retry := func(_ context.Context, id string) (models.AgentResult, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return &models.ProvisioningResult{ResultBase: models.ResultBase{AgentID: id, Success: true}, ProvisioningScore: 1}, nil
	}

	res := f.chain.Run(context.Background(), &escalation.Incident{
		SessionID:    f.session,
		Source:       models.SourceDirectAgentReport,
		Category:     models.CategoryAgentFailure,
		Message:      "agent crashed",
		FailedAgents: []string{models.AgentITProvisioning},
		Stage:        models.AgentITProvisioning,
		Retry:        retry,
	})

	assert.True(t, res.Resolved)
	assert.False(t, res.Escalated)
	assert.Nil(t, res.Handoff)
	assert.Empty(t, res.TicketID)
	assert.Len(t, res.Recovery.Attempts, 2)
	assert.Equal(t, []string{"classification", "recovery", "audit"}, res.StagesRun)
	assert.Equal(t, 3, res.Audit.DecisionPoints)
	assert.Equal(t, 100.0, res.Audit.ComplianceScore)
}

func TestChain_RecoveredAgentsButConditionPersists(t *testing.T) {
	f := newFixture(t)
	retry := func(_ context.Context, id string) (models.AgentResult, error) {
		return &models.DataCollectionResult{ResultBase: models.ResultBase{AgentID: id, Success: true}}, nil
	}
	verified := 0
	verify := func(_ context.Context, recovered map[string]models.AgentResult) error {
		verified++
		assert.Contains(t, recovered, models.AgentDataCollection)
		return errors.New("data quality 5.00 is still below hard floor 30.00")
	}

	res := f.chain.Run(context.Background(), &escalation.Incident{
		SessionID:    f.session,
		Source:       models.SourceQualityGate,
		Category:     models.CategoryDataQuality,
		Message:      "data quality 5.00 below hard floor 30.00",
		Quality:      quality(5),
		FailedAgents: []string{models.AgentDataCollection},
		Retry:        retry,
		Verify:       verify,
	})

	assert.Equal(t, 1, verified)
	assert.False(t, res.Resolved)
	assert.True(t, res.Escalated)
	require.NotNil(t, res.Recovery)
	assert.False(t, res.Recovery.Success)
	assert.Equal(t, models.RecoveryFailed, res.Recovery.FinalStatus)
	assert.True(t, res.Recovery.EscalationRequired)
	assert.Contains(t, res.Recovery.EscalationReason, "still below hard floor")
	require.NotNil(t, res.Handoff)
	assert.Equal(t, models.SpecialistHRManager, res.Handoff.Specialist.Role)
	assert.True(t, strings.HasPrefix(res.TicketID, "ESC-"))
	assert.Equal(t, []string{"classification", "recovery", "handoff", "audit"}, res.StagesRun)
	assert.Equal(t, 4, res.Audit.DecisionPoints)

	entries, err := f.trail.List(context.Background(), f.session)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "escalated", entries[len(entries)-1].Decision)
}

func TestChain_SecurityGoesDirectlyToHandoff(t *testing.T) {
	f := newFixture(t)
	res := f.chain.Run(context.Background(), &escalation.Incident{
		SessionID:  f.session,
		EmployeeID: "EMP001",
		Source:     models.SourceDirectAgentReport,
		Message:    "credential stuffing detected",
		Stage:      models.AgentITProvisioning,
	})

	assert.Nil(t, res.Recovery)
	require.NotNil(t, res.Handoff)
	assert.Equal(t, models.SpecialistSecurity, res.Handoff.Specialist.Role)
	assert.Equal(t, models.PriorityUrgent, res.Handoff.Ticket.Priority)
	assert.Less(t, res.Handoff.ContextPreservationScore, 100.0, "no recovery attempts to preserve")
	assert.Equal(t, []string{"classification", "handoff", "audit"}, res.StagesRun)
	assert.Equal(t, 3, res.Audit.DecisionPoints)
}

func TestChain_WithoutRetryEscalates(t *testing.T) {
	f := newFixture(t)
	res := f.chain.Run(context.Background(), &escalation.Incident{
		SessionID: f.session,
		Source:    models.SourceProgressTracker,
		Category:  models.CategoryTimeout,
		Stage:     models.AgentContractManagement,
	})
	assert.Equal(t, models.RecoverySkipped, res.Recovery.FinalStatus)
	assert.Equal(t, models.SpecialistLegal, res.Handoff.Specialist.Role)
}

type brokenTrail struct{ audit.Trail }

func (brokenTrail) Append(context.Context, models.AuditEntry) (models.AuditEntry, error) {
	return models.AuditEntry{}, errors.New("disk full")
}

func TestChain_StageFaultIsContained(t *testing.T) {
	s := store.NewMemoryStore(store.Options{})
	chain, err := escalation.NewChain(escalation.Options{Store: s, Trail: brokenTrail{}})
	require.NoError(t, err)

	res := chain.Run(context.Background(), &escalation.Incident{Source: models.SourceDirectAgentReport, Category: models.CategoryCritical})

	require.NotNil(t, res.Handoff)
	assert.True(t, res.Escalated)
	require.NotNil(t, res.Audit)
	assert.False(t, res.Audit.Success)
	assert.Equal(t, 0.0, res.Audit.ComplianceScore)
	assert.Contains(t, res.StageErrors, "audit")
}

func TestChain_RunStageInIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := escalation.NewRecord(&escalation.Incident{SessionID: f.session, Category: models.CategoryAgentFailure})

	assert.Error(t, f.chain.RunStage(ctx, escalation.StageRecovery, rec), "recovery before classification")
	require.NoError(t, f.chain.RunStage(ctx, escalation.StageClassification, rec))
	assert.Equal(t, models.HandlerRecovery, rec.Classification.NextHandler)

	require.NoError(t, f.chain.RunStage(ctx, escalation.StageRecovery, rec))
	assert.Empty(t, rec.StageError(escalation.StageRecovery), "successful rerun clears the earlier fault")
	assert.Equal(t, models.RecoverySkipped, rec.Recovery.FinalStatus)

	assert.Error(t, f.chain.RunStage(ctx, escalation.Stage("bogus"), rec))
}
