package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

const defaultMaxAttempts = 3

// Recoverer attempts bounded automated remediation by re-running the agents
// that failed. It never runs more than MaxAttempts attempts.
type Recoverer struct {
	store           store.Store
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewRecoverer builds a recoverer from cfg, applying defaults to zero fields.
func NewRecoverer(s store.Store, cfg config.RecoveryConfig) *Recoverer {
	r := &Recoverer{
		store:           s,
		maxAttempts:     cfg.MaxAttempts,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.initialInterval <= 0 {
		r.initialInterval = 500 * time.Millisecond
	}
	if r.maxInterval < r.initialInterval {
		r.maxInterval = 10 * r.initialInterval
	}
	return r
}

// MaxAttempts is the attempt bound.
func (r *Recoverer) MaxAttempts() int { return r.maxAttempts }

// Recover runs the strategy chosen by classification.
func (r *Recoverer) Recover(ctx context.Context, rec *Record) *models.RecoveryResult {
	inc := rec.Incident
	strategy := rec.Classification.RecoveryStrategy
	result := &models.RecoveryResult{
		Strategy:        strategy,
		MaxAttempts:     r.maxAttempts,
		HandoffPriority: handoffPriority(rec),
		Attempts:        []models.RecoveryAttempt{},
	}

	if strategy == models.StrategyEscalateDirectly {
		result.FinalStatus = models.RecoverySkipped
		result.EscalationRequired = true
		result.EscalationReason = "classification requires direct human handoff"
		return result
	}
	if inc.Retry == nil || len(inc.FailedAgents) == 0 {
		result.FinalStatus = models.RecoverySkipped
		result.EscalationRequired = true
		result.EscalationReason = "no retryable agent for this incident"
		return result
	}

	if strategy == models.StrategyStateRollback {
		r.rollback(ctx, inc)
		result.RolledBack = true
		rec.note(string(StageRecovery), "state_rolled_back", strings.Join(inc.FailedAgents, ","))
	}

	remaining := make(map[string]bool, len(inc.FailedAgents))
	for _, id := range inc.FailedAgents {
		remaining[id] = true
	}

	op := func() error {
		attempt := models.RecoveryAttempt{Attempt: len(result.Attempts) + 1, StartedAt: time.Now().UTC()}
		var errs []string
		for _, id := range sortedKeys(remaining) {
			res, err := inc.Retry(ctx, id)
			switch {
			case err != nil:
				errs = append(errs, fmt.Sprintf("%s: %v", id, err))
			case res == nil || !res.Succeeded():
				msg := "reported failure"
				if res != nil && res.Failure() != nil {
					msg = res.Failure().Message
				}
				errs = append(errs, fmt.Sprintf("%s: %s", id, msg))
			default:
				delete(remaining, id)
				rec.Recovered[id] = res
			}
		}
		attempt.DurationMs = time.Since(attempt.StartedAt).Milliseconds()
		if len(errs) > 0 {
			attempt.Error = strings.Join(errs, "; ")
		}
		result.Attempts = append(result.Attempts, attempt)
		rec.note(string(StageRecovery), "recovery_attempt", fmt.Sprintf("attempt %d: %s", attempt.Attempt, orOK(attempt.Error)))

		if len(errs) > 0 {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errors.New(attempt.Error)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(r.policy(strategy), uint64(r.maxAttempts-1)), ctx))
	if err == nil && inc.Verify != nil {
		if verr := inc.Verify(ctx, rec.Recovered); verr != nil {
			result.FinalStatus = models.RecoveryFailed
			result.EscalationRequired = true
			result.EscalationReason = "agents recovered but " + verr.Error()
			result.Error = verr.Error()
			rec.note(string(StageRecovery), "recovery_unverified", verr.Error())
			log.Warn().Str("session_id", inc.SessionID).Err(verr).Msg("Recovery did not clear the incident")
			return result
		}
	}
	if err == nil {
		result.Success = true
		result.FinalStatus = models.RecoveryRecovered
		log.Info().Str("session_id", inc.SessionID).Int("attempts", len(result.Attempts)).Msg("✅ Recovery succeeded")
		return result
	}

	result.FinalStatus = models.RecoveryFailed
	result.EscalationRequired = true
	result.EscalationReason = fmt.Sprintf("%s exhausted after %d attempt(s)", strategy, len(result.Attempts))
	result.Error = err.Error()
	log.Warn().Str("session_id", inc.SessionID).Int("attempts", len(result.Attempts)).Str("strategy", string(strategy)).Msg("Recovery exhausted")
	return result
}

// policy returns the backoff schedule for a strategy.
func (r *Recoverer) policy(strategy models.RecoveryStrategy) backoff.BackOff {
	if strategy == models.StrategyImmediateRetry {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0
	return b
}

// rollback resets the failed agents' session state to idle so the retry
// starts from a clean slate.
func (r *Recoverer) rollback(ctx context.Context, inc *Incident) {
	for _, id := range inc.FailedAgents {
		err := r.store.UpdateAgentState(ctx, id, models.AgentIdle, map[string]interface{}{
			"rolled_back_at": time.Now().UTC(),
			"rollback":       true,
		}, inc.SessionID)
		if err != nil {
			log.Warn().Err(err).Str("agent_id", id).Msg("State rollback failed")
		}
	}
}

// handoffPriority derives the ticket priority from severity and the session
// priority, whichever is higher.
func handoffPriority(rec *Record) models.Priority {
	p := models.PriorityNormal
	if rec.Classification != nil {
		switch rec.Classification.Severity {
		case models.SeverityCritical:
			p = models.PriorityUrgent
		case models.SeverityHigh:
			p = models.PriorityHigh
		case models.SeverityLow:
			p = models.PriorityLow
		}
	}
	if rank(rec.Incident.Priority) > rank(p) {
		p = rec.Incident.Priority
	}
	return p
}

func rank(p models.Priority) int {
	switch p {
	case models.PriorityLow:
		return 1
	case models.PriorityNormal:
		return 2
	case models.PriorityHigh:
		return 3
	case models.PriorityUrgent:
		return 4
	}
	return 0
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orOK(s string) string {
	if s == "" {
		return "ok"
	}
	return s
}
