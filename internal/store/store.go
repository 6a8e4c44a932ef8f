// Package store provides the State Store: the single source of truth for agent
// and onboarding-session state shared by every agent and the orchestrator.
//
// The in-memory implementation serializes every mutation through one mutex,
// persists a full snapshot of the SystemState after each successful mutation,
// and notifies subscribers through a typed event bus once the lock is released.
package store

import (
	"context"
	"errors"

	"github.com/onboardly/control-plane/internal/events"
	"github.com/onboardly/control-plane/pkg/models"
)

// Store is the agent-to-store interface. All agents and the orchestrator
// depend on this interface, so tests can construct isolated instances.
type Store interface {
	AgentStateStore
	SessionStore

	// GetSystemOverview summarizes sessions and registered agents.
	GetSystemOverview(ctx context.Context) models.SystemOverview

	// RecordMetric sets one entry of SystemState.SystemMetrics.
	RecordMetric(ctx context.Context, key string, value interface{}) error

	// Subscribe registers a handler for one event type. The returned
	// function removes the subscription. Handlers run synchronously after
	// the mutation is committed and the store lock released, so events from
	// one goroutine arrive in commit order but concurrent mutations may be
	// delivered in a different order than they were committed.
	Subscribe(kind models.EventType, h events.Handler) func()

	// Close flushes a final snapshot.
	Close() error
}

// ── Agent State Store ───────────────────────────────────────

type AgentStateStore interface {
	// RegisterAgent upserts agentID into the global registry with status idle.
	// Re-registering merges initialData into the existing data.
	RegisterAgent(ctx context.Context, agentID string, initialData map[string]interface{}) error

	// UpdateAgentState updates the global registry entry and, when sessionID
	// names an active session, that session's copy of the agent state. Data
	// is merged, not replaced.
	UpdateAgentState(ctx context.Context, agentID string, status models.AgentStatus, data map[string]interface{}, sessionID string) error

	// GetAgentState prefers the session-scoped record and falls back to the
	// global registry.
	GetAgentState(ctx context.Context, agentID, sessionID string) (*models.AgentRecord, error)
}

// ── Session Store ───────────────────────────────────────────

type SessionStore interface {
	// CreateEmployeeContext installs a new session in phase initiated and
	// returns its id. A random 128-bit id is generated when sessionID is empty.
	CreateEmployeeContext(ctx context.Context, employeeData map[string]interface{}, sessionID string, opts ...ContextOption) (string, error)

	// UpdateEmployeeData merges data into the raw, processed or validation map.
	UpdateEmployeeData(ctx context.Context, sessionID string, data map[string]interface{}, kind models.DataKind) error

	// AdvancePhase moves a session to the next phase on the happy path, into
	// error_handling, or out of it to the successor of the interrupted phase.
	AdvancePhase(ctx context.Context, sessionID string, phase models.OnboardingPhase) error

	// SetManualReview flags or clears the session's manual review marker.
	SetManualReview(ctx context.Context, sessionID string, required bool) error

	GetEmployeeContext(ctx context.Context, sessionID string) (*models.EmployeeContext, error)
	ListSessions(ctx context.Context) []models.SessionSummary
}

// ContextOption customizes a new EmployeeContext.
type ContextOption func(*models.EmployeeContext)

// WithPriority sets the session priority (default normal).
func WithPriority(p models.Priority) ContextOption {
	return func(c *models.EmployeeContext) {
		if p != "" {
			c.Priority = p
		}
	}
}

// WithConfig attaches per-session configuration.
func WithConfig(cfg map[string]interface{}) ContextOption {
	return func(c *models.EmployeeContext) {
		c.Config = models.MergeMap(c.Config, cfg)
	}
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

var (
	// ErrInvalidArgument marks structurally invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionExists is returned when an explicit session id is already active.
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidTransition is returned for a backwards or skipped-terminal phase move.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// IsNotFound reports whether err is (or wraps) an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
