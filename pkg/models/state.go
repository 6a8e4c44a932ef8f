// Package models holds the shared data model of the onboarding control plane:
// agent and session state managed by the Store, the events it emits, the
// orchestration request/result shapes and the error-escalation records.
package models

import (
	"time"
)

// ── Agent State ──────────────────────────────────────────────

// AgentStatus is the lifecycle status of an agent, globally or within a session.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentProcessing AgentStatus = "processing"
	AgentWaiting    AgentStatus = "waiting"
	AgentCompleted  AgentStatus = "completed"
	AgentError      AgentStatus = "error"
	AgentPaused     AgentStatus = "paused"
)

// Valid reports whether s is one of the known statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentProcessing, AgentWaiting, AgentCompleted, AgentError, AgentPaused:
		return true
	}
	return false
}

// AgentRecord is the state of one agent. It lives either in the global
// registry or inside a session's AgentStates map.
type AgentRecord struct {
	AgentID     string                 `json:"agent_id"`
	Status      AgentStatus            `json:"status"`
	Data        map[string]interface{} `json:"data"`
	Errors      []string               `json:"errors"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Clone returns a deep copy of the record.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data = CloneMap(r.Data)
	cp.Errors = append([]string(nil), r.Errors...)
	return &cp
}

// ── Onboarding Phase ─────────────────────────────────────────

// OnboardingPhase is the coarse-grained stage of a session.
type OnboardingPhase string

const (
	PhaseInitiated          OnboardingPhase = "initiated"
	PhaseDataCollection     OnboardingPhase = "data_collection"
	PhaseDataAggregation    OnboardingPhase = "data_aggregation"
	PhaseProcessingPipeline OnboardingPhase = "processing_pipeline"
	PhaseErrorHandling      OnboardingPhase = "error_handling"
	PhaseCompleted          OnboardingPhase = "completed"
)

// phasePath is the happy path. error_handling sits beside it.
var phasePath = []OnboardingPhase{
	PhaseInitiated,
	PhaseDataCollection,
	PhaseDataAggregation,
	PhaseProcessingPipeline,
	PhaseCompleted,
}

// Valid reports whether p is a known phase.
func (p OnboardingPhase) Valid() bool {
	if p == PhaseErrorHandling {
		return true
	}
	for _, known := range phasePath {
		if p == known {
			return true
		}
	}
	return false
}

// Next returns the phase after p on the happy path, or "" when there is none.
func (p OnboardingPhase) Next() OnboardingPhase {
	for i, known := range phasePath[:len(phasePath)-1] {
		if p == known {
			return phasePath[i+1]
		}
	}
	return ""
}

// CanTransition reports whether a session may move from one phase to another.
// On the happy path only the immediate successor is allowed. error_handling
// is reachable from any non-terminal phase and is left only for the
// successor of the phase it interrupted, so no happy-path phase is skipped
// or revisited.
func CanTransition(from, to, interrupted OnboardingPhase) bool {
	if !from.Valid() || !to.Valid() || from == PhaseCompleted {
		return false
	}
	if to == PhaseErrorHandling {
		return from != PhaseErrorHandling
	}
	if from == PhaseErrorHandling {
		next := interrupted.Next()
		return next != "" && to == next
	}
	return to == from.Next()
}

// Priority of an onboarding session.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ── Employee Context ─────────────────────────────────────────

// EmployeeContext is the state of one onboarding attempt for one employee.
type EmployeeContext struct {
	SessionID            string                  `json:"session_id"`
	EmployeeID           string                  `json:"employee_id"`
	Phase                OnboardingPhase         `json:"phase"`
	RawData              map[string]interface{}  `json:"raw_data"`
	ProcessedData        map[string]interface{}  `json:"processed_data"`
	ValidationResults    map[string]interface{}  `json:"validation_results"`
	AgentStates          map[string]*AgentRecord `json:"agent_states"`
	StartedAt            time.Time               `json:"started_at"`
	UpdatedAt            time.Time               `json:"updated_at"`
	Priority             Priority                `json:"priority"`
	RequiresManualReview bool                    `json:"requires_manual_review"`
	Config               map[string]interface{}  `json:"config"`

	// InterruptedPhase is the phase error_handling was entered from.
	InterruptedPhase OnboardingPhase `json:"interrupted_phase,omitempty"`
}

// Clone returns a deep copy of the context.
func (c *EmployeeContext) Clone() *EmployeeContext {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RawData = CloneMap(c.RawData)
	cp.ProcessedData = CloneMap(c.ProcessedData)
	cp.ValidationResults = CloneMap(c.ValidationResults)
	cp.Config = CloneMap(c.Config)
	cp.AgentStates = make(map[string]*AgentRecord, len(c.AgentStates))
	for id, rec := range c.AgentStates {
		cp.AgentStates[id] = rec.Clone()
	}
	return &cp
}

// DataKind selects which EmployeeContext sub-map an update merges into.
type DataKind string

const (
	DataRaw        DataKind = "raw"
	DataProcessed  DataKind = "processed"
	DataValidation DataKind = "validation"
)

// ── System State ─────────────────────────────────────────────

// SystemState is the root aggregate held by a Store.
type SystemState struct {
	ActiveSessions map[string]*EmployeeContext `json:"active_sessions"`
	AgentRegistry  map[string]*AgentRecord     `json:"agent_registry"`
	SystemMetrics  map[string]interface{}      `json:"system_metrics"`
	LastUpdated    time.Time                   `json:"last_updated"`
}

// NewSystemState returns an empty state.
func NewSystemState() *SystemState {
	return &SystemState{
		ActiveSessions: make(map[string]*EmployeeContext),
		AgentRegistry:  make(map[string]*AgentRecord),
		SystemMetrics:  make(map[string]interface{}),
	}
}

// SystemOverview is the summary returned by Store.GetSystemOverview.
type SystemOverview struct {
	ActiveSessions   int                    `json:"active_sessions"`
	RegisteredAgents int                    `json:"registered_agents"`
	AgentsStatus     map[string]AgentStatus `json:"agents_status"`
	LastUpdated      time.Time              `json:"last_updated"`
}

// SessionSummary is a compact listing entry for a session.
type SessionSummary struct {
	SessionID            string          `json:"session_id"`
	EmployeeID           string          `json:"employee_id"`
	Phase                OnboardingPhase `json:"phase"`
	Priority             Priority        `json:"priority"`
	RequiresManualReview bool            `json:"requires_manual_review"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ── State Events ─────────────────────────────────────────────

// EventType is the kind of a StateEvent.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventDataUpdate  EventType = "data_update"
	EventError       EventType = "error"
	EventPhaseChange EventType = "phase_change"
)

// EventTypes lists every supported event type.
var EventTypes = []EventType{EventStateChange, EventDataUpdate, EventError, EventPhaseChange}

// Valid reports whether t is a supported event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// StateEvent is an immutable change notification. It is never persisted.
type StateEvent struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agent_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Type      EventType              `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ── Helpers ──────────────────────────────────────────────────

// CloneMap deep-copies a JSON-shaped map (nested maps and slices).
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// MergeMap merges src into dst key by key (shallow replace per key) and
// returns dst, allocating it when nil.
func MergeMap(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
