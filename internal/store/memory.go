package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onboardly/control-plane/internal/events"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// systemActor is the agent id stamped on events the store raises on its own behalf.
const systemActor = "state_store"

// Options configures a MemoryStore.
type Options struct {
	// DataDir holds state.json and state.json.bak. Empty disables persistence.
	DataDir string

	// MaxDepth bounds nested payloads (default DefaultMaxDepth).
	MaxDepth int

	// Bus receives change events. A private bus is created when nil.
	Bus *events.Bus
}

// MemoryStore implements Store with an in-memory SystemState guarded by one
// mutex. Every mutation is applied, persisted and then announced.
type MemoryStore struct {
	mu    sync.Mutex
	state *models.SystemState
	bus   *events.Bus

	maxDepth     int
	snapshotPath string // empty = no persistence
	backupPath   string
}

// NewMemoryStore creates a store and loads any snapshot found in opts.DataDir.
func NewMemoryStore(opts Options) *MemoryStore {
	m := &MemoryStore{
		state:    models.NewSystemState(),
		bus:      opts.Bus,
		maxDepth: opts.MaxDepth,
	}
	if m.bus == nil {
		m.bus = events.NewBus()
	}
	if m.maxDepth <= 0 {
		m.maxDepth = DefaultMaxDepth
	}

	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", opts.DataDir).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(opts.DataDir, "state.json")
			m.backupPath = m.snapshotPath + ".bak"
			m.loadSnapshot()
		}
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Int("max_depth", m.maxDepth).
		Msg("State store configured")

	return m
}

// Bus exposes the event bus the store publishes to.
func (m *MemoryStore) Bus() *events.Bus { return m.bus }

// Subscribe registers h for events of kind. h runs outside the store lock
// and may call back into the store. Ordering is only guaranteed per calling
// goroutine; concurrent writers can reach h out of commit order.
func (m *MemoryStore) Subscribe(kind models.EventType, h events.Handler) func() {
	return m.bus.Subscribe(kind, h)
}

// commitLocked stamps the state and persists it. The caller holds m.mu.
func (m *MemoryStore) commitLocked(now time.Time) {
	m.state.LastUpdated = now
	m.saveSnapshotLocked()
}

func (m *MemoryStore) publish(evs ...models.StateEvent) {
	for _, ev := range evs {
		m.bus.Publish(ev)
	}
}

// ── Agents ──────────────────────────────────────────────────

// RegisterAgent upserts the agent with status idle, merging initialData.
func (m *MemoryStore) RegisterAgent(_ context.Context, agentID string, initialData map[string]interface{}) error {
	if agentID == "" {
		return fmt.Errorf("register agent: empty agent id: %w", ErrInvalidArgument)
	}
	data := normalizeMap(initialData, m.maxDepth)

	m.mu.Lock()
	now := time.Now().UTC()
	rec, existed := m.state.AgentRegistry[agentID]
	if !existed {
		rec = newAgentRecord(agentID)
		m.state.AgentRegistry[agentID] = rec
	}
	rec.Status = models.AgentIdle
	rec.Data = models.MergeMap(rec.Data, data)
	rec.LastUpdated = now
	m.commitLocked(now)
	m.mu.Unlock()

	log.Debug().Str("agent_id", agentID).Bool("existing", existed).Msg("Agent registered")
	m.publish(events.NewEvent(models.EventStateChange, agentID, "", map[string]interface{}{
		"action": "register",
		"status": string(models.AgentIdle),
	}))
	return nil
}

// UpdateAgentState upserts the global record and, when the session resolves,
// the session-scoped record. Status error also appends to the error list and
// raises an error event.
func (m *MemoryStore) UpdateAgentState(_ context.Context, agentID string, status models.AgentStatus, data map[string]interface{}, sessionID string) error {
	if agentID == "" {
		return fmt.Errorf("update agent state: empty agent id: %w", ErrInvalidArgument)
	}
	if !status.Valid() {
		return fmt.Errorf("update agent state: status %q: %w", status, ErrInvalidArgument)
	}
	data = normalizeMap(data, m.maxDepth)
	errMsg := errorMessage(status, data)

	m.mu.Lock()
	now := time.Now().UTC()

	global, ok := m.state.AgentRegistry[agentID]
	if !ok {
		global = newAgentRecord(agentID)
		m.state.AgentRegistry[agentID] = global
	}
	applyAgentUpdate(global, status, models.CloneMap(data), errMsg, now)

	scoped := false
	if sessionID != "" {
		if sess, ok := m.state.ActiveSessions[sessionID]; ok {
			rec, ok := sess.AgentStates[agentID]
			if !ok {
				rec = newAgentRecord(agentID)
				sess.AgentStates[agentID] = rec
			}
			applyAgentUpdate(rec, status, models.CloneMap(data), errMsg, now)
			sess.UpdatedAt = now
			scoped = true
		}
	}
	m.commitLocked(now)
	m.mu.Unlock()

	if sessionID != "" && !scoped {
		log.Debug().Str("agent_id", agentID).Str("session_id", sessionID).Msg("Session not found, updated global agent state only")
	}

	evs := []models.StateEvent{events.NewEvent(models.EventStateChange, agentID, sessionID, map[string]interface{}{
		"status":         string(status),
		"session_scoped": scoped,
	})}
	if status == models.AgentError {
		evs = append(evs, events.NewEvent(models.EventError, agentID, sessionID, map[string]interface{}{
			"error": errMsg,
		}))
	}
	m.publish(evs...)
	return nil
}

// GetAgentState prefers the session-scoped record, then the global registry.
func (m *MemoryStore) GetAgentState(_ context.Context, agentID, sessionID string) (*models.AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if sess, ok := m.state.ActiveSessions[sessionID]; ok {
			if rec, ok := sess.AgentStates[agentID]; ok {
				return rec.Clone(), nil
			}
		}
	}
	if rec, ok := m.state.AgentRegistry[agentID]; ok {
		return rec.Clone(), nil
	}
	return nil, &ErrNotFound{Entity: "agent", Key: agentID}
}

func newAgentRecord(agentID string) *models.AgentRecord {
	return &models.AgentRecord{
		AgentID: agentID,
		Status:  models.AgentIdle,
		Data:    make(map[string]interface{}),
		Errors:  []string{},
	}
}

func applyAgentUpdate(rec *models.AgentRecord, status models.AgentStatus, data map[string]interface{}, errMsg string, now time.Time) {
	rec.Status = status
	rec.Data = models.MergeMap(rec.Data, data)
	if status == models.AgentError {
		rec.Errors = append(rec.Errors, errMsg)
	}
	rec.LastUpdated = now
}

func errorMessage(status models.AgentStatus, data map[string]interface{}) string {
	if status != models.AgentError {
		return ""
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		return msg
	}
	return "agent reported error"
}

// ── Sessions ────────────────────────────────────────────────

// CreateEmployeeContext installs a new session in phase initiated.
func (m *MemoryStore) CreateEmployeeContext(_ context.Context, employeeData map[string]interface{}, sessionID string, opts ...ContextOption) (string, error) {
	raw := normalizeMap(employeeData, m.maxDepth)
	if raw == nil {
		raw = make(map[string]interface{})
	}
	employeeID, _ := raw["employee_id"].(string)

	m.mu.Lock()
	if sessionID == "" {
		sessionID = uuid.New().String()
		for m.state.ActiveSessions[sessionID] != nil {
			sessionID = uuid.New().String()
		}
	} else if _, exists := m.state.ActiveSessions[sessionID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("create session %s: %w", sessionID, ErrSessionExists)
	}

	now := time.Now().UTC()
	sess := &models.EmployeeContext{
		SessionID:         sessionID,
		EmployeeID:        employeeID,
		Phase:             models.PhaseInitiated,
		RawData:           raw,
		ProcessedData:     make(map[string]interface{}),
		ValidationResults: make(map[string]interface{}),
		AgentStates:       make(map[string]*models.AgentRecord),
		StartedAt:         now,
		UpdatedAt:         now,
		Priority:          models.PriorityNormal,
		Config:            make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(sess)
	}
	sess.Config = normalizeMap(sess.Config, m.maxDepth)
	m.state.ActiveSessions[sessionID] = sess
	m.commitLocked(now)
	m.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("employee_id", employeeID).
		Str("priority", string(sess.Priority)).
		Msg("🧾 Employee context created")

	m.publish(events.NewEvent(models.EventPhaseChange, systemActor, sessionID, map[string]interface{}{
		"from": "",
		"to":   string(models.PhaseInitiated),
	}))
	return sessionID, nil
}

// UpdateEmployeeData merges data into the sub-map selected by kind.
func (m *MemoryStore) UpdateEmployeeData(_ context.Context, sessionID string, data map[string]interface{}, kind models.DataKind) error {
	switch kind {
	case models.DataRaw, models.DataProcessed, models.DataValidation:
	default:
		return fmt.Errorf("update employee data: kind %q: %w", kind, ErrInvalidArgument)
	}
	data = normalizeMap(data, m.maxDepth)

	m.mu.Lock()
	sess, ok := m.state.ActiveSessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	now := time.Now().UTC()
	switch kind {
	case models.DataRaw:
		sess.RawData = models.MergeMap(sess.RawData, data)
	case models.DataProcessed:
		sess.ProcessedData = models.MergeMap(sess.ProcessedData, data)
	case models.DataValidation:
		sess.ValidationResults = models.MergeMap(sess.ValidationResults, data)
	}
	sess.UpdatedAt = now
	m.commitLocked(now)
	m.mu.Unlock()

	m.publish(events.NewEvent(models.EventDataUpdate, systemActor, sessionID, map[string]interface{}{
		"data_type": string(kind),
		"keys":      sortedKeys(data),
	}))
	return nil
}

// AdvancePhase moves a session to phase along the allowed transitions.
// Setting the current phase again is a no-op.
func (m *MemoryStore) AdvancePhase(_ context.Context, sessionID string, phase models.OnboardingPhase) error {
	if !phase.Valid() {
		return fmt.Errorf("advance phase: phase %q: %w", phase, ErrInvalidArgument)
	}

	m.mu.Lock()
	sess, ok := m.state.ActiveSessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	from := sess.Phase
	if from == phase {
		m.mu.Unlock()
		return nil
	}
	if !models.CanTransition(from, phase, sess.InterruptedPhase) {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %s → %s: %w", sessionID, from, phase, ErrInvalidTransition)
	}
	now := time.Now().UTC()
	if phase == models.PhaseErrorHandling {
		sess.InterruptedPhase = from
	}
	sess.Phase = phase
	sess.UpdatedAt = now
	m.commitLocked(now)
	m.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("from", string(from)).
		Str("to", string(phase)).
		Msg("Phase changed")

	m.publish(events.NewEvent(models.EventPhaseChange, systemActor, sessionID, map[string]interface{}{
		"from": string(from),
		"to":   string(phase),
	}))
	return nil
}

// SetManualReview flags or clears the manual review marker.
func (m *MemoryStore) SetManualReview(_ context.Context, sessionID string, required bool) error {
	m.mu.Lock()
	sess, ok := m.state.ActiveSessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	now := time.Now().UTC()
	sess.RequiresManualReview = required
	sess.UpdatedAt = now
	m.commitLocked(now)
	m.mu.Unlock()

	m.publish(events.NewEvent(models.EventDataUpdate, systemActor, sessionID, map[string]interface{}{
		"requires_manual_review": required,
	}))
	return nil
}

// GetEmployeeContext returns a deep copy of the session.
func (m *MemoryStore) GetEmployeeContext(_ context.Context, sessionID string) (*models.EmployeeContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.state.ActiveSessions[sessionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: sessionID}
	}
	return sess.Clone(), nil
}

// ListSessions returns all sessions, most recently updated first.
func (m *MemoryStore) ListSessions(_ context.Context) []models.SessionSummary {
	m.mu.Lock()
	out := make([]models.SessionSummary, 0, len(m.state.ActiveSessions))
	for _, sess := range m.state.ActiveSessions {
		out = append(out, models.SessionSummary{
			SessionID:            sess.SessionID,
			EmployeeID:           sess.EmployeeID,
			Phase:                sess.Phase,
			Priority:             sess.Priority,
			RequiresManualReview: sess.RequiresManualReview,
			UpdatedAt:            sess.UpdatedAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// ── System ──────────────────────────────────────────────────

// GetSystemOverview counts sessions that have not completed and reports the
// status of every registered agent.
func (m *MemoryStore) GetSystemOverview(_ context.Context) models.SystemOverview {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, sess := range m.state.ActiveSessions {
		if sess.Phase != models.PhaseCompleted {
			active++
		}
	}
	status := make(map[string]models.AgentStatus, len(m.state.AgentRegistry))
	for id, rec := range m.state.AgentRegistry {
		status[id] = rec.Status
	}
	return models.SystemOverview{
		ActiveSessions:   active,
		RegisteredAgents: len(m.state.AgentRegistry),
		AgentsStatus:     status,
		LastUpdated:      m.state.LastUpdated,
	}
}

// RecordMetric sets one system metric.
func (m *MemoryStore) RecordMetric(_ context.Context, key string, value interface{}) error {
	if key == "" {
		return fmt.Errorf("record metric: empty key: %w", ErrInvalidArgument)
	}
	v := normalizeMap(map[string]interface{}{key: value}, m.maxDepth)[key]

	m.mu.Lock()
	now := time.Now().UTC()
	m.state.SystemMetrics[key] = v
	m.commitLocked(now)
	m.mu.Unlock()
	return nil
}

// Close writes a final snapshot.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveSnapshotLocked()
	log.Info().Str("snapshot", m.snapshotPath).Msg("State store closed")
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
