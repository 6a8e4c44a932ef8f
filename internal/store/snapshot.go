package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// schemaVersion is bumped whenever the snapshot layout changes incompatibly.
const schemaVersion = 1

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	SchemaVersion int                 `json:"schema_version"`
	SavedAt       time.Time           `json:"saved_at"`
	State         *models.SystemState `json:"state"`
}

// saveSnapshotLocked writes the full state. The caller holds m.mu.
// The current primary is copied to the backup path first, then the new
// snapshot replaces the primary through a temp file and rename.
func (m *MemoryStore) saveSnapshotLocked() {
	if m.snapshotPath == "" {
		return
	}

	data, err := json.MarshalIndent(snapshot{
		SchemaVersion: schemaVersion,
		SavedAt:       time.Now().UTC(),
		State:         m.state,
	}, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	if prev, err := os.ReadFile(m.snapshotPath); err == nil {
		if err := os.WriteFile(m.backupPath, prev, 0644); err != nil {
			log.Warn().Err(err).Str("path", m.backupPath).Msg("Failed to write snapshot backup")
		}
	}

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
}

// loadSnapshot restores state from the primary file, then the backup.
// When neither is usable the store starts empty.
func (m *MemoryStore) loadSnapshot() {
	for _, path := range []string{m.snapshotPath, m.backupPath} {
		st, err := readSnapshot(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn().Err(err).Str("path", path).Msg("Unusable snapshot, trying next")
			continue
		}
		m.state = st
		log.Info().
			Str("path", path).
			Int("sessions", len(st.ActiveSessions)).
			Int("agents", len(st.AgentRegistry)).
			Msg("📂 Loaded state snapshot")
		return
	}
	log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
}

func readSnapshot(path string) (*models.SystemState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema_version %d", snap.SchemaVersion)
	}
	if snap.State == nil {
		return nil, fmt.Errorf("snapshot has no state")
	}
	return repairState(snap.State), nil
}

// repairState fills in nil maps and drops nil records left by older or
// hand-edited snapshots.
func repairState(st *models.SystemState) *models.SystemState {
	if st.ActiveSessions == nil {
		st.ActiveSessions = make(map[string]*models.EmployeeContext)
	}
	if st.AgentRegistry == nil {
		st.AgentRegistry = make(map[string]*models.AgentRecord)
	}
	if st.SystemMetrics == nil {
		st.SystemMetrics = make(map[string]interface{})
	}
	for id, rec := range st.AgentRegistry {
		if rec == nil {
			delete(st.AgentRegistry, id)
		}
	}
	for id, sess := range st.ActiveSessions {
		if sess == nil {
			delete(st.ActiveSessions, id)
			continue
		}
		if sess.SessionID == "" {
			sess.SessionID = id
		}
		if sess.AgentStates == nil {
			sess.AgentStates = make(map[string]*models.AgentRecord)
		}
		for agentID, rec := range sess.AgentStates {
			if rec == nil {
				delete(sess.AgentStates, agentID)
			}
		}
		if sess.Config == nil {
			sess.Config = make(map[string]interface{})
		}
		if sess.RawData == nil {
			sess.RawData = make(map[string]interface{})
		}
		if sess.ProcessedData == nil {
			sess.ProcessedData = make(map[string]interface{})
		}
		if sess.ValidationResults == nil {
			sess.ValidationResults = make(map[string]interface{})
		}
	}
	return st
}
