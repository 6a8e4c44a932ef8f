// Package audit holds the append-only decision trail written by the audit
// stage of the escalation chain. Entries are never updated or deleted.
package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Trail is an append-only, ordered log of decision points.
type Trail interface {
	// Append stores entry, assigning its sequence number and (when zero)
	// its timestamp, and returns the stored copy.
	Append(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error)

	// List returns a session's entries in append order. An empty session id
	// lists every entry.
	List(ctx context.Context, sessionID string) ([]models.AuditEntry, error)

	Close() error
}

// Open builds the trail selected by cfg. The sqlite sink defaults to
// <dataDir>/audit.db.
func Open(cfg config.AuditConfig, dataDir string) (Trail, error) {
	switch cfg.Sink {
	case "", "memory":
		log.Info().Msg("Audit trail: in-memory")
		return NewMemoryTrail(), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			if dataDir == "" {
				return nil, fmt.Errorf("audit sink sqlite needs AUDIT_DB_PATH or a data dir")
			}
			path = filepath.Join(dataDir, "audit.db")
		}
		return NewSQLiteTrail(path)
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}

// ── In-memory trail ─────────────────────────────────────────

// MemoryTrail keeps entries in a slice.
type MemoryTrail struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	nextSeq int64
}

var _ Trail = (*MemoryTrail)(nil)

func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{}
}

func (t *MemoryTrail) Append(_ context.Context, entry models.AuditEntry) (models.AuditEntry, error) {
	if err := validate(entry); err != nil {
		return models.AuditEntry{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeq++
	entry.Sequence = t.nextSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Details = models.CloneMap(entry.Details)
	t.entries = append(t.entries, entry)
	return entry, nil
}

func (t *MemoryTrail) List(_ context.Context, sessionID string) ([]models.AuditEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.AuditEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if sessionID == "" || e.SessionID == sessionID {
			e.Details = models.CloneMap(e.Details)
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (t *MemoryTrail) Close() error { return nil }

func validate(e models.AuditEntry) error {
	if e.Stage == "" || e.Decision == "" {
		return fmt.Errorf("audit entry needs stage and decision")
	}
	return nil
}
