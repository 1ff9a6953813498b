// ABOUTME: Process-wide registry mapping session ids to session records.
// ABOUTME: Handles creation, lookup, and provisional-to-canonical rekeying.

package session

import (
	"log/slog"
	"sync"
)

// Registry owns every live SessionRecord. It is created by the process entry
// point and passed by reference to the router; records are never deleted
// during normal operation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Record
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for the default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Record),
		logger:   logger.With("component", "registry"),
	}
}

// FindOrCreate returns the record for id, creating it with defaultModel, an
// empty subscriber set, and an empty backlog when absent.
func (g *Registry) FindOrCreate(id, defaultModel string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.sessions[id]; ok {
		return rec
	}

	rec := newRecord(id, defaultModel, g.logger)
	g.sessions[id] = rec
	g.logger.Debug("session created", "session_id", id, "model", defaultModel)
	return rec
}

// Find returns the record for id, or false if no record exists.
func (g *Registry) Find(id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.sessions[id]
	return rec, ok
}

// Rekey points newID at the record currently mapped from oldID. The oldID
// mapping is retained as an alias, since a client may still be addressing
// the session by its provisional id.
//
// If newID already maps to a different record, that existing record wins and
// is returned; the caller must discard its own record and continue with the
// returned one. Returns nil if oldID is unknown.
func (g *Registry) Rekey(oldID, newID string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.sessions[oldID]
	if !ok {
		return nil
	}

	if existing, ok := g.sessions[newID]; ok && existing != rec {
		g.logger.Warn("rekey target already exists, keeping existing record",
			"old_id", oldID, "new_id", newID)
		return existing
	}

	g.sessions[newID] = rec
	rec.setID(newID)
	g.logger.Debug("session rekeyed", "old_id", oldID, "new_id", newID)
	return rec
}

// Len returns the number of distinct id mappings (aliases included).
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}
