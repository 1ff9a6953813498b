// ABOUTME: SQLite implementation of the token usage ledger using modernc.org/sqlite.
// ABOUTME: Persists per-turn usage and cost with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ccshell/relay/internal/runtime"
)

// Ledger records token usage and cost per completed turn. Conversation
// history stays with the agent runtime; only accounting lives here.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// UsageSummary aggregates usage across turns.
type UsageSummary struct {
	SessionID       string  `json:"sessionId,omitempty"`
	Turns           int64   `json:"turns"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	CacheReadTokens int64   `json:"cacheReadTokens"`
	Cost            float64 `json:"cost"`
}

// NewLedger opens (or creates) the ledger database at the given path.
// Parent directories are created if needed; use ":memory:" for tests.
func NewLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL improves concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("usage ledger initialized", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turn_usage (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			cost REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turn_usage_session
			ON turn_usage(session_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordUsage stores one turn's accounting. Implements query.UsageRecorder.
func (l *Ledger) RecordUsage(ctx context.Context, sessionID, model string, res runtime.ResultInfo) error {
	query := `
		INSERT INTO turn_usage (
			id, session_id, model,
			input_tokens, output_tokens, cache_read_tokens,
			cost, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := l.db.ExecContext(ctx, query,
		uuid.New().String(),
		sessionID,
		model,
		res.InputTokens,
		res.OutputTokens,
		res.CacheReadTokens,
		res.Cost,
		res.DurationMS,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	l.logger.Debug("recorded turn usage",
		"session_id", sessionID,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"cost", res.Cost,
	)
	return nil
}

// Totals returns the aggregate usage across all sessions.
func (l *Ledger) Totals(ctx context.Context) (*UsageSummary, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cache_read_tokens), 0),
		       COALESCE(SUM(cost), 0)
		FROM turn_usage
	`

	var s UsageSummary
	row := l.db.QueryRowContext(ctx, query)
	if err := row.Scan(&s.Turns, &s.InputTokens, &s.OutputTokens, &s.CacheReadTokens, &s.Cost); err != nil {
		return nil, fmt.Errorf("querying totals: %w", err)
	}
	return &s, nil
}

// PerSession returns usage rolled up by session, most expensive first.
func (l *Ledger) PerSession(ctx context.Context) ([]UsageSummary, error) {
	query := `
		SELECT session_id, COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cache_read_tokens), 0),
		       COALESCE(SUM(cost), 0)
		FROM turn_usage
		GROUP BY session_id
		ORDER BY SUM(cost) DESC
	`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying per-session usage: %w", err)
	}
	defer rows.Close()

	var summaries []UsageSummary
	for rows.Next() {
		var s UsageSummary
		if err := rows.Scan(&s.SessionID, &s.Turns, &s.InputTokens, &s.OutputTokens, &s.CacheReadTokens, &s.Cost); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
