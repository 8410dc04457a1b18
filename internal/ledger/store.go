// Package ledger keeps a local, append-only record of orchestrated
// turns: which service answered, how it ended, and how long it took.
// It is an operator aid for latency and failure accounting; the remote
// Memory service remains the system of record for conversation content.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeClientError   Outcome = "client_error"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeInternalError Outcome = "internal_error"
)

// OutcomeFor maps an HTTP status returned to the client onto an outcome.
func OutcomeFor(status int) Outcome {
	switch {
	case status < 400:
		return OutcomeOK
	case status < 500:
		return OutcomeClientError
	case status == 502 || status == 503 || status == 504:
		return OutcomeUpstreamError
	default:
		return OutcomeInternalError
	}
}

// Record is one orchestrated turn.
type Record struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	RequestID          string    `json:"request_id"`
	ConversationID     string    `json:"conversation_id"`
	IndividualID       string    `json:"individual_id,omitempty"`
	DetectedAgent      string    `json:"detected_agent,omitempty"`
	Service            string    `json:"service"` // routed service; empty when the turn failed before routing
	Plan               string    `json:"plan"`
	Outcome            Outcome   `json:"outcome"`
	Status             int       `json:"status"`
	ElapsedMS          float64   `json:"elapsed_ms"`
	Checkpoint         string    `json:"checkpoint,omitempty"`
	CheckpointComplete bool      `json:"checkpoint_complete"`
}

// Summary holds aggregated turn totals.
type Summary struct {
	TotalTurns          int     `json:"total_turns"`
	FailedTurns         int     `json:"failed_turns"`
	CheckpointsComplete int     `json:"checkpoints_complete"`
	AvgElapsedMS        float64 `json:"avg_elapsed_ms"`
	MaxElapsedMS        float64 `json:"max_elapsed_ms"`
}

// Store is an append-only SQLite turn ledger. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id                  TEXT PRIMARY KEY,
		timestamp           TEXT NOT NULL,
		request_id          TEXT NOT NULL,
		conversation_id     TEXT NOT NULL,
		individual_id       TEXT,
		detected_agent      TEXT,
		service             TEXT,
		plan                TEXT,
		outcome             TEXT NOT NULL,
		status              INTEGER NOT NULL,
		elapsed_ms          REAL NOT NULL,
		checkpoint          TEXT,
		checkpoint_complete INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a turn. An empty ID gets a UUIDv7; a zero timestamp
// gets now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeFor(rec.Status)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns
			(id, timestamp, request_id, conversation_id, individual_id, detected_agent,
			 service, plan, outcome, status, elapsed_ms, checkpoint, checkpoint_complete)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.RequestID,
		rec.ConversationID,
		rec.IndividualID,
		rec.DetectedAgent,
		rec.Service,
		rec.Plan,
		string(rec.Outcome),
		rec.Status,
		rec.ElapsedMS,
		rec.Checkpoint,
		rec.CheckpointComplete,
	)
	if err != nil {
		return fmt.Errorf("insert turn record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(checkpoint_complete), 0),
	COALESCE(AVG(elapsed_ms), 0),
	COALESCE(MAX(elapsed_ms), 0)`

// Summary returns totals for turns within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalTurns, &sum.FailedTurns, &sum.CheckpointsComplete, &sum.AvgElapsedMS, &sum.MaxElapsedMS); err != nil {
		return nil, fmt.Errorf("query turn summary: %w", err)
	}
	return &sum, nil
}

// SummaryByService groups totals by routed service.
func (s *Store) SummaryByService(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "service", start, end)
}

// SummaryByOutcome groups totals by outcome.
func (s *Store) SummaryByOutcome(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "outcome", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column comes from the methods above, never from input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+summaryColumns+`
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query turns by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalTurns, &sum.FailedTurns, &sum.CheckpointsComplete, &sum.AvgElapsedMS, &sum.MaxElapsedMS); err != nil {
			return nil, fmt.Errorf("scan turns by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Conversation returns up to limit of the most recent turns for one
// conversation, newest first.
func (s *Store) Conversation(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, conversation_id, COALESCE(individual_id, ''),
		        COALESCE(detected_agent, ''), COALESCE(service, ''), COALESCE(plan, ''),
		        outcome, status, elapsed_ms, COALESCE(checkpoint, ''), checkpoint_complete
		 FROM turns
		 WHERE conversation_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation turns: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			ts      string
			outcome string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.RequestID, &rec.ConversationID, &rec.IndividualID,
			&rec.DetectedAgent, &rec.Service, &rec.Plan, &outcome, &rec.Status, &rec.ElapsedMS,
			&rec.Checkpoint, &rec.CheckpointComplete); err != nil {
			return nil, fmt.Errorf("scan conversation turn: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		if rec.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse turn timestamp %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
