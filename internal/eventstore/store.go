// Package eventstore is the SQLite outcome ledger: one terminal outcome per
// (session, sequence) plus each session's playback position.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	_ "modernc.org/sqlite"
)

// Kind is the terminal fate of a chunk.
type Kind string

const (
	KindReleased     Kind = "released"
	KindNoSpeech     Kind = "no_speech"
	KindGapFilled    Kind = "gap_filled"
	KindDeadLettered Kind = "dead_lettered"
)

// Outcome is one ledger row.
type Outcome struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Sequence      uint64    `json:"sequence"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Kind          Kind      `json:"kind"`
	Boundary      string    `json:"boundary,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store wraps the SQLite ledger. In ephemeral mode it keeps nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the ledger according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; playback units and the dead-letter monitor share it
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    next_sequence INTEGER NOT NULL DEFAULT 0,
    closed_at INTEGER,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    correlation_id TEXT,
    kind TEXT NOT NULL,
    boundary TEXT,
    reason TEXT,
    detail TEXT,
    created_at INTEGER NOT NULL,
    UNIQUE(session_id, sequence),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_outcomes_kind_created ON outcomes(kind, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordOutcome stores o unless the chunk already has an outcome. It reports
// whether o was the first.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) (bool, error) {
	if s.disabled() {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	first, err := s.insertOutcome(ctx, tx, o)
	if err != nil {
		return false, err
	}
	return first, tx.Commit()
}

// RecordRelease stores a playback outcome and moves the session's playback
// position past it.
func (s *Store) RecordRelease(ctx context.Context, o Outcome) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.insertOutcome(ctx, tx, o); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET next_sequence = MAX(next_sequence, ?) WHERE session_id = ?`,
		int64(o.Sequence+1), o.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertOutcome(ctx context.Context, tx *sql.Tx, o Outcome) (bool, error) {
	if o.SessionID == "" {
		return false, errors.New("outcome without session id")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		o.SessionID, s.clock().UnixNano()); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outcomes(session_id, sequence, correlation_id, kind, boundary, reason, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, sequence) DO NOTHING`,
		o.SessionID, int64(o.Sequence), o.CorrelationID, string(o.Kind), o.Boundary, o.Reason, o.Detail, o.CreatedAt.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSessionClosed stamps the session's close time.
func (s *Store) MarkSessionClosed(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, closed_at, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET closed_at = COALESCE(sessions.closed_at, excluded.closed_at)`,
		sessionID, now, now)
	return err
}

// NextSequence is the first sequence the session has not yet played out.
func (s *Store) NextSequence(ctx context.Context, sessionID string) (uint64, bool, error) {
	if s.disabled() {
		return 0, false, nil
	}
	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT next_sequence FROM sessions WHERE session_id = ?`, sessionID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(next), true, nil
}

// ListSessionOutcomes returns up to limit outcomes of a session in sequence order.
func (s *Store) ListSessionOutcomes(ctx context.Context, sessionID string, limit int) ([]Outcome, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, session_id, sequence, correlation_id, kind, boundary, reason, detail, created_at
		 FROM outcomes WHERE session_id = ? ORDER BY sequence ASC LIMIT ?`, sessionID, limit)
}

// ListDeadLetters returns the most recent dead-lettered chunks first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]Outcome, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, session_id, sequence, correlation_id, kind, boundary, reason, detail, created_at
		 FROM outcomes WHERE kind = ? ORDER BY created_at DESC, id DESC LIMIT ?`, string(KindDeadLettered), limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var seq, created int64
		var corr, boundary, reason, detail sql.NullString
		var kind string
		if err := rows.Scan(&o.ID, &o.SessionID, &seq, &corr, &kind, &boundary, &reason, &detail, &created); err != nil {
			return nil, err
		}
		o.Sequence = uint64(seq)
		o.CorrelationID = corr.String
		o.Kind = Kind(kind)
		o.Boundary = boundary.String
		o.Reason = reason.String
		o.Detail = detail.String
		o.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
