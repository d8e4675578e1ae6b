package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/assessment-agent/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite. Each session is one row
// holding the JSON document plus the columns needed for CAS and sweeps.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite-backed repository. Call Setup before use.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode for concurrent readers; busy_timeout so writers queue instead of failing.
	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	o := buildOptions(opts)
	return &SQLiteStore{db: db, now: o.now}, nil
}

// Setup creates or upgrades the schema.
func (s *SQLiteStore) Setup(ctx context.Context) error {
	if err := migrate(ctx, s.db); err != nil {
		return classify(err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Load retrieves a session by id.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*domain.AssessmentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document, version FROM assessment_sessions WHERE session_id = ?`, sessionID)

	var doc string
	var version int64
	err := row.Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("scan session row: %w", err))
	}
	return decodeSession(doc, version)
}

// Create inserts a fresh session.
func (s *SQLiteStore) Create(ctx context.Context, sessionID, frameworkID string) (*domain.AssessmentSession, error) {
	now := s.now()
	sess := domain.NewSession(sessionID, frameworkID, now)
	sess.Version = 1

	doc, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO assessment_sessions (session_id, framework_id, phase, version, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sess.SessionID, sess.FrameworkID, string(sess.Phase), sess.Version, string(doc),
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("insert session: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, sessionID)
	}
	return sess, nil
}

// Save performs the compare-and-swap write.
func (s *SQLiteStore) Save(ctx context.Context, sess *domain.AssessmentSession) error {
	now := s.now()
	next := sess.Clone()
	next.Version = sess.Version + 1
	next.LastUpdatedAt = now

	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE assessment_sessions
		SET phase = ?, version = ?, document = ?, updated_at = ?
		WHERE session_id = ? AND version = ?`,
		string(next.Phase), next.Version, string(doc), now.UnixMilli(),
		sess.SessionID, sess.Version,
	)
	if err != nil {
		return classify(fmt.Errorf("update session: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		var stored int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM assessment_sessions WHERE session_id = ?`, sess.SessionID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return classify(fmt.Errorf("read stored version: %w", err))
		}
		slog.Debug("Save lost optimistic lock",
			"session_id", sess.SessionID, "expected_version", sess.Version, "stored_version", stored)
		return fmt.Errorf("%w: expected version %d, stored %d", ErrVersionConflict, sess.Version, stored)
	}

	sess.Version = next.Version
	sess.LastUpdatedAt = now
	return nil
}

// ListIdle returns non-closed sessions updated before the cutoff, oldest first.
func (s *SQLiteStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]*domain.AssessmentSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document, version FROM assessment_sessions
		WHERE phase NOT IN (?, ?) AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`,
		string(domain.PhaseCompleted), string(domain.PhaseAbandoned), before.UnixMilli(), limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("query idle sessions: %w", err))
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var out []*domain.AssessmentSession
	for rows.Next() {
		var doc string
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sess, err := decodeSession(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate idle sessions: %w", err))
	}
	return out, nil
}

// DeleteClosedBefore removes completed and abandoned sessions older than the cutoff.
func (s *SQLiteStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM assessment_sessions
		WHERE phase IN (?, ?) AND updated_at < ?`,
		string(domain.PhaseCompleted), string(domain.PhaseAbandoned), before.UnixMilli(),
	)
	if err != nil {
		return 0, classify(fmt.Errorf("delete closed sessions: %w", err))
	}
	return result.RowsAffected()
}

func decodeSession(doc string, version int64) (*domain.AssessmentSession, error) {
	var sess domain.AssessmentSession
	if err := json.NewDecoder(strings.NewReader(doc)).Decode(&sess); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	// The column is authoritative for CAS.
	sess.Version = version
	if sess.QuestionsAsked == nil {
		sess.QuestionsAsked = []domain.QuestionRecord{}
	}
	return &sess, nil
}

// classify tags SQLite busy/locked errors as transient.
func classify(err error) error {
	if err != nil && IsTransient(err) && !errors.Is(err, ErrTransient) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
