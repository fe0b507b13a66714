package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/tracecast/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time: the ingest server archives sessions while the CLI
	// may be reading.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Recorded sessions ---

const recordedSessionColumns = `id, title, agent, commit_ref, dir, step_count, summary, started_at, ended_at, created_at`

func scanRecordedSession(row interface{ Scan(...any) error }) (*models.RecordedSession, error) {
	rs := &models.RecordedSession{}
	err := row.Scan(&rs.ID, &rs.Title, &rs.Agent, &rs.Commit, &rs.Dir, &rs.StepCount, &rs.Summary,
		&rs.StartedAt, &rs.EndedAt, &rs.CreatedAt)
	return rs, err
}

func (s *SQLiteStore) CreateRecordedSession(ctx context.Context, rs *models.RecordedSession) error {
	if rs.ID == "" {
		rs.ID = ulid.Make().String()
	}
	rs.CreatedAt = time.Now().UTC()
	if rs.EndedAt.IsZero() {
		rs.EndedAt = rs.CreatedAt
	}
	if rs.StartedAt.IsZero() {
		rs.StartedAt = rs.EndedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recorded_sessions (`+recordedSessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.Title, rs.Agent, rs.Commit, rs.Dir, rs.StepCount, rs.Summary,
		rs.StartedAt.UTC(), rs.EndedAt.UTC(), rs.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create recorded session: %w", err)
	}
	return nil
}

// GetRecordedSession looks a session up by id or by a unique id prefix.
func (s *SQLiteStore) GetRecordedSession(ctx context.Context, id string) (*models.RecordedSession, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return nil, fmt.Errorf("recorded session id is empty")
	}

	rs, err := scanRecordedSession(s.db.QueryRowContext(ctx,
		`SELECT `+recordedSessionColumns+` FROM recorded_sessions WHERE id = ?`, id))
	if err == nil {
		return rs, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get recorded session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordedSessionColumns+` FROM recorded_sessions WHERE id LIKE ? ORDER BY id LIMIT 2`, id+"%")
	if err != nil {
		return nil, fmt.Errorf("get recorded session: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*models.RecordedSession
	for rows.Next() {
		rs, err := scanRecordedSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recorded session: %w", err)
		}
		matches = append(matches, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("recorded session %s: %w", id, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("recorded session id prefix %s is ambiguous", id)
	}
}

// ListRecordedSessions returns sessions, most recently ended first. A
// non-positive limit returns all of them.
func (s *SQLiteStore) ListRecordedSessions(ctx context.Context, limit int) ([]*models.RecordedSession, error) {
	query := `SELECT ` + recordedSessionColumns + ` FROM recorded_sessions ORDER BY ended_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recorded sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.RecordedSession
	for rows.Next() {
		rs, err := scanRecordedSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recorded session: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateRecordedSessionSummary(ctx context.Context, id, summary string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE recorded_sessions SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("update recorded session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("recorded session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteRecordedSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM recorded_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete recorded session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("recorded session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Replay positions ---

func (s *SQLiteStore) SavePosition(ctx context.Context, pos *models.ReplayPosition) error {
	pos.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_positions (trace_path, step_index, step_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trace_path) DO UPDATE SET step_index = excluded.step_index,
			step_id = excluded.step_id, updated_at = excluded.updated_at`,
		pos.TracePath, pos.StepIndex, pos.StepID, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save replay position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, tracePath string) (*models.ReplayPosition, error) {
	pos := &models.ReplayPosition{}
	err := s.db.QueryRowContext(ctx,
		`SELECT trace_path, step_index, step_id, updated_at FROM replay_positions WHERE trace_path = ?`, tracePath,
	).Scan(&pos.TracePath, &pos.StepIndex, &pos.StepID, &pos.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replay position for %s: %w", tracePath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get replay position: %w", err)
	}
	return pos, nil
}
