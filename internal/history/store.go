// Package history records every agent command run in sqlite so a viewer
// can ask what ran in a project and how it ended.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// outputTailMax bounds how much decoded output is kept per run.
const outputTailMax = 16 * 1024

type Store struct {
	db *sql.DB
}

type Run struct {
	ID         string     `json:"id"`
	Project    string     `json:"project"`
	Command    string     `json:"command"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	OutputTail string     `json:"outputTail,omitempty"`
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", name).Scan(&applied); err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", name); err != nil {
			return err
		}
	}
	return nil
}

// BeginRun records the start of an agent command.
func (s *Store) BeginRun(id, project, command string) error {
	_, err := s.db.Exec(
		"INSERT INTO runs (id, project, command) VALUES (?, ?, ?)",
		id, project, command)
	return err
}

// FinishRun closes out a run. outputTail is clipped to its last
// outputTailMax bytes.
func (s *Store) FinishRun(id, outcome string, exitCode int, outputTail string) error {
	if len(outputTail) > outputTailMax {
		outputTail = outputTail[len(outputTail)-outputTailMax:]
	}
	_, err := s.db.Exec(
		"UPDATE runs SET finished_at = CURRENT_TIMESTAMP, outcome = ?, exit_code = ?, output_tail = ? WHERE id = ?",
		outcome, exitCode, outputTail, id)
	return err
}

// RecentRuns returns up to limit runs for a project, newest first.
func (s *Store) RecentRuns(project string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, project, command, started_at, finished_at, outcome, exit_code, output_tail
		FROM runs WHERE project = ? ORDER BY started_at DESC LIMIT ?`, project, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		var outcome, tail sql.NullString
		var code sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Project, &r.Command, &r.StartedAt, &finished, &outcome, &code, &tail); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		r.Outcome = outcome.String
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		r.OutputTail = tail.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
