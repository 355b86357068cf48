package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/primemesh/core"
)

var (
	_ core.AgentStore = (*SQLiteStore)(nil)
	_ core.TeamStore  = (*SQLiteStore)(nil)
	_ core.RunStore   = (*SQLiteStore)(nil)
)

// SQLiteStore persists records in a single SQLite file. Structured payloads
// (agent record, snapshot, team, run) are stored as JSON columns next to the
// indexed scalar fields.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs schema
// migrations. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Each connection of an in-memory database is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &SQLiteStore{db: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    record TEXT NOT NULL,
    snapshot TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS teams (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    record TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    status TEXT NOT NULL,
    record TEXT NOT NULL,
    started_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id);
`
	_, err := s.db.Exec(schema)
	return err
}

// SaveAgent upserts an agent record and its snapshot.
func (s *SQLiteStore) SaveAgent(rec core.StoredAgent) error {
	record, err := json.Marshal(rec.Agent)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO agents (id, name, record, snapshot, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, record = excluded.record,
		 snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		rec.Agent.ID, rec.Agent.Name, string(record), string(snapshot), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent record.
func (s *SQLiteStore) DeleteAgent(id string) error {
	if _, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// LoadAgents returns all agent records ordered by id.
func (s *SQLiteStore) LoadAgents() ([]core.StoredAgent, error) {
	rows, err := s.db.Query(`SELECT record, snapshot FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []core.StoredAgent
	for rows.Next() {
		var record, snapshot string
		if err := rows.Scan(&record, &snapshot); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		var rec core.StoredAgent
		if err := json.Unmarshal([]byte(record), &rec.Agent); err != nil {
			return nil, fmt.Errorf("decode agent: %w", err)
		}
		if err := json.Unmarshal([]byte(snapshot), &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", rec.Agent.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveTeam upserts a team record.
func (s *SQLiteStore) SaveTeam(t core.Team) error {
	record, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode team: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO teams (id, name, record, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, record = excluded.record,
		 updated_at = excluded.updated_at`,
		t.ID, t.Name, string(record), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save team: %w", err)
	}
	return nil
}

// DeleteTeam removes a team record.
func (s *SQLiteStore) DeleteTeam(id string) error {
	if _, err := s.db.Exec(`DELETE FROM teams WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete team: %w", err)
	}
	return nil
}

// LoadTeams returns all teams ordered by id.
func (s *SQLiteStore) LoadTeams() ([]core.Team, error) {
	rows, err := s.db.Query(`SELECT record FROM teams ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []core.Team
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		var t core.Team
		if err := json.Unmarshal([]byte(record), &t); err != nil {
			return nil, fmt.Errorf("decode team: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveRun upserts a run record including its step log.
func (s *SQLiteStore) SaveRun(r core.Run) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, agent_id, status, record, started_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record`,
		r.ID, r.AgentID, string(r.Status), string(record), r.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LoadRuns returns all runs ordered by start time, then id.
func (s *SQLiteStore) LoadRuns() ([]core.Run, error) {
	rows, err := s.db.Query(`SELECT record FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []core.Run
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var r core.Run
		if err := json.Unmarshal([]byte(record), &r); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
