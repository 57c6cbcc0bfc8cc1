package scouting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// execer is satisfied by both *sql.DB and *sql.Tx, so the same upsert
// can run inside a capture transaction or standalone under an applier.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store persists scouting entities. It shares the replication store's
// database file so entity writes and change capture commit together.
type Store struct {
	conn *sql.DB
}

// NewStore wraps an existing database connection.
func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// InitSchema creates the entity tables. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		number INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		event_key TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		event_key TEXT NOT NULL DEFAULT '',
		match_number INTEGER NOT NULL,
		match_type TEXT NOT NULL DEFAULT 'qualification',
		red_alliance TEXT NOT NULL DEFAULT '',
		blue_alliance TEXT NOT NULL DEFAULT '',
		red_score INTEGER NOT NULL DEFAULT 0,
		blue_score INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scouting_entries (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		match_id TEXT NOT NULL,
		scout_name TEXT NOT NULL DEFAULT '',
		event_key TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '{}',
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_teams_number ON teams(number);
	CREATE INDEX IF NOT EXISTS idx_matches_event ON matches(event_key, match_number);
	CREATE INDEX IF NOT EXISTS idx_entries_team_match ON scouting_entries(team_id, match_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize scouting schema: %w", err)
	}
	return nil
}

func (s *Store) ex(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.conn
}

// UpsertTeam inserts or updates a team.
func (s *Store) UpsertTeam(ctx context.Context, tx *sql.Tx, team *Team) error {
	if err := team.Validate(); err != nil {
		return fmt.Errorf("invalid team: %w", err)
	}

	query := `
	INSERT INTO teams (id, number, name, event_key, is_active, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		number = excluded.number,
		name = excluded.name,
		event_key = excluded.event_key,
		is_active = excluded.is_active,
		updated_at = excluded.updated_at
	`

	_, err := s.ex(tx).ExecContext(ctx, query,
		team.ID, team.Number, team.Name, team.EventKey,
		boolToInt(team.IsActive), team.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert team %s: %w", team.ID, err)
	}
	return nil
}

// GetTeam retrieves a team by id, including soft-deleted rows.
func (s *Store) GetTeam(ctx context.Context, id string) (*Team, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, number, name, event_key, is_active, updated_at
	FROM teams WHERE id = ?`, id)

	var t Team
	var active int
	var updatedAt string
	err := row.Scan(&t.ID, &t.Number, &t.Name, &t.EventKey, &active, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team %s: %w", id, err)
	}
	t.IsActive = active != 0
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// SoftDeleteTeam marks a team inactive, keeping the row.
func (s *Store) SoftDeleteTeam(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := s.ex(tx).ExecContext(ctx,
		"UPDATE teams SET is_active = 0, updated_at = ? WHERE id = ?",
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete team %s: %w", id, err)
	}
	return nil
}

// UpsertMatch inserts or updates a match.
func (s *Store) UpsertMatch(ctx context.Context, tx *sql.Tx, m *Match) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid match: %w", err)
	}

	query := `
	INSERT INTO matches (id, event_key, match_number, match_type,
		red_alliance, blue_alliance, red_score, blue_score, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		event_key = excluded.event_key,
		match_number = excluded.match_number,
		match_type = excluded.match_type,
		red_alliance = excluded.red_alliance,
		blue_alliance = excluded.blue_alliance,
		red_score = excluded.red_score,
		blue_score = excluded.blue_score,
		updated_at = excluded.updated_at
	`

	_, err := s.ex(tx).ExecContext(ctx, query,
		m.ID, m.EventKey, m.MatchNumber, m.MatchType,
		m.RedAlliance, m.BlueAlliance, m.RedScore, m.BlueScore,
		m.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert match %s: %w", m.ID, err)
	}
	return nil
}

// GetMatch retrieves a match by id.
func (s *Store) GetMatch(ctx context.Context, id string) (*Match, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, event_key, match_number, match_type,
	       red_alliance, blue_alliance, red_score, blue_score, updated_at
	FROM matches WHERE id = ?`, id)

	var m Match
	var updatedAt string
	err := row.Scan(&m.ID, &m.EventKey, &m.MatchNumber, &m.MatchType,
		&m.RedAlliance, &m.BlueAlliance, &m.RedScore, &m.BlueScore, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match %s: %w", id, err)
	}
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// HardDeleteMatch removes a match row entirely. Idempotent.
func (s *Store) HardDeleteMatch(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := s.ex(tx).ExecContext(ctx, "DELETE FROM matches WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete match %s: %w", id, err)
	}
	return nil
}

// UpsertEntry inserts or updates a scouting entry.
func (s *Store) UpsertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}

	query := `
	INSERT INTO scouting_entries (id, team_id, match_id, scout_name, event_key, data, is_active, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		team_id = excluded.team_id,
		match_id = excluded.match_id,
		scout_name = excluded.scout_name,
		event_key = excluded.event_key,
		data = excluded.data,
		is_active = excluded.is_active,
		updated_at = excluded.updated_at
	`

	data := e.Data
	if data == "" {
		data = "{}"
	}

	_, err := s.ex(tx).ExecContext(ctx, query,
		e.ID, e.TeamID, e.MatchID, e.ScoutName, e.EventKey, data,
		boolToInt(e.IsActive), e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry retrieves a scouting entry by id, including soft-deleted rows.
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, team_id, match_id, scout_name, event_key, data, is_active, updated_at
	FROM scouting_entries WHERE id = ?`, id)

	var e Entry
	var active int
	var updatedAt string
	err := row.Scan(&e.ID, &e.TeamID, &e.MatchID, &e.ScoutName,
		&e.EventKey, &e.Data, &active, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s: %w", id, err)
	}
	e.IsActive = active != 0
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

// SoftDeleteEntry marks an entry inactive, keeping the row.
func (s *Store) SoftDeleteEntry(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := s.ex(tx).ExecContext(ctx,
		"UPDATE scouting_entries SET is_active = 0, updated_at = ? WHERE id = ?",
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete entry %s: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
