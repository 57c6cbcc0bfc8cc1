// Package scouting holds the watched competition-scouting entities and
// their persistence. The CRUD surface above these types is deliberately
// thin: the interesting behavior is that every committed write flows
// through replication capture, and every remote change lands here
// through a registered applier.
package scouting

import (
	"fmt"
	"time"
)

// Table identifiers used in ChangeRecords. Stable wire names; renaming
// one breaks replication with older peers.
const (
	TableTeams   = "teams"
	TableMatches = "matches"
	TableEntries = "scouting_entries"
)

// Team is a competing team at an event.
//
// Teams soft-delete: IsActive=false keeps the row for recovery and
// audit, and a later update can resurrect it.
type Team struct {
	ID        string    `json:"id"`
	Number    int       `json:"number"`
	Name      string    `json:"name"`
	EventKey  string    `json:"event_key"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (t *Team) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Number <= 0 {
		return fmt.Errorf("number must be positive (got %d)", t.Number)
	}
	return nil
}

// Match is one scheduled or played match at an event.
//
// Matches have no recovery column and hard-delete.
type Match struct {
	ID           string    `json:"id"`
	EventKey     string    `json:"event_key"`
	MatchNumber  int       `json:"match_number"`
	MatchType    string    `json:"match_type"` // qualification, playoff, practice
	RedAlliance  string    `json:"red_alliance"`
	BlueAlliance string    `json:"blue_alliance"`
	RedScore     int       `json:"red_score"`
	BlueScore    int       `json:"blue_score"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (m *Match) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.MatchNumber <= 0 {
		return fmt.Errorf("match_number must be positive (got %d)", m.MatchNumber)
	}
	return nil
}

// Entry is one per-match observation of one team, recorded by a scout.
// The Data blob holds the season-specific form fields; the replication
// layer never looks inside it.
//
// Entries soft-delete, like teams.
type Entry struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	MatchID   string    `json:"match_id"`
	ScoutName string    `json:"scout_name"`
	EventKey  string    `json:"event_key"`
	Data      string    `json:"data"` // JSON blob of form fields
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.TeamID == "" {
		return fmt.Errorf("team_id is required")
	}
	if e.MatchID == "" {
		return fmt.Errorf("match_id is required")
	}
	return nil
}
