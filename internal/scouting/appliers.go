package scouting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// TeamApplier materializes replicated team changes. Deletes are soft.
type TeamApplier struct {
	store *Store
}

// NewTeamApplier creates the teams applier.
func NewTeamApplier(store *Store) *TeamApplier {
	return &TeamApplier{store: store}
}

// TableName implements apply.EntityApplier.
func (a *TeamApplier) TableName() string { return TableTeams }

// Apply implements apply.EntityApplier.
func (a *TeamApplier) Apply(ctx context.Context, op schema.Operation, recordID string, payload json.RawMessage) error {
	if op == schema.OpDelete {
		return a.store.SoftDeleteTeam(ctx, nil, recordID, time.Now().UTC())
	}

	var team Team
	if err := json.Unmarshal(payload, &team); err != nil {
		return fmt.Errorf("failed to decode team payload: %w", err)
	}
	if team.ID == "" {
		team.ID = recordID
	}
	if team.ID != recordID {
		return fmt.Errorf("payload id %q does not match record id %q", team.ID, recordID)
	}
	return a.store.UpsertTeam(ctx, nil, &team)
}

// MatchApplier materializes replicated match changes. Matches have no
// recovery column, so deletes are hard.
type MatchApplier struct {
	store *Store
}

// NewMatchApplier creates the matches applier.
func NewMatchApplier(store *Store) *MatchApplier {
	return &MatchApplier{store: store}
}

// TableName implements apply.EntityApplier.
func (a *MatchApplier) TableName() string { return TableMatches }

// Apply implements apply.EntityApplier.
func (a *MatchApplier) Apply(ctx context.Context, op schema.Operation, recordID string, payload json.RawMessage) error {
	if op == schema.OpDelete {
		return a.store.HardDeleteMatch(ctx, nil, recordID)
	}

	var m Match
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("failed to decode match payload: %w", err)
	}
	if m.ID == "" {
		m.ID = recordID
	}
	if m.ID != recordID {
		return fmt.Errorf("payload id %q does not match record id %q", m.ID, recordID)
	}
	return a.store.UpsertMatch(ctx, nil, &m)
}

// EntryApplier materializes replicated scouting-entry changes. Deletes
// are soft.
type EntryApplier struct {
	store *Store
}

// NewEntryApplier creates the scouting-entries applier.
func NewEntryApplier(store *Store) *EntryApplier {
	return &EntryApplier{store: store}
}

// TableName implements apply.EntityApplier.
func (a *EntryApplier) TableName() string { return TableEntries }

// Apply implements apply.EntityApplier.
func (a *EntryApplier) Apply(ctx context.Context, op schema.Operation, recordID string, payload json.RawMessage) error {
	if op == schema.OpDelete {
		return a.store.SoftDeleteEntry(ctx, nil, recordID, time.Now().UTC())
	}

	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("failed to decode entry payload: %w", err)
	}
	if e.ID == "" {
		e.ID = recordID
	}
	if e.ID != recordID {
		return fmt.Errorf("payload id %q does not match record id %q", e.ID, recordID)
	}
	return a.store.UpsertEntry(ctx, nil, &e)
}
