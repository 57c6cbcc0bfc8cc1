package scouting

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/capture"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// Service is the entity-mutation layer's side of the replication
// contract: every committed write calls capture synchronously, inside
// the same transaction, and only signals the transport after commit.
type Service struct {
	store    *Store
	capturer *capture.Capturer
	begin    func(ctx context.Context) (*sql.Tx, error)
}

// NewService wires the entity store to replication capture. beginTx
// must start transactions on the same database the store writes to.
func NewService(store *Store, capturer *capture.Capturer, beginTx func(ctx context.Context) (*sql.Tx, error)) *Service {
	return &Service{store: store, capturer: capturer, begin: beginTx}
}

// SaveTeam upserts a team and captures the change.
func (s *Service) SaveTeam(ctx context.Context, team *Team) error {
	team.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(team)
	if err != nil {
		return fmt.Errorf("failed to marshal team: %w", err)
	}

	op := schema.OpUpdate
	if _, err := s.store.GetTeam(ctx, team.ID); err == ErrNotFound {
		op = schema.OpInsert
	} else if err != nil {
		return err
	}

	return s.commit(ctx, func(tx *sql.Tx) (*schema.ChangeRecord, error) {
		if err := s.store.UpsertTeam(ctx, tx, team); err != nil {
			return nil, err
		}
		return s.capturer.Record(ctx, tx, TableTeams, team.ID, op, payload)
	})
}

// DeleteTeam soft-deletes a team and captures the delete.
func (s *Service) DeleteTeam(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.commit(ctx, func(tx *sql.Tx) (*schema.ChangeRecord, error) {
		if err := s.store.SoftDeleteTeam(ctx, tx, id, now); err != nil {
			return nil, err
		}
		return s.capturer.Record(ctx, tx, TableTeams, id, schema.OpDelete, nil)
	})
}

// SaveMatch upserts a match and captures the change.
func (s *Service) SaveMatch(ctx context.Context, m *Match) error {
	m.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal match: %w", err)
	}

	op := schema.OpUpdate
	if _, err := s.store.GetMatch(ctx, m.ID); err == ErrNotFound {
		op = schema.OpInsert
	} else if err != nil {
		return err
	}

	return s.commit(ctx, func(tx *sql.Tx) (*schema.ChangeRecord, error) {
		if err := s.store.UpsertMatch(ctx, tx, m); err != nil {
			return nil, err
		}
		return s.capturer.Record(ctx, tx, TableMatches, m.ID, op, payload)
	})
}

// DeleteMatch hard-deletes a match and captures the delete.
func (s *Service) DeleteMatch(ctx context.Context, id string) error {
	return s.commit(ctx, func(tx *sql.Tx) (*schema.ChangeRecord, error) {
		if err := s.store.HardDeleteMatch(ctx, tx, id); err != nil {
			return nil, err
		}
		return s.capturer.Record(ctx, tx, TableMatches, id, schema.OpDelete, nil)
	})
}

// SaveEntry upserts a scouting entry and captures the change.
func (s *Service) SaveEntry(ctx context.Context, e *Entry) error {
	e.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	op := schema.OpUpdate
	if _, err := s.store.GetEntry(ctx, e.ID); err == ErrNotFound {
		op = schema.OpInsert
	} else if err != nil {
		return err
	}

	return s.commit(ctx, func(tx *sql.Tx) (*schema.ChangeRecord, error) {
		if err := s.store.UpsertEntry(ctx, tx, e); err != nil {
			return nil, err
		}
		return s.capturer.Record(ctx, tx, TableEntries, e.ID, op, payload)
	})
}

// DeleteEntry soft-deletes a scouting entry and captures the delete.
func (s *Service) DeleteEntry(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.commit(ctx, func(tx *sql.Tx) (*schema.ChangeRecord, error) {
		if err := s.store.SoftDeleteEntry(ctx, tx, id, now); err != nil {
			return nil, err
		}
		return s.capturer.Record(ctx, tx, TableEntries, id, schema.OpDelete, nil)
	})
}

// commit runs fn inside a transaction and signals the transport on
// success. The notify and publish happen strictly after commit so a
// worker or subscriber can never observe a change that might roll
// back.
func (s *Service) commit(ctx context.Context, fn func(tx *sql.Tx) (*schema.ChangeRecord, error)) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := fn(tx)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.capturer.Notify()
	s.capturer.Publish(rec)
	return nil
}
