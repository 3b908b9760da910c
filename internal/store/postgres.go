package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizdeck/realtime/internal/game"
)

// PostgresStore keeps game state snapshots in a single table with
// optimistic concurrency on the version column.
//
// Schema:
//
//	CREATE TABLE game_states (
//	    entity_id  TEXT PRIMARY KEY,
//	    state      JSONB NOT NULL,
//	    version    BIGINT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    client_id  TEXT NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a store to Postgres.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Read fetches the current snapshot for an entity.
func (s *PostgresStore) Read(ctx context.Context, entityID string) (*Snapshot, error) {
	const q = `SELECT state, version, updated_at, client_id FROM game_states WHERE entity_id = $1`

	snap := Snapshot{EntityID: entityID}
	var raw []byte
	err := s.pool.QueryRow(ctx, q, entityID).Scan(&raw, &snap.Version, &snap.Timestamp, &snap.ClientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", entityID, err)
	}

	snap.State = &game.State{}
	if err := json.Unmarshal(raw, snap.State); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", entityID, err)
	}
	return &snap, nil
}

// Update writes a snapshot if and only if its version is newer than the
// stored one. A lost race returns ErrVersionMismatch.
func (s *PostgresStore) Update(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", snap.EntityID, err)
	}

	const q = `
		INSERT INTO game_states (entity_id, state, version, updated_at, client_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id) DO UPDATE
		SET state = EXCLUDED.state,
		    version = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at,
		    client_id = EXCLUDED.client_id
		WHERE game_states.version < EXCLUDED.version`

	tag, err := s.pool.Exec(ctx, q, snap.EntityID, raw, snap.Version, snap.Timestamp, snap.ClientID)
	if err != nil {
		return fmt.Errorf("update state %s: %w", snap.EntityID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update state %s: %w", snap.EntityID, ErrVersionMismatch)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
