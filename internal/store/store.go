package store

import (
	"context"
	"errors"
	"time"

	"github.com/quizdeck/realtime/internal/game"
)

// ErrNotFound is returned when no snapshot exists for an entity.
var ErrNotFound = errors.New("state not found")

// ErrVersionMismatch is returned when an update would overwrite a newer
// version than the caller based its write on.
var ErrVersionMismatch = errors.New("version mismatch")

// Snapshot is one stored version of an entity's game state.
type Snapshot struct {
	EntityID  string
	State     *game.State
	Version   uint64
	Timestamp time.Time
	ClientID  string
}

// Store is the remote state store collaborator. The authoritative copy
// lives behind this interface; the synchronizer only reads and
// conditionally updates it.
type Store interface {
	Read(ctx context.Context, entityID string) (*Snapshot, error)
	Update(ctx context.Context, snap Snapshot) error
}
