package statesync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizdeck/realtime/internal/game"
	"github.com/quizdeck/realtime/internal/optimizer"
	"github.com/quizdeck/realtime/internal/store"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	StrategyLocalWins       Strategy = "local-wins"
	StrategyRemoteWins      Strategy = "remote-wins"
	StrategyLatestTimestamp Strategy = "latest-timestamp"
	StrategyMerge           Strategy = "merge"
	StrategyUserChoice      Strategy = "user-choice"
)

// Status classifies the outcome of one SyncState call.
type Status string

const (
	// StatusSynced means a resolved state was written back remotely.
	StatusSynced Status = "synced"
	// StatusNoChange means the content hashes matched; nothing was written.
	StatusNoChange Status = "no_change"
	// StatusCreated means no remote snapshot existed and the local state
	// became version 1.
	StatusCreated Status = "created"
	// StatusDeferred means another sync was in flight; the call returned
	// without contacting the remote store and the pending flag was set.
	StatusDeferred Status = "deferred"
	// StatusResolutionPending means a user-choice strategy surfaced the
	// conflict and no resolution was written.
	StatusResolutionPending Status = "resolution_pending"
)

// Result is the outcome of one SyncState call.
type Result struct {
	Status   Status
	State    *game.State
	Version  uint64
	Conflict *Conflict
}

// Config holds synchronizer tuning.
type Config struct {
	Strategy    Strategy
	HistoryCap  int
	MaxAttempts int
	RetryBase   time.Duration
	SnapshotTTL time.Duration // remote snapshot cache TTL
}

// DefaultConfig returns the default synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:    StrategyLatestTimestamp,
		HistoryCap:  50,
		MaxAttempts: 3,
		RetryBase:   200 * time.Millisecond,
		SnapshotTTL: time.Second,
	}
}

// Synchronizer maintains versioned snapshots of one logical game state,
// detects conflicts against the remote copy and resolves them via the
// configured strategy. One synchronizer instance per entity.
type Synchronizer struct {
	entityID string
	clientID string
	store    store.Store
	opt      *optimizer.Optimizer
	clock    clockwork.Clock
	config   Config

	mu       sync.Mutex
	inFlight bool
	pending  bool
	version  uint64
	history  []StateVersion // bounded ring, oldest first
}

// New constructs a synchronizer for one entity and registers the domain
// field resolvers on the optimizer.
func New(entityID, clientID string, st store.Store, opt *optimizer.Optimizer, clock clockwork.Clock, config Config) *Synchronizer {
	if config.HistoryCap <= 0 {
		config.HistoryCap = 50
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryBase <= 0 {
		config.RetryBase = 200 * time.Millisecond
	}
	if config.Strategy == "" {
		config.Strategy = StrategyLatestTimestamp
	}
	registerFieldResolvers(opt)
	if config.Strategy == StrategyUserChoice {
		// Route whole-state conflicts to the optimizer's conflict
		// listeners instead of resolving automatically.
		opt.SetConflictResolver("game_state", optimizer.StrategyUserChoice, nil)
	}
	return &Synchronizer{
		entityID: entityID,
		clientID: clientID,
		store:    st,
		opt:      opt,
		clock:    clock,
		config:   config,
	}
}

// SyncState reconciles the local state against the remote snapshot. Only
// one call may be in flight; a concurrent call sets the pending flag and
// returns StatusDeferred without touching the remote store.
func (s *Synchronizer) SyncState(ctx context.Context, local *game.State) (*Result, error) {
	s.mu.Lock()
	if s.inFlight {
		s.pending = true
		s.mu.Unlock()
		log.Debug().Str("entity_id", s.entityID).Msg("sync already in flight, deferred")
		return &Result{Status: StatusDeferred}, nil
	}
	s.inFlight = true
	localVersion := s.version
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	localTS := local.UpdatedAt
	if localTS.IsZero() {
		localTS = s.clock.Now()
	}
	localSV := StateVersion{
		Version:   localVersion,
		State:     local.Clone(),
		Timestamp: localTS,
		ClientID:  s.clientID,
		Hash:      ContentHash(local),
	}

	remote, err := s.readRemote(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return s.writeResolved(ctx, localSV.State, localVersion, StatusCreated, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("sync %s: read remote: %w", s.entityID, err)
	}

	remoteSV := StateVersion{
		Version:   remote.Version,
		State:     remote.State,
		Timestamp: remote.Timestamp,
		ClientID:  remote.ClientID,
		Hash:      ContentHash(remote.State),
	}

	conflict := DetectConflict(localSV, remoteSV)
	if conflict == nil {
		s.mu.Lock()
		s.version = remoteSV.Version
		s.mu.Unlock()
		return &Result{Status: StatusNoChange, State: remoteSV.State, Version: remoteSV.Version}, nil
	}

	log.Debug().
		Str("entity_id", s.entityID).
		Str("kind", string(conflict.Kind)).
		Strs("fields", conflict.Fields).
		Msg("state conflict detected")

	resolved, pendingChoice := s.resolve(localSV, remoteSV, conflict)
	if pendingChoice {
		return &Result{Status: StatusResolutionPending, Conflict: conflict}, nil
	}

	base := localSV.Version
	if remoteSV.Version > base {
		base = remoteSV.Version
	}
	return s.writeResolved(ctx, resolved, base, StatusSynced, conflict)
}

// resolve applies the configured strategy. The second return is true when
// a user choice is required.
func (s *Synchronizer) resolve(local, remote StateVersion, conflict *Conflict) (*game.State, bool) {
	switch s.config.Strategy {
	case StrategyLocalWins:
		return local.State, false
	case StrategyRemoteWins:
		return remote.State, false
	case StrategyMerge:
		return mergeStates(s.opt, local, remote), false
	case StrategyUserChoice:
		// Surface through the optimizer's conflict listener; resolution
		// is written by a later sync once the caller decided.
		s.opt.ResolveConflict("game_state",
			optimizer.FieldValue{Value: local.State, Timestamp: local.Timestamp},
			optimizer.FieldValue{Value: remote.State, Timestamp: remote.Timestamp},
		)
		return nil, true
	case StrategyLatestTimestamp:
		fallthrough
	default:
		if local.Timestamp.After(remote.Timestamp) {
			return local.State, false
		}
		return remote.State, false
	}
}

// writeResolved writes the resolved state back with an incremented
// version and appends it to the bounded history.
func (s *Synchronizer) writeResolved(ctx context.Context, resolved *game.State, baseVersion uint64, status Status, conflict *Conflict) (*Result, error) {
	next := StateVersion{
		Version:   baseVersion + 1,
		State:     resolved.Clone(),
		Timestamp: s.clock.Now(),
		ClientID:  s.clientID,
		Hash:      ContentHash(resolved),
	}

	err := s.withRetry(ctx, func() error {
		return s.store.Update(ctx, store.Snapshot{
			EntityID:  s.entityID,
			State:     next.State,
			Version:   next.Version,
			Timestamp: next.Timestamp,
			ClientID:  next.ClientID,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sync %s: write resolved: %w", s.entityID, err)
	}

	s.mu.Lock()
	s.version = next.Version
	s.history = append(s.history, next)
	if len(s.history) > s.config.HistoryCap {
		s.history = s.history[len(s.history)-s.config.HistoryCap:]
	}
	s.mu.Unlock()

	s.opt.InvalidateCache(s.cacheKey())

	log.Info().
		Str("entity_id", s.entityID).
		Uint64("version", next.Version).
		Str("status", string(status)).
		Msg("state synchronized")
	return &Result{Status: status, State: next.State, Version: next.Version, Conflict: conflict}, nil
}

// readRemote reads the remote snapshot through the optimizer cache, with
// bounded retry on the raw read.
func (s *Synchronizer) readRemote(ctx context.Context) (*store.Snapshot, error) {
	if cached, ok := s.opt.GetCache(s.cacheKey()); ok {
		if snap, isSnap := cached.(*store.Snapshot); isSnap {
			return snap, nil
		}
	}

	var snap *store.Snapshot
	err := s.withRetry(ctx, func() error {
		var readErr error
		snap, readErr = s.store.Read(ctx, s.entityID)
		if errors.Is(readErr, store.ErrNotFound) {
			// Absence is an answer, not a transient failure.
			return nil
		}
		return readErr
	})
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, store.ErrNotFound
	}

	s.opt.SetCache(s.cacheKey(), snap, s.config.SnapshotTTL, 3)
	return snap, nil
}

// withRetry runs fn with bounded, jittered exponential backoff. Version
// mismatches are permanent for the attempted write and surface at once.
func (s *Synchronizer) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.config.RetryBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(s.config.RetryBase)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(backoff):
			}
			log.Debug().Str("entity_id", s.entityID).Int("attempt", attempt+1).Msg("retrying remote call")
		}
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrVersionMismatch) {
			return err
		}
	}
	return err
}

// ConsumePending reports whether a sync arrived while another was in
// flight, clearing the flag. Callers use it to schedule a follow-up sync.
func (s *Synchronizer) ConsumePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = false
	return p
}

// RollbackToVersion returns a retained historical snapshot, or nil if the
// version fell out of the history window.
func (s *Synchronizer) RollbackToVersion(version uint64) *game.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sv := range s.history {
		if sv.Version == version {
			return sv.State.Clone()
		}
	}
	return nil
}

// History returns the retained state versions, oldest first.
func (s *Synchronizer) History() []StateVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StateVersion, len(s.history))
	copy(out, s.history)
	return out
}

// Version returns the last synchronized version number.
func (s *Synchronizer) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Synchronizer) cacheKey() string {
	return "statesync:" + s.entityID
}
