package statesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizdeck/realtime/internal/game"
	"github.com/quizdeck/realtime/internal/optimizer"
	"github.com/quizdeck/realtime/internal/store"
)

func newTestSynchronizer(t *testing.T, st store.Store, strategy Strategy) (*Synchronizer, *optimizer.Optimizer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opt := optimizer.New(clock, optimizer.DefaultConfig())
	t.Cleanup(opt.Close)

	config := DefaultConfig()
	config.Strategy = strategy
	return New("room-1", "client-a", st, opt, clock, config), opt, clock
}

func seedRemote(st *store.MemoryStore, version uint64, ts time.Time, mutate func(*game.State)) *game.State {
	remote := game.NewState("room-1")
	remote.Phase = game.PhaseQuestion
	remote.CurrentRound = 3
	remote.IsActive = true
	if mutate != nil {
		mutate(remote)
	}
	st.Seed(store.Snapshot{
		EntityID:  "room-1",
		State:     remote,
		Version:   version,
		Timestamp: ts,
		ClientID:  "client-b",
	})
	return remote
}

func TestSyncStateCreatesWhenRemoteAbsent(t *testing.T) {
	mem := store.NewMemoryStore()
	sync, _, _ := newTestSynchronizer(t, mem, StrategyLatestTimestamp)

	local := game.NewState("room-1")
	local.CurrentRound = 1

	result, err := sync.SyncState(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, result.Status)
	assert.Equal(t, uint64(1), result.Version)

	snap, err := mem.Read(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, 1, snap.State.CurrentRound)
}

func TestSyncStateNoChangeOnEqualContent(t *testing.T) {
	mem := store.NewMemoryStore()
	sync, _, clock := newTestSynchronizer(t, mem, StrategyLatestTimestamp)

	remote := seedRemote(mem, 4, clock.Now().Add(-time.Hour), nil)

	result, err := sync.SyncState(context.Background(), remote.Clone())
	require.NoError(t, err)
	assert.Equal(t, StatusNoChange, result.Status)
	assert.Equal(t, uint64(4), result.Version)
	assert.Equal(t, uint64(4), sync.Version(), "remote version is adopted")

	snap, err := mem.Read(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Version, "nothing was written back")
}

func TestSyncStateLatestTimestampPrefersNewerSide(t *testing.T) {
	mem := store.NewMemoryStore()
	sync, _, clock := newTestSynchronizer(t, mem, StrategyLatestTimestamp)

	seedRemote(mem, 4, clock.Now(), nil) // round 3, written now

	local := game.NewState("room-1")
	local.Phase = game.PhaseQuestion
	local.CurrentRound = 2
	local.IsActive = true
	local.UpdatedAt = clock.Now().Add(-time.Hour) // stale local edit

	result, err := sync.SyncState(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, result.Status)
	require.NotNil(t, result.Conflict)
	assert.Equal(t, 3, result.State.CurrentRound, "newer remote side wins")
	assert.Equal(t, uint64(5), result.Version, "max(local, remote) + 1")
}

func TestSyncStateMergeResolvesDivergentRounds(t *testing.T) {
	mem := store.NewMemoryStore()
	sync, _, clock := newTestSynchronizer(t, mem, StrategyMerge)

	seedRemote(mem, 4, clock.Now().Add(-2*time.Second), func(st *game.State) {
		st.CurrentRound = 3
	})

	// Local lags on the round counter but has a newer score edit.
	local := game.NewState("room-1")
	local.Phase = game.PhaseQuestion
	local.CurrentRound = 2
	local.IsActive = true
	local.Players["p1"] = &game.Player{ID: "p1", Name: "Ada", Score: 10}
	local.UpdatedAt = clock.Now()

	result, err := sync.SyncState(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, result.Status)
	assert.Equal(t, 3, result.State.CurrentRound, "merged round never regresses")
	require.NotNil(t, result.State.Players["p1"])
	assert.Equal(t, 10, result.State.Players["p1"].Score)
}

func TestSyncStateUserChoiceSurfacesConflict(t *testing.T) {
	mem := store.NewMemoryStore()
	sync, opt, clock := newTestSynchronizer(t, mem, StrategyUserChoice)

	var notices []optimizer.ConflictNotice
	opt.OnConflict(func(n optimizer.ConflictNotice) { notices = append(notices, n) })

	seedRemote(mem, 4, clock.Now(), nil)

	local := game.NewState("room-1")
	local.CurrentRound = 1
	local.UpdatedAt = clock.Now().Add(-time.Hour)

	result, err := sync.SyncState(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, StatusResolutionPending, result.Status)
	require.NotNil(t, result.Conflict)
	require.Len(t, notices, 1)
	assert.Equal(t, "game_state", notices[0].Entity)

	snap, err := mem.Read(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Version, "remote is left untouched")
}

func TestSyncStateDeferredWhileInFlight(t *testing.T) {
	mem := store.NewMemoryStore()
	blocking := &blockingStore{inner: mem, entered: make(chan struct{}), release: make(chan struct{})}

	clock := clockwork.NewRealClock()
	opt := optimizer.New(clock, optimizer.DefaultConfig())
	defer opt.Close()
	sync := New("room-1", "client-a", blocking, opt, clock, DefaultConfig())

	first := make(chan error, 1)
	go func() {
		_, err := sync.SyncState(context.Background(), game.NewState("room-1"))
		first <- err
	}()

	select {
	case <-blocking.entered:
	case <-time.After(time.Second):
		t.Fatal("first sync never reached the store")
	}

	result, err := sync.SyncState(context.Background(), game.NewState("room-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, result.Status)

	close(blocking.release)
	require.NoError(t, <-first)

	assert.True(t, sync.ConsumePending(), "deferred sync sets the pending flag")
	assert.False(t, sync.ConsumePending(), "consuming clears the flag")
}

func TestSyncStateRetriesTransientWriteFailures(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{inner: mem, writeFailures: 2}

	clock := clockwork.NewRealClock()
	opt := optimizer.New(clock, optimizer.DefaultConfig())
	defer opt.Close()

	config := DefaultConfig()
	config.RetryBase = time.Millisecond
	sync := New("room-1", "client-a", flaky, opt, clock, config)

	result, err := sync.SyncState(context.Background(), game.NewState("room-1"))
	require.NoError(t, err, "two transient failures are within the retry limit")
	assert.Equal(t, StatusCreated, result.Status)
	assert.Equal(t, 0, flaky.writeFailures)
}

func TestSyncStateGivesUpAfterMaxAttempts(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{inner: mem, writeFailures: 5}

	clock := clockwork.NewRealClock()
	opt := optimizer.New(clock, optimizer.DefaultConfig())
	defer opt.Close()

	config := DefaultConfig()
	config.RetryBase = time.Millisecond
	sync := New("room-1", "client-a", flaky, opt, clock, config)

	_, err := sync.SyncState(context.Background(), game.NewState("room-1"))
	require.Error(t, err)
}

func TestSyncStateVersionMismatchNotRetried(t *testing.T) {
	mem := store.NewMemoryStore()
	stale := &versionMismatchStore{inner: mem}

	clock := clockwork.NewRealClock()
	opt := optimizer.New(clock, optimizer.DefaultConfig())
	defer opt.Close()

	config := DefaultConfig()
	config.RetryBase = time.Millisecond
	sync := New("room-1", "client-a", stale, opt, clock, config)

	_, err := sync.SyncState(context.Background(), game.NewState("room-1"))
	require.ErrorIs(t, err, store.ErrVersionMismatch)
	assert.Equal(t, 1, stale.updates, "a lost version race is permanent, not transient")
}

func TestRollbackToVersion(t *testing.T) {
	mem := store.NewMemoryStore()
	sync, _, clock := newTestSynchronizer(t, mem, StrategyLatestTimestamp)

	v1 := game.NewState("room-1")
	v1.CurrentRound = 1
	_, err := sync.SyncState(context.Background(), v1)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	v2 := game.NewState("room-1")
	v2.CurrentRound = 2
	v2.UpdatedAt = clock.Now()
	_, err = sync.SyncState(context.Background(), v2)
	require.NoError(t, err)

	rolled := sync.RollbackToVersion(1)
	require.NotNil(t, rolled)
	assert.Equal(t, 1, rolled.CurrentRound)

	assert.Nil(t, sync.RollbackToVersion(99), "unknown version yields nil")

	history := sync.History()
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].Version)
	assert.Equal(t, uint64(2), history[1].Version)
}

func TestHistoryBounded(t *testing.T) {
	mem := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opt := optimizer.New(clock, optimizer.DefaultConfig())
	defer opt.Close()

	config := DefaultConfig()
	config.HistoryCap = 3
	config.SnapshotTTL = time.Nanosecond
	sync := New("room-1", "client-a", mem, opt, clock, config)

	for i := 1; i <= 5; i++ {
		st := game.NewState("room-1")
		st.CurrentRound = i
		clock.Advance(2 * time.Second)
		st.UpdatedAt = clock.Now()
		_, err := sync.SyncState(context.Background(), st)
		require.NoError(t, err)
	}

	history := sync.History()
	require.Len(t, history, 3)
	assert.Equal(t, uint64(3), history[0].Version)
	assert.Equal(t, uint64(5), history[2].Version)
	assert.Nil(t, sync.RollbackToVersion(1), "evicted versions are gone")
}

// blockingStore parks the first Read until released.
type blockingStore struct {
	inner   store.Store
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (b *blockingStore) Read(ctx context.Context, entityID string) (*store.Snapshot, error) {
	if !b.once {
		b.once = true
		close(b.entered)
		<-b.release
	}
	return b.inner.Read(ctx, entityID)
}

func (b *blockingStore) Update(ctx context.Context, snap store.Snapshot) error {
	return b.inner.Update(ctx, snap)
}

// versionMismatchStore rejects every update as a lost version race.
type versionMismatchStore struct {
	inner   store.Store
	updates int
}

func (v *versionMismatchStore) Read(ctx context.Context, entityID string) (*store.Snapshot, error) {
	return v.inner.Read(ctx, entityID)
}

func (v *versionMismatchStore) Update(ctx context.Context, snap store.Snapshot) error {
	v.updates++
	return fmt.Errorf("update state %s: %w", snap.EntityID, store.ErrVersionMismatch)
}

// flakyStore fails the first writeFailures updates.
type flakyStore struct {
	inner         store.Store
	writeFailures int
}

func (f *flakyStore) Read(ctx context.Context, entityID string) (*store.Snapshot, error) {
	return f.inner.Read(ctx, entityID)
}

func (f *flakyStore) Update(ctx context.Context, snap store.Snapshot) error {
	if f.writeFailures > 0 {
		f.writeFailures--
		return errors.New("transient store failure")
	}
	return f.inner.Update(ctx, snap)
}
