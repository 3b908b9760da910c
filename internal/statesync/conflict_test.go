package statesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizdeck/realtime/internal/game"
)

func stateVersion(version uint64, ts time.Time, mutate func(*game.State)) StateVersion {
	st := game.NewState("room-1")
	st.Phase = game.PhaseQuestion
	st.CurrentRound = 2
	st.IsActive = true
	if mutate != nil {
		mutate(st)
	}
	return StateVersion{
		Version:   version,
		State:     st,
		Timestamp: ts,
		ClientID:  "client-a",
		Hash:      ContentHash(st),
	}
}

func TestDetectConflictEqualHashes(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Same content, different versions and timestamps: no conflict.
	local := stateVersion(1, base, nil)
	remote := stateVersion(2, base.Add(time.Hour), nil)
	assert.Nil(t, DetectConflict(local, remote))
}

func TestDetectConflictPrecedence(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bump := func(st *game.State) { st.CurrentRound = 3 }

	t.Run("version differs", func(t *testing.T) {
		local := stateVersion(1, base, nil)
		remote := stateVersion(2, base.Add(time.Hour), bump)
		c := DetectConflict(local, remote)
		require.NotNil(t, c)
		assert.Equal(t, ConflictVersion, c.Kind,
			"version divergence outranks timestamp distance")
	})

	t.Run("concurrent window", func(t *testing.T) {
		local := stateVersion(3, base, nil)
		remote := stateVersion(3, base.Add(800*time.Millisecond), bump)
		c := DetectConflict(local, remote)
		require.NotNil(t, c)
		assert.Equal(t, ConflictConcurrent, c.Kind)
	})

	t.Run("concurrent window boundary", func(t *testing.T) {
		local := stateVersion(3, base, nil)
		remote := stateVersion(3, base.Add(time.Second), bump)
		c := DetectConflict(local, remote)
		require.NotNil(t, c)
		assert.Equal(t, ConflictConcurrent, c.Kind, "exactly one second is still concurrent")
	})

	t.Run("timestamp divergence", func(t *testing.T) {
		local := stateVersion(3, base, nil)
		remote := stateVersion(3, base.Add(5*time.Second), bump)
		c := DetectConflict(local, remote)
		require.NotNil(t, c)
		assert.Equal(t, ConflictTimestamp, c.Kind)
	})
}

func TestDetectConflictDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := stateVersion(1, base, nil)
	remote := stateVersion(2, base.Add(time.Minute), func(st *game.State) {
		st.Phase = game.PhaseReviewing
		st.CurrentRound = 3
	})

	first := DetectConflict(local, remote)
	require.NotNil(t, first)
	for i := 0; i < 10; i++ {
		again := DetectConflict(local, remote)
		require.NotNil(t, again)
		assert.Equal(t, first.Kind, again.Kind)
		assert.Equal(t, first.Fields, again.Fields)
	}
}

func TestConflictingFields(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := stateVersion(1, base, func(st *game.State) {
		st.Players["p1"] = &game.Player{ID: "p1", Name: "Ada", Score: 10}
	})
	remote := stateVersion(2, base.Add(time.Minute), func(st *game.State) {
		st.Phase = game.PhaseReviewing
		st.IsPaused = true
		st.Players["p1"] = &game.Player{ID: "p1", Name: "Ada", Score: 20}
	})

	c := DetectConflict(local, remote)
	require.NotNil(t, c)
	assert.ElementsMatch(t, []string{"phase", "is_paused", "players"}, c.Fields)
}

func TestContentHashIgnoresCosmeticDifferences(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := stateVersion(1, base, func(st *game.State) {
		st.UpdatedAt = base
	})
	b := stateVersion(1, base, func(st *game.State) {
		st.UpdatedAt = base.Add(time.Hour)
	})
	assert.Equal(t, a.Hash, b.Hash, "timestamps are not material content")
}
