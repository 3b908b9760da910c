package statesync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizdeck/realtime/internal/game"
	"github.com/quizdeck/realtime/internal/optimizer"
)

func mergeFixture(t *testing.T) (*optimizer.Optimizer, time.Time) {
	t.Helper()
	opt := optimizer.New(clockwork.NewFakeClock(), optimizer.DefaultConfig())
	t.Cleanup(opt.Close)
	registerFieldResolvers(opt)
	return opt, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestMergeCountersAreMonotonic(t *testing.T) {
	opt, base := mergeFixture(t)

	localState := game.NewState("room-1")
	localState.CurrentRound = 2
	localState.CompletedRounds = 1
	localState.AnsweredQuestions = 8

	remoteState := game.NewState("room-1")
	remoteState.CurrentRound = 3
	remoteState.CompletedRounds = 2
	remoteState.AnsweredQuestions = 5

	// Local was written later, but the counters still take the max of
	// both sides.
	local := StateVersion{State: localState, Timestamp: base.Add(time.Second)}
	remote := StateVersion{State: remoteState, Timestamp: base}

	merged := mergeStates(opt, local, remote)
	assert.Equal(t, 3, merged.CurrentRound)
	assert.Equal(t, 2, merged.CompletedRounds)
	assert.Equal(t, 8, merged.AnsweredQuestions)
}

func TestMergeLaterPhaseWins(t *testing.T) {
	opt, base := mergeFixture(t)

	localState := game.NewState("room-1")
	localState.Phase = game.PhaseReviewing
	remoteState := game.NewState("room-1")
	remoteState.Phase = game.PhaseQuestion

	local := StateVersion{State: localState, Timestamp: base}
	remote := StateVersion{State: remoteState, Timestamp: base.Add(time.Second)}

	merged := mergeStates(opt, local, remote)
	assert.Equal(t, game.PhaseReviewing, merged.Phase,
		"progression order decides, not timestamps")
}

func TestMergeFlagSemantics(t *testing.T) {
	opt, base := mergeFixture(t)

	localState := game.NewState("room-1")
	localState.IsActive = true
	localState.IsPaused = true
	remoteState := game.NewState("room-1")
	remoteState.IsActive = false
	remoteState.IsPaused = false

	local := StateVersion{State: localState, Timestamp: base}
	remote := StateVersion{State: remoteState, Timestamp: base.Add(time.Second)}

	merged := mergeStates(opt, local, remote)
	assert.True(t, merged.IsActive, "is_active merges as OR")
	assert.False(t, merged.IsPaused, "is_paused merges as AND")
}

func TestMergePlayersHigherScoreAndAnswerUnion(t *testing.T) {
	opt, base := mergeFixture(t)

	localState := game.NewState("room-1")
	localState.Players["p1"] = &game.Player{
		ID: "p1", Name: "Ada", Score: 30,
		Answered: map[string]bool{"q1": true},
	}
	localState.Players["p2"] = &game.Player{ID: "p2", Name: "Bob", Score: 5}

	remoteState := game.NewState("room-1")
	remoteState.Players["p1"] = &game.Player{
		ID: "p1", Name: "Ada L.", Score: 20,
		Answered: map[string]bool{"q2": true},
	}
	remoteState.Players["p3"] = &game.Player{ID: "p3", Name: "Carol", Score: 12}

	local := StateVersion{State: localState, Timestamp: base}
	remote := StateVersion{State: remoteState, Timestamp: base.Add(time.Second)}

	merged := mergeStates(opt, local, remote)
	require.Len(t, merged.Players, 3, "players present on either side survive")

	p1 := merged.Players["p1"]
	assert.Equal(t, 30, p1.Score, "higher cumulative score wins")
	assert.Equal(t, "Ada L.", p1.Name, "later timestamp wins the name")
	assert.Equal(t, map[string]bool{"q1": true, "q2": true}, p1.Answered,
		"answered sets merge as a union")
	assert.Equal(t, 5, merged.Players["p2"].Score)
	assert.Equal(t, 12, merged.Players["p3"].Score)
}

func TestMergeTeamsHigherScoreAndMemberUnion(t *testing.T) {
	opt, base := mergeFixture(t)

	localState := game.NewState("room-1")
	localState.Teams["t1"] = &game.Team{
		ID: "t1", Name: "Reds", Score: 40,
		Members: map[string]bool{"p1": true},
	}
	remoteState := game.NewState("room-1")
	remoteState.Teams["t1"] = &game.Team{
		ID: "t1", Name: "Red Team", Score: 55,
		Members: map[string]bool{"p2": true},
	}

	local := StateVersion{State: localState, Timestamp: base.Add(time.Second)}
	remote := StateVersion{State: remoteState, Timestamp: base}

	merged := mergeStates(opt, local, remote)
	team := merged.Teams["t1"]
	require.NotNil(t, team)
	assert.Equal(t, 55, team.Score)
	assert.Equal(t, "Reds", team.Name, "local is later here, so its name wins")
	assert.Equal(t, map[string]bool{"p1": true, "p2": true}, team.Members)
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	opt, base := mergeFixture(t)

	localState := game.NewState("room-1")
	localState.Players["p1"] = &game.Player{ID: "p1", Score: 1}
	remoteState := game.NewState("room-1")

	local := StateVersion{State: localState, Timestamp: base.Add(time.Second)}
	remote := StateVersion{State: remoteState, Timestamp: base}

	merged := mergeStates(opt, local, remote)
	merged.Players["p1"].Score = 99
	assert.Equal(t, 1, localState.Players["p1"].Score)
}
