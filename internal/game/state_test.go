package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrderProgression(t *testing.T) {
	phases := []Phase{PhaseLobby, PhaseStarting, PhaseQuestion, PhaseReviewing, PhaseIntermission, PhaseFinished}
	for i := 1; i < len(phases); i++ {
		assert.Greater(t, phases[i].Order(), phases[i-1].Order())
	}
	assert.Equal(t, -1, Phase("bogus").Order(), "unknown phases rank below lobby")
}

func TestPhaseLater(t *testing.T) {
	assert.Equal(t, PhaseReviewing, PhaseQuestion.Later(PhaseReviewing))
	assert.Equal(t, PhaseReviewing, PhaseReviewing.Later(PhaseQuestion))
	assert.Equal(t, PhaseLobby, PhaseLobby.Later(Phase("bogus")))
}

func TestCloneIsDeep(t *testing.T) {
	s := NewState("room-1")
	s.Phase = PhaseQuestion
	s.Players["p1"] = &Player{ID: "p1", Name: "Ada", Score: 10, Answered: map[string]bool{"q1": true}}
	s.Teams["t1"] = &Team{ID: "t1", Name: "Reds", Score: 10, Members: map[string]bool{"p1": true}}

	clone := s.Clone()
	require.True(t, PlayersEqual(s.Players, clone.Players))
	require.True(t, TeamsEqual(s.Teams, clone.Teams))

	clone.Players["p1"].Score = 99
	clone.Players["p1"].Answered["q2"] = true
	clone.Teams["t1"].Members["p2"] = true
	clone.Players["p2"] = &Player{ID: "p2"}

	assert.Equal(t, 10, s.Players["p1"].Score)
	assert.NotContains(t, s.Players["p1"].Answered, "q2")
	assert.NotContains(t, s.Teams["t1"].Members, "p2")
	assert.Len(t, s.Players, 1)
}

func TestCloneNil(t *testing.T) {
	var s *State
	assert.Nil(t, s.Clone())
}

func TestPlayersEqual(t *testing.T) {
	a := map[string]*Player{"p1": {ID: "p1", Name: "Ada", Score: 10, Answered: map[string]bool{"q1": true}}}

	b := map[string]*Player{"p1": {ID: "p1", Name: "Ada", Score: 10, Answered: map[string]bool{"q1": true}}}
	assert.True(t, PlayersEqual(a, b))

	b["p1"].Score = 11
	assert.False(t, PlayersEqual(a, b))

	b["p1"].Score = 10
	b["p1"].Answered["q2"] = true
	assert.False(t, PlayersEqual(a, b))

	assert.False(t, PlayersEqual(a, map[string]*Player{"p2": {ID: "p2"}}))
	assert.False(t, PlayersEqual(a, nil))
	assert.True(t, PlayersEqual(nil, nil))
}

func TestTeamsEqual(t *testing.T) {
	a := map[string]*Team{"t1": {ID: "t1", Name: "Reds", Score: 42, Members: map[string]bool{"p1": true}}}

	b := map[string]*Team{"t1": {ID: "t1", Name: "Reds", Score: 42, Members: map[string]bool{"p1": true}}}
	assert.True(t, TeamsEqual(a, b))

	b["t1"].Name = "Blues"
	assert.False(t, TeamsEqual(a, b))

	b["t1"].Name = "Reds"
	delete(b["t1"].Members, "p1")
	assert.False(t, TeamsEqual(a, b))
}
