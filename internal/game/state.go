package game

import (
	"time"
)

// Phase represents the stage a game room is in. Phases only ever move
// forward during normal play; the progression order is used by the merge
// strategy to pick the later of two divergent phases.
type Phase string

const (
	PhaseLobby        Phase = "lobby"
	PhaseStarting     Phase = "starting"
	PhaseQuestion     Phase = "question"
	PhaseReviewing    Phase = "reviewing"
	PhaseIntermission Phase = "intermission"
	PhaseFinished     Phase = "finished"
)

var phaseOrder = map[Phase]int{
	PhaseLobby:        0,
	PhaseStarting:     1,
	PhaseQuestion:     2,
	PhaseReviewing:    3,
	PhaseIntermission: 4,
	PhaseFinished:     5,
}

// Order returns the progression rank of the phase. Unknown phases rank
// below lobby so a corrupt value never wins a merge.
func (p Phase) Order() int {
	if rank, ok := phaseOrder[p]; ok {
		return rank
	}
	return -1
}

// Later returns the phase further along the progression order.
func (p Phase) Later(other Phase) Phase {
	if other.Order() > p.Order() {
		return other
	}
	return p
}

// Player is one participant's entry in the shared game state.
type Player struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	TeamID   string          `json:"team_id,omitempty"`
	Score    int             `json:"score"`
	Answered map[string]bool `json:"answered,omitempty"` // question id -> answered
}

// Team aggregates a group of players and their cumulative score.
type Team struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Score   int             `json:"score"`
	Members map[string]bool `json:"members,omitempty"` // player id set
}

// State is the shared mutable game state synchronized across participants.
// CurrentRound, CompletedRounds and AnsweredQuestions are monotonic counters.
type State struct {
	RoomID            string             `json:"room_id"`
	Phase             Phase              `json:"phase"`
	CurrentRound      int                `json:"current_round"`
	CompletedRounds   int                `json:"completed_rounds"`
	AnsweredQuestions int                `json:"answered_questions"`
	CurrentQuestionID string             `json:"current_question_id,omitempty"`
	IsActive          bool               `json:"is_active"`
	IsPaused          bool               `json:"is_paused"`
	Players           map[string]*Player `json:"players,omitempty"`
	Teams             map[string]*Team   `json:"teams,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// NewState returns an empty lobby state for a room.
func NewState(roomID string) *State {
	return &State{
		RoomID:  roomID,
		Phase:   PhaseLobby,
		Players: make(map[string]*Player),
		Teams:   make(map[string]*Team),
	}
}

// Clone returns a deep copy of the state. Synchronizer history snapshots
// must not alias live maps.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Players = make(map[string]*Player, len(s.Players))
	for id, p := range s.Players {
		cp := *p
		cp.Answered = cloneSet(p.Answered)
		out.Players[id] = &cp
	}
	out.Teams = make(map[string]*Team, len(s.Teams))
	for id, t := range s.Teams {
		ct := *t
		ct.Members = cloneSet(t.Members)
		out.Teams[id] = &ct
	}
	return &out
}

func cloneSet(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PlayersEqual reports whether two player maps are deeply equal.
func PlayersEqual(a, b map[string]*Player) bool {
	if len(a) != len(b) {
		return false
	}
	for id, pa := range a {
		pb, ok := b[id]
		if !ok {
			return false
		}
		if pa.Name != pb.Name || pa.TeamID != pb.TeamID || pa.Score != pb.Score {
			return false
		}
		if !setsEqual(pa.Answered, pb.Answered) {
			return false
		}
	}
	return true
}

// TeamsEqual reports whether two team maps are deeply equal.
func TeamsEqual(a, b map[string]*Team) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ta := range a {
		tb, ok := b[id]
		if !ok {
			return false
		}
		if ta.Name != tb.Name || ta.Score != tb.Score {
			return false
		}
		if !setsEqual(ta.Members, tb.Members) {
			return false
		}
	}
	return true
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
