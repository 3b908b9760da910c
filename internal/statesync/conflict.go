package statesync

import (
	"time"

	"github.com/quizdeck/realtime/internal/game"
)

// ConflictKind classifies how two state versions diverged.
type ConflictKind string

const (
	ConflictVersion    ConflictKind = "version"
	ConflictTimestamp  ConflictKind = "timestamp"
	ConflictConcurrent ConflictKind = "concurrent"
)

// Conflict is a structured divergence between two state versions. A
// conflict is an outcome, not an error.
type Conflict struct {
	Local  StateVersion `json:"local"`
	Remote StateVersion `json:"remote"`
	Kind   ConflictKind `json:"kind"`
	Fields []string     `json:"fields"`
}

// concurrentWindow is the timestamp distance under which two writes are
// considered concurrent rather than ordered.
const concurrentWindow = time.Second

// DetectConflict compares two state versions. Equal content hashes mean
// no conflict. Otherwise the kind is determined in precedence order:
// differing version numbers, timestamps within the concurrent window,
// then timestamp divergence.
func DetectConflict(local, remote StateVersion) *Conflict {
	if local.Hash == remote.Hash {
		return nil
	}

	var kind ConflictKind
	switch {
	case local.Version != remote.Version:
		kind = ConflictVersion
	case absDuration(local.Timestamp.Sub(remote.Timestamp)) <= concurrentWindow:
		kind = ConflictConcurrent
	default:
		kind = ConflictTimestamp
	}

	return &Conflict{
		Local:  local,
		Remote: remote,
		Kind:   kind,
		Fields: conflictingFields(local.State, remote.State),
	}
}

// conflictingFields compares the fixed checklist of significant scalar
// fields plus deep equality of the player and team maps.
func conflictingFields(local, remote *game.State) []string {
	if local == nil || remote == nil {
		return []string{"state"}
	}

	var fields []string
	if local.Phase != remote.Phase {
		fields = append(fields, "phase")
	}
	if local.CurrentRound != remote.CurrentRound {
		fields = append(fields, "current_round")
	}
	if local.CompletedRounds != remote.CompletedRounds {
		fields = append(fields, "completed_rounds")
	}
	if local.AnsweredQuestions != remote.AnsweredQuestions {
		fields = append(fields, "answered_questions")
	}
	if local.CurrentQuestionID != remote.CurrentQuestionID {
		fields = append(fields, "current_question_id")
	}
	if local.IsActive != remote.IsActive {
		fields = append(fields, "is_active")
	}
	if local.IsPaused != remote.IsPaused {
		fields = append(fields, "is_paused")
	}
	if !game.PlayersEqual(local.Players, remote.Players) {
		fields = append(fields, "players")
	}
	if !game.TeamsEqual(local.Teams, remote.Teams) {
		fields = append(fields, "teams")
	}
	return fields
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
