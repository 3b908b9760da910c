package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/quizdeck/realtime/internal/game"
)

// StateVersion is one versioned snapshot of the synchronized entity.
type StateVersion struct {
	Version   uint64      `json:"version"`
	State     *game.State `json:"state"`
	Timestamp time.Time   `json:"timestamp"`
	ClientID  string      `json:"client_id"`
	Hash      string      `json:"hash"`
}

// ContentHash hashes the semantically significant fields of a game state.
// Deliberately not a full structural hash: cosmetic differences (ordering,
// timestamps, unlisted fields) must not register as material change.
func ContentHash(st *game.State) string {
	if st == nil {
		return ""
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%s|%t|%t|",
		st.Phase,
		st.CurrentRound,
		st.CompletedRounds,
		st.AnsweredQuestions,
		st.CurrentQuestionID,
		st.IsActive,
		st.IsPaused,
	)

	playerIDs := sortedKeys(st.Players)
	for _, id := range playerIDs {
		fmt.Fprintf(h, "p:%s=%d;", id, st.Players[id].Score)
	}
	teamIDs := sortedKeysTeams(st.Teams)
	for _, id := range teamIDs {
		fmt.Fprintf(h, "t:%s=%d;", id, st.Teams[id].Score)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func sortedKeys(m map[string]*game.Player) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysTeams(m map[string]*game.Team) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
