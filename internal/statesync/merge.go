package statesync

import (
	"github.com/quizdeck/realtime/internal/game"
	"github.com/quizdeck/realtime/internal/optimizer"
)

// mergeStates performs the domain three-way merge of two divergent state
// versions:
//
//   - phase: progression-order priority, the later phase wins
//   - monotonic counters (current_round, completed_rounds,
//     answered_questions): max
//   - is_active: logical OR; is_paused: logical AND
//   - players/teams: merged key-by-key through the optimizer's conflict
//     resolver (higher cumulative score, union of answered/member sets)
//   - all other fields: prefer the version with the later timestamp.
//     Documented policy; the special-cased list above is exhaustive.
func mergeStates(opt *optimizer.Optimizer, local, remote StateVersion) *game.State {
	latest := remote.State
	if local.Timestamp.After(remote.Timestamp) {
		latest = local.State
	}
	merged := latest.Clone()

	merged.Phase = local.State.Phase.Later(remote.State.Phase)
	merged.CurrentRound = maxInt(local.State.CurrentRound, remote.State.CurrentRound)
	merged.CompletedRounds = maxInt(local.State.CompletedRounds, remote.State.CompletedRounds)
	merged.AnsweredQuestions = maxInt(local.State.AnsweredQuestions, remote.State.AnsweredQuestions)
	merged.IsActive = local.State.IsActive || remote.State.IsActive
	merged.IsPaused = local.State.IsPaused && remote.State.IsPaused

	merged.Players = mergePlayers(opt, local, remote)
	merged.Teams = mergeTeams(opt, local, remote)
	return merged
}

// mergePlayers merges the player maps key-by-key. The per-key merge is
// delegated to the optimizer's conflict resolver so its failure fallback
// (remote wins) applies uniformly.
func mergePlayers(opt *optimizer.Optimizer, local, remote StateVersion) map[string]*game.Player {
	out := make(map[string]*game.Player, len(local.State.Players)+len(remote.State.Players))
	for id, p := range local.State.Players {
		cp := *p
		cp.Answered = cloneBoolSet(p.Answered)
		out[id] = &cp
	}
	for id, rp := range remote.State.Players {
		lp, ok := out[id]
		if !ok {
			cp := *rp
			cp.Answered = cloneBoolSet(rp.Answered)
			out[id] = &cp
			continue
		}
		resolved, ok := opt.ResolveConflict("game_state.player",
			optimizer.FieldValue{Value: lp, Timestamp: local.Timestamp},
			optimizer.FieldValue{Value: rp, Timestamp: remote.Timestamp},
		)
		if merged, isPlayer := resolved.(*game.Player); ok && isPlayer {
			out[id] = merged
		}
	}
	return out
}

func mergeTeams(opt *optimizer.Optimizer, local, remote StateVersion) map[string]*game.Team {
	out := make(map[string]*game.Team, len(local.State.Teams)+len(remote.State.Teams))
	for id, t := range local.State.Teams {
		ct := *t
		ct.Members = cloneBoolSet(t.Members)
		out[id] = &ct
	}
	for id, rt := range remote.State.Teams {
		lt, ok := out[id]
		if !ok {
			ct := *rt
			ct.Members = cloneBoolSet(rt.Members)
			out[id] = &ct
			continue
		}
		resolved, ok := opt.ResolveConflict("game_state.team",
			optimizer.FieldValue{Value: lt, Timestamp: local.Timestamp},
			optimizer.FieldValue{Value: rt, Timestamp: remote.Timestamp},
		)
		if merged, isTeam := resolved.(*game.Team); ok && isTeam {
			out[id] = merged
		}
	}
	return out
}

// registerFieldResolvers installs the domain merge rules on the optimizer
// so player/team map merges route through its resolver machinery.
func registerFieldResolvers(opt *optimizer.Optimizer) {
	opt.SetConflictResolver("game_state.player", optimizer.StrategyCustom, func(local, remote optimizer.FieldValue) (any, error) {
		lp, lok := local.Value.(*game.Player)
		rp, rok := remote.Value.(*game.Player)
		if !lok || !rok {
			return remote.Value, nil
		}
		merged := *lp
		if rp.Score > merged.Score {
			merged.Score = rp.Score
		}
		if local.Timestamp.Before(remote.Timestamp) {
			merged.Name = rp.Name
			merged.TeamID = rp.TeamID
		}
		merged.Answered = unionBoolSets(lp.Answered, rp.Answered)
		return &merged, nil
	})

	opt.SetConflictResolver("game_state.team", optimizer.StrategyCustom, func(local, remote optimizer.FieldValue) (any, error) {
		lt, lok := local.Value.(*game.Team)
		rt, rok := remote.Value.(*game.Team)
		if !lok || !rok {
			return remote.Value, nil
		}
		merged := *lt
		if rt.Score > merged.Score {
			merged.Score = rt.Score
		}
		if local.Timestamp.Before(remote.Timestamp) {
			merged.Name = rt.Name
		}
		merged.Members = unionBoolSets(lt.Members, rt.Members)
		return &merged, nil
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func cloneBoolSet(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func unionBoolSets(a, b map[string]bool) map[string]bool {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]bool, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v {
			out[k] = v
		} else if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
