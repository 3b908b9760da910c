package optimizer

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy selects how divergent values of an entity are reconciled.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyMerge         Strategy = "merge"
	StrategyUserChoice    Strategy = "user_choice"
	StrategyCustom        Strategy = "custom"
)

// FieldValue is one side of a conflict: a value and the time it was
// written.
type FieldValue struct {
	Value     any
	Timestamp time.Time
}

// CustomResolver reconciles two divergent values. An error (or panic)
// falls back to the remote value.
type CustomResolver func(local, remote FieldValue) (any, error)

// ConflictNotice is surfaced to conflict listeners when a user_choice
// strategy declines to resolve automatically.
type ConflictNotice struct {
	Entity string
	Local  FieldValue
	Remote FieldValue
}

type resolverEntry struct {
	strategy Strategy
	custom   CustomResolver
}

// SetConflictResolver installs the resolution strategy for an entity.
// custom is only consulted for StrategyCustom.
func (o *Optimizer) SetConflictResolver(entity string, strategy Strategy, custom CustomResolver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolvers[entity] = resolverEntry{strategy: strategy, custom: custom}
}

// OnConflict registers a listener for conflicts that require a user
// decision.
func (o *Optimizer) OnConflict(fn func(ConflictNotice)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflictFn = append(o.conflictFn, fn)
}

// ResolveConflict reconciles local and remote values for an entity using
// its configured strategy. resolved is false only for user_choice, which
// emits the conflict to listeners and leaves resolution to the caller.
// Unknown strategies and resolver failures fall back to the remote value;
// this never panics into the caller.
func (o *Optimizer) ResolveConflict(entity string, local, remote FieldValue) (value any, resolved bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("entity", entity).Msg("conflict resolver failed, using remote value")
			value, resolved = remote.Value, true
		}
	}()

	o.mu.Lock()
	entry, ok := o.resolvers[entity]
	listeners := make([]func(ConflictNotice), len(o.conflictFn))
	copy(listeners, o.conflictFn)
	o.mu.Unlock()

	if !ok {
		entry.strategy = StrategyLastWriteWins
	}

	switch entry.strategy {
	case StrategyLastWriteWins:
		if local.Timestamp.After(remote.Timestamp) {
			return local.Value, true
		}
		return remote.Value, true

	case StrategyMerge:
		return mergeFieldValues(local, remote), true

	case StrategyUserChoice:
		notice := ConflictNotice{Entity: entity, Local: local, Remote: remote}
		for _, fn := range listeners {
			fn(notice)
		}
		return nil, false

	case StrategyCustom:
		if entry.custom == nil {
			log.Warn().Str("entity", entity).Msg("custom strategy without resolver, using remote value")
			return remote.Value, true
		}
		v, err := entry.custom(local, remote)
		if err != nil {
			log.Error().Err(err).Str("entity", entity).Msg("custom resolver error, using remote value")
			return remote.Value, true
		}
		return v, true

	default:
		log.Warn().Str("entity", entity).Str("strategy", string(entry.strategy)).Msg("unknown strategy, using remote value")
		return remote.Value, true
	}
}

// mergeFieldValues performs a field-level three-way merge when both sides
// are maps: union of keys, later-timestamp side wins per shared key. For
// non-map values the later write wins.
func mergeFieldValues(local, remote FieldValue) any {
	lm, lok := local.Value.(map[string]any)
	rm, rok := remote.Value.(map[string]any)
	if !lok || !rok {
		if local.Timestamp.After(remote.Timestamp) {
			return local.Value
		}
		return remote.Value
	}

	merged := make(map[string]any, len(lm)+len(rm))
	localWins := local.Timestamp.After(remote.Timestamp)
	for k, v := range lm {
		merged[k] = v
	}
	for k, v := range rm {
		if _, shared := lm[k]; shared && localWins {
			continue
		}
		merged[k] = v
	}
	return merged
}
