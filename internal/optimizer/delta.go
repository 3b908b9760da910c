package optimizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DeltaOp identifies the kind of a delta record.
type DeltaOp string

const (
	DeltaCreate DeltaOp = "create"
	DeltaUpdate DeltaOp = "update"
	DeltaDelete DeltaOp = "delete"
)

// Delta is a minimal description of one entity change, transmitted in
// place of a full snapshot.
type Delta struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Op        DeltaOp        `json:"op"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Changes   map[string]any `json:"changes,omitempty"`
	Previous  map[string]any `json:"previous,omitempty"`
	Version   uint64         `json:"version"`
	Checksum  string         `json:"checksum"`
}

func deltaKey(entity, entityID string) string {
	return entity + ":" + entityID
}

// CreateDelta builds a delta record and buffers it per (entity, id). The
// buffer is bounded; the oldest record is dropped beyond the cap.
func (o *Optimizer) CreateDelta(entity, entityID string, op DeltaOp, version uint64, changes, previous map[string]any) Delta {
	d := Delta{
		ID:        uuid.New().String(),
		Timestamp: o.clock.Now(),
		Op:        op,
		Entity:    entity,
		EntityID:  entityID,
		Changes:   changes,
		Previous:  previous,
		Version:   version,
	}
	d.Checksum = deltaChecksum(d)

	key := deltaKey(entity, entityID)
	o.mu.Lock()
	buf := append(o.deltas[key], d)
	if len(buf) > o.config.DeltaBufferCap {
		buf = buf[len(buf)-o.config.DeltaBufferCap:]
	}
	o.deltas[key] = buf
	o.mu.Unlock()

	return d
}

// SetDeltaHandler installs the consumer invoked with optimized deltas on
// every flush.
func (o *Optimizer) SetDeltaHandler(fn func([]Delta)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deltaFn = fn
}

// FlushDeltas drains the buffers, compacts the drained records and hands
// them to the delta handler. Without a handler the buffers are simply
// cleared.
func (o *Optimizer) FlushDeltas() {
	o.mu.Lock()
	if len(o.deltas) == 0 {
		o.mu.Unlock()
		return
	}
	var all []Delta
	for _, buf := range o.deltas {
		all = append(all, buf...)
	}
	o.deltas = make(map[string][]Delta)
	fn := o.deltaFn
	o.mu.Unlock()

	if fn == nil {
		return
	}
	optimized := o.OptimizeDeltas(all)
	fn(optimized)
	log.Debug().Int("raw", len(all)).Int("optimized", len(optimized)).Msg("deltas flushed")
}

// OptimizeDeltas groups deltas by entity+id, sorts each group by
// timestamp, and merges runs of consecutive update deltas into one
// (field union, last write wins per field). Non-update deltas and
// non-adjacent updates are kept separate. Best-effort: on internal
// failure the input is returned unchanged.
func (o *Optimizer) OptimizeDeltas(deltas []Delta) (out []Delta) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("delta optimization failed, using raw deltas")
			out = deltas
		}
	}()

	groups := make(map[string][]Delta)
	var order []string
	for _, d := range deltas {
		key := deltaKey(d.Entity, d.EntityID)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}

	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})

		for _, d := range group {
			if d.Op == DeltaUpdate && len(out) > 0 {
				last := &out[len(out)-1]
				if last.Op == DeltaUpdate && last.Entity == d.Entity && last.EntityID == d.EntityID {
					*last = mergeUpdates(*last, d)
					continue
				}
			}
			out = append(out, d)
		}
	}
	return out
}

// mergeUpdates folds a later update delta into an earlier one.
func mergeUpdates(earlier, later Delta) Delta {
	merged := earlier
	merged.Changes = make(map[string]any, len(earlier.Changes)+len(later.Changes))
	for k, v := range earlier.Changes {
		merged.Changes[k] = v
	}
	for k, v := range later.Changes {
		merged.Changes[k] = v
	}
	merged.Timestamp = later.Timestamp
	merged.Version = later.Version
	merged.Checksum = deltaChecksum(merged)
	return merged
}

// ApplyDelta applies a delta to a state snapshot and returns the result.
// Create replaces the state, update shallow-merges the changed fields,
// delete yields nil. The input state is not mutated. Best-effort: on
// internal failure the input state is returned unchanged.
func (o *Optimizer) ApplyDelta(d Delta, state map[string]any) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("delta_id", d.ID).Msg("delta apply failed, keeping state")
			out = state
		}
	}()

	switch d.Op {
	case DeltaCreate:
		out = make(map[string]any, len(d.Changes))
		for k, v := range d.Changes {
			out[k] = v
		}
	case DeltaUpdate:
		out = make(map[string]any, len(state)+len(d.Changes))
		for k, v := range state {
			out[k] = v
		}
		for k, v := range d.Changes {
			out[k] = v
		}
	case DeltaDelete:
		out = nil
	default:
		log.Warn().Str("op", string(d.Op)).Msg("unknown delta op, keeping state")
		out = state
	}
	return out
}

// deltaChecksum hashes the semantically significant delta fields in a
// stable key order.
func deltaChecksum(d Delta) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|", d.Op, d.Entity, d.EntityID, d.Version)

	keys := make([]string, 0, len(d.Changes))
	for k := range d.Changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := json.Marshal(d.Changes[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
