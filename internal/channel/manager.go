package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizdeck/realtime/internal/realtime"
)

// Kind identifies the flavor of a channel subscription.
type Kind string

const (
	KindTableChange Kind = "table-change"
	KindBroadcast   Kind = "broadcast"
	KindPresence    Kind = "presence"
)

// ErrDuplicateSubscription is returned when a subscription id is already
// registered.
var ErrDuplicateSubscription = fmt.Errorf("subscription id already exists")

// MetricsSink receives dispatch accounting from the manager. The
// optimizer's Metrics satisfies it.
type MetricsSink interface {
	RecordLatency(time.Duration)
	RecordEvent()
}

type noopSink struct{}

func (noopSink) RecordLatency(time.Duration) {}
func (noopSink) RecordEvent()                {}

// subscription is the manager's logical subscription record. The record
// outlives transport loss: on close the handle dies but the record stays,
// and a reconnect re-creates the handle under the same id.
type subscription struct {
	id                 string
	kind               Kind
	target             string
	createdAt          time.Time
	lastActivity       time.Time
	connectionAttempts int
	isActive           bool

	handle    realtime.Handle
	subscribe func() (realtime.Handle, error)
}

// Snapshot is a read-only view of one subscription for stats endpoints.
type Snapshot struct {
	ID                 string    `json:"id"`
	Kind               Kind      `json:"kind"`
	Target             string    `json:"target"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivity       time.Time `json:"last_activity"`
	ConnectionAttempts int       `json:"connection_attempts"`
	IsActive           bool      `json:"is_active"`
}

// Manager is the sole owner of live transport subscription handles. All
// other services reference subscriptions by id and mutate them through
// the manager.
type Manager struct {
	backend realtime.Backend
	clock   clockwork.Clock
	sink    MetricsSink

	mu              sync.Mutex
	subs            map[string]*subscription
	transportErrors int
	closed          bool

	removeStateListener func()
}

// NewManager wires a manager to a backend. sink may be nil.
func NewManager(backend realtime.Backend, clock clockwork.Clock, sink MetricsSink) *Manager {
	if sink == nil {
		sink = noopSink{}
	}
	m := &Manager{
		backend: backend,
		clock:   clock,
		sink:    sink,
		subs:    make(map[string]*subscription),
	}
	m.removeStateListener = backend.OnConnectionStateChange(m.handleConnState)
	return m
}

// SubscribeTable subscribes to a table change feed. An empty id derives
// one from the target. Duplicate ids are rejected.
func (m *Manager) SubscribeTable(ctx context.Context, target realtime.TableTarget, id string, fn func(realtime.ChangeEvent)) (string, error) {
	if id == "" {
		id = fmt.Sprintf("table:%s:%s:%s", target.Table, target.Event, target.Filter)
	}
	wrapped := func(ev realtime.ChangeEvent) {
		m.dispatch(id, func() { fn(ev) })
	}
	return id, m.register(id, KindTableChange, target.Table, func() (realtime.Handle, error) {
		return m.backend.SubscribeTable(ctx, target, wrapped)
	})
}

// SubscribeBroadcast subscribes to a broadcast channel event. An empty id
// derives one from channel and event. Duplicate ids are rejected.
func (m *Manager) SubscribeBroadcast(ctx context.Context, channelName, event, id string, fn func(realtime.BroadcastEvent)) (string, error) {
	if id == "" {
		id = fmt.Sprintf("broadcast:%s:%s", channelName, event)
	}
	wrapped := func(ev realtime.BroadcastEvent) {
		m.dispatch(id, func() { fn(ev) })
	}
	return id, m.register(id, KindBroadcast, channelName, func() (realtime.Handle, error) {
		return m.backend.SubscribeBroadcast(ctx, channelName, event, wrapped)
	})
}

// SubscribePresence subscribes to a presence channel. An empty id derives
// one from the channel name. Duplicate ids are rejected.
func (m *Manager) SubscribePresence(ctx context.Context, channelName, id string, cb realtime.PresenceCallbacks) (string, error) {
	if id == "" {
		id = fmt.Sprintf("presence:%s", channelName)
	}
	wrapped := realtime.PresenceCallbacks{}
	if cb.OnSync != nil {
		wrapped.OnSync = func(ev realtime.PresenceEvent) { m.dispatch(id, func() { cb.OnSync(ev) }) }
	}
	if cb.OnJoin != nil {
		wrapped.OnJoin = func(ev realtime.PresenceEvent) { m.dispatch(id, func() { cb.OnJoin(ev) }) }
	}
	if cb.OnLeave != nil {
		wrapped.OnLeave = func(ev realtime.PresenceEvent) { m.dispatch(id, func() { cb.OnLeave(ev) }) }
	}
	return id, m.register(id, KindPresence, channelName, func() (realtime.Handle, error) {
		return m.backend.SubscribePresence(ctx, channelName, wrapped)
	})
}

func (m *Manager) register(id string, kind Kind, target string, subscribe func() (realtime.Handle, error)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("channel manager closed")
	}
	if _, exists := m.subs[id]; exists {
		m.mu.Unlock()
		log.Warn().Str("subscription_id", id).Msg("duplicate subscription id rejected")
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, id)
	}
	now := m.clock.Now()
	sub := &subscription{
		id:           id,
		kind:         kind,
		target:       target,
		createdAt:    now,
		lastActivity: now,
		subscribe:    subscribe,
	}
	m.subs[id] = sub
	m.mu.Unlock()

	handle, err := subscribe()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, still := m.subs[id]; !still {
		// Unsubscribed while the transport call was in flight.
		if handle != nil {
			handle.Unsubscribe()
		}
		return nil
	}
	if err != nil {
		delete(m.subs, id)
		return fmt.Errorf("subscribe %s: %w", id, err)
	}
	sub.handle = handle
	sub.isActive = true
	sub.connectionAttempts = 1

	log.Debug().Str("subscription_id", id).Str("kind", string(kind)).Str("target", target).Msg("subscription active")
	return nil
}

// dispatch runs a subscription callback, updating activity and feeding
// latency and throughput accounting.
func (m *Manager) dispatch(id string, fn func()) {
	m.mu.Lock()
	if sub, ok := m.subs[id]; ok {
		sub.lastActivity = m.clock.Now()
	}
	m.mu.Unlock()
	m.sink.RecordEvent()

	start := m.clock.Now()
	fn()
	m.sink.RecordLatency(m.clock.Since(start))
}

// handleConnState reacts to transport lifecycle transitions: close marks
// every subscription inactive (records persist), open resubscribes
// everything inactive, error counts toward transport error stats.
func (m *Manager) handleConnState(state realtime.ConnState) {
	switch state {
	case realtime.StateClosed:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		n := 0
		for _, sub := range m.subs {
			if sub.isActive {
				sub.isActive = false
				sub.handle = nil
				n++
			}
		}
		m.mu.Unlock()
		log.Warn().Int("subscriptions", n).Msg("transport closed, subscriptions inactive")

	case realtime.StateOpen:
		m.resubscribeAll()

	case realtime.StateError:
		m.mu.Lock()
		m.transportErrors++
		m.mu.Unlock()
	}
}

// resubscribeAll re-creates handles for every inactive subscription.
// Best effort: individual channels can fail and come back on the next
// reconnect.
func (m *Manager) resubscribeAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var pending []*subscription
	for _, sub := range m.subs {
		if !sub.isActive {
			pending = append(pending, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range pending {
		handle, err := sub.subscribe()

		m.mu.Lock()
		if _, still := m.subs[sub.id]; !still {
			m.mu.Unlock()
			if handle != nil {
				handle.Unsubscribe()
			}
			continue
		}
		sub.connectionAttempts++
		if err != nil {
			m.mu.Unlock()
			log.Error().Err(err).Str("subscription_id", sub.id).Msg("resubscribe failed")
			continue
		}
		sub.handle = handle
		sub.isActive = true
		m.mu.Unlock()

		log.Info().Str("subscription_id", sub.id).Int("attempts", sub.connectionAttempts).Msg("resubscribed")
	}
}

// Unsubscribe removes one subscription and tears down its handle.
// Unknown ids are a logged no-op; calling twice is safe.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if !ok {
		log.Warn().Str("subscription_id", id).Msg("unsubscribe: unknown subscription")
		return
	}
	if sub.handle != nil {
		if err := sub.handle.Unsubscribe(); err != nil {
			log.Error().Err(err).Str("subscription_id", id).Msg("failed to unsubscribe handle")
		}
	}
	log.Debug().Str("subscription_id", id).Msg("subscription removed")
}

// UnsubscribeAll tears down every subscription. Used on disposal.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

// TrackPresence publishes a presence record through the backend. Services
// must route presence mutations through the manager.
func (m *Manager) TrackPresence(ctx context.Context, channelName, sessionID string, record json.RawMessage) error {
	return m.backend.TrackPresence(ctx, channelName, sessionID, record)
}

// UntrackPresence removes a presence record through the backend.
func (m *Manager) UntrackPresence(ctx context.Context, channelName, sessionID string) error {
	return m.backend.UntrackPresence(ctx, channelName, sessionID)
}

// PublishBroadcast publishes on a broadcast channel through the backend.
func (m *Manager) PublishBroadcast(ctx context.Context, channelName, event string, payload any) error {
	return m.backend.PublishBroadcast(ctx, channelName, event, payload)
}

// RPC invokes a server-computed aggregate through the backend.
func (m *Manager) RPC(ctx context.Context, name string, params, result any) error {
	return m.backend.RPC(ctx, name, params, result)
}

// IsActive reports whether a subscription currently has a live handle.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	return ok && sub.isActive
}

// Subscriptions returns snapshots of all registered subscriptions.
func (m *Manager) Subscriptions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, Snapshot{
			ID:                 sub.id,
			Kind:               sub.kind,
			Target:             sub.target,
			CreatedAt:          sub.createdAt,
			LastActivity:       sub.lastActivity,
			ConnectionAttempts: sub.connectionAttempts,
			IsActive:           sub.isActive,
		})
	}
	return out
}

// TransportErrors returns the global transport error count.
func (m *Manager) TransportErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transportErrors
}

// Close unsubscribes everything and detaches from the backend lifecycle.
// Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.UnsubscribeAll()
	if m.removeStateListener != nil {
		m.removeStateListener()
	}
	log.Info().Msg("channel manager closed")
}
