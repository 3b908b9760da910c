package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryBackend is an in-process Backend for tests and single-node
// development. Publishes are delivered synchronously to matching
// subscribers in registration order.
type MemoryBackend struct {
	mu sync.Mutex

	connected bool
	closed    bool
	nextSub   int
	nextState int

	tableSubs     map[int]*memTableSub
	broadcastSubs map[int]*memBroadcastSub
	presenceSubs  map[int]*memPresenceSub

	// presence state per channel: session id -> record
	presence map[string]map[string]json.RawMessage

	rpcHandlers    map[string]func(params json.RawMessage) (any, error)
	stateListeners map[int]func(ConnState)
}

type memTableSub struct {
	target TableTarget
	fn     func(ChangeEvent)
}

type memBroadcastSub struct {
	channel string
	event   string
	fn      func(BroadcastEvent)
}

type memPresenceSub struct {
	channel string
	cb      PresenceCallbacks
}

// NewMemoryBackend returns a connected in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		connected:      true,
		tableSubs:      make(map[int]*memTableSub),
		broadcastSubs:  make(map[int]*memBroadcastSub),
		presenceSubs:   make(map[int]*memPresenceSub),
		presence:       make(map[string]map[string]json.RawMessage),
		rpcHandlers:    make(map[string]func(params json.RawMessage) (any, error)),
		stateListeners: make(map[int]func(ConnState)),
	}
}

type memHandle struct {
	remove func()
}

func (h *memHandle) Unsubscribe() error {
	h.remove()
	return nil
}

func (b *MemoryBackend) SubscribeTable(ctx context.Context, target TableTarget, fn func(ChangeEvent)) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUsable(); err != nil {
		return nil, err
	}
	id := b.nextSub
	b.nextSub++
	b.tableSubs[id] = &memTableSub{target: target, fn: fn}
	return &memHandle{remove: func() {
		b.mu.Lock()
		delete(b.tableSubs, id)
		b.mu.Unlock()
	}}, nil
}

func (b *MemoryBackend) SubscribeBroadcast(ctx context.Context, channel, event string, fn func(BroadcastEvent)) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUsable(); err != nil {
		return nil, err
	}
	id := b.nextSub
	b.nextSub++
	b.broadcastSubs[id] = &memBroadcastSub{channel: channel, event: event, fn: fn}
	return &memHandle{remove: func() {
		b.mu.Lock()
		delete(b.broadcastSubs, id)
		b.mu.Unlock()
	}}, nil
}

func (b *MemoryBackend) PublishBroadcast(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}

	b.mu.Lock()
	if err := b.checkUsable(); err != nil {
		b.mu.Unlock()
		return err
	}
	ev := BroadcastEvent{Channel: channel, Event: event, Payload: data, Timestamp: time.Now()}
	var targets []func(BroadcastEvent)
	for _, sub := range b.broadcastSubs {
		if sub.channel == channel && (sub.event == "" || sub.event == event) {
			targets = append(targets, sub.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
	return nil
}

// PublishChange delivers a table change event to matching subscribers.
// Test and dev hook; a real deployment feeds changes from the database.
func (b *MemoryBackend) PublishChange(ev ChangeEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if !b.connected || b.closed {
		b.mu.Unlock()
		return
	}
	var targets []func(ChangeEvent)
	for _, sub := range b.tableSubs {
		if sub.target.Table != ev.Table {
			continue
		}
		if sub.target.Event != "" && sub.target.Event != ev.Type {
			continue
		}
		if !matchesFilter(sub.target.Filter, ev) {
			continue
		}
		targets = append(targets, sub.fn)
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
}

func (b *MemoryBackend) SubscribePresence(ctx context.Context, channel string, cb PresenceCallbacks) (Handle, error) {
	b.mu.Lock()
	if err := b.checkUsable(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	id := b.nextSub
	b.nextSub++
	b.presenceSubs[id] = &memPresenceSub{channel: channel, cb: cb}
	snapshot := b.presenceSnapshotLocked(channel)
	b.mu.Unlock()

	// New subscribers receive the current state immediately.
	if cb.OnSync != nil {
		cb.OnSync(PresenceEvent{Type: PresenceSync, Channel: channel, State: snapshot})
	}

	return &memHandle{remove: func() {
		b.mu.Lock()
		delete(b.presenceSubs, id)
		b.mu.Unlock()
	}}, nil
}

func (b *MemoryBackend) TrackPresence(ctx context.Context, channel, sessionID string, record json.RawMessage) error {
	b.mu.Lock()
	if err := b.checkUsable(); err != nil {
		b.mu.Unlock()
		return err
	}
	chState, ok := b.presence[channel]
	if !ok {
		chState = make(map[string]json.RawMessage)
		b.presence[channel] = chState
	}
	_, existed := chState[sessionID]
	chState[sessionID] = record
	subs := b.presenceSubsFor(channel)
	snapshot := b.presenceSnapshotLocked(channel)
	b.mu.Unlock()

	joined := map[string]json.RawMessage{sessionID: record}
	for _, cb := range subs {
		if !existed && cb.OnJoin != nil {
			cb.OnJoin(PresenceEvent{Type: PresenceJoin, Channel: channel, State: joined})
		}
		if cb.OnSync != nil {
			cb.OnSync(PresenceEvent{Type: PresenceSync, Channel: channel, State: snapshot})
		}
	}
	return nil
}

func (b *MemoryBackend) UntrackPresence(ctx context.Context, channel, sessionID string) error {
	b.mu.Lock()
	if err := b.checkUsable(); err != nil {
		b.mu.Unlock()
		return err
	}
	chState := b.presence[channel]
	record, existed := chState[sessionID]
	delete(chState, sessionID)
	subs := b.presenceSubsFor(channel)
	snapshot := b.presenceSnapshotLocked(channel)
	b.mu.Unlock()

	if !existed {
		return nil
	}
	left := map[string]json.RawMessage{sessionID: record}
	for _, cb := range subs {
		if cb.OnLeave != nil {
			cb.OnLeave(PresenceEvent{Type: PresenceLeave, Channel: channel, State: left})
		}
		if cb.OnSync != nil {
			cb.OnSync(PresenceEvent{Type: PresenceSync, Channel: channel, State: snapshot})
		}
	}
	return nil
}

// RegisterRPC installs a handler for a named server-computed aggregate.
func (b *MemoryBackend) RegisterRPC(name string, fn func(params json.RawMessage) (any, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rpcHandlers[name] = fn
}

func (b *MemoryBackend) RPC(ctx context.Context, name string, params, result any) error {
	b.mu.Lock()
	fn, ok := b.rpcHandlers[name]
	usable := b.connected && !b.closed
	b.mu.Unlock()

	if !usable {
		return fmt.Errorf("rpc %s: backend not connected", name)
	}
	if !ok {
		return fmt.Errorf("rpc %s: no handler registered", name)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpc %s: marshal params: %w", name, err)
	}
	out, err := fn(raw)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", name, err)
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("rpc %s: marshal result: %w", name, err)
	}
	return json.Unmarshal(data, result)
}

func (b *MemoryBackend) OnConnectionStateChange(fn func(ConnState)) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextState
	b.nextState++
	b.stateListeners[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.stateListeners, id)
		b.mu.Unlock()
	}
}

// SetConnected simulates a transport connect or disconnect, notifying
// lifecycle listeners. Test and dev hook.
func (b *MemoryBackend) SetConnected(connected bool) {
	b.mu.Lock()
	if b.closed || b.connected == connected {
		b.mu.Unlock()
		return
	}
	b.connected = connected
	listeners := b.stateListenersLocked()
	b.mu.Unlock()

	state := StateClosed
	if connected {
		state = StateOpen
	}
	for _, fn := range listeners {
		fn(state)
	}
}

// EmitError notifies lifecycle listeners of a transport error without
// changing the connection state. Test hook.
func (b *MemoryBackend) EmitError() {
	b.mu.Lock()
	listeners := b.stateListenersLocked()
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(StateError)
	}
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	b.tableSubs = make(map[int]*memTableSub)
	b.broadcastSubs = make(map[int]*memBroadcastSub)
	b.presenceSubs = make(map[int]*memPresenceSub)
	listeners := b.stateListenersLocked()
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(StateClosed)
	}
	log.Debug().Msg("memory backend closed")
	return nil
}

func (b *MemoryBackend) checkUsable() error {
	if b.closed {
		return fmt.Errorf("backend closed")
	}
	if !b.connected {
		return fmt.Errorf("backend not connected")
	}
	return nil
}

func (b *MemoryBackend) presenceSubsFor(channel string) []PresenceCallbacks {
	var out []PresenceCallbacks
	for _, sub := range b.presenceSubs {
		if sub.channel == channel {
			out = append(out, sub.cb)
		}
	}
	return out
}

func (b *MemoryBackend) presenceSnapshotLocked(channel string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(b.presence[channel]))
	for id, rec := range b.presence[channel] {
		out[id] = rec
	}
	return out
}

func (b *MemoryBackend) stateListenersLocked() []func(ConnState) {
	out := make([]func(ConnState), 0, len(b.stateListeners))
	for _, fn := range b.stateListeners {
		out = append(out, fn)
	}
	return out
}
