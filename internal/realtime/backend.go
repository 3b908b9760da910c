package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// ChangeType identifies the kind of a table change event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a tagged table-change payload. New is nil for deletes,
// Old is nil for inserts.
type ChangeEvent struct {
	Type      ChangeType      `json:"type"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// BroadcastEvent carries an arbitrary JSON payload published on a named
// broadcast channel.
type BroadcastEvent struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// PresenceEventType identifies presence channel events.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent carries presence channel traffic. Sync events carry the
// full authoritative session map; join/leave events carry only the
// affected sessions.
type PresenceEvent struct {
	Type    PresenceEventType
	Channel string
	// State maps session id to the tracked presence record.
	State map[string]json.RawMessage
}

// ConnState is the coarse transport connection state.
type ConnState string

const (
	StateOpen   ConnState = "open"
	StateClosed ConnState = "closed"
	StateError  ConnState = "error"
)

// TableTarget selects a table-change feed. Event empty means all change
// types. Filter uses "column=eq.value" syntax and is matched against the
// event's New (or Old, for deletes) payload.
type TableTarget struct {
	Table  string
	Event  ChangeType
	Filter string
}

// Handle is a live transport subscription owned by the caller.
type Handle interface {
	Unsubscribe() error
}

// PresenceCallbacks receives presence channel events.
type PresenceCallbacks struct {
	OnSync  func(PresenceEvent)
	OnJoin  func(PresenceEvent)
	OnLeave func(PresenceEvent)
}

// Backend is the realtime transport collaborator. Implementations must
// invoke callbacks sequentially per subscription and deliver events on a
// single logical channel in transport order. Cross-channel ordering is
// not guaranteed.
type Backend interface {
	// SubscribeTable subscribes to change events for a table.
	SubscribeTable(ctx context.Context, target TableTarget, fn func(ChangeEvent)) (Handle, error)

	// SubscribeBroadcast subscribes to a broadcast channel. Event empty
	// means all events on the channel.
	SubscribeBroadcast(ctx context.Context, channel, event string, fn func(BroadcastEvent)) (Handle, error)

	// PublishBroadcast publishes a payload on a broadcast channel.
	PublishBroadcast(ctx context.Context, channel, event string, payload any) error

	// SubscribePresence subscribes to presence events for a channel.
	SubscribePresence(ctx context.Context, channel string, cb PresenceCallbacks) (Handle, error)

	// TrackPresence publishes (or refreshes) a presence record for a
	// session on a channel.
	TrackPresence(ctx context.Context, channel, sessionID string, record json.RawMessage) error

	// UntrackPresence removes a session's presence record from a channel.
	UntrackPresence(ctx context.Context, channel, sessionID string) error

	// RPC invokes a server-computed aggregate by name and unmarshals the
	// reply into result.
	RPC(ctx context.Context, name string, params, result any) error

	// OnConnectionStateChange registers a listener for transport lifecycle
	// transitions. The returned func removes the listener.
	OnConnectionStateChange(fn func(ConnState)) (remove func())

	// Close tears down the transport and all live subscriptions.
	Close() error
}
