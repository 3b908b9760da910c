package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizdeck/realtime/internal/channel"
	"github.com/quizdeck/realtime/internal/realtime"
)

// ContextKind scopes a subscription group.
type ContextKind string

const (
	ContextRoom ContextKind = "room"
	ContextTeam ContextKind = "team"
	ContextHost ContextKind = "host"
)

const defaultQueueCap = 100

// group bundles the named channel subscriptions for one context. At most
// one group exists per (kind, context id); the group id is derived from
// both, so the duplicate check enforces the invariant.
type group struct {
	id           string
	kind         ContextKind
	contextID    string
	channelOrder []string
	channels     map[string]string // sub-channel name -> subscription id
	createdAt    time.Time
	lastActivity time.Time
	isActive     bool
}

// GroupSnapshot is a read-only view of a subscription group.
type GroupSnapshot struct {
	ID           string            `json:"id"`
	Kind         ContextKind       `json:"kind"`
	ContextID    string            `json:"context_id"`
	Channels     map[string]string `json:"channels"`
	IsActive     bool              `json:"is_active"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// RoomCallbacks selects the room sub-channels to create. Only channels
// with a callback are subscribed.
type RoomCallbacks struct {
	OnGameState   func(realtime.ChangeEvent)
	OnTeamRoster  func(realtime.ChangeEvent)
	OnQuestion    func(realtime.BroadcastEvent)
	OnTimer       func(realtime.BroadcastEvent)
	OnLeaderboard func(realtime.BroadcastEvent)
}

// TeamCallbacks selects the team sub-channels to create.
type TeamCallbacks struct {
	OnRoster func(realtime.ChangeEvent)
	OnChat   func(realtime.BroadcastEvent)
	OnAnswer func(realtime.BroadcastEvent)
}

// Service groups ChannelManager subscriptions into room, team and host
// contexts, and queues notifications for hosts that are not connected.
type Service struct {
	manager *channel.Manager
	clock   clockwork.Clock

	mu           sync.Mutex
	groups       map[string]*group
	queues       map[string]*notificationQueue    // host id -> queue
	hostHandlers map[string]func(Notification)    // host id -> live handler
	queueCap     int
}

// NewService creates a subscription service on top of a channel manager.
func NewService(manager *channel.Manager, clock clockwork.Clock) *Service {
	return &Service{
		manager:      manager,
		clock:        clock,
		groups:       make(map[string]*group),
		queues:       make(map[string]*notificationQueue),
		hostHandlers: make(map[string]func(Notification)),
		queueCap:     defaultQueueCap,
	}
}

// SubscribeToRoom creates the room subscription group. If the group
// already exists this is a warned no-op returning the existing id. Group
// creation is all-or-nothing: any sub-channel failure tears down the
// partial group and returns the error.
func (s *Service) SubscribeToRoom(ctx context.Context, roomID string, cb RoomCallbacks) (string, error) {
	groupID := fmt.Sprintf("room:%s", roomID)
	b, done := s.beginGroup(groupID, ContextRoom, roomID)
	if b == nil {
		return groupID, nil
	}
	defer done()

	if cb.OnGameState != nil {
		b.table("game-state", realtime.TableTarget{Table: "game_states", Filter: "room_id=eq." + roomID}, cb.OnGameState)
	}
	if cb.OnTeamRoster != nil {
		b.table("team-roster", realtime.TableTarget{Table: "teams", Filter: "room_id=eq." + roomID}, cb.OnTeamRoster)
	}
	if cb.OnQuestion != nil {
		b.broadcast("question-broadcast", "room:"+roomID, "question", cb.OnQuestion)
	}
	if cb.OnTimer != nil {
		b.broadcast("timer-broadcast", "room:"+roomID, "timer", cb.OnTimer)
	}
	if cb.OnLeaderboard != nil {
		b.broadcast("leaderboard-broadcast", "room:"+roomID, "leaderboard", cb.OnLeaderboard)
	}
	return b.commit(ctx)
}

// SubscribeToTeam creates the team subscription group. Same duplicate and
// all-or-nothing semantics as rooms.
func (s *Service) SubscribeToTeam(ctx context.Context, teamID string, cb TeamCallbacks) (string, error) {
	groupID := fmt.Sprintf("team:%s", teamID)
	b, done := s.beginGroup(groupID, ContextTeam, teamID)
	if b == nil {
		return groupID, nil
	}
	defer done()

	if cb.OnRoster != nil {
		b.table("roster", realtime.TableTarget{Table: "team_members", Filter: "team_id=eq." + teamID}, cb.OnRoster)
	}
	if cb.OnChat != nil {
		b.broadcast("chat-broadcast", "team:"+teamID, "chat", cb.OnChat)
	}
	if cb.OnAnswer != nil {
		b.broadcast("answer-broadcast", "team:"+teamID, "answer", cb.OnAnswer)
	}
	return b.commit(ctx)
}

// SubscribeToHostNotifications creates the host subscription group and
// immediately replays any notifications queued while the host was away,
// ordered by priority then timestamp, before live delivery begins.
func (s *Service) SubscribeToHostNotifications(ctx context.Context, hostID, roomID string, fn func(Notification)) (string, error) {
	groupID := fmt.Sprintf("host:%s", hostID)
	b, done := s.beginGroup(groupID, ContextHost, hostID)
	if b == nil {
		return groupID, nil
	}
	defer done()

	b.broadcast("notification", "host:"+hostID, "notification", func(ev realtime.BroadcastEvent) {
		var n Notification
		if err := json.Unmarshal(ev.Payload, &n); err != nil {
			log.Error().Err(err).Str("host_id", hostID).Msg("malformed host notification")
			return
		}
		fn(n)
	})

	id, err := b.commit(ctx)
	if err != nil {
		return "", err
	}

	// Drain before registering the live handler so queued notifications
	// are never observed after live ones they should precede.
	s.mu.Lock()
	var backlog []Notification
	if q, ok := s.queues[hostID]; ok {
		backlog = q.drain()
	}
	s.hostHandlers[hostID] = fn
	s.mu.Unlock()

	for _, n := range backlog {
		fn(n)
	}
	if len(backlog) > 0 {
		log.Info().Str("host_id", hostID).Int("replayed", len(backlog)).Msg("host notification backlog replayed")
	}
	return id, nil
}

// Notify delivers a notification to its host if the host's group is
// active, otherwise queues it with its priority tag.
func (s *Service) Notify(n Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	groupID := fmt.Sprintf("host:%s", n.HostID)
	g, exists := s.groups[groupID]
	handler := s.hostHandlers[n.HostID]
	active := exists && g.isActive && handler != nil
	if active {
		g.lastActivity = s.clock.Now()
		s.mu.Unlock()
		handler(n)
		return
	}

	q, ok := s.queues[n.HostID]
	if !ok {
		q = newNotificationQueue(s.queueCap)
		s.queues[n.HostID] = q
	}
	dropped := q.push(n)
	depth := q.len()
	s.mu.Unlock()

	if dropped {
		log.Warn().Str("host_id", n.HostID).Msg("host notification queue full, oldest dropped")
	}
	log.Debug().Str("host_id", n.HostID).Str("type", n.Type).Int("queue_depth", depth).Msg("host notification queued")
}

// QueuedFor returns the queue depth for a host.
func (s *Service) QueuedFor(hostID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[hostID]; ok {
		return q.len()
	}
	return 0
}

// Unsubscribe tears down every sub-channel in a group (best effort, per
// channel) and removes the group. Unknown ids are a warned no-op.
func (s *Service) Unsubscribe(groupID string) {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if ok {
		delete(s.groups, groupID)
		if g.kind == ContextHost {
			delete(s.hostHandlers, g.contextID)
		}
	}
	s.mu.Unlock()

	if !ok {
		log.Warn().Str("group_id", groupID).Msg("unsubscribe: unknown group")
		return
	}
	for _, name := range g.channelOrder {
		s.manager.Unsubscribe(g.channels[name])
	}
	log.Info().Str("group_id", groupID).Int("channels", len(g.channels)).Msg("subscription group removed")
}

// UnsubscribeAll removes every group. Used on disposal.
func (s *Service) UnsubscribeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Unsubscribe(id)
	}
}

// Groups returns snapshots of all live groups.
func (s *Service) Groups() []GroupSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GroupSnapshot, 0, len(s.groups))
	for _, g := range s.groups {
		channels := make(map[string]string, len(g.channels))
		for name, subID := range g.channels {
			channels[name] = subID
		}
		out = append(out, GroupSnapshot{
			ID:           g.id,
			Kind:         g.kind,
			ContextID:    g.contextID,
			Channels:     channels,
			IsActive:     g.isActive,
			CreatedAt:    g.createdAt,
			LastActivity: g.lastActivity,
		})
	}
	return out
}

// LeaderboardEntry is one row of the server-computed leaderboard.
type LeaderboardEntry struct {
	TeamID string `json:"team_id"`
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Rank   int    `json:"rank"`
}

// FetchLeaderboard fetches the server-computed leaderboard aggregate for
// a room.
func (s *Service) FetchLeaderboard(ctx context.Context, roomID string) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	params := map[string]string{"room_id": roomID}
	if err := s.manager.RPC(ctx, "leaderboard", params, &entries); err != nil {
		return nil, fmt.Errorf("fetch leaderboard: %w", err)
	}
	return entries, nil
}

// groupBuilder accumulates the sub-channel definitions for one group
// creation attempt so commit can be all-or-nothing.
type groupBuilder struct {
	service *Service
	group   *group

	specs []channelSpec
}

type channelSpec struct {
	name      string
	subscribe func(ctx context.Context, id string) (string, error)
}

// beginGroup reserves the group id with an inactive placeholder; commit
// publishes the channel bookkeeping under the service lock once every
// sub-channel exists. A nil builder means the group already exists
// (warned no-op). done releases the reservation if commit never ran or
// failed.
func (s *Service) beginGroup(groupID string, kind ContextKind, contextID string) (*groupBuilder, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[groupID]; exists {
		log.Warn().Str("group_id", groupID).Msg("subscription group already exists")
		return nil, nil
	}
	now := s.clock.Now()
	g := &group{
		id:           groupID,
		kind:         kind,
		contextID:    contextID,
		channels:     make(map[string]string),
		createdAt:    now,
		lastActivity: now,
	}
	s.groups[groupID] = g
	b := &groupBuilder{service: s, group: g}
	return b, func() {
		s.mu.Lock()
		if !b.group.isActive {
			delete(s.groups, groupID)
		}
		s.mu.Unlock()
	}
}

func (b *groupBuilder) table(name string, target realtime.TableTarget, fn func(realtime.ChangeEvent)) {
	b.specs = append(b.specs, channelSpec{name: name, subscribe: func(ctx context.Context, id string) (string, error) {
		return b.service.manager.SubscribeTable(ctx, target, id, fn)
	}})
}

func (b *groupBuilder) broadcast(name, channelName, event string, fn func(realtime.BroadcastEvent)) {
	b.specs = append(b.specs, channelSpec{name: name, subscribe: func(ctx context.Context, id string) (string, error) {
		return b.service.manager.SubscribeBroadcast(ctx, channelName, event, id, fn)
	}})
}

// commit creates every sub-channel, accumulating the bookkeeping locally
// so concurrent snapshot readers never observe a half-built group. On any
// failure the partially created channels are torn down and the error is
// returned.
func (b *groupBuilder) commit(ctx context.Context) (string, error) {
	var created []string
	order := make([]string, 0, len(b.specs))
	channels := make(map[string]string, len(b.specs))
	for _, spec := range b.specs {
		subID := fmt.Sprintf("%s:%s", b.group.id, spec.name)
		id, err := spec.subscribe(ctx, subID)
		if err != nil {
			for _, cid := range created {
				b.service.manager.Unsubscribe(cid)
			}
			return "", fmt.Errorf("create group %s channel %s: %w", b.group.id, spec.name, err)
		}
		created = append(created, id)
		order = append(order, spec.name)
		channels[spec.name] = id
	}

	b.service.mu.Lock()
	if _, still := b.service.groups[b.group.id]; !still {
		// Unsubscribed while the sub-channels were being created.
		b.service.mu.Unlock()
		for _, cid := range created {
			b.service.manager.Unsubscribe(cid)
		}
		return "", fmt.Errorf("group %s removed during creation", b.group.id)
	}
	b.group.channelOrder = order
	b.group.channels = channels
	b.group.isActive = true
	b.service.mu.Unlock()

	log.Info().Str("group_id", b.group.id).Int("channels", len(created)).Msg("subscription group created")
	return b.group.id, nil
}
