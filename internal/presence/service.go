package presence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizdeck/realtime/internal/channel"
	"github.com/quizdeck/realtime/internal/realtime"
)

// Status is a session's liveness/readiness state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
	StatusInGame  Status = "in_game"
	StatusReady   Status = "ready"
)

// Role identifies what kind of participant a session belongs to.
type Role string

const (
	RolePlayer    Role = "player"
	RoleHost      Role = "host"
	RoleSpectator Role = "spectator"
)

// DeviceInfo describes the client device behind a session.
type DeviceInfo struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// Record is one session's presence entry.
type Record struct {
	SessionID      string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	Role           Role       `json:"role"`
	Status         Status     `json:"status"`
	Activity       string     `json:"activity,omitempty"`
	RoomID         string     `json:"room_id,omitempty"`
	TeamID         string     `json:"team_id,omitempty"`
	LastSeen       time.Time  `json:"last_seen"`
	JoinedAt       time.Time  `json:"joined_at"`
	DeviceInfo     DeviceInfo `json:"device_info,omitempty"`
	NetworkQuality string     `json:"network_quality,omitempty"`
}

// EventType identifies presence events emitted to listeners.
type EventType string

const (
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventStatusChanged   EventType = "status_changed"
	EventActivityChanged EventType = "activity_changed"
)

// Event is a typed presence change delivered to registered listeners.
type Event struct {
	Type      EventType `json:"type"`
	Context   string    `json:"context"`
	SessionID string    `json:"session_id"`
	Record    *Record   `json:"record,omitempty"`
}

// JoinRequest carries the caller-supplied fields of a new session.
type JoinRequest struct {
	UserID    string
	Role      Role
	Status    Status
	Activity  string
	TeamID    string
	UserAgent string
	Platform  string
}

// Update mutates the allowed presence fields. Nil fields are untouched.
type Update struct {
	Status   *Status
	Activity *string
	RoomID   *string
	TeamID   *string
}

// Config holds presence timing knobs.
type Config struct {
	HeartbeatInterval time.Duration
	IdleCheckInterval time.Duration
	AwayAfter         time.Duration
	OfflineAfter      time.Duration
}

// DefaultConfig returns the default presence timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		IdleCheckInterval: 30 * time.Second,
		AwayAfter:         5 * time.Minute,
		OfflineAfter:      30 * time.Minute,
	}
}

// session is a locally owned presence session with its timers.
type session struct {
	record       Record
	contextKey   string // "<type>:<id>", also the presence channel suffix
	lastActivity time.Time
	stop         chan struct{}
	stopped      bool
}

// Service tracks per-session presence for rooms and teams: heartbeats,
// idle inference, authoritative sync snapshots and aggregate metrics.
type Service struct {
	manager *channel.Manager
	clock   clockwork.Clock
	config  Config

	mu        sync.Mutex
	sessions  map[string]*session
	remote    map[string]map[string]Record // context key -> session id -> record
	subs      map[string]string            // context key -> subscription id
	listeners []func(Event)
	closed    bool

	stats stats
}

type stats struct {
	totalJoined    int
	peakConcurrent int
	leaveCount     int
	totalDuration  time.Duration
}

// NewService creates a presence service on top of a channel manager.
func NewService(manager *channel.Manager, clock clockwork.Clock, config Config) *Service {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.IdleCheckInterval <= 0 {
		config.IdleCheckInterval = config.HeartbeatInterval
	}
	return &Service{
		manager:  manager,
		clock:    clock,
		config:   config,
		sessions: make(map[string]*session),
		remote:   make(map[string]map[string]Record),
		subs:     make(map[string]string),
	}
}

// AddListener registers a presence event listener.
func (s *Service) AddListener(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Join creates a presence session in a context (room or team), tracks it
// on the presence channel and starts its heartbeat and idle timers.
func (s *Service) Join(ctx context.Context, contextType, contextID string, req JoinRequest) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("presence service closed")
	}
	s.mu.Unlock()

	contextKey := fmt.Sprintf("%s:%s", contextType, contextID)
	if err := s.ensureSubscription(ctx, contextKey); err != nil {
		return "", err
	}

	sessionID := uuid.New().String()
	now := s.clock.Now()
	status := req.Status
	if status == "" {
		status = StatusOnline
	}
	rec := Record{
		SessionID: sessionID,
		UserID:    req.UserID,
		Role:      req.Role,
		Status:    status,
		Activity:  req.Activity,
		TeamID:    req.TeamID,
		LastSeen:  now,
		JoinedAt:  now,
		DeviceInfo: DeviceInfo{
			Fingerprint: deviceFingerprint(req.UserID, req.UserAgent, req.Platform, sessionID),
			UserAgent:   req.UserAgent,
			Platform:    req.Platform,
		},
	}
	if contextType == "room" {
		rec.RoomID = contextID
	}

	if err := s.track(ctx, contextKey, rec); err != nil {
		return "", fmt.Errorf("track presence: %w", err)
	}

	sess := &session{
		record:       rec,
		contextKey:   contextKey,
		lastActivity: now,
		stop:         make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.stats.totalJoined++
	if n := len(s.sessions); n > s.stats.peakConcurrent {
		s.stats.peakConcurrent = n
	}
	s.mu.Unlock()

	go s.run(sess)

	log.Info().
		Str("session_id", sessionID).
		Str("user_id", req.UserID).
		Str("context", contextKey).
		Msg("presence session joined")
	return sessionID, nil
}

// run drives one session's heartbeat and idle inference until leave.
func (s *Service) run(sess *session) {
	heartbeat := s.clock.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := s.clock.NewTicker(s.config.IdleCheckInterval)
	defer idle.Stop()

	for {
		select {
		case <-sess.stop:
			return
		case <-heartbeat.Chan():
			s.heartbeat(sess)
		case <-idle.Chan():
			s.inferIdle(sess)
		}
	}
}

// heartbeat re-tracks the record with a refreshed last_seen.
func (s *Service) heartbeat(sess *session) {
	s.mu.Lock()
	live, ok := s.sessions[sess.record.SessionID]
	if !ok || live != sess {
		s.mu.Unlock()
		return
	}
	sess.record.LastSeen = s.clock.Now()
	rec := sess.record
	s.mu.Unlock()

	if err := s.track(context.Background(), sess.contextKey, rec); err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("heartbeat re-track failed")
	}
}

// inferIdle transitions the session to away or offline after sustained
// inactivity.
func (s *Service) inferIdle(sess *session) {
	s.mu.Lock()
	live, ok := s.sessions[sess.record.SessionID]
	if !ok || live != sess {
		s.mu.Unlock()
		return
	}
	idleFor := s.clock.Since(sess.lastActivity)
	var next Status
	switch {
	case idleFor >= s.config.OfflineAfter && sess.record.Status != StatusOffline:
		next = StatusOffline
	case idleFor >= s.config.AwayAfter && sess.record.Status == StatusOnline:
		next = StatusAway
	default:
		s.mu.Unlock()
		return
	}
	sess.record.Status = next
	rec := sess.record
	listeners := s.listenersLocked()
	s.mu.Unlock()

	log.Debug().
		Str("session_id", rec.SessionID).
		Dur("idle_for", idleFor).
		Str("status", string(next)).
		Msg("presence idle transition")

	if err := s.track(context.Background(), sess.contextKey, rec); err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("idle re-track failed")
	}
	emit(listeners, Event{Type: EventStatusChanged, Context: sess.contextKey, SessionID: rec.SessionID, Record: &rec})
}

// RecordActivity marks a user-interaction signal for a session. Away and
// offline sessions transition back to online. Unknown sessions are a
// warned no-op.
func (s *Service) RecordActivity(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		log.Warn().Str("session_id", sessionID).Msg("activity for unknown session")
		return
	}
	sess.lastActivity = s.clock.Now()
	wasIdle := sess.record.Status == StatusAway || sess.record.Status == StatusOffline
	if wasIdle {
		sess.record.Status = StatusOnline
	}
	sess.record.LastSeen = s.clock.Now()
	rec := sess.record
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if !wasIdle {
		return
	}
	if err := s.track(ctx, sess.contextKey, rec); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("activity re-track failed")
	}
	emit(listeners, Event{Type: EventStatusChanged, Context: sess.contextKey, SessionID: sessionID, Record: &rec})
}

// UpdatePresence mutates the allowed fields of a session and re-tracks
// it. Unknown sessions are a warned no-op.
func (s *Service) UpdatePresence(ctx context.Context, sessionID string, update Update) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		log.Warn().Str("session_id", sessionID).Msg("update for unknown session")
		return
	}
	statusChanged := update.Status != nil && *update.Status != sess.record.Status
	activityChanged := update.Activity != nil && *update.Activity != sess.record.Activity
	if update.Status != nil {
		sess.record.Status = *update.Status
	}
	if update.Activity != nil {
		sess.record.Activity = *update.Activity
	}
	if update.RoomID != nil {
		sess.record.RoomID = *update.RoomID
	}
	if update.TeamID != nil {
		sess.record.TeamID = *update.TeamID
	}
	sess.record.LastSeen = s.clock.Now()
	rec := sess.record
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if err := s.track(ctx, sess.contextKey, rec); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("update re-track failed")
	}
	if statusChanged {
		emit(listeners, Event{Type: EventStatusChanged, Context: sess.contextKey, SessionID: sessionID, Record: &rec})
	}
	if activityChanged {
		emit(listeners, Event{Type: EventActivityChanged, Context: sess.contextKey, SessionID: sessionID, Record: &rec})
	}
}

// Leave stops the session's timers, untracks it and removes the local
// record. Idempotent.
func (s *Service) Leave(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		if !sess.stopped {
			sess.stopped = true
			close(sess.stop)
		}
		s.stats.leaveCount++
		s.stats.totalDuration += s.clock.Since(sess.record.JoinedAt)
	}
	s.mu.Unlock()

	if !ok {
		log.Warn().Str("session_id", sessionID).Msg("leave for unknown session")
		return
	}
	if err := s.manager.UntrackPresence(ctx, presenceChannel(sess.contextKey), sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("untrack failed")
	}
	log.Info().Str("session_id", sessionID).Str("context", sess.contextKey).Msg("presence session left")
}

// Sessions returns the authoritative presence map for a context, as last
// replaced by a sync snapshot.
func (s *Service) Sessions(contextType, contextID string) map[string]Record {
	key := fmt.Sprintf("%s:%s", contextType, contextID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.remote[key]))
	for id, rec := range s.remote[key] {
		out[id] = rec
	}
	return out
}

// Status returns a session's current status from the local record.
func (s *Service) Status(sessionID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.record.Status, true
	}
	return "", false
}

// ensureSubscription subscribes the presence channel for a context once;
// later joins in the same context share it.
func (s *Service) ensureSubscription(ctx context.Context, contextKey string) error {
	s.mu.Lock()
	if _, ok := s.subs[contextKey]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	id, err := s.manager.SubscribePresence(ctx, presenceChannel(contextKey), "", realtime.PresenceCallbacks{
		OnSync:  func(ev realtime.PresenceEvent) { s.handleSync(contextKey, ev) },
		OnJoin:  func(ev realtime.PresenceEvent) { s.handleJoinLeave(contextKey, ev, EventUserJoined) },
		OnLeave: func(ev realtime.PresenceEvent) { s.handleJoinLeave(contextKey, ev, EventUserLeft) },
	})
	if errors.Is(err, channel.ErrDuplicateSubscription) {
		// A concurrent join in the same context subscribed first; its
		// channel serves every session here.
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscribe presence %s: %w", contextKey, err)
	}

	s.mu.Lock()
	s.subs[contextKey] = id
	s.mu.Unlock()
	return nil
}

// handleSync replaces the entire presence map for a context. The sync
// snapshot is authoritative.
func (s *Service) handleSync(contextKey string, ev realtime.PresenceEvent) {
	state := make(map[string]Record, len(ev.State))
	for sessionID, raw := range ev.State {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("malformed presence record in sync")
			continue
		}
		state[sessionID] = rec
	}
	s.mu.Lock()
	s.remote[contextKey] = state
	s.mu.Unlock()
}

// handleJoinLeave applies an incremental presence change and emits the
// typed event.
func (s *Service) handleJoinLeave(contextKey string, ev realtime.PresenceEvent, kind EventType) {
	s.mu.Lock()
	chState, ok := s.remote[contextKey]
	if !ok {
		chState = make(map[string]Record)
		s.remote[contextKey] = chState
	}
	var events []Event
	for sessionID, raw := range ev.State {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("malformed presence record")
			continue
		}
		if kind == EventUserJoined {
			chState[sessionID] = rec
		} else {
			delete(chState, sessionID)
		}
		events = append(events, Event{Type: kind, Context: contextKey, SessionID: sessionID, Record: &rec})
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	for _, e := range events {
		emit(listeners, e)
	}
}

func (s *Service) track(ctx context.Context, contextKey string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	return s.manager.TrackPresence(ctx, presenceChannel(contextKey), rec.SessionID, raw)
}

// Close leaves every session and drops all context subscriptions.
// Idempotent.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	subs := make([]string, 0, len(s.subs))
	for _, subID := range s.subs {
		subs = append(subs, subID)
	}
	s.subs = make(map[string]string)
	s.mu.Unlock()

	for _, id := range ids {
		s.Leave(ctx, id)
	}
	for _, subID := range subs {
		s.manager.Unsubscribe(subID)
	}
	log.Info().Msg("presence service closed")
}

func (s *Service) listenersLocked() []func(Event) {
	out := make([]func(Event), len(s.listeners))
	copy(out, s.listeners)
	return out
}

func emit(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}

func presenceChannel(contextKey string) string {
	return "presence:" + contextKey
}

// deviceFingerprint derives a stable opaque id for the device behind a
// session.
func deviceFingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
