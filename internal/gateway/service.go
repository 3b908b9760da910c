package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quizdeck/realtime/internal/channel"
	"github.com/quizdeck/realtime/internal/optimizer"
	"github.com/quizdeck/realtime/internal/realtime"
	"github.com/quizdeck/realtime/internal/subscription"
)

// Service bridges realtime subscriptions to WebSocket fan-out. Each room
// gets one subscription group; every event arriving on it is wrapped in
// an Event envelope and broadcast to the room's connections.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	subscriptions     *subscription.Service
	manager           *channel.Manager
	opt               *optimizer.Optimizer

	mu    sync.Mutex
	rooms map[string]string // room id -> subscription group id
}

// Config holds configuration for the gateway service.
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the gateway.
func DefaultConfig() Config {
	return Config{ConnectionConfig: DefaultConnectionConfig()}
}

// NewService creates the gateway service. tracker may be nil; with one,
// room sockets open presence sessions and client messages feed activity
// into them. A room whose last socket detaches is released.
func NewService(config Config, subs *subscription.Service, manager *channel.Manager, opt *optimizer.Optimizer, provider StateProvider, tracker PresenceTracker) *Service {
	s := &Service{
		subscriptions: subs,
		manager:       manager,
		opt:           opt,
		rooms:         make(map[string]string),
	}
	s.connectionManager = NewConnectionManager(config.ConnectionConfig, tracker, s.ReleaseRoom)
	s.wsHandler = NewWebSocketHandler(s)
	s.stateHandler = NewStateHandler(provider)
	return s
}

// Start begins the gateway service and blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("gateway service stopped")
	return nil
}

// EnsureRoom sets up the room's realtime subscription group if it does
// not exist yet. Safe to call for every joining connection.
func (s *Service) EnsureRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	groupID, err := s.subscriptions.SubscribeToRoom(ctx, roomID, subscription.RoomCallbacks{
		OnGameState: func(ev realtime.ChangeEvent) {
			s.fanOutChange(roomID, EventGameState, ev)
		},
		OnTeamRoster: func(ev realtime.ChangeEvent) {
			s.fanOutChange(roomID, EventTeamRoster, ev)
		},
		OnQuestion: func(ev realtime.BroadcastEvent) {
			s.fanOutBroadcast(roomID, EventQuestion, ev)
		},
		OnTimer: func(ev realtime.BroadcastEvent) {
			s.fanOutBroadcast(roomID, EventTimer, ev)
		},
		OnLeaderboard: func(ev realtime.BroadcastEvent) {
			s.fanOutBroadcast(roomID, EventLeaderboard, ev)
		},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rooms[roomID] = groupID
	s.mu.Unlock()

	log.Info().Str("room_id", roomID).Str("group_id", groupID).Msg("room subscriptions established")
	return nil
}

// ReleaseRoom tears down the room's subscription group. Called when the
// last connection leaves or on shutdown.
func (s *Service) ReleaseRoom(roomID string) {
	s.mu.Lock()
	groupID, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	if ok {
		s.subscriptions.Unsubscribe(groupID)
	}
}

func (s *Service) fanOutChange(roomID string, kind EventType, ev realtime.ChangeEvent) {
	payload := ev.New
	if payload == nil {
		payload = ev.Old
	}
	event, err := NewEvent(roomID, kind, json.RawMessage(payload))
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build change event")
		return
	}
	s.connectionManager.BroadcastToRoom(roomID, event)
}

func (s *Service) fanOutBroadcast(roomID string, kind EventType, ev realtime.BroadcastEvent) {
	event, err := NewEvent(roomID, kind, ev.Payload)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build broadcast event")
		return
	}
	s.connectionManager.BroadcastToRoom(roomID, event)
}

// RegisterRoutes registers the WebSocket and REST routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	mux.HandleFunc("/api/stats", s.handleStats)
	log.Info().Msg("gateway routes registered")
}

// handleStats serves GET /api/stats with connection, subscription and
// pipeline statistics.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.GetStats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

// GetStats returns statistics about the gateway service.
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "realtime_gateway"
	stats["subscriptions"] = s.manager.Subscriptions()
	stats["groups"] = s.subscriptions.Groups()
	stats["pipeline"] = s.opt.Metrics().SnapshotNow()
	return stats
}

// BroadcastEvent allows manual event broadcasting (useful for testing).
func (s *Service) BroadcastEvent(roomID string, event *Event) {
	s.connectionManager.BroadcastToRoom(roomID, event)
}
