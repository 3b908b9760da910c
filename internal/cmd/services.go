package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizdeck/realtime/internal/channel"
	"github.com/quizdeck/realtime/internal/gateway"
	"github.com/quizdeck/realtime/internal/optimizer"
	"github.com/quizdeck/realtime/internal/presence"
	"github.com/quizdeck/realtime/internal/realtime"
	"github.com/quizdeck/realtime/internal/statesync"
	"github.com/quizdeck/realtime/internal/store"
	"github.com/quizdeck/realtime/internal/subscription"
)

type Services struct {
	Backend       realtime.Backend
	Store         store.Store
	Optimizer     *optimizer.Optimizer
	Manager       *channel.Manager
	Subscriptions *subscription.Service
	Presence      *presence.Service
	Gateway       *gateway.Service
	Synchronizers *syncRegistry
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	clock := clockwork.NewRealClock()

	// Transport
	backend, err := setupBackend(config)
	if err != nil {
		return nil, err
	}

	// State store
	st, err := setupStore(ctx, config)
	if err != nil {
		backend.Close()
		return nil, err
	}

	// Pipeline and channel layers
	optConfig := optimizer.DefaultConfig()
	if config.Optimizer.CacheCapacity > 0 {
		optConfig.CacheCapacity = config.Optimizer.CacheCapacity
	}
	if config.Optimizer.CacheTTL > 0 {
		optConfig.DefaultCacheTTL = config.Optimizer.CacheTTL
	}
	if config.Optimizer.FlushInterval > 0 {
		optConfig.DeltaFlushInterval = config.Optimizer.FlushInterval
	}
	opt := optimizer.New(clock, optConfig)

	manager := channel.NewManager(backend, clock, opt.Metrics())
	subscriptions := subscription.NewService(manager, clock)
	presenceService := presence.NewService(manager, clock, presence.DefaultConfig())

	syncConfig := statesync.DefaultConfig()
	syncConfig.Strategy = statesync.Strategy(config.Sync.Strategy)
	registry := newSyncRegistry(config.Sync.ClientID, st, opt, clock, syncConfig)

	gatewayService := gateway.NewService(
		gateway.DefaultConfig(),
		subscriptions,
		manager,
		opt,
		&stateProvider{store: st},
		presenceService,
	)

	return &Services{
		Backend:       backend,
		Store:         st,
		Optimizer:     opt,
		Manager:       manager,
		Subscriptions: subscriptions,
		Presence:      presenceService,
		Gateway:       gatewayService,
		Synchronizers: registry,
	}, nil
}

func setupBackend(config *Config) (realtime.Backend, error) {
	switch config.Backend.Kind {
	case "memory":
		log.Warn().Msg("using in-memory backend, events will not leave this process")
		return realtime.NewMemoryBackend(), nil
	case "nats":
		backend, err := realtime.NewNATSBackend(config.natsConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to connect NATS backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", config.Backend.Kind)
	}
}

func setupStore(ctx context.Context, config *Config) (store.Store, error) {
	if config.Backend.Kind == "memory" {
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewPostgresStore(ctx, store.NewConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to connect state store: %w", err)
	}
	return st, nil
}

// Close tears the services down in reverse dependency order.
func (s *Services) Close(ctx context.Context) {
	s.Presence.Close(ctx)
	s.Subscriptions.UnsubscribeAll()
	s.Manager.Close()
	s.Optimizer.Close()
	if err := s.Backend.Close(); err != nil {
		log.Error().Err(err).Msg("backend close failed")
	}
	if closer, ok := s.Store.(interface{ Close() }); ok {
		closer.Close()
	}
	log.Info().Msg("services stopped")
}

// syncRegistry hands out one synchronizer per room, created lazily.
type syncRegistry struct {
	clientID string
	store    store.Store
	opt      *optimizer.Optimizer
	clock    clockwork.Clock
	config   statesync.Config

	mu     sync.Mutex
	byRoom map[string]*statesync.Synchronizer
}

func newSyncRegistry(clientID string, st store.Store, opt *optimizer.Optimizer, clock clockwork.Clock, config statesync.Config) *syncRegistry {
	return &syncRegistry{
		clientID: clientID,
		store:    st,
		opt:      opt,
		clock:    clock,
		config:   config,
		byRoom:   make(map[string]*statesync.Synchronizer),
	}
}

// For returns the synchronizer for a room, creating it on first use.
func (r *syncRegistry) For(roomID string) *statesync.Synchronizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byRoom[roomID]; ok {
		return s
	}
	s := statesync.New(roomID, r.clientID, r.store, r.opt, r.clock, r.config)
	r.byRoom[roomID] = s
	return s
}

// stateProvider serves room state reads for the gateway REST surface.
type stateProvider struct {
	store store.Store
}

func (p *stateProvider) GetRoomState(ctx context.Context, roomID string) (*gateway.RoomStateResponse, error) {
	snap, err := p.store.Read(ctx, roomID)
	if err != nil {
		return nil, err
	}
	st := snap.State
	return &gateway.RoomStateResponse{
		RoomID:            roomID,
		Phase:             string(st.Phase),
		CurrentRound:      st.CurrentRound,
		CompletedRounds:   st.CompletedRounds,
		AnsweredQuestions: st.AnsweredQuestions,
		CurrentQuestionID: st.CurrentQuestionID,
		IsActive:          st.IsActive,
		IsPaused:          st.IsPaused,
		PlayerCount:       len(st.Players),
		TeamCount:         len(st.Teams),
		Version:           snap.Version,
		UpdatedAt:         snap.Timestamp,
	}, nil
}
