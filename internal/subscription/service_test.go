package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizdeck/realtime/internal/channel"
	"github.com/quizdeck/realtime/internal/realtime"
)

func newTestService(t *testing.T) (*Service, *channel.Manager, *realtime.MemoryBackend, *clockwork.FakeClock) {
	t.Helper()
	backend := realtime.NewMemoryBackend()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	manager := channel.NewManager(backend, clock, nil)
	t.Cleanup(manager.Close)
	return NewService(manager, clock), manager, backend, clock
}

func TestSubscribeToRoomWiresChannels(t *testing.T) {
	svc, _, backend, _ := newTestService(t)

	var states []realtime.ChangeEvent
	var questions []realtime.BroadcastEvent
	groupID, err := svc.SubscribeToRoom(context.Background(), "room-1", RoomCallbacks{
		OnGameState: func(ev realtime.ChangeEvent) { states = append(states, ev) },
		OnQuestion:  func(ev realtime.BroadcastEvent) { questions = append(questions, ev) },
	})
	require.NoError(t, err)
	assert.Equal(t, "room:room-1", groupID)

	backend.PublishChange(realtime.ChangeEvent{
		Type:  realtime.ChangeUpdate,
		Table: "game_states",
		New:   json.RawMessage(`{"room_id":"room-1","phase":"question"}`),
	})
	backend.PublishChange(realtime.ChangeEvent{
		Type:  realtime.ChangeUpdate,
		Table: "game_states",
		New:   json.RawMessage(`{"room_id":"other"}`),
	})
	require.NoError(t, backend.PublishBroadcast(context.Background(), "room:room-1", "question", map[string]string{"id": "q1"}))

	assert.Len(t, states, 1, "only this room's state changes arrive")
	assert.Len(t, questions, 1)

	groups := svc.Groups()
	require.Len(t, groups, 1)
	assert.True(t, groups[0].IsActive)
	assert.Len(t, groups[0].Channels, 2, "only callbacks that were set create channels")
}

func TestSubscribeToRoomDuplicateIsNoOp(t *testing.T) {
	svc, manager, _, _ := newTestService(t)

	first, err := svc.SubscribeToRoom(context.Background(), "room-1", RoomCallbacks{
		OnGameState: func(realtime.ChangeEvent) {},
	})
	require.NoError(t, err)
	before := len(manager.Subscriptions())

	second, err := svc.SubscribeToRoom(context.Background(), "room-1", RoomCallbacks{
		OnGameState: func(realtime.ChangeEvent) {},
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, manager.Subscriptions(), before, "no extra channels were created")
}

func TestSubscribeToRoomAllOrNothing(t *testing.T) {
	svc, manager, _, _ := newTestService(t)

	// Occupy one of the ids the group will want, forcing a mid-commit
	// failure.
	_, err := manager.SubscribeBroadcast(context.Background(), "elsewhere", "x", "room:room-1:timer-broadcast", func(realtime.BroadcastEvent) {})
	require.NoError(t, err)

	_, err = svc.SubscribeToRoom(context.Background(), "room-1", RoomCallbacks{
		OnGameState: func(realtime.ChangeEvent) {},
		OnTimer:     func(realtime.BroadcastEvent) {},
	})
	require.Error(t, err)

	assert.Empty(t, svc.Groups(), "failed group leaves no trace")
	assert.Len(t, manager.Subscriptions(), 1, "partially created channels were torn down")

	// The reservation was released, so a later attempt succeeds.
	manager.Unsubscribe("room:room-1:timer-broadcast")
	_, err = svc.SubscribeToRoom(context.Background(), "room-1", RoomCallbacks{
		OnGameState: func(realtime.ChangeEvent) {},
		OnTimer:     func(realtime.BroadcastEvent) {},
	})
	require.NoError(t, err)
}

func TestGroupSnapshotsDuringConcurrentCreation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	var torn int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, g := range svc.Groups() {
				// An active group is only ever published whole.
				if g.IsActive && len(g.Channels) != 2 {
					atomic.AddInt64(&torn, 1)
				}
			}
		}
	}()

	const rooms = 50
	for i := 0; i < rooms; i++ {
		_, err := svc.SubscribeToRoom(context.Background(), fmt.Sprintf("room-%d", i), RoomCallbacks{
			OnGameState: func(realtime.ChangeEvent) {},
			OnQuestion:  func(realtime.BroadcastEvent) {},
		})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, atomic.LoadInt64(&torn), "snapshot observed a half-built group")
	groups := svc.Groups()
	require.Len(t, groups, rooms)
	for _, g := range groups {
		assert.True(t, g.IsActive)
		assert.Len(t, g.Channels, 2)
	}
}

func TestSubscribeToTeamWiresChannels(t *testing.T) {
	svc, _, backend, _ := newTestService(t)

	var chats []realtime.BroadcastEvent
	_, err := svc.SubscribeToTeam(context.Background(), "team-1", TeamCallbacks{
		OnChat: func(ev realtime.BroadcastEvent) { chats = append(chats, ev) },
	})
	require.NoError(t, err)

	require.NoError(t, backend.PublishBroadcast(context.Background(), "team:team-1", "chat", map[string]string{"text": "hi"}))
	assert.Len(t, chats, 1)
}

func TestHostNotificationsQueueAndReplayInPriorityOrder(t *testing.T) {
	svc, _, _, clock := newTestService(t)

	// Host is offline: everything queues.
	svc.Notify(Notification{HostID: "host-1", RoomID: "room-1", Type: "player_left", Priority: PriorityLow})
	clock.Advance(time.Second)
	svc.Notify(Notification{HostID: "host-1", RoomID: "room-1", Type: "round_stalled", Priority: PriorityUrgent})
	clock.Advance(time.Second)
	svc.Notify(Notification{HostID: "host-1", RoomID: "room-1", Type: "answer_submitted", Priority: PriorityMedium})
	require.Equal(t, 3, svc.QueuedFor("host-1"))

	var order []string
	_, err := svc.SubscribeToHostNotifications(context.Background(), "host-1", "room-1", func(n Notification) {
		order = append(order, n.Type)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"round_stalled", "answer_submitted", "player_left"}, order,
		"backlog replays by priority, then timestamp")
	assert.Equal(t, 0, svc.QueuedFor("host-1"))
}

func TestHostNotificationsLiveDelivery(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	var got []Notification
	_, err := svc.SubscribeToHostNotifications(context.Background(), "host-1", "room-1", func(n Notification) {
		got = append(got, n)
	})
	require.NoError(t, err)

	svc.Notify(Notification{HostID: "host-1", RoomID: "room-1", Type: "player_joined", Priority: PriorityLow})
	require.Len(t, got, 1)
	assert.Equal(t, "player_joined", got[0].Type)
	assert.NotEmpty(t, got[0].ID, "ids are assigned when missing")
	assert.Equal(t, 0, svc.QueuedFor("host-1"), "live delivery bypasses the queue")
}

func TestHostNotificationsViaBroadcastChannel(t *testing.T) {
	svc, _, backend, _ := newTestService(t)

	var got []Notification
	_, err := svc.SubscribeToHostNotifications(context.Background(), "host-1", "room-1", func(n Notification) {
		got = append(got, n)
	})
	require.NoError(t, err)

	n := Notification{ID: "n1", Type: "round_stalled", HostID: "host-1", RoomID: "room-1", Priority: PriorityHigh}
	require.NoError(t, backend.PublishBroadcast(context.Background(), "host:host-1", "notification", n))

	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].ID)
}

func TestNotificationQueueBounded(t *testing.T) {
	svc, _, _, clock := newTestService(t)

	for i := 0; i < defaultQueueCap+5; i++ {
		svc.Notify(Notification{HostID: "host-1", Type: "tick", Priority: PriorityLow})
		clock.Advance(time.Millisecond)
	}
	assert.Equal(t, defaultQueueCap, svc.QueuedFor("host-1"), "oldest entries are dropped beyond the cap")
}

func TestUnsubscribeRemovesGroupChannels(t *testing.T) {
	svc, manager, _, _ := newTestService(t)

	groupID, err := svc.SubscribeToRoom(context.Background(), "room-1", RoomCallbacks{
		OnGameState: func(realtime.ChangeEvent) {},
		OnQuestion:  func(realtime.BroadcastEvent) {},
	})
	require.NoError(t, err)
	require.Len(t, manager.Subscriptions(), 2)

	svc.Unsubscribe(groupID)
	assert.Empty(t, svc.Groups())
	assert.Empty(t, manager.Subscriptions())

	svc.Unsubscribe(groupID) // warned no-op
}

func TestFetchLeaderboard(t *testing.T) {
	svc, _, backend, _ := newTestService(t)

	backend.RegisterRPC("leaderboard", func(params json.RawMessage) (any, error) {
		var req map[string]string
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return []LeaderboardEntry{
			{TeamID: "t1", Name: "Reds", Score: 42, Rank: 1},
			{TeamID: "t2", Name: "Blues", Score: 17, Rank: 2},
		}, nil
	})

	entries, err := svc.FetchLeaderboard(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Reds", entries[0].Name)
	assert.Equal(t, 1, entries[0].Rank)
}
