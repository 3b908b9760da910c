package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizdeck/realtime/internal/channel"
	"github.com/quizdeck/realtime/internal/optimizer"
	"github.com/quizdeck/realtime/internal/presence"
	"github.com/quizdeck/realtime/internal/realtime"
	"github.com/quizdeck/realtime/internal/subscription"
)

func newTestGateway(t *testing.T, tracker PresenceTracker) (*Service, *realtime.MemoryBackend) {
	t.Helper()
	backend := realtime.NewMemoryBackend()
	clock := clockwork.NewFakeClock()
	opt := optimizer.New(clock, optimizer.DefaultConfig())
	t.Cleanup(opt.Close)
	manager := channel.NewManager(backend, clock, opt.Metrics())
	t.Cleanup(manager.Close)
	subs := subscription.NewService(manager, clock)

	return NewService(DefaultConfig(), subs, manager, opt, nil, tracker), backend
}

// fakeTracker records presence calls made by the socket layer.
type fakeTracker struct {
	mu       sync.Mutex
	joins    []string
	activity []string
	leaves   []string
}

func (f *fakeTracker) Join(ctx context.Context, contextType, contextID string, req presence.JoinRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessionID := "sess-" + req.UserID
	f.joins = append(f.joins, sessionID)
	return sessionID, nil
}

func (f *fakeTracker) RecordActivity(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, sessionID)
}

func (f *fakeTracker) Leave(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, sessionID)
}

func (f *fakeTracker) snapshot() (joins, activity, leaves []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...), append([]string(nil), f.activity...), append([]string(nil), f.leaves...)
}

func TestNewEventEnvelope(t *testing.T) {
	ev, err := NewEvent("room-1", EventQuestion, map[string]string{"id": "q1"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "room-1", ev.RoomID)
	assert.Equal(t, EventQuestion, ev.Type)
	assert.JSONEq(t, `{"id":"q1"}`, string(ev.Data))
	assert.False(t, ev.Timestamp.IsZero())
}

func TestExtractRoomIDFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/rooms/room-1/state", "room-1"},
		{"/api/rooms/abc-def/state", "abc-def"},
		{"/api/rooms//state", ""},
		{"/api/rooms/room-1", ""},
		{"/api/other/room-1/state", ""},
		{"/api/rooms/", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractRoomIDFromPath(tt.path), tt.path)
	}
}

func TestEnsureRoomIsIdempotent(t *testing.T) {
	svc, _ := newTestGateway(t, nil)

	require.NoError(t, svc.EnsureRoom(context.Background(), "room-1"))
	require.NoError(t, svc.EnsureRoom(context.Background(), "room-1"))

	assert.Len(t, svc.subscriptions.Groups(), 1, "one subscription group per room")
}

func TestRoomEventsFanOutToConnections(t *testing.T) {
	svc, backend := newTestGateway(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.connectionManager.Start(ctx)

	require.NoError(t, svc.EnsureRoom(ctx, "room-1"))

	conn := &Connection{
		ID:     "conn-1",
		UserID: "user-1",
		RoomID: "room-1",
		Send:   make(chan []byte, 16),
	}
	svc.connectionManager.attach(conn)

	require.NoError(t, backend.PublishBroadcast(ctx, "room:room-1", "question", map[string]string{"id": "q1"}))

	select {
	case raw := <-conn.Send:
		var ev Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, EventQuestion, ev.Type)
		assert.Equal(t, "room-1", ev.RoomID)
		assert.JSONEq(t, `{"id":"q1"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("event never reached the connection")
	}
}

func TestChangeEventsFanOutGameState(t *testing.T) {
	svc, backend := newTestGateway(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.connectionManager.Start(ctx)

	require.NoError(t, svc.EnsureRoom(ctx, "room-1"))

	conn := &Connection{ID: "conn-1", UserID: "user-1", RoomID: "room-1", Send: make(chan []byte, 16)}
	svc.connectionManager.attach(conn)

	backend.PublishChange(realtime.ChangeEvent{
		Type:  realtime.ChangeUpdate,
		Table: "game_states",
		New:   json.RawMessage(`{"room_id":"room-1","phase":"question"}`),
	})

	select {
	case raw := <-conn.Send:
		var ev Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, EventGameState, ev.Type)
		assert.JSONEq(t, `{"room_id":"room-1","phase":"question"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("change event never reached the connection")
	}
}

func TestClientMessagesRecordPresenceActivity(t *testing.T) {
	tracker := &fakeTracker{}
	svc, _ := newTestGateway(t, tracker)

	conn := &Connection{
		ID:        "conn-1",
		UserID:    "user-1",
		RoomID:    "room-1",
		SessionID: "sess-user-1",
		Send:      make(chan []byte, 1),
		Manager:   svc.connectionManager,
	}

	conn.handleClientMessage([]byte(`{"type":"activity"}`))
	conn.handleClientMessage([]byte(`{"type":"answer","payload":{"question_id":"q1"}}`))
	conn.handleClientMessage([]byte(`not json`))

	_, activity, _ := tracker.snapshot()
	assert.Equal(t, []string{"sess-user-1", "sess-user-1"}, activity,
		"well-formed client messages refresh presence, garbage does not")
}

func TestClientMessageWithoutSessionIsSafe(t *testing.T) {
	tracker := &fakeTracker{}
	svc, _ := newTestGateway(t, tracker)

	conn := &Connection{ID: "conn-1", RoomID: "room-1", Send: make(chan []byte, 1), Manager: svc.connectionManager}
	conn.handleClientMessage([]byte(`{"type":"activity"}`))

	_, activity, _ := tracker.snapshot()
	assert.Empty(t, activity)
}

func TestDetachLeavesPresenceAndReleasesDrainedRoom(t *testing.T) {
	tracker := &fakeTracker{}
	svc, _ := newTestGateway(t, tracker)
	ctx := context.Background()

	require.NoError(t, svc.EnsureRoom(ctx, "room-1"))

	a := &Connection{ID: "a", UserID: "user-a", RoomID: "room-1", SessionID: "sess-a", Send: make(chan []byte, 1), Manager: svc.connectionManager}
	b := &Connection{ID: "b", UserID: "user-b", RoomID: "room-1", SessionID: "sess-b", Send: make(chan []byte, 1), Manager: svc.connectionManager}
	svc.connectionManager.attach(a)
	svc.connectionManager.attach(b)

	svc.connectionManager.detach(a)
	_, _, leaves := tracker.snapshot()
	assert.Equal(t, []string{"sess-a"}, leaves)
	assert.Len(t, svc.subscriptions.Groups(), 1, "room stays subscribed while a connection remains")

	svc.connectionManager.detach(b)
	assert.Empty(t, svc.subscriptions.Groups(), "last detach releases the room")

	svc.connectionManager.detach(b) // second detach is a no-op
	_, _, leaves = tracker.snapshot()
	assert.Equal(t, []string{"sess-a", "sess-b"}, leaves)
}

func TestReleaseRoomTearsDownGroup(t *testing.T) {
	svc, _ := newTestGateway(t, nil)

	require.NoError(t, svc.EnsureRoom(context.Background(), "room-1"))
	require.Len(t, svc.subscriptions.Groups(), 1)

	svc.ReleaseRoom("room-1")
	assert.Empty(t, svc.subscriptions.Groups())

	svc.ReleaseRoom("room-1") // no-op
}

func TestConnectionStats(t *testing.T) {
	svc, _ := newTestGateway(t, nil)

	for i := 0; i < 3; i++ {
		svc.connectionManager.attach(&Connection{
			ID:     string(rune('a' + i)),
			RoomID: "room-1",
			Send:   make(chan []byte, 1),
		})
	}
	svc.connectionManager.attach(&Connection{ID: "d", RoomID: "room-2", Send: make(chan []byte, 1)})

	stats := svc.connectionManager.GetConnectionStats()
	assert.Equal(t, 4, stats["total_connections"])
	assert.Equal(t, 2, stats["active_rooms"])
}
