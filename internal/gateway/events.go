package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies events fanned out to browser clients.
type EventType string

const (
	EventGameState        EventType = "GameState"
	EventTeamRoster       EventType = "TeamRoster"
	EventQuestion         EventType = "Question"
	EventTimer            EventType = "Timer"
	EventLeaderboard      EventType = "Leaderboard"
	EventPresence         EventType = "Presence"
	EventHostNotification EventType = "HostNotification"
	EventConnectionStatus EventType = "ConnectionStatus"
)

// Event is the envelope sent to WebSocket clients.
type Event struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent builds an envelope, marshalling data as the payload.
func NewEvent(roomID string, kind EventType, data any) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Type:      kind,
		Timestamp: time.Now(),
		Data:      payload,
	}, nil
}
