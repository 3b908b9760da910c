package subscription

import (
	"encoding/json"
	"sort"
	"time"
)

// Priority orders queued host notifications. Urgent drains first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

func (p Priority) rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank) // unknown priorities drain last
}

// Notification is an event destined for a host context. Notifications for
// a disconnected host are queued and replayed on resubscribe.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  Priority        `json:"priority"`
	HostID    string          `json:"host_id"`
	RoomID    string          `json:"room_id"`
}

// notificationQueue is a bounded FIFO per host. Beyond the cap the oldest
// entry is dropped.
type notificationQueue struct {
	cap   int
	items []Notification
}

func newNotificationQueue(cap int) *notificationQueue {
	return &notificationQueue{cap: cap}
}

func (q *notificationQueue) push(n Notification) (dropped bool) {
	q.items = append(q.items, n)
	if len(q.items) > q.cap {
		q.items = q.items[1:]
		return true
	}
	return false
}

// drain returns all queued notifications ordered by priority then
// timestamp and clears the queue.
func (q *notificationQueue) drain() []Notification {
	out := q.items
	q.items = nil
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.rank(), out[j].Priority.rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (q *notificationQueue) len() int {
	return len(q.items)
}
