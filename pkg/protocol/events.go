package protocol

import "time"

// EventType names a push notification sent to observers.
type EventType string

// Event type constants.
const (
	EventConnected EventType = "connected" // Connection-scoped greeting.
	EventStreams   EventType = "streams"
	EventCommits   EventType = "commits"
	EventStats     EventType = "stats"
	EventAll       EventType = "all" // Re-fetch everything.
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventConnected, EventStreams, EventCommits, EventStats, EventAll:
		return true
	default:
		return false
	}
}

// Event is the JSON payload of one event frame.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"clientId,omitempty"`
	Data      any       `json:"data,omitempty"`
}
