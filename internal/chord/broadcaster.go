package chord

import "time"

// Ring update event types
const (
	EventMemberLearned  = "member_learned"
	EventFingersRebuilt = "fingers_rebuilt"
	EventProbeCompleted = "probe_completed"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the Node to notify external systems (like WebSocket clients)
// when its view of the ring changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// The update parameter can be any data structure that will be serialized and sent.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a change in a node's view of the ring.
type RingUpdateEvent struct {
	Type      string   `json:"type"`              // "member_learned", "fingers_rebuilt", "probe_completed"
	Node      string   `json:"node"`              // address of the node that observed the change
	Timestamp int64    `json:"timestamp"`         // Unix timestamp
	Message   string   `json:"message"`           // Human-readable message
	Addresses []string `json:"addresses,omitempty"` // addresses the event is about
}

func newRingUpdateEvent(eventType, node, message string, addrs []string) RingUpdateEvent {
	return RingUpdateEvent{
		Type:      eventType,
		Node:      node,
		Timestamp: time.Now().Unix(),
		Message:   message,
		Addresses: addrs,
	}
}
