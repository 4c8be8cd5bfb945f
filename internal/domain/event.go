package domain

import "time"

// EventType is the hub event type as named by the hub.
type EventType string

const (
	EventTypeMergeMessage  EventType = "HUB_EVENT_TYPE_MERGE_MESSAGE"
	EventTypePruneMessage  EventType = "HUB_EVENT_TYPE_PRUNE_MESSAGE"
	EventTypeRevokeMessage EventType = "HUB_EVENT_TYPE_REVOKE_MESSAGE"
)

// ReplicatedEventTypes are the event types the subscriber requests.
var ReplicatedEventTypes = []EventType{
	EventTypeMergeMessage,
	EventTypePruneMessage,
	EventTypeRevokeMessage,
}

// HubEvent is one entry of the hub's ordered event stream.
type HubEvent struct {
	ID   int64
	Type EventType

	// Message is the merged, pruned or revoked message.
	Message *Message

	// DeletedMessages are messages the merge displaced (conflict resolution).
	// Their rows are soft-deleted by hash.
	DeletedMessages []*Message
}

// eventSequenceBits is the number of low bits of an event id holding the
// per-millisecond sequence number.
const eventSequenceBits = 12

// EventTime decodes the wall-clock time embedded in a hub event id.
func EventTime(id int64) time.Time {
	ms := id >> eventSequenceBits
	return FarcasterEpoch.Add(time.Duration(ms) * time.Millisecond)
}

// EventIDAt returns the smallest event id a hub could assign at t.
func EventIDAt(t time.Time) int64 {
	ms := t.Sub(FarcasterEpoch).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms << eventSequenceBits
}
