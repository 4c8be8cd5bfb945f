package domain

import "time"

// RemovalKind selects which soft-delete column a removal sets.
type RemovalKind int

const (
	// RemovalDelete retracts the row the remove message targets.
	RemovalDelete RemovalKind = iota + 1
	// RemovalPrune marks the message's own row as pruned by the hub.
	RemovalPrune
	// RemovalRevoke marks the message's own row deleted because its signer was revoked.
	RemovalRevoke
	// RemovalDisplace marks the message's own row deleted because a newer
	// message for the same key won conflict resolution on the hub.
	RemovalDisplace
)

func (k RemovalKind) String() string {
	switch k {
	case RemovalDelete:
		return "delete"
	case RemovalPrune:
		return "prune"
	case RemovalRevoke:
		return "revoke"
	case RemovalDisplace:
		return "displace"
	default:
		return "unknown"
	}
}

// Removal is a soft-delete request. Rows are never physically removed.
type Removal struct {
	Kind    RemovalKind
	Message *Message
	At      time.Time
}

// Category returns the category of the row the removal touches.
func (r Removal) Category() Category {
	return r.Message.Type.Category()
}
