package firehose

import (
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

// Op is one write derived from a hub event. Exactly one field is set.
type Op struct {
	Add     *domain.Message
	Removal *domain.Removal
}

// Classify maps a hub event onto the writes it implies.
//
// A merged add message is inserted; a merged remove message soft-deletes its
// target. Adds the merge displaced are soft-deleted by their own hash after
// the merged message. Prune and revoke events mark the message's own row.
// Event and message types the replicator does not store produce no ops.
func Classify(ev *domain.HubEvent) []Op {
	msg := ev.Message
	if msg == nil || msg.Type.Category() == 0 {
		return nil
	}

	switch ev.Type {
	case domain.EventTypeMergeMessage:
		var ops []Op
		if msg.Type.IsRemove() {
			ops = append(ops, Op{Removal: &domain.Removal{Kind: domain.RemovalDelete, Message: msg, At: msg.Timestamp}})
		} else {
			ops = append(ops, Op{Add: msg})
		}
		return append(ops, displaced(ev.DeletedMessages, msg.Timestamp)...)
	case domain.EventTypePruneMessage:
		if msg.Type.IsRemove() {
			return nil
		}
		return []Op{{Removal: &domain.Removal{Kind: domain.RemovalPrune, Message: msg, At: domain.EventTime(ev.ID)}}}
	case domain.EventTypeRevokeMessage:
		if msg.Type.IsRemove() {
			return nil
		}
		return []Op{{Removal: &domain.Removal{Kind: domain.RemovalRevoke, Message: msg, At: domain.EventTime(ev.ID)}}}
	default:
		return nil
	}
}

// displaced soft-deletes stored adds that lost conflict resolution. Displaced
// removes never had a row.
func displaced(msgs []*domain.Message, at time.Time) []Op {
	var ops []Op
	for _, m := range msgs {
		if m == nil || m.Type.Category() == 0 || m.Type.IsRemove() {
			continue
		}
		ops = append(ops, Op{Removal: &domain.Removal{Kind: domain.RemovalDisplace, Message: m, At: at}})
	}
	return ops
}
