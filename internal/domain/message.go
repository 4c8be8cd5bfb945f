package domain

import (
	"encoding/hex"
	"time"
)

// FarcasterEpoch is the zero point of protocol timestamps (2021-01-01T00:00:00Z).
var FarcasterEpoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

// FromFarcasterTime converts a protocol timestamp (seconds since FarcasterEpoch).
func FromFarcasterTime(seconds int64) time.Time {
	return FarcasterEpoch.Add(time.Duration(seconds) * time.Second)
}

// Category is one of the five kinds of replicated content.
type Category int

const (
	CategoryCast Category = iota + 1
	CategoryReaction
	CategoryLink
	CategoryVerification
	CategoryUserData
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryCast,
	CategoryReaction,
	CategoryLink,
	CategoryVerification,
	CategoryUserData,
}

func (c Category) String() string {
	switch c {
	case CategoryCast:
		return "casts"
	case CategoryReaction:
		return "reactions"
	case CategoryLink:
		return "links"
	case CategoryVerification:
		return "verifications"
	case CategoryUserData:
		return "user_data"
	default:
		return "unknown"
	}
}

// Paginated reports whether the hub returns the category in pages.
// Links, user data and verifications are bounded per account by protocol
// limits and come back in a single response.
func (c Category) Paginated() bool {
	return c == CategoryCast || c == CategoryReaction
}

// MessageType is the protocol message type as named by the hub.
type MessageType string

const (
	MessageTypeCastAdd            MessageType = "MESSAGE_TYPE_CAST_ADD"
	MessageTypeCastRemove         MessageType = "MESSAGE_TYPE_CAST_REMOVE"
	MessageTypeReactionAdd        MessageType = "MESSAGE_TYPE_REACTION_ADD"
	MessageTypeReactionRemove     MessageType = "MESSAGE_TYPE_REACTION_REMOVE"
	MessageTypeLinkAdd            MessageType = "MESSAGE_TYPE_LINK_ADD"
	MessageTypeLinkRemove         MessageType = "MESSAGE_TYPE_LINK_REMOVE"
	MessageTypeVerificationAdd    MessageType = "MESSAGE_TYPE_VERIFICATION_ADD_ETH_ADDRESS"
	MessageTypeVerificationRemove MessageType = "MESSAGE_TYPE_VERIFICATION_REMOVE"
	MessageTypeUserDataAdd        MessageType = "MESSAGE_TYPE_USER_DATA_ADD"
)

// Category returns the content category of the message type, or 0 for
// types this replicator does not store.
func (t MessageType) Category() Category {
	switch t {
	case MessageTypeCastAdd, MessageTypeCastRemove:
		return CategoryCast
	case MessageTypeReactionAdd, MessageTypeReactionRemove:
		return CategoryReaction
	case MessageTypeLinkAdd, MessageTypeLinkRemove:
		return CategoryLink
	case MessageTypeVerificationAdd, MessageTypeVerificationRemove:
		return CategoryVerification
	case MessageTypeUserDataAdd:
		return CategoryUserData
	default:
		return 0
	}
}

// IsRemove reports whether the message retracts an earlier add.
func (t MessageType) IsRemove() bool {
	switch t {
	case MessageTypeCastRemove, MessageTypeReactionRemove, MessageTypeLinkRemove, MessageTypeVerificationRemove:
		return true
	default:
		return false
	}
}

// Message is a protocol message as delivered by the hub, already verified
// upstream. Exactly one body pointer is set, matching Type.
type Message struct {
	Type      MessageType
	Fid       int64
	Timestamp time.Time
	Hash      []byte

	CastAdd            *CastAddBody
	CastRemove         *CastRemoveBody
	Reaction           *ReactionBody
	Link               *LinkBody
	VerificationAdd    *VerificationAddBody
	VerificationRemove *VerificationRemoveBody
	UserData           *UserDataBody
}

// HashHex returns the 0x-prefixed hex form used in logs.
func (m *Message) HashHex() string {
	return "0x" + hex.EncodeToString(m.Hash)
}

// CastID points at a cast by author and hash.
type CastID struct {
	Fid  int64
	Hash []byte
}

// CastAddBody is the payload of a new cast (post).
type CastAddBody struct {
	Text              string
	Mentions          []int64
	MentionsPositions []int64
	Embeds            []string
	ParentCastID      *CastID
	ParentURL         string
}

// CastRemoveBody retracts the cast with TargetHash.
type CastRemoveBody struct {
	TargetHash []byte
}

// ReactionBody is shared by reaction adds and removes.
type ReactionBody struct {
	Type         int32
	TargetCastID *CastID
	TargetURL    string
}

// LinkBody is shared by link adds and removes.
type LinkBody struct {
	Type             string
	TargetFid        int64
	DisplayTimestamp *time.Time
}

// VerificationAddBody proves ownership of an external address.
type VerificationAddBody struct {
	Address   []byte
	Signature []byte
	BlockHash []byte
}

// VerificationRemoveBody retracts the verification of Address.
type VerificationRemoveBody struct {
	Address []byte
}

// UserDataBody sets one profile field.
type UserDataBody struct {
	Type  int32
	Value string
}
