package hub

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

var reactionTypes = map[string]int32{
	"REACTION_TYPE_LIKE":   1,
	"REACTION_TYPE_RECAST": 2,
}

var userDataTypes = map[string]int32{
	"USER_DATA_TYPE_PFP":      1,
	"USER_DATA_TYPE_DISPLAY":  2,
	"USER_DATA_TYPE_BIO":      3,
	"USER_DATA_TYPE_URL":      5,
	"USER_DATA_TYPE_USERNAME": 6,
	"USER_DATA_TYPE_LOCATION": 7,
	"USER_DATA_TYPE_TWITTER":  8,
	"USER_DATA_TYPE_GITHUB":   9,
}

func toMessage(w *wireMessage) (*domain.Message, error) {
	if w == nil || w.Data == nil {
		return nil, errors.New("message without data")
	}
	hash, err := decodeHex(w.Hash)
	if err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}

	d := w.Data
	msg := &domain.Message{
		Type:      domain.MessageType(d.Type),
		Fid:       d.Fid,
		Timestamp: domain.FromFarcasterTime(d.Timestamp),
		Hash:      hash,
	}

	switch {
	case d.CastAddBody != nil:
		msg.CastAdd, err = toCastAdd(d.CastAddBody)
	case d.CastRemoveBody != nil:
		var target []byte
		target, err = decodeHex(d.CastRemoveBody.TargetHash)
		msg.CastRemove = &domain.CastRemoveBody{TargetHash: target}
	case d.ReactionBody != nil:
		msg.Reaction, err = toReaction(d.ReactionBody)
	case d.LinkBody != nil:
		msg.Link = toLink(d.LinkBody)
	case d.VerificationAddAddressBody != nil:
		msg.VerificationAdd, err = toVerificationAdd(d.VerificationAddAddressBody)
	case d.VerificationAddEthAddressBody != nil:
		msg.VerificationAdd, err = toVerificationAdd(d.VerificationAddEthAddressBody)
	case d.VerificationRemoveBody != nil:
		var addr []byte
		addr, err = decodeHex(d.VerificationRemoveBody.Address)
		msg.VerificationRemove = &domain.VerificationRemoveBody{Address: addr}
	case d.UserDataBody != nil:
		typ, ok := userDataTypes[d.UserDataBody.Type]
		if !ok {
			return nil, fmt.Errorf("unknown user data type %q", d.UserDataBody.Type)
		}
		msg.UserData = &domain.UserDataBody{Type: typ, Value: d.UserDataBody.Value}
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", d.Type, w.Hash, err)
	}
	return msg, nil
}

func toCastAdd(b *wireCastAdd) (*domain.CastAddBody, error) {
	body := &domain.CastAddBody{
		Text:              b.Text,
		Mentions:          b.Mentions,
		MentionsPositions: b.MentionsPositions,
		ParentURL:         b.ParentURL,
	}
	for _, e := range b.Embeds {
		switch {
		case e.URL != "":
			body.Embeds = append(body.Embeds, e.URL)
		case e.CastID != nil:
			body.Embeds = append(body.Embeds, fmt.Sprintf("farcaster://casts/%d/%s", e.CastID.Fid, e.CastID.Hash))
		}
	}
	if len(body.Embeds) == 0 {
		body.Embeds = b.EmbedsDeprecated
	}
	if b.ParentCastID != nil {
		id, err := toCastID(b.ParentCastID)
		if err != nil {
			return nil, fmt.Errorf("parent cast: %w", err)
		}
		body.ParentCastID = id
	}
	return body, nil
}

func toReaction(b *wireReaction) (*domain.ReactionBody, error) {
	typ, ok := reactionTypes[b.Type]
	if !ok {
		return nil, fmt.Errorf("unknown reaction type %q", b.Type)
	}
	body := &domain.ReactionBody{Type: typ, TargetURL: b.TargetURL}
	if b.TargetCastID != nil {
		id, err := toCastID(b.TargetCastID)
		if err != nil {
			return nil, fmt.Errorf("target cast: %w", err)
		}
		body.TargetCastID = id
	}
	return body, nil
}

func toLink(b *wireLink) *domain.LinkBody {
	body := &domain.LinkBody{Type: b.Type, TargetFid: b.TargetFid}
	if b.DisplayTimestamp != nil {
		t := domain.FromFarcasterTime(*b.DisplayTimestamp)
		body.DisplayTimestamp = &t
	}
	return body
}

func toVerificationAdd(b *wireVerificationAdd) (*domain.VerificationAddBody, error) {
	addr, err := decodeHex(b.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	blockHash, err := decodeHex(b.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("block hash: %w", err)
	}
	sig := b.ClaimSignature
	if sig == "" {
		sig = b.EthSignature
	}
	signature, err := decodeBase64(sig)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return &domain.VerificationAddBody{Address: addr, Signature: signature, BlockHash: blockHash}, nil
}

func toCastID(w *wireCastID) (*domain.CastID, error) {
	hash, err := decodeHex(w.Hash)
	if err != nil {
		return nil, err
	}
	return &domain.CastID{Fid: w.Fid, Hash: hash}, nil
}

func toEvent(w *wireEvent) (*domain.HubEvent, error) {
	ev := &domain.HubEvent{ID: w.ID, Type: domain.EventType(w.Type)}

	var msg *wireMessage
	switch {
	case w.MergeMessageBody != nil:
		msg = w.MergeMessageBody.Message
		// A displaced message that does not decode must not cost the merge
		// itself.
		for i := range w.MergeMessageBody.DeletedMessages {
			if deleted, err := toMessage(&w.MergeMessageBody.DeletedMessages[i]); err == nil {
				ev.DeletedMessages = append(ev.DeletedMessages, deleted)
			}
		}
	case w.PruneMessageBody != nil:
		msg = w.PruneMessageBody.Message
	case w.RevokeMessageBody != nil:
		msg = w.RevokeMessageBody.Message
	}
	if msg != nil {
		m, err := toMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", w.ID, err)
		}
		ev.Message = m
	}
	return ev, nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "0x") {
		return decodeHex(s)
	}
	return base64.StdEncoding.DecodeString(s)
}
