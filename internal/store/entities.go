package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

// MaxBatchRows bounds the rows in one bulk statement so the parameter count
// stays below the limits of both PostgreSQL and SQLite.
const MaxBatchRows = 2000

var (
	castColumns         = []string{"timestamp", "fid", "parent_fid", "hash", "parent_hash", "parent_url", "text", "embeds", "mentions", "mentions_positions"}
	reactionColumns     = []string{"timestamp", "fid", "target_cast_fid", "type", "hash", "target_cast_hash", "target_url"}
	linkColumns         = []string{"timestamp", "fid", "target_fid", "display_timestamp", "type", "hash"}
	verificationColumns = []string{"timestamp", "fid", "hash", "signer_address", "block_hash", "signature"}
	userDataColumns     = []string{"timestamp", "fid", "type", "hash", "value"}
)

// InsertCasts bulk-inserts cast adds. Casts are content-addressed, so a hash
// conflict is a duplicate delivery and is ignored.
func (r *Repository) InsertCasts(ctx context.Context, msgs []*domain.Message) (int64, error) {
	rows := make([][]any, 0, len(msgs))
	for _, m := range msgs {
		body := m.CastAdd
		if body == nil {
			continue
		}
		var parentFid, parentHash any
		if body.ParentCastID != nil {
			parentFid = body.ParentCastID.Fid
			parentHash = nullBytes(body.ParentCastID.Hash)
		}
		embeds, err := jsonArray(body.Embeds)
		if err != nil {
			return 0, err
		}
		mentions, err := jsonArray(body.Mentions)
		if err != nil {
			return 0, err
		}
		positions, err := jsonArray(body.MentionsPositions)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			m.Timestamp.UTC(), m.Fid, parentFid, m.Hash, parentHash,
			nullString(body.ParentURL), body.Text, embeds, mentions, positions,
		})
	}
	return r.bulkInsert(ctx, "casts", castColumns, rows, "ON CONFLICT DO NOTHING")
}

// InsertReactions bulk-inserts reaction adds, ignoring duplicate hashes.
func (r *Repository) InsertReactions(ctx context.Context, msgs []*domain.Message) (int64, error) {
	rows := make([][]any, 0, len(msgs))
	for _, m := range msgs {
		body := m.Reaction
		if body == nil {
			continue
		}
		var targetFid, targetHash any
		if body.TargetCastID != nil {
			targetFid = body.TargetCastID.Fid
			targetHash = nullBytes(body.TargetCastID.Hash)
		}
		rows = append(rows, []any{
			m.Timestamp.UTC(), m.Fid, targetFid, body.Type, m.Hash, targetHash, nullString(body.TargetURL),
		})
	}
	return r.bulkInsert(ctx, "reactions", reactionColumns, rows, "ON CONFLICT DO NOTHING")
}

// InsertLinks bulk-inserts link adds, ignoring duplicate hashes.
func (r *Repository) InsertLinks(ctx context.Context, msgs []*domain.Message) (int64, error) {
	rows := make([][]any, 0, len(msgs))
	for _, m := range msgs {
		body := m.Link
		if body == nil {
			continue
		}
		var display any
		if body.DisplayTimestamp != nil {
			display = body.DisplayTimestamp.UTC()
		}
		rows = append(rows, []any{m.Timestamp.UTC(), m.Fid, body.TargetFid, display, body.Type, m.Hash})
	}
	return r.bulkInsert(ctx, "links", linkColumns, rows, "ON CONFLICT DO NOTHING")
}

// InsertVerifications bulk-inserts verification adds, ignoring duplicate hashes.
func (r *Repository) InsertVerifications(ctx context.Context, msgs []*domain.Message) (int64, error) {
	rows := make([][]any, 0, len(msgs))
	for _, m := range msgs {
		body := m.VerificationAdd
		if body == nil {
			continue
		}
		rows = append(rows, []any{
			m.Timestamp.UTC(), m.Fid, m.Hash, body.Address, nullBytes(body.BlockHash), nullBytes(body.Signature),
		})
	}
	return r.bulkInsert(ctx, "verifications", verificationColumns, rows, "ON CONFLICT DO NOTHING")
}

// UpsertUserData bulk-writes profile fields. A profile field is a mutable
// single-valued fact: on conflict of (fid, type) the newer message wins.
func (r *Repository) UpsertUserData(ctx context.Context, msgs []*domain.Message) (int64, error) {
	type key struct {
		fid int64
		typ int32
	}
	latest := make(map[key]*domain.Message, len(msgs))
	order := make([]key, 0, len(msgs))
	for _, m := range msgs {
		if m.UserData == nil {
			continue
		}
		k := key{fid: m.Fid, typ: m.UserData.Type}
		prev, ok := latest[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || !m.Timestamp.Before(prev.Timestamp) {
			latest[k] = m
		}
	}

	rows := make([][]any, 0, len(order))
	for _, k := range order {
		m := latest[k]
		rows = append(rows, []any{m.Timestamp.UTC(), m.Fid, m.UserData.Type, m.Hash, m.UserData.Value})
	}
	return r.bulkInsert(ctx, "user_data", userDataColumns, rows, `
		ON CONFLICT (fid, type) DO UPDATE
		SET value = excluded.value, hash = excluded.hash, timestamp = excluded.timestamp,
			deleted_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE user_data.timestamp <= excluded.timestamp`)
}

func (r *Repository) bulkInsert(ctx context.Context, table string, columns []string, rows [][]any, onConflict string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(rows) > MaxBatchRows {
		return 0, fmt.Errorf("insert %s: %d rows exceeds batch limit %d", table, len(rows), MaxBatchRows)
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder)
		args = append(args, row...)
	}
	b.WriteString(" ")
	b.WriteString(onConflict)

	res, err := r.db.ExecContext(ctx, r.rebind(b.String()), args...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ApplyCastRemovals soft-deletes casts in one transaction.
func (r *Repository) ApplyCastRemovals(ctx context.Context, removals []domain.Removal) (int64, error) {
	return r.applyRemovals(ctx, "casts", removals, func(rm domain.Removal) (string, []any, bool) {
		body := rm.Message.CastRemove
		if body == nil || len(body.TargetHash) == 0 {
			return "", nil, false
		}
		return `UPDATE casts SET deleted_at = ? WHERE hash = ? AND fid = ?`,
			[]any{rm.At.UTC(), body.TargetHash, rm.Message.Fid}, true
	})
}

// ApplyReactionRemovals soft-deletes reactions in one transaction. A remove
// matches the account's live reaction of the same type and target that was
// created no later than the remove itself.
func (r *Repository) ApplyReactionRemovals(ctx context.Context, removals []domain.Removal) (int64, error) {
	return r.applyRemovals(ctx, "reactions", removals, func(rm domain.Removal) (string, []any, bool) {
		body := rm.Message.Reaction
		if body == nil {
			return "", nil, false
		}
		m := rm.Message
		switch {
		case body.TargetCastID != nil:
			return `UPDATE reactions SET deleted_at = ?
				WHERE fid = ? AND type = ? AND target_cast_hash = ? AND timestamp <= ? AND deleted_at IS NULL`,
				[]any{rm.At.UTC(), m.Fid, body.Type, body.TargetCastID.Hash, m.Timestamp.UTC()}, true
		case body.TargetURL != "":
			return `UPDATE reactions SET deleted_at = ?
				WHERE fid = ? AND type = ? AND target_url = ? AND timestamp <= ? AND deleted_at IS NULL`,
				[]any{rm.At.UTC(), m.Fid, body.Type, body.TargetURL, m.Timestamp.UTC()}, true
		default:
			return "", nil, false
		}
	})
}

// ApplyLinkRemovals soft-deletes links in one transaction.
func (r *Repository) ApplyLinkRemovals(ctx context.Context, removals []domain.Removal) (int64, error) {
	return r.applyRemovals(ctx, "links", removals, func(rm domain.Removal) (string, []any, bool) {
		body := rm.Message.Link
		if body == nil {
			return "", nil, false
		}
		m := rm.Message
		return `UPDATE links SET deleted_at = ?
			WHERE fid = ? AND type = ? AND target_fid = ? AND timestamp <= ? AND deleted_at IS NULL`,
			[]any{rm.At.UTC(), m.Fid, body.Type, body.TargetFid, m.Timestamp.UTC()}, true
	})
}

// ApplyVerificationRemovals soft-deletes verifications in one transaction.
func (r *Repository) ApplyVerificationRemovals(ctx context.Context, removals []domain.Removal) (int64, error) {
	return r.applyRemovals(ctx, "verifications", removals, func(rm domain.Removal) (string, []any, bool) {
		body := rm.Message.VerificationRemove
		if body == nil || len(body.Address) == 0 {
			return "", nil, false
		}
		m := rm.Message
		return `UPDATE verifications SET deleted_at = ?
			WHERE fid = ? AND signer_address = ? AND timestamp <= ? AND deleted_at IS NULL`,
			[]any{rm.At.UTC(), m.Fid, body.Address, m.Timestamp.UTC()}, true
	})
}

// ApplyUserDataRemovals applies prunes and revokes of profile fields. Profile
// fields have no remove message type.
func (r *Repository) ApplyUserDataRemovals(ctx context.Context, removals []domain.Removal) (int64, error) {
	return r.applyRemovals(ctx, "user_data", removals, func(domain.Removal) (string, []any, bool) {
		return "", nil, false
	})
}

// removalQuery builds the UPDATE for a Delete removal. ok=false skips it.
type removalQuery func(domain.Removal) (query string, args []any, ok bool)

func (r *Repository) applyRemovals(ctx context.Context, table string, removals []domain.Removal, deleteQuery removalQuery) (int64, error) {
	if len(removals) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var affected int64
	for _, rm := range removals {
		if rm.Message == nil {
			continue
		}

		var (
			query string
			args  []any
			ok    bool
		)
		switch rm.Kind {
		case domain.RemovalDelete:
			query, args, ok = deleteQuery(rm)
		case domain.RemovalPrune:
			query = fmt.Sprintf(`UPDATE %s SET pruned_at = ? WHERE hash = ? AND pruned_at IS NULL`, table)
			args, ok = []any{rm.At.UTC(), rm.Message.Hash}, true
		case domain.RemovalRevoke, domain.RemovalDisplace:
			query = fmt.Sprintf(`UPDATE %s SET deleted_at = ? WHERE hash = ? AND deleted_at IS NULL`, table)
			args, ok = []any{rm.At.UTC(), rm.Message.Hash}, true
		}
		if !ok {
			continue
		}

		res, err := tx.ExecContext(ctx, r.rebind(query), args...)
		if err != nil {
			return 0, fmt.Errorf("%s %s %s: %w", rm.Kind, table, rm.Message.HashHex(), err)
		}
		n, _ := res.RowsAffected()
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return affected, nil
}

func jsonArray[T any](values []T) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
