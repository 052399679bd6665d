package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const scheduledColumns = `id, user_id, session_id, source, type, message, context, dedup_key,
	trigger_at, status, fired_at, source_memory_id, created_at`

func scanScheduled(row rowScanner) (*ScheduledItem, error) {
	var (
		it        ScheduledItem
		sessionID sql.NullString
		source    string
		ctxJSON   sql.NullString
		dedupKey  sql.NullString
		triggerAt int64
		status    string
		firedAt   sql.NullInt64
		sourceMem sql.NullString
		createdAt int64
	)
	err := row.Scan(&it.ID, &it.UserID, &sessionID, &source, &it.Type, &it.Message, &ctxJSON, &dedupKey,
		&triggerAt, &status, &firedAt, &sourceMem, &createdAt)
	if err != nil {
		return nil, err
	}
	it.SessionID = sessionID.String
	it.Source = ItemSource(source)
	it.Context = ctxJSON.String
	it.DedupKey = dedupKey.String
	it.TriggerAt = fromMillis(triggerAt)
	it.Status = ItemStatus(status)
	if firedAt.Valid {
		t := fromMillis(firedAt.Int64)
		it.FiredAt = &t
	}
	it.SourceMemoryID = sourceMem.String
	it.CreatedAt = fromMillis(createdAt)
	return &it, nil
}

// InsertScheduled stores a new scheduled item.
func (db *DB) InsertScheduled(ctx context.Context, it *ScheduledItem) error {
	if it.Status == "" {
		it.Status = StatusPending
	}
	if it.Source == "" {
		it.Source = SourceAgent
	}
	_, err := db.exec(ctx, `INSERT INTO scheduled_items (`+scheduledColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.UserID, nullString(it.SessionID), string(it.Source), it.Type, it.Message,
		nullString(it.Context), nullString(it.DedupKey), toMillis(it.TriggerAt), string(it.Status),
		nullMillis(it.FiredAt), nullString(it.SourceMemoryID), toMillis(it.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert scheduled item %s: %w", it.ID, err)
	}
	return nil
}

// GetScheduled returns a scheduled item by id.
func (db *DB) GetScheduled(ctx context.Context, id string) (*ScheduledItem, error) {
	row := db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_items WHERE id = ?`, id)
	it, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduled item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled item %s: %w", id, err)
	}
	return it, nil
}

func (db *DB) queryScheduled(ctx context.Context, q string, args ...any) ([]ScheduledItem, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled items: %w", err)
	}
	defer rows.Close()
	var out []ScheduledItem
	for rows.Next() {
		it, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// DueItems returns pending items with trigger_at <= now, oldest first.
func (db *DB) DueItems(ctx context.Context, now time.Time, limit int) ([]ScheduledItem, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryScheduled(ctx, `SELECT `+scheduledColumns+` FROM scheduled_items
		WHERE status = 'pending' AND trigger_at <= ?
		ORDER BY trigger_at ASC LIMIT ?`, now.UnixMilli(), limit)
}

// ScheduledSince returns a user's items created at or after since.
func (db *DB) ScheduledSince(ctx context.Context, userID string, since time.Time) ([]ScheduledItem, error) {
	return db.queryScheduled(ctx, `SELECT `+scheduledColumns+` FROM scheduled_items
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at ASC`, userID, since.UnixMilli())
}

// FindByDedupKey returns the newest non-expired item for (userID, key)
// created at or after since, or nil.
func (db *DB) FindByDedupKey(ctx context.Context, userID, key string, since time.Time) (*ScheduledItem, error) {
	items, err := db.queryScheduled(ctx, `SELECT `+scheduledColumns+` FROM scheduled_items
		WHERE user_id = ? AND dedup_key = ? AND created_at >= ? AND status != 'expired'
		ORDER BY created_at DESC LIMIT 1`, userID, key, since.UnixMilli())
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// MarkFired moves an item to fired and stamps fired_at.
func (db *DB) MarkFired(ctx context.Context, id string, at time.Time) error {
	res, err := db.exec(ctx, `UPDATE scheduled_items SET status = 'fired', fired_at = ?
		WHERE id = ? AND status = 'pending'`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark fired %s: %w", id, err)
	}
	return expectRow(res, "pending scheduled item", id)
}

// SetItemStatus records a terminal outcome (acted or dismissed) for a
// fired item.
func (db *DB) SetItemStatus(ctx context.Context, id string, status ItemStatus) error {
	res, err := db.exec(ctx, `UPDATE scheduled_items SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	return expectRow(res, "scheduled item", id)
}

// ExpireStale marks pending items whose trigger time is older than cutoff
// as expired. Returns the number expired.
func (db *DB) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.exec(ctx, `UPDATE scheduled_items SET status = 'expired'
		WHERE status = 'pending' AND trigger_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire stale items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneScheduled deletes terminal items created before cutoff.
func (db *DB) PruneScheduled(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.exec(ctx, `DELETE FROM scheduled_items
		WHERE status IN ('acted', 'dismissed', 'expired') AND created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune scheduled items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
