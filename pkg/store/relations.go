package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func ensureMemory(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return err
}

func insertRelation(ctx context.Context, tx *sql.Tx, r Relation) error {
	if r.SourceID == r.TargetID {
		return fmt.Errorf("relation %s -> %s: self edge", r.SourceID, r.TargetID)
	}
	for _, id := range []string{r.SourceID, r.TargetID} {
		if err := ensureMemory(ctx, tx, id); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO memory_relations
		(source_id, target_id, relation_type, confidence, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.SourceID, r.TargetID, string(r.Type), r.Confidence, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert relation %s -%s-> %s: %w", r.SourceID, r.Type, r.TargetID, err)
	}
	return nil
}

// AddRelation stores a non-destructive edge. Re-adding an existing
// (source, target, type) triple is a no-op.
func (db *DB) AddRelation(ctx context.Context, r Relation) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return insertRelation(ctx, tx, r)
	})
}

// AddSupersession records newID UPDATES oldID and, in the same
// transaction, marks the old entry as no longer latest.
//
// If another entry already updated oldID and is still latest, the last
// write wins: newID also supersedes that sibling, so the version chain
// stays linear and only one entry per fact remains latest.
func (db *DB) AddSupersession(ctx context.Context, newID, oldID string, confidence float64, at time.Time) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		err := insertRelation(ctx, tx, Relation{
			SourceID: newID, TargetID: oldID, Type: RelUpdates,
			Confidence: confidence, CreatedAt: at,
		})
		if err != nil {
			return err
		}
		if err := supersede(ctx, tx, oldID, at); err != nil {
			return err
		}

		siblings, err := latestSiblings(ctx, tx, newID, oldID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			err := insertRelation(ctx, tx, Relation{
				SourceID: newID, TargetID: sib, Type: RelUpdates,
				Confidence: confidence, CreatedAt: at,
			})
			if err != nil {
				return err
			}
			if err := supersede(ctx, tx, sib, at); err != nil {
				return err
			}
		}
		return nil
	})
}

// latestSiblings returns entries other than newID that also UPDATE oldID
// and are still latest.
func latestSiblings(ctx context.Context, tx *sql.Tx, newID, oldID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT r.source_id FROM memory_relations r
		JOIN memories m ON m.id = r.source_id
		WHERE r.target_id = ? AND r.relation_type = 'UPDATES' AND r.source_id != ? AND m.is_latest = 1`,
		oldID, newID)
	if err != nil {
		return nil, fmt.Errorf("find sibling updates of %s: %w", oldID, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func supersede(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE memories
		SET is_latest = 0, memory_type = 'superseded', updated_at = ? WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("supersede %s: %w", id, err)
	}
	return nil
}

// FuseMemories inserts a derived entry, links it to every source with a
// DERIVES edge and supersedes the sources, atomically.
func (db *DB) FuseMemories(ctx context.Context, derived *MemoryEntry, sourceIDs []string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertMemory(ctx, tx, derived); err != nil {
			return err
		}
		for _, id := range sourceIDs {
			err := insertRelation(ctx, tx, Relation{
				SourceID: derived.ID, TargetID: id, Type: RelDerives,
				Confidence: 1.0, CreatedAt: derived.CreatedAt,
			})
			if err != nil {
				return err
			}
			if err := supersede(ctx, tx, id, derived.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) queryRelations(ctx context.Context, q string, args ...any) ([]Relation, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()
	var out []Relation
	for rows.Next() {
		var r Relation
		var typ string
		var created int64
		if err := rows.Scan(&r.SourceID, &r.TargetID, &typ, &r.Confidence, &created); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		r.Type = RelationType(typ)
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func relationTypeClause(col string, types []RelationType, args *[]any) string {
	if len(types) == 0 {
		return ""
	}
	ph := make([]string, len(types))
	for i, t := range types {
		ph[i] = "?"
		*args = append(*args, string(t))
	}
	return " AND " + col + " IN (" + strings.Join(ph, ",") + ")"
}

// RelationsFrom returns edges whose source is id, newest first.
func (db *DB) RelationsFrom(ctx context.Context, id string, types ...RelationType) ([]Relation, error) {
	args := []any{id}
	q := `SELECT source_id, target_id, relation_type, confidence, created_at
		FROM memory_relations WHERE source_id = ?` + relationTypeClause("relation_type", types, &args) +
		` ORDER BY created_at DESC`
	return db.queryRelations(ctx, q, args...)
}

// RelationsTo returns edges whose target is id, newest first.
func (db *DB) RelationsTo(ctx context.Context, id string, types ...RelationType) ([]Relation, error) {
	args := []any{id}
	q := `SELECT source_id, target_id, relation_type, confidence, created_at
		FROM memory_relations WHERE target_id = ?` + relationTypeClause("relation_type", types, &args) +
		` ORDER BY created_at DESC`
	return db.queryRelations(ctx, q, args...)
}

// RelationsForUser returns every edge whose source belongs to userID.
func (db *DB) RelationsForUser(ctx context.Context, userID string, types ...RelationType) ([]Relation, error) {
	args := []any{userID}
	q := `SELECT r.source_id, r.target_id, r.relation_type, r.confidence, r.created_at
		FROM memory_relations r JOIN memories m ON m.id = r.source_id
		WHERE m.user_id = ?` + relationTypeClause("r.relation_type", types, &args)
	return db.queryRelations(ctx, q, args...)
}

// DeleteOrphans removes rows whose parents disappeared: relation edges
// with a missing endpoint, scheduled items pointing at deleted memories,
// and messages without a session. Returns the total rows removed.
func (db *DB) DeleteOrphans(ctx context.Context) (int, error) {
	stmts := []string{
		`DELETE FROM memory_relations
			WHERE source_id NOT IN (SELECT id FROM memories) OR target_id NOT IN (SELECT id FROM memories)`,
		`UPDATE scheduled_items SET source_memory_id = NULL
			WHERE source_memory_id IS NOT NULL AND source_memory_id NOT IN (SELECT id FROM memories)`,
		`DELETE FROM session_messages WHERE session_id NOT IN (SELECT id FROM sessions)`,
		`DELETE FROM session_summaries WHERE session_id NOT IN (SELECT id FROM sessions)`,
	}
	var total int
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, s := range stmts {
			res, err := tx.ExecContext(ctx, s)
			if err != nil {
				return fmt.Errorf("delete orphans: %w", err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		return nil
	})
	return total, err
}
