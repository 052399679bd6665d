package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateGoal stores a goal. A ParentID that does not exist is ErrNotFound.
func (db *DB) CreateGoal(ctx context.Context, g *Goal) error {
	if g.Status == "" {
		g.Status = GoalActive
	}
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if g.ParentID != "" {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM goals WHERE id = ?`, g.ParentID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent goal %s: %w", g.ParentID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("lookup parent goal %s: %w", g.ParentID, err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO goals
			(id, user_id, title, status, parent_id, due_date, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.UserID, g.Title, string(g.Status), nullString(g.ParentID),
			nullMillis(g.DueDate), toMillis(g.CreatedAt), nullMillis(g.CompletedAt))
		if err != nil {
			return fmt.Errorf("insert goal %s: %w", g.ID, err)
		}
		return nil
	})
}

// SetGoalStatus moves a goal to a new status.
func (db *DB) SetGoalStatus(ctx context.Context, id string, status GoalStatus, at time.Time) error {
	var completed any
	if status == GoalCompleted {
		completed = at.UnixMilli()
	}
	res, err := db.exec(ctx, `UPDATE goals SET status = ?, completed_at = ? WHERE id = ?`, string(status), completed, id)
	if err != nil {
		return fmt.Errorf("set goal status %s: %w", id, err)
	}
	return expectRow(res, "goal", id)
}

// GoalsDueBefore returns active goals with a due date at or before cutoff.
func (db *DB) GoalsDueBefore(ctx context.Context, cutoff time.Time) ([]Goal, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, user_id, title, status, parent_id, due_date, created_at, completed_at
		FROM goals WHERE status = 'active' AND due_date IS NOT NULL AND due_date <= ?
		ORDER BY due_date ASC`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("goals due: %w", err)
	}
	defer rows.Close()
	var out []Goal
	for rows.Next() {
		var (
			g         Goal
			status    string
			parent    sql.NullString
			due       sql.NullInt64
			created   int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.Title, &status, &parent, &due, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.Status = GoalStatus(status)
		g.ParentID = parent.String
		if due.Valid {
			t := fromMillis(due.Int64)
			g.DueDate = &t
		}
		g.CreatedAt = fromMillis(created)
		if completed.Valid {
			t := fromMillis(completed.Int64)
			g.CompletedAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
