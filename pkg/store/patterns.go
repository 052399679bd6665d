package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetPattern returns the behavioral pattern record for a user, or nil if
// none has been written yet.
func (db *DB) GetPattern(ctx context.Context, userID string) (*BehavioralPattern, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT data FROM behavioral_patterns WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", userID, err)
	}
	var p BehavioralPattern
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode pattern %s: %w", userID, err)
	}
	p.UserID = userID
	return &p, nil
}

// SavePattern writes the full pattern record.
func (db *DB) SavePattern(ctx context.Context, p *BehavioralPattern) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern %s: %w", p.UserID, err)
	}
	var trust any
	if p.TrustScore != nil {
		trust = *p.TrustScore
	}
	_, err = db.exec(ctx, `INSERT INTO behavioral_patterns (user_id, trust_score, proactiveness, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			trust_score = excluded.trust_score, proactiveness = excluded.proactiveness,
			data = excluded.data, updated_at = excluded.updated_at`,
		p.UserID, trust, nullString(string(p.Dial)), string(data), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save pattern %s: %w", p.UserID, err)
	}
	return nil
}

// UpdatePattern loads the user's record (or a fresh one), applies fn and
// saves the result.
func (db *DB) UpdatePattern(ctx context.Context, userID string, fn func(p *BehavioralPattern) error) error {
	p, err := db.GetPattern(ctx, userID)
	if err != nil {
		return err
	}
	if p == nil {
		p = &BehavioralPattern{UserID: userID}
	}
	if err := fn(p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	return db.SavePattern(ctx, p)
}
