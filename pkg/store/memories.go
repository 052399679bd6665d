package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const memoryColumns = `id, user_id, content, category, memory_type, importance, confidence,
	is_latest, document_date, event_date, prominence, last_accessed, access_count,
	archived_at, source_chunk, embedding, metadata, created_at, updated_at`

// MemoryFilter narrows a ListMemories scan. Zero values mean "no filter".
type MemoryFilter struct {
	UserID           string
	Category         Category
	Types            []MemoryType
	ExcludeTypes     []MemoryType
	LatestOnly       bool
	IncludeArchived  bool
	ArchivedOnly     bool
	MinProminence    float64
	MaxProminence    float64 // exclusive upper bound when > 0
	From, To         time.Time
	CreatedBefore    time.Time
	TouchedSince     time.Time
	MaxAccessCount   *int
	// MissingEmbedding selects entries that have no stored vector.
	MissingEmbedding bool
	OrderBy          string // "prominence" (default), "recent", "touched"
	Limit            int
}

// encodeEmbedding converts a []float32 to a little-endian BLOB.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts a BLOB back to []float32.
func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	if n == 0 {
		return nil
	}
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*MemoryEntry, error) {
	var (
		m            MemoryEntry
		category     string
		memType      string
		isLatest     int
		docDate      int64
		eventDate    sql.NullInt64
		lastAccessed sql.NullInt64
		archivedAt   sql.NullInt64
		sourceChunk  sql.NullString
		embedding    []byte
		metadata     sql.NullString
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Content, &category, &memType, &m.Importance, &m.Confidence,
		&isLatest, &docDate, &eventDate, &m.Prominence, &lastAccessed, &m.AccessCount,
		&archivedAt, &sourceChunk, &embedding, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.Category = Category(category)
	m.MemoryType = MemoryType(memType)
	m.IsLatest = isLatest != 0
	m.DocumentDate = fromMillis(docDate)
	if eventDate.Valid {
		t := fromMillis(eventDate.Int64)
		m.EventDate = &t
	}
	if lastAccessed.Valid {
		t := fromMillis(lastAccessed.Int64)
		m.LastAccessed = &t
	}
	if archivedAt.Valid {
		t := fromMillis(archivedAt.Int64)
		m.ArchivedAt = &t
	}
	m.SourceChunk = sourceChunk.String
	m.Embedding = decodeEmbedding(embedding)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
		}
	}
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

func insertMemory(ctx context.Context, tx *sql.Tx, m *MemoryEntry) error {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Content, string(m.Category), string(m.MemoryType), m.Importance, m.Confidence,
		boolInt(m.IsLatest), toMillis(m.DocumentDate), nullMillis(m.EventDate), m.Prominence,
		nullMillis(m.LastAccessed), m.AccessCount, nullMillis(m.ArchivedAt),
		nullString(m.SourceChunk), encodeEmbedding(m.Embedding), meta,
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

// InsertMemory stores a new entry. The caller assigns the id and timestamps.
func (db *DB) InsertMemory(ctx context.Context, m *MemoryEntry) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return insertMemory(ctx, tx, m)
	})
}

// GetMemory returns a single entry by id.
func (db *DB) GetMemory(ctx context.Context, id string) (*MemoryEntry, error) {
	row := db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// GetMemories returns the entries with the given ids, in no particular
// order. Missing ids are skipped.
func (db *DB) GetMemories(ctx context.Context, ids []string) ([]MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	return collectMemories(rows)
}

// UpdateMemory rewrites the mutable fields of an existing entry.
func (db *DB) UpdateMemory(ctx context.Context, m *MemoryEntry) error {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}
	res, err := db.exec(ctx, `UPDATE memories SET
		content = ?, category = ?, memory_type = ?, importance = ?, confidence = ?, is_latest = ?,
		event_date = ?, prominence = ?, source_chunk = ?, embedding = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		m.Content, string(m.Category), string(m.MemoryType), m.Importance, m.Confidence, boolInt(m.IsLatest),
		nullMillis(m.EventDate), m.Prominence, nullString(m.SourceChunk), encodeEmbedding(m.Embedding),
		meta, toMillis(m.UpdatedAt), m.ID)
	if err != nil {
		return fmt.Errorf("update memory %s: %w", m.ID, err)
	}
	return expectRow(res, "memory", m.ID)
}

// SetEmbedding stores the vector for an entry.
func (db *DB) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := db.exec(ctx, `UPDATE memories SET embedding = ? WHERE id = ?`, encodeEmbedding(vec), id)
	if err != nil {
		return fmt.Errorf("set embedding %s: %w", id, err)
	}
	return expectRow(res, "memory", id)
}

// DeleteMemory removes an entry and, through cascading keys, its edges.
func (db *DB) DeleteMemory(ctx context.Context, id string) error {
	res, err := db.exec(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	return expectRow(res, "memory", id)
}

// ListMemories scans entries matching the filter.
func (db *DB) ListMemories(ctx context.Context, f MemoryFilter) ([]MemoryEntry, error) {
	var where []string
	var args []any

	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if len(f.Types) > 0 {
		where = append(where, "memory_type IN ("+typePlaceholders(f.Types, &args)+")")
	}
	if len(f.ExcludeTypes) > 0 {
		where = append(where, "memory_type NOT IN ("+typePlaceholders(f.ExcludeTypes, &args)+")")
	}
	if f.LatestOnly {
		where = append(where, "is_latest = 1")
	}
	switch {
	case f.ArchivedOnly:
		where = append(where, "archived_at IS NOT NULL")
	case !f.IncludeArchived:
		where = append(where, "archived_at IS NULL")
	}
	if f.MinProminence > 0 {
		where = append(where, "prominence >= ?")
		args = append(args, f.MinProminence)
	}
	if f.MaxProminence > 0 {
		where = append(where, "prominence < ?")
		args = append(args, f.MaxProminence)
	}
	if !f.From.IsZero() {
		where = append(where, "document_date >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "document_date <= ?")
		args = append(args, f.To.UnixMilli())
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedBefore.UnixMilli())
	}
	if !f.TouchedSince.IsZero() {
		where = append(where, "(updated_at >= ? OR COALESCE(last_accessed, 0) >= ?)")
		ms := f.TouchedSince.UnixMilli()
		args = append(args, ms, ms)
	}
	if f.MaxAccessCount != nil {
		where = append(where, "access_count <= ?")
		args = append(args, *f.MaxAccessCount)
	}
	if f.MissingEmbedding {
		where = append(where, "embedding IS NULL")
	}

	q := `SELECT ` + memoryColumns + ` FROM memories`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	switch f.OrderBy {
	case "recent":
		q += " ORDER BY document_date DESC"
	case "touched":
		q += " ORDER BY MAX(updated_at, COALESCE(last_accessed, 0)) DESC"
	default:
		q += " ORDER BY prominence DESC, document_date DESC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return collectMemories(rows)
}

func collectMemories(rows *sql.Rows) ([]MemoryEntry, error) {
	defer rows.Close()
	var out []MemoryEntry
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ProminenceUpdate is one recomputed prominence value.
type ProminenceUpdate struct {
	ID         string
	Prominence float64
	Archive    bool
}

// ApplyProminence persists a batch of recomputed prominence values and
// archives the flagged entries. Returns (updated, archived).
func (db *DB) ApplyProminence(ctx context.Context, updates []ProminenceUpdate, now time.Time) (int, int, error) {
	if len(updates) == 0 {
		return 0, 0, nil
	}
	var updated, archived int
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE memories SET prominence = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare prominence stmt: %w", err)
		}
		defer stmt.Close()
		archive, err := tx.PrepareContext(ctx, `UPDATE memories SET archived_at = ? WHERE id = ? AND archived_at IS NULL`)
		if err != nil {
			return fmt.Errorf("prepare archive stmt: %w", err)
		}
		defer archive.Close()

		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.Prominence, u.ID); err != nil {
				return fmt.Errorf("update prominence for %s: %w", u.ID, err)
			}
			updated++
			if !u.Archive {
				continue
			}
			res, err := archive.ExecContext(ctx, now.UnixMilli(), u.ID)
			if err != nil {
				return fmt.Errorf("archive %s: %w", u.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				archived++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return updated, archived, nil
}

// RecordAccess increments access_count and sets last_accessed for each id.
func (db *DB) RecordAccess(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare access stmt: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, at.UnixMilli(), id); err != nil {
				return fmt.Errorf("record access %s: %w", id, err)
			}
		}
		return nil
	})
}

// PruneArchived deletes entries archived before cutoff whose prominence is
// below floor. Returns the number of deleted entries.
func (db *DB) PruneArchived(ctx context.Context, cutoff time.Time, floor float64) (int, error) {
	res, err := db.exec(ctx, `DELETE FROM memories
		WHERE archived_at IS NOT NULL AND archived_at < ? AND prominence < ? AND memory_type != 'static_profile'`,
		cutoff.UnixMilli(), floor)
	if err != nil {
		return 0, fmt.Errorf("prune archived: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListUserIDs returns every user that owns memories or sessions.
func (db *DB) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM memories
		UNION
		SELECT user_id FROM sessions
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
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

// MemoryStats returns entry counts by memory type, plus "archived".
func (db *DB) MemoryStats(ctx context.Context) map[string]int {
	stats := make(map[string]int)
	rows, err := db.QueryContext(ctx, `
		SELECT CASE WHEN archived_at IS NOT NULL THEN 'archived' ELSE memory_type END, COUNT(*)
		FROM memories GROUP BY 1`)
	if err != nil {
		return stats
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if rows.Scan(&k, &n) == nil {
			stats[k] = n
		}
	}
	return stats
}

func typePlaceholders(types []MemoryType, args *[]any) string {
	ph := make([]string, len(types))
	for i, t := range types {
		ph[i] = "?"
		*args = append(*args, string(t))
	}
	return strings.Join(ph, ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
