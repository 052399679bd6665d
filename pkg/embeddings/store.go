package embeddings

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// VectorStore mirrors entry vectors into pgvector and answers nearest
// neighbour queries. It implements memory.VectorIndex.
type VectorStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewVectorStore connects to Postgres and verifies the connection.
// dims fixes the width of the vector column.
func NewVectorStore(ctx context.Context, pgURL string, dims int) (*VectorStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("vector store: dims must be positive")
	}
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &VectorStore{pool: pool, dims: dims}, nil
}

// Init creates the pgvector extension, table, and indexes if they don't exist.
func (s *VectorStore) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memory_vectors (
			memory_id   TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			vector_hash TEXT NOT NULL,
			embedded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.dims))
	if err != nil {
		return fmt.Errorf("create vectors table: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_memory_vectors_user ON memory_vectors (user_id)`); err != nil {
		return fmt.Errorf("create user index: %w", err)
	}

	// HNSW index for cosine similarity search
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memory_vectors_hnsw
		ON memory_vectors
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("vector store initialized", "dims", s.dims)
	return nil
}

// Close closes the database connection pool.
func (s *VectorStore) Close() {
	s.pool.Close()
}

// Dims returns the vector width of the table.
func (s *VectorStore) Dims() int { return s.dims }

// Upsert stores or replaces the vector of an entry. Vectors of the wrong
// width are rejected; they come from a different model.
func (s *VectorStore) Upsert(ctx context.Context, id, userID string, vec []float32) error {
	if len(vec) != s.dims {
		return fmt.Errorf("upsert vector %s: got %d dims, want %d", id, len(vec), s.dims)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_vectors (memory_id, user_id, embedding, vector_hash, embedded_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (memory_id) DO UPDATE
		SET embedding = EXCLUDED.embedding,
			user_id = EXCLUDED.user_id,
			vector_hash = EXCLUDED.vector_hash,
			embedded_at = now()
	`, id, userID, pgvector.NewVector(vec), VectorHash(vec))
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", id, err)
	}
	return nil
}

// Delete removes the vector of an entry. Missing rows are not an error.
func (s *VectorStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM memory_vectors WHERE memory_id = $1", id); err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	return nil
}

// Nearest returns up to limit entry ids of userID ordered by cosine
// distance to vec.
func (s *VectorStore) Nearest(ctx context.Context, userID string, vec []float32, limit int) ([]string, error) {
	if len(vec) != s.dims {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT memory_id
		FROM memory_vectors
		WHERE user_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`, userID, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Hashes returns every mirrored entry id with the hash of its vector.
func (s *VectorStore) Hashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT memory_id, vector_hash FROM memory_vectors")
	if err != nil {
		return nil, fmt.Errorf("get vector hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan vector hash: %w", err)
		}
		hashes[id] = hash
	}
	return hashes, rows.Err()
}

// Count returns the number of mirrored vectors.
func (s *VectorStore) Count(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM memory_vectors").Scan(&count)
	return
}

// VectorHash fingerprints a vector for staleness detection.
func VectorHash(vec []float32) string {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return fmt.Sprintf("%x", md5.Sum(buf))
}
