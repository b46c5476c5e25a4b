// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements the PostgreSQL vector store. Collections are rows of
// vector_collections; chunks reference their collection and are searched by
// cosine distance.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/pgvector/pgvector-go"
)

// PgVectorStore stores chunks in PostgreSQL with the pgvector extension.
type PgVectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgVectorStore connects, pings and migrates the schema.
//
// Inputs:
//   - connString: a libpq style URL, usually read from POSTGRES_CONNECTION.
//   - dimensions: the embedding width of the configured model.
func NewPgVectorStore(ctx context.Context, connString string, dimensions int) (*PgVectorStore, error) {
	if connString == "" {
		return nil, errors.New("postgres connection string is empty")
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PgVectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgVectorStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS vector_collections (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_chunks (
			id UUID PRIMARY KEY,
			collection TEXT NOT NULL REFERENCES vector_collections(name) ON DELETE CASCADE,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.dimensions),
		`CREATE INDEX IF NOT EXISTS vector_chunks_collection_idx ON vector_chunks (collection)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate vector store: %w", err)
		}
	}
	return nil
}

func (s *PgVectorStore) Close() {
	s.pool.Close()
}

// Upsert writes chunks into collection in one transaction. With replace the
// previous chunks of the collection are deleted first.
func (s *PgVectorStore) Upsert(ctx context.Context, collection string, chunks []model.Chunk, replace bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO vector_collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, collection); err != nil {
		return fmt.Errorf("ensure collection %s: %w", collection, err)
	}
	if replace {
		if _, err := tx.Exec(ctx, `DELETE FROM vector_chunks WHERE collection = $1`, collection); err != nil {
			return fmt.Errorf("clear collection %s: %w", collection, err)
		}
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch.Queue(`INSERT INTO vector_chunks (id, collection, content, metadata, embedding) VALUES ($1, $2, $3, $4, $5)`,
			id, collection, c.Text, meta, pgvector.NewVector(c.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks into %s: %w", collection, err)
	}
	return tx.Commit(ctx)
}

// Search returns the k nearest chunks by cosine distance.
func (s *PgVectorStore) Search(ctx context.Context, collection string, query []float32, k int) ([]model.Match, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vector_collections WHERE name = $1)`, collection).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, &model.CollectionNotFoundError{Collection: collection}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM vector_chunks
		WHERE collection = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, pgvector.NewVector(query), collection, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Match, 0, k)
	for rows.Next() {
		var (
			m    model.Match
			meta []byte
		)
		if err := rows.Scan(&m.Text, &meta, &m.Score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteCollection removes the collection and, by cascade, its chunks.
func (s *PgVectorStore) DeleteCollection(ctx context.Context, collection string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM vector_collections WHERE name = $1`, collection)
	return err
}
