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

// Package index turns a video's analysis result into a searchable corpus and
// answers similarity queries over it.
//
// Logic Flow:
//  1. The Indexer serialises the analysis payload, splits it into
//     overlapping rune windows and embeds each window in batches.
//  2. The chunks are written to the video's collection ("video_id_<id>")
//     while a per-video lock is held, replacing the previous chunk set by
//     default.
//  3. The Retriever embeds a query and returns the k most similar chunks of
//     one collection, most similar first.
package index

import (
	"context"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// Embedder maps texts to fixed width vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// VectorStore persists chunks per collection and searches them.
type VectorStore interface {
	// Upsert writes chunks; with replace the collection's previous chunks
	// are removed in the same operation.
	Upsert(ctx context.Context, collection string, chunks []model.Chunk, replace bool) error
	// Search returns up to k matches ordered by descending similarity, or
	// *model.CollectionNotFoundError.
	Search(ctx context.Context, collection string, query []float32, k int) ([]model.Match, error)
	DeleteCollection(ctx context.Context, collection string) error
}

// Locker serialises work on a key. The returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}
