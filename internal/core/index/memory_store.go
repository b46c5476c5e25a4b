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

package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// MemoryVectorStore keeps collections in process. It backs the "memory"
// vector store setting and tests.
type MemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string][]model.Chunk
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{collections: make(map[string][]model.Chunk)}
}

func (s *MemoryVectorStore) Upsert(_ context.Context, collection string, chunks []model.Chunk, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.collections[collection]
	if replace {
		existing = nil
	}
	s.collections[collection] = append(append(make([]model.Chunk, 0, len(existing)+len(chunks)), existing...), chunks...)
	return nil
}

func (s *MemoryVectorStore) Search(_ context.Context, collection string, query []float32, k int) ([]model.Match, error) {
	s.mu.RLock()
	chunks, ok := s.collections[collection]
	s.mu.RUnlock()
	if !ok {
		return nil, &model.CollectionNotFoundError{Collection: collection}
	}

	out := make([]model.Match, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, model.Match{Text: c.Text, Metadata: c.Metadata, Score: Cosine(query, c.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k < len(out) {
		out = out[:k]
	}
	return out, nil
}

func (s *MemoryVectorStore) DeleteCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

// Count returns the number of chunks in collection.
func (s *MemoryVectorStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// Cosine is the cosine similarity of a and b; 0 when either is zero or the
// widths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
