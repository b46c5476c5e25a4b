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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// Retriever answers similarity queries over one video's collection.
type Retriever struct {
	embedder Embedder
	store    VectorStore
	defaultK int
}

// NewRetriever uses defaultK when a caller asks for k < 1. It falls back
// to 2 if defaultK itself is below 1.
func NewRetriever(embedder Embedder, store VectorStore, defaultK int) *Retriever {
	if defaultK < 1 {
		defaultK = 2
	}
	return &Retriever{embedder: embedder, store: store, defaultK: defaultK}
}

// Retrieve returns the k chunks most similar to query, most similar first.
// k <= 0 uses the default. A video that was never indexed yields
// *model.CollectionNotFoundError.
func (r *Retriever) Retrieve(ctx context.Context, videoID, query string, k int) ([]model.Match, error) {
	if k <= 0 {
		k = r.defaultK
	}
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}
	return r.store.Search(ctx, model.CollectionName(videoID), vectors[0], k)
}

// FormatContext renders matches as "Source: <metadata>\nContent: <text>"
// blocks separated by blank lines, ready for a prompt.
func FormatContext(matches []model.Match) string {
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		meta, err := json.Marshal(m.Metadata)
		if err != nil {
			meta = []byte("{}")
		}
		blocks = append(blocks, fmt.Sprintf("Source: %s\nContent: %s", meta, m.Text))
	}
	return strings.Join(blocks, "\n\n")
}
