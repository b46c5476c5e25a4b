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

package model

// CollectionPrefix namespaces the per-video vector collections.
const CollectionPrefix = "video_id_"

// CollectionName derives the vector collection of a video.
func CollectionName(videoID string) string {
	return CollectionPrefix + videoID
}

// Chunk metadata keys.
const (
	MetaVideoID        = "video_id"
	MetaCollection     = "collection"
	MetaChunkIndex     = "chunk_index"
	MetaStartOffset    = "start_offset"
	MetaEndOffset      = "end_offset"
	MetaEmbeddingModel = "embedding_model"
)

// Chunk is a slice of serialised analysis text ready to be stored.
type Chunk struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"source_metadata"`
	Embedding []float32      `json:"-"`
}

// Match is one retrieval hit.
type Match struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"source_metadata"`
	Score    float64        `json:"score"`
}
