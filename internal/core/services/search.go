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


// Package services contains the business logic for interacting with data sources.
// This file, `search.go`, defines the SearchService, which answers free text
// queries against one video's indexed analysis.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

var ErrEmptyQuery = errors.New("query must not be empty")

// SearchService runs similarity search over a video's corpus.
type SearchService struct {
	Retriever ContextRetriever // Embeds the query and searches the vector store.
	Videos    VideoFinder      // Used to report unknown videos before searching.
}

// FindChunks returns up to maxResults chunks most similar to query, most
// similar first. maxResults <= 0 uses the retriever's default.
//
// Inputs:
//   - ctx: The context for the request, used for cancellation and tracing.
//   - videoID: The video whose collection is searched.
//   - query: The natural language search string (e.g. "a person climbing a fence").
//   - maxResults: The 'k' of the k-nearest neighbour search.
//
// Outputs:
//   - []model.Match: Matching chunks with their source metadata and score.
//   - error: ErrEmptyQuery, a not found error for the video, or
//     *model.CollectionNotFoundError when the video was never indexed.
func (s *SearchService) FindChunks(ctx context.Context, videoID, query string, maxResults int) ([]model.Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if _, err := s.Videos.Get(ctx, videoID); err != nil {
		return nil, err
	}
	out, err := s.Retriever.Retrieve(ctx, videoID, query, maxResults)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make([]model.Match, 0)
	}
	return out, nil
}
