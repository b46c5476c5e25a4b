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


package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

var ErrVideoNotFound = fmt.Errorf("video %w", model.ErrNotFound)

// VideoRepository stores video records. Implementations return an error
// wrapping ErrVideoNotFound for unknown ids.
type VideoRepository interface {
	Create(ctx context.Context, v *model.Video) error
	Get(ctx context.Context, id string) (*model.Video, error)
	List(ctx context.Context, limit, offset int) ([]*model.Video, error)
	SaveAnalysis(ctx context.Context, v *model.Video) error
	SaveSummary(ctx context.Context, id string, summary string) error
	SaveEvaluation(ctx context.Context, id string, topic string, doc map[string]any) error
	MarkIndexed(ctx context.Context, id string, at time.Time) error
	ListPendingIndex(ctx context.Context, limit int) ([]*model.Video, error)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
}

// cloneVideo copies the mutable parts of a record so callers never share
// state with the repository.
func cloneVideo(v *model.Video) *model.Video {
	out := *v
	out.AnalysisResult = slices.Clone(v.AnalysisResult)
	out.Evaluations = make(map[string]map[string]any, len(v.Evaluations))
	for k, doc := range v.Evaluations {
		out.Evaluations[k] = maps.Clone(doc)
	}
	if v.IndexedAt != nil {
		at := *v.IndexedAt
		out.IndexedAt = &at
	}
	return &out
}

// MemoryVideoRepository keeps records in process memory. It backs local runs
// and tests.
type MemoryVideoRepository struct {
	mu     sync.RWMutex
	videos map[string]*model.Video
}

func NewMemoryVideoRepository() *MemoryVideoRepository {
	return &MemoryVideoRepository{videos: make(map[string]*model.Video)}
}

func (r *MemoryVideoRepository) Create(_ context.Context, v *model.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.videos[v.ID]; ok {
		return fmt.Errorf("video %s already exists", v.ID)
	}
	r.videos[v.ID] = cloneVideo(v)
	return nil
}

func (r *MemoryVideoRepository) Get(_ context.Context, id string) (*model.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.videos[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneVideo(v), nil
}

func (r *MemoryVideoRepository) List(_ context.Context, limit, offset int) ([]*model.Video, error) {
	r.mu.RLock()
	all := make([]*model.Video, 0, len(r.videos))
	for _, v := range r.videos {
		all = append(all, cloneVideo(v))
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b *model.Video) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	offset = max(0, offset)
	if offset >= len(all) {
		return []*model.Video{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryVideoRepository) update(id string, fn func(v *model.Video)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return notFound(id)
	}
	fn(v)
	return nil
}

func (r *MemoryVideoRepository) SaveAnalysis(_ context.Context, v *model.Video) error {
	return r.update(v.ID, func(stored *model.Video) {
		stored.AnalysisResult = slices.Clone(v.AnalysisResult)
		stored.IndexedAt = nil
		stored.UpdatedAt = time.Now().UTC()
	})
}

func (r *MemoryVideoRepository) SaveSummary(_ context.Context, id string, summary string) error {
	return r.update(id, func(stored *model.Video) {
		stored.SummaryResult = summary
		stored.UpdatedAt = time.Now().UTC()
	})
}

func (r *MemoryVideoRepository) SaveEvaluation(_ context.Context, id string, topic string, doc map[string]any) error {
	return r.update(id, func(stored *model.Video) {
		if stored.Evaluations == nil {
			stored.Evaluations = make(map[string]map[string]any)
		}
		stored.Evaluations[model.EvaluationKey(topic)] = maps.Clone(doc)
		stored.UpdatedAt = time.Now().UTC()
	})
}

func (r *MemoryVideoRepository) MarkIndexed(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(stored *model.Video) {
		at := at.UTC()
		stored.IndexedAt = &at
	})
}

func (r *MemoryVideoRepository) ListPendingIndex(_ context.Context, limit int) ([]*model.Video, error) {
	r.mu.RLock()
	pending := make([]*model.Video, 0)
	for _, v := range r.videos {
		if v.HasAnalysis() && v.IndexedAt == nil {
			pending = append(pending, cloneVideo(v))
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(pending, func(a, b *model.Video) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	return pending, nil
}
