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


package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/services"
	test "github.com/jaycherian/gcp-go-video-evidence/internal/testutil"
	"github.com/zeebo/assert"
)

func TestMemoryRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := services.NewMemoryVideoRepository()

	v := model.NewVideo("Lobby", "front door camera", test.SampleVideoURL)
	assert.NoError(t, repo.Create(ctx, v))
	assert.Error(t, repo.Create(ctx, v))

	got, err := repo.Get(ctx, v.ID)
	assert.NoError(t, err)
	assert.Equal(t, got.Title, "Lobby")
	assert.That(t, !got.HasAnalysis())

	pending, err := repo.ListPendingIndex(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, len(pending), 0)

	got.AnalysisResult = test.SampleResult()
	assert.NoError(t, repo.SaveAnalysis(ctx, got))

	pending, err = repo.ListPendingIndex(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, len(pending), 1)
	assert.Equal(t, pending[0].ID, v.ID)

	assert.NoError(t, repo.MarkIndexed(ctx, v.ID, time.Now()))
	pending, err = repo.ListPendingIndex(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, len(pending), 0)

	// A new analysis makes the corpus stale again.
	assert.NoError(t, repo.SaveAnalysis(ctx, got))
	stored, err := repo.Get(ctx, v.ID)
	assert.NoError(t, err)
	assert.That(t, stored.IndexedAt == nil)
	assert.Equal(t, len(stored.AnalysisResult), 3)
}

func TestMemoryRepositoryNotFound(t *testing.T) {
	ctx := context.Background()
	repo := services.NewMemoryVideoRepository()

	_, err := repo.Get(ctx, "missing")
	assert.That(t, errors.Is(err, services.ErrVideoNotFound))
	assert.That(t, errors.Is(repo.SaveSummary(ctx, "missing", "x"), services.ErrVideoNotFound))
	assert.That(t, errors.Is(repo.MarkIndexed(ctx, "missing", time.Now()), services.ErrVideoNotFound))
	assert.That(t, errors.Is(repo.SaveEvaluation(ctx, "missing", "crime", nil), services.ErrVideoNotFound))
	assert.That(t, errors.Is(repo.SaveAnalysis(ctx, &model.Video{ID: "missing"}), services.ErrVideoNotFound))
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := services.NewMemoryVideoRepository()
	v := model.NewVideo("Lobby", "", test.SampleVideoURL)
	v.AnalysisResult = test.SampleResult()
	assert.NoError(t, repo.Create(ctx, v))
	assert.NoError(t, repo.SaveEvaluation(ctx, v.ID, "fire", map[string]any{"severity_evaluation": "low"}))

	got, err := repo.Get(ctx, v.ID)
	assert.NoError(t, err)
	got.Title = "changed"
	got.AnalysisResult[0] = model.NewSegmentAnalysis(model.TimeWindow{Start: 0, End: 1}, model.TextAnalysis("changed"))
	got.Evaluations[model.EvaluationKey("fire")]["severity_evaluation"] = "high"

	again, err := repo.Get(ctx, v.ID)
	assert.NoError(t, err)
	assert.Equal(t, again.Title, "Lobby")
	assert.Equal(t, again.AnalysisResult[0].EndTimeSeconds, 30)
	assert.Equal(t, again.Evaluations["fire_evaluation"]["severity_evaluation"], "low")
}

func TestMemoryRepositoryListOrder(t *testing.T) {
	ctx := context.Background()
	repo := services.NewMemoryVideoRepository()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		v := model.NewVideo("clip", "", test.SampleVideoURL)
		v.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		assert.NoError(t, repo.Create(ctx, v))
		ids = append(ids, v.ID)
	}

	all, err := repo.List(ctx, 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(all), 3)
	assert.Equal(t, all[0].ID, ids[2])
	assert.Equal(t, all[2].ID, ids[0])

	page, err := repo.List(ctx, 1, 1)
	assert.NoError(t, err)
	assert.Equal(t, len(page), 1)
	assert.Equal(t, page[0].ID, ids[1])

	empty, err := repo.List(ctx, 10, 5)
	assert.NoError(t, err)
	assert.Equal(t, len(empty), 0)
}
