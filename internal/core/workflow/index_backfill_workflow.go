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

// Package workflow combines commands into the application's pipelines. This
// file implements the background index backfill.
//
// Logic Flow:
//  1. StartTimer fires every index.backfill_interval_seconds.
//  2. Each tick lists videos that have an analysis result but no indexed
//     time (the analysis run persisted but its indexing step failed, or the
//     process stopped in between).
//  3. Every listed video is indexed and marked; a failure is recorded and
//     the remaining videos are still processed.
package workflow

import (
	goctx "context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// PendingIndexSource lists videos waiting for indexing and marks them done.
type PendingIndexSource interface {
	ListPendingIndex(ctx goctx.Context, limit int) ([]*model.Video, error)
	MarkIndexed(ctx goctx.Context, id string, at time.Time) error
}

// VideoIndexer indexes a video's stored analysis result.
type VideoIndexer interface {
	IndexVideo(ctx goctx.Context, v *model.Video) (int, error)
}

// IndexBackfillWorkflow re-indexes videos whose corpus is missing.
type IndexBackfillWorkflow struct {
	cor.BaseCommand
	videos    PendingIndexSource
	indexer   VideoIndexer
	stats     *Stats
	interval  time.Duration
	batchSize int
}

// NewIndexBackfillWorkflow processes up to batchSize videos per tick.
func NewIndexBackfillWorkflow(videos PendingIndexSource, indexer VideoIndexer, stats *Stats, interval time.Duration, batchSize int) *IndexBackfillWorkflow {
	if stats == nil {
		stats = NewStats()
	}
	return &IndexBackfillWorkflow{
		BaseCommand: *cor.NewBaseCommand("index-backfill"),
		videos:      videos,
		indexer:     indexer,
		stats:       stats,
		interval:    interval,
		batchSize:   max(1, batchSize),
	}
}

// IsExecutable always holds; the workflow reads its own input.
func (m *IndexBackfillWorkflow) IsExecutable(_ cor.Context) bool {
	return true
}

// Execute indexes one batch of pending videos.
func (m *IndexBackfillWorkflow) Execute(context cor.Context) {
	ctx := context.GetContext()
	pending, err := m.videos.ListPendingIndex(ctx, m.batchSize)
	if err != nil {
		m.Fail(context, fmt.Errorf("list pending videos: %w", err))
		return
	}
	indexed := 0
	for _, v := range pending {
		if err := ctx.Err(); err != nil {
			m.Fail(context, err)
			return
		}
		n, err := m.indexer.IndexVideo(ctx, v)
		if err == nil {
			err = m.videos.MarkIndexed(ctx, v.ID, time.Now().UTC())
		}
		m.stats.RecordIndex(n, err != nil)
		if err != nil {
			slog.WarnContext(ctx, "backfill indexing failed", "video_id", v.ID, "error", err)
			m.Fail(context, fmt.Errorf("video %s: %w", v.ID, err))
			continue
		}
		indexed++
	}
	if len(pending) > 0 {
		slog.InfoContext(ctx, "backfill pass complete", "pending", len(pending), "indexed", indexed)
	}
	if !context.HasErrors() {
		m.Succeed(context, indexed)
	}
}

// StartTimer runs Execute every interval until ctx is done. A zero interval
// disables the timer.
func (m *IndexBackfillWorkflow) StartTimer(ctx goctx.Context) {
	if m.interval <= 0 {
		return
	}
	tracer := otel.Tracer("index-backfill")
	ticker := time.NewTicker(m.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				traceCtx, span := tracer.Start(ctx, "index-backfill")
				chainCtx := cor.NewBaseContext()
				chainCtx.SetContext(traceCtx)

				m.Execute(chainCtx)

				if chainCtx.HasErrors() {
					span.SetStatus(codes.Error, "failed to index some videos")
				} else {
					span.SetStatus(codes.Ok, "backfill complete")
				}
				span.End()
			case <-ctx.Done():
				return
			}
		}
	}()
}
