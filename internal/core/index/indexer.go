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
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Indexer builds the per-video chunk corpus.
type Indexer struct {
	embedder  Embedder
	store     VectorStore
	splitter  *Splitter
	batchSize int
	replace   bool
	locker    Locker
	tracer    trace.Tracer
}

// IndexerOption customises an Indexer.
type IndexerOption func(*Indexer) error

// WithChunking sets the chunk size and overlap in runes.
func WithChunking(size, overlap int) IndexerOption {
	return func(ix *Indexer) error {
		s, err := NewSplitter(size, overlap)
		if err != nil {
			return err
		}
		ix.splitter = s
		return nil
	}
}

// WithBatchSize caps how many chunks go to the embedder per call.
func WithBatchSize(n int) IndexerOption {
	return func(ix *Indexer) error {
		if n < 1 {
			return fmt.Errorf("embed batch size must be >= 1, got %d", n)
		}
		ix.batchSize = n
		return nil
	}
}

// WithReplace chooses between replacing (true) and appending to a
// collection on re-index.
func WithReplace(replace bool) IndexerOption {
	return func(ix *Indexer) error {
		ix.replace = replace
		return nil
	}
}

// WithLocker adds a lock acquired after the in-process per-video mutex,
// typically a distributed one.
func WithLocker(l Locker) IndexerOption {
	return func(ix *Indexer) error {
		if l != nil {
			ix.locker = Compose(ix.locker, l)
		}
		return nil
	}
}

// NewIndexer defaults to 1000 rune chunks with 200 rune overlap, batches of
// 64 and replace semantics.
//
// Inputs:
//   - embedder: the embedding provider.
//   - store: the vector store holding the collections.
//   - opts: chunking, batching, replace and locking options.
//
// Outputs:
//   - *Indexer: the configured indexer.
//   - error: an invalid option.
func NewIndexer(embedder Embedder, store VectorStore, opts ...IndexerOption) (*Indexer, error) {
	splitter, _ := NewSplitter(1000, 200)
	ix := &Indexer{
		embedder:  embedder,
		store:     store,
		splitter:  splitter,
		batchSize: 64,
		replace:   true,
		locker:    NewKeyedMutex(),
		tracer:    otel.Tracer("corpus-indexer"),
	}
	for _, opt := range opts {
		if err := opt(ix); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// Index embeds payload into the collection of videoID and returns the
// number of chunks written. An empty payload is a *model.NoAnalysisError.
func (ix *Indexer) Index(ctx context.Context, videoID string, payload model.Analysis) (n int, err error) {
	if payload.IsEmpty() {
		return 0, &model.NoAnalysisError{VideoID: videoID}
	}
	collection := model.CollectionName(videoID)
	ctx, span := ix.tracer.Start(ctx, "index", trace.WithAttributes(
		attribute.String("video_id", videoID),
		attribute.String("collection", collection),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	spans := ix.splitter.Split(payload.Serialize())

	release, err := ix.locker.Lock(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("lock %s: %w", collection, err)
	}
	defer release()

	chunks := make([]model.Chunk, 0, len(spans))
	for start := 0; start < len(spans); start += ix.batchSize {
		batch := spans[start:min(start+ix.batchSize, len(spans))]
		texts := make([]string, len(batch))
		for i, s := range batch {
			texts[i] = s.Text
		}
		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed chunks %d-%d of %s: %w", start, start+len(batch), collection, err)
		}
		if len(vectors) != len(batch) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}
		for i, s := range batch {
			chunks = append(chunks, model.Chunk{
				ID:        uuid.NewString(),
				Text:      s.Text,
				Embedding: vectors[i],
				Metadata: map[string]any{
					model.MetaVideoID:        videoID,
					model.MetaCollection:     collection,
					model.MetaChunkIndex:     start + i,
					model.MetaStartOffset:    s.Start,
					model.MetaEndOffset:      s.End,
					model.MetaEmbeddingModel: ix.embedder.ModelName(),
				},
			})
		}
	}

	if err := ix.store.Upsert(ctx, collection, chunks, ix.replace); err != nil {
		return 0, fmt.Errorf("upsert %s: %w", collection, err)
	}
	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	slog.InfoContext(ctx, "indexed analysis", "video_id", videoID, "collection", collection, "chunks", len(chunks), "replace", ix.replace)
	return len(chunks), nil
}

// IndexVideo indexes the stored analysis result of v.
func (ix *Indexer) IndexVideo(ctx context.Context, v *model.Video) (int, error) {
	payload, err := v.AnalysisResult.Payload()
	if err != nil {
		return 0, err
	}
	return ix.Index(ctx, v.ID, payload)
}

// IndexSignal maps an indexing outcome to the 1 / -1 signal reported by the
// indexing endpoint; NoAnalysisError and every other failure are -1.
func IndexSignal(err error) int {
	if err == nil {
		return 1
	}
	return -1
}
