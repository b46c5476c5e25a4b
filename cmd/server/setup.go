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


// This file builds the application state: configuration, cloud clients,
// repositories, the analysis and backfill workflows, the agent services and
// the HTTP handlers that expose them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/api"
	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/commands"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/index"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/services"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/workflow"
	"github.com/jaycherian/gcp-go-video-evidence/internal/inference"
)

// AnalysisTopic keys the Pub/Sub topic and subscription of async analysis.
const AnalysisTopic = "analysis"

const backfillBatchSize = 20

// StateManager holds the shared dependencies of the process.
type StateManager struct {
	config   *cloud.Config
	cloud    *cloud.ServiceClients
	videos   services.VideoRepository
	stats    *workflow.Stats
	analysis *workflow.VideoAnalysisWorkflow
	backfill *workflow.IndexBackfillWorkflow
	handlers *api.Handlers
}

var state = &StateManager{}

// SetupOS points the configuration loader at ./configs with the "local"
// runtime unless the environment already chooses.
func SetupOS() error {
	if os.Getenv(cloud.EnvConfigFilePrefix) == "" {
		if err := os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
			return err
		}
	}
	if os.Getenv(cloud.EnvConfigRuntime) == "" {
		return os.Setenv(cloud.EnvConfigRuntime, "local")
	}
	return nil
}

// GetConfig loads and validates the configuration once.
func GetConfig() (*cloud.Config, error) {
	if state.config != nil {
		return state.config, nil
	}
	if err := SetupOS(); err != nil {
		return nil, fmt.Errorf("setup environment: %w", err)
	}
	config := cloud.NewConfig()
	if err := cloud.LoadConfig(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	state.config = config
	return config, nil
}

func newVideoRepository(ctx context.Context, config *cloud.Config, clients *cloud.ServiceClients) (services.VideoRepository, error) {
	if clients.BigQueryClient == nil {
		slog.WarnContext(ctx, "bigquery not configured, video records are kept in memory")
		return services.NewMemoryVideoRepository(), nil
	}
	repo := services.NewBigQueryVideoRepository(
		clients.BigQueryClient,
		config.BigQueryDataSource.DatasetName,
		config.BigQueryDataSource.VideoTable)
	if err := repo.EnsureTable(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// newArchive returns the GCS archive when a bucket is configured and the
// in-memory one otherwise.
func newArchive(config *cloud.Config, clients *cloud.ServiceClients) (commands.ArchiveWriter, services.ArchiveLinker) {
	gcs := cloud.NewGCSArchive(clients.StorageClient, clients.IAMClient, config.Storage, config.Application.SignerServiceAccountEmail)
	if gcs != nil {
		return gcs, gcs
	}
	mem := services.NewMemoryArchive(config.Storage.ArchivePrefix)
	return mem, mem
}

func newIndexer(config *cloud.Config, clients *cloud.ServiceClients) (*index.Indexer, *index.Retriever, error) {
	embedder, ok := clients.EmbeddingModels[config.Index.EmbeddingModel]
	if !ok {
		return nil, nil, fmt.Errorf("index.embedding_model %q is not in embedding_models", config.Index.EmbeddingModel)
	}
	indexer, err := index.NewIndexer(embedder, clients.VectorStore,
		index.WithChunking(config.Index.ChunkSize, config.Index.ChunkOverlap),
		index.WithBatchSize(config.Index.EmbedBatchSize),
		index.WithReplace(config.Index.ReplaceOnReindex),
		index.WithLocker(clients.IndexLocker),
	)
	if err != nil {
		return nil, nil, err
	}
	return indexer, index.NewRetriever(embedder, clients.VectorStore, config.Retrieval.DefaultK), nil
}

// InitState creates every client, service and workflow and starts the
// background listeners and timers.
func InitState(ctx context.Context) error {
	config, err := GetConfig()
	if err != nil {
		return err
	}

	clients, err := cloud.NewCloudServiceClients(ctx, config)
	if err != nil {
		return err
	}
	state.cloud = clients

	videos, err := newVideoRepository(ctx, config, clients)
	if err != nil {
		return err
	}
	state.videos = videos

	indexer, retriever, err := newIndexer(config, clients)
	if err != nil {
		return err
	}

	client, err := inference.NewFromConfig(config.Inference, cloud.NewRetryPolicy(config.Retry))
	if err != nil {
		return err
	}

	archiveWriter, archiveLinker := newArchive(config, clients)
	state.stats = workflow.NewStats()
	state.analysis = workflow.NewVideoAnalysisWorkflow(config, workflow.AnalysisDependencies{
		Videos:   videos,
		Prober:   commands.NewFFprobe(config.Analysis.FFprobePath, time.Duration(config.Analysis.ProbeTimeoutSeconds)*time.Second),
		Analyzer: client,
		Archive:  archiveWriter,
		Indexer:  indexer,
		Stats:    state.stats,
	})
	state.backfill = workflow.NewIndexBackfillWorkflow(
		videos, indexer, state.stats,
		time.Duration(config.Index.BackfillIntervalSeconds)*time.Second,
		backfillBatchSize)

	h := &api.Handlers{
		Videos:             videos,
		Analysis:           state.analysis,
		Stream:             client,
		Indexer:            indexer,
		Marker:             videos,
		Search:             &services.SearchService{Retriever: retriever, Videos: videos},
		Archive:            services.NewArchiveService(archiveLinker, videos, time.Duration(config.Storage.SignedURLMinutes)*time.Minute),
		Stats:              state.stats,
		DefaultInstruction: config.Analysis.DefaultInstruction,
	}
	// Agents need a completer; without one their routes answer 503.
	if d, err := services.NewDetectorService(config, retriever, videos, clients.AgentModels); err == nil {
		h.Detectors = d
	} else {
		slog.WarnContext(ctx, "detector agents disabled", "error", err)
	}
	if s, err := services.NewSummaryService(config, retriever, videos, clients.AgentModels); err == nil {
		h.Summary = s
	} else {
		slog.WarnContext(ctx, "summary agent disabled", "error", err)
	}
	if c, err := services.NewChatService(config, retriever, videos, clients.AgentModels); err == nil {
		h.Chat = c
	} else {
		slog.WarnContext(ctx, "chat agent disabled", "error", err)
	}
	if topic, ok := clients.Publishers[AnalysisTopic]; ok {
		h.Publish = func(ctx context.Context, req model.AnalysisRequest) (string, error) {
			return cloud.PublishAnalysisRequest(ctx, topic, req)
		}
	}
	state.handlers = h

	state.backfill.StartTimer(ctx)
	SetupListeners(ctx, clients, state.analysis)
	return nil
}

// Close releases the cloud clients.
func (s *StateManager) Close() {
	if s.cloud != nil {
		s.cloud.Close()
	}
}
