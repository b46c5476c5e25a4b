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


// Package api defines the gin route groups of the server and maps domain
// errors to HTTP responses.
//
// Route groups (all under /api/v1):
//   - VideoRouter: video records, analysis runs, indexing, search, summary
//     and the archive link.
//   - AgentRouter: detector agents and chat threads.
//   - Dashboard: process statistics.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/commands"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/services"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/workflow"
)

// Videos is the part of the video repository the handlers use.
type Videos interface {
	Create(ctx context.Context, v *model.Video) error
	Get(ctx context.Context, id string) (*model.Video, error)
	List(ctx context.Context, limit, offset int) ([]*model.Video, error)
}

type AnalysisRunner interface {
	RunRequest(ctx context.Context, req model.AnalysisRequest) (*model.AnalysisRun, error)
}

// StreamAnalyzer runs one inference over a whole video.
type StreamAnalyzer interface {
	AnalyzeFull(ctx context.Context, sourceURL, instruction string) (*model.StreamAnalysis, error)
}

// AnalysisPublisher enqueues an analysis request and returns the message id.
type AnalysisPublisher func(ctx context.Context, req model.AnalysisRequest) (string, error)

type VideoIndexer interface {
	IndexVideo(ctx context.Context, v *model.Video) (int, error)
}

type Searcher interface {
	FindChunks(ctx context.Context, videoID, query string, maxResults int) ([]model.Match, error)
}

type Detector interface {
	Topics() []string
	Detect(ctx context.Context, topic, videoID string) (*model.Verdict, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, videoID string) (string, error)
}

type Chatter interface {
	StartThread(ctx context.Context, videoID string) (string, error)
	Chat(ctx context.Context, videoID, threadID, message string) (*services.ChatReply, error)
}

type ArchiveLinker interface {
	Link(ctx context.Context, videoID string) (*services.ArchiveLink, error)
}

type StatsSource interface {
	Snapshot() workflow.StatsSnapshot
}

// Handlers carries the services behind the routes. Optional services left
// nil answer 503.
type Handlers struct {
	Videos             Videos
	Analysis           AnalysisRunner
	Stream             StreamAnalyzer
	Publish            AnalysisPublisher
	Indexer            VideoIndexer
	Marker             commands.IndexMarker
	Search             Searcher
	Detectors          Detector
	Summary            Summarizer
	Chat               Chatter
	Archive            ArchiveLinker
	Stats              StatsSource
	DefaultInstruction string
}

// Register adds every route group to r.
func (h *Handlers) Register(r *gin.RouterGroup) {
	h.VideoRouter(r)
	h.AgentRouter(r)
	h.Dashboard(r)
}
