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

// Package commands holds the cor Commands of the video analysis workflow.
// This file defines the context keys the commands share and the narrow
// collaborator interfaces each command depends on.
package commands

import (
	"context"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// Context keys written by the analysis commands. Values are only read after
// the producing command succeeded.
const (
	ParamRequest      = "__analysis_request__" // model.AnalysisRequest
	ParamVideo        = "__video__"            // *model.Video
	ParamDuration     = "__duration_seconds__" // int
	ParamWindows      = "__windows__"          // []model.TimeWindow
	ParamResults      = "__analysis_result__"  // model.AnalysisResult
	ParamFailures     = "__window_failures__"  // []model.WindowFailure
	ParamArchive      = "__archive_object__"   // cloud.GCSObject
	ParamChunks       = "__chunk_count__"      // int
	ParamIndexWarning = "__index_warning__"    // string
)

// VideoFinder loads a video record.
type VideoFinder interface {
	Get(ctx context.Context, id string) (*model.Video, error)
}

// AnalysisSaver replaces the stored analysis result of a video.
type AnalysisSaver interface {
	SaveAnalysis(ctx context.Context, v *model.Video) error
}

// IndexMarker records when a video's corpus was last written.
type IndexMarker interface {
	MarkIndexed(ctx context.Context, id string, at time.Time) error
}

// DurationProber reads the duration of a playable URL in seconds.
type DurationProber interface {
	Probe(ctx context.Context, url string) (float64, error)
}

// Analyzer runs one inference over a playable URL.
type Analyzer interface {
	Analyze(ctx context.Context, sourceURL, instruction string) (model.Analysis, error)
}

// ArchiveWriter stores a document for a video.
type ArchiveWriter interface {
	Write(ctx context.Context, videoID string, v any) (cloud.GCSObject, error)
}

// CorpusIndexer turns an analysis payload into searchable chunks.
type CorpusIndexer interface {
	Index(ctx context.Context, videoID string, payload model.Analysis) (int, error)
}
