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
// file implements the video analysis workflow: probe, plan, analyse every
// window, persist, archive and index.
package workflow

import (
	goctx "context"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/commands"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// VideoRepository is the subset of the video store the workflow uses.
type VideoRepository interface {
	commands.VideoFinder
	commands.AnalysisSaver
	commands.IndexMarker
}

// AnalysisDependencies are the collaborators of the analysis workflow.
// Archive may be nil.
type AnalysisDependencies struct {
	Videos   VideoRepository
	Prober   commands.DurationProber
	Analyzer commands.Analyzer
	Archive  commands.ArchiveWriter
	Indexer  commands.CorpusIndexer
	Stats    *Stats
}

// VideoAnalysisWorkflow is the segment analysis aggregator. It runs from the
// API (Run) and from the Pub/Sub listener (Execute with the message body as
// input).
type VideoAnalysisWorkflow struct {
	cor.BaseCommand
	config *cloud.Config
	deps   AnalysisDependencies
	chain  cor.Chain
}

// NewVideoAnalysisWorkflow builds the workflow and its chain.
//
// Inputs:
//   - config: supplies analysis.* and application.thread_pool_size.
//   - deps: repository, prober, inference client, archive and indexer.
//
// Outputs:
//   - *VideoAnalysisWorkflow: ready to Run or to attach to a listener.
func NewVideoAnalysisWorkflow(config *cloud.Config, deps AnalysisDependencies) *VideoAnalysisWorkflow {
	if deps.Stats == nil {
		deps.Stats = NewStats()
	}
	w := &VideoAnalysisWorkflow{
		BaseCommand: *cor.NewBaseCommand("video-analysis-workflow"),
		config:      config,
		deps:        deps,
	}
	w.initializeChain()
	return w
}

func (w *VideoAnalysisWorkflow) initializeChain() {
	out := cor.NewBaseChain(w.GetName())

	// Step 1: Pub/Sub body, JSON string or bare id to an AnalysisRequest.
	out.AddCommand(commands.NewAnalysisRequestReader("analysis-request-reader"))

	// Step 2: Load the video record.
	out.AddCommand(commands.NewVideoLookup("video-lookup", w.deps.Videos))

	// Step 3: Read the duration of the source video.
	out.AddCommand(commands.NewDurationProbe("duration-probe", w.deps.Prober))

	// Step 4: Plan the bounded windows.
	out.AddCommand(commands.NewWindowPlanner("window-planner", w.config.Analysis.MaxWindowSeconds))

	// Step 5: Analyse every window through the inference client.
	out.AddCommand(commands.NewSegmentAnalyzer(
		"segment-analyzer",
		w.deps.Analyzer,
		w.config.Application.ThreadPoolSize,
		w.config.Analysis.FailurePolicy,
		w.config.Analysis.DefaultInstruction))

	// Step 6: Replace the stored analysis result.
	out.AddCommand(commands.NewAnalysisPersist("analysis-persist", w.deps.Videos))

	// Step 7: Copy the result to object storage. Failures only warn.
	out.AddCommand(commands.NewAnalysisArchive("analysis-archive", w.deps.Archive))

	// Step 8: Rebuild the video's retrieval corpus. Failures only warn.
	out.AddCommand(commands.NewCorpusIndex("corpus-index", w.deps.Indexer, w.deps.Videos))

	w.chain = out
}

// IsExecutable only needs a Go context; the request reader checks the input.
func (w *VideoAnalysisWorkflow) IsExecutable(context cor.Context) bool {
	return context != nil && context.GetContext() != nil
}

// Execute runs the chain against context and records run statistics.
func (w *VideoAnalysisWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
	w.deps.Stats.recordRun(context)
	if context.HasErrors() {
		w.GetErrorCounter().Add(context.GetContext(), 1)
		return
	}
	w.GetSuccessCounter().Add(context.GetContext(), 1)
}

// Run analyses videoID with the default instruction.
func (w *VideoAnalysisWorkflow) Run(ctx goctx.Context, videoID string) (*model.AnalysisRun, error) {
	return w.RunRequest(ctx, model.AnalysisRequest{VideoID: videoID})
}

// RunRequest analyses req.VideoID and returns the ordered result.
//
// Outputs:
//   - *model.AnalysisRun: results in window order, failed windows under the
//     partial policy and the indexing outcome.
//   - error: the first terminal error of the run; nothing is persisted when
//     it is set.
func (w *VideoAnalysisWorkflow) RunRequest(ctx goctx.Context, req model.AnalysisRequest) (*model.AnalysisRun, error) {
	chainCtx := cor.NewBaseContext()
	chainCtx.SetContext(ctx)
	chainCtx.Add(cor.CtxIn, req)
	defer chainCtx.Close()

	started := time.Now().UTC()
	w.Execute(chainCtx)
	if err := chainCtx.Err(); err != nil {
		return nil, err
	}

	run := &model.AnalysisRun{
		VideoID:    req.VideoID,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if d, ok := chainCtx.Get(commands.ParamDuration).(int); ok {
		run.Duration = d
	}
	if r, ok := chainCtx.Get(commands.ParamResults).(model.AnalysisResult); ok {
		run.Results = r
	}
	if f, ok := chainCtx.Get(commands.ParamFailures).([]model.WindowFailure); ok && len(f) > 0 {
		run.Failed = f
	}
	if n, ok := chainCtx.Get(commands.ParamChunks).(int); ok {
		run.Chunks = n
	}
	if warn, ok := chainCtx.Get(commands.ParamIndexWarning).(string); ok {
		run.IndexWarning = warn
	}
	return run, nil
}
