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
// This file defines the segment analyzer, which runs one inference per time
// window and assembles the ordered analysis result.
//
// Logic Flow:
//  1. Every window's trimmed URL is derived up front. A malformed source URL
//     fails the command before any remote work starts.
//  2. **Worker Pool Pattern**: a jobs channel feeds a fixed number of worker
//     goroutines (application.thread_pool_size); each sends a result carrying
//     its window index back on a results channel.
//  3. Each window runs inside its own span under a run context that the
//     collector can cancel.
//  4. Results are placed by window index, so the output order never depends
//     on completion order.
//  5. fail_fast: the first failure cancels the in-flight windows; the
//     earliest window that failed becomes the command error and nothing is
//     emitted. partial: successful windows are
//     emitted in order and failures are listed under ParamFailures; a run with
//     no successful window still fails.
package commands

import (
	goctx "context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/segment"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SegmentAnalyzer analyses every planned window of one video.
type SegmentAnalyzer struct {
	cor.BaseCommand
	analyzer           Analyzer
	numberOfWorkers    int
	failurePolicy      string
	defaultInstruction string
	windowCounter      metric.Int64Counter
	windowErrorCounter metric.Int64Counter
}

// NewSegmentAnalyzer builds the command.
//
// Inputs:
//   - name: command name used for spans and counters.
//   - analyzer: the remote inference client.
//   - numberOfWorkers: concurrent windows, at least 1.
//   - failurePolicy: cloud.FailurePolicyFailFast or cloud.FailurePolicyPartial.
//   - defaultInstruction: used when the request carries no instruction.
func NewSegmentAnalyzer(name string, analyzer Analyzer, numberOfWorkers int, failurePolicy, defaultInstruction string) *SegmentAnalyzer {
	out := &SegmentAnalyzer{
		BaseCommand:        *cor.NewBaseCommand(name),
		analyzer:           analyzer,
		numberOfWorkers:    max(1, numberOfWorkers),
		failurePolicy:      failurePolicy,
		defaultInstruction: defaultInstruction,
	}
	out.windowCounter, _ = out.GetMeter().Int64Counter(fmt.Sprintf("%s.window.success", name))
	out.windowErrorCounter, _ = out.GetMeter().Int64Counter(fmt.Sprintf("%s.window.error", name))
	return out
}

// IsExecutable also requires the video record for its source URL.
func (s *SegmentAnalyzer) IsExecutable(context cor.Context) bool {
	return s.BaseCommand.IsExecutable(context) && context.Get(ParamVideo) != nil
}

type segmentJob struct {
	index  int
	window model.TimeWindow
	url    string
}

type segmentResult struct {
	index    int
	analysis model.Analysis
	err      error
}

func (s *SegmentAnalyzer) instruction(context cor.Context) string {
	if req, ok := context.Get(ParamRequest).(model.AnalysisRequest); ok && req.Instruction != "" {
		return req.Instruction
	}
	return s.defaultInstruction
}

func (s *SegmentAnalyzer) Execute(context cor.Context) {
	windows := context.Get(s.GetInputParam()).([]model.TimeWindow)
	video := context.Get(ParamVideo).(*model.Video)
	instruction := s.instruction(context)

	jobs := make([]segmentJob, len(windows))
	for i, w := range windows {
		u, err := segment.Derive(video.VideoURL, w)
		if err != nil {
			s.Fail(context, err)
			return
		}
		jobs[i] = segmentJob{index: i, window: w, url: u}
	}

	runCtx, cancel := goctx.WithCancel(context.GetContext())
	defer cancel()

	var wg sync.WaitGroup
	jobCh := make(chan segmentJob, len(jobs))
	results := make(chan segmentResult, len(jobs))
	for w := 0; w < min(s.numberOfWorkers, len(jobs)); w++ {
		wg.Add(1)
		go s.worker(runCtx, instruction, jobCh, results, &wg)
	}
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)
	go func() {
		wg.Wait()
		close(results)
	}()

	analyses := make([]model.Analysis, len(jobs))
	succeeded := make([]bool, len(jobs))
	failed := make(map[int]error)
	firstIndex := -1
	var firstErr, cancelErr error
	failFast := s.failurePolicy != cloud.FailurePolicyPartial
	for r := range results {
		if r.err == nil {
			analyses[r.index] = r.analysis
			succeeded[r.index] = true
			continue
		}
		if failFast {
			// Windows cancelled because of another failure are not reported;
			// the earliest window that failed on its own is.
			if runCtx.Err() != nil && errors.Is(r.err, goctx.Canceled) {
				if cancelErr == nil {
					cancelErr = r.err
				}
				continue
			}
			if firstIndex < 0 || r.index < firstIndex {
				firstIndex, firstErr = r.index, r.err
			}
			cancel()
			continue
		}
		failed[r.index] = r.err
	}

	if failFast && firstErr == nil {
		firstErr = cancelErr
	}
	if failFast && firstErr != nil {
		s.Fail(context, firstErr)
		return
	}

	result := make(model.AnalysisResult, 0, len(jobs))
	for i, ok := range succeeded {
		if ok {
			result = append(result, model.NewSegmentAnalysis(jobs[i].window, analyses[i]))
		}
	}
	failures := make([]model.WindowFailure, 0, len(failed))
	indexes := make([]int, 0, len(failed))
	for i := range failed {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		failures = append(failures, model.WindowFailure{Start: jobs[i].window.Start, End: jobs[i].window.End, Error: failed[i].Error()})
	}
	if len(result) == 0 {
		if len(indexes) > 0 {
			s.Fail(context, failed[indexes[0]])
		} else {
			s.Fail(context, errors.New("no windows analysed"))
		}
		return
	}
	if len(failures) > 0 {
		slog.WarnContext(context.GetContext(), "analysis completed with failed windows",
			"video_id", video.ID, "failed", len(failures), "succeeded", len(result))
	}
	context.Add(ParamFailures, failures)
	context.Add(ParamResults, result)
	s.Succeed(context, result)
}

func (s *SegmentAnalyzer) worker(ctx goctx.Context, instruction string, jobs <-chan segmentJob, results chan<- segmentResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range jobs {
		if err := ctx.Err(); err != nil {
			results <- segmentResult{index: j.index, err: err}
			continue
		}
		results <- s.analyze(ctx, instruction, j)
	}
}

func (s *SegmentAnalyzer) analyze(ctx goctx.Context, instruction string, j segmentJob) segmentResult {
	windowCtx, span := s.Tracer.Start(ctx, fmt.Sprintf("%s_window_%d", s.GetName(), j.index),
		trace.WithAttributes(
			attribute.Int("sequence", j.index),
			attribute.Int("start", j.window.Start),
			attribute.Int("end", j.window.End),
			attribute.String("url", j.url),
		))
	defer span.End()

	a, err := s.analyzer.Analyze(windowCtx, j.url, instruction)
	if err != nil {
		err = withWindow(err, j.window)
		span.RecordError(err)
		span.SetStatus(codes.Error, "window analysis failed")
		s.windowErrorCounter.Add(windowCtx, 1)
		return segmentResult{index: j.index, err: err}
	}
	span.SetStatus(codes.Ok, "window analysed")
	s.windowCounter.Add(windowCtx, 1)
	return segmentResult{index: j.index, analysis: a}
}

// withWindow tags err with the window it belongs to.
func withWindow(err error, w model.TimeWindow) error {
	var infErr *model.InferenceError
	if errors.As(err, &infErr) {
		infErr.Window = &w
		return err
	}
	return fmt.Errorf("window %s: %w", w, err)
}
