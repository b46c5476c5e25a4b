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

package model

import (
	"fmt"
	"time"
)

// TimeWindow is a half open range [Start, End) in whole seconds.
type TimeWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (w TimeWindow) Length() int { return w.End - w.Start }

func (w TimeWindow) String() string { return fmt.Sprintf("[%d,%d)", w.Start, w.End) }

// SegmentAnalysis is the persisted result for one window.
type SegmentAnalysis struct {
	StartTimeSeconds int      `json:"start_time_seconds"`
	EndTimeSeconds   int      `json:"end_time_seconds"`
	Analysis         Analysis `json:"analysis"`
}

func NewSegmentAnalysis(w TimeWindow, a Analysis) SegmentAnalysis {
	return SegmentAnalysis{StartTimeSeconds: w.Start, EndTimeSeconds: w.End, Analysis: a}
}

func (s SegmentAnalysis) Window() TimeWindow {
	return TimeWindow{Start: s.StartTimeSeconds, End: s.EndTimeSeconds}
}

// AnalysisResult is the ordered list of segment analyses for one video.
type AnalysisResult []SegmentAnalysis

// Payload returns the whole result as a Structured analysis so the indexer
// serialises the list the same way it is persisted.
func (r AnalysisResult) Payload() (Analysis, error) {
	if len(r) == 0 {
		return Analysis{}, nil
	}
	b, err := MarshalUnescaped(r)
	if err != nil {
		return Analysis{}, err
	}
	return StructuredAnalysis(b)
}

// WindowFailure describes a window that failed under the partial policy.
type WindowFailure struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Error string `json:"error"`
}

// AnalysisRun is what one run of the analysis workflow reports to its caller.
type AnalysisRun struct {
	VideoID      string          `json:"video_id"`
	Duration     int             `json:"duration_seconds"`
	Results      AnalysisResult  `json:"analysis_result"`
	Failed       []WindowFailure `json:"failed_windows,omitempty"`
	Chunks       int             `json:"indexed_chunks"`
	IndexWarning string          `json:"index_warning,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// StreamAnalysis is the answer of a single whole-video inference.
type StreamAnalysis struct {
	Timestamp time.Time `json:"timestamp"`
	Analysis  Analysis  `json:"analysis"`
}

// AnalysisRequest is the message that asks for one video to be analysed. It
// is published to the analysis topic and accepted by the workflow input.
type AnalysisRequest struct {
	VideoID     string `json:"video_id"`
	Instruction string `json:"instruction,omitempty"`
}
