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

package workflow

import (
	"sync/atomic"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/commands"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// Stats counts analysis runs, windows and index operations since start.
type Stats struct {
	startedAt     time.Time
	runs          atomic.Int64
	failedRuns    atomic.Int64
	windows       atomic.Int64
	windowsOK     atomic.Int64
	windowsFailed atomic.Int64
	indexOps      atomic.Int64
	indexFailures atomic.Int64
	chunksIndexed atomic.Int64
}

// StatsSnapshot is the JSON view of Stats.
type StatsSnapshot struct {
	Since          time.Time `json:"since"`
	Runs           int64     `json:"runs"`
	FailedRuns     int64     `json:"failed_runs"`
	WindowsPlanned int64     `json:"windows_planned"`
	WindowsOK      int64     `json:"windows_succeeded"`
	WindowsFailed  int64     `json:"windows_failed"`
	IndexOps       int64     `json:"index_operations"`
	IndexFailures  int64     `json:"index_failures"`
	ChunksIndexed  int64     `json:"chunks_indexed"`
}

func NewStats() *Stats {
	return &Stats{startedAt: time.Now().UTC()}
}

func (s *Stats) recordRun(context cor.Context) {
	s.runs.Add(1)
	if context.HasErrors() {
		s.failedRuns.Add(1)
	}
	if w, ok := context.Get(commands.ParamWindows).([]model.TimeWindow); ok {
		s.windows.Add(int64(len(w)))
	}
	if r, ok := context.Get(commands.ParamResults).(model.AnalysisResult); ok {
		s.windowsOK.Add(int64(len(r)))
	}
	if f, ok := context.Get(commands.ParamFailures).([]model.WindowFailure); ok {
		s.windowsFailed.Add(int64(len(f)))
	}
	if n, ok := context.Get(commands.ParamChunks).(int); ok {
		_, warned := context.Get(commands.ParamIndexWarning).(string)
		s.RecordIndex(n, warned)
	}
}

// RecordIndex counts one index operation outside the analysis workflow.
func (s *Stats) RecordIndex(chunks int, failed bool) {
	s.indexOps.Add(1)
	if failed {
		s.indexFailures.Add(1)
		return
	}
	s.chunksIndexed.Add(int64(chunks))
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Since:          s.startedAt,
		Runs:           s.runs.Load(),
		FailedRuns:     s.failedRuns.Load(),
		WindowsPlanned: s.windows.Load(),
		WindowsOK:      s.windowsOK.Load(),
		WindowsFailed:  s.windowsFailed.Load(),
		IndexOps:       s.indexOps.Load(),
		IndexFailures:  s.indexFailures.Load(),
		ChunksIndexed:  s.chunksIndexed.Load(),
	}
}
