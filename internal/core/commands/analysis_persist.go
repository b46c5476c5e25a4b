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

package commands

import (
	"fmt"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// AnalysisPersist replaces the video's stored analysis result with the new
// one and clears its indexed time, so the old corpus is treated as stale
// until the indexing step succeeds.
type AnalysisPersist struct {
	cor.BaseCommand
	videos AnalysisSaver
}

func NewAnalysisPersist(name string, videos AnalysisSaver) *AnalysisPersist {
	return &AnalysisPersist{BaseCommand: *cor.NewBaseCommand(name), videos: videos}
}

func (c *AnalysisPersist) IsExecutable(context cor.Context) bool {
	return c.BaseCommand.IsExecutable(context) && context.Get(ParamVideo) != nil
}

func (c *AnalysisPersist) Execute(context cor.Context) {
	result := context.Get(c.GetInputParam()).(model.AnalysisResult)
	video := context.Get(ParamVideo).(*model.Video)

	updated := *video
	updated.AnalysisResult = result
	updated.IndexedAt = nil
	updated.UpdatedAt = time.Now().UTC()
	if err := c.videos.SaveAnalysis(context.GetContext(), &updated); err != nil {
		c.Fail(context, fmt.Errorf("failed to persist analysis for %s: %w", video.ID, err))
		return
	}
	*video = updated
	c.Succeed(context, result)
}
