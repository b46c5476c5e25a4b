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
	"log/slog"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// AnalysisArchive copies the persisted result to object storage. A failure
// is logged and never fails the run; the result passes through unchanged.
type AnalysisArchive struct {
	cor.BaseCommand
	archive ArchiveWriter
}

// NewAnalysisArchive accepts a nil archive, in which case the step only
// passes its input through.
func NewAnalysisArchive(name string, archive ArchiveWriter) *AnalysisArchive {
	return &AnalysisArchive{BaseCommand: *cor.NewBaseCommand(name), archive: archive}
}

func (c *AnalysisArchive) IsExecutable(context cor.Context) bool {
	return c.BaseCommand.IsExecutable(context) && context.Get(ParamVideo) != nil
}

func (c *AnalysisArchive) Execute(context cor.Context) {
	result := context.Get(c.GetInputParam()).(model.AnalysisResult)
	video := context.Get(ParamVideo).(*model.Video)
	if c.archive == nil {
		context.Add(c.GetOutputParam(), result)
		return
	}

	doc := map[string]any{
		"video_id":        video.ID,
		"video_url":       video.VideoURL,
		"analysis_result": result,
		"archived_at":     video.UpdatedAt,
	}
	obj, err := c.archive.Write(context.GetContext(), video.ID, doc)
	if err != nil {
		c.GetErrorCounter().Add(context.GetContext(), 1)
		slog.WarnContext(context.GetContext(), "failed to archive analysis", "video_id", video.ID, "error", err)
		context.Add(c.GetOutputParam(), result)
		return
	}
	context.Add(ParamArchive, obj)
	c.Succeed(context, result)
}
