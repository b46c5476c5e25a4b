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
	"log/slog"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// CorpusIndex indexes the persisted result. The analysis is already stored
// when this runs, so an indexing failure is recorded as a warning under
// ParamIndexWarning instead of a command error; the video keeps a null
// indexed time and the backfill timer retries it.
type CorpusIndex struct {
	cor.BaseCommand
	indexer CorpusIndexer
	marker  IndexMarker
}

func NewCorpusIndex(name string, indexer CorpusIndexer, marker IndexMarker) *CorpusIndex {
	return &CorpusIndex{BaseCommand: *cor.NewBaseCommand(name), indexer: indexer, marker: marker}
}

func (c *CorpusIndex) IsExecutable(context cor.Context) bool {
	return c.BaseCommand.IsExecutable(context) && context.Get(ParamVideo) != nil
}

func (c *CorpusIndex) Execute(context cor.Context) {
	result := context.Get(c.GetInputParam()).(model.AnalysisResult)
	video := context.Get(ParamVideo).(*model.Video)

	warn := func(err error) {
		c.GetErrorCounter().Add(context.GetContext(), 1)
		slog.WarnContext(context.GetContext(), "indexing failed after analysis was persisted", "video_id", video.ID, "error", err)
		context.Add(ParamIndexWarning, err.Error())
		context.Add(ParamChunks, 0)
	}

	payload, err := result.Payload()
	if err != nil {
		warn(fmt.Errorf("serialise analysis: %w", err))
		return
	}
	n, err := c.indexer.Index(context.GetContext(), video.ID, payload)
	if err != nil {
		warn(err)
		return
	}
	now := time.Now().UTC()
	if c.marker != nil {
		if err := c.marker.MarkIndexed(context.GetContext(), video.ID, now); err != nil {
			warn(fmt.Errorf("mark indexed: %w", err))
			return
		}
	}
	video.IndexedAt = &now
	context.Add(ParamChunks, n)
	c.Succeed(context, n)
}
