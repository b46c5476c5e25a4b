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

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// VideoLookup loads the video record named by the request.
type VideoLookup struct {
	cor.BaseCommand
	videos VideoFinder
}

func NewVideoLookup(name string, videos VideoFinder) *VideoLookup {
	return &VideoLookup{BaseCommand: *cor.NewBaseCommand(name), videos: videos}
}

func (c *VideoLookup) Execute(context cor.Context) {
	req := context.Get(c.GetInputParam()).(model.AnalysisRequest)
	video, err := c.videos.Get(context.GetContext(), req.VideoID)
	if err != nil {
		c.Fail(context, fmt.Errorf("video %s: %w", req.VideoID, err))
		return
	}
	context.Add(ParamVideo, video)
	c.Succeed(context, video)
}
