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
// This file defines the first step: turning the raw trigger (a Pub/Sub
// message body or a plain video id) into an AnalysisRequest.
package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// AnalysisRequestReader parses the workflow input.
type AnalysisRequestReader struct {
	cor.BaseCommand
}

func NewAnalysisRequestReader(name string) *AnalysisRequestReader {
	return &AnalysisRequestReader{BaseCommand: *cor.NewBaseCommand(name)}
}

// Execute accepts a model.AnalysisRequest, a JSON encoded request or a bare
// video id.
func (c *AnalysisRequestReader) Execute(context cor.Context) {
	var req model.AnalysisRequest
	switch in := context.Get(c.GetInputParam()).(type) {
	case model.AnalysisRequest:
		req = in
	case *model.AnalysisRequest:
		req = *in
	case string:
		trimmed := strings.TrimSpace(in)
		if strings.HasPrefix(trimmed, "{") {
			if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
				c.Fail(context, fmt.Errorf("%w: failed to unmarshal analysis request: %w", model.ErrInvalidRequest, err))
				return
			}
		} else {
			req.VideoID = trimmed
		}
	default:
		c.Fail(context, fmt.Errorf("%w: unsupported analysis input %T", model.ErrInvalidRequest, in))
		return
	}
	req.VideoID = strings.TrimSpace(req.VideoID)
	if req.VideoID == "" {
		c.Fail(context, fmt.Errorf("%w: analysis request without video_id", model.ErrInvalidRequest))
		return
	}
	context.Add(ParamRequest, req)
	c.Succeed(context, req)
}
