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
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/segment"
)

// WindowPlanner splits the probed duration into analysis windows.
type WindowPlanner struct {
	cor.BaseCommand
	maxWindow int
}

func NewWindowPlanner(name string, maxWindowSeconds int) *WindowPlanner {
	return &WindowPlanner{BaseCommand: *cor.NewBaseCommand(name), maxWindow: maxWindowSeconds}
}

func (c *WindowPlanner) Execute(context cor.Context) {
	duration := context.Get(c.GetInputParam()).(int)
	windows, err := segment.Plan(duration, c.maxWindow)
	if err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(ParamWindows, windows)
	c.Succeed(context, windows)
}
