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
// This file defines the duration probe and its ffprobe implementation.
//
// Logic Flow:
//  1. The probe receives the video record and asks a DurationProber for the
//     duration of its source URL.
//  2. The fractional duration is truncated to whole seconds; the last
//     partial second is not analysed.
//  3. A probe failure or a zero duration becomes a DurationUnavailableError.
package commands

import (
	"bytes"
	goctx "context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// DefaultFFprobeArgs prints only the container duration in seconds.
var DefaultFFprobeArgs = []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1"}

// FFprobe reads durations by running the ffprobe binary.
type FFprobe struct {
	commandPath string
	timeout     time.Duration
}

func NewFFprobe(commandPath string, timeout time.Duration) *FFprobe {
	if commandPath == "" {
		commandPath = "ffprobe"
	}
	return &FFprobe{commandPath: commandPath, timeout: timeout}
}

// Probe runs ffprobe against url and parses its single line output.
func (f *FFprobe) Probe(ctx goctx.Context, url string) (float64, error) {
	if f.timeout > 0 {
		var cancel goctx.CancelFunc
		ctx, cancel = goctx.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	args := append(append([]string{}, DefaultFFprobeArgs...), url)
	cmd := exec.CommandContext(ctx, f.commandPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("error running ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	out := strings.TrimSpace(stdout.String())
	d, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected ffprobe output %q: %w", out, err)
	}
	return d, nil
}

// DurationProbe reads the duration of the video being analysed.
type DurationProbe struct {
	cor.BaseCommand
	prober DurationProber
}

func NewDurationProbe(name string, prober DurationProber) *DurationProbe {
	return &DurationProbe{BaseCommand: *cor.NewBaseCommand(name), prober: prober}
}

func (c *DurationProbe) Execute(context cor.Context) {
	video := context.Get(c.GetInputParam()).(*model.Video)
	d, err := c.prober.Probe(context.GetContext(), video.VideoURL)
	if err != nil {
		c.Fail(context, &model.DurationUnavailableError{URL: video.VideoURL, Err: err})
		return
	}
	seconds := int(d)
	if seconds <= 0 {
		c.Fail(context, &model.DurationUnavailableError{URL: video.VideoURL})
		return
	}
	context.Add(ParamDuration, seconds)
	c.Succeed(context, seconds)
}
