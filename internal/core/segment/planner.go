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

// Package segment partitions a video timeline into analysis windows and
// rewrites hosted video URLs so the provider serves only one window.
//
// Logic Flow:
//  1. Plan walks a cursor from 0 to the duration, emitting windows no longer
//     than the maximum window length.
//  2. Derive injects a start/end trim directive right after the upload path
//     marker of the hosted URL, leaving version, public id and extension as is.
package segment

import "github.com/jaycherian/gcp-go-video-evidence/internal/core/model"

// DefaultMaxWindowSeconds is used when no window length is configured.
const DefaultMaxWindowSeconds = 30

// Plan returns the ordered, contiguous, gapless windows covering
// [0, duration). Every window is at most maxWindow seconds long.
func Plan(duration, maxWindow int) ([]model.TimeWindow, error) {
	if duration <= 0 || maxWindow <= 0 {
		return nil, &model.InvalidDurationError{Duration: duration, MaxWindow: maxWindow}
	}
	out := make([]model.TimeWindow, 0, (duration+maxWindow-1)/maxWindow)
	for cursor := 0; cursor < duration; {
		end := min(cursor+maxWindow, duration)
		out = append(out, model.TimeWindow{Start: cursor, End: end})
		cursor = end
	}
	return out, nil
}
