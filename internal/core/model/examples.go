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

// This file provides hardcoded example verdicts used for few-shot prompting.
// Detector prompts embed them so the completion model answers with a JSON
// block the agent can extract and parse.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GetExampleVerdict builds an example detector answer for the given events
// key with n flagged intervals.
func GetExampleVerdict(eventsKey string, severity string, n int) map[string]any {
	events := make([]DetectedEvent, 0, n)
	for i := 0; i < n; i++ {
		start := float64(120 + i*180)
		events = append(events, DetectedEvent{StartTimeSeconds: start, EndTimeSeconds: start + 30})
	}
	return map[string]any{
		"severity": severity,
		eventsKey:  events,
	}
}

// GetExampleVerdictBlock renders the examples as fenced json blocks ready to
// be placed in a system prompt.
func GetExampleVerdictBlock(eventsKey string) string {
	var sb strings.Builder
	for i, sev := range []string{"none", "low", "medium", "high"} {
		n := i
		if n > 2 {
			n = 2
		}
		b, err := json.MarshalIndent(GetExampleVerdict(eventsKey, sev, n), "", "    ")
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "```json\n%s\n```\n", b)
	}
	return sb.String()
}
