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

package model

import (
	"fmt"
	"strings"
)

// Severity is the label an agent assigns to what it found.
type Severity string

const (
	SeverityNeutral Severity = "neutral"
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityHigh    Severity = "high"
)

var validSeverities = map[Severity]bool{
	SeverityNeutral: true,
	SeverityLow:     true,
	SeverityMedium:  true,
	SeverityHigh:    true,
}

// ParseSeverity normalises a one word classifier answer.
func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !validSeverities[v] {
		return "", fmt.Errorf("unexpected severity level %q, expected neutral, low, medium or high", s)
	}
	return v, nil
}

// DetectedEvent is one flagged interval inside a verdict.
type DetectedEvent struct {
	StartTimeSeconds float64 `json:"start_time_seconds"`
	EndTimeSeconds   float64 `json:"end_time_seconds"`
}

// Verdict is the outcome of one detector agent run.
type Verdict struct {
	Topic      string         `json:"topic"`
	Severity   Severity       `json:"severity_evaluation"`
	Result     map[string]any `json:"result"`
	Sources    []Match        `json:"sources"`
	RawMessage string         `json:"-"`
}

// Document is the shape stored on the video under EvaluationKey(topic).
func (v *Verdict) Document() map[string]any {
	out := make(map[string]any, len(v.Result)+1)
	for k, val := range v.Result {
		out[k] = val
	}
	out["severity_evaluation"] = string(v.Severity)
	return out
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn sent to a completion model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
