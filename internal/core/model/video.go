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
	"time"

	"github.com/google/uuid"
)

// Video is the persisted record for an uploaded video. The analysis run
// replaces AnalysisResult wholesale, the agents write SummaryResult and
// Evaluations.
type Video struct {
	ID             string                    `json:"id"`
	Title          string                    `json:"title"`
	Description    string                    `json:"description"`
	VideoURL       string                    `json:"video_url"`
	AnalysisResult AnalysisResult            `json:"analysis_result"`
	SummaryResult  string                    `json:"summary_result,omitempty"`
	Evaluations    map[string]map[string]any `json:"evaluations,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	IndexedAt      *time.Time                `json:"indexed_at,omitempty"`
}

// NewVideo creates a record with a fresh identifier.
func NewVideo(title, description, videoURL string) *Video {
	now := time.Now().UTC()
	return &Video{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		VideoURL:    videoURL,
		Evaluations: make(map[string]map[string]any),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (v *Video) HasAnalysis() bool { return len(v.AnalysisResult) > 0 }

// EvaluationKey is the field name an agent verdict is stored under.
func EvaluationKey(topic string) string { return topic + "_evaluation" }
