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

// Package model_test covers the analysis variant, the persisted result shape
// and the error classification used at the request boundary.
package model_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnalysis(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind model.AnalysisKind
		out  string
	}{
		{"free text", "A person walks past a parked car.", model.AnalysisText, "A person walks past a parked car."},
		{"json object", "{ \"people\": 2,\n \"vehicles\": [\"car\"] }", model.AnalysisStructured, `{"people":2,"vehicles":["car"]}`},
		{"json array", "[1, 2]", model.AnalysisStructured, `[1,2]`},
		{"json string literal", `"quoted text"`, model.AnalysisText, "quoted text"},
		{"broken json stays text", "{not json", model.AnalysisText, "{not json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := model.ParseAnalysis(tc.in)
			assert.Equal(t, tc.kind, a.Kind())
			assert.Equal(t, tc.out, a.Serialize())
		})
	}
}

func TestAnalysisIsEmpty(t *testing.T) {
	assert.True(t, model.Analysis{}.IsEmpty())
	assert.True(t, model.TextAnalysis("  \n").IsEmpty())
	assert.True(t, model.ParseAnalysis("[]").IsEmpty())
	assert.False(t, model.TextAnalysis("smoke").IsEmpty())
}

// The persisted shape keeps text as a JSON string and structured payloads inline.
func TestAnalysisResultJSON(t *testing.T) {
	structured, err := model.StructuredAnalysis([]byte(`{"objects":["bag"]}`))
	require.NoError(t, err)
	result := model.AnalysisResult{
		model.NewSegmentAnalysis(model.TimeWindow{Start: 0, End: 30}, model.TextAnalysis("a man enters")),
		model.NewSegmentAnalysis(model.TimeWindow{Start: 30, End: 45}, structured),
	}

	b, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"start_time_seconds":0,"end_time_seconds":30,"analysis":"a man enters"},
		{"start_time_seconds":30,"end_time_seconds":45,"analysis":{"objects":["bag"]}}
	]`, string(b))

	var back model.AnalysisResult
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, model.AnalysisText, back[0].Analysis.Kind())
	assert.Equal(t, model.AnalysisStructured, back[1].Analysis.Kind())
	assert.Equal(t, model.TimeWindow{Start: 30, End: 45}, back[1].Window())

	payload, err := result.Payload()
	require.NoError(t, err)
	assert.Equal(t, model.AnalysisStructured, payload.Kind())
	assert.Equal(t, string(b), payload.Serialize())
}

func TestNewVideo(t *testing.T) {
	v := model.NewVideo("lobby", "front door camera", "https://res.example.com/video/upload/v1/lobby.mp4")
	assert.NotEmpty(t, v.ID)
	assert.WithinDuration(t, time.Now(), v.CreatedAt, time.Second)
	assert.False(t, v.HasAnalysis())
	assert.Nil(t, v.IndexedAt)
	assert.Equal(t, "video_id_"+v.ID, model.CollectionName(v.ID))
	assert.Equal(t, "fire_evaluation", model.EvaluationKey("fire"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&model.InvalidDurationError{Duration: 0, MaxWindow: 30}, "InvalidDurationError"},
		{fmt.Errorf("window planner: %w", &model.MalformedSourceURLError{URL: "x", Marker: "/upload/"}), "MalformedSourceURLError"},
		{&model.DownloadError{URL: "x", StatusCode: 404}, "DownloadError"},
		{&model.UploadError{Stage: model.UploadStageTransfer, StatusCode: 500}, "UploadError"},
		{fmt.Errorf("segment analyzer: %w", &model.InferenceError{StatusCode: 500}), "InferenceError"},
		{&model.DurationUnavailableError{URL: "x"}, "DurationUnavailableError"},
		{&model.NoAnalysisError{VideoID: "1"}, "NoAnalysisError"},
		{&model.CollectionNotFoundError{Collection: "video_id_1"}, "CollectionNotFoundError"},
		{fmt.Errorf("boom"), "InternalError"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, model.Classify(tc.err))
	}
}

func TestParseSeverity(t *testing.T) {
	s, err := model.ParseSeverity(" High\n")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, s)

	_, err = model.ParseSeverity("critical")
	assert.Error(t, err)
}

func TestVerdictDocument(t *testing.T) {
	v := &model.Verdict{
		Topic:    "crime",
		Severity: model.SeverityLow,
		Result:   model.GetExampleVerdict("crime_events", "low", 1),
	}
	doc := v.Document()
	assert.Equal(t, "low", doc["severity_evaluation"])
	assert.Equal(t, "low", doc["severity"])
	assert.Contains(t, model.GetExampleVerdictBlock("crime_events"), "```json")
}
