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


package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-video-evidence/internal/api"
	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/index"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/services"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/workflow"
	test "github.com/jaycherian/gcp-go-video-evidence/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamStub struct {
	instruction string
}

func (s *streamStub) AnalyzeFull(_ context.Context, url, instruction string) (*model.StreamAnalysis, error) {
	s.instruction = instruction
	return &model.StreamAnalysis{Timestamp: time.Now().UTC(), Analysis: model.TextAnalysis("whole video of " + url)}, nil
}

type fixture struct {
	router    *gin.Engine
	handlers  *api.Handlers
	repo      *services.MemoryVideoRepository
	analyzer  *test.ScriptedAnalyzer
	stream    *streamStub
	published []model.AnalysisRequest
}

func agentAnswer(messages []model.ChatMessage) (string, error) {
	last := messages[len(messages)-1].Content
	if strings.Contains(last, "single word") {
		return "High", nil
	}
	return "Found one event.\n```json\n{\"crime_events\": [{\"start_time_seconds\": 30, \"end_time_seconds\": 60}]}\n```", nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config := test.GetConfig(t)

	repo := services.NewMemoryVideoRepository()
	store := index.NewMemoryVectorStore()
	embedder := index.NewTermHashEmbedder(256)
	indexer, err := index.NewIndexer(embedder, store)
	require.NoError(t, err)
	retriever := index.NewRetriever(embedder, store, config.Retrieval.DefaultK)
	completers := map[string]cloud.Completer{services.DefaultAgentModel: &test.ScriptedCompleter{Fn: agentAnswer}}

	detectors, err := services.NewDetectorService(config, retriever, repo, completers)
	require.NoError(t, err)
	summary, err := services.NewSummaryService(config, retriever, repo, completers)
	require.NoError(t, err)
	chat, err := services.NewChatService(config, retriever, repo, completers)
	require.NoError(t, err)

	f := &fixture{
		repo:     repo,
		analyzer: &test.ScriptedAnalyzer{Fn: func(_ context.Context, url, _ string) (model.Analysis, error) { return test.EchoAnalysis(url), nil }},
		stream:   &streamStub{},
	}
	archive := services.NewMemoryArchive(config.Storage.ArchivePrefix)
	stats := workflow.NewStats()
	analysis := workflow.NewVideoAnalysisWorkflow(config, workflow.AnalysisDependencies{
		Videos:   repo,
		Prober:   test.StaticProber{Seconds: 75},
		Analyzer: f.analyzer,
		Archive:  archive,
		Indexer:  indexer,
		Stats:    stats,
	})

	f.handlers = &api.Handlers{
		Videos:   repo,
		Analysis: analysis,
		Stream:   f.stream,
		Publish: func(_ context.Context, req model.AnalysisRequest) (string, error) {
			f.published = append(f.published, req)
			return "msg-1", nil
		},
		Indexer:            indexer,
		Marker:             repo,
		Search:             &services.SearchService{Retriever: retriever, Videos: repo},
		Detectors:          detectors,
		Summary:            summary,
		Chat:               chat,
		Archive:            services.NewArchiveService(archive, repo, time.Minute),
		Stats:              stats,
		DefaultInstruction: config.Analysis.DefaultInstruction,
	}
	f.router = gin.New()
	f.router.ContextWithFallback = true
	f.handlers.Register(f.router.Group("/api/v1"))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (f *fixture) createVideo(t *testing.T) *model.Video {
	t.Helper()
	w := f.do(t, http.MethodPost, "/videos", map[string]string{
		"title":       "Lobby",
		"description": "front door camera",
		"video_url":   test.SampleVideoURL,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	v := decode[model.Video](t, w)
	return &v
}

func TestCreateGetAndListVideos(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, test.SampleVideoURL, v.VideoURL)

	w := f.do(t, http.MethodGet, "/videos/"+v.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v.ID, decode[model.Video](t, w).ID)

	w = f.do(t, http.MethodGet, "/videos?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Video](t, w), 1)

	w = f.do(t, http.MethodGet, "/videos?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateVideoValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/videos", map[string]string{"title": "no url"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/videos", map[string]string{"title": "Lobby", "video_url": "https://example.com/lobby.mp4"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MalformedSourceURLError", decode[api.ErrorResponse](t, w).Classification)
}

func TestUnknownVideo(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/videos/missing", "/videos/missing/archive"} {
		w := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := f.do(t, http.MethodPost, "/videos/missing/analyze", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalyzeThenSearchDetectAndArchive(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t)

	w := f.do(t, http.MethodPost, "/videos/"+v.ID+"/analyze", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[model.AnalysisRun](t, w)
	require.Len(t, run.Results, 3)
	assert.Equal(t, 60, run.Results[2].StartTimeSeconds)
	assert.Positive(t, run.Chunks)

	w = f.do(t, http.MethodGet, "/videos/"+v.ID+"/search?q=segment&k=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode[[]model.Match](t, w))

	w = f.do(t, http.MethodPost, "/videos/"+v.ID+"/agents/crime", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	verdict := decode[model.Verdict](t, w)
	assert.Equal(t, model.SeverityHigh, verdict.Severity)
	assert.Contains(t, verdict.Result, "crime_events")

	stored, err := f.repo.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Evaluations, model.EvaluationKey("crime"))

	w = f.do(t, http.MethodPost, "/videos/"+v.ID+"/summarize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/videos/"+v.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	link := decode[services.ArchiveLink](t, w)
	assert.Equal(t, "memory://"+cloud.ArchiveObjectName("analysis", v.ID), link.URL)

	w = f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[workflow.StatsSnapshot](t, w)
	assert.Equal(t, int64(1), snap.Runs)
	assert.Equal(t, int64(3), snap.WindowsOK)
}

func TestAnalyzeWithInstruction(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t)
	var seen []string
	f.analyzer.Fn = func(_ context.Context, url, instruction string) (model.Analysis, error) {
		seen = append(seen, instruction)
		return test.EchoAnalysis(url), nil
	}
	f.handlers.Analysis = workflow.NewVideoAnalysisWorkflow(test.GetConfig(t), workflow.AnalysisDependencies{
		Videos:   f.repo,
		Prober:   test.StaticProber{Seconds: 20},
		Analyzer: f.analyzer,
	})

	w := f.do(t, http.MethodPost, "/videos/"+v.ID+"/analyze", map[string]string{"instruction": "Count the people"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"Count the people"}, seen)
}

func TestAnalyzeFailureIsBadGateway(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t)
	f.analyzer.Fn = func(context.Context, string, string) (model.Analysis, error) {
		return model.Analysis{}, &model.InferenceError{StatusCode: 503, Body: "overloaded"}
	}

	w := f.do(t, http.MethodPost, "/videos/"+v.ID+"/analyze", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "InferenceError", decode[api.ErrorResponse](t, w).Classification)

	stored, err := f.repo.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.AnalysisResult)
}

func TestAnalyzeDurationProblems(t *testing.T) {
	tests := []struct {
		name   string
		prober test.StaticProber
		want   int
	}{
		{"zero duration", test.StaticProber{Seconds: 0.4}, http.StatusBadRequest},
		{"unreadable source", test.StaticProber{Err: errors.New("exit status 1")}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := f.createVideo(t)
			f.handlers.Analysis = workflow.NewVideoAnalysisWorkflow(test.GetConfig(t), workflow.AnalysisDependencies{
				Videos:   f.repo,
				Prober:   tt.prober,
				Analyzer: f.analyzer,
			})

			w := f.do(t, http.MethodPost, "/videos/"+v.ID+"/analyze", nil)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, "DurationUnavailableError", decode[api.ErrorResponse](t, w).Classification)
			assert.Empty(t, f.analyzer.URLs())
		})
	}
}

func TestSearchBeforeIndexing(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t)

	w := f.do(t, http.MethodGet, "/videos/"+v.ID+"/search?q=parcel", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CollectionNotFoundError", decode[api.ErrorResponse](t, w).Classification)

	w = f.do(t, http.MethodGet, "/videos/"+v.ID+"/search?q=", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIndexEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.createVideo(t)

	w := f.do(t, http.MethodPost, "/videos/"+v.ID+"/index", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, -1, decode[api.IndexResponse](t, w).Result)

	v.AnalysisResult = test.SampleResult()
	require.NoError(t, f.repo.SaveAnalysis(ctx, v))

	w = f.do(t, http.MethodPost, "/videos/"+v.ID+"/index", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[api.IndexResponse](t, w)
	assert.Equal(t, 1, resp.Result)
	assert.Positive(t, resp.Chunks)

	stored, err := f.repo.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.IndexedAt)
}

func TestAnalyzeAsync(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t)

	w := f.do(t, http.MethodPost, "/videos/"+v.ID+"/analyze-async", map[string]string{"instruction": "Look for smoke"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "msg-1", decode[map[string]string](t, w)["message_id"])
	require.Len(t, f.published, 1)
	assert.Equal(t, model.AnalysisRequest{VideoID: v.ID, Instruction: "Look for smoke"}, f.published[0])

	f.handlers.Publish = nil
	w = f.do(t, http.MethodPost, "/videos/"+v.ID+"/analyze-async", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAnalyzeStream(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t)

	w := f.do(t, http.MethodPost, "/videos/"+v.ID+"/analyze-stream", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[model.StreamAnalysis](t, w)
	assert.Equal(t, "whole video of "+test.SampleVideoURL, out.Analysis.Text())
	assert.Equal(t, "Describe the scene", f.stream.instruction)

	stored, err := f.repo.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.AnalysisResult)
}

func TestChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.createVideo(t)
	v.AnalysisResult = test.SampleResult()
	require.NoError(t, f.repo.SaveAnalysis(ctx, v))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/videos/"+v.ID+"/index", nil).Code)

	w := f.do(t, http.MethodPost, "/videos/"+v.ID+"/chat/threads", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	thread := decode[map[string]string](t, w)["thread_id"]
	require.NotEmpty(t, thread)

	w = f.do(t, http.MethodPost, "/videos/"+v.ID+"/chat", map[string]string{"thread_id": thread})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/videos/"+v.ID+"/chat", map[string]string{"thread_id": "nope", "message": "who took the parcel?"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/videos/"+v.ID+"/chat", map[string]string{"thread_id": thread, "message": "who took the parcel?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reply := decode[services.ChatReply](t, w)
	assert.Equal(t, thread, reply.ThreadID)
	assert.NotEmpty(t, reply.Response)
}

func TestAgentTopics(t *testing.T) {
	f := newFixture(t)
	v := f.createVideo(t)

	w := f.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]string](t, w)["topics"], 8)

	w = f.do(t, http.MethodPost, "/videos/"+v.ID+"/agents/weather", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrVideoNotFound, http.StatusNotFound},
		{services.ErrEmptyQuery, http.StatusBadRequest},
		{&model.InvalidDurationError{Duration: 0, MaxWindow: 30}, http.StatusBadRequest},
		{&model.NoAnalysisError{VideoID: "v"}, http.StatusConflict},
		{services.ErrArchiveDisabled, http.StatusServiceUnavailable},
		{&model.DownloadError{URL: "u", StatusCode: 404}, http.StatusBadGateway},
		{&model.UploadError{Stage: model.UploadStageTransfer}, http.StatusBadGateway},
		{&model.DurationUnavailableError{URL: "u"}, http.StatusBadRequest},
		{&model.DurationUnavailableError{URL: "u", Err: errors.New("exit status 1")}, http.StatusNotFound},
		{fmt.Errorf("duration: %w", &model.DurationUnavailableError{URL: "u", Err: errors.New("exit status 1")}), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, api.StatusOf(tt.err), tt.err.Error())
	}
}
