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


package commands_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/commands"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	test "github.com/jaycherian/gcp-go-video-evidence/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(in any) cor.Context {
	chainCtx := cor.NewBaseContext()
	chainCtx.SetContext(context.Background())
	chainCtx.Add(cor.CtxIn, in)
	return chainCtx
}

func sampleVideo() *model.Video {
	return model.NewVideo("Lobby", "front door camera", test.SampleVideoURL)
}

func windows(bounds ...int) []model.TimeWindow {
	out := make([]model.TimeWindow, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		out = append(out, model.TimeWindow{Start: bounds[i], End: bounds[i+1]})
	}
	return out
}

func TestAnalysisRequestReader(t *testing.T) {
	cases := []struct {
		name        string
		in          any
		videoID     string
		instruction string
		fails       bool
	}{
		{name: "value", in: model.AnalysisRequest{VideoID: "v1"}, videoID: "v1"},
		{name: "pointer", in: &model.AnalysisRequest{VideoID: "v2", Instruction: "Count people"}, videoID: "v2", instruction: "Count people"},
		{name: "json message", in: test.AnalysisMessageText("v3"), videoID: "v3"},
		{name: "json with instruction", in: `{"video_id":"v4","instruction":"Describe vehicles"}`, videoID: "v4", instruction: "Describe vehicles"},
		{name: "bare id", in: "  v5\n", videoID: "v5"},
		{name: "empty id", in: `{"video_id": "  "}`, fails: true},
		{name: "broken json", in: `{"video_id": `, fails: true},
		{name: "unsupported type", in: 42, fails: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chainCtx := newContext(tc.in)
			commands.NewAnalysisRequestReader("reader").Execute(chainCtx)
			if tc.fails {
				assert.Error(t, chainCtx.Err())
				return
			}
			require.NoError(t, chainCtx.Err())
			req := chainCtx.Get(commands.ParamRequest).(model.AnalysisRequest)
			assert.Equal(t, tc.videoID, req.VideoID)
			assert.Equal(t, tc.instruction, req.Instruction)
			assert.Equal(t, req, chainCtx.Get(cor.CtxOut))
		})
	}
}

func TestDurationProbeTruncatesSeconds(t *testing.T) {
	chainCtx := newContext(sampleVideo())
	commands.NewDurationProbe("probe", test.StaticProber{Seconds: 75.9}).Execute(chainCtx)
	require.NoError(t, chainCtx.Err())
	assert.Equal(t, 75, chainCtx.Get(commands.ParamDuration))
}

func TestDurationProbeZeroDuration(t *testing.T) {
	chainCtx := newContext(sampleVideo())
	commands.NewDurationProbe("probe", test.StaticProber{Seconds: 0.4}).Execute(chainCtx)

	var unavailable *model.DurationUnavailableError
	require.ErrorAs(t, chainCtx.Err(), &unavailable)
	assert.True(t, unavailable.ZeroDuration())
	assert.Nil(t, chainCtx.Get(commands.ParamDuration))
}

func TestDurationProbeFailure(t *testing.T) {
	probeErr := errors.New("ffprobe: connection refused")
	chainCtx := newContext(sampleVideo())
	commands.NewDurationProbe("probe", test.StaticProber{Err: probeErr}).Execute(chainCtx)

	var unavailable *model.DurationUnavailableError
	require.ErrorAs(t, chainCtx.Err(), &unavailable)
	assert.False(t, unavailable.ZeroDuration())
	assert.ErrorIs(t, chainCtx.Err(), probeErr)
	assert.Equal(t, "DurationUnavailableError", model.Classify(chainCtx.Err()))
}

func TestFFprobeMissingBinary(t *testing.T) {
	probe := commands.NewFFprobe("/nonexistent/ffprobe", time.Second)
	_, err := probe.Probe(context.Background(), test.SampleVideoURL)
	assert.Error(t, err)
}

func TestWindowPlanner(t *testing.T) {
	chainCtx := newContext(75)
	commands.NewWindowPlanner("planner", 30).Execute(chainCtx)
	require.NoError(t, chainCtx.Err())
	assert.Equal(t, windows(0, 30, 60, 75), chainCtx.Get(commands.ParamWindows))

	chainCtx = newContext(0)
	commands.NewWindowPlanner("planner", 30).Execute(chainCtx)
	var invalid *model.InvalidDurationError
	assert.ErrorAs(t, chainCtx.Err(), &invalid)
}

func analyzerContext(video *model.Video, w []model.TimeWindow) cor.Context {
	chainCtx := newContext(w)
	chainCtx.Add(commands.ParamVideo, video)
	return chainCtx
}

func TestSegmentAnalyzerKeepsWindowOrder(t *testing.T) {
	// Earlier windows answer last so completion order is the reverse of
	// window order.
	analyzer := &test.ScriptedAnalyzer{Fn: func(ctx context.Context, url, _ string) (model.Analysis, error) {
		delay := map[string]time.Duration{"so_0,": 60, "so_30,": 40, "so_60,": 20, "so_90,": 0}
		for marker, d := range delay {
			if strings.Contains(url, marker) {
				time.Sleep(d * time.Millisecond)
			}
		}
		return test.EchoAnalysis(url), nil
	}}
	chainCtx := analyzerContext(sampleVideo(), windows(0, 30, 60, 90, 100))
	commands.NewSegmentAnalyzer("segments", analyzer, 4, cloud.FailurePolicyFailFast, "Describe the scene").Execute(chainCtx)
	require.NoError(t, chainCtx.Err())

	result := chainCtx.Get(commands.ParamResults).(model.AnalysisResult)
	require.Len(t, result, 4)
	for i, w := range windows(0, 30, 60, 90, 100) {
		assert.Equal(t, w, result[i].Window())
	}
	assert.Equal(t, "segment so_60,eo_90", result[2].Analysis.Text())
	assert.Equal(t, int32(4), analyzer.Calls.Load())
}

func TestSegmentAnalyzerDerivesWindowURLs(t *testing.T) {
	analyzer := &test.ScriptedAnalyzer{Fn: func(_ context.Context, url, _ string) (model.Analysis, error) {
		return test.EchoAnalysis(url), nil
	}}
	chainCtx := analyzerContext(sampleVideo(), windows(0, 30, 45))
	commands.NewSegmentAnalyzer("segments", analyzer, 1, cloud.FailurePolicyFailFast, "Describe the scene").Execute(chainCtx)
	require.NoError(t, chainCtx.Err())
	assert.Equal(t, []string{
		"https://res.cloudinary.com/demo/video/upload/so_0,eo_30/v1712345678/cameras/lobby-cam.mp4",
		"https://res.cloudinary.com/demo/video/upload/so_30,eo_45/v1712345678/cameras/lobby-cam.mp4",
	}, analyzer.URLs())
}

func TestSegmentAnalyzerFailFast(t *testing.T) {
	analyzer := &test.ScriptedAnalyzer{Fn: func(ctx context.Context, url, _ string) (model.Analysis, error) {
		if strings.Contains(url, "so_30,") {
			return model.Analysis{}, &model.InferenceError{StatusCode: 500, Body: "boom"}
		}
		return test.EchoAnalysis(url), nil
	}}
	chainCtx := analyzerContext(sampleVideo(), windows(0, 30, 60, 75))
	commands.NewSegmentAnalyzer("segments", analyzer, 1, cloud.FailurePolicyFailFast, "Describe the scene").Execute(chainCtx)

	var infErr *model.InferenceError
	require.ErrorAs(t, chainCtx.Err(), &infErr)
	require.NotNil(t, infErr.Window)
	assert.Equal(t, model.TimeWindow{Start: 30, End: 60}, *infErr.Window)
	assert.Nil(t, chainCtx.Get(commands.ParamResults))
	assert.Nil(t, chainCtx.Get(cor.CtxOut))
}

func TestSegmentAnalyzerFailFastCancelsInFlight(t *testing.T) {
	var mu sync.Mutex
	cancelled := 0
	analyzer := &test.ScriptedAnalyzer{Fn: func(ctx context.Context, url, _ string) (model.Analysis, error) {
		if strings.Contains(url, "so_0,") {
			return model.Analysis{}, &model.DownloadError{URL: url, StatusCode: 404}
		}
		select {
		case <-ctx.Done():
			mu.Lock()
			cancelled++
			mu.Unlock()
			return model.Analysis{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return test.EchoAnalysis(url), nil
		}
	}}
	chainCtx := analyzerContext(sampleVideo(), windows(0, 30, 60, 90))
	start := time.Now()
	commands.NewSegmentAnalyzer("segments", analyzer, 3, cloud.FailurePolicyFailFast, "Describe the scene").Execute(chainCtx)

	var dlErr *model.DownloadError
	require.ErrorAs(t, chainCtx.Err(), &dlErr)
	assert.Less(t, time.Since(start), 4*time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, cancelled)
}

func TestSegmentAnalyzerFailFastReportsEarliestWindow(t *testing.T) {
	// The window at 60 fails first; the window at 30 fails afterwards and is
	// the one reported.
	laterFailed := make(chan struct{})
	analyzer := &test.ScriptedAnalyzer{Fn: func(ctx context.Context, url, _ string) (model.Analysis, error) {
		switch {
		case strings.Contains(url, "so_60,"):
			defer close(laterFailed)
			return model.Analysis{}, &model.InferenceError{StatusCode: 500, Body: "second"}
		case strings.Contains(url, "so_30,"):
			<-laterFailed
			return model.Analysis{}, &model.InferenceError{StatusCode: 500, Body: "first"}
		}
		return test.EchoAnalysis(url), nil
	}}
	chainCtx := analyzerContext(sampleVideo(), windows(0, 30, 60, 90))
	commands.NewSegmentAnalyzer("segments", analyzer, 3, cloud.FailurePolicyFailFast, "Describe the scene").Execute(chainCtx)

	var infErr *model.InferenceError
	require.ErrorAs(t, chainCtx.Err(), &infErr)
	require.NotNil(t, infErr.Window)
	assert.Equal(t, model.TimeWindow{Start: 30, End: 60}, *infErr.Window)
	assert.Equal(t, "first", infErr.Body)
	assert.Nil(t, chainCtx.Get(commands.ParamResults))
}

func TestSegmentAnalyzerPartial(t *testing.T) {
	analyzer := &test.ScriptedAnalyzer{Fn: func(_ context.Context, url, _ string) (model.Analysis, error) {
		if strings.Contains(url, "so_30,") {
			return model.Analysis{}, &model.InferenceError{StatusCode: 502, Body: "bad gateway"}
		}
		return test.EchoAnalysis(url), nil
	}}
	chainCtx := analyzerContext(sampleVideo(), windows(0, 30, 60, 75))
	commands.NewSegmentAnalyzer("segments", analyzer, 2, cloud.FailurePolicyPartial, "Describe the scene").Execute(chainCtx)
	require.NoError(t, chainCtx.Err())

	result := chainCtx.Get(commands.ParamResults).(model.AnalysisResult)
	require.Len(t, result, 2)
	assert.Equal(t, 0, result[0].StartTimeSeconds)
	assert.Equal(t, 60, result[1].StartTimeSeconds)

	failures := chainCtx.Get(commands.ParamFailures).([]model.WindowFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, 30, failures[0].Start)
	assert.Equal(t, 60, failures[0].End)
	assert.Contains(t, failures[0].Error, "502")
}

func TestSegmentAnalyzerPartialWithoutSuccess(t *testing.T) {
	analyzer := &test.ScriptedAnalyzer{Fn: func(_ context.Context, url, _ string) (model.Analysis, error) {
		return model.Analysis{}, &model.UploadError{Stage: model.UploadStageTransfer, StatusCode: 503}
	}}
	chainCtx := analyzerContext(sampleVideo(), windows(0, 30, 60))
	commands.NewSegmentAnalyzer("segments", analyzer, 2, cloud.FailurePolicyPartial, "Describe the scene").Execute(chainCtx)

	var upErr *model.UploadError
	require.ErrorAs(t, chainCtx.Err(), &upErr)
	assert.Nil(t, chainCtx.Get(commands.ParamResults))
}

func TestSegmentAnalyzerInstruction(t *testing.T) {
	var mu sync.Mutex
	seen := make([]string, 0)
	analyzer := &test.ScriptedAnalyzer{Fn: func(_ context.Context, url, instruction string) (model.Analysis, error) {
		mu.Lock()
		seen = append(seen, instruction)
		mu.Unlock()
		return test.EchoAnalysis(url), nil
	}}
	chainCtx := analyzerContext(sampleVideo(), windows(0, 30))
	commands.NewSegmentAnalyzer("segments", analyzer, 1, cloud.FailurePolicyFailFast, "Describe the scene").Execute(chainCtx)
	require.NoError(t, chainCtx.Err())

	chainCtx = analyzerContext(sampleVideo(), windows(0, 30))
	chainCtx.Add(commands.ParamRequest, model.AnalysisRequest{VideoID: "x", Instruction: "Count the people"})
	commands.NewSegmentAnalyzer("segments", analyzer, 1, cloud.FailurePolicyFailFast, "Describe the scene").Execute(chainCtx)
	require.NoError(t, chainCtx.Err())

	assert.Equal(t, []string{"Describe the scene", "Count the people"}, seen)
}

func TestSegmentAnalyzerMalformedSourceURL(t *testing.T) {
	analyzer := &test.ScriptedAnalyzer{Fn: func(_ context.Context, url, _ string) (model.Analysis, error) {
		return test.EchoAnalysis(url), nil
	}}
	video := model.NewVideo("Lobby", "", "https://example.com/videos/lobby.mp4")
	chainCtx := analyzerContext(video, windows(0, 30))
	commands.NewSegmentAnalyzer("segments", analyzer, 1, cloud.FailurePolicyFailFast, "Describe the scene").Execute(chainCtx)

	var malformed *model.MalformedSourceURLError
	require.ErrorAs(t, chainCtx.Err(), &malformed)
	assert.Equal(t, int32(0), analyzer.Calls.Load())
}

type recordingSaver struct {
	saved *model.Video
	err   error
}

func (r *recordingSaver) SaveAnalysis(_ context.Context, v *model.Video) error {
	if r.err != nil {
		return r.err
	}
	cp := *v
	r.saved = &cp
	return nil
}

func TestAnalysisPersistReplacesResult(t *testing.T) {
	video := sampleVideo()
	indexed := time.Now()
	video.IndexedAt = &indexed
	video.AnalysisResult = model.AnalysisResult{model.NewSegmentAnalysis(model.TimeWindow{Start: 0, End: 5}, model.TextAnalysis("old"))}

	chainCtx := newContext(test.SampleResult())
	chainCtx.Add(commands.ParamVideo, video)
	saver := &recordingSaver{}
	commands.NewAnalysisPersist("persist", saver).Execute(chainCtx)
	require.NoError(t, chainCtx.Err())

	require.NotNil(t, saver.saved)
	assert.Equal(t, test.SampleResult(), saver.saved.AnalysisResult)
	assert.Nil(t, saver.saved.IndexedAt)
	assert.Nil(t, video.IndexedAt)
	assert.Equal(t, test.SampleResult(), chainCtx.Get(cor.CtxOut))
}

func TestAnalysisPersistFailureKeepsRecord(t *testing.T) {
	video := sampleVideo()
	chainCtx := newContext(test.SampleResult())
	chainCtx.Add(commands.ParamVideo, video)
	commands.NewAnalysisPersist("persist", &recordingSaver{err: errors.New("bigquery unavailable")}).Execute(chainCtx)

	assert.Error(t, chainCtx.Err())
	assert.Empty(t, video.AnalysisResult)
}

func TestAnalysisArchive(t *testing.T) {
	video := sampleVideo()
	archive := &test.RecordingArchive{}
	chainCtx := newContext(test.SampleResult())
	chainCtx.Add(commands.ParamVideo, video)
	commands.NewAnalysisArchive("archive", archive).Execute(chainCtx)
	require.NoError(t, chainCtx.Err())

	obj := chainCtx.Get(commands.ParamArchive).(cloud.GCSObject)
	assert.Equal(t, "analysis/"+video.ID+".json", obj.Name)
	_, ok := archive.Doc(video.ID)
	assert.True(t, ok)
	assert.Equal(t, test.SampleResult(), chainCtx.Get(cor.CtxOut))
}

func TestAnalysisArchiveFailureOnlyWarns(t *testing.T) {
	chainCtx := newContext(test.SampleResult())
	chainCtx.Add(commands.ParamVideo, sampleVideo())
	commands.NewAnalysisArchive("archive", &test.RecordingArchive{Err: errors.New("bucket missing")}).Execute(chainCtx)

	assert.NoError(t, chainCtx.Err())
	assert.Nil(t, chainCtx.Get(commands.ParamArchive))
	assert.Equal(t, test.SampleResult(), chainCtx.Get(cor.CtxOut))
}

func TestAnalysisArchiveDisabled(t *testing.T) {
	chainCtx := newContext(test.SampleResult())
	chainCtx.Add(commands.ParamVideo, sampleVideo())
	commands.NewAnalysisArchive("archive", nil).Execute(chainCtx)

	assert.NoError(t, chainCtx.Err())
	assert.Equal(t, test.SampleResult(), chainCtx.Get(cor.CtxOut))
}

type fakeIndexer struct {
	chunks  int
	err     error
	payload model.Analysis
}

func (f *fakeIndexer) Index(_ context.Context, _ string, payload model.Analysis) (int, error) {
	f.payload = payload
	return f.chunks, f.err
}

type recordingMarker struct {
	ids []string
	err error
}

func (m *recordingMarker) MarkIndexed(_ context.Context, id string, _ time.Time) error {
	m.ids = append(m.ids, id)
	return m.err
}

func TestCorpusIndex(t *testing.T) {
	video := sampleVideo()
	indexer := &fakeIndexer{chunks: 3}
	marker := &recordingMarker{}
	chainCtx := newContext(test.SampleResult())
	chainCtx.Add(commands.ParamVideo, video)
	commands.NewCorpusIndex("index", indexer, marker).Execute(chainCtx)
	require.NoError(t, chainCtx.Err())

	assert.Equal(t, 3, chainCtx.Get(commands.ParamChunks))
	assert.Equal(t, []string{video.ID}, marker.ids)
	assert.NotNil(t, video.IndexedAt)
	assert.Equal(t, model.AnalysisStructured, indexer.payload.Kind())
	assert.Contains(t, indexer.payload.Serialize(), "red jacket")
}

func TestCorpusIndexFailureOnlyWarns(t *testing.T) {
	video := sampleVideo()
	marker := &recordingMarker{}
	chainCtx := newContext(test.SampleResult())
	chainCtx.Add(commands.ParamVideo, video)
	commands.NewCorpusIndex("index", &fakeIndexer{err: errors.New("vector store down")}, marker).Execute(chainCtx)

	assert.NoError(t, chainCtx.Err())
	assert.Equal(t, "vector store down", chainCtx.Get(commands.ParamIndexWarning))
	assert.Equal(t, 0, chainCtx.Get(commands.ParamChunks))
	assert.Empty(t, marker.ids)
	assert.Nil(t, video.IndexedAt)
}
