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

package testutil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/jaycherian/gcp-go-video-evidence/internal/inference"
)

// FakeAssetID is the asset id the fake endpoint hands out.
const FakeAssetID = "3f1c6f0e-2b55-4d1c-9a43-7c3c1b2f5e10"

// FakeAPIKey is the bearer token the fake endpoint accepts.
const FakeAPIKey = "test-key"

// MP4Header is the start of an ISO base media file, enough for the sniffer.
var MP4Header = append([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'}, make([]byte, 300)...)

// InferenceFake serves the video host, the assets endpoint, the upload
// target and the inference endpoint from one httptest server. Exported
// fields are read by the handlers and must be set before the first request.
type InferenceFake struct {
	Server *httptest.Server

	VideoStatus  int
	VideoBody    []byte
	UploadStatus int
	InferStatus  int
	InferBody    string
	// AssetID is handed out by the assets endpoint; OmitUploadURL drops the
	// upload target from that answer.
	AssetID       string
	OmitUploadURL bool
	// OnInfer replaces the inference handler when set.
	OnInfer func(w http.ResponseWriter, r *http.Request)

	Deletes atomic.Int32
	Uploads atomic.Int32
	Infers  atomic.Int32

	mu        sync.Mutex
	lastInfer map[string]any
	lastRefs  string
	deleted   []string
}

// NewInferenceFake starts the server; it is closed with the test.
func NewInferenceFake(t testing.TB) *InferenceFake {
	f := &InferenceFake{
		VideoStatus:  http.StatusOK,
		VideoBody:    MP4Header,
		UploadStatus: http.StatusOK,
		InferStatus:  http.StatusOK,
		InferBody:    `{"choices":[{"message":{"role":"assistant","content":"{\"scene\":\"street\"}"}}]}`,
		AssetID:      FakeAssetID,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /video/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(f.VideoStatus)
		_, _ = w.Write(f.VideoBody)
	})
	mux.HandleFunc("POST /assets", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+FakeAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		out := map[string]string{
			"uploadUrl": f.Server.URL + "/bucket/" + f.AssetID,
			"assetId":   f.AssetID,
		}
		if f.OmitUploadURL {
			delete(out, "uploadUrl")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("PUT /bucket/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.Uploads.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(f.UploadStatus)
	})
	mux.HandleFunc("DELETE /assets/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.Deletes.Add(1)
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /invoke", func(w http.ResponseWriter, r *http.Request) {
		f.Infers.Add(1)
		if f.OnInfer != nil {
			f.OnInfer(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastInfer = body
		f.lastRefs = r.Header.Get("NVCF-INPUT-ASSET-REFERENCES")
		f.mu.Unlock()
		w.WriteHeader(f.InferStatus)
		_, _ = io.WriteString(w, f.InferBody)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// Deleted returns the asset ids the delete endpoint received, in order.
func (f *InferenceFake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// VideoURL is a provider style URL on the fake host.
func (f *InferenceFake) VideoURL() string {
	return f.Server.URL + "/video/upload/v1/cameras/clip.mp4"
}

// Options point an inference client at the fake.
func (f *InferenceFake) Options(tempDir string) []inference.Option {
	return []inference.Option{
		inference.WithEndpoints(f.Server.URL+"/invoke", f.Server.URL+"/assets"),
		inference.WithAPIKey(FakeAPIKey),
		inference.WithTempDir(tempDir),
		inference.WithHTTPClient(f.Server.Client()),
	}
}

// LastInference returns the last decoded inference body and its asset
// reference header.
func (f *InferenceFake) LastInference() (map[string]any, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastInfer, f.lastRefs
}

// ScriptedAnalyzer answers Analyze from Fn and counts calls.
type ScriptedAnalyzer struct {
	Fn    func(ctx context.Context, url, instruction string) (model.Analysis, error)
	Calls atomic.Int32

	mu   sync.Mutex
	urls []string
}

func (a *ScriptedAnalyzer) Analyze(ctx context.Context, url, instruction string) (model.Analysis, error) {
	a.Calls.Add(1)
	a.mu.Lock()
	a.urls = append(a.urls, url)
	a.mu.Unlock()
	return a.Fn(ctx, url, instruction)
}

// URLs returns the analysed URLs in call order.
func (a *ScriptedAnalyzer) URLs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.urls...)
}

// EchoAnalysis describes the window encoded in a trimmed URL.
func EchoAnalysis(url string) model.Analysis {
	i := strings.Index(url, "so_")
	if i < 0 {
		return model.TextAnalysis("whole video")
	}
	directive := url[i:]
	directive = directive[:strings.Index(directive, "/")]
	return model.TextAnalysis("segment " + directive)
}

// StaticProber returns a fixed duration or error.
type StaticProber struct {
	Seconds float64
	Err     error
}

func (p StaticProber) Probe(context.Context, string) (float64, error) {
	return p.Seconds, p.Err
}

// RecordingArchive keeps archived documents in memory.
type RecordingArchive struct {
	Err error

	mu   sync.Mutex
	docs map[string]any
}

func (a *RecordingArchive) Write(_ context.Context, videoID string, v any) (cloud.GCSObject, error) {
	if a.Err != nil {
		return cloud.GCSObject{}, a.Err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.docs == nil {
		a.docs = make(map[string]any)
	}
	a.docs[videoID] = v
	return cloud.GCSObject{Bucket: "test", Name: cloud.ArchiveObjectName("analysis", videoID), MIMEType: "application/json"}, nil
}

// Doc returns the archived document of videoID.
func (a *RecordingArchive) Doc(videoID string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.docs[videoID]
	return v, ok
}

// ScriptedCompleter answers Complete from Fn and keeps the requests.
type ScriptedCompleter struct {
	Fn func(messages []model.ChatMessage) (string, error)

	mu       sync.Mutex
	requests [][]model.ChatMessage
}

func (c *ScriptedCompleter) Complete(_ context.Context, messages []model.ChatMessage) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, append([]model.ChatMessage(nil), messages...))
	c.mu.Unlock()
	return c.Fn(messages)
}

// Requests returns every message list received so far.
func (c *ScriptedCompleter) Requests() [][]model.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]model.ChatMessage(nil), c.requests...)
}
