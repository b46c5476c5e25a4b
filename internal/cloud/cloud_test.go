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

package cloud_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/commands"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/cor"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/index"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	milvus "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) cloud.RetryPolicy {
	return cloud.RetryPolicy{MaxAttempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	transient := errors.New("transient")
	err := fastPolicy(2).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 2, calls)
}

func TestRetryPermanentStops(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return cloud.Permanent(bad)
	})
	assert.Equal(t, bad, err)
	assert.Equal(t, 1, calls)
}

func TestNoRetryRunsOnce(t *testing.T) {
	calls := 0
	_ = cloud.NoRetry().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := cloud.RetryPolicy{MaxAttempts: 10, Initial: time.Hour, Max: time.Hour, Multiplier: 2}.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env.toml", `
[analysis]
max_window_seconds = 20
failure_policy = "partial"

[detectors.fire]
system_prompt = "detect fire"
events_key = "fire_events"
`)
	writeFile(t, dir, ".env.unit.toml", `
[analysis]
max_window_seconds = 15
`)
	t.Setenv(cloud.EnvConfigFilePrefix, dir)
	t.Setenv(cloud.EnvConfigRuntime, "unit")

	config := cloud.NewConfig()
	require.NoError(t, cloud.LoadConfig(config))
	require.NoError(t, config.Validate())

	assert.Equal(t, 15, config.Analysis.MaxWindowSeconds)
	assert.Equal(t, cloud.FailurePolicyPartial, config.Analysis.FailurePolicy)
	assert.Equal(t, "Describe the scene", config.Analysis.DefaultInstruction)
	assert.Equal(t, 1000, config.Index.ChunkSize)
	assert.Equal(t, 200, config.Index.ChunkOverlap)
	assert.Equal(t, 2, config.Retrieval.DefaultK)
	assert.Equal(t, "fire_events", config.Detectors["fire"].EventsKey)
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env.toml", "[analysis\nmax_window_seconds = ")
	t.Setenv(cloud.EnvConfigFilePrefix, dir)
	t.Setenv(cloud.EnvConfigRuntime, "unit")

	assert.Error(t, cloud.LoadConfig(cloud.NewConfig()))
}

func TestValidateRejectsBadSettings(t *testing.T) {
	config := cloud.NewConfig()
	config.Analysis.MaxWindowSeconds = 0
	config.Analysis.FailurePolicy = "sometimes"
	config.Index.ChunkOverlap = 1000
	config.VectorStore.Backend = "sqlite"

	err := config.Validate()
	require.Error(t, err)
	for _, want := range []string{"max_window_seconds", "failure_policy", "chunk_overlap", "vector_store.backend"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestArchiveObjectName(t *testing.T) {
	assert.Equal(t, "analysis/v1.json", cloud.ArchiveObjectName("analysis", "v1"))
	assert.Equal(t, "v1.json", cloud.ArchiveObjectName("", "v1"))
	assert.Equal(t, "gs://evidence/analysis/v1.json", cloud.GCSObject{Bucket: "evidence", Name: "analysis/v1.json"}.URI())
}

func localConfig() *cloud.Config {
	config := cloud.NewConfig()
	config.VectorStore.Backend = cloud.VectorBackendMemory
	config.EmbeddingModels["default"] = cloud.EmbeddingModel{Provider: cloud.ProviderHash, Dimensions: 64}
	return config
}

func TestNewCloudServiceClientsLocal(t *testing.T) {
	sc, err := cloud.NewCloudServiceClients(context.Background(), localConfig())
	require.NoError(t, err)
	defer sc.Close()

	assert.Nil(t, sc.StorageClient)
	assert.Nil(t, sc.BigQueryClient)
	assert.Nil(t, sc.IndexLocker)
	assert.IsType(t, &index.MemoryVectorStore{}, sc.VectorStore)
	require.Contains(t, sc.EmbeddingModels, "default")
	assert.Equal(t, "term-hash", sc.EmbeddingModels["default"].ModelName())
	assert.Empty(t, sc.AgentModels)
}

func TestNewCloudServiceClientsMissingProvider(t *testing.T) {
	config := localConfig()
	t.Setenv("VIDEO_EVIDENCE_UNSET_KEY", "")
	config.OpenAI.APIKeyEnv = "VIDEO_EVIDENCE_UNSET_KEY"
	config.AgentModels["default"] = cloud.AgentModel{Provider: cloud.ProviderOpenAI, Model: "gpt-4o"}

	sc, err := cloud.NewCloudServiceClients(context.Background(), config)
	assert.Nil(t, sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_models.default")
}

func TestNewCloudServiceClientsUnknownBackend(t *testing.T) {
	config := localConfig()
	config.VectorStore.Backend = "sqlite"
	_, err := cloud.NewCloudServiceClients(context.Background(), config)
	assert.ErrorContains(t, err, "unknown backend")
}

// openAIFake answers the embeddings and chat completion endpoints.
func openAIFake(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/embeddings":
			var req struct {
				Input []string `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			data := make([]map[string]any, 0, len(req.Input))
			// Reverse order checks that vectors are placed by index.
			for i := len(req.Input) - 1; i >= 0; i-- {
				data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": []float32{float32(i), 1}})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
		case "/chat/completions":
			var req struct {
				Messages []model.ChatMessage `json:"messages"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			last := req.Messages[len(req.Messages)-1].Content
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": "  echo: " + last + "\n"}}},
			})
		default:
			http.Error(w, `{"error":{"message":"not found"}}`, http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProviders(t *testing.T) {
	srv := openAIFake(t)
	t.Setenv("VIDEO_EVIDENCE_TEST_KEY", "sk-test")

	config := localConfig()
	config.OpenAI = cloud.OpenAI{APIKeyEnv: "VIDEO_EVIDENCE_TEST_KEY", BaseURL: srv.URL}
	config.EmbeddingModels["openai"] = cloud.EmbeddingModel{Provider: cloud.ProviderOpenAI, Model: "text-embedding-3-large"}
	config.AgentModels["default"] = cloud.AgentModel{Provider: cloud.ProviderOpenAI, Model: "gpt-4o"}

	sc, err := cloud.NewCloudServiceClients(context.Background(), config)
	require.NoError(t, err)
	defer sc.Close()

	vectors, err := sc.EmbeddingModels["openai"].Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{2, 1}, vectors[2])

	answer, err := sc.AgentModels["default"].Complete(context.Background(), []model.ChatMessage{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", answer)
}

type scriptedCommand struct {
	cor.BaseCommand
	err   error
	input any
}

func (c *scriptedCommand) Execute(context cor.Context) {
	c.input = context.Get(c.GetInputParam())
	if c.err != nil {
		c.Fail(context, c.err)
		return
	}
	c.Succeed(context, c.input)
}

type deadLetters struct {
	data  [][]byte
	attrs []map[string]string
	err   error
}

func (d *deadLetters) sink(_ context.Context, data []byte, attrs map[string]string) error {
	if d.err != nil {
		return d.err
	}
	d.data = append(d.data, data)
	d.attrs = append(d.attrs, attrs)
	return nil
}

func TestHandleMessageAcknowledgement(t *testing.T) {
	notFound := fmt.Errorf("video %w: v9", model.ErrNotFound)
	tests := []struct {
		name    string
		err     error
		ack     bool
		dropped bool
	}{
		{"success", nil, true, false},
		{"unknown video", notFound, true, true},
		{"malformed source url", &model.MalformedSourceURLError{URL: "https://example.com/a.mp4"}, true, true},
		{"zero duration", &model.DurationUnavailableError{URL: "u"}, true, true},
		{"source gone", &model.DownloadError{URL: "u", StatusCode: http.StatusNotFound}, true, true},
		{"inference overloaded", &model.InferenceError{StatusCode: 503, Body: "busy"}, false, false},
		{"unreadable source", &model.DurationUnavailableError{URL: "u", Err: errors.New("exit status 1")}, false, false},
		{"rate limited download", &model.DownloadError{URL: "u", StatusCode: http.StatusTooManyRequests}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &scriptedCommand{BaseCommand: *cor.NewBaseCommand("analysis"), err: tt.err}
			dl := &deadLetters{}

			ack := cloud.HandleMessage(context.Background(), cmd, dl.sink, "m-1", []byte(`{"video_id":"v9"}`))

			assert.Equal(t, tt.ack, ack)
			assert.Equal(t, `{"video_id":"v9"}`, cmd.input)
			if !tt.dropped {
				assert.Empty(t, dl.data)
				return
			}
			require.Len(t, dl.data, 1)
			assert.Equal(t, `{"video_id":"v9"}`, string(dl.data[0]))
			assert.Equal(t, "m-1", dl.attrs[0]["source_message_id"])
			assert.Equal(t, model.Classify(tt.err), dl.attrs[0]["classification"])
		})
	}
}

func TestHandleMessageInvalidBody(t *testing.T) {
	dl := &deadLetters{}
	ack := cloud.HandleMessage(context.Background(), commands.NewAnalysisRequestReader("reader"), dl.sink, "m-2", []byte(`{"video_id":`))
	assert.True(t, ack)
	require.Len(t, dl.data, 1)
}

func TestHandleMessageKeepsMessageWhenDeadLetterFails(t *testing.T) {
	cmd := &scriptedCommand{BaseCommand: *cor.NewBaseCommand("analysis"), err: &model.InvalidDurationError{Duration: 0, MaxWindow: 30}}
	dl := &deadLetters{err: errors.New("topic unavailable")}
	assert.False(t, cloud.HandleMessage(context.Background(), cmd, dl.sink, "m-3", []byte("v1")))

	// Without a dead letter topic the message is acknowledged and dropped.
	assert.True(t, cloud.HandleMessage(context.Background(), cmd, nil, "m-4", []byte("v1")))
}

// fakeMilvus keeps rows per collection, keyed by primary key.
type fakeMilvus struct {
	rows       map[string]map[string]string // collection -> id -> text
	failInsert error
	dropped    []string
}

func newFakeMilvus() *fakeMilvus {
	return &fakeMilvus{rows: make(map[string]map[string]string)}
}

func (f *fakeMilvus) HasCollection(_ context.Context, name string) (bool, error) {
	_, ok := f.rows[name]
	return ok, nil
}

func (f *fakeMilvus) CreateCollection(_ context.Context, schema *entity.Schema, _ int32, _ ...milvus.CreateCollectionOption) error {
	f.rows[schema.CollectionName] = make(map[string]string)
	return nil
}

func (f *fakeMilvus) CreateIndex(context.Context, string, string, entity.Index, bool, ...milvus.IndexOption) error {
	return nil
}

func (f *fakeMilvus) LoadCollection(context.Context, string, bool, ...milvus.LoadCollectionOption) error {
	return nil
}

func (f *fakeMilvus) DropCollection(_ context.Context, name string, _ ...milvus.DropCollectionOption) error {
	f.dropped = append(f.dropped, name)
	delete(f.rows, name)
	return nil
}

func (f *fakeMilvus) Insert(_ context.Context, name string, _ string, columns ...entity.Column) (entity.Column, error) {
	if f.failInsert != nil {
		return nil, f.failInsert
	}
	var ids, texts []string
	for _, c := range columns {
		switch c.Name() {
		case "id":
			ids = c.(*entity.ColumnVarChar).Data()
		case "text":
			texts = c.(*entity.ColumnVarChar).Data()
		}
	}
	for i, id := range ids {
		f.rows[name][id] = texts[i]
	}
	return entity.NewColumnVarChar("id", ids), nil
}

func (f *fakeMilvus) Flush(context.Context, string, bool, ...milvus.FlushOption) error { return nil }

func (f *fakeMilvus) DeleteByPks(_ context.Context, name string, _ string, ids entity.Column) error {
	for _, id := range ids.(*entity.ColumnVarChar).Data() {
		delete(f.rows[name], id)
	}
	return nil
}

func (f *fakeMilvus) Query(_ context.Context, name string, _ []string, _ string, _ []string, _ ...milvus.SearchQueryOptionFunc) (milvus.ResultSet, error) {
	ids := make([]string, 0, len(f.rows[name]))
	for id := range f.rows[name] {
		ids = append(ids, id)
	}
	return milvus.ResultSet{entity.NewColumnVarChar("id", ids)}, nil
}

func (f *fakeMilvus) Search(context.Context, string, []string, string, []string, []entity.Vector, string, entity.MetricType, int, entity.SearchParam, ...milvus.SearchQueryOptionFunc) ([]milvus.SearchResult, error) {
	return nil, nil
}

func (f *fakeMilvus) Close() error { return nil }

func (f *fakeMilvus) texts(name string) []string {
	out := make([]string, 0, len(f.rows[name]))
	for _, text := range f.rows[name] {
		out = append(out, text)
	}
	return out
}

func milvusChunks(texts ...string) []model.Chunk {
	out := make([]model.Chunk, len(texts))
	for i, text := range texts {
		out[i] = model.Chunk{Text: text, Embedding: []float32{1, 0, 0, 0}, Metadata: map[string]any{"chunk_index": i}}
	}
	return out
}

func TestMilvusReplaceKeepsCorpusWhenInsertFails(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMilvus()
	store := cloud.NewMilvusVectorStoreWithClient(fake, 4)
	name := cloud.MilvusCollectionName("video_id_3f1c-2b55")

	require.NoError(t, store.Upsert(ctx, "video_id_3f1c-2b55", milvusChunks("old one", "old two"), true))
	assert.ElementsMatch(t, []string{"old one", "old two"}, fake.texts(name))

	fake.failInsert = errors.New("insert rejected")
	err := store.Upsert(ctx, "video_id_3f1c-2b55", milvusChunks("new one", "new two", "new three"), true)
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"old one", "old two"}, fake.texts(name))

	fake.failInsert = nil
	require.NoError(t, store.Upsert(ctx, "video_id_3f1c-2b55", milvusChunks("new one", "new two", "new three"), true))
	assert.ElementsMatch(t, []string{"new one", "new two", "new three"}, fake.texts(name))
	assert.Empty(t, fake.dropped)

	require.NoError(t, store.Upsert(ctx, "video_id_3f1c-2b55", milvusChunks("appended"), false))
	assert.Len(t, fake.texts(name), 4)
}
