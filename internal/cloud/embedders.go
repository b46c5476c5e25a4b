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

// This file holds the embedding providers used by the corpus indexer. Both
// share a per-minute limiter and the injected retry policy.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

func perMinuteLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), max(1, requestsPerMinute/60))
}

// retryableOpenAI marks client errors other than throttling as permanent.
func retryableOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
		return Permanent(err)
	}
	return err
}

// NewOpenAIClient builds a client from the [openai] section. The key is read
// from the environment variable the section names.
func NewOpenAIClient(c OpenAI) (*openai.Client, error) {
	key := Secret(c.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("environment variable %s is not set", c.APIKeyEnv)
	}
	cfg := openai.DefaultConfig(key)
	if c.BaseURL != "" {
		cfg.BaseURL = c.BaseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

// OpenAIEmbedder embeds text with an OpenAI embedding model.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	limiter    *rate.Limiter
	policy     RetryPolicy
}

func NewOpenAIEmbedder(client *openai.Client, m EmbeddingModel, policy RetryPolicy) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:     client,
		model:      m.Model,
		dimensions: m.Dimensions,
		limiter:    perMinuteLimiter(m.MaxRequestsPerMinute),
		policy:     policy,
	}
}

func (e *OpenAIEmbedder) ModelName() string { return e.model }

// Embed returns one vector per input text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp openai.EmbeddingResponse
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model:      openai.EmbeddingModel(e.model),
			Input:      texts,
			Dimensions: e.dimensions,
		})
		return retryableOpenAI(err)
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings with %s: %w", e.model, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embeddings returned index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// GenAIEmbedder embeds text with a GenAI embedding model.
type GenAIEmbedder struct {
	models     *genai.Models
	model      string
	dimensions int32
	limiter    *rate.Limiter
	policy     RetryPolicy
}

func NewGenAIEmbedder(models *genai.Models, m EmbeddingModel, policy RetryPolicy) *GenAIEmbedder {
	return &GenAIEmbedder{
		models:     models,
		model:      m.Model,
		dimensions: int32(m.Dimensions),
		limiter:    perMinuteLimiter(m.MaxRequestsPerMinute),
		policy:     policy,
	}
}

func (e *GenAIEmbedder) ModelName() string { return e.model }

func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	var config *genai.EmbedContentConfig
	if e.dimensions > 0 {
		config = &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(e.dimensions)}
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp *genai.EmbedContentResponse
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.models.EmbedContent(ctx, e.model, contents, config)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("genai embeddings with %s: %w", e.model, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embeddings returned %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}
