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

// Package inference is the client for the remote vision-language endpoint.
//
// Every Analyze call owns one remote asset and one local temporary file.
//
// Logic Flow:
//  1. Download the source URL into a private temporary file.
//  2. Ask the assets endpoint for an upload target, then PUT the bytes.
//  3. Invoke the model with an instruction that references the asset.
//  4. Delete the asset and the temporary file on every path. A cleanup
//     failure is logged and never replaces the error of an earlier step.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Timeouts bounds each remote step. Zero means no step timeout.
type Timeouts struct {
	AssetRequest time.Duration
	Transfer     time.Duration
	Delete       time.Duration
	Download     time.Duration
	Inference    time.Duration
}

// Client drives the download, upload, infer and cleanup sequence.
type Client struct {
	invokeURL   string
	assetsURL   string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	topP        float64
	seed        int
	frames      int
	description string
	userAgent   string
	tempDir     string
	timeouts    Timeouts
	retry       cloud.RetryPolicy
	inferRetry  cloud.RetryPolicy
	http        *http.Client
	tracer      trace.Tracer
}

// Option customises a Client.
type Option func(*Client)

// WithEndpoints points the client at the inference and asset APIs.
func WithEndpoints(invokeURL, assetsURL string) Option {
	return func(c *Client) { c.invokeURL, c.assetsURL = invokeURL, assetsURL }
}

// WithAPIKey sets the bearer token sent on every provider call.
func WithAPIKey(key string) Option { return func(c *Client) { c.apiKey = key } }

// WithGeneration sets the fixed generation parameters.
func WithGeneration(modelName string, maxTokens int, temperature, topP float64, seed, frames int) Option {
	return func(c *Client) {
		c.model, c.maxTokens, c.temperature, c.topP, c.seed, c.frames = modelName, maxTokens, temperature, topP, seed, frames
	}
}

// WithAssetDescription labels uploaded assets.
func WithAssetDescription(d string) Option { return func(c *Client) { c.description = d } }

// WithUserAgent overrides the User-Agent used for source downloads.
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithTempDir sets where downloads are staged. Empty means os.TempDir.
func WithTempDir(dir string) Option { return func(c *Client) { c.tempDir = dir } }

// WithTimeouts bounds download, upload, inference and delete separately.
func WithTimeouts(t Timeouts) Option { return func(c *Client) { c.timeouts = t } }

// WithRetry sets the policy of download, asset request, transfer and delete.
func WithRetry(p cloud.RetryPolicy) Option { return func(c *Client) { c.retry = p } }

// WithInferenceRetry sets the policy of the inference call itself.
func WithInferenceRetry(p cloud.RetryPolicy) Option { return func(c *Client) { c.inferRetry = p } }

// WithHTTPClient replaces the transport for all calls.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New builds a client with the provider's default generation parameters.
func New(opts ...Option) *Client {
	c := &Client{
		model:       "nvidia/vila",
		maxTokens:   8192,
		temperature: 0.2,
		topP:        0.7,
		seed:        50,
		frames:      8,
		description: "Video analysis",
		timeouts: Timeouts{
			AssetRequest: 30 * time.Second,
			Transfer:     300 * time.Second,
			Delete:       30 * time.Second,
		},
		retry:      cloud.NoRetry(),
		inferRetry: cloud.NoRetry(),
		http:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		tracer:     otel.Tracer("inference-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a client from the [inference] section. The API key is
// read from the environment variable the section names.
func NewFromConfig(c cloud.Inference, retry cloud.RetryPolicy) (*Client, error) {
	key := cloud.Secret(c.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("inference api key: environment variable %s is not set", c.APIKeyEnv)
	}
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return New(
		WithEndpoints(c.InvokeURL, c.AssetsURL),
		WithAPIKey(key),
		WithGeneration(c.Model, c.MaxTokens, c.Temperature, c.TopP, c.Seed, c.FramesPerInference),
		WithAssetDescription(c.AssetDescription),
		WithUserAgent(c.UserAgent),
		WithTimeouts(Timeouts{
			AssetRequest: seconds(c.AssetRequestTimeoutSeconds),
			Transfer:     seconds(c.TransferTimeoutSeconds),
			Delete:       seconds(c.DeleteTimeoutSeconds),
			Download:     seconds(c.DownloadTimeoutSeconds),
			Inference:    seconds(c.InferenceTimeoutSeconds),
		}),
		WithRetry(retry),
		WithInferenceRetry(retry.WithAttempts(c.MaxAttempts)),
	), nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Analyze runs the full asset lifecycle for sourceURL with instruction.
//
// Inputs:
//   - ctx: bounds every step except the cleanup, which runs even after ctx
//     is cancelled.
//   - sourceURL: playable URL, usually a trimmed segment URL.
//   - instruction: the natural-language request for the model.
//
// Outputs:
//   - model.Analysis: Structured when the answer is JSON, Text otherwise.
//   - error: *model.DownloadError, *model.UploadError or *model.InferenceError.
func (c *Client) Analyze(ctx context.Context, sourceURL, instruction string) (_ model.Analysis, err error) {
	ctx, span := c.tracer.Start(ctx, "analyze", trace.WithAttributes(attribute.String("source_url", sourceURL)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	path, err := c.download(ctx, sourceURL)
	if err != nil {
		return model.Analysis{}, err
	}
	defer c.removeTemp(ctx, path)

	assetID, err := c.upload(ctx, path)
	if assetID != "" {
		defer c.releaseAsset(ctx, assetID)
	}
	if err != nil {
		return model.Analysis{}, err
	}
	span.SetAttributes(attribute.String("asset_id", assetID))

	return c.infer(ctx, assetID, instruction)
}

// AnalyzeFull analyses a whole video in one call.
func (c *Client) AnalyzeFull(ctx context.Context, sourceURL, instruction string) (*model.StreamAnalysis, error) {
	a, err := c.Analyze(ctx, sourceURL, instruction)
	if err != nil {
		return nil, err
	}
	return &model.StreamAnalysis{Timestamp: time.Now().UTC(), Analysis: a}, nil
}

func (c *Client) removeTemp(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "failed to remove temporary file", "file", path, "error", err)
	}
}

// releaseAsset deletes the asset on a context detached from cancellation so
// an aborted run still frees it.
func (c *Client) releaseAsset(ctx context.Context, assetID string) {
	if err := c.DeleteAsset(context.WithoutCancel(ctx), assetID); err != nil {
		slog.WarnContext(ctx, "failed to delete remote asset", "asset_id", assetID, "error", err)
	}
}
