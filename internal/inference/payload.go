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

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

const maxErrorBody = 512

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inferRequest struct {
	MaxTokens             int       `json:"max_tokens"`
	Temperature           float64   `json:"temperature"`
	TopP                  float64   `json:"top_p"`
	Seed                  int       `json:"seed"`
	NumFramesPerInference int       `json:"num_frames_per_inference"`
	Messages              []message `json:"messages"`
	Stream                bool      `json:"stream"`
	Model                 string    `json:"model"`
}

type completion struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Instruction embeds the asset reference in the user message.
func Instruction(instruction, assetID string) string {
	return fmt.Sprintf(`%s <video src="data:video/mp4;asset_id,%s" />`, instruction, assetID)
}

func (c *Client) infer(ctx context.Context, assetID, instruction string) (model.Analysis, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.Inference)
	defer cancel()

	body, err := json.Marshal(inferRequest{
		MaxTokens:             c.maxTokens,
		Temperature:           c.temperature,
		TopP:                  c.topP,
		Seed:                  c.seed,
		NumFramesPerInference: c.frames,
		Messages:              []message{{Role: model.RoleUser, Content: Instruction(instruction, assetID)}},
		Stream:                false,
		Model:                 c.model,
	})
	if err != nil {
		return model.Analysis{}, &model.InferenceError{AssetID: assetID, Err: err}
	}

	var raw []byte
	err = c.inferRetry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.invokeURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("NVCF-INPUT-ASSET-REFERENCES", assetID)
		req.Header.Set("NVCF-FUNCTION-ASSET-IDS", assetID)
		resp, err := c.http.Do(req)
		if err != nil {
			return &model.InferenceError{AssetID: assetID, Err: err}
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return &model.InferenceError{AssetID: assetID, Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if len(b) > maxErrorBody {
				b = b[:maxErrorBody]
			}
			return statusError(resp.StatusCode, &model.InferenceError{AssetID: assetID, StatusCode: resp.StatusCode, Body: string(b)})
		}
		raw = b
		return nil
	})
	if err != nil {
		var infErr *model.InferenceError
		if !errors.As(err, &infErr) {
			err = &model.InferenceError{AssetID: assetID, Err: err}
		}
		return model.Analysis{}, err
	}
	return ParseResponse(raw), nil
}

// ParseResponse extracts the first completion's content when the body is a
// chat completion, keeps any other JSON body as Structured and anything else
// as Text.
func ParseResponse(raw []byte) model.Analysis {
	var c completion
	if err := json.Unmarshal(raw, &c); err == nil && len(c.Choices) > 0 && c.Choices[0].Message.Content != nil {
		return model.ParseAnalysis(*c.Choices[0].Message.Content)
	}
	if json.Valid(raw) {
		if a, err := model.StructuredAnalysis(raw); err == nil {
			return a
		}
	}
	return model.TextAnalysis(string(raw))
}
