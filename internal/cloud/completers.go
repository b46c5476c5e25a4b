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

// This file holds the chat completion backends used by the detector, summary
// and chat agents.
package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"
)

// OpenAICompleter sends chat messages to an OpenAI chat model.
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	policy      RetryPolicy
}

func NewOpenAICompleter(client *openai.Client, m AgentModel, policy RetryPolicy) *OpenAICompleter {
	return &OpenAICompleter{
		client:      client,
		model:       m.Model,
		temperature: m.Temperature,
		maxTokens:   int(m.MaxTokens),
		policy:      policy,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, messages []model.ChatMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	var resp openai.ChatCompletionResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, req)
		return retryableOpenAI(err)
	})
	if err != nil {
		return "", fmt.Errorf("openai completion with %s: %w", c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion with %s returned no choices", c.model)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GenAICompleter sends chat messages through a QuotaAwareGenerativeAIModel.
// System messages are folded into the system instruction.
type GenAICompleter struct {
	model        *QuotaAwareGenerativeAIModel
	policy       RetryPolicy
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	retries      metric.Int64Counter
}

func NewGenAICompleter(m *QuotaAwareGenerativeAIModel, policy RetryPolicy) *GenAICompleter {
	meter := otel.Meter("github.com/jaycherian/gcp-go-video-evidence")
	in, _ := meter.Int64Counter(fmt.Sprintf("%s.genai.token.input", m.ModelName))
	out, _ := meter.Int64Counter(fmt.Sprintf("%s.genai.token.output", m.ModelName))
	retries, _ := meter.Int64Counter(fmt.Sprintf("%s.genai.retry", m.ModelName))
	return &GenAICompleter{model: m, policy: policy, inputTokens: in, outputTokens: out, retries: retries}
}

func (c *GenAICompleter) Complete(ctx context.Context, messages []model.ChatMessage) (string, error) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	handle := c.model
	if len(system) > 0 {
		cfg := genai.GenerateContentConfig{}
		if c.model.GenerativeContentConfig != nil {
			cfg = *c.model.GenerativeContentConfig
		}
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
		copied := *c.model
		copied.GenerativeContentConfig = &cfg
		handle = &copied
	}
	return GenerateMultiModalResponse(ctx, c.inputTokens, c.outputTokens, c.retries, c.policy, handle, contents)
}
