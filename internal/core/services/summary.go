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


package services

import (
	"context"
	"fmt"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// SummaryAgentModel is the completer used for summaries when configured;
// otherwise the default agent model answers.
const SummaryAgentModel = "summary"

const (
	defaultSummaryPrompt = "You are an intelligent assistant specialized in analyzing video content. " +
		"Create a comprehensive summary of the retrieved video content. Focus on key events, actions and " +
		"important details, and present them in a clear, structured format."
	defaultSummaryInput = "Provide a detailed summary of the video content, focusing on crime scenes, criminal " +
		"activities or any information linked to crimes. Disregard unrelated information."
)

// SummaryStore is the part of the video repository the summary agent needs.
type SummaryStore interface {
	Get(ctx context.Context, id string) (*model.Video, error)
	SaveSummary(ctx context.Context, id string, summary string) error
}

// SummaryService writes a retrieval-grounded summary onto a video.
type SummaryService struct {
	retriever    ContextRetriever
	videos       SummaryStore
	model        cloud.Completer
	systemPrompt string
	inputMessage string
	k            int
}

func NewSummaryService(config *cloud.Config, retriever ContextRetriever, videos SummaryStore, completers map[string]cloud.Completer) (*SummaryService, error) {
	completer, ok := completers[SummaryAgentModel]
	if !ok {
		completer, ok = completers[DefaultAgentModel]
	}
	if !ok {
		return nil, fmt.Errorf("summary agent: neither %q nor %q agent model is configured", SummaryAgentModel, DefaultAgentModel)
	}
	s := &SummaryService{
		retriever:    retriever,
		videos:       videos,
		model:        completer,
		systemPrompt: config.PromptTemplates.Summary,
		inputMessage: config.PromptTemplates.SummaryInput,
		k:            config.Retrieval.DefaultK,
	}
	if s.systemPrompt == "" {
		s.systemPrompt = defaultSummaryPrompt
	}
	if s.inputMessage == "" {
		s.inputMessage = defaultSummaryInput
	}
	return s, nil
}

// Summarize retrieves context for the summary request, asks the model and
// stores the answer as the video's summary_result.
func (s *SummaryService) Summarize(ctx context.Context, videoID string) (string, error) {
	if _, err := s.videos.Get(ctx, videoID); err != nil {
		return "", err
	}
	matches, err := s.retriever.Retrieve(ctx, videoID, s.inputMessage, s.k)
	if err != nil {
		return "", err
	}
	summary, err := s.model.Complete(ctx, []model.ChatMessage{
		{Role: model.RoleSystem, Content: s.systemPrompt},
		{Role: model.RoleUser, Content: withContext(s.inputMessage, matches)},
	})
	if err != nil {
		return "", fmt.Errorf("summary agent: %w", err)
	}
	if err := s.videos.SaveSummary(ctx, videoID, summary); err != nil {
		return "", fmt.Errorf("save summary: %w", err)
	}
	return summary, nil
}
