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


// Package services contains the business logic for interacting with data sources.
// This file defines the DetectorService, the topic agents (crime, fire,
// theft and so on) that read a video's indexed corpus and produce a verdict.
//
// Logic Flow:
//  1. Retrieve the chunks most similar to the detector's input message.
//  2. Ask the detector's completion model for a fenced JSON verdict, with the
//     rendered system prompt and the retrieved context.
//  3. Extract the first ```json {...}``` block of the answer.
//  4. Ask for a one word severity (neutral, low, medium, high).
//  5. Store the verdict on the video under "<topic>_evaluation".
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/index"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// Agent model keys looked up in the configured completers.
const (
	DefaultAgentModel  = "default"
	SeverityAgentModel = "severity"
)

const defaultSeverityPrompt = "You are an assistant that analyzes {{ .TOPIC }} incident reports and determines their severity."

var (
	ErrUnknownDetector = errors.New("unknown detector")
	ErrNoVerdict       = errors.New("no JSON verdict in agent answer")

	jsonBlock = regexp.MustCompile("(?is)```json\\s*(\\{.*?\\})\\s*```")
)

// ContextRetriever finds the chunks of a video most similar to a query.
type ContextRetriever interface {
	Retrieve(ctx context.Context, videoID, query string, k int) ([]model.Match, error)
}

// EvaluationStore is the part of the video repository the detectors need.
type EvaluationStore interface {
	Get(ctx context.Context, id string) (*model.Video, error)
	SaveEvaluation(ctx context.Context, id string, topic string, doc map[string]any) error
}

type detectorAgent struct {
	topic          string
	eventsKey      string
	systemPrompt   string
	inputMessage   string
	severityPrompt string
	model          cloud.Completer
	severityModel  cloud.Completer
}

// DetectorService runs the configured topic agents.
type DetectorService struct {
	retriever ContextRetriever
	videos    EvaluationStore
	agents    map[string]*detectorAgent
	k         int
}

// NewDetectorService renders every detector's prompts and resolves its
// completion models. A detector naming an unknown model is an error.
func NewDetectorService(config *cloud.Config, retriever ContextRetriever, videos EvaluationStore, completers map[string]cloud.Completer) (*DetectorService, error) {
	s := &DetectorService{
		retriever: retriever,
		videos:    videos,
		agents:    make(map[string]*detectorAgent, len(config.Detectors)),
		k:         config.Retrieval.DefaultK,
	}
	for topic, d := range config.Detectors {
		modelName := d.Model
		if modelName == "" {
			modelName = DefaultAgentModel
		}
		completer, ok := completers[modelName]
		if !ok {
			return nil, fmt.Errorf("detector %s: agent model %q is not configured", topic, modelName)
		}
		severityModel, ok := completers[SeverityAgentModel]
		if !ok {
			severityModel = completer
		}
		data := map[string]string{
			"TOPIC":      topic,
			"EVENTS_KEY": d.EventsKey,
			"EXAMPLES":   model.GetExampleVerdictBlock(d.EventsKey),
		}
		system, err := render(topic+"-system", d.SystemPrompt, data)
		if err != nil {
			return nil, err
		}
		severityTemplate := d.SeverityPrompt
		if severityTemplate == "" {
			severityTemplate = config.PromptTemplates.Severity
		}
		if severityTemplate == "" {
			severityTemplate = defaultSeverityPrompt
		}
		severity, err := render(topic+"-severity", severityTemplate, data)
		if err != nil {
			return nil, err
		}
		s.agents[topic] = &detectorAgent{
			topic:          topic,
			eventsKey:      d.EventsKey,
			systemPrompt:   system,
			inputMessage:   d.InputMessage,
			severityPrompt: severity,
			model:          completer,
			severityModel:  severityModel,
		}
	}
	return s, nil
}

func render(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// Topics lists the configured detector topics in name order.
func (s *DetectorService) Topics() []string {
	out := make([]string, 0, len(s.agents))
	for topic := range s.agents {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}

// Detect runs one topic agent over a video and stores its verdict.
func (s *DetectorService) Detect(ctx context.Context, topic, videoID string) (*model.Verdict, error) {
	agent, ok := s.agents[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDetector, topic)
	}
	if _, err := s.videos.Get(ctx, videoID); err != nil {
		return nil, err
	}
	query := agent.inputMessage
	if query == "" {
		query = topic
	}
	matches, err := s.retriever.Retrieve(ctx, videoID, query, s.k)
	if err != nil {
		return nil, err
	}

	answer, err := agent.model.Complete(ctx, []model.ChatMessage{
		{Role: model.RoleSystem, Content: agent.systemPrompt},
		{Role: model.RoleUser, Content: withContext(query, matches)},
	})
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", topic, err)
	}
	result, err := ExtractJSON(answer)
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", topic, err)
	}
	severity, err := s.classify(ctx, agent, answer)
	if err != nil {
		return nil, fmt.Errorf("%s severity: %w", topic, err)
	}

	verdict := &model.Verdict{
		Topic:      topic,
		Severity:   severity,
		Result:     result,
		Sources:    matches,
		RawMessage: answer,
	}
	if err := s.videos.SaveEvaluation(ctx, videoID, topic, verdict.Document()); err != nil {
		return nil, fmt.Errorf("save %s evaluation: %w", topic, err)
	}
	return verdict, nil
}

func (s *DetectorService) classify(ctx context.Context, agent *detectorAgent, answer string) (model.Severity, error) {
	reply, err := agent.severityModel.Complete(ctx, []model.ChatMessage{
		{Role: model.RoleSystem, Content: agent.severityPrompt},
		{Role: model.RoleUser, Content: fmt.Sprintf(
			"%s\n\nPlease provide the severity of the %s situation as a single word: neutral, low, medium, or high.",
			answer, strings.ReplaceAll(agent.topic, "_", " "))},
	})
	if err != nil {
		return "", err
	}
	return model.ParseSeverity(reply)
}

// withContext appends retrieved chunks to a user message.
func withContext(message string, matches []model.Match) string {
	if len(matches) == 0 {
		return message + "\n\nNo indexed content matched this request."
	}
	return message + "\n\nRetrieved content:\n" + index.FormatContext(matches)
}

// ExtractJSON returns the first fenced json object of an answer. An answer
// that is itself a bare JSON object is accepted too.
func ExtractJSON(answer string) (map[string]any, error) {
	raw := ""
	if m := jsonBlock.FindStringSubmatch(answer); m != nil {
		raw = m[1]
	} else if trimmed := strings.TrimSpace(answer); strings.HasPrefix(trimmed, "{") {
		raw = trimmed
	}
	if raw == "" {
		return nil, ErrNoVerdict
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON verdict: %w", err)
	}
	return out, nil
}
