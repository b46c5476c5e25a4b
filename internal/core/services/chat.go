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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// ChatAgentModel is the completer used for chat when configured; otherwise
// the default agent model answers.
const ChatAgentModel = "chat"

// maxHistory bounds the turns replayed to the model per thread.
const maxHistory = 20

const defaultChatPrompt = "You are an AI assistant specialized in providing detailed and accurate information about " +
	"crime, fire and robbery incidents in a video. Answer from the retrieved content only. Fields such as " +
	"start_time_seconds and end_time_seconds are offsets into the video in seconds. If the content does not " +
	"answer the question, say so."

var ErrThreadNotFound = errors.New("chat thread not found")

// ChatReply is one answer of the chat agent.
type ChatReply struct {
	ThreadID string        `json:"thread_id"`
	Response string        `json:"response"`
	Sources  []model.Match `json:"sources"`
}

type chatThread struct {
	mu       sync.Mutex
	videoID  string
	history  []model.ChatMessage
	lastUsed time.Time // Guarded by ChatService.mu.
}

// ChatService keeps per-thread conversations about one video in memory.
// Threads idle for longer than the configured time are dropped, and the
// least recently used thread is dropped when the cap is reached.
type ChatService struct {
	retriever    ContextRetriever
	videos       VideoFinder
	model        cloud.Completer
	systemPrompt string
	k            int
	idle         time.Duration
	maxThreads   int
	now          func() time.Time

	mu      sync.Mutex
	threads map[string]*chatThread
}

// ChatOption customises a ChatService.
type ChatOption func(*ChatService)

// WithChatClock replaces the clock used for thread expiry.
func WithChatClock(now func() time.Time) ChatOption {
	return func(s *ChatService) { s.now = now }
}

// VideoFinder loads a video record.
type VideoFinder interface {
	Get(ctx context.Context, id string) (*model.Video, error)
}

func NewChatService(config *cloud.Config, retriever ContextRetriever, videos VideoFinder, completers map[string]cloud.Completer, opts ...ChatOption) (*ChatService, error) {
	completer, ok := completers[ChatAgentModel]
	if !ok {
		completer, ok = completers[DefaultAgentModel]
	}
	if !ok {
		return nil, fmt.Errorf("chat agent: neither %q nor %q agent model is configured", ChatAgentModel, DefaultAgentModel)
	}
	prompt := config.PromptTemplates.Chat
	if prompt == "" {
		prompt = defaultChatPrompt
	}
	s := &ChatService{
		retriever:    retriever,
		videos:       videos,
		model:        completer,
		systemPrompt: prompt,
		k:            config.Retrieval.DefaultK,
		idle:         time.Duration(max(1, config.Chat.ThreadIdleMinutes)) * time.Minute,
		maxThreads:   max(1, config.Chat.MaxThreads),
		now:          time.Now,
		threads:      make(map[string]*chatThread),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StartThread opens a conversation about an existing video.
func (s *ChatService) StartThread(ctx context.Context, videoID string) (string, error) {
	if _, err := s.videos.Get(ctx, videoID); err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)
	for len(s.threads) >= s.maxThreads {
		s.evictOldest()
	}
	s.threads[id] = &chatThread{videoID: videoID, lastUsed: now}
	return id, nil
}

// Threads returns the number of live threads.
func (s *ChatService) Threads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.threads)
}

// sweep drops idle threads. s.mu must be held.
func (s *ChatService) sweep(now time.Time) {
	for id, t := range s.threads {
		if now.Sub(t.lastUsed) > s.idle {
			delete(s.threads, id)
		}
	}
}

// evictOldest drops the least recently used thread. s.mu must be held.
func (s *ChatService) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, t := range s.threads {
		if oldestID == "" || t.lastUsed.Before(oldest) {
			oldestID, oldest = id, t.lastUsed
		}
	}
	delete(s.threads, oldestID)
}

func (s *ChatService) thread(videoID, threadID string) (*chatThread, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if ok && now.Sub(t.lastUsed) > s.idle {
		delete(s.threads, threadID)
		ok = false
	}
	if !ok || t.videoID != videoID {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	t.lastUsed = now
	return t, nil
}

// Chat answers one message. Retrieved context is attached to the current turn
// only; the history keeps the plain question and answer.
func (s *ChatService) Chat(ctx context.Context, videoID, threadID, message string) (*ChatReply, error) {
	t, err := s.thread(videoID, threadID)
	if err != nil {
		return nil, err
	}
	matches, err := s.retriever.Retrieve(ctx, videoID, message, s.k)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	messages := make([]model.ChatMessage, 0, len(t.history)+2)
	messages = append(messages, model.ChatMessage{Role: model.RoleSystem, Content: s.systemPrompt})
	messages = append(messages, t.history...)
	messages = append(messages, model.ChatMessage{Role: model.RoleUser, Content: withContext(message, matches)})

	answer, err := s.model.Complete(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("chat agent: %w", err)
	}
	t.history = append(t.history,
		model.ChatMessage{Role: model.RoleUser, Content: message},
		model.ChatMessage{Role: model.RoleAssistant, Content: answer},
	)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	return &ChatReply{ThreadID: threadID, Response: answer, Sources: matches}, nil
}
