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


package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type chatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// AgentRouter sets up the detector and chat routes.
func (h *Handlers) AgentRouter(r *gin.RouterGroup) {
	r.GET("/agents", h.listAgents)
	videos := r.Group("/videos/:id")
	{
		videos.POST("/agents/:topic", h.detect)
		videos.POST("/chat/threads", h.startThread)
		videos.POST("/chat", h.chat)
	}
}

func (h *Handlers) listAgents(c *gin.Context) {
	topics := make([]string, 0)
	if h.Detectors != nil {
		topics = append(topics, h.Detectors.Topics()...)
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

func (h *Handlers) detect(c *gin.Context) {
	if h.Detectors == nil {
		abort(c, fmt.Errorf("detector agents: %w", errNotConfigured))
		return
	}
	verdict, err := h.Detectors.Detect(c, c.Param("topic"), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (h *Handlers) startThread(c *gin.Context) {
	if h.Chat == nil {
		abort(c, fmt.Errorf("chat agent: %w", errNotConfigured))
		return
	}
	id, err := h.Chat.StartThread(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"thread_id": id})
}

func (h *Handlers) chat(c *gin.Context) {
	if h.Chat == nil {
		abort(c, fmt.Errorf("chat agent: %w", errNotConfigured))
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.Message) == "" {
		badRequest(c, errors.New("thread_id and message are required"))
		return
	}
	reply, err := h.Chat.Chat(c, c.Param("id"), req.ThreadID, req.Message)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}
