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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/index"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/segment"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type createVideoRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	VideoURL    string `json:"video_url" binding:"required"`
}

type analyzeRequest struct {
	Instruction string `json:"instruction"`
}

// IndexResponse reports an indexing call as the 1 / -1 signal plus the
// number of chunks written.
type IndexResponse struct {
	Result int    `json:"result"`
	Chunks int    `json:"chunks"`
	Error  string `json:"error,omitempty"`
}

// VideoRouter sets up the video record and analysis routes.
func (h *Handlers) VideoRouter(r *gin.RouterGroup) {
	videos := r.Group("/videos")
	{
		videos.POST("", h.createVideo)
		videos.GET("", h.listVideos)
		videos.GET("/:id", h.getVideo)
		videos.POST("/:id/analyze", h.analyze)
		videos.POST("/:id/analyze-async", h.analyzeAsync)
		videos.POST("/:id/analyze-stream", h.analyzeStream)
		videos.POST("/:id/index", h.indexVideo)
		videos.POST("/:id/summarize", h.summarize)
		videos.GET("/:id/search", h.search)
		videos.GET("/:id/archive", h.archiveLink)
	}
}

func (h *Handlers) createVideo(c *gin.Context) {
	var req createVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	// Reject URLs the segment deriver cannot trim before the record exists.
	if _, err := segment.PublicID(req.VideoURL); err != nil {
		abort(c, err)
		return
	}
	v := model.NewVideo(req.Title, req.Description, req.VideoURL)
	if err := h.Videos.Create(c, v); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

func (h *Handlers) listVideos(c *gin.Context) {
	limit, err := intQuery(c, "limit", defaultPageSize)
	if err != nil {
		badRequest(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.Videos.List(c, min(max(limit, 1), maxPageSize), offset)
	if err != nil {
		abort(c, err)
		return
	}
	if out == nil {
		out = make([]*model.Video, 0)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) getVideo(c *gin.Context) {
	v, err := h.Videos.Get(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// bindInstruction reads the optional {"instruction"} body.
func bindInstruction(c *gin.Context) (string, bool) {
	var req analyzeRequest
	if c.Request.ContentLength == 0 {
		return "", true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return "", false
	}
	return req.Instruction, true
}

func (h *Handlers) analyze(c *gin.Context) {
	instruction, ok := bindInstruction(c)
	if !ok {
		return
	}
	run, err := h.Analysis.RunRequest(c, model.AnalysisRequest{VideoID: c.Param("id"), Instruction: instruction})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handlers) analyzeAsync(c *gin.Context) {
	instruction, ok := bindInstruction(c)
	if !ok {
		return
	}
	if h.Publish == nil {
		abort(c, fmt.Errorf("async analysis: %w", errNotConfigured))
		return
	}
	id := c.Param("id")
	if _, err := h.Videos.Get(c, id); err != nil {
		abort(c, err)
		return
	}
	msgID, err := h.Publish(c, model.AnalysisRequest{VideoID: id, Instruction: instruction})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"video_id": id, "message_id": msgID})
}

// analyzeStream analyses the whole video in one inference and returns the
// answer without storing it.
func (h *Handlers) analyzeStream(c *gin.Context) {
	instruction, ok := bindInstruction(c)
	if !ok {
		return
	}
	if h.Stream == nil {
		abort(c, fmt.Errorf("stream analysis: %w", errNotConfigured))
		return
	}
	v, err := h.Videos.Get(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	if instruction == "" {
		instruction = h.DefaultInstruction
	}
	out, err := h.Stream.AnalyzeFull(c, v.VideoURL, instruction)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) indexVideo(c *gin.Context) {
	v, err := h.Videos.Get(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	n, err := h.Indexer.IndexVideo(c, v)
	if err == nil && h.Marker != nil {
		err = h.Marker.MarkIndexed(c, v.ID, time.Now().UTC())
	}
	if err != nil {
		c.AbortWithStatusJSON(StatusOf(err), IndexResponse{Result: index.IndexSignal(err), Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, IndexResponse{Result: index.IndexSignal(nil), Chunks: n})
}

func (h *Handlers) summarize(c *gin.Context) {
	if h.Summary == nil {
		abort(c, fmt.Errorf("summary agent: %w", errNotConfigured))
		return
	}
	id := c.Param("id")
	s, err := h.Summary.Summarize(c, id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_id": id, "summary_result": s})
}

func (h *Handlers) search(c *gin.Context) {
	k, err := intQuery(c, "k", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.Search.FindChunks(c, c.Param("id"), c.Query("q"), k)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) archiveLink(c *gin.Context) {
	if h.Archive == nil {
		abort(c, fmt.Errorf("archive: %w", errNotConfigured))
		return
	}
	link, err := h.Archive.Link(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}
