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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/services"
)

var errNotConfigured = errors.New("feature is not configured on this server")

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error          string `json:"error"`
	Classification string `json:"classification,omitempty"`
}

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	var (
		malformed  *model.MalformedSourceURLError
		invalid    *model.InvalidDurationError
		noAnalysis *model.NoAnalysisError
		collection *model.CollectionNotFoundError
		download   *model.DownloadError
		upload     *model.UploadError
		inference  *model.InferenceError
		duration   *model.DurationUnavailableError
	)
	// A zero duration is a bad source. Otherwise the media could not be read.
	if errors.As(err, &duration) {
		if duration.ZeroDuration() {
			return http.StatusBadRequest
		}
		return http.StatusNotFound
	}
	switch {
	case errors.Is(err, services.ErrVideoNotFound),
		errors.Is(err, services.ErrThreadNotFound),
		errors.Is(err, services.ErrUnknownDetector),
		errors.Is(err, services.ErrArchiveNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrEmptyQuery),
		errors.As(err, &malformed),
		errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &noAnalysis), errors.As(err, &collection):
		return http.StatusConflict
	case errors.Is(err, services.ErrArchiveDisabled), errors.Is(err, errNotConfigured):
		return http.StatusServiceUnavailable
	case errors.As(err, &download), errors.As(err, &upload), errors.As(err, &inference):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// abort writes err as an ErrorResponse. Server side failures are logged.
func abort(c *gin.Context, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Classification: model.Classify(err)})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}
