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

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by lookups of records that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest is wrapped by inputs that cannot be processed as given.
	ErrInvalidRequest = errors.New("invalid request")
)

// InvalidDurationError is returned by the planner for a non-positive
// duration or window length.
type InvalidDurationError struct {
	Duration  int
	MaxWindow int
}

func (e *InvalidDurationError) Error() string {
	if e.MaxWindow <= 0 {
		return fmt.Sprintf("invalid max window %d seconds", e.MaxWindow)
	}
	return fmt.Sprintf("invalid duration %d seconds", e.Duration)
}

// MalformedSourceURLError means the trim directive could not be injected.
type MalformedSourceURLError struct {
	URL    string
	Marker string
}

func (e *MalformedSourceURLError) Error() string {
	return fmt.Sprintf("source url %q does not contain %q", e.URL, e.Marker)
}

// DownloadError wraps a failed fetch of a segment. StatusCode is zero for
// transport failures.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Upload stages.
const (
	UploadStageRequest  = "request"
	UploadStageTransfer = "transfer"
)

// UploadError covers both the upload authorisation request and the byte
// transfer.
type UploadError struct {
	Stage      string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("asset upload %s: status %d", e.Stage, e.StatusCode)
	}
	return fmt.Sprintf("asset upload %s: %v", e.Stage, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// InferenceError is a failed inference call. Window is set once the error
// crosses the aggregator.
type InferenceError struct {
	AssetID    string
	StatusCode int
	Body       string
	Window     *TimeWindow
	Err        error
}

func (e *InferenceError) Error() string {
	msg := "inference"
	if e.Window != nil {
		msg += " window " + e.Window.String()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", msg, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// DurationUnavailableError is returned when the probe fails (Err set) or
// reports a zero duration (Err nil).
type DurationUnavailableError struct {
	URL string
	Err error
}

func (e *DurationUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("duration of %s is zero", e.URL)
	}
	return fmt.Sprintf("duration of %s unavailable: %v", e.URL, e.Err)
}

func (e *DurationUnavailableError) Unwrap() error { return e.Err }

// ZeroDuration reports whether the probe succeeded but returned nothing usable.
func (e *DurationUnavailableError) ZeroDuration() bool { return e.Err == nil }

type NoAnalysisError struct {
	VideoID string
}

func (e *NoAnalysisError) Error() string {
	return fmt.Sprintf("video %s has no analysis result", e.VideoID)
}

type CollectionNotFoundError struct {
	Collection string
}

func (e *CollectionNotFoundError) Error() string {
	return fmt.Sprintf("collection %s not found", e.Collection)
}

// Classify names the taxonomy member of err for the request boundary.
func Classify(err error) string {
	var (
		invalidDuration *InvalidDurationError
		malformed       *MalformedSourceURLError
		download        *DownloadError
		upload          *UploadError
		inference       *InferenceError
		duration        *DurationUnavailableError
		noAnalysis      *NoAnalysisError
		collection      *CollectionNotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &invalidDuration):
		return "InvalidDurationError"
	case errors.As(err, &malformed):
		return "MalformedSourceURLError"
	case errors.As(err, &download):
		return "DownloadError"
	case errors.As(err, &upload):
		return "UploadError"
	case errors.As(err, &inference):
		return "InferenceError"
	case errors.As(err, &duration):
		return "DurationUnavailableError"
	case errors.As(err, &noAnalysis):
		return "NoAnalysisError"
	case errors.As(err, &collection):
		return "CollectionNotFoundError"
	default:
		return "InternalError"
	}
}

// IsPermanent reports whether err cannot go away by retrying the same
// request: bad input, a missing record, a source that is gone or has no
// usable length. Transport failures and remote 5xx answers are not permanent.
func IsPermanent(err error) bool {
	var (
		invalidDuration *InvalidDurationError
		malformed       *MalformedSourceURLError
		download        *DownloadError
		duration        *DurationUnavailableError
		noAnalysis      *NoAnalysisError
	)
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidRequest):
		return true
	case errors.As(err, &invalidDuration), errors.As(err, &malformed), errors.As(err, &noAnalysis):
		return true
	case errors.As(err, &duration):
		return duration.ZeroDuration()
	case errors.As(err, &download):
		code := download.StatusCode
		return code >= 400 && code < 500 && code != 408 && code != 429
	default:
		return false
	}
}
