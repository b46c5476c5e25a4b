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

package segment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// UploadMarker is the serving path segment the trim directive follows.
const UploadMarker = "/upload/"

var publicIDPattern = regexp.MustCompile(`/upload/(?:v\d+/)?(.+)\.\w+$`)

// Derive returns the URL that serves only w of the video at baseURL.
//
// Inputs:
//   - baseURL: playable hosted URL containing UploadMarker.
//   - w: the window to serve.
//
// Outputs:
//   - string: baseURL with "so_<start>,eo_<end>/" after the first marker.
//   - error: *model.MalformedSourceURLError when the marker is missing.
func Derive(baseURL string, w model.TimeWindow) (string, error) {
	i := strings.Index(baseURL, UploadMarker)
	if i < 0 {
		return "", &model.MalformedSourceURLError{URL: baseURL, Marker: UploadMarker}
	}
	cut := i + len(UploadMarker)
	return fmt.Sprintf("%sso_%d,eo_%d/%s", baseURL[:cut], w.Start, w.End, baseURL[cut:]), nil
}

// PublicID extracts the provider's public identifier (folder and name without
// version or extension).
func PublicID(baseURL string) (string, error) {
	m := publicIDPattern.FindStringSubmatch(baseURL)
	if m == nil {
		return "", &model.MalformedSourceURLError{URL: baseURL, Marker: UploadMarker}
	}
	return m[1], nil
}
