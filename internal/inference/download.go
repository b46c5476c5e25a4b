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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/h2non/filetype"
	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

// sniffLength is what filetype needs to recognise every supported type.
const sniffLength = 262

// download fetches sourceURL into a new temporary file and returns its path.
// The file is removed on every failure path, including between retries.
func (c *Client) download(ctx context.Context, sourceURL string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.Download)
	defer cancel()

	var path string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		p, err := c.downloadOnce(ctx, sourceURL)
		if err != nil {
			return err
		}
		path = p
		return nil
	})
	if err != nil {
		var dlErr *model.DownloadError
		if !errors.As(err, &dlErr) {
			err = &model.DownloadError{URL: sourceURL, Err: err}
		}
		return "", err
	}
	return path, nil
}

func (c *Client) downloadOnce(ctx context.Context, sourceURL string) (path string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", cloud.Permanent(&model.DownloadError{URL: sourceURL, Err: err})
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &model.DownloadError{URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		dlErr := &model.DownloadError{URL: sourceURL, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", cloud.Permanent(dlErr)
		}
		return "", dlErr
	}

	f, err := os.CreateTemp(c.tempDir, "segment-*.mp4")
	if err != nil {
		return "", &model.DownloadError{URL: sourceURL, Err: err}
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = &model.DownloadError{URL: sourceURL, Err: closeErr}
		}
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", &model.DownloadError{URL: sourceURL, Err: err}
	}
	head = head[:n]
	if n == 0 {
		return "", cloud.Permanent(&model.DownloadError{URL: sourceURL, Err: errors.New("empty response body")})
	}
	if kind, _ := filetype.Match(head); kind != filetype.Unknown && !filetype.IsVideo(head) {
		return "", cloud.Permanent(&model.DownloadError{URL: sourceURL, Err: fmt.Errorf("unexpected content type %s", kind.MIME.Value)})
	}

	if _, err = f.Write(head); err != nil {
		return "", &model.DownloadError{URL: sourceURL, Err: err}
	}
	if _, err = io.Copy(f, resp.Body); err != nil {
		return "", &model.DownloadError{URL: sourceURL, Err: err}
	}
	return f.Name(), nil
}
