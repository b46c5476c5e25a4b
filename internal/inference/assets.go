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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

const videoContentType = "video/mp4"

type assetRequest struct {
	ContentType string `json:"contentType"`
	Description string `json:"description"`
}

type assetResponse struct {
	UploadURL string `json:"uploadUrl"`
	AssetID   string `json:"assetId"`
}

// statusError classifies a response status for the retry policy.
func statusError(code int, err error) error {
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return cloud.Permanent(err)
	}
	return err
}

// upload registers an asset and transfers the file to it. When the asset was
// registered but the transfer failed, the asset id is returned with the error
// so the caller can still delete it.
func (c *Client) upload(ctx context.Context, path string) (string, error) {
	target, err := c.requestUpload(ctx)
	if err != nil {
		var upErr *model.UploadError
		if !errors.As(err, &upErr) {
			err = &model.UploadError{Stage: model.UploadStageRequest, Err: err}
		}
		if target != nil {
			return target.AssetID, err
		}
		return "", err
	}
	if err := c.transfer(ctx, target.UploadURL, path); err != nil {
		var upErr *model.UploadError
		if !errors.As(err, &upErr) {
			err = &model.UploadError{Stage: model.UploadStageTransfer, Err: err}
		}
		return target.AssetID, err
	}
	return target.AssetID, nil
}

// requestUpload registers an asset. A response that names an asset but is
// otherwise unusable is returned together with the error, since the asset
// exists remotely and must still be deleted.
func (c *Client) requestUpload(ctx context.Context) (*assetResponse, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.AssetRequest)
	defer cancel()

	body, err := json.Marshal(assetRequest{ContentType: videoContentType, Description: c.description})
	if err != nil {
		return nil, err
	}
	var out assetResponse
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.assetsURL, bytes.NewReader(body))
		if err != nil {
			return cloud.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError(resp.StatusCode, &model.UploadError{Stage: model.UploadStageRequest, StatusCode: resp.StatusCode})
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return cloud.Permanent(fmt.Errorf("decode asset response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.UploadURL == "" {
		return &out, &model.UploadError{Stage: model.UploadStageRequest, Err: errors.New("asset response without uploadUrl")}
	}
	if _, err := uuid.Parse(out.AssetID); err != nil {
		return &out, &model.UploadError{Stage: model.UploadStageRequest, Err: fmt.Errorf("asset id %q: %w", out.AssetID, err)}
	}
	return &out, nil
}

func (c *Client) transfer(ctx context.Context, uploadURL, path string) error {
	ctx, cancel := withTimeout(ctx, c.timeouts.Transfer)
	defer cancel()

	return c.retry.Do(ctx, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return cloud.Permanent(err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return cloud.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
		if err != nil {
			return cloud.Permanent(err)
		}
		req.ContentLength = info.Size()
		req.Header.Set("x-amz-meta-nvcf-asset-description", c.description)
		req.Header.Set("Content-Type", videoContentType)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError(resp.StatusCode, &model.UploadError{Stage: model.UploadStageTransfer, StatusCode: resp.StatusCode})
		}
		return nil
	})
}

// DeleteAsset releases a remote asset.
func (c *Client) DeleteAsset(ctx context.Context, assetID string) error {
	ctx, cancel := withTimeout(ctx, c.timeouts.Delete)
	defer cancel()

	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, strings.TrimSuffix(c.assetsURL, "/")+"/"+url.PathEscape(assetID), nil)
		if err != nil {
			return cloud.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError(resp.StatusCode, fmt.Errorf("delete asset %s: status %d", assetID, resp.StatusCode))
		}
		return nil
	})
}
