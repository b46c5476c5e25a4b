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


// This file defines the ArchiveService, which hands out download links for
// the archived analysis documents, and the in-memory archive used when no
// bucket is configured.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
)

var (
	ErrArchiveDisabled = errors.New("analysis archive is not configured")
	ErrArchiveNotFound = errors.New("analysis archive not found")
)

// ArchiveLinker locates and links archived documents.
type ArchiveLinker interface {
	Exists(ctx context.Context, videoID string) (bool, error)
	SignedURL(ctx context.Context, videoID string) (string, error)
}

// ArchiveLink is the API answer for an archive download.
type ArchiveLink struct {
	VideoID   string    `json:"video_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ArchiveService issues links to a video's archived analysis.
type ArchiveService struct {
	links  ArchiveLinker
	videos VideoFinder
	ttl    time.Duration
}

// NewArchiveService accepts a nil linker; every request then reports
// ErrArchiveDisabled.
func NewArchiveService(links ArchiveLinker, videos VideoFinder, ttl time.Duration) *ArchiveService {
	return &ArchiveService{links: links, videos: videos, ttl: ttl}
}

func (s *ArchiveService) Link(ctx context.Context, videoID string) (*ArchiveLink, error) {
	if _, err := s.videos.Get(ctx, videoID); err != nil {
		return nil, err
	}
	if s.links == nil {
		return nil, ErrArchiveDisabled
	}
	ok, err := s.links.Exists(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("check archive of %s: %w", videoID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, videoID)
	}
	expires := time.Now().UTC().Add(s.ttl)
	url, err := s.links.SignedURL(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("sign archive url of %s: %w", videoID, err)
	}
	return &ArchiveLink{VideoID: videoID, URL: url, ExpiresAt: expires}, nil
}

// MemoryArchive keeps archived documents in process memory.
type MemoryArchive struct {
	mu     sync.RWMutex
	prefix string
	docs   map[string][]byte
}

func NewMemoryArchive(prefix string) *MemoryArchive {
	return &MemoryArchive{prefix: prefix, docs: make(map[string][]byte)}
}

func (a *MemoryArchive) Write(_ context.Context, videoID string, v any) (cloud.GCSObject, error) {
	obj := cloud.GCSObject{Bucket: "memory", Name: cloud.ArchiveObjectName(a.prefix, videoID), MIMEType: "application/json"}
	b, err := json.Marshal(v)
	if err != nil {
		return obj, fmt.Errorf("write %s: %w", obj.URI(), err)
	}
	a.mu.Lock()
	a.docs[videoID] = b
	a.mu.Unlock()
	return obj, nil
}

func (a *MemoryArchive) Exists(_ context.Context, videoID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.docs[videoID]
	return ok, nil
}

// SignedURL returns the memory:// location; there is nothing to sign.
func (a *MemoryArchive) SignedURL(_ context.Context, videoID string) (string, error) {
	return "memory://" + cloud.ArchiveObjectName(a.prefix, videoID), nil
}

// Document returns the stored JSON of a video, or nil.
func (a *MemoryArchive) Document(videoID string) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.docs[videoID]
}
