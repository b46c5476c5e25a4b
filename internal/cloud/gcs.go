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

// This file holds the Cloud Storage side of the analysis archive: the object
// naming scheme, the JSON writer and V4 signed download URLs signed through
// the IAM credentials API.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
)

// GCSObject identifies a stored object.
type GCSObject struct {
	Bucket   string `json:"bucket"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
}

// URI returns the gs:// form of the object.
func (o GCSObject) URI() string {
	return fmt.Sprintf("gs://%s/%s", o.Bucket, o.Name)
}

// GCSArchive writes analysis documents under <prefix>/<video id>.json.
type GCSArchive struct {
	client *storage.Client
	iam    *credentials.IamCredentialsClient
	bucket string
	prefix string
	signer string
	ttl    time.Duration
}

// NewGCSArchive returns nil when no bucket is configured.
func NewGCSArchive(client *storage.Client, iam *credentials.IamCredentialsClient, cfg Storage, signerEmail string) *GCSArchive {
	if client == nil || cfg.AnalysisBucket == "" {
		return nil
	}
	return &GCSArchive{
		client: client,
		iam:    iam,
		bucket: cfg.AnalysisBucket,
		prefix: cfg.ArchivePrefix,
		signer: signerEmail,
		ttl:    time.Duration(cfg.SignedURLMinutes) * time.Minute,
	}
}

// ArchiveObjectName is the object name of a video's analysis document.
func ArchiveObjectName(prefix, videoID string) string {
	return path.Join(prefix, videoID+".json")
}

// Write stores v as JSON, replacing any previous document.
func (a *GCSArchive) Write(ctx context.Context, videoID string, v any) (GCSObject, error) {
	obj := GCSObject{Bucket: a.bucket, Name: ArchiveObjectName(a.prefix, videoID), MIMEType: "application/json"}
	w := a.client.Bucket(a.bucket).Object(obj.Name).NewWriter(ctx)
	w.ContentType = obj.MIMEType
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = w.Close()
		return obj, fmt.Errorf("write %s: %w", obj.URI(), err)
	}
	if err := w.Close(); err != nil {
		return obj, fmt.Errorf("close %s: %w", obj.URI(), err)
	}
	return obj, nil
}

// Exists reports whether the video's document has been archived.
func (a *GCSArchive) Exists(ctx context.Context, videoID string) (bool, error) {
	_, err := a.client.Bucket(a.bucket).Object(ArchiveObjectName(a.prefix, videoID)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

// SignedURL returns a time limited GET URL for the video's document. The
// signature is produced by the IAM SignBlob call on behalf of the signer
// service account, so no private key is needed locally.
func (a *GCSArchive) SignedURL(ctx context.Context, videoID string) (string, error) {
	if a.iam == nil || a.signer == "" {
		return "", errors.New("signed urls need application.signer_service_account_email")
	}
	return storage.SignedURL(a.bucket, ArchiveObjectName(a.prefix, videoID), &storage.SignedURLOptions{
		GoogleAccessID: a.signer,
		Method:         http.MethodGet,
		Expires:        time.Now().Add(a.ttl),
		Scheme:         storage.SigningSchemeV4,
		SignBytes: func(b []byte) ([]byte, error) {
			resp, err := a.iam.SignBlob(ctx, &credentialspb.SignBlobRequest{
				Name:    "projects/-/serviceAccounts/" + a.signer,
				Payload: b,
			})
			if err != nil {
				return nil, fmt.Errorf("sign blob: %w", err)
			}
			return resp.SignedBlob, nil
		},
	})
}
