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


// This file defines the BigQueryVideoRepository, the cloud implementation of
// VideoRepository. JSON fields (analysis result, evaluations) are stored in
// STRING columns; every write is a DML statement so later UPDATEs can see
// rows immediately, which the streaming inserter does not guarantee.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/index"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// videoRow is the BigQuery shape of model.Video.
type videoRow struct {
	ID             string                 `bigquery:"id"`
	Title          string                 `bigquery:"title"`
	Description    string                 `bigquery:"description"`
	VideoURL       string                 `bigquery:"video_url"`
	AnalysisResult bigquery.NullString    `bigquery:"analysis_result"`
	SummaryResult  bigquery.NullString    `bigquery:"summary_result"`
	Evaluations    bigquery.NullString    `bigquery:"evaluations"`
	CreatedAt      time.Time              `bigquery:"created_at"`
	UpdatedAt      time.Time              `bigquery:"updated_at"`
	IndexedAt      bigquery.NullTimestamp `bigquery:"indexed_at"`
}

func (r *videoRow) toVideo() (*model.Video, error) {
	v := &model.Video{
		ID:            r.ID,
		Title:         r.Title,
		Description:   r.Description,
		VideoURL:      r.VideoURL,
		SummaryResult: r.SummaryResult.StringVal,
		Evaluations:   make(map[string]map[string]any),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.AnalysisResult.Valid && r.AnalysisResult.StringVal != "" {
		if err := json.Unmarshal([]byte(r.AnalysisResult.StringVal), &v.AnalysisResult); err != nil {
			return nil, fmt.Errorf("decode analysis_result of %s: %w", r.ID, err)
		}
	}
	if r.Evaluations.Valid && r.Evaluations.StringVal != "" {
		if err := json.Unmarshal([]byte(r.Evaluations.StringVal), &v.Evaluations); err != nil {
			return nil, fmt.Errorf("decode evaluations of %s: %w", r.ID, err)
		}
	}
	if r.IndexedAt.Valid {
		at := r.IndexedAt.Timestamp
		v.IndexedAt = &at
	}
	return v, nil
}

// BigQueryVideoRepository persists video records in a BigQuery table.
type BigQueryVideoRepository struct {
	BigqueryClient *bigquery.Client // Client for interacting with Google BigQuery.
	DatasetName    string           // The name of the BigQuery dataset.
	VideoTable     string           // The name of the table holding video records.

	// Evaluations are read-modify-write; this serialises writers per video
	// within the process.
	evaluationLocks *index.KeyedMutex
}

func NewBigQueryVideoRepository(client *bigquery.Client, dataset, table string) *BigQueryVideoRepository {
	return &BigQueryVideoRepository{
		BigqueryClient:  client,
		DatasetName:     dataset,
		VideoTable:      table,
		evaluationLocks: index.NewKeyedMutex(),
	}
}

// GetFQN returns the fully qualified table name with dots instead of the
// colon BigQuery reports, e.g. `gcp-project-id.video_ds.videos`.
func (s *BigQueryVideoRepository) GetFQN() string {
	fqn := s.BigqueryClient.Dataset(s.DatasetName).Table(s.VideoTable).FullyQualifiedName()
	return strings.Replace(fqn, ":", ".", -1)
}

// EnsureTable creates the video table from the row schema when it is missing.
func (s *BigQueryVideoRepository) EnsureTable(ctx context.Context) error {
	table := s.BigqueryClient.Dataset(s.DatasetName).Table(s.VideoTable)
	_, err := table.Metadata(ctx)
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return fmt.Errorf("read table metadata: %w", err)
	}
	schema, err := bigquery.InferSchema(videoRow{})
	if err != nil {
		return fmt.Errorf("infer video schema: %w", err)
	}
	if err := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
		return fmt.Errorf("create table %s: %w", s.GetFQN(), err)
	}
	return nil
}

func (s *BigQueryVideoRepository) query(queryTemplate string, params ...bigquery.QueryParameter) *bigquery.Query {
	q := s.BigqueryClient.Query(fmt.Sprintf(queryTemplate, s.GetFQN()))
	q.Parameters = params
	return q
}

// exec runs a DML statement and returns the number of affected rows.
func (s *BigQueryVideoRepository) exec(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if err := status.Err(); err != nil {
		return 0, err
	}
	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}

// update runs a single-row UPDATE and maps zero affected rows to not found.
func (s *BigQueryVideoRepository) update(ctx context.Context, id string, q *bigquery.Query) error {
	n, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("update video %s: %w", id, err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *BigQueryVideoRepository) readVideos(ctx context.Context, q *bigquery.Query) ([]*model.Video, error) {
	itr, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read from BigQuery: %w", err)
	}
	out := make([]*model.Video, 0)
	for {
		var row videoRow
		err := itr.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate results: %w", err)
		}
		v, err := row.toVideo()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *BigQueryVideoRepository) Create(ctx context.Context, v *model.Video) error {
	q := s.query(QryInsertVideo,
		bigquery.QueryParameter{Name: "id", Value: v.ID},
		bigquery.QueryParameter{Name: "title", Value: v.Title},
		bigquery.QueryParameter{Name: "description", Value: v.Description},
		bigquery.QueryParameter{Name: "video_url", Value: v.VideoURL},
		bigquery.QueryParameter{Name: "created_at", Value: v.CreatedAt},
		bigquery.QueryParameter{Name: "updated_at", Value: v.UpdatedAt},
	)
	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("insert video %s: %w", v.ID, err)
	}
	return nil
}

func (s *BigQueryVideoRepository) Get(ctx context.Context, id string) (*model.Video, error) {
	videos, err := s.readVideos(ctx, s.query(QryFindVideoById, bigquery.QueryParameter{Name: "id", Value: id}))
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, notFound(id)
	}
	return videos[0], nil
}

func (s *BigQueryVideoRepository) List(ctx context.Context, limit, offset int) ([]*model.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.readVideos(ctx, s.query(QryListVideos,
		bigquery.QueryParameter{Name: "limit", Value: limit},
		bigquery.QueryParameter{Name: "offset", Value: max(0, offset)},
	))
}

func (s *BigQueryVideoRepository) SaveAnalysis(ctx context.Context, v *model.Video) error {
	b, err := model.MarshalUnescaped(v.AnalysisResult)
	if err != nil {
		return fmt.Errorf("encode analysis_result: %w", err)
	}
	return s.update(ctx, v.ID, s.query(QryUpdateAnalysis,
		bigquery.QueryParameter{Name: "id", Value: v.ID},
		bigquery.QueryParameter{Name: "analysis_result", Value: string(b)},
		bigquery.QueryParameter{Name: "updated_at", Value: time.Now().UTC()},
	))
}

func (s *BigQueryVideoRepository) SaveSummary(ctx context.Context, id string, summary string) error {
	return s.update(ctx, id, s.query(QryUpdateSummary,
		bigquery.QueryParameter{Name: "id", Value: id},
		bigquery.QueryParameter{Name: "summary_result", Value: summary},
		bigquery.QueryParameter{Name: "updated_at", Value: time.Now().UTC()},
	))
}

func (s *BigQueryVideoRepository) SaveEvaluation(ctx context.Context, id string, topic string, doc map[string]any) error {
	release, err := s.evaluationLocks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	v, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	v.Evaluations[model.EvaluationKey(topic)] = doc
	b, err := json.Marshal(v.Evaluations)
	if err != nil {
		return fmt.Errorf("encode evaluations: %w", err)
	}
	return s.update(ctx, id, s.query(QryUpdateEvaluations,
		bigquery.QueryParameter{Name: "id", Value: id},
		bigquery.QueryParameter{Name: "evaluations", Value: string(b)},
		bigquery.QueryParameter{Name: "updated_at", Value: time.Now().UTC()},
	))
}

func (s *BigQueryVideoRepository) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, s.query(QryMarkIndexed,
		bigquery.QueryParameter{Name: "id", Value: id},
		bigquery.QueryParameter{Name: "indexed_at", Value: at.UTC()},
	))
}

func (s *BigQueryVideoRepository) ListPendingIndex(ctx context.Context, limit int) ([]*model.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.readVideos(ctx, s.query(QryPendingIndex, bigquery.QueryParameter{Name: "limit", Value: limit}))
}
