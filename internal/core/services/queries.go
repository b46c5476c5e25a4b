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


// Package services contains the business logic for interacting with data sources.
// This file, `queries.go`, centralizes the BigQuery SQL used by the video
// repository. The table name is injected with fmt.Sprintf; every value is
// passed as a named query parameter.
package services

const (
	// QryInsertVideo creates a record. Analysis, summary, evaluations and
	// indexed_at start out NULL.
	QryInsertVideo = "INSERT INTO `%s` (id, title, description, video_url, created_at, updated_at) " +
		"VALUES (@id, @title, @description, @video_url, @created_at, @updated_at)"

	// QryFindVideoById retrieves a complete record by its id.
	QryFindVideoById = "SELECT * FROM `%s` WHERE id = @id"

	// QryListVideos pages through records, newest first.
	QryListVideos = "SELECT * FROM `%s` ORDER BY created_at DESC LIMIT @limit OFFSET @offset"

	// QryUpdateAnalysis replaces the analysis result wholesale. The corpus
	// built from the previous result is stale, so indexed_at is cleared.
	QryUpdateAnalysis = "UPDATE `%s` SET analysis_result = @analysis_result, indexed_at = NULL, updated_at = @updated_at WHERE id = @id"

	// QryUpdateSummary stores the summary agent's answer.
	QryUpdateSummary = "UPDATE `%s` SET summary_result = @summary_result, updated_at = @updated_at WHERE id = @id"

	// QryUpdateEvaluations stores the full evaluations document (topic key to verdict).
	QryUpdateEvaluations = "UPDATE `%s` SET evaluations = @evaluations, updated_at = @updated_at WHERE id = @id"

	// QryMarkIndexed records a successful corpus write.
	QryMarkIndexed = "UPDATE `%s` SET indexed_at = @indexed_at WHERE id = @id"

	// QryPendingIndex finds videos whose analysis was persisted but never
	// made it into the vector store, oldest update first.
	QryPendingIndex = "SELECT * FROM `%s` WHERE analysis_result IS NOT NULL AND indexed_at IS NULL ORDER BY updated_at LIMIT @limit"
)
