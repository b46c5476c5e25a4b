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

// This file implements the Milvus vector store: one Milvus collection per
// video with an HNSW cosine index on the vector field. Milvus has no
// transactions, so a replace inserts the new chunks before it deletes the
// old ones; a failure part way leaves the previous corpus searchable.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	milvusIDField       = "id"
	milvusTextField     = "text"
	milvusMetadataField = "metadata"
	milvusVectorField   = "vector"
	milvusMaxText       = 65535
	// milvusQueryWindow is the largest result window Milvus serves per query.
	milvusQueryWindow = 16384
)

// MilvusClient is the part of client.Client the store uses.
type MilvusClient interface {
	HasCollection(ctx context.Context, collName string) (bool, error)
	CreateCollection(ctx context.Context, schema *entity.Schema, shardsNum int32, opts ...client.CreateCollectionOption) error
	CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error
	LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error
	DropCollection(ctx context.Context, collName string, opts ...client.DropCollectionOption) error
	Insert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
	Flush(ctx context.Context, collName string, async bool, opts ...client.FlushOption) error
	DeleteByPks(ctx context.Context, collName string, partitionName string, ids entity.Column) error
	Query(ctx context.Context, collectionName string, partitionNames []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error)
	Search(ctx context.Context, collName string, partitions []string,
		expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
	Close() error
}

// MilvusVectorStore keeps each collection as a Milvus collection.
type MilvusVectorStore struct {
	mc         MilvusClient
	dimensions int
}

func NewMilvusVectorStore(ctx context.Context, address string, dimensions int) (*MilvusVectorStore, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	return NewMilvusVectorStoreWithClient(mc, dimensions), nil
}

// NewMilvusVectorStoreWithClient wraps an existing connection.
func NewMilvusVectorStoreWithClient(mc MilvusClient, dimensions int) *MilvusVectorStore {
	return &MilvusVectorStore{mc: mc, dimensions: dimensions}
}

// MilvusCollectionName maps a collection name to the Milvus naming rules,
// which reject hyphens.
func MilvusCollectionName(collection string) string {
	return strings.ReplaceAll(collection, "-", "_")
}

func (s *MilvusVectorStore) Close() error {
	return s.mc.Close()
}

func (s *MilvusVectorStore) ensureCollection(ctx context.Context, name string) error {
	has, err := s.mc.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	schema := entity.NewSchema().WithName(name).
		WithField(entity.NewField().WithName(milvusIDField).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName(milvusTextField).WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusMaxText)).
		WithField(entity.NewField().WithName(milvusMetadataField).WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096)).
		WithField(entity.NewField().WithName(milvusVectorField).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dimensions)))
	if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, name, milvusVectorField, idx, false); err != nil {
		return fmt.Errorf("create index on %s: %w", name, err)
	}
	return s.mc.LoadCollection(ctx, name, false)
}

// Upsert inserts chunks. With replace, the rows present before the call are
// deleted once the new rows are flushed.
func (s *MilvusVectorStore) Upsert(ctx context.Context, collection string, chunks []model.Chunk, replace bool) error {
	name := MilvusCollectionName(collection)
	if err := s.ensureCollection(ctx, name); err != nil {
		return err
	}
	var previous []string
	if replace {
		ids, err := s.rowIDs(ctx, name)
		if err != nil {
			return err
		}
		previous = ids
	}
	if err := s.insert(ctx, name, chunks); err != nil {
		return err
	}
	if len(previous) == 0 {
		return nil
	}
	if err := s.mc.DeleteByPks(ctx, name, "", entity.NewColumnVarChar(milvusIDField, previous)); err != nil {
		return fmt.Errorf("delete previous chunks of %s: %w", name, err)
	}
	return nil
}

// rowIDs lists the primary keys currently stored in name.
func (s *MilvusVectorStore) rowIDs(ctx context.Context, name string) ([]string, error) {
	rs, err := s.mc.Query(ctx, name, nil, fmt.Sprintf(`%s != ""`, milvusIDField), []string{milvusIDField},
		client.WithLimit(milvusQueryWindow))
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", name, err)
	}
	col, ok := rs.GetColumn(milvusIDField).(*entity.ColumnVarChar)
	if !ok {
		return nil, nil
	}
	return append([]string(nil), col.Data()...), nil
}

func (s *MilvusVectorStore) insert(ctx context.Context, name string, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]string, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	metas := make([]string, 0, len(chunks))
	vectors := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		ids = append(ids, id)
		texts = append(texts, c.Text)
		metas = append(metas, string(meta))
		vectors = append(vectors, c.Embedding)
	}
	if _, err := s.mc.Insert(ctx, name, "",
		entity.NewColumnVarChar(milvusIDField, ids),
		entity.NewColumnVarChar(milvusTextField, texts),
		entity.NewColumnVarChar(milvusMetadataField, metas),
		entity.NewColumnFloatVector(milvusVectorField, s.dimensions, vectors),
	); err != nil {
		return fmt.Errorf("insert into %s: %w", name, err)
	}
	return s.mc.Flush(ctx, name, false)
}

// Search runs an HNSW cosine search over one collection.
func (s *MilvusVectorStore) Search(ctx context.Context, collection string, query []float32, k int) ([]model.Match, error) {
	name := MilvusCollectionName(collection)
	has, err := s.mc.HasCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, &model.CollectionNotFoundError{Collection: collection}
	}
	sp, err := entity.NewIndexHNSWSearchParam(74)
	if err != nil {
		return nil, err
	}
	res, err := s.mc.Search(ctx, name, []string{}, "", []string{milvusTextField, milvusMetadataField},
		[]entity.Vector{entity.FloatVector(query)}, milvusVectorField, entity.COSINE, k, sp)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}

	out := make([]model.Match, 0, k)
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		textCol, _ := cols[milvusTextField].(*entity.ColumnVarChar)
		metaCol, _ := cols[milvusMetadataField].(*entity.ColumnVarChar)
		for i := 0; i < r.ResultCount; i++ {
			m := model.Match{Score: float64(r.Scores[i])}
			if textCol != nil && i < len(textCol.Data()) {
				m.Text = textCol.Data()[i]
			}
			if metaCol != nil && i < len(metaCol.Data()) {
				if err := json.Unmarshal([]byte(metaCol.Data()[i]), &m.Metadata); err != nil {
					return nil, fmt.Errorf("decode chunk metadata: %w", err)
				}
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MilvusVectorStore) DeleteCollection(ctx context.Context, collection string) error {
	name := MilvusCollectionName(collection)
	has, err := s.mc.HasCollection(ctx, name)
	if err != nil || !has {
		return err
	}
	return s.mc.DropCollection(ctx, name)
}
