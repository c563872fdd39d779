// Copyright © 2023 OpenIM. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splitgill/splitgill/pkg/common/storage/model"
	"github.com/splitgill/splitgill/pkg/diffing"
)

// fakeRecordStore 内存版记录集合，按文档存储的暂存语义实现BulkStage
type fakeRecordStore struct {
	docs map[string]*model.MongoRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{docs: make(map[string]*model.MongoRecord)}
}

func (s *fakeRecordStore) FindByID(_ context.Context, id string) (*model.MongoRecord, error) {
	return s.docs[id], nil
}

func (s *fakeRecordStore) FindByIDs(_ context.Context, ids []string) (map[string]*model.MongoRecord, error) {
	byID := make(map[string]*model.MongoRecord)
	for _, id := range ids {
		if doc, ok := s.docs[id]; ok {
			byID[id] = doc
		}
	}
	return byID, nil
}

func (s *fakeRecordStore) BulkStage(_ context.Context, stages []*model.StagedWrite) (int64, int64, error) {
	var upserted, modified int64
	for _, stage := range stages {
		current := s.docs[stage.ID]
		if stage.Revert {
			if current == nil {
				continue
			}
			if !current.Committed() {
				delete(s.docs, stage.ID)
				continue
			}
			current.Next, current.NextDiff, current.NextVersion = nil, nil, nil
			modified++
			continue
		}
		if current == nil {
			s.docs[stage.ID] = &model.MongoRecord{
				ID:       stage.ID,
				Data:     map[string]any{},
				Next:     stage.Next,
				NextDiff: stage.NextDiff,
			}
			upserted++
			continue
		}
		current.Next, current.NextDiff = stage.Next, stage.NextDiff
		modified++
	}
	return upserted, modified, nil
}

func (s *fakeRecordStore) ReserveNextVersion(context.Context, int64) (int64, error) {
	return 0, nil
}

func (s *fakeRecordStore) CommitNext(context.Context, int64) (int64, error) {
	return 0, nil
}

func (s *fakeRecordStore) RollbackNext(context.Context) (int64, error) {
	return 0, nil
}

func (s *fakeRecordStore) HasUncommitted(context.Context) (bool, error) {
	for _, doc := range s.docs {
		if doc.HasNext() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeRecordStore) HasCommitted(context.Context) (bool, error) {
	for _, doc := range s.docs {
		if doc.Committed() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeRecordStore) CountCommitted(context.Context) (int64, error) {
	var n int64
	for _, doc := range s.docs {
		if doc.Committed() {
			n++
		}
	}
	return n, nil
}

func (s *fakeRecordStore) IterUpdated(context.Context, int64, int64, func(*model.MongoRecord) error) error {
	return nil
}

func newTestDatabase(store *fakeRecordStore) *SplitgillDatabase {
	return &SplitgillDatabase{name: "db", records: store}
}

func committedDoc(id string, version int64, data map[string]any) *model.MongoRecord {
	return &model.MongoRecord{ID: id, Version: &version, Data: data}
}

func TestIngestStagesChanges(t *testing.T) {
	ctx := context.Background()
	store := newFakeRecordStore()
	store.docs["r1"] = committedDoc("r1", 1000, map[string]any{"name": "a"})
	d := newTestDatabase(store)

	result, err := d.Ingest(ctx, []model.Record{{ID: "r1", Data: map[string]any{"name": "b"}}}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Modified)

	doc := store.docs["r1"]
	require.Equal(t, map[string]any{"name": "b"}, doc.Next)
	// 预计算的反向补丁能从暂存数据回到已提交数据
	reverted, err := diffing.Patch(doc.Next, doc.NextDiff)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "a"}, reverted)
}

func TestIngestRevertsStaleStagedData(t *testing.T) {
	ctx := context.Background()
	store := newFakeRecordStore()
	store.docs["r1"] = committedDoc("r1", 1000, map[string]any{"name": "a"})
	d := newTestDatabase(store)

	// 先摄入一版未提交的修改
	_, err := d.Ingest(ctx, []model.Record{{ID: "r1", Data: map[string]any{"name": "b"}}}, IngestOptions{})
	require.NoError(t, err)
	require.True(t, store.docs["r1"].HasNext())

	// 调用方收回修改，重新摄入与已提交一致的数据：
	// 暂存的旧数据必须被撤销，否则下次提交会落下它
	result, err := d.Ingest(ctx, []model.Record{{ID: "r1", Data: map[string]any{"name": "a"}}}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Same)
	require.False(t, store.docs["r1"].HasNext())

	uncommitted, err := d.HasUncommittedRecords(ctx)
	require.NoError(t, err)
	require.False(t, uncommitted)
	require.Equal(t, map[string]any{"name": "a"}, store.docs["r1"].Data)
}

func TestIngestIgnoresDeleteOfUnknownRecord(t *testing.T) {
	ctx := context.Background()
	store := newFakeRecordStore()
	d := newTestDatabase(store)

	result, err := d.Delete(ctx, "ghost", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Same)
	require.Zero(t, result.Upserted)
	require.NotContains(t, store.docs, "ghost")
}

func TestIngestDeleteDiscardsStagedCreate(t *testing.T) {
	ctx := context.Background()
	store := newFakeRecordStore()
	d := newTestDatabase(store)

	result, err := d.Ingest(ctx, []model.Record{{ID: "r1", Data: map[string]any{"name": "a"}}}, IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Upserted)
	require.True(t, store.docs["r1"].HasNext())

	// 记录还没提交过就被删除：整个文档消失，不留幽灵记录
	result, err = d.Delete(ctx, "r1", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Same)
	require.NotContains(t, store.docs, "r1")

	uncommitted, err := d.HasUncommittedRecords(ctx)
	require.NoError(t, err)
	require.False(t, uncommitted)
}
