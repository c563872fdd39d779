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

package indexing

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splitgill/splitgill/pkg/common/storage/model"
	"github.com/splitgill/splitgill/pkg/diffing"
)

func newTestIndexer(t *testing.T, names IndexNames) *Indexer {
	t.Helper()
	parser := newTestParser(t, DefaultParsingOptions())
	return NewIndexer(names, func(int64) (*Parser, error) {
		return parser, nil
	})
}

// buildMongoRecord 从升序状态序列构造带反向补丁链的记录文档
func buildMongoRecord(t *testing.T, id string, states ...model.VersionedData) *model.MongoRecord {
	t.Helper()
	require.NotEmpty(t, states)
	newest := states[len(states)-1]
	record := &model.MongoRecord{
		ID:      id,
		Version: &newest.Version,
		Data:    newest.Data,
		Diffs:   make(map[string][]diffing.DiffOp),
	}
	for i := len(states) - 1; i > 0; i-- {
		newer, older := states[i], states[i-1]
		record.Diffs[strconv.FormatInt(older.Version, 10)] = diffing.Diff(newer.Data, older.Data)
	}
	return record
}

func TestGenerateOpsSingleState(t *testing.T) {
	names := NewIndexNames("db")
	indexer := newTestIndexer(t, names)
	record := buildMongoRecord(t, "r1",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
	)

	ops, err := indexer.GenerateOps(record, 0, 100)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	docID := SearchDocID("r1", 100)
	require.Equal(t, BulkOp{Index: names.Latest(), DocID: docID, Action: ActionDelete}, ops[0])
	require.Equal(t, BulkOp{Index: names.ArcFor("r1"), DocID: docID, Action: ActionDelete}, ops[1])

	require.Equal(t, ActionIndex, ops[2].Action)
	require.Equal(t, names.Latest(), ops[2].Index)
	doc := ops[2].Doc
	require.Equal(t, "r1", doc[DocID])
	require.Equal(t, int64(100), doc[DocVersion])
	require.NotContains(t, doc, DocNext)
	require.Equal(t, map[string]any{"gte": int64(100)}, doc[DocVersions])
}

func TestGenerateOpsFullHistory(t *testing.T) {
	names := NewIndexNames("db")
	indexer := newTestIndexer(t, names)
	record := buildMongoRecord(t, "r1",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
		model.VersionedData{Version: 200, Data: map[string]any{"x": int64(2)}},
		model.VersionedData{Version: 300, Data: map[string]any{"x": int64(3)}},
	)

	ops, err := indexer.GenerateOps(record, 0, 300)
	require.NoError(t, err)
	require.Len(t, ops, 9)

	var indexOps []BulkOp
	lastVersion := int64(0)
	for _, op := range ops {
		if op.Action == ActionIndex {
			indexOps = append(indexOps, op)
			version := op.Doc[DocVersion].(int64)
			require.Greater(t, version, lastVersion, "ops must ascend by version")
			lastVersion = version
		}
	}
	require.Len(t, indexOps, 3)

	// 历史状态进arc并携带next指针
	arc := names.ArcFor("r1")
	require.Equal(t, arc, indexOps[0].Index)
	require.Equal(t, int64(200), indexOps[0].Doc[DocNext])
	require.Equal(t, map[string]any{"gte": int64(100), "lt": int64(200)}, indexOps[0].Doc[DocVersions])
	require.Equal(t, arc, indexOps[1].Index)
	require.Equal(t, int64(300), indexOps[1].Doc[DocNext])

	// 最新状态进latest，无next
	require.Equal(t, names.Latest(), indexOps[2].Index)
	require.NotContains(t, indexOps[2].Doc, DocNext)
}

func TestGenerateOpsReemitsPredecessor(t *testing.T) {
	names := NewIndexNames("db")
	indexer := newTestIndexer(t, names)
	record := buildMongoRecord(t, "r1",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
		model.VersionedData{Version: 200, Data: map[string]any{"x": int64(2)}},
		model.VersionedData{Version: 300, Data: map[string]any{"x": int64(3)}},
	)

	// 窗口只含300，但200的next指针变了，必须一并重发
	ops, err := indexer.GenerateOps(record, 200, 300)
	require.NoError(t, err)

	versions := map[int64]bool{}
	for _, op := range ops {
		if op.Action == ActionIndex {
			versions[op.Doc[DocVersion].(int64)] = true
		}
	}
	require.Equal(t, map[int64]bool{200: true, 300: true}, versions)
}

func TestGenerateOpsDeletedState(t *testing.T) {
	names := NewIndexNames("db")
	indexer := newTestIndexer(t, names)
	record := buildMongoRecord(t, "r1",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
		model.VersionedData{Version: 200, Data: map[string]any{}},
	)

	ops, err := indexer.GenerateOps(record, 0, 200)
	require.NoError(t, err)
	// 100: 两条删除加一条索引；200: 空数据只有删除
	require.Len(t, ops, 5)
	last := ops[len(ops)-1]
	require.Equal(t, ActionDelete, last.Action)
	require.Equal(t, SearchDocID("r1", 200), last.DocID)

	// 删除前的状态仍携带next，versions区间在删除处截止
	for _, op := range ops {
		if op.Action == ActionIndex {
			require.Equal(t, int64(200), op.Doc[DocNext])
		}
	}
}

func TestGenerateOpsOutsideWindow(t *testing.T) {
	names := NewIndexNames("db")
	indexer := newTestIndexer(t, names)
	record := buildMongoRecord(t, "r1",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
	)

	ops, err := indexer.GenerateOps(record, 100, 200)
	require.NoError(t, err)
	require.Empty(t, ops)

	ops, err = indexer.GenerateOps(record, 0, 50)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestGenerateOpsUncommittedRecord(t *testing.T) {
	names := NewIndexNames("db")
	indexer := newTestIndexer(t, names)
	record := &model.MongoRecord{ID: "r1", Next: map[string]any{"x": int64(1)}}

	ops, err := indexer.GenerateOps(record, 0, 100)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestSearchDocID(t *testing.T) {
	require.Equal(t, "r1:100", SearchDocID("r1", 100))
}
