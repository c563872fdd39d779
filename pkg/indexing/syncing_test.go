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
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splitgill/splitgill/pkg/common/sgerrs"
	"github.com/splitgill/splitgill/pkg/common/storage/elastic"
	"github.com/splitgill/splitgill/pkg/common/storage/model"
)

type appliedOp struct {
	action string
	index  string
	docID  string
}

type itemOverride struct {
	status    int
	reason    string
	remaining int
}

// fakeBulkEngine 内存里的批量接口实现，可按文档注入失败
type fakeBulkEngine struct {
	mu          sync.Mutex
	unavailable int
	overrides   map[string]*itemOverride
	docs        map[string]map[string]json.RawMessage
	applied     []appliedOp
	calls       int
}

func newFakeBulkEngine() *fakeBulkEngine {
	return &fakeBulkEngine{
		overrides: make(map[string]*itemOverride),
		docs:      make(map[string]map[string]json.RawMessage),
	}
}

func (e *fakeBulkEngine) seed(index, docID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.docs[index] == nil {
		e.docs[index] = make(map[string]json.RawMessage)
	}
	e.docs[index][docID] = json.RawMessage(`{}`)
}

func (e *fakeBulkEngine) failOnce(docID string, status int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[docID] = &itemOverride{status: status, reason: reason, remaining: 1}
}

func (e *fakeBulkEngine) Bulk(_ context.Context, body []byte) (*elastic.BulkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.unavailable > 0 {
		e.unavailable--
		return nil, sgerrs.ErrSearchUnavailable.WrapMsg("engine down")
	}

	result := &elastic.BulkResult{}
	lines := strings.Split(strings.TrimSuffix(string(body), "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		var meta map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		}
		if err := json.Unmarshal([]byte(lines[i]), &meta); err != nil {
			return nil, err
		}
		for action, target := range meta {
			var doc json.RawMessage
			if action == "index" {
				i++
				doc = json.RawMessage(lines[i])
			}
			result.Items = append(result.Items, e.apply(action, target.Index, target.ID, doc))
		}
	}
	return result, nil
}

func (e *fakeBulkEngine) apply(action, index, docID string, doc json.RawMessage) elastic.BulkItemResult {
	if ov := e.overrides[docID]; ov != nil && ov.remaining > 0 {
		ov.remaining--
		return elastic.BulkItemResult{Action: action, DocID: docID, Status: ov.status, Reason: ov.reason}
	}
	e.applied = append(e.applied, appliedOp{action: action, index: index, docID: docID})
	if action == "delete" {
		if _, ok := e.docs[index][docID]; ok {
			delete(e.docs[index], docID)
			return elastic.BulkItemResult{Action: action, DocID: docID, Status: 200, Result: "deleted"}
		}
		return elastic.BulkItemResult{Action: action, DocID: docID, Status: 404, Result: "not_found"}
	}
	if e.docs[index] == nil {
		e.docs[index] = make(map[string]json.RawMessage)
	}
	e.docs[index][docID] = doc
	return elastic.BulkItemResult{Action: action, DocID: docID, Status: 201, Result: "created"}
}

func (e *fakeBulkEngine) has(index, docID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.docs[index][docID]
	return ok
}

func newTestWriter(engine BulkEngine, names IndexNames, since, until int64, workers int) *Writer {
	return NewWriter(context.Background(), engine, "db", names, NewParsingOptionsRange(nil),
		since, until, WriterConfig{
			Workers:      workers,
			MaxRetries:   3,
			RetryBackoff: time.Millisecond,
		})
}

func TestWriterIndexesRecords(t *testing.T) {
	names := NewIndexNames("db")
	engine := newFakeBulkEngine()
	writer := newTestWriter(engine, names, 0, 300, 2)
	require.NoError(t, writer.Start())

	recordA := buildMongoRecord(t, "a",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
		model.VersionedData{Version: 300, Data: map[string]any{"x": int64(2)}},
	)
	recordB := buildMongoRecord(t, "b",
		model.VersionedData{Version: 200, Data: map[string]any{"y": "z"}},
	)
	require.NoError(t, writer.Put(context.Background(), recordA))
	require.NoError(t, writer.Put(context.Background(), recordB))

	indexed, deleted, failed, err := writer.Finish()
	require.NoError(t, err)
	require.Equal(t, int64(3), indexed)
	require.Zero(t, deleted)
	require.Empty(t, failed)

	require.True(t, engine.has(names.ArcFor("a"), "a:100"))
	require.True(t, engine.has(names.Latest(), "a:300"))
	require.True(t, engine.has(names.Latest(), "b:200"))
}

func TestWriterCountsDeletes(t *testing.T) {
	names := NewIndexNames("db")
	engine := newFakeBulkEngine()
	// 上一轮同步把100写进了latest，新版本到来后要把它挪进arc
	engine.seed(names.Latest(), "a:100")
	writer := newTestWriter(engine, names, 100, 200, 1)
	require.NoError(t, writer.Start())

	record := buildMongoRecord(t, "a",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
		model.VersionedData{Version: 200, Data: map[string]any{"x": int64(2)}},
	)
	require.NoError(t, writer.Put(context.Background(), record))

	indexed, deleted, failed, err := writer.Finish()
	require.NoError(t, err)
	require.Equal(t, int64(2), indexed)
	require.Equal(t, int64(1), deleted)
	require.Empty(t, failed)
	require.False(t, engine.has(names.Latest(), "a:100"))
	require.True(t, engine.has(names.ArcFor("a"), "a:100"))
	require.True(t, engine.has(names.Latest(), "a:200"))
}

func TestWriterOrdersOpsPerRecord(t *testing.T) {
	names := NewIndexNames("db")
	engine := newFakeBulkEngine()
	writer := newTestWriter(engine, names, 0, 300, 1)
	require.NoError(t, writer.Start())

	record := buildMongoRecord(t, "a",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
		model.VersionedData{Version: 200, Data: map[string]any{"x": int64(2)}},
		model.VersionedData{Version: 300, Data: map[string]any{"x": int64(3)}},
	)
	require.NoError(t, writer.Put(context.Background(), record))
	_, _, _, err := writer.Finish()
	require.NoError(t, err)

	var sequence []string
	for _, op := range engine.applied {
		sequence = append(sequence, op.action+" "+op.docID)
	}
	require.Equal(t, []string{
		"delete a:100", "delete a:100", "index a:100",
		"delete a:200", "delete a:200", "index a:200",
		"delete a:300", "delete a:300", "index a:300",
	}, sequence)
}

func TestWriterRetriesUnavailableEngine(t *testing.T) {
	names := NewIndexNames("db")
	engine := newFakeBulkEngine()
	engine.unavailable = 1
	writer := newTestWriter(engine, names, 0, 100, 1)
	require.NoError(t, writer.Start())

	record := buildMongoRecord(t, "a",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
	)
	require.NoError(t, writer.Put(context.Background(), record))

	indexed, _, failed, err := writer.Finish()
	require.NoError(t, err)
	require.Equal(t, int64(1), indexed)
	require.Empty(t, failed)
	require.Equal(t, 2, engine.calls)
}

func TestWriterRetriesTransientItems(t *testing.T) {
	names := NewIndexNames("db")
	engine := newFakeBulkEngine()
	engine.failOnce("a:100", 429, "es_rejected_execution_exception")
	writer := newTestWriter(engine, names, 0, 200, 1)
	require.NoError(t, writer.Start())

	record := buildMongoRecord(t, "a",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
		model.VersionedData{Version: 200, Data: map[string]any{"x": int64(2)}},
	)
	require.NoError(t, writer.Put(context.Background(), record))

	indexed, _, failed, err := writer.Finish()
	require.NoError(t, err)
	require.Empty(t, failed)
	// 429的那条重试后成功，两个状态最终都写入
	require.Equal(t, int64(2), indexed)
	require.True(t, engine.has(names.ArcFor("a"), "a:100"))
	require.True(t, engine.has(names.Latest(), "a:200"))
}

func TestWriterCountsPermanentFailures(t *testing.T) {
	names := NewIndexNames("db")
	engine := newFakeBulkEngine()
	engine.failOnce("a:100", 400, "mapper_parsing_exception")
	writer := newTestWriter(engine, names, 0, 100, 1)
	require.NoError(t, writer.Start())

	record := buildMongoRecord(t, "a",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
	)
	require.NoError(t, writer.Put(context.Background(), record))

	_, _, failed, err := writer.Finish()
	require.NoError(t, err)
	// 删除和索引各有一条同ID操作命中注入的失败，第一条是删除
	require.Equal(t, int64(1), failed["delete:mapper_parsing_exception"])
}

func TestWriterCancellation(t *testing.T) {
	names := NewIndexNames("db")
	engine := newFakeBulkEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	writer := NewWriter(ctx, engine, "db", names, NewParsingOptionsRange(nil), 0, 100, WriterConfig{
		Workers:      1,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, writer.Start())

	record := buildMongoRecord(t, "a",
		model.VersionedData{Version: 100, Data: map[string]any{"x": int64(1)}},
	)
	require.NoError(t, writer.Put(context.Background(), record))

	_, _, _, err := writer.Finish()
	require.ErrorIs(t, err, sgerrs.ErrCancelled)
	require.Zero(t, engine.calls)
}
