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

	"github.com/splitgill/splitgill/pkg/common/storage/model"
)

// Action 批量操作类型
type Action string

const (
	ActionIndex  Action = "index"
	ActionDelete Action = "delete"
)

// BulkOp 一条待提交给搜索引擎的批量操作
type BulkOp struct {
	Index  string
	DocID  string
	Action Action
	// Doc 仅索引操作携带
	Doc map[string]any
}

// SearchDocID 搜索文档ID："{记录ID}:{版本}"，重复索引幂等
func SearchDocID(recordID string, version int64) string {
	return recordID + ":" + strconv.FormatInt(version, 10)
}

// ParserProvider 返回解析某个版本应使用的Parser
//
// 配置与数据共用版本机制，历史状态必须用当时生效的配置解析。
type ParserProvider func(version int64) (*Parser, error)

// Indexer 把单条记录的版本历史展开为批量操作序列
type Indexer struct {
	names     IndexNames
	parserFor ParserProvider
}

func NewIndexer(names IndexNames, parserFor ParserProvider) *Indexer {
	return &Indexer{names: names, parserFor: parserFor}
}

// GenerateOps 生成(since, until]内全部状态的批量操作
//
// 选中窗口内的状态之外，还要重发窗口前最近的一个状态：新版本的
// 到来改变了它的next指针，并把它从latest挪进arc分片。每个状态
// 先在latest与arc两边删除旧文档再写入，保证重复同步与配置变更
// 后的重建都收敛到同一结果。操作按版本升序排列，调用方必须保持
// 单条记录内的顺序。
func (ix *Indexer) GenerateOps(record *model.MongoRecord, since, until int64) ([]BulkOp, error) {
	states, err := record.History()
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	// History返回从新到旧，翻转为升序
	ascending := make([]model.VersionedData, len(states))
	for i, state := range states {
		ascending[len(states)-1-i] = state
	}

	first := len(ascending)
	last := -1
	for i, state := range ascending {
		if state.Version > since && state.Version <= until {
			if i < first {
				first = i
			}
			last = i
		}
	}
	if last < 0 {
		return nil, nil
	}
	// 窗口前的最近状态一并重发
	if first > 0 {
		first--
	}

	newestVersion := ascending[len(ascending)-1].Version
	arcIndex := ix.names.ArcFor(record.ID)
	latestIndex := ix.names.Latest()

	ops := make([]BulkOp, 0, (last-first+1)*3)
	for i := first; i <= last; i++ {
		state := ascending[i]
		docID := SearchDocID(record.ID, state.Version)
		ops = append(ops,
			BulkOp{Index: latestIndex, DocID: docID, Action: ActionDelete},
			BulkOp{Index: arcIndex, DocID: docID, Action: ActionDelete},
		)
		if len(state.Data) == 0 {
			continue
		}
		var next *int64
		if i < len(ascending)-1 {
			next = &ascending[i+1].Version
		}
		target := arcIndex
		if state.Version == newestVersion {
			target = latestIndex
		}
		doc, err := ix.buildDoc(record.ID, state, next)
		if err != nil {
			return nil, err
		}
		ops = append(ops, BulkOp{Index: target, DocID: docID, Action: ActionIndex, Doc: doc})
	}
	return ops, nil
}

func (ix *Indexer) buildDoc(recordID string, state model.VersionedData, next *int64) (map[string]any, error) {
	parser, err := ix.parserFor(state.Version)
	if err != nil {
		return nil, err
	}
	parsed, dataTypes, parsedTypes := parser.ParseData(state.Data)
	versions := map[string]any{"gte": state.Version}
	doc := map[string]any{
		DocID:          recordID,
		DocVersion:     state.Version,
		DocData:        parsed,
		DocDataTypes:   dataTypes,
		DocParsedTypes: parsedTypes,
	}
	if next != nil {
		doc[DocNext] = *next
		versions["lt"] = *next
	}
	doc[DocVersions] = versions
	return doc, nil
}
