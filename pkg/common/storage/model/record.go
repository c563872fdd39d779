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

// Package model 定义版本化记录存储的核心数据结构
//
// **版本化模型：**
//
// 每条记录以单个文档形式存储：data字段持有最近一次提交的数据，
// diffs字段按旧版本号存储反向补丁链。待提交的修改暂存在next字段，
// 提交时折叠进data并生成一条新的反向补丁。
//
// **删除语义：**
//
// 删除是摄入一棵空数据树，记录本身永不物理删除，历史版本始终
// 可以重建和检索。
package model

import (
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/openimsdk/tools/errs"

	"github.com/splitgill/splitgill/pkg/diffing"
)

// Record 调用方视角的一条记录
//
// Version仅在读取历史状态时填充，摄入时忽略。
type Record struct {
	ID      string         `json:"id"`
	Data    map[string]any `json:"data"`
	Version *int64         `json:"version,omitempty"`
}

// NewRecord 以随机ID构造一条新记录
func NewRecord(data map[string]any) Record {
	return Record{ID: uuid.NewString(), Data: data}
}

// NewDeleteRecord 构造一条删除记录（空数据树）
func NewDeleteRecord(id string) Record {
	return Record{ID: id, Data: map[string]any{}}
}

// MongoRecord 文档存储中的记录文档
//
// 字段语义：
//   - Version为nil表示记录从未提交过，此时Data为空树
//   - Next非nil表示存在待提交数据，NextDiff是摄入时预计算的
//     反向补丁（从Next回到Data），NextVersion是提交第一阶段
//     预留的版本号
//   - Diffs键是记录发生过变更的版本号（十进制文本），不含最新
//     版本；按键降序依次应用补丁可得到逐级变旧的历史状态
type MongoRecord struct {
	ID          string                      `bson:"id"`
	Version     *int64                      `bson:"version"`
	Data        map[string]any              `bson:"data"`
	Diffs       map[string][]diffing.DiffOp `bson:"diffs,omitempty"`
	Next        map[string]any              `bson:"next,omitempty"`
	NextDiff    []diffing.DiffOp            `bson:"next_diff,omitempty"`
	NextVersion *int64                      `bson:"next_version,omitempty"`
}

// VersionedData 某个版本下的完整数据状态
type VersionedData struct {
	Version int64
	Data    map[string]any
}

// Committed 记录是否有已提交的版本
func (r *MongoRecord) Committed() bool {
	return r.Version != nil
}

// HasNext 记录是否有待提交的数据
func (r *MongoRecord) HasNext() bool {
	return r.Next != nil
}

// Normalize 将BSON解码产物就地还原为规范数据树
//
// 嵌套容器解码后是primitive.M/primitive.A，整数可能缩窄为int32，
// 摄入比较与补丁重放之前必须统一还原。
func (r *MongoRecord) Normalize() {
	if r.Data != nil {
		r.Data = diffing.Prepare(r.Data).(map[string]any)
	}
	if r.Next != nil {
		r.Next = diffing.Prepare(r.Next).(map[string]any)
	}
	for _, ops := range r.Diffs {
		diffing.NormalizeOps(ops)
	}
	diffing.NormalizeOps(r.NextDiff)
}

// History 重建全部已提交状态，按版本从新到旧排列
//
// 未提交过的记录返回nil。补丁链损坏时返回错误。
func (r *MongoRecord) History() ([]VersionedData, error) {
	if r.Version == nil {
		return nil, nil
	}
	states := make([]VersionedData, 0, len(r.Diffs)+1)
	states = append(states, VersionedData{Version: *r.Version, Data: r.Data})
	current := any(r.Data)
	for _, version := range r.diffVersionsDesc() {
		patched, err := diffing.Patch(current, r.Diffs[strconv.FormatInt(version, 10)])
		if err != nil {
			return nil, errs.WrapMsg(err, "replay diff chain failed", "recordID", r.ID, "version", version)
		}
		data, ok := patched.(map[string]any)
		if !ok {
			return nil, errs.New("diff chain produced a non-map state", "recordID", r.ID, "version", version).Wrap()
		}
		states = append(states, VersionedData{Version: version, Data: data})
		current = patched
	}
	return states, nil
}

// DataAt 重建记录在给定版本时刻的数据
//
// 返回该时刻生效的状态（版本小于等于version的最新状态）；记录在
// 该时刻尚不存在时第二个返回值为false。
func (r *MongoRecord) DataAt(version int64) (map[string]any, bool, error) {
	states, err := r.History()
	if err != nil {
		return nil, false, err
	}
	for _, state := range states {
		if state.Version <= version {
			return state.Data, true, nil
		}
	}
	return nil, false, nil
}

func (r *MongoRecord) diffVersionsDesc() []int64 {
	if len(r.Diffs) == 0 {
		return nil
	}
	versions := make([]int64, 0, len(r.Diffs))
	for key := range r.Diffs {
		v, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	return versions
}

// StagedWrite 一条待暂存的写入
//
// Next是规范化后的完整新数据；NextDiff是从Next回到当前已提交数据
// 的反向补丁，记录从未提交过时为nil。Revert为真表示丢弃记录上
// 早前暂存的数据：已提交过的记录清除next字段，从未提交过的记录
// 整个文档删除，此时Next/NextDiff被忽略。
type StagedWrite struct {
	ID       string
	Next     map[string]any
	NextDiff []diffing.DiffOp
	Revert   bool
}

// IngestResult 一次摄入批次的结果统计
type IngestResult struct {
	Upserted int64  `json:"upserted"`
	Modified int64  `json:"modified"`
	Same     int64  `json:"same"`
	Version  *int64 `json:"version,omitempty"`
}

// Add 累加另一批次的统计
func (r *IngestResult) Add(other IngestResult) {
	r.Upserted += other.Upserted
	r.Modified += other.Modified
	r.Same += other.Same
}
