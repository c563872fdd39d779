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

package model

import "time"

// Status 数据库状态文档，sg-status集合中每个数据库一条
//
// CommittedVersion是数据库的单调时钟；LastIndexedVersion是同步
// 引擎唯一的持久化检查点，崩溃后从这里安全续跑。
type Status struct {
	ID                 string          `bson:"_id"`
	CommittedVersion   int64           `bson:"committed_version"`
	LastIndexedVersion int64           `bson:"last_indexed_version"`
	OptionsVersion     int64           `bson:"options_version"`
	ParsingOptions     *ParsingOptions `bson:"parsing_options,omitempty"`
}

// SyncResult 一次同步的结果统计
type SyncResult struct {
	// Since/Until 本次同步覆盖的版本区间(Since, Until]
	Since int64 `json:"since"`
	Until int64 `json:"until"`
	// Indexed/Deleted 搜索引擎确认的写入与删除条数
	Indexed int64 `json:"indexed"`
	Deleted int64 `json:"deleted"`
	// FailedByReason 按(操作:原因)聚合的永久失败计数
	FailedByReason map[string]int64 `json:"failed_by_reason,omitempty"`
	Elapsed        time.Duration    `json:"elapsed"`
}

// Failed 永久失败总数
func (r *SyncResult) Failed() int64 {
	var total int64
	for _, n := range r.FailedByReason {
		total += n
	}
	return total
}
