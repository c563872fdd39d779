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

// Package database 定义文档存储的访问接口与集合命名
package database

import (
	"context"

	"github.com/splitgill/splitgill/pkg/common/storage/model"
)

// 固定集合名。记录数据按数据库各占一个集合，其余为共享集合。
const (
	StatusCollection  = "sg-status"
	LocksCollection   = "sg-locks"
	OptionsCollection = "sg-options-history"
)

// DataCollection 数据库记录集合名
func DataCollection(database string) string {
	return "data-" + database
}

// Record 记录集合访问接口
type Record interface {
	// FindByID 按记录ID查找，不存在时返回nil
	FindByID(ctx context.Context, id string) (*model.MongoRecord, error)
	// FindByIDs 批量查找，返回按ID索引的map
	FindByIDs(ctx context.Context, ids []string) (map[string]*model.MongoRecord, error)
	// BulkStage 批量暂存待提交数据（写入next/next_diff，新记录插入，
	// Revert写入撤销记录上已暂存的数据）
	BulkStage(ctx context.Context, stages []*model.StagedWrite) (upserted int64, modified int64, err error)
	// ReserveNextVersion 提交第一阶段：为所有待提交记录预留版本号
	ReserveNextVersion(ctx context.Context, version int64) (int64, error)
	// CommitNext 提交第二阶段：将next折叠进data并记录反向补丁
	CommitNext(ctx context.Context, version int64) (int64, error)
	// RollbackNext 清除所有未提交数据
	RollbackNext(ctx context.Context) (int64, error)
	// HasUncommitted 是否存在待提交数据
	HasUncommitted(ctx context.Context) (bool, error)
	// HasCommitted 是否存在已提交记录
	HasCommitted(ctx context.Context) (bool, error)
	// CountCommitted 已提交记录条数
	CountCommitted(ctx context.Context) (int64, error)
	// IterUpdated 按记录ID升序遍历版本落在(since, until]内的记录
	IterUpdated(ctx context.Context, since, until int64, fn func(record *model.MongoRecord) error) error
}

// Status 数据库状态集合访问接口
type Status interface {
	// Get 读取状态文档，不存在时返回零值文档
	Get(ctx context.Context, database string) (*model.Status, error)
	// SetCommitted 更新提交版本，options非nil时一并更新配置快照
	SetCommitted(ctx context.Context, database string, version int64, options *model.ParsingOptions) error
	// SetLastIndexed 更新同步检查点
	SetLastIndexed(ctx context.Context, database string, version int64) error
	// ClearLastIndexed 清除同步检查点（重建索引时使用）
	ClearLastIndexed(ctx context.Context, database string) error
}

// Options 配置历史集合访问接口
type Options interface {
	// Stage 暂存一条未提交的配置修订，覆盖已有的未提交修订
	Stage(ctx context.Context, database string, options model.ParsingOptions) error
	// Rollback 删除未提交的配置修订
	Rollback(ctx context.Context, database string) (int64, error)
	// HasUncommitted 是否存在未提交的配置修订
	HasUncommitted(ctx context.Context, database string) (bool, error)
	// Commit 将未提交修订标记为指定版本，返回是否确有修订被提交
	Commit(ctx context.Context, database string, version int64) (bool, error)
	// GetCommitted 按版本升序返回全部已提交修订
	GetCommitted(ctx context.Context, database string) ([]*model.OptionsRevision, error)
	// GetLatest 最新已提交修订，不存在时返回nil
	GetLatest(ctx context.Context, database string) (*model.OptionsRevision, error)
}
