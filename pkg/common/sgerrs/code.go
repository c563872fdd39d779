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

// Package sgerrs 定义数据版本库的领域错误码
//
// 错误码划分：
//   - 20001-20099: 输入与校验类错误
//   - 20101-20199: 并发与锁类错误
//   - 20201-20299: 外部存储类错误
package sgerrs

const (
	// ValidationErrorCode 输入校验失败（保留键、非法数据树、参数越界）
	ValidationErrorCode = 20001

	// CommitConflictCode 提交锁获取超时，存在并发提交
	CommitConflictCode = 20101
	// SyncBusyCode 同步锁已被其他进程持有
	SyncBusyCode = 20102
	// LockTimeoutCode 分布式锁在截止时间内未能获取
	LockTimeoutCode = 20103
	// CancelledCode 操作在批次边界被调用方取消
	CancelledCode = 20104

	// StoreUnavailableCode 文档存储I/O失败
	StoreUnavailableCode = 20201
	// SearchUnavailableCode 搜索引擎I/O失败（瞬时，可重试）
	SearchUnavailableCode = 20202
	// MappingConflictCode 搜索引擎映射冲突（永久失败，计数上报而不中断）
	MappingConflictCode = 20203
)
