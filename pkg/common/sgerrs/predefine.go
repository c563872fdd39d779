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

package sgerrs

import "github.com/openimsdk/tools/errs"

// 领域错误预定义
//
// 所有错误实现 errs.CodeError，支持 errors.Is 匹配与 Wrap/WrapMsg 链式包装。
var (
	ErrValidation       = errs.NewCodeError(ValidationErrorCode, "ValidationError")
	ErrCommitConflict   = errs.NewCodeError(CommitConflictCode, "CommitConflict")
	ErrSyncBusy         = errs.NewCodeError(SyncBusyCode, "SyncBusy")
	ErrLockTimeout      = errs.NewCodeError(LockTimeoutCode, "LockTimeout")
	ErrCancelled        = errs.NewCodeError(CancelledCode, "Cancelled")
	ErrStoreUnavailable = errs.NewCodeError(StoreUnavailableCode, "StoreUnavailable")

	ErrSearchUnavailable = errs.NewCodeError(SearchUnavailableCode, "SearchUnavailable")
	ErrMappingConflict   = errs.NewCodeError(MappingConflictCode, "MappingConflict")
)
