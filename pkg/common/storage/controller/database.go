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
	"errors"
	"strings"
	"time"

	"github.com/openimsdk/tools/log"

	"github.com/splitgill/splitgill/pkg/common/config"
	"github.com/splitgill/splitgill/pkg/common/prommetrics"
	"github.com/splitgill/splitgill/pkg/common/sgerrs"
	"github.com/splitgill/splitgill/pkg/common/storage/database"
	"github.com/splitgill/splitgill/pkg/common/storage/elastic"
	"github.com/splitgill/splitgill/pkg/common/storage/model"
	"github.com/splitgill/splitgill/pkg/diffing"
	"github.com/splitgill/splitgill/pkg/events"
	"github.com/splitgill/splitgill/pkg/indexing"
	"github.com/splitgill/splitgill/pkg/locking"
)

// ingestBatchSize 摄入时每次比较与暂存的记录条数
const ingestBatchSize = 200

// SplitgillDatabase 一个命名数据库上的全部操作
//
// 记录数据占一个集合，搜索文档占一个latest索引与若干arc分片。
// 提交与同步各有一把跨进程锁，摄入与查询不加锁。
type SplitgillDatabase struct {
	name     string
	cfg      *config.Config
	records  database.Record
	status   database.Status
	options  database.Options
	search   *elastic.Client
	locks    *locking.LockManager
	notifier events.Notifier
	names    indexing.IndexNames
}

// Name 数据库名
func (d *SplitgillDatabase) Name() string {
	return d.name
}

// IngestOptions 摄入行为开关
type IngestOptions struct {
	// Commit 暂存后立即提交
	Commit bool
	// ModifiedField 差异只落在该顶层字段内时不视为变更
	ModifiedField string
}

// Ingest 批量摄入记录
//
// 每条记录与其当前已提交数据比较：有变化的暂存到next并预计算
// 反向补丁，无变化的跳过。Commit为真时对整批赋同一个版本号提交。
// 摄入空数据树表示逻辑删除。
func (d *SplitgillDatabase) Ingest(ctx context.Context, records []model.Record, opts IngestOptions) (*model.IngestResult, error) {
	result := &model.IngestResult{}
	for start := 0; start < len(records); start += ingestBatchSize {
		end := start + ingestBatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := d.ingestBatch(ctx, records[start:end], opts.ModifiedField, result); err != nil {
			return nil, err
		}
	}
	prommetrics.RecordsIngested.WithLabelValues(d.name, "upserted").Add(float64(result.Upserted))
	prommetrics.RecordsIngested.WithLabelValues(d.name, "modified").Add(float64(result.Modified))
	prommetrics.RecordsIngested.WithLabelValues(d.name, "same").Add(float64(result.Same))
	log.ZDebug(ctx, "ingest finished", "database", d.name,
		"upserted", result.Upserted, "modified", result.Modified, "same", result.Same)
	if opts.Commit {
		version, committed, err := d.Commit(ctx)
		if err != nil {
			return nil, err
		}
		if committed {
			result.Version = &version
		}
	}
	return result, nil
}

func (d *SplitgillDatabase) ingestBatch(ctx context.Context, batch []model.Record, modifiedField string, result *model.IngestResult) error {
	ids := make([]string, 0, len(batch))
	for i := range batch {
		if err := validateRecord(&batch[i]); err != nil {
			return err
		}
		ids = append(ids, batch[i].ID)
	}
	existing, err := d.records.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}
	stages := make([]*model.StagedWrite, 0, len(batch))
	for i := range batch {
		record := &batch[i]
		prepared, ok := diffing.Prepare(record.Data).(map[string]any)
		if !ok {
			return sgerrs.ErrValidation.WrapMsg("record data must be a map", "recordID", record.ID)
		}
		current, found := existing[record.ID]
		if !found || !current.Committed() {
			if len(prepared) == 0 {
				// 删除一条从未提交过的记录：没有可删的内容，撤销
				// 已暂存的数据即可，不留下只有删除态的幽灵记录
				result.Same++
				if found && current.HasNext() {
					stages = append(stages, &model.StagedWrite{ID: record.ID, Revert: true})
				}
				continue
			}
			result.Upserted++
			stages = append(stages, &model.StagedWrite{ID: record.ID, Next: prepared})
			continue
		}
		ops := diffing.Diff(prepared, current.Data)
		if len(ops) == 0 || onlyTouches(ops, modifiedField) {
			result.Same++
			// 数据回到已提交状态时要撤销早前暂存的修改，否则下次
			// 提交会落下调用方已经收回的数据
			if current.HasNext() {
				stages = append(stages, &model.StagedWrite{ID: record.ID, Revert: true})
			}
			continue
		}
		result.Modified++
		stages = append(stages, &model.StagedWrite{ID: record.ID, Next: prepared, NextDiff: ops})
	}
	if len(stages) == 0 {
		return nil
	}
	_, _, err = d.records.BulkStage(ctx, stages)
	return err
}

// onlyTouches 差异是否全部落在单个顶层字段内
func onlyTouches(ops []diffing.DiffOp, field string) bool {
	if field == "" {
		return false
	}
	for _, op := range ops {
		if len(op.Path) == 0 {
			return false
		}
		key, ok := op.Path[0].(string)
		if !ok || key != field {
			return false
		}
	}
	return true
}

// validateRecord 校验记录：ID非空，保留键只允许_id
func validateRecord(record *model.Record) error {
	if record.ID == "" {
		return sgerrs.ErrValidation.WrapMsg("record id can not be empty")
	}
	if record.Data == nil {
		return sgerrs.ErrValidation.WrapMsg("record data can not be nil", "recordID", record.ID)
	}
	return validateKeys(record.Data, record.ID)
}

func validateKeys(tree any, recordID string) error {
	switch v := tree.(type) {
	case map[string]any:
		for key, value := range v {
			if strings.HasPrefix(key, "_") && key != "_id" {
				return sgerrs.ErrValidation.WrapMsg("keys starting with underscore are reserved",
					"recordID", recordID, "key", key)
			}
			if err := validateKeys(value, recordID); err != nil {
				return err
			}
		}
	case []any:
		for _, member := range v {
			if err := validateKeys(member, recordID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit 将全部暂存修改提交为一个新版本
//
// 提交锁把并发提交串行化，锁超时返回CommitConflict。版本号取
// 当前毫秒与上个版本加一的较大者，保证严格递增。没有任何暂存
// 修改时不产生版本，committed返回false。
func (d *SplitgillDatabase) Commit(ctx context.Context) (version int64, committed bool, err error) {
	lock, err := d.locks.Acquire(ctx, d.name, locking.PurposeCommit, d.cfg.Lock.AcquireTimeout)
	if err != nil {
		if errors.Is(err, sgerrs.ErrLockTimeout) {
			return 0, false, sgerrs.ErrCommitConflict.WrapMsg("commit lock held elsewhere", "database", d.name)
		}
		return 0, false, err
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			log.ZWarn(ctx, "release commit lock failed", releaseErr, "database", d.name)
		}
	}()

	hasRecords, err := d.records.HasUncommitted(ctx)
	if err != nil {
		return 0, false, err
	}
	hasOptions, err := d.options.HasUncommitted(ctx, d.name)
	if err != nil {
		return 0, false, err
	}
	if !hasRecords && !hasOptions {
		return 0, false, nil
	}

	status, err := d.status.Get(ctx, d.name)
	if err != nil {
		return 0, false, err
	}
	version = time.Now().UnixMilli()
	if version <= status.CommittedVersion {
		version = status.CommittedVersion + 1
	}

	if hasRecords {
		reserved, err := d.records.ReserveNextVersion(ctx, version)
		if err != nil {
			return 0, false, err
		}
		folded, err := d.records.CommitNext(ctx, version)
		if err != nil {
			return 0, false, err
		}
		log.ZDebug(ctx, "records committed", "database", d.name, "version", version,
			"reserved", reserved, "folded", folded)
	}

	var snapshot *model.ParsingOptions
	if hasOptions {
		if _, err := d.options.Commit(ctx, d.name, version); err != nil {
			return 0, false, err
		}
		latest, err := d.options.GetLatest(ctx, d.name)
		if err != nil {
			return 0, false, err
		}
		if latest != nil {
			snapshot = &latest.Options
		}
	}
	if err := d.status.SetCommitted(ctx, d.name, version, snapshot); err != nil {
		return 0, false, err
	}

	prommetrics.CommitsTotal.WithLabelValues(d.name).Inc()
	d.notifier.NotifyCommit(ctx, events.CommitEvent{Database: d.name, Version: version})
	log.ZInfo(ctx, "commit finished", "database", d.name, "version", version,
		"records", hasRecords, "options", hasOptions)
	return version, true, nil
}

// Get 读取一条记录
//
// version为nil时返回当前已提交状态，否则重建该时刻生效的历史
// 状态。记录不存在或该时刻尚未创建时返回nil。
func (d *SplitgillDatabase) Get(ctx context.Context, id string, version *int64) (*model.Record, error) {
	record, err := d.records.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil || !record.Committed() {
		return nil, nil
	}
	if version == nil {
		return &model.Record{ID: record.ID, Data: record.Data, Version: record.Version}, nil
	}
	states, err := record.History()
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		if state.Version <= *version {
			v := state.Version
			return &model.Record{ID: record.ID, Data: state.Data, Version: &v}, nil
		}
	}
	return nil, nil
}

// History 一条记录的全部已提交状态，从新到旧
func (d *SplitgillDatabase) History(ctx context.Context, id string) ([]model.VersionedData, error) {
	record, err := d.records.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return record.History()
}

// Delete 摄入空数据树，逻辑删除一条记录
func (d *SplitgillDatabase) Delete(ctx context.Context, id string, commit bool) (*model.IngestResult, error) {
	return d.Ingest(ctx, []model.Record{model.NewDeleteRecord(id)}, IngestOptions{Commit: commit})
}

// CommittedVersion 当前已提交版本，从未提交过时为0
func (d *SplitgillDatabase) CommittedVersion(ctx context.Context) (int64, error) {
	status, err := d.status.Get(ctx, d.name)
	if err != nil {
		return 0, err
	}
	return status.CommittedVersion, nil
}

// HasUncommittedRecords 是否存在暂存中的记录修改
func (d *SplitgillDatabase) HasUncommittedRecords(ctx context.Context) (bool, error) {
	return d.records.HasUncommitted(ctx)
}

// RollbackRecords 丢弃全部暂存中的记录修改
func (d *SplitgillDatabase) RollbackRecords(ctx context.Context) (int64, error) {
	return d.records.RollbackNext(ctx)
}

// UpdateOptions 暂存一份新的解析配置
//
// 配置与数据共用提交机制，commit为真时立即提交（连同暂存中的
// 记录修改）。
func (d *SplitgillDatabase) UpdateOptions(ctx context.Context, opts model.ParsingOptions, commit bool) (*int64, error) {
	if err := d.options.Stage(ctx, d.name, opts); err != nil {
		return nil, err
	}
	if !commit {
		return nil, nil
	}
	version, committed, err := d.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if !committed {
		return nil, nil
	}
	return &version, nil
}

// RollbackOptions 丢弃暂存中的配置修订
func (d *SplitgillDatabase) RollbackOptions(ctx context.Context) (int64, error) {
	return d.options.Rollback(ctx, d.name)
}

// ParsingOptions 当前生效的解析配置
//
// 没有提交过配置时返回默认配置。
func (d *SplitgillDatabase) ParsingOptions(ctx context.Context) (model.ParsingOptions, error) {
	latest, err := d.options.GetLatest(ctx, d.name)
	if err != nil {
		return model.ParsingOptions{}, err
	}
	if latest == nil {
		return indexing.DefaultParsingOptions(), nil
	}
	return latest.Options, nil
}
