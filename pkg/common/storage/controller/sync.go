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
	"time"

	"github.com/openimsdk/tools/log"
	"golang.org/x/sync/errgroup"

	"github.com/splitgill/splitgill/pkg/common/prommetrics"
	"github.com/splitgill/splitgill/pkg/common/sgerrs"
	"github.com/splitgill/splitgill/pkg/common/storage/model"
	"github.com/splitgill/splitgill/pkg/events"
	"github.com/splitgill/splitgill/pkg/indexing"
	"github.com/splitgill/splitgill/pkg/locking"
)

// SyncOptions 同步行为开关
type SyncOptions struct {
	// Resync 丢弃检查点，从头重建全部搜索文档
	Resync bool
	// Parallel 为false时单worker串行写入
	Parallel bool
}

// Sync 把(检查点, 已提交版本]之间的变更投影到搜索引擎
//
// 同一数据库同时只能有一个同步在跑，抢不到锁返回SyncBusy。
// last_indexed_version是唯一的持久化检查点：文档ID按(记录,版本)
// 生成，重复执行幂等，崩溃后从检查点续跑得到与不中断时相同的
// 结果。上下文取消在批次边界生效，恢复索引参数并释放锁后返回
// Cancelled。
func (d *SplitgillDatabase) Sync(ctx context.Context, opts SyncOptions) (*model.SyncResult, error) {
	lock, err := d.locks.Acquire(ctx, d.name, locking.PurposeSync, d.cfg.Lock.AcquireTimeout)
	if err != nil {
		if errors.Is(err, sgerrs.ErrLockTimeout) {
			return nil, sgerrs.ErrSyncBusy.WrapMsg("sync already running", "database", d.name)
		}
		return nil, err
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			log.ZWarn(ctx, "release sync lock failed", releaseErr, "database", d.name)
		}
	}()
	start := time.Now()

	if opts.Resync {
		// 从头重建：清掉历史分片里的旧文档和检查点
		deleted, err := d.search.DeleteByQuery(ctx, map[string]any{"match_all": map[string]any{}}, d.names.Arcs()...)
		if err != nil {
			return nil, err
		}
		if err := d.status.ClearLastIndexed(ctx, d.name); err != nil {
			return nil, err
		}
		log.ZInfo(ctx, "resync requested, archive wiped", "database", d.name, "deleted", deleted)
	}

	status, err := d.status.Get(ctx, d.name)
	if err != nil {
		return nil, err
	}
	since := status.LastIndexedVersion
	if opts.Resync {
		since = 0
	}
	until := status.CommittedVersion
	result := &model.SyncResult{Since: since, Until: until}
	if until == 0 || since >= until {
		log.ZDebug(ctx, "nothing to sync", "database", d.name, "since", since, "until", until)
		return result, nil
	}

	revisions, err := d.options.GetCommitted(ctx, d.name)
	if err != nil {
		return nil, err
	}
	optsRange := indexing.NewParsingOptionsRange(revisions)

	if err := d.prepareIndices(ctx, optsRange.Latest().KeywordLength); err != nil {
		return nil, err
	}
	tuned, restored := indexing.SyncSettings()
	if err := d.search.PutSettings(ctx, tuned, d.names.All()...); err != nil {
		return nil, err
	}
	defer d.restoreIndices(context.WithoutCancel(ctx), restored)

	workers := d.cfg.Sync.Workers
	if !opts.Parallel {
		workers = 1
	}
	writer := indexing.NewWriter(ctx, d.search, d.name, d.names, optsRange, since, until, indexing.WriterConfig{
		BulkSize:        d.cfg.Sync.BulkSize,
		Workers:         workers,
		ParserCacheSize: d.cfg.Sync.ParserCacheSize,
		MaxRetries:      d.cfg.Sync.MaxRetries,
		RetryBackoff:    d.cfg.Sync.RetryBackoff,
	})
	if err := writer.Start(); err != nil {
		return nil, err
	}

	log.ZInfo(ctx, "sync started", "database", d.name, "since", since, "until", until, "workers", workers)
	iterErr := d.records.IterUpdated(ctx, since, until, func(record *model.MongoRecord) error {
		return writer.Put(ctx, record)
	})
	indexed, deleted, failed, writeErr := writer.Finish()
	result.Indexed = indexed
	result.Deleted = deleted
	result.FailedByReason = failed
	if iterErr != nil && writeErr == nil {
		if ctx.Err() != nil {
			writeErr = sgerrs.ErrCancelled.WrapMsg("sync cancelled", "database", d.name)
		} else {
			writeErr = iterErr
		}
	}
	if writeErr != nil {
		// 检查点不动，下次同步从这里续跑
		return nil, writeErr
	}

	if err := d.status.SetLastIndexed(ctx, d.name, until); err != nil {
		return nil, err
	}
	result.Elapsed = time.Since(start)
	prommetrics.SyncDuration.WithLabelValues(d.name).Observe(result.Elapsed.Seconds())
	d.notifier.NotifySync(ctx, events.SyncEvent{
		Database:  d.name,
		Since:     since,
		Until:     until,
		Indexed:   indexed,
		Deleted:   deleted,
		ElapsedMs: result.Elapsed.Milliseconds(),
	})
	log.ZInfo(ctx, "sync finished", "database", d.name, "since", since, "until", until,
		"indexed", indexed, "deleted", deleted, "failed", result.Failed(), "elapsed", result.Elapsed.String())
	return result, nil
}

// prepareIndices 确保索引模板与全部目标索引存在
func (d *SplitgillDatabase) prepareIndices(ctx context.Context, keywordLength int) error {
	template := indexing.DataTemplate(d.names, keywordLength)
	if err := d.search.PutIndexTemplate(ctx, d.names.Template(), template); err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, index := range d.names.All() {
		index := index
		group.Go(func() error {
			return d.search.EnsureIndex(groupCtx, index)
		})
	}
	return group.Wait()
}

// restoreIndices 恢复索引参数并触发一次显式刷新，失败时退避重试
func (d *SplitgillDatabase) restoreIndices(ctx context.Context, restored map[string]any) {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := d.search.PutSettings(ctx, restored, d.names.All()...)
		if err == nil {
			err = d.search.Refresh(ctx, d.names.All()...)
		}
		if err == nil {
			return
		}
		if attempt >= d.cfg.Sync.MaxRetries {
			log.ZError(ctx, "restore index settings failed", err, "database", d.name, "attempts", attempt)
			return
		}
		log.ZWarn(ctx, "restore index settings failed, retrying", err,
			"database", d.name, "attempt", attempt, "backoff", backoff.String())
		time.Sleep(backoff)
		backoff *= 2
	}
}
