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
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/splitgill/splitgill/pkg/common/prommetrics"
	"github.com/splitgill/splitgill/pkg/common/sgerrs"
	"github.com/splitgill/splitgill/pkg/common/storage/elastic"
	"github.com/splitgill/splitgill/pkg/common/storage/model"
	"github.com/splitgill/splitgill/pkg/tools/batcher"
)

// BulkEngine 同步写入端需要的搜索引擎能力
type BulkEngine interface {
	Bulk(ctx context.Context, body []byte) (*elastic.BulkResult, error)
}

// WriterConfig 写入端参数
type WriterConfig struct {
	BulkSize        int
	Workers         int
	ParserCacheSize int
	MaxRetries      int
	RetryBackoff    time.Duration
	FlushInterval   time.Duration
}

func (c *WriterConfig) normalize() {
	if c.BulkSize <= 0 {
		c.BulkSize = 500
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ParserCacheSize <= 0 {
		c.ParserCacheSize = DefaultParserCacheSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// failReason 永久失败的统计键："{操作}:{原因}"
func failReason(action Action, reason string) string {
	return string(action) + ":" + reason
}

// Writer 同步的写入端：记录进、批量操作出
//
// 批处理器按记录ID分片，一条记录的全部操作固定由同一个worker
// 按版本升序提交，跨记录并行。每个worker持有自己的解析器（及其
// 叶子缓存）与操作缓冲，互不加锁；攒到BulkSize提交一次bulk请求。
// 瞬时失败指数退避重试，永久失败按原因计数但不中止同步。
type Writer struct {
	engine   BulkEngine
	database string
	cfg      WriterConfig
	since    int64
	until    int64

	// syncCtx 同步全程的上下文，取消只在批次边界生效
	syncCtx context.Context
	pool    *batcher.Batcher[model.MongoRecord]
	workers []*syncWorker

	mu        sync.Mutex
	indexed   int64
	deleted   int64
	failed    map[string]int64
	cancelled bool
}

// syncWorker 单个worker的私有状态，只被对应的worker协程触碰
type syncWorker struct {
	indexer *Indexer
	// parsers 按配置修订缓存的解析器，键是修订下标（-1为默认配置）
	parsers map[int]*Parser
	buf     []BulkOp
}

// NewWriter 构造同步写入端
//
// optsRange决定每个历史版本用哪份解析配置，每个worker对每份配置
// 惰性建一个Parser。
func NewWriter(ctx context.Context, engine BulkEngine, database string, names IndexNames,
	optsRange *ParsingOptionsRange, since, until int64, cfg WriterConfig,
) *Writer {
	cfg.normalize()
	w := &Writer{
		engine:   engine,
		database: database,
		cfg:      cfg,
		since:    since,
		until:    until,
		syncCtx:  ctx,
		failed:   make(map[string]int64),
		workers:  make([]*syncWorker, cfg.Workers),
	}
	for i := range w.workers {
		worker := &syncWorker{
			parsers: make(map[int]*Parser),
			buf:     make([]BulkOp, 0, cfg.BulkSize),
		}
		worker.indexer = NewIndexer(names, func(version int64) (*Parser, error) {
			opts, revision := optsRange.GetIndexed(version)
			if parser, ok := worker.parsers[revision]; ok {
				return parser, nil
			}
			parser, err := NewParser(opts, cfg.ParserCacheSize)
			if err != nil {
				return nil, err
			}
			worker.parsers[revision] = parser
			return parser, nil
		})
		w.workers[i] = worker
	}

	pool := batcher.New[model.MongoRecord](
		batcher.WithWorker(cfg.Workers),
		batcher.WithSize(cfg.BulkSize),
		batcher.WithInterval(cfg.FlushInterval),
		batcher.WithBuffer(cfg.BulkSize),
		batcher.WithDataBuffer(cfg.BulkSize*cfg.Workers),
	)
	pool.Key = func(record *model.MongoRecord) string {
		return record.ID
	}
	pool.Sharding = func(key string) int {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		return int(h.Sum32()) % cfg.Workers
	}
	pool.Do = w.consume
	w.pool = pool
	return w
}

// Start 启动worker池
func (w *Writer) Start() error {
	return w.pool.Start()
}

// Put 投入一条待索引的记录
func (w *Writer) Put(ctx context.Context, record *model.MongoRecord) error {
	return w.pool.Put(ctx, record)
}

// Finish 关闭worker池、冲掉全部缓冲并返回统计
//
// 同步上下文被取消时返回Cancelled，已提交的批次不回滚。
func (w *Writer) Finish() (indexed, deleted int64, failed map[string]int64, err error) {
	w.pool.Close()
	// worker已全部退出，残余缓冲由当前协程串行冲掉
	for i, worker := range w.workers {
		if len(worker.buf) > 0 {
			w.submit(i, worker.buf)
			worker.buf = worker.buf[:0]
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return w.indexed, w.deleted, w.failed, sgerrs.ErrCancelled.WrapMsg("sync cancelled", "database", w.database)
	}
	return w.indexed, w.deleted, w.failed, nil
}

func (w *Writer) consume(_ context.Context, channelID int, msg *batcher.Msg[model.MongoRecord]) {
	worker := w.workers[channelID]
	for _, record := range msg.Val() {
		ops, err := worker.indexer.GenerateOps(record, w.since, w.until)
		if err != nil {
			w.addFailed(failReason(ActionIndex, "generate_error"), 1)
			prommetrics.OpsFailed.WithLabelValues(w.database, "generate_error").Inc()
			log.ZError(w.syncCtx, "generate index ops failed", err, "database", w.database, "recordID", record.ID)
			continue
		}
		worker.buf = append(worker.buf, ops...)
	}
	if len(worker.buf) >= w.cfg.BulkSize {
		w.submit(channelID, worker.buf)
		worker.buf = worker.buf[:0]
	}
}

// submit 提交一批操作，瞬时失败重试到上限
func (w *Writer) submit(channelID int, ops []BulkOp) {
	if w.isCancelled() {
		return
	}
	backoff := w.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		if w.syncCtx.Err() != nil {
			w.markCancelled()
			return
		}
		retry, done := w.submitOnce(ops)
		if done {
			return
		}
		if attempt+1 >= w.cfg.MaxRetries {
			w.recordFailed(retry, "retries_exhausted")
			log.ZError(w.syncCtx, "bulk retries exhausted", nil, "database", w.database, "ops", len(retry))
			return
		}
		log.ZWarn(w.syncCtx, "bulk transient failure, backing off", nil,
			"database", w.database, "channelID", channelID, "attempt", attempt+1, "retryOps", len(retry), "backoff", backoff.String())
		select {
		case <-w.syncCtx.Done():
			w.markCancelled()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		ops = retry
	}
}

// submitOnce 执行一次bulk请求
//
// 返回需要重试的操作子集；done为true表示本批已终结（全部成功或
// 失败均已计入统计）。
func (w *Writer) submitOnce(ops []BulkOp) (retry []BulkOp, done bool) {
	body, err := encodeBulk(ops)
	if err != nil {
		w.recordFailed(ops, "encode_error")
		return nil, true
	}
	start := time.Now()
	result, err := w.engine.Bulk(w.syncCtx, body)
	prommetrics.BulkDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, sgerrs.ErrSearchUnavailable) {
			// 整个请求瞬时失败，全批重试
			return ops, false
		}
		w.recordFailed(ops, "request_error")
		log.ZError(w.syncCtx, "bulk request permanently failed", err, "database", w.database, "ops", len(ops))
		return nil, true
	}

	var indexed, deleted int64
	for i, item := range result.Items {
		if i >= len(ops) {
			break
		}
		switch {
		case !item.Failed():
			if item.Action == string(ActionDelete) {
				if item.Result == "deleted" {
					deleted++
				}
			} else {
				indexed++
			}
		case item.Transient():
			retry = append(retry, ops[i])
		default:
			reason := item.Reason
			if reason == "" {
				reason = "unknown"
			}
			w.addFailed(failReason(ops[i].Action, reason), 1)
			prommetrics.OpsFailed.WithLabelValues(w.database, reason).Inc()
		}
	}
	w.addCounts(indexed, deleted)
	if len(retry) == 0 {
		return nil, true
	}
	return retry, false
}

func (w *Writer) recordFailed(ops []BulkOp, reason string) {
	for _, op := range ops {
		w.addFailed(failReason(op.Action, reason), 1)
		prommetrics.OpsFailed.WithLabelValues(w.database, reason).Inc()
	}
}

func (w *Writer) addCounts(indexed, deleted int64) {
	if indexed == 0 && deleted == 0 {
		return
	}
	prommetrics.OpsIndexed.WithLabelValues(w.database).Add(float64(indexed))
	prommetrics.OpsDeleted.WithLabelValues(w.database).Add(float64(deleted))
	w.mu.Lock()
	w.indexed += indexed
	w.deleted += deleted
	w.mu.Unlock()
}

func (w *Writer) addFailed(reason string, n int64) {
	w.mu.Lock()
	w.failed[reason] += n
	w.mu.Unlock()
}

func (w *Writer) markCancelled() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
}

func (w *Writer) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// encodeBulk 把操作序列编码为NDJSON请求体
func encodeBulk(ops []BulkOp) ([]byte, error) {
	var body []byte
	for _, op := range ops {
		meta := map[string]any{
			string(op.Action): map[string]any{
				"_index": op.Index,
				"_id":    op.DocID,
			},
		}
		line, err := json.Marshal(meta)
		if err != nil {
			return nil, errs.WrapMsg(err, "marshal bulk action failed", "docID", op.DocID)
		}
		body = append(body, line...)
		body = append(body, '\n')
		if op.Action == ActionIndex {
			doc, err := json.Marshal(op.Doc)
			if err != nil {
				return nil, errs.WrapMsg(err, "marshal bulk document failed", "docID", op.DocID)
			}
			body = append(body, doc...)
			body = append(body, '\n')
		}
	}
	return body, nil
}
