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

// Package prommetrics 定义摄入、提交与同步的Prometheus指标
//
// 指标注册在默认Registerer上，由宿主应用决定是否暴露。
package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsIngested 摄入的记录总数，按结果分类
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_records_ingested_total",
		Help: "Total number of records ingested, partitioned by outcome.",
	}, []string{"database", "outcome"})

	// CommitsTotal 提交次数
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_commits_total",
		Help: "Total number of commits.",
	}, []string{"database"})

	// OpsIndexed 搜索引擎确认的写入操作数
	OpsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_sync_ops_indexed_total",
		Help: "Total number of index operations acknowledged by the search engine.",
	}, []string{"database"})

	// OpsDeleted 搜索引擎确认的删除操作数
	OpsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_sync_ops_deleted_total",
		Help: "Total number of delete operations acknowledged by the search engine.",
	}, []string{"database"})

	// OpsFailed 永久失败的操作数，按原因分类
	OpsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_sync_ops_failed_total",
		Help: "Total number of permanently failed operations, partitioned by reason.",
	}, []string{"database", "reason"})

	// SyncDuration 单次同步耗时
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sg_sync_duration_seconds",
		Help:    "Duration of sync runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"database"})

	// BulkDuration 单次bulk请求往返耗时
	BulkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sg_bulk_duration_seconds",
		Help:    "Round-trip duration of bulk requests to the search engine.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)
