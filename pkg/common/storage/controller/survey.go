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
	"encoding/json"

	"github.com/openimsdk/tools/errs"

	"github.com/splitgill/splitgill/pkg/common/storage/elastic"
	"github.com/splitgill/splitgill/pkg/indexing"
	"github.com/splitgill/splitgill/pkg/search"
)

// compositePageSize 组合聚合每页桶数
const compositePageSize = 1000

// Search 在搜索引擎上执行一次查询
//
// version为nil时只查latest索引（当前状态），否则查全部索引并附加
// 版本时刻过滤。query为nil表示匹配全部。
func (d *SplitgillDatabase) Search(ctx context.Context, query map[string]any, version *int64, size, from int) (*elastic.SearchResult, error) {
	body := map[string]any{"size": size, "from": from}
	if q := d.scopedQuery(query, version); q != nil {
		body["query"] = q
	}
	return d.search.Search(ctx, body, search.IndexChoice(d.names, version)...)
}

// CountRecords 某个版本时刻的记录条数，version为nil时数当前状态
func (d *SplitgillDatabase) CountRecords(ctx context.Context, version *int64) (int64, error) {
	return d.search.Count(ctx, d.scopedQuery(nil, version), search.IndexChoice(d.names, version)...)
}

// HasData 搜索引擎中是否有该数据库的文档
func (d *SplitgillDatabase) HasData(ctx context.Context) (bool, error) {
	count, err := d.CountRecords(ctx, nil)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scopedQuery 给查询附加版本时刻过滤
func (d *SplitgillDatabase) scopedQuery(query map[string]any, version *int64) map[string]any {
	if version == nil {
		return query
	}
	if query == nil {
		return search.VersionQuery(*version)
	}
	return search.And(query, search.VersionQuery(*version))
}

// Versions 搜索引擎中出现过的全部记录版本，升序
//
// 组合聚合分页遍历，版本数量不受单页桶数限制。
func (d *SplitgillDatabase) Versions(ctx context.Context) ([]int64, error) {
	var versions []int64
	var after map[string]any
	for {
		composite := map[string]any{
			"size": compositePageSize,
			"sources": []map[string]any{
				{"version": map[string]any{"terms": map[string]any{"field": indexing.DocVersion}}},
			},
		}
		if after != nil {
			composite["after"] = after
		}
		body := map[string]any{
			"size": 0,
			"aggs": map[string]any{"versions": map[string]any{"composite": composite}},
		}
		result, err := d.search.Search(ctx, body, d.names.Wildcard())
		if err != nil {
			return nil, err
		}
		var aggs struct {
			Versions struct {
				AfterKey map[string]any `json:"after_key"`
				Buckets  []struct {
					Key struct {
						Version int64 `json:"version"`
					} `json:"key"`
				} `json:"buckets"`
			} `json:"versions"`
		}
		if len(result.Aggregations) == 0 {
			return versions, nil
		}
		if err := json.Unmarshal(result.Aggregations, &aggs); err != nil {
			return nil, errs.WrapMsg(err, "decode versions aggregation failed", "database", d.name)
		}
		for _, bucket := range aggs.Versions.Buckets {
			versions = append(versions, bucket.Key.Version)
		}
		if len(aggs.Versions.Buckets) < compositePageSize || aggs.Versions.AfterKey == nil {
			return versions, nil
		}
		after = aggs.Versions.AfterKey
	}
}

// RoundedVersion 不大于target的最大可用版本
//
// 任意时间点的查询先取整到可用版本上，没有更早的版本时返回nil。
func (d *SplitgillDatabase) RoundedVersion(ctx context.Context, target int64) (*int64, error) {
	body := map[string]any{
		"size":  0,
		"query": map[string]any{"range": map[string]any{indexing.DocVersion: map[string]any{"lte": target}}},
		"aggs": map[string]any{
			"rounded": map[string]any{"max": map[string]any{"field": indexing.DocVersion}},
		},
	}
	result, err := d.search.Search(ctx, body, d.names.Wildcard())
	if err != nil {
		return nil, err
	}
	if len(result.Aggregations) == 0 {
		return nil, nil
	}
	var aggs struct {
		Rounded struct {
			Value *float64 `json:"value"`
		} `json:"rounded"`
	}
	if err := json.Unmarshal(result.Aggregations, &aggs); err != nil {
		return nil, errs.WrapMsg(err, "decode rounded version aggregation failed", "database", d.name)
	}
	if aggs.Rounded.Value == nil {
		return nil, nil
	}
	rounded := int64(*aggs.Rounded.Value)
	return &rounded, nil
}

// FieldCounts 路径到(类别→文档数)的统计
type FieldCounts map[string]map[string]int64

// DataFields 某个版本时刻各字段路径出现过的原始类别统计
func (d *SplitgillDatabase) DataFields(ctx context.Context, version *int64) (FieldCounts, error) {
	return d.fieldSurvey(ctx, indexing.DocDataTypes, version)
}

// ParsedFields 某个版本时刻各字段路径产生的投影代码统计
func (d *SplitgillDatabase) ParsedFields(ctx context.Context, version *int64) (FieldCounts, error) {
	return d.fieldSurvey(ctx, indexing.DocParsedTypes, version)
}

// fieldSurvey 组合聚合遍历类型条目，拆解"path:kind"并累计文档数
func (d *SplitgillDatabase) fieldSurvey(ctx context.Context, field string, version *int64) (FieldCounts, error) {
	counts := make(FieldCounts)
	var after map[string]any
	for {
		composite := map[string]any{
			"size": compositePageSize,
			"sources": []map[string]any{
				{"entry": map[string]any{"terms": map[string]any{"field": field}}},
			},
		}
		if after != nil {
			composite["after"] = after
		}
		body := map[string]any{
			"size": 0,
			"aggs": map[string]any{"entries": map[string]any{"composite": composite}},
		}
		if q := d.scopedQuery(nil, version); q != nil {
			body["query"] = q
		}
		result, err := d.search.Search(ctx, body, search.IndexChoice(d.names, version)...)
		if err != nil {
			return nil, err
		}
		if len(result.Aggregations) == 0 {
			return counts, nil
		}
		var aggs struct {
			Entries struct {
				AfterKey map[string]any `json:"after_key"`
				Buckets  []struct {
					Key struct {
						Entry string `json:"entry"`
					} `json:"key"`
					DocCount int64 `json:"doc_count"`
				} `json:"buckets"`
			} `json:"entries"`
		}
		if err := json.Unmarshal(result.Aggregations, &aggs); err != nil {
			return nil, errs.WrapMsg(err, "decode field survey aggregation failed", "database", d.name, "field", field)
		}
		for _, bucket := range aggs.Entries.Buckets {
			path, kind := indexing.SplitTypeEntry(bucket.Key.Entry)
			if counts[path] == nil {
				counts[path] = make(map[string]int64)
			}
			counts[path][kind] += bucket.DocCount
		}
		if len(aggs.Entries.Buckets) < compositePageSize || aggs.Entries.AfterKey == nil {
			return counts, nil
		}
		after = aggs.Entries.AfterKey
	}
}
