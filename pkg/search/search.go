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

// Package search 组装搜索引擎查询的纯构造器
//
// 不做任何I/O。叶子的多类型投影让同一个字段路径可以按值类型选择
// 不同的子字段查询：关键词走_k、数值走_n、日期走_d、布尔走_b、
// 全文走_t、地理走_gp/_gs。
package search

import (
	"time"

	"github.com/splitgill/splitgill/pkg/indexing"
)

// VersionQuery 命中某个版本时刻生效的文档
//
// versions是半开区间字段，term查询匹配包含该时间点的区间。
func VersionQuery(version int64) map[string]any {
	return map[string]any{"term": map[string]any{indexing.DocVersions: version}}
}

// IDQuery 按记录ID过滤
func IDQuery(ids ...string) map[string]any {
	return map[string]any{"terms": map[string]any{indexing.DocID: ids}}
}

// TermQuery 按值类型选择投影子字段的精确匹配
func TermQuery(path string, value any) map[string]any {
	switch v := value.(type) {
	case bool:
		return map[string]any{"term": map[string]any{indexing.ParsedField(path, indexing.FieldBoolean): v}}
	case int64:
		return map[string]any{"term": map[string]any{indexing.ParsedField(path, indexing.FieldNumber): float64(v)}}
	case int:
		return map[string]any{"term": map[string]any{indexing.ParsedField(path, indexing.FieldNumber): float64(v)}}
	case float64:
		return map[string]any{"term": map[string]any{indexing.ParsedField(path, indexing.FieldNumber): v}}
	default:
		return map[string]any{"term": map[string]any{indexing.ParsedField(path, indexing.FieldKeyword): value}}
	}
}

// RangeQuery 数值或日期范围，按边界类型选择_n或_d
//
// 边界传nil表示开边界；time.Time边界走日期投影，数值边界走数值
// 投影。
func RangeQuery(path string, gte, lte any) map[string]any {
	field := indexing.ParsedField(path, indexing.FieldNumber)
	bounds := map[string]any{}
	for key, bound := range map[string]any{"gte": gte, "lte": lte} {
		switch v := bound.(type) {
		case nil:
		case time.Time:
			field = indexing.ParsedField(path, indexing.FieldDate)
			bounds[key] = v.UnixMilli()
		case int:
			bounds[key] = float64(v)
		case int64:
			bounds[key] = float64(v)
		default:
			bounds[key] = bound
		}
	}
	return map[string]any{"range": map[string]any{field: bounds}}
}

// TextQuery 某个字段路径上的全文检索
func TextQuery(path, query string) map[string]any {
	return map[string]any{"match": map[string]any{indexing.ParsedField(path, indexing.FieldText): query}}
}

// AllTextQuery 跨全部字段的全文检索
func AllTextQuery(query string) map[string]any {
	return map[string]any{"match": map[string]any{indexing.DocAllText: query}}
}

// GeoDistanceQuery 某个字段路径的坐标点距离过滤
//
// distance是搜索引擎的距离表达式，例如"10km"。
func GeoDistanceQuery(path string, lat, lon float64, distance string) map[string]any {
	return map[string]any{
		"geo_distance": map[string]any{
			"distance": distance,
			indexing.ParsedField(path, indexing.FieldGeoPoint): map[string]any{
				"lat": lat,
				"lon": lon,
			},
		},
	}
}

// AllPointsDistanceQuery 跨全部坐标点的距离过滤
func AllPointsDistanceQuery(lat, lon float64, distance string) map[string]any {
	return map[string]any{
		"geo_distance": map[string]any{
			"distance": distance,
			indexing.DocAllPoints: map[string]any{
				"lat": lat,
				"lon": lon,
			},
		},
	}
}

// GeoShapeQuery 某个字段路径的形状关系过滤
//
// shapeWKT是查询形状的WKT文本，relation取intersects/within/
// contains/disjoint。
func GeoShapeQuery(path, shapeWKT, relation string) map[string]any {
	if relation == "" {
		relation = "intersects"
	}
	return map[string]any{
		"geo_shape": map[string]any{
			indexing.ParsedField(path, indexing.FieldGeoShape): map[string]any{
				"shape":    shapeWKT,
				"relation": relation,
			},
		},
	}
}

// AllShapesQuery 跨全部形状的关系过滤
func AllShapesQuery(shapeWKT, relation string) map[string]any {
	if relation == "" {
		relation = "intersects"
	}
	return map[string]any{
		"geo_shape": map[string]any{
			indexing.DocAllShapes: map[string]any{
				"shape":    shapeWKT,
				"relation": relation,
			},
		},
	}
}

// And 全部条件同时成立
func And(queries ...map[string]any) map[string]any {
	return map[string]any{"bool": map[string]any{"filter": queries}}
}

// Or 任一条件成立
func Or(queries ...map[string]any) map[string]any {
	return map[string]any{"bool": map[string]any{"should": queries, "minimum_should_match": 1}}
}

// IndexChoice 按查询的目标版本选择索引
//
// 查当前状态只需latest索引，查历史时刻需要通配全部索引。
func IndexChoice(names indexing.IndexNames, version *int64) []string {
	if version == nil {
		return []string{names.Latest()}
	}
	return []string{names.Wildcard()}
}

// RebuildData 从解析树还原原始数据树
//
// 叶子对象以_u字段识别并取回原值；容器递归还原，地理提示与
// GeoJSON识别注入的map级投影字段被剥掉。
func RebuildData(parsed map[string]any) map[string]any {
	return rebuildMap(parsed)
}

func rebuildMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		if key == indexing.FieldGeoPoint || key == indexing.FieldGeoShape {
			continue
		}
		out[key] = rebuildValue(value)
	}
	return out
}

func rebuildValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		if raw, ok := v[indexing.FieldUnparsed]; ok {
			return raw
		}
		return rebuildMap(v)
	case []any:
		out := make([]any, len(v))
		for i, member := range v {
			out[i] = rebuildValue(member)
		}
		return out
	default:
		return value
	}
}
