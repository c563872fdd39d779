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

// lowercaseNormalizer 关键词投影统一小写
const lowercaseNormalizer = "sg_lowercase"

// DataTemplate 数据库全部索引共用的索引模板体
//
// latest与每个arc分片共用一套mapping，动态模板按叶子投影字段的
// 后缀路径选择字段类型，copy_to汇总出all_text/all_points/all_shapes
// 三个跨字段检索入口。_u只保留在_source里，不建索引。
func DataTemplate(names IndexNames, keywordLength int) map[string]any {
	if keywordLength <= 0 {
		keywordLength = DefaultKeywordLength
	}
	return map[string]any{
		"index_patterns": []string{names.Wildcard()},
		"template": map[string]any{
			"settings": map[string]any{
				"index": map[string]any{
					"codec": "best_compression",
				},
				"analysis": map[string]any{
					"normalizer": map[string]any{
						lowercaseNormalizer: map[string]any{
							"type":   "custom",
							"filter": []string{"lowercase"},
						},
					},
				},
			},
			"mappings": map[string]any{
				"properties": map[string]any{
					DocID:      map[string]any{"type": "keyword"},
					DocVersion: map[string]any{"type": "date", "format": "epoch_millis"},
					DocNext:    map[string]any{"type": "date", "format": "epoch_millis"},
					DocVersions: map[string]any{
						"type":   "date_range",
						"format": "epoch_millis",
					},
					DocDataTypes:   map[string]any{"type": "keyword"},
					DocParsedTypes: map[string]any{"type": "keyword"},
					DocAllText:     map[string]any{"type": "text"},
					DocAllPoints:   map[string]any{"type": "geo_point"},
					DocAllShapes:   map[string]any{"type": "geo_shape"},
				},
				"dynamic_templates": []map[string]any{
					{
						"text": map[string]any{
							"path_match": ParsedField("*", FieldText),
							"mapping": map[string]any{
								"type":    "text",
								"copy_to": DocAllText,
							},
						},
					},
					{
						"keyword": map[string]any{
							"path_match": ParsedField("*", FieldKeyword),
							"mapping": map[string]any{
								"type":         "keyword",
								"ignore_above": keywordLength,
								"normalizer":   lowercaseNormalizer,
							},
						},
					},
					{
						"number": map[string]any{
							"path_match": ParsedField("*", FieldNumber),
							"mapping": map[string]any{
								"type": "double",
							},
						},
					},
					{
						"date": map[string]any{
							"path_match": ParsedField("*", FieldDate),
							"mapping": map[string]any{
								"type":   "date",
								"format": "epoch_millis",
							},
						},
					},
					{
						"boolean": map[string]any{
							"path_match": ParsedField("*", FieldBoolean),
							"mapping": map[string]any{
								"type": "boolean",
							},
						},
					},
					{
						"geo_point": map[string]any{
							"path_match": ParsedField("*", FieldGeoPoint),
							"mapping": map[string]any{
								"type":    "geo_point",
								"copy_to": DocAllPoints,
							},
						},
					},
					{
						"geo_shape": map[string]any{
							"path_match": ParsedField("*", FieldGeoShape),
							"mapping": map[string]any{
								"type":    "geo_shape",
								"copy_to": DocAllShapes,
							},
						},
					},
					{
						"unparsed": map[string]any{
							"path_match": ParsedField("*", FieldUnparsed),
							"mapping": map[string]any{
								"type":       "keyword",
								"index":      false,
								"doc_values": false,
							},
						},
					},
				},
			},
		},
	}
}

// SyncSettings 同步期间的索引参数与恢复值
//
// 同步时关闭刷新、去掉副本换吞吐。恢复值全部写nil，让索引回到
// 模板或集群的默认配置，不覆盖部署方自己调过的副本数。
func SyncSettings() (tuned, restored map[string]any) {
	tuned = map[string]any{
		"index": map[string]any{
			"refresh_interval":   "-1",
			"number_of_replicas": 0,
		},
	}
	restored = map[string]any{
		"index": map[string]any{
			"refresh_interval":   nil,
			"number_of_replicas": nil,
		},
	}
	return tuned, restored
}
