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

// Package indexing 把记录数据转换为搜索引擎文档
//
// 解析器把原始数据树的每个叶子展开为多个并行的类型投影，索引器
// 按记录历史生成批量操作，同步引擎驱动两者把文档存储的版本历史
// 投影到latest与arc索引。
package indexing

import "strings"

// 叶子投影字段，挂在解析树中每个叶子对象内
const (
	FieldUnparsed = "_u" // 原始值，查询重建数据时的唯一来源
	FieldText     = "_t" // 全文
	FieldKeyword  = "_k" // 关键词，截断到keyword_length
	FieldNumber   = "_n" // 数值(double)
	FieldDate     = "_d" // 日期(epoch毫秒)
	FieldBoolean  = "_b" // 布尔
	FieldGeoPoint = "_gp" // 坐标点(WKT)
	FieldGeoShape = "_gs" // 几何形状(WKT)
)

// 搜索文档的顶层字段
const (
	DocID          = "id"
	DocVersion     = "version"
	DocNext        = "next"
	DocVersions    = "versions"
	DocData        = "data"
	DocDataTypes   = "data_types"
	DocParsedTypes = "parsed_types"
	DocAllText     = "all_text"
	DocAllPoints   = "all_points"
	DocAllShapes   = "all_shapes"
)

// 原始值类别，data_types条目的kind部分
const (
	KindStr   = "str"
	KindInt   = "int"
	KindFloat = "float"
	KindBool  = "bool"
	KindNull  = "null"
	KindList  = "list"
	KindDict  = "dict"
)

// KindOf 数据树值的类别名
func KindOf(value any) string {
	switch value.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindStr
	case []any:
		return KindList
	case map[string]any:
		return KindDict
	default:
		return ""
	}
}

// JoinPath 在路径后追加一个map键，列表下标不进入路径
func JoinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// TypeEntry data_types/parsed_types条目："path:kind"或"path:code"
func TypeEntry(path, kind string) string {
	return path + ":" + kind
}

// SplitTypeEntry 拆开一条类型条目，路径中不含冒号之外无歧义
func SplitTypeEntry(entry string) (path, kind string) {
	i := strings.LastIndex(entry, ":")
	if i < 0 {
		return entry, ""
	}
	return entry[:i], entry[i+1:]
}

// ParsedField 查询用的完整字段路径："data.{path}.{field}"
func ParsedField(path, field string) string {
	return DocData + "." + path + "." + field
}

// ProjectionCode 投影字段对应的parsed_types代码（去掉下划线前缀）
func ProjectionCode(field string) string {
	return strings.TrimPrefix(field, "_")
}
