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

package model

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// GeoFieldHint 地理坐标字段提示
//
// 声明数据树中的兄弟字段组合成一个坐标点（或带半径的圆）。
// 解析器对树中每个map应用全部提示；lat字段名在提示集合内必须唯一。
type GeoFieldHint struct {
	LatField    string `bson:"lat_field" json:"lat_field"`
	LonField    string `bson:"lon_field" json:"lon_field"`
	RadiusField string `bson:"radius_field,omitempty" json:"radius_field,omitempty"`
	// Segments 圆形近似精度，产生4·Segments条边
	Segments int `bson:"segments,omitempty" json:"segments,omitempty"`
}

// ParsingOptions 某一版本区间内生效的解析配置
//
// 配置与数据走同一套提交/版本机制，变更通过同步传播到搜索端。
type ParsingOptions struct {
	// KeywordLength 关键词投影(_k)保留的最大字符数，取值[1,32766]
	KeywordLength int `bson:"keyword_length" json:"keyword_length"`
	// FloatFormat 浮点数转文本的fmt动词
	FloatFormat string `bson:"float_format" json:"float_format"`
	// DateFormats 依序尝试的时间布局，首个匹配生效
	DateFormats []string `bson:"date_formats" json:"date_formats"`
	// TrueValues/FalseValues 解析为布尔的字符串集合（忽略大小写）
	TrueValues  []string       `bson:"true_values" json:"true_values"`
	FalseValues []string       `bson:"false_values" json:"false_values"`
	GeoHints    []GeoFieldHint `bson:"geo_hints,omitempty" json:"geo_hints,omitempty"`
}

// OptionsRevision 配置历史集合中的一条修订
//
// Version为nil表示修订尚未提交，提交时与数据共用同一个版本号。
type OptionsRevision struct {
	OID      primitive.ObjectID `bson:"_id,omitempty"`
	Database string             `bson:"database"`
	Version  *int64             `bson:"version"`
	Options  ParsingOptions     `bson:"options"`
}
