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
	"sort"
	"time"

	"github.com/splitgill/splitgill/pkg/common/sgerrs"
	"github.com/splitgill/splitgill/pkg/common/storage/model"
)

// 关键词投影长度限制，上限来自搜索引擎单个term的字节上限
const (
	MinKeywordLength     = 1
	MaxKeywordLength     = 32766
	DefaultKeywordLength = 8191
)

// DefaultFloatFormat 浮点数的默认文本渲染动词
const DefaultFloatFormat = "%.15g"

// DefaultSegments 地理提示圆形近似的默认精度
const DefaultSegments = 16

// DefaultDateFormats 默认依序尝试的时间布局
//
// 不含时区的布局按UTC解析，保证同一字符串在任何环境产生相同的
// epoch毫秒。
func DefaultDateFormats() []string {
	return []string{
		"2006-01-02",
		"2006-01-02T15:04:05",
		time.RFC3339,
	}
}

// DefaultParsingOptions 默认解析配置
func DefaultParsingOptions() model.ParsingOptions {
	return model.ParsingOptions{
		KeywordLength: DefaultKeywordLength,
		FloatFormat:   DefaultFloatFormat,
		DateFormats:   DefaultDateFormats(),
		TrueValues:    []string{"true", "yes", "y"},
		FalseValues:   []string{"false", "no", "n"},
	}
}

// ParsingOptionsBuilder 逐步构造解析配置
//
// 校验错误在调用处立即返回ValidationError，Build只做最终组装。
type ParsingOptionsBuilder struct {
	opts model.ParsingOptions
}

// NewParsingOptionsBuilder 以默认配置为起点
func NewParsingOptionsBuilder() *ParsingOptionsBuilder {
	return &ParsingOptionsBuilder{opts: DefaultParsingOptions()}
}

// BuilderFrom 以一份既有配置为起点
func BuilderFrom(opts model.ParsingOptions) *ParsingOptionsBuilder {
	return &ParsingOptionsBuilder{opts: opts}
}

func (b *ParsingOptionsBuilder) SetKeywordLength(length int) error {
	if length < MinKeywordLength || length > MaxKeywordLength {
		return sgerrs.ErrValidation.WrapMsg("keyword length out of range", "length", length)
	}
	b.opts.KeywordLength = length
	return nil
}

func (b *ParsingOptionsBuilder) SetFloatFormat(verb string) error {
	if verb == "" {
		return sgerrs.ErrValidation.WrapMsg("float format can not be empty")
	}
	b.opts.FloatFormat = verb
	return nil
}

func (b *ParsingOptionsBuilder) AddDateFormat(layout string) error {
	if layout == "" {
		return sgerrs.ErrValidation.WrapMsg("date format can not be empty")
	}
	for _, existing := range b.opts.DateFormats {
		if existing == layout {
			return nil
		}
	}
	b.opts.DateFormats = append(b.opts.DateFormats, layout)
	return nil
}

func (b *ParsingOptionsBuilder) ClearDateFormats() {
	b.opts.DateFormats = nil
}

func (b *ParsingOptionsBuilder) ResetDateFormats() {
	b.opts.DateFormats = DefaultDateFormats()
}

func (b *ParsingOptionsBuilder) AddTrueValue(value string) error {
	if value == "" {
		return sgerrs.ErrValidation.WrapMsg("true value can not be empty")
	}
	b.opts.TrueValues = appendUnique(b.opts.TrueValues, value)
	return nil
}

func (b *ParsingOptionsBuilder) AddFalseValue(value string) error {
	if value == "" {
		return sgerrs.ErrValidation.WrapMsg("false value can not be empty")
	}
	b.opts.FalseValues = appendUnique(b.opts.FalseValues, value)
	return nil
}

// AddGeoHint 注册一个坐标字段提示，lat字段名在提示集合内必须唯一
func (b *ParsingOptionsBuilder) AddGeoHint(hint model.GeoFieldHint) error {
	if hint.LatField == "" || hint.LonField == "" {
		return sgerrs.ErrValidation.WrapMsg("geo hint needs lat and lon field names")
	}
	if hint.Segments < 0 {
		return sgerrs.ErrValidation.WrapMsg("geo hint segments must be positive", "segments", hint.Segments)
	}
	if hint.Segments == 0 {
		hint.Segments = DefaultSegments
	}
	for _, existing := range b.opts.GeoHints {
		if existing.LatField == hint.LatField {
			return sgerrs.ErrValidation.WrapMsg("duplicate geo hint lat field", "latField", hint.LatField)
		}
	}
	b.opts.GeoHints = append(b.opts.GeoHints, hint)
	return nil
}

func (b *ParsingOptionsBuilder) ClearGeoHints() {
	b.opts.GeoHints = nil
}

// Build 返回配置的一个副本，builder可以继续使用
func (b *ParsingOptionsBuilder) Build() model.ParsingOptions {
	opts := b.opts
	opts.DateFormats = append([]string(nil), b.opts.DateFormats...)
	opts.TrueValues = append([]string(nil), b.opts.TrueValues...)
	opts.FalseValues = append([]string(nil), b.opts.FalseValues...)
	opts.GeoHints = append([]model.GeoFieldHint(nil), b.opts.GeoHints...)
	return opts
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

// ParsingOptionsRange 按版本区间查找生效的解析配置
//
// 同步重建历史状态时，每个版本必须用当时生效的配置解析。修订按
// 版本升序保存，Get做二分查找。
type ParsingOptionsRange struct {
	revisions []*model.OptionsRevision
	fallback  model.ParsingOptions
}

// NewParsingOptionsRange 从已提交的修订历史构建查找表
//
// revisions必须按版本升序且全部已提交；早于首条修订的版本使用
// 默认配置。
func NewParsingOptionsRange(revisions []*model.OptionsRevision) *ParsingOptionsRange {
	return &ParsingOptionsRange{revisions: revisions, fallback: DefaultParsingOptions()}
}

// Get 版本version时刻生效的配置
func (r *ParsingOptionsRange) Get(version int64) model.ParsingOptions {
	opts, _ := r.GetIndexed(version)
	return opts
}

// GetIndexed 同Get，额外返回修订下标（默认配置为-1）
//
// 下标是解析器缓存的键：同一修订共用同一个Parser实例。
func (r *ParsingOptionsRange) GetIndexed(version int64) (model.ParsingOptions, int) {
	i := sort.Search(len(r.revisions), func(i int) bool {
		return *r.revisions[i].Version > version
	})
	if i == 0 {
		return r.fallback, -1
	}
	return r.revisions[i-1].Options, i - 1
}

// Latest 最新一条已提交配置，没有历史时返回默认配置
func (r *ParsingOptionsRange) Latest() model.ParsingOptions {
	if len(r.revisions) == 0 {
		return r.fallback
	}
	return r.revisions[len(r.revisions)-1].Options
}
