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
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/openimsdk/tools/errs"

	"github.com/splitgill/splitgill/pkg/common/storage/model"
)

// DefaultParserCacheSize 叶子缓存的默认容量
const DefaultParserCacheSize = 100_000

// Parser 把数据树展开为带类型投影的解析树
//
// 同一批记录里大量标量是重复的（状态名、年份、计量单位），叶子
// 解析结果按源值缓存。缓存不做并发保护，同步引擎为每个worker
// 建一个Parser实例。
type Parser struct {
	opts        model.ParsingOptions
	trueValues  map[string]struct{}
	falseValues map[string]struct{}
	cache       *simplelru.LRU[string, *cachedLeaf]
}

type cachedLeaf struct {
	fields map[string]any
	codes  []string
}

func NewParser(opts model.ParsingOptions, cacheSize int) (*Parser, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultParserCacheSize
	}
	cache, err := simplelru.NewLRU[string, *cachedLeaf](cacheSize, nil)
	if err != nil {
		return nil, errs.WrapMsg(err, "init parser cache failed", "cacheSize", cacheSize)
	}
	return &Parser{
		opts:        opts,
		trueValues:  lowerSet(opts.TrueValues),
		falseValues: lowerSet(opts.FalseValues),
		cache:       cache,
	}, nil
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

type parseState struct {
	dataTypes   map[string]struct{}
	parsedTypes map[string]struct{}
}

func (s *parseState) addData(path, kind string) {
	if path != "" {
		s.dataTypes[TypeEntry(path, kind)] = struct{}{}
	}
}

func (s *parseState) addParsed(path, code string) {
	if path != "" {
		s.parsedTypes[TypeEntry(path, code)] = struct{}{}
	}
}

// ParseData 解析一棵记录数据树
//
// 返回解析树以及排好序的data_types/parsed_types条目。类型条目的
// 路径是点连接的map键，列表下标不参与路径。
func (p *Parser) ParseData(data map[string]any) (map[string]any, []string, []string) {
	state := &parseState{
		dataTypes:   make(map[string]struct{}),
		parsedTypes: make(map[string]struct{}),
	}
	parsed := p.parseMap(data, "", true, state)
	return parsed, sortedEntries(state.dataTypes), sortedEntries(state.parsedTypes)
}

func sortedEntries(set map[string]struct{}) []string {
	entries := make([]string, 0, len(set))
	for entry := range set {
		entries = append(entries, entry)
	}
	sort.Strings(entries)
	return entries
}

func (p *Parser) parseMap(m map[string]any, path string, root bool, state *parseState) map[string]any {
	out := make(map[string]any, len(m)+2)
	for key, value := range m {
		out[key] = p.parseValue(value, JoinPath(path, key), state)
	}
	// GeoJSON几何对象，根map不参与识别
	if !root {
		if geometry, ok := GeometryFromGeoJSON(m); ok {
			out[FieldGeoShape] = geometry.WKT()
			out[FieldGeoPoint] = pointWKT(geometry.Centroid())
			state.addParsed(path, ProjectionCode(FieldGeoShape))
			state.addParsed(path, ProjectionCode(FieldGeoPoint))
		}
	}
	p.applyGeoHints(m, out, path, state)
	return out
}

// applyGeoHints 把坐标字段提示合成的投影挂到lat字段的叶子对象上
func (p *Parser) applyGeoHints(m, out map[string]any, path string, state *parseState) {
	for _, hint := range p.opts.GeoHints {
		lat, ok := numericValue(m[hint.LatField])
		if !ok {
			continue
		}
		lon, ok := numericValue(m[hint.LonField])
		if !ok {
			continue
		}
		point := &Geometry{Type: GeoPoint, Point: Coordinate{lon, lat}}
		if !point.Valid() {
			continue
		}
		target, ok := out[hint.LatField].(map[string]any)
		if !ok {
			continue
		}
		latPath := JoinPath(path, hint.LatField)
		target[FieldGeoPoint] = point.WKT()
		state.addParsed(latPath, ProjectionCode(FieldGeoPoint))
		shape := point.WKT()
		if hint.RadiusField != "" {
			if radius, ok := numericValue(m[hint.RadiusField]); ok && radius > 0 {
				shape = CirclePolygon(lat, lon, radius, hint.Segments).WKT()
			}
		}
		target[FieldGeoShape] = shape
		state.addParsed(latPath, ProjectionCode(FieldGeoShape))
	}
}

func (p *Parser) parseValue(value any, path string, state *parseState) any {
	switch v := value.(type) {
	case nil:
		state.addData(path, KindNull)
		return nil
	case map[string]any:
		state.addData(path, KindDict)
		return p.parseMap(v, path, false, state)
	case []any:
		state.addData(path, KindList)
		out := make([]any, len(v))
		for i, member := range v {
			// 列表成员的类型条目记在列表自身的路径下
			out[i] = p.parseValue(member, path, state)
		}
		return out
	default:
		state.addData(path, KindOf(v))
		fields, codes := p.parseLeaf(v)
		for _, code := range codes {
			state.addParsed(path, code)
		}
		return fields
	}
}

// parseLeaf 解析单个标量叶子，结果经LRU缓存
//
// 返回的map总是新副本，地理提示会在上面追加投影字段。
func (p *Parser) parseLeaf(value any) (map[string]any, []string) {
	key, cacheable := leafCacheKey(value)
	if cacheable {
		if cached, ok := p.cache.Get(key); ok {
			return copyFields(cached.fields), cached.codes
		}
	}
	fields, codes := p.buildLeaf(value)
	if cacheable {
		p.cache.Add(key, &cachedLeaf{fields: fields, codes: codes})
	}
	return copyFields(fields), codes
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func leafCacheKey(value any) (string, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return "b:1", true
		}
		return "b:0", true
	case int64:
		return "i:" + strconv.FormatInt(v, 10), true
	case float64:
		return "f:" + strconv.FormatUint(math.Float64bits(v), 16), true
	case string:
		return "s:" + v, true
	default:
		return "", false
	}
}

func (p *Parser) buildLeaf(value any) (map[string]any, []string) {
	switch v := value.(type) {
	case bool:
		text := strconv.FormatBool(v)
		return map[string]any{
				FieldUnparsed: v,
				FieldBoolean:  v,
				FieldText:     text,
				FieldKeyword:  p.truncate(text),
			}, []string{
				ProjectionCode(FieldBoolean),
				ProjectionCode(FieldText),
				ProjectionCode(FieldKeyword),
			}
	case int64:
		text := strconv.FormatInt(v, 10)
		return map[string]any{
				FieldUnparsed: v,
				FieldNumber:   float64(v),
				FieldText:     text,
				FieldKeyword:  p.truncate(text),
			}, []string{
				ProjectionCode(FieldNumber),
				ProjectionCode(FieldText),
				ProjectionCode(FieldKeyword),
			}
	case float64:
		text := fmt.Sprintf(p.opts.FloatFormat, v)
		fields := map[string]any{
			FieldUnparsed: v,
			FieldText:     text,
			FieldKeyword:  p.truncate(text),
		}
		codes := []string{ProjectionCode(FieldText), ProjectionCode(FieldKeyword)}
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			fields[FieldNumber] = v
			codes = append(codes, ProjectionCode(FieldNumber))
		}
		return fields, codes
	case string:
		return p.buildStringLeaf(v)
	default:
		// Tree语法之外的值在摄入校验阶段已被拒绝
		return map[string]any{FieldUnparsed: fmt.Sprintf("%v", value)}, nil
	}
}

func (p *Parser) buildStringLeaf(s string) (map[string]any, []string) {
	if s == "" {
		return map[string]any{FieldUnparsed: ""}, nil
	}
	fields := map[string]any{
		FieldUnparsed: s,
		FieldText:     s,
		FieldKeyword:  p.truncate(s),
	}
	codes := []string{ProjectionCode(FieldText), ProjectionCode(FieldKeyword)}
	if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		fields[FieldNumber] = n
		codes = append(codes, ProjectionCode(FieldNumber))
	}
	for _, layout := range p.opts.DateFormats {
		// 无时区的布局按UTC解析，epoch毫秒在任何环境下稳定
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			fields[FieldDate] = t.UnixMilli()
			codes = append(codes, ProjectionCode(FieldDate))
			break
		}
	}
	lower := strings.ToLower(s)
	if _, ok := p.trueValues[lower]; ok {
		fields[FieldBoolean] = true
		codes = append(codes, ProjectionCode(FieldBoolean))
	} else if _, ok := p.falseValues[lower]; ok {
		fields[FieldBoolean] = false
		codes = append(codes, ProjectionCode(FieldBoolean))
	}
	if looksLikeWKT(s) {
		if geometry, ok := ParseWKT(s); ok {
			fields[FieldGeoShape] = geometry.WKT()
			fields[FieldGeoPoint] = pointWKT(geometry.Centroid())
			codes = append(codes, ProjectionCode(FieldGeoShape), ProjectionCode(FieldGeoPoint))
		}
	}
	return fields, codes
}

// looksLikeWKT 完整解析之前的廉价预判
func looksLikeWKT(s string) bool {
	if len(s) < 8 {
		return false
	}
	switch s[0] {
	case 'P', 'p', 'L', 'l':
		upper := strings.ToUpper(s[:4])
		return strings.HasPrefix(upper, "POIN") || strings.HasPrefix(upper, "POLY") || strings.HasPrefix(upper, "LINE")
	default:
		return false
	}
}

func (p *Parser) truncate(s string) string {
	limit := p.opts.KeywordLength
	if limit <= 0 {
		limit = DefaultKeywordLength
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func pointWKT(c Coordinate) string {
	point := &Geometry{Type: GeoPoint, Point: c}
	return point.WKT()
}
