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
	"math"
	"strconv"
	"strings"
)

// 支持的几何类型
const (
	GeoPoint      = "Point"
	GeoLineString = "LineString"
	GeoPolygon    = "Polygon"
)

// earthRadius 球面近似的地球半径（米）
const earthRadius = 6371000.0

// Coordinate 一个经纬度坐标，下标0是经度、1是纬度
type Coordinate [2]float64

// Geometry 解析器识别的几何形状
//
// 坐标顺序沿用GeoJSON约定（经度在前）。校验规则：经度[-180,180]，
// 纬度[-90,90]；线串至少两个点；多边形每个环闭合且至少四个点，
// 外环逆时针、内环顺时针。多余的Z坐标在解析时丢弃。
type Geometry struct {
	Type  string
	Point Coordinate
	Line  []Coordinate
	Rings [][]Coordinate
}

// Valid 形状是否通过全部校验
func (g *Geometry) Valid() bool {
	switch g.Type {
	case GeoPoint:
		return validCoordinate(g.Point)
	case GeoLineString:
		if len(g.Line) < 2 {
			return false
		}
		for _, c := range g.Line {
			if !validCoordinate(c) {
				return false
			}
		}
		return true
	case GeoPolygon:
		if len(g.Rings) == 0 {
			return false
		}
		for i, ring := range g.Rings {
			if len(ring) < 4 || ring[0] != ring[len(ring)-1] {
				return false
			}
			for _, c := range ring {
				if !validCoordinate(c) {
					return false
				}
			}
			// 外环逆时针，内环顺时针
			anticlockwise := ringEdgeSum(ring) < 0
			if i == 0 && !anticlockwise {
				return false
			}
			if i > 0 && anticlockwise {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Centroid 形状的代表点
//
// 点返回自身，线串取顶点均值，多边形取外环的面积重心。
func (g *Geometry) Centroid() Coordinate {
	switch g.Type {
	case GeoPoint:
		return g.Point
	case GeoLineString:
		var sx, sy float64
		for _, c := range g.Line {
			sx += c[0]
			sy += c[1]
		}
		n := float64(len(g.Line))
		return Coordinate{sx / n, sy / n}
	case GeoPolygon:
		return ringCentroid(g.Rings[0])
	default:
		return Coordinate{}
	}
}

// WKT 序列化为WKT文本
func (g *Geometry) WKT() string {
	var sb strings.Builder
	switch g.Type {
	case GeoPoint:
		sb.WriteString("POINT (")
		writeCoordinate(&sb, g.Point)
		sb.WriteString(")")
	case GeoLineString:
		sb.WriteString("LINESTRING (")
		writeCoordinates(&sb, g.Line)
		sb.WriteString(")")
	case GeoPolygon:
		sb.WriteString("POLYGON (")
		for i, ring := range g.Rings {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			writeCoordinates(&sb, ring)
			sb.WriteString(")")
		}
		sb.WriteString(")")
	}
	return sb.String()
}

func writeCoordinate(sb *strings.Builder, c Coordinate) {
	sb.WriteString(strconv.FormatFloat(c[0], 'f', -1, 64))
	sb.WriteString(" ")
	sb.WriteString(strconv.FormatFloat(c[1], 'f', -1, 64))
}

func writeCoordinates(sb *strings.Builder, coords []Coordinate) {
	for i, c := range coords {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeCoordinate(sb, c)
	}
}

func validCoordinate(c Coordinate) bool {
	return c[0] >= -180 && c[0] <= 180 && c[1] >= -90 && c[1] <= 90
}

// ringEdgeSum 鞋带公式的边和，负值表示逆时针
func ringEdgeSum(ring []Coordinate) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += (ring[i+1][0] - ring[i][0]) * (ring[i+1][1] + ring[i][1])
	}
	return sum
}

func ringCentroid(ring []Coordinate) Coordinate {
	var area, cx, cy float64
	for i := 0; i < len(ring)-1; i++ {
		cross := ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
		area += cross
		cx += (ring[i][0] + ring[i+1][0]) * cross
		cy += (ring[i][1] + ring[i+1][1]) * cross
	}
	if area == 0 {
		// 退化环，落回顶点均值
		var sx, sy float64
		for _, c := range ring[:len(ring)-1] {
			sx += c[0]
			sy += c[1]
		}
		n := float64(len(ring) - 1)
		return Coordinate{sx / n, sy / n}
	}
	area /= 2
	return Coordinate{cx / (6 * area), cy / (6 * area)}
}

// ParseWKT 解析WKT文本，仅接受Point/LineString/Polygon
//
// 第二个返回值为false表示文本不是合法有效的WKT形状。
func ParseWKT(s string) (*Geometry, bool) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	var g *Geometry
	switch {
	case strings.HasPrefix(upper, "POINT"):
		body, ok := wktBody(s, len("POINT"))
		if !ok {
			return nil, false
		}
		c, ok := parseWKTCoordinate(body)
		if !ok {
			return nil, false
		}
		g = &Geometry{Type: GeoPoint, Point: c}
	case strings.HasPrefix(upper, "LINESTRING"):
		body, ok := wktBody(s, len("LINESTRING"))
		if !ok {
			return nil, false
		}
		line, ok := parseWKTCoordinates(body)
		if !ok {
			return nil, false
		}
		g = &Geometry{Type: GeoLineString, Line: line}
	case strings.HasPrefix(upper, "POLYGON"):
		body, ok := wktBody(s, len("POLYGON"))
		if !ok {
			return nil, false
		}
		rings, ok := parseWKTRings(body)
		if !ok {
			return nil, false
		}
		g = &Geometry{Type: GeoPolygon, Rings: rings}
	default:
		return nil, false
	}
	if !g.Valid() {
		return nil, false
	}
	return g, true
}

// wktBody 提取类型名之后最外层括号内的内容
func wktBody(s string, tagLen int) (string, bool) {
	rest := strings.TrimSpace(s[tagLen:])
	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

func parseWKTCoordinate(s string) (Coordinate, bool) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) < 2 || len(parts) > 3 {
		return Coordinate{}, false
	}
	lon, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Coordinate{}, false
	}
	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Coordinate{}, false
	}
	return Coordinate{lon, lat}, true
}

func parseWKTCoordinates(s string) ([]Coordinate, bool) {
	parts := strings.Split(s, ",")
	coords := make([]Coordinate, 0, len(parts))
	for _, part := range parts {
		c, ok := parseWKTCoordinate(part)
		if !ok {
			return nil, false
		}
		coords = append(coords, c)
	}
	return coords, true
}

func parseWKTRings(s string) ([][]Coordinate, bool) {
	var rings [][]Coordinate
	rest := strings.TrimSpace(s)
	for rest != "" {
		if !strings.HasPrefix(rest, "(") {
			return nil, false
		}
		end := strings.Index(rest, ")")
		if end < 0 {
			return nil, false
		}
		ring, ok := parseWKTCoordinates(rest[1:end])
		if !ok {
			return nil, false
		}
		rings = append(rings, ring)
		rest = strings.TrimSpace(rest[end+1:])
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ","))
	}
	if len(rings) == 0 {
		return nil, false
	}
	return rings, true
}

// GeometryFromGeoJSON 尝试把一个map识别为GeoJSON几何对象
//
// 键必须恰好是type和coordinates，type忽略大小写匹配三种支持的
// 几何类型。不满足校验的形状返回false，调用方按普通数据处理。
func GeometryFromGeoJSON(m map[string]any) (*Geometry, bool) {
	if len(m) != 2 {
		return nil, false
	}
	typeValue, ok := m["type"].(string)
	if !ok {
		return nil, false
	}
	coords, ok := m["coordinates"]
	if !ok {
		return nil, false
	}
	var g *Geometry
	switch strings.ToLower(typeValue) {
	case "point":
		c, ok := geoJSONCoordinate(coords)
		if !ok {
			return nil, false
		}
		g = &Geometry{Type: GeoPoint, Point: c}
	case "linestring":
		line, ok := geoJSONCoordinates(coords)
		if !ok {
			return nil, false
		}
		g = &Geometry{Type: GeoLineString, Line: line}
	case "polygon":
		list, ok := coords.([]any)
		if !ok {
			return nil, false
		}
		rings := make([][]Coordinate, 0, len(list))
		for _, raw := range list {
			ring, ok := geoJSONCoordinates(raw)
			if !ok {
				return nil, false
			}
			rings = append(rings, ring)
		}
		g = &Geometry{Type: GeoPolygon, Rings: rings}
	default:
		return nil, false
	}
	if !g.Valid() {
		return nil, false
	}
	return g, true
}

func geoJSONCoordinate(v any) (Coordinate, bool) {
	list, ok := v.([]any)
	if !ok || len(list) < 2 || len(list) > 3 {
		return Coordinate{}, false
	}
	lon, ok := numericValue(list[0])
	if !ok {
		return Coordinate{}, false
	}
	lat, ok := numericValue(list[1])
	if !ok {
		return Coordinate{}, false
	}
	return Coordinate{lon, lat}, true
}

func geoJSONCoordinates(v any) ([]Coordinate, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	coords := make([]Coordinate, 0, len(list))
	for _, raw := range list {
		c, ok := geoJSONCoordinate(raw)
		if !ok {
			return nil, false
		}
		coords = append(coords, c)
	}
	return coords, true
}

// numericValue 数据树里的数值叶子
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// CirclePolygon 以球面近似构造圆形多边形
//
// 产生4·segments个顶点加一个闭合点，逆时针绕行。
func CirclePolygon(lat, lon, radiusMeters float64, segments int) *Geometry {
	if segments <= 0 {
		segments = DefaultSegments
	}
	n := 4 * segments
	ring := make([]Coordinate, 0, n+1)
	angular := radiusMeters / earthRadius
	lat1 := lat * math.Pi / 180
	lon1 := lon * math.Pi / 180
	sinLat1 := math.Sin(lat1)
	cosLat1 := math.Cos(lat1)
	sinAngular := math.Sin(angular)
	cosAngular := math.Cos(angular)
	for i := 0; i < n; i++ {
		// 方位角递减，顶点按逆时针排列
		bearing := -2 * math.Pi * float64(i) / float64(n)
		sinLat2 := sinLat1*cosAngular + cosLat1*sinAngular*math.Cos(bearing)
		lat2 := math.Asin(sinLat2)
		lon2 := lon1 + math.Atan2(
			math.Sin(bearing)*sinAngular*cosLat1,
			cosAngular-sinLat1*sinLat2,
		)
		ring = append(ring, Coordinate{lon2 * 180 / math.Pi, lat2 * 180 / math.Pi})
	}
	ring = append(ring, ring[0])
	return &Geometry{Type: GeoPolygon, Rings: [][]Coordinate{ring}}
}
