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

// Package diffing 实现记录数据树的差异计算与补丁应用
//
// **核心概念：**
//
// 数据树（Tree）是一个递归值：null、bool、int64、float64、string、
// []any、map[string]any。记录的每个历史版本不直接存储完整数据，
// 而是存储从新版本回溯到旧版本的反向补丁链，按需重放即可重建任意
// 历史状态。
//
// **补丁操作模型：**
//
// 每个操作由操作码、路径、负载三元组构成。路径是从根到目标槽位的
// 有序段序列（map键为字符串，列表下标为整数）：
//
//   - "s" 设置路径处的值（含标量与容器的整体替换）
//   - "d" 删除路径处的map键
//   - "i" 从路径尾段下标起向列表追加负载中的尾部元素
//   - "c" 将列表截断到路径尾段下标
//
// **算法特性：**
//
//   - 确定性：map键按字典序遍历，相同输入产生相同操作序列
//   - 最小性：相等的子树不产生任何操作
//   - 列表按下标对齐比较（非LCS），中部插入会放大补丁，但保证
//     历史重建的兼容性
//   - 浮点相等按位精确比较，nil与缺失是不同的状态
package diffing

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// 补丁操作码
const (
	// OpSet 设置路径处的值，路径为空时替换整个根
	OpSet = "s"
	// OpDelete 删除路径处的map键
	OpDelete = "d"
	// OpInsert 从路径尾段下标起追加列表尾部元素，负载为元素切片
	OpInsert = "i"
	// OpCut 将列表截断到路径尾段下标
	OpCut = "c"
)

// DiffOp 单个补丁操作
//
// Path段为map键（string）或列表下标（int）。BSON解码后下标可能
// 还原为int32/int64，应用补丁时统一做宽松转换。
type DiffOp struct {
	Op    string `bson:"o" json:"o"`
	Path  []any  `bson:"p" json:"p"`
	Value any    `bson:"v" json:"v"`
}

// Prepare 将任意输入值规范化为标准数据树
//
// 规范化规则：
//   - 整数族统一为int64（uint64溢出时退化为float64）
//   - 浮点族统一为float64
//   - 时间值转为UTC的RFC3339文本（与存储层解码保持一致）
//   - 字符串剔除控制字符（保留\t\n\r）
//   - map键强制转为字符串，BSON/JSON容器类型还原为原生容器
//   - 其余未知类型退化为其文本形式
//
// 数据入库前和从BSON解码后都必须经过本函数，保证差异比较建立在
// 同一套标量类型之上。
func Prepare(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return cleanString(v)
	case bool:
		return v
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return float64(v)
		}
		return int64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return cleanString(v.String())
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case primitive.DateTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case map[string]any:
		m := make(map[string]any, len(v))
		for key, item := range v {
			m[key] = Prepare(item)
		}
		return m
	case primitive.M:
		m := make(map[string]any, len(v))
		for key, item := range v {
			m[key] = Prepare(item)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, item := range v {
			s[i] = Prepare(item)
		}
		return s
	case primitive.A:
		s := make([]any, len(v))
		for i, item := range v {
			s[i] = Prepare(item)
		}
		return s
	default:
		return prepareReflect(value)
	}
}

func prepareReflect(value any) any {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[mapKey(iter.Key())] = Prepare(iter.Value().Interface())
		}
		return m
	case reflect.Slice, reflect.Array:
		s := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			s[i] = Prepare(rv.Index(i).Interface())
		}
		return s
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Prepare(rv.Elem().Interface())
	default:
		return cleanString(fmt.Sprint(value))
	}
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

func cleanString(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// Equal 判断两棵规范化数据树是否完全相等，浮点按位比较
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

type frame struct {
	path   []any
	base   any
	target any
}

// Diff 计算将base变换为target的最小补丁序列
//
// 两棵树都必须已经过Prepare规范化。返回nil表示两棵树相等。
// 反向补丁链按 Diff(新数据, 旧数据) 生成并以旧版本号为键存储。
func Diff(base, target any) []DiffOp {
	var ops []DiffOp
	queue := []frame{{path: nil, base: base, target: target}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		switch b := f.base.(type) {
		case map[string]any:
			if t, ok := f.target.(map[string]any); ok {
				ops, queue = diffMaps(f.path, b, t, ops, queue)
				continue
			}
		case []any:
			if t, ok := f.target.([]any); ok {
				ops, queue = diffLists(f.path, b, t, ops, queue)
				continue
			}
		}
		// 标量或形状不同的容器：整体替换
		if !Equal(f.base, f.target) {
			ops = append(ops, DiffOp{Op: OpSet, Path: f.path, Value: f.target})
		}
	}
	return ops
}

func diffMaps(path []any, base, target map[string]any, ops []DiffOp, queue []frame) ([]DiffOp, []frame) {
	for _, key := range sortedKeys(base) {
		tv, ok := target[key]
		if !ok {
			ops = append(ops, DiffOp{Op: OpDelete, Path: childPath(path, key)})
			continue
		}
		queue = append(queue, frame{path: childPath(path, key), base: base[key], target: tv})
	}
	for _, key := range sortedKeys(target) {
		if _, ok := base[key]; !ok {
			ops = append(ops, DiffOp{Op: OpSet, Path: childPath(path, key), Value: target[key]})
		}
	}
	return ops, queue
}

func diffLists(path []any, base, target []any, ops []DiffOp, queue []frame) ([]DiffOp, []frame) {
	common := len(base)
	if len(target) < common {
		common = len(target)
	}
	for i := 0; i < common; i++ {
		queue = append(queue, frame{path: childPath(path, i), base: base[i], target: target[i]})
	}
	if len(target) > len(base) {
		tail := make([]any, len(target)-len(base))
		copy(tail, target[len(base):])
		ops = append(ops, DiffOp{Op: OpInsert, Path: childPath(path, len(base)), Value: tail})
	} else if len(base) > len(target) {
		ops = append(ops, DiffOp{Op: OpCut, Path: childPath(path, len(target))})
	}
	return ops, queue
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func childPath(parent []any, seg any) []any {
	p := make([]any, len(parent)+1)
	copy(p, parent)
	p[len(parent)] = seg
	return p
}

// Patch 将补丁序列应用到base的深拷贝上并返回结果
//
// base本身不会被修改。补丁与树不匹配（路径缺失、类型不符、下标
// 越界）时返回错误，此时存储中的差异链已经损坏。
func Patch(base any, ops []DiffOp) (any, error) {
	result := deepCopy(base)
	for i := range ops {
		var err error
		result, err = applyOp(result, &ops[i])
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func applyOp(root any, op *DiffOp) (any, error) {
	switch op.Op {
	case OpSet:
		if len(op.Path) == 0 {
			return deepCopy(op.Value), nil
		}
		parent, err := walk(root, op.Path[:len(op.Path)-1])
		if err != nil {
			return nil, err
		}
		if err := setSlot(parent, op.Path[len(op.Path)-1], deepCopy(op.Value)); err != nil {
			return nil, err
		}
		return root, nil
	case OpDelete:
		if len(op.Path) == 0 {
			return nil, errs.New("delete op requires a path").Wrap()
		}
		parent, err := walk(root, op.Path[:len(op.Path)-1])
		if err != nil {
			return nil, err
		}
		m, ok := parent.(map[string]any)
		if !ok {
			return nil, errs.New("delete op target is not a map", "path", fmt.Sprint(op.Path)).Wrap()
		}
		key, ok := op.Path[len(op.Path)-1].(string)
		if !ok {
			return nil, errs.New("delete op key is not a string", "path", fmt.Sprint(op.Path)).Wrap()
		}
		delete(m, key)
		return root, nil
	case OpInsert, OpCut:
		return applyListOp(root, op)
	default:
		return nil, errs.New("unknown diff op", "op", op.Op).Wrap()
	}
}

func applyListOp(root any, op *DiffOp) (any, error) {
	if len(op.Path) == 0 {
		return nil, errs.New("list op requires a path", "op", op.Op).Wrap()
	}
	listPath := op.Path[:len(op.Path)-1]
	idx, ok := toIndex(op.Path[len(op.Path)-1])
	if !ok {
		return nil, errs.New("list op index is not an integer", "path", fmt.Sprint(op.Path)).Wrap()
	}
	node, err := walk(root, listPath)
	if err != nil {
		return nil, err
	}
	list, ok := node.([]any)
	if !ok {
		return nil, errs.New("list op target is not a list", "path", fmt.Sprint(op.Path)).Wrap()
	}
	var updated []any
	switch op.Op {
	case OpInsert:
		if idx != len(list) {
			return nil, errs.New("insert index does not extend the list", "index", idx, "length", len(list)).Wrap()
		}
		tail, ok := toSlice(op.Value)
		if !ok {
			return nil, errs.New("insert op value is not a list", "path", fmt.Sprint(op.Path)).Wrap()
		}
		updated = make([]any, 0, len(list)+len(tail))
		updated = append(updated, list...)
		for _, item := range tail {
			updated = append(updated, deepCopy(item))
		}
	case OpCut:
		if idx < 0 || idx > len(list) {
			return nil, errs.New("cut index out of range", "index", idx, "length", len(list)).Wrap()
		}
		updated = list[:idx]
	}
	if len(listPath) == 0 {
		return updated, nil
	}
	parent, err := walk(root, listPath[:len(listPath)-1])
	if err != nil {
		return nil, err
	}
	if err := setSlot(parent, listPath[len(listPath)-1], updated); err != nil {
		return nil, err
	}
	return root, nil
}

func walk(root any, path []any) (any, error) {
	cur := root
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			key, ok := seg.(string)
			if !ok {
				return nil, errs.New("map key is not a string", "segment", fmt.Sprint(seg)).Wrap()
			}
			child, ok := node[key]
			if !ok {
				return nil, errs.New("path not found", "key", key).Wrap()
			}
			cur = child
		case []any:
			idx, ok := toIndex(seg)
			if !ok || idx < 0 || idx >= len(node) {
				return nil, errs.New("list index out of range", "segment", fmt.Sprint(seg), "length", len(node)).Wrap()
			}
			cur = node[idx]
		default:
			return nil, errs.New("path descends into a scalar", "segment", fmt.Sprint(seg)).Wrap()
		}
	}
	return cur, nil
}

func setSlot(container, seg, value any) error {
	switch node := container.(type) {
	case map[string]any:
		key, ok := seg.(string)
		if !ok {
			return errs.New("map key is not a string", "segment", fmt.Sprint(seg)).Wrap()
		}
		node[key] = value
		return nil
	case []any:
		idx, ok := toIndex(seg)
		if !ok || idx < 0 || idx >= len(node) {
			return errs.New("list index out of range", "segment", fmt.Sprint(seg), "length", len(node)).Wrap()
		}
		node[idx] = value
		return nil
	default:
		return errs.New("slot container is not a map or list", "segment", fmt.Sprint(seg)).Wrap()
	}
}

func toIndex(seg any) (int, bool) {
	switch v := seg.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func toSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case primitive.A:
		return v, true
	default:
		return nil, false
	}
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, item := range v {
			m[k] = deepCopy(item)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, item := range v {
			s[i] = deepCopy(item)
		}
		return s
	default:
		return v
	}
}

// NormalizeOps 将BSON解码得到的补丁操作就地还原为规范形式
//
// 解码后的负载可能包含primitive.M/primitive.A/int32等驱动类型，
// 不做还原会导致后续的树比较出现假差异。
func NormalizeOps(ops []DiffOp) {
	for i := range ops {
		for j, seg := range ops[i].Path {
			if _, isString := seg.(string); isString {
				continue
			}
			if idx, ok := toIndex(seg); ok {
				ops[i].Path[j] = idx
			}
		}
		if ops[i].Value != nil {
			ops[i].Value = Prepare(ops[i].Value)
		}
	}
}
