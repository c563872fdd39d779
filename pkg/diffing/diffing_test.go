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

// diffing_test.go - 差异引擎测试模块
//
// 测试策略:
// - 往返定律: patch(A, diff(A,B)) == B 对全部树形态成立
// - 确定性: 相同输入产生相同操作序列
// - 最小性: 相等子树不产生操作
// - 规范化: BSON/JSON解码类型统一收敛到标准树

package diffing

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TestPrepare 输入规范化测试
func TestPrepare(t *testing.T) {
	t.Run("integers collapse to int64", func(t *testing.T) {
		assert.Equal(t, int64(5), Prepare(int32(5)))
		assert.Equal(t, int64(5), Prepare(5))
		assert.Equal(t, int64(5), Prepare(uint16(5)))
	})

	t.Run("floats collapse to float64", func(t *testing.T) {
		assert.Equal(t, float64(2.5), Prepare(2.5))
		assert.Equal(t, float64(float32(1.5)), Prepare(float32(1.5)))
	})

	t.Run("control characters stripped", func(t *testing.T) {
		assert.Equal(t, "ab\tc\n", Prepare("a\x00b\x01\tc\x7f\n"))
	})

	t.Run("time renders as UTC text", func(t *testing.T) {
		ts := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
		assert.Equal(t, "2021-03-04T05:06:07Z", Prepare(ts))
	})

	t.Run("driver containers become native", func(t *testing.T) {
		in := primitive.M{"a": primitive.A{int32(1), primitive.M{"b": "x"}}}
		want := map[string]any{"a": []any{int64(1), map[string]any{"b": "x"}}}
		assert.Equal(t, want, Prepare(in))
	})

	t.Run("non-string map keys coerced", func(t *testing.T) {
		in := map[int]any{3: "x"}
		assert.Equal(t, map[string]any{"3": "x"}, Prepare(in))
	})

	t.Run("unknown types degrade to text", func(t *testing.T) {
		type odd struct{}
		assert.Equal(t, "{}", Prepare(odd{}))
	})
}

// TestDiffPatchRoundTrip 往返定律：patch(A, diff(A,B)) == B
func TestDiffPatchRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		base any
		tgt  any
	}{
		{
			name: "flat value change",
			base: map[string]any{"a": int64(1), "b": "x"},
			tgt:  map[string]any{"a": int64(2), "b": "x"},
		},
		{
			name: "key added and removed",
			base: map[string]any{"a": int64(1), "gone": true},
			tgt:  map[string]any{"a": int64(1), "new": "v"},
		},
		{
			name: "nested map change",
			base: map[string]any{"a": map[string]any{"b": map[string]any{"c": int64(1)}}},
			tgt:  map[string]any{"a": map[string]any{"b": map[string]any{"c": int64(2), "d": "x"}}},
		},
		{
			name: "list grows",
			base: map[string]any{"l": []any{int64(1)}},
			tgt:  map[string]any{"l": []any{int64(1), int64(2), int64(3)}},
		},
		{
			name: "list shrinks",
			base: map[string]any{"l": []any{int64(1), int64(2), int64(3)}},
			tgt:  map[string]any{"l": []any{int64(1)}},
		},
		{
			name: "list element changes",
			base: map[string]any{"l": []any{"a", "b", "c"}},
			tgt:  map[string]any{"l": []any{"a", "x", "c"}},
		},
		{
			name: "nested list of maps",
			base: map[string]any{"l": []any{map[string]any{"a": int64(1)}, map[string]any{"b": int64(2)}}},
			tgt:  map[string]any{"l": []any{map[string]any{"a": int64(9)}}},
		},
		{
			name: "scalar replaced by container",
			base: map[string]any{"a": "scalar"},
			tgt:  map[string]any{"a": map[string]any{"k": "v"}},
		},
		{
			name: "container replaced by scalar",
			base: map[string]any{"a": []any{int64(1), int64(2)}},
			tgt:  map[string]any{"a": "flat"},
		},
		{
			name: "list replaced by map",
			base: map[string]any{"a": []any{int64(1)}},
			tgt:  map[string]any{"a": map[string]any{"0": int64(1)}},
		},
		{
			name: "whole tree emptied",
			base: map[string]any{"a": int64(1), "b": []any{"x"}},
			tgt:  map[string]any{},
		},
		{
			name: "identical trees",
			base: map[string]any{"a": []any{map[string]any{"b": 1.5}}},
			tgt:  map[string]any{"a": []any{map[string]any{"b": 1.5}}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ops := Diff(tc.base, tc.tgt)
			got, err := Patch(tc.base, ops)
			require.NoError(t, err)
			assert.Equal(t, tc.tgt, got)

			// 反方向同样成立
			back := Diff(tc.tgt, tc.base)
			got, err = Patch(tc.tgt, back)
			require.NoError(t, err)
			assert.Equal(t, tc.base, got)
		})
	}
}

// TestDiffMinimal 相等输入不产生操作，局部变更只产生局部操作
func TestDiffMinimal(t *testing.T) {
	same := map[string]any{"a": int64(1), "b": map[string]any{"c": "x"}}
	assert.Empty(t, Diff(same, same))

	base := map[string]any{"a": int64(1), "b": int64(2), "c": int64(3)}
	tgt := map[string]any{"a": int64(1), "b": int64(20), "c": int64(3)}
	ops := Diff(base, tgt)
	require.Len(t, ops, 1)
	assert.Equal(t, OpSet, ops[0].Op)
	assert.Equal(t, []any{"b"}, ops[0].Path)
	assert.Equal(t, int64(20), ops[0].Value)
}

// TestDiffDeterminism 相同输入重复计算得到相同操作序列
func TestDiffDeterminism(t *testing.T) {
	base := map[string]any{"z": int64(1), "a": int64(2), "m": []any{"x", "y"}}
	tgt := map[string]any{"z": int64(9), "b": true, "m": []any{"x"}}
	first := Diff(base, tgt)
	second := Diff(base, tgt)
	assert.True(t, reflect.DeepEqual(first, second))
}

// TestDiffTypeExactness 整数与浮点不互等，nil与缺失是不同状态
func TestDiffTypeExactness(t *testing.T) {
	ops := Diff(map[string]any{"a": int64(1)}, map[string]any{"a": float64(1)})
	assert.Len(t, ops, 1)

	ops = Diff(map[string]any{"a": nil}, map[string]any{})
	require.Len(t, ops, 1)
	assert.Equal(t, OpDelete, ops[0].Op)
}

// TestPatchDoesNotMutate 补丁作用于拷贝，原树保持不变
func TestPatchDoesNotMutate(t *testing.T) {
	base := map[string]any{"a": map[string]any{"b": int64(1)}, "l": []any{int64(1), int64(2)}}
	tgt := map[string]any{"a": map[string]any{"b": int64(2)}, "l": []any{int64(1)}}
	ops := Diff(base, tgt)
	_, err := Patch(base, ops)
	require.NoError(t, err)
	assert.Equal(t, int64(1), base["a"].(map[string]any)["b"])
	assert.Len(t, base["l"], 2)
}

// TestPatchRejectsBrokenOps 与树不匹配的补丁返回错误
func TestPatchRejectsBrokenOps(t *testing.T) {
	base := map[string]any{"a": int64(1)}

	_, err := Patch(base, []DiffOp{{Op: OpDelete, Path: []any{"a", "b"}}})
	assert.Error(t, err)

	_, err = Patch(base, []DiffOp{{Op: OpCut, Path: []any{"a", 0}}})
	assert.Error(t, err)

	_, err = Patch(base, []DiffOp{{Op: "bogus", Path: []any{"a"}}})
	assert.Error(t, err)
}

// TestNormalizeOps BSON解码的操作还原后可以正常应用
func TestNormalizeOps(t *testing.T) {
	ops := []DiffOp{
		{Op: OpSet, Path: []any{"l", int32(1)}, Value: primitive.M{"k": int32(7)}},
		{Op: OpInsert, Path: []any{"l", int64(2)}, Value: primitive.A{"x"}},
	}
	NormalizeOps(ops)
	assert.Equal(t, []any{"l", 1}, ops[0].Path)
	assert.Equal(t, map[string]any{"k": int64(7)}, ops[0].Value)

	base := map[string]any{"l": []any{"a", "b"}}
	got, err := Patch(base, ops)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"l": []any{"a", map[string]any{"k": int64(7)}, "x"}}, got)
}
