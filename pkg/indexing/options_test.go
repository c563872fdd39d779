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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splitgill/splitgill/pkg/common/sgerrs"
	"github.com/splitgill/splitgill/pkg/common/storage/model"
)

func TestBuilderKeywordLength(t *testing.T) {
	builder := NewParsingOptionsBuilder()
	require.NoError(t, builder.SetKeywordLength(MinKeywordLength))
	require.NoError(t, builder.SetKeywordLength(MaxKeywordLength))
	require.ErrorIs(t, builder.SetKeywordLength(0), sgerrs.ErrValidation)
	require.ErrorIs(t, builder.SetKeywordLength(MaxKeywordLength+1), sgerrs.ErrValidation)
}

func TestBuilderGeoHints(t *testing.T) {
	builder := NewParsingOptionsBuilder()
	require.ErrorIs(t, builder.AddGeoHint(model.GeoFieldHint{LatField: "lat"}), sgerrs.ErrValidation)
	require.ErrorIs(t, builder.AddGeoHint(model.GeoFieldHint{LatField: "lat", LonField: "lon", Segments: -1}), sgerrs.ErrValidation)

	require.NoError(t, builder.AddGeoHint(model.GeoFieldHint{LatField: "lat", LonField: "lon"}))
	require.ErrorIs(t, builder.AddGeoHint(model.GeoFieldHint{LatField: "lat", LonField: "lng"}), sgerrs.ErrValidation)

	opts := builder.Build()
	require.Len(t, opts.GeoHints, 1)
	require.Equal(t, DefaultSegments, opts.GeoHints[0].Segments)
}

func TestBuilderValueSets(t *testing.T) {
	builder := NewParsingOptionsBuilder()
	require.NoError(t, builder.AddTrueValue("ja"))
	require.NoError(t, builder.AddTrueValue("ja"))
	require.ErrorIs(t, builder.AddTrueValue(""), sgerrs.ErrValidation)
	require.NoError(t, builder.AddFalseValue("nein"))

	opts := builder.Build()
	require.Equal(t, []string{"true", "yes", "y", "ja"}, opts.TrueValues)
	require.Contains(t, opts.FalseValues, "nein")
}

func TestBuilderDateFormats(t *testing.T) {
	builder := NewParsingOptionsBuilder()
	require.NoError(t, builder.AddDateFormat("02/01/2006"))
	require.NoError(t, builder.AddDateFormat("02/01/2006"))
	require.Len(t, builder.Build().DateFormats, len(DefaultDateFormats())+1)

	builder.ClearDateFormats()
	require.Empty(t, builder.Build().DateFormats)
	builder.ResetDateFormats()
	require.Equal(t, DefaultDateFormats(), builder.Build().DateFormats)
}

func TestBuildReturnsCopies(t *testing.T) {
	builder := NewParsingOptionsBuilder()
	first := builder.Build()
	require.NoError(t, builder.AddDateFormat("02/01/2006"))
	second := builder.Build()
	require.Len(t, first.DateFormats, len(DefaultDateFormats()))
	require.Len(t, second.DateFormats, len(DefaultDateFormats())+1)
}

func version(v int64) *int64 {
	return &v
}

func TestParsingOptionsRange(t *testing.T) {
	optsA := DefaultParsingOptions()
	optsA.KeywordLength = 100
	optsB := DefaultParsingOptions()
	optsB.KeywordLength = 200
	rng := NewParsingOptionsRange([]*model.OptionsRevision{
		{Version: version(1000), Options: optsA},
		{Version: version(2000), Options: optsB},
	})

	// 早于首条修订的版本用默认配置
	opts, idx := rng.GetIndexed(500)
	require.Equal(t, -1, idx)
	require.Equal(t, DefaultKeywordLength, opts.KeywordLength)

	opts, idx = rng.GetIndexed(1000)
	require.Equal(t, 0, idx)
	require.Equal(t, 100, opts.KeywordLength)

	require.Equal(t, 100, rng.Get(1999).KeywordLength)
	require.Equal(t, 200, rng.Get(2000).KeywordLength)
	require.Equal(t, 200, rng.Get(9999).KeywordLength)
	require.Equal(t, 200, rng.Latest().KeywordLength)
}

func TestParsingOptionsRangeEmpty(t *testing.T) {
	rng := NewParsingOptionsRange(nil)
	opts, idx := rng.GetIndexed(12345)
	require.Equal(t, -1, idx)
	require.Equal(t, DefaultParsingOptions(), opts)
	require.Equal(t, DefaultParsingOptions(), rng.Latest())
}
