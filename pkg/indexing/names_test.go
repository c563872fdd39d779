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
)

func TestIndexNames(t *testing.T) {
	names := NewIndexNames("specimens")
	require.Equal(t, "data-specimens-latest", names.Latest())
	require.Equal(t, "data-specimens-arc-000", names.Arc(0))
	require.Equal(t, "data-specimens-arc-004", names.Arc(4))
	require.Equal(t, "data-specimens-*", names.Wildcard())
	require.Equal(t, "data-specimens", names.Template())

	all := names.All()
	require.Len(t, all, ArcCount+1)
	require.Equal(t, names.Latest(), all[0])
	require.Equal(t, names.Arcs(), all[1:])
}

func TestArcForIsStable(t *testing.T) {
	names := NewIndexNames("db")
	// 'r'=114, '1'=49, 163%5=3
	require.Equal(t, "data-db-arc-003", names.ArcFor("r1"))
	// 同一记录永远落在同一分片
	for i := 0; i < 10; i++ {
		require.Equal(t, names.ArcFor("some-record"), names.ArcFor("some-record"))
	}
}
