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

package batcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func shardByFNV(workers int) func(key string) int {
	return func(key string) int {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		return int(h.Sum32()) % workers
	}
}

func TestBatcherProcessesEverything(t *testing.T) {
	const workers = 4
	const total = 5000

	var mu sync.Mutex
	processed := 0

	b := New[string](
		WithSize(100),
		WithWorker(workers),
		WithInterval(5*time.Millisecond),
		WithSyncWait(true),
	)
	b.Do = func(_ context.Context, _ int, msg *Msg[string]) {
		mu.Lock()
		processed += len(msg.Val())
		mu.Unlock()
	}
	b.Sharding = shardByFNV(workers)
	b.Key = func(data *string) string {
		return *data
	}
	require.NoError(t, b.Start())

	for i := 0; i < total; i++ {
		data := fmt.Sprintf("record%d", i%50)
		require.NoError(t, b.Put(context.Background(), &data))
	}
	b.Close()

	require.Equal(t, total, processed)
	require.Empty(t, b.data)
}

// 同一key的数据必须按投入顺序到达同一个worker，同步引擎靠这一点
// 保证单条记录的操作按版本升序提交
func TestBatcherKeyOrdering(t *testing.T) {
	const workers = 4
	const keys = 10
	const perKey = 200

	type item struct {
		key string
		seq int
	}

	var mu sync.Mutex
	seen := make(map[string][]int)
	workerOf := make(map[string]int)
	moved := 0

	b := New[item](
		WithSize(64),
		WithWorker(workers),
		WithInterval(time.Millisecond),
		WithSyncWait(true),
	)
	b.Do = func(_ context.Context, channelID int, msg *Msg[item]) {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range msg.Val() {
			seen[v.key] = append(seen[v.key], v.seq)
		}
		if prev, ok := workerOf[msg.Key()]; ok && prev != channelID {
			moved++
		}
		workerOf[msg.Key()] = channelID
	}
	b.Sharding = shardByFNV(workers)
	b.Key = func(data *item) string {
		return data.key
	}
	require.NoError(t, b.Start())

	for seq := 0; seq < perKey; seq++ {
		for k := 0; k < keys; k++ {
			v := item{key: fmt.Sprintf("r%d", k), seq: seq}
			require.NoError(t, b.Put(context.Background(), &v))
		}
	}
	b.Close()

	require.Zero(t, moved, "keys moved between workers")
	require.Len(t, seen, keys)
	for key, sequence := range seen {
		require.Len(t, sequence, perKey, "key %s lost items", key)
		for i := 1; i < len(sequence); i++ {
			require.Less(t, sequence[i-1], sequence[i], "key %s out of order", key)
		}
	}
}

func TestBatcherPutAfterClose(t *testing.T) {
	b := New[string](WithWorker(1))
	b.Do = func(context.Context, int, *Msg[string]) {}
	b.Sharding = func(string) int { return 0 }
	b.Key = func(data *string) string { return *data }
	require.NoError(t, b.Start())
	b.Close()

	data := "late"
	require.Error(t, b.Put(context.Background(), &data))
}

func TestBatcherRequiresCallbacks(t *testing.T) {
	b := New[string](WithWorker(1))
	require.Error(t, b.Start())
}
