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

// Package batcher 泛型聚合分片工作池
//
// 调度协程把投入的数据按Key聚合，攒够size条或到达interval后按
// Sharding分发给固定的worker协程。相同Key的数据总是落在同一个
// worker上并保持投入顺序，同步引擎靠这一点保证单条记录的批量
// 操作按版本升序提交。
package batcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/utils/idutil"
)

var (
	DefaultDataChanSize = 1000
	DefaultSize         = 100
	DefaultBuffer       = 100
	DefaultWorker       = 5
	DefaultInterval     = time.Second
)

type Config struct {
	size       int           // 聚合到多少条触发一次分发
	buffer     int           // 每个worker通道的缓冲
	dataBuffer int           // 主数据通道的缓冲
	worker     int           // worker协程数
	interval   time.Duration // 未攒够size时的定时分发间隔
	syncWait   bool          // 分发后是否等待本轮全部处理完
}

type Option func(c *Config)

func WithSize(s int) Option {
	return func(c *Config) {
		c.size = s
	}
}

func WithBuffer(b int) Option {
	return func(c *Config) {
		c.buffer = b
	}
}

func WithWorker(w int) Option {
	return func(c *Config) {
		c.worker = w
	}
}

func WithInterval(i time.Duration) Option {
	return func(c *Config) {
		c.interval = i
	}
}

func WithSyncWait(wait bool) Option {
	return func(c *Config) {
		c.syncWait = wait
	}
}

func WithDataBuffer(size int) Option {
	return func(c *Config) {
		c.dataBuffer = size
	}
}

// Batcher 泛型批处理器
//
// Do/Sharding/Key三个函数必须在Start前设置。
type Batcher[T any] struct {
	config *Config

	globalCtx context.Context
	cancel    context.CancelFunc

	Do       func(ctx context.Context, channelID int, val *Msg[T])
	Sharding func(key string) int
	Key      func(data *T) string

	OnComplete func(lastMessage *T, totalCount int)
	HookFunc   func(triggerID string, messages map[string][]*T, totalCount int, lastMessage *T)

	data     chan *T
	chArrays []chan *Msg[T]
	wait     sync.WaitGroup
	counter  sync.WaitGroup
}

func emptyOnComplete[T any](*T, int) {}

func emptyHookFunc[T any](string, map[string][]*T, int, *T) {
}

func New[T any](opts ...Option) *Batcher[T] {
	b := &Batcher[T]{
		OnComplete: emptyOnComplete[T],
		HookFunc:   emptyHookFunc[T],
	}
	config := &Config{
		size:       DefaultSize,
		buffer:     DefaultBuffer,
		dataBuffer: DefaultDataChanSize,
		worker:     DefaultWorker,
		interval:   DefaultInterval,
	}
	for _, opt := range opts {
		opt(config)
	}
	b.config = config
	b.data = make(chan *T, config.dataBuffer)
	b.globalCtx, b.cancel = context.WithCancel(context.Background())
	b.chArrays = make([]chan *Msg[T], config.worker)
	for i := 0; i < config.worker; i++ {
		b.chArrays[i] = make(chan *Msg[T], config.buffer)
	}
	return b
}

// Worker 工作协程数量
func (b *Batcher[T]) Worker() int {
	return b.config.worker
}

// Start 启动worker与调度协程
func (b *Batcher[T]) Start() error {
	if b.Sharding == nil {
		return errs.New("Sharding function is required").Wrap()
	}
	if b.Do == nil {
		return errs.New("Do function is required").Wrap()
	}
	if b.Key == nil {
		return errs.New("Key function is required").Wrap()
	}
	b.wait.Add(b.config.worker)
	for i := 0; i < b.config.worker; i++ {
		go b.run(i, b.chArrays[i])
	}
	b.wait.Add(1)
	go b.scheduler()
	return nil
}

// Put 投入一条数据，批处理器关闭或上下文取消时返回错误
func (b *Batcher[T]) Put(ctx context.Context, data *T) error {
	if data == nil {
		return errs.New("data can not be nil").Wrap()
	}
	select {
	case <-b.globalCtx.Done():
		return errs.New("data channel is closed").Wrap()
	case <-ctx.Done():
		return ctx.Err()
	case b.data <- data:
		return nil
	}
}

func (b *Batcher[T]) scheduler() {
	ticker := time.NewTicker(b.config.interval)
	defer func() {
		ticker.Stop()
		for _, ch := range b.chArrays {
			close(ch)
		}
		close(b.data)
		b.wait.Done()
	}()

	vals := make(map[string][]*T)
	count := 0
	var lastAny *T

	for {
		select {
		case data, ok := <-b.data:
			if !ok {
				return
			}
			if data == nil {
				// nil是Close发出的关闭信号，冲掉剩余数据后退出
				if count > 0 {
					b.distributeMessage(vals, count, lastAny)
				}
				return
			}
			key := b.Key(data)
			vals[key] = append(vals[key], data)
			lastAny = data
			count++
			if count >= b.config.size {
				b.distributeMessage(vals, count, lastAny)
				vals = make(map[string][]*T)
				count = 0
			}
		case <-ticker.C:
			if count > 0 {
				b.distributeMessage(vals, count, lastAny)
				vals = make(map[string][]*T)
				count = 0
			}
		}
	}
}

// Msg 同一Key下聚合出的一组数据
type Msg[T any] struct {
	key       string
	triggerID string
	val       []*T
}

func (m Msg[T]) Key() string {
	return m.key
}

func (m Msg[T]) TriggerID() string {
	return m.triggerID
}

func (m Msg[T]) Val() []*T {
	return m.val
}

func (m Msg[T]) String() string {
	var sb strings.Builder
	sb.WriteString("Key: ")
	sb.WriteString(m.key)
	sb.WriteString(", Values: [")
	for i, v := range m.val {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%v", *v))
	}
	sb.WriteString("]")
	return sb.String()
}

func (b *Batcher[T]) distributeMessage(messages map[string][]*T, totalCount int, lastMessage *T) {
	triggerID := idutil.OperationIDGenerator()
	b.HookFunc(triggerID, messages, totalCount, lastMessage)
	for key, data := range messages {
		if b.config.syncWait {
			b.counter.Add(1)
		}
		channelID := b.Sharding(key)
		b.chArrays[channelID] <- &Msg[T]{key: key, triggerID: triggerID, val: data}
	}
	if b.config.syncWait {
		b.counter.Wait()
	}
	b.OnComplete(lastMessage, totalCount)
}

func (b *Batcher[T]) run(channelID int, ch <-chan *Msg[T]) {
	defer b.wait.Done()
	for messages := range ch {
		b.Do(context.Background(), channelID, messages)
		if b.config.syncWait {
			b.counter.Done()
		}
	}
}

// Close 优雅关闭，等全部在途数据处理完
func (b *Batcher[T]) Close() {
	b.cancel()
	b.data <- nil
	b.wait.Wait()
}
