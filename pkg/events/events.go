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

// Package events 提交与同步完成后的事件通知
//
// 配置了Kafka时通过sarama同步生产者发布JSON事件，未配置时退化为
// 空实现。事件发布失败只记日志，不影响提交与同步本身的结果。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
)

// 事件类型
const (
	TypeCommit = "commit"
	TypeSync   = "sync"
)

// CommitEvent 一次成功提交
type CommitEvent struct {
	Type     string `json:"type"`
	Database string `json:"database"`
	Version  int64  `json:"version"`
	At       int64  `json:"at"`
}

// SyncEvent 一次成功同步
type SyncEvent struct {
	Type      string `json:"type"`
	Database  string `json:"database"`
	Since     int64  `json:"since"`
	Until     int64  `json:"until"`
	Indexed   int64  `json:"indexed"`
	Deleted   int64  `json:"deleted"`
	ElapsedMs int64  `json:"elapsed_ms"`
	At        int64  `json:"at"`
}

// Notifier 事件发布接口
type Notifier interface {
	NotifyCommit(ctx context.Context, event CommitEvent)
	NotifySync(ctx context.Context, event SyncEvent)
	Close() error
}

// NopNotifier 未配置通知时的空实现
type NopNotifier struct{}

func (NopNotifier) NotifyCommit(context.Context, CommitEvent) {}

func (NopNotifier) NotifySync(context.Context, SyncEvent) {}

func (NopNotifier) Close() error { return nil }

// KafkaNotifier 通过Kafka发布事件
//
// 以数据库名作为消息键，同一数据库的事件有序。
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaNotifier(addrs []string, topic string, cfg *sarama.Config) (*KafkaNotifier, error) {
	producer, err := sarama.NewSyncProducer(addrs, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "build kafka producer failed", "addrs", addrs)
	}
	return &KafkaNotifier{producer: producer, topic: topic}, nil
}

func (n *KafkaNotifier) NotifyCommit(ctx context.Context, event CommitEvent) {
	event.Type = TypeCommit
	if event.At == 0 {
		event.At = time.Now().UnixMilli()
	}
	n.publish(ctx, event.Database, event)
}

func (n *KafkaNotifier) NotifySync(ctx context.Context, event SyncEvent) {
	event.Type = TypeSync
	if event.At == 0 {
		event.At = time.Now().UnixMilli()
	}
	n.publish(ctx, event.Database, event)
}

func (n *KafkaNotifier) publish(ctx context.Context, key string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.ZError(ctx, "marshal event failed", err, "key", key)
		return
	}
	_, _, err = n.producer.SendMessage(&sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		log.ZWarn(ctx, "publish event failed", err, "topic", n.topic, "key", key)
		return
	}
	log.ZDebug(ctx, "event published", "topic", n.topic, "key", key)
}

func (n *KafkaNotifier) Close() error {
	return errs.Wrap(n.producer.Close())
}
