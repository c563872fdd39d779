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

// Package locking 基于文档存储实现跨进程互斥锁
//
// **锁协议：**
//
// 锁是sg-locks集合中的一个文档，_id为"{数据库}:{用途}"。获取锁即
// 原子插入该文档；_id冲突时读取现有锁，超过TTL未续约的锁通过对
// owner_token做CAS替换强行接管，否则带抖动地等待重试直到截止时间。
//
// 持有期间后台协程按固定间隔续约acquired_at；释放是按owner_token
// 的条件删除，自己的锁被他人接管后释放不会误删新锁。
package locking

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/splitgill/splitgill/pkg/common/sgerrs"
)

// 锁用途
const (
	PurposeCommit = "commit"
	PurposeSync   = "sync"
)

// 重试等待的基准与抖动幅度
const (
	retryBase   = 200 * time.Millisecond
	retryJitter = 300 * time.Millisecond
)

type lockDoc struct {
	ID         string    `bson:"_id"`
	OwnerToken string    `bson:"owner_token"`
	AcquiredAt time.Time `bson:"acquired_at"`
	Host       string    `bson:"host"`
	Purpose    string    `bson:"purpose"`
}

// LockManager 管理某个锁集合上的全部锁
type LockManager struct {
	coll            *mongo.Collection
	ttl             time.Duration
	refreshInterval time.Duration
}

func NewLockManager(coll *mongo.Collection, ttl, refreshInterval time.Duration) *LockManager {
	return &LockManager{coll: coll, ttl: ttl, refreshInterval: refreshInterval}
}

// Lock 一把已持有的锁，Release前续约协程保持运行
type Lock struct {
	manager *LockManager
	id      string
	token   string
	stop    chan struct{}
	done    chan struct{}
}

// ID 锁标识："{数据库}:{用途}"
func (l *Lock) ID() string {
	return l.id
}

// Acquire 在截止时间内获取数据库级锁
//
// 超时返回ErrLockTimeout。调用方负责把超时映射为各自的领域错误
// （提交路径CommitConflict，同步路径SyncBusy）。
func (m *LockManager) Acquire(ctx context.Context, database, purpose string, timeout time.Duration) (*Lock, error) {
	id := database + ":" + purpose
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	host, _ := os.Hostname()

	for {
		doc := lockDoc{
			ID:         id,
			OwnerToken: token,
			AcquiredAt: time.Now().UTC(),
			Host:       host,
			Purpose:    purpose,
		}
		_, err := m.coll.InsertOne(ctx, doc)
		if err == nil {
			log.ZDebug(ctx, "lock acquired", "lockID", id, "token", token)
			return m.held(id, token), nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, errs.WrapMsg(err, "insert lock failed", "lockID", id)
		}

		stolen, err := m.tryStealExpired(ctx, id, doc)
		if err != nil {
			return nil, err
		}
		if stolen {
			log.ZWarn(ctx, "stole expired lock", nil, "lockID", id, "token", token)
			return m.held(id, token), nil
		}

		wait := retryBase + time.Duration(rand.Int63n(int64(retryJitter)))
		if time.Now().Add(wait).After(deadline) {
			return nil, sgerrs.ErrLockTimeout.WrapMsg("lock acquire deadline exceeded", "lockID", id, "timeout", timeout.String())
		}
		select {
		case <-ctx.Done():
			return nil, errs.WrapMsg(ctx.Err(), "lock acquire cancelled", "lockID", id)
		case <-time.After(wait):
		}
	}
}

// tryStealExpired 接管一把超过TTL未续约的锁
func (m *LockManager) tryStealExpired(ctx context.Context, id string, replacement lockDoc) (bool, error) {
	var existing lockDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&existing)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			// 持有者刚刚释放，下一轮插入会成功
			return false, nil
		}
		return false, errs.WrapMsg(err, "read existing lock failed", "lockID", id)
	}
	if time.Since(existing.AcquiredAt) <= m.ttl {
		return false, nil
	}
	// CAS：只替换还属于原持有者的过期锁
	result, err := m.coll.ReplaceOne(ctx,
		bson.M{"_id": id, "owner_token": existing.OwnerToken},
		replacement,
	)
	if err != nil {
		return false, errs.WrapMsg(err, "steal lock failed", "lockID", id)
	}
	return result.ModifiedCount > 0, nil
}

func (m *LockManager) held(id, token string) *Lock {
	l := &Lock{
		manager: m,
		id:      id,
		token:   token,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.refreshLoop()
	return l
}

// refreshLoop 持有期间周期性续约acquired_at
func (l *Lock) refreshLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.manager.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.manager.refreshInterval)
			_, err := l.manager.coll.UpdateOne(ctx,
				bson.M{"_id": l.id, "owner_token": l.token},
				bson.M{"$set": bson.M{"acquired_at": time.Now().UTC()}},
			)
			cancel()
			if err != nil {
				log.ZWarn(context.Background(), "lock refresh failed", err, "lockID", l.id)
			}
		}
	}
}

// Release 停止续约并删除自己的锁
func (l *Lock) Release(ctx context.Context) error {
	close(l.stop)
	<-l.done
	_, err := l.manager.coll.DeleteOne(ctx, bson.M{"_id": l.id, "owner_token": l.token})
	if err != nil {
		return errs.WrapMsg(err, "release lock failed", "lockID", l.id)
	}
	log.ZDebug(ctx, "lock released", "lockID", l.id)
	return nil
}

// IsLocked 锁当前是否被任何进程持有（忽略过期锁）
func (m *LockManager) IsLocked(ctx context.Context, database, purpose string) (bool, error) {
	var existing lockDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": database + ":" + purpose}).Decode(&existing)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return false, nil
		}
		return false, errs.WrapMsg(err, "read lock failed")
	}
	return time.Since(existing.AcquiredAt) <= m.ttl, nil
}
