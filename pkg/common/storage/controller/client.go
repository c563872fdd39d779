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

// Package controller 编排存储层与搜索层，对外提供数据库级操作
//
// SplitgillClient持有两端的连接与锁管理器，按名字派发
// SplitgillDatabase；后者实现摄入、提交、历史读取、同步与查询。
package controller

import (
	"context"
	"regexp"
	"sync"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/splitgill/splitgill/pkg/common/config"
	"github.com/splitgill/splitgill/pkg/common/sgerrs"
	"github.com/splitgill/splitgill/pkg/common/storage/database"
	"github.com/splitgill/splitgill/pkg/common/storage/database/mgo"
	"github.com/splitgill/splitgill/pkg/common/storage/elastic"
	"github.com/splitgill/splitgill/pkg/events"
	"github.com/splitgill/splitgill/pkg/indexing"
	"github.com/splitgill/splitgill/pkg/locking"
)

// 数据库名进入索引名与集合名，限制为小写字母数字加连字符
var databaseNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// SplitgillClient 两端连接的持有者
type SplitgillClient struct {
	cfg      *config.Config
	mongoDB  *mongo.Database
	search   *elastic.Client
	locks    *locking.LockManager
	status   database.Status
	options  database.Options
	notifier events.Notifier

	mu        sync.Mutex
	databases map[string]*SplitgillDatabase
}

// NewSplitgillClient 建立文档存储与搜索引擎连接
func NewSplitgillClient(ctx context.Context, cfg *config.Config) (*SplitgillClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgocli, err := mongoutil.NewMongoDB(ctx, cfg.Mongo.Build())
	if err != nil {
		return nil, sgerrs.ErrStoreUnavailable.WrapMsg("connect document store failed", "err", err.Error())
	}
	search, err := elastic.NewClient(cfg.Elastic.Build())
	if err != nil {
		return nil, err
	}
	db := mgocli.GetDB()
	statusDB, err := mgo.NewStatus(db.Collection(database.StatusCollection))
	if err != nil {
		return nil, err
	}
	optionsDB, err := mgo.NewOptions(db.Collection(database.OptionsCollection))
	if err != nil {
		return nil, err
	}
	var notifier events.Notifier = events.NopNotifier{}
	if cfg.Kafka.Enable {
		notifier, err = events.NewKafkaNotifier(cfg.Kafka.Address, cfg.Kafka.EventTopic, cfg.Kafka.Build())
		if err != nil {
			return nil, err
		}
	}
	log.ZInfo(ctx, "splitgill client ready", "mongoDatabase", cfg.Mongo.Database, "elastic", cfg.Elastic.Address)
	return &SplitgillClient{
		cfg:       cfg,
		mongoDB:   db,
		search:    search,
		locks:     locking.NewLockManager(db.Collection(database.LocksCollection), cfg.Lock.TTL, cfg.Lock.RefreshInterval),
		status:    statusDB,
		options:   optionsDB,
		notifier:  notifier,
		databases: make(map[string]*SplitgillDatabase),
	}, nil
}

// Database 按名字取得数据库句柄，实例按名字缓存
func (c *SplitgillClient) Database(ctx context.Context, name string) (*SplitgillDatabase, error) {
	if !databaseNamePattern.MatchString(name) {
		return nil, sgerrs.ErrValidation.WrapMsg("invalid database name", "name", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.databases[name]; ok {
		return db, nil
	}
	records, err := mgo.NewRecord(c.mongoDB.Collection(database.DataCollection(name)))
	if err != nil {
		return nil, err
	}
	db := &SplitgillDatabase{
		name:     name,
		cfg:      c.cfg,
		records:  records,
		status:   c.status,
		options:  c.options,
		search:   c.search,
		locks:    c.locks,
		notifier: c.notifier,
		names:    indexing.NewIndexNames(name),
	}
	c.databases[name] = db
	return db, nil
}

// Notifier 事件通知器，调度器等上层组件复用
func (c *SplitgillClient) Notifier() events.Notifier {
	return c.notifier
}

// Close 释放通知器等持有的资源，存储连接交给宿主管理
func (c *SplitgillClient) Close() error {
	return errs.Wrap(c.notifier.Close())
}
