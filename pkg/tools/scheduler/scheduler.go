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

// Package scheduler 按cron表达式定时同步已注册的数据库
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"github.com/robfig/cron/v3"

	"github.com/splitgill/splitgill/pkg/common/sgerrs"
	"github.com/splitgill/splitgill/pkg/common/storage/controller"
	"github.com/splitgill/splitgill/pkg/common/storage/model"
)

// SyncTarget 可被调度的同步目标
type SyncTarget interface {
	Name() string
	Sync(ctx context.Context, opts controller.SyncOptions) (*model.SyncResult, error)
}

// Scheduler 自动同步调度器
//
// 每次触发串行同步全部注册目标。别的进程正在同步时跳过本轮，
// 下一轮从检查点续上，不会丢数据。
type Scheduler struct {
	cronSpec string
	cron     *cron.Cron

	mu      sync.Mutex
	targets []SyncTarget
}

func NewScheduler(cronSpec string) *Scheduler {
	return &Scheduler{
		cronSpec: cronSpec,
		cron:     cron.New(),
	}
}

// Register 注册一个同步目标，Start之后也可以继续注册
func (s *Scheduler) Register(target SyncTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
}

// Start 启动调度
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cronSpec, func() {
		s.runAll(ctx)
	})
	if err != nil {
		return errs.WrapMsg(err, "invalid cron spec", "cronSpec", s.cronSpec)
	}
	s.cron.Start()
	log.ZInfo(ctx, "auto sync scheduler started", "cronSpec", s.cronSpec)
	return nil
}

// Stop 停止调度并等待进行中的任务结束
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runAll(ctx context.Context) {
	s.mu.Lock()
	targets := make([]SyncTarget, len(s.targets))
	copy(targets, s.targets)
	s.mu.Unlock()
	for _, target := range targets {
		result, err := target.Sync(ctx, controller.SyncOptions{Parallel: true})
		if err != nil {
			if errors.Is(err, sgerrs.ErrSyncBusy) {
				log.ZWarn(ctx, "scheduled sync skipped, already running", nil, "database", target.Name())
				continue
			}
			log.ZError(ctx, "scheduled sync failed", err, "database", target.Name())
			continue
		}
		log.ZDebug(ctx, "scheduled sync finished", "database", target.Name(),
			"indexed", result.Indexed, "deleted", result.Deleted)
	}
}
