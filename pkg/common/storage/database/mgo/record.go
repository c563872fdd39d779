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

// Package mgo 提供基于MongoDB的版本化记录存储实现
//
// **存储模型：**
//
// 每条记录一个文档：data持有最近一次提交的数据，diffs按旧版本号
// 存储反向补丁。摄入时把新数据与预计算的反向补丁暂存在next/next_diff
// 字段；提交分两个阶段执行：先为全部待提交记录预留版本号
// (next_version)，再用聚合管道更新把next折叠进data、把旧data的
// 反向补丁并入diffs。两个阶段都是幂等的批量更新，在提交锁保护下
// 串行执行，崩溃后重放安全。
//
// **同步遍历：**
//
// IterUpdated按记录ID升序流式返回版本落在(since, until]内的记录，
// 游标式遍历允许同步引擎处理任意规模的变更集。
package mgo

import (
	"context"
	"errors"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/splitgill/splitgill/pkg/common/storage/database"
	"github.com/splitgill/splitgill/pkg/common/storage/model"
)

func NewRecord(coll *mongo.Collection) (database.Record, error) {
	r := &RecordMgo{coll: coll}
	if err := r.initIndex(context.Background()); err != nil {
		return nil, errs.WrapMsg(err, "init record index failed", "coll", coll.Name())
	}
	return r, nil
}

type RecordMgo struct {
	coll *mongo.Collection
}

func (r *RecordMgo) initIndex(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.M{"id": 1},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.M{"version": -1},
		},
	})
	return err
}

func (r *RecordMgo) FindByID(ctx context.Context, id string) (*model.MongoRecord, error) {
	record, err := mongoutil.FindOne[*model.MongoRecord](ctx, r.coll, bson.M{"id": id})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	record.Normalize()
	return record, nil
}

func (r *RecordMgo) FindByIDs(ctx context.Context, ids []string) (map[string]*model.MongoRecord, error) {
	if len(ids) == 0 {
		return map[string]*model.MongoRecord{}, nil
	}
	records, err := mongoutil.Find[*model.MongoRecord](ctx, r.coll, bson.M{"id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.MongoRecord, len(records))
	for _, record := range records {
		record.Normalize()
		byID[record.ID] = record
	}
	return byID, nil
}

func (r *RecordMgo) BulkStage(ctx context.Context, stages []*model.StagedWrite) (int64, int64, error) {
	if len(stages) == 0 {
		return 0, 0, nil
	}
	writes := make([]mongo.WriteModel, 0, len(stages))
	for _, stage := range stages {
		if stage.Revert {
			// 撤销暂存：从未提交过的记录只是一个空壳，直接删除；
			// 已提交过的记录清掉next字段。两个过滤器互斥，恰有一个命中
			writes = append(writes,
				mongo.NewDeleteOneModel().
					SetFilter(bson.M{"id": stage.ID, "version": nil}),
				mongo.NewUpdateOneModel().
					SetFilter(bson.M{"id": stage.ID, "version": bson.M{"$ne": nil}}).
					SetUpdate(bson.M{"$unset": bson.M{"next": "", "next_diff": "", "next_version": ""}}),
			)
			continue
		}
		update := bson.M{
			"$set": bson.M{
				"next":      stage.Next,
				"next_diff": stage.NextDiff,
			},
			"$setOnInsert": bson.M{
				"id":      stage.ID,
				"version": nil,
				"data":    bson.M{},
			},
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"id": stage.ID}).
			SetUpdate(update).
			SetUpsert(true))
	}
	result, err := r.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, 0, errs.WrapMsg(err, "bulk stage failed", "count", len(stages))
	}
	return result.UpsertedCount, result.ModifiedCount, nil
}

func (r *RecordMgo) ReserveNextVersion(ctx context.Context, version int64) (int64, error) {
	result, err := r.coll.UpdateMany(ctx,
		bson.M{"next": bson.M{"$exists": true}},
		bson.M{"$set": bson.M{"next_version": version}},
	)
	if err != nil {
		return 0, errs.WrapMsg(err, "reserve next version failed", "version", version)
	}
	return result.MatchedCount, nil
}

// CommitNext 将全部待提交记录折叠到指定版本
//
// 聚合管道按文档自身状态决定补丁去向：已提交过的记录把next_diff
// 以旧版本号为键并入diffs，从未提交过的记录不产生补丁。
func (r *RecordMgo) CommitNext(ctx context.Context, version int64) (int64, error) {
	pipeline := []bson.M{
		{
			"$set": bson.M{
				"diffs": bson.M{
					"$cond": []any{
						bson.M{"$eq": []any{"$version", nil}},
						"$diffs",
						bson.M{
							"$mergeObjects": []any{
								bson.M{"$ifNull": []any{"$diffs", bson.M{}}},
								bson.M{
									"$arrayToObject": []any{
										[]any{bson.M{
											"k": bson.M{"$toString": "$version"},
											"v": bson.M{"$ifNull": []any{"$next_diff", []any{}}},
										}},
									},
								},
							},
						},
					},
				},
			},
		},
		{
			"$set": bson.M{
				"data":    "$next",
				"version": version,
			},
		},
		{
			"$unset": []any{"next", "next_diff", "next_version"},
		},
	}
	result, err := r.coll.UpdateMany(ctx, bson.M{"next": bson.M{"$exists": true}}, pipeline)
	if err != nil {
		return 0, errs.WrapMsg(err, "commit next failed", "version", version)
	}
	return result.ModifiedCount, nil
}

func (r *RecordMgo) RollbackNext(ctx context.Context) (int64, error) {
	result, err := r.coll.UpdateMany(ctx,
		bson.M{"next": bson.M{"$exists": true}},
		bson.M{"$unset": bson.M{"next": "", "next_diff": "", "next_version": ""}},
	)
	if err != nil {
		return 0, errs.WrapMsg(err, "rollback next failed")
	}
	return result.ModifiedCount, nil
}

func (r *RecordMgo) HasUncommitted(ctx context.Context) (bool, error) {
	count, err := mongoutil.Count(ctx, r.coll, bson.M{"next": bson.M{"$exists": true}}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RecordMgo) HasCommitted(ctx context.Context) (bool, error) {
	count, err := mongoutil.Count(ctx, r.coll, bson.M{"version": bson.M{"$ne": nil}}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RecordMgo) CountCommitted(ctx context.Context) (int64, error) {
	return mongoutil.Count(ctx, r.coll, bson.M{"version": bson.M{"$ne": nil}})
}

func (r *RecordMgo) IterUpdated(ctx context.Context, since, until int64, fn func(record *model.MongoRecord) error) error {
	filter := bson.M{"version": bson.M{"$gt": since, "$lte": until}}
	cursor, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.M{"id": 1}))
	if err != nil {
		return errs.WrapMsg(err, "iter updated records failed", "since", since, "until", until)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var record model.MongoRecord
		if err := cursor.Decode(&record); err != nil {
			return errs.WrapMsg(err, "decode record failed")
		}
		record.Normalize()
		if err := fn(&record); err != nil {
			return err
		}
	}
	return errs.Wrap(cursor.Err())
}
