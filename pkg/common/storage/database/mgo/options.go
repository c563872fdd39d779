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

func NewOptions(coll *mongo.Collection) (database.Options, error) {
	o := &OptionsMgo{coll: coll}
	if err := o.initIndex(context.Background()); err != nil {
		return nil, errs.WrapMsg(err, "init options index failed", "coll", coll.Name())
	}
	return o, nil
}

// OptionsMgo 配置历史集合访问
//
// 每条修订一个文档，version为nil表示未提交。配置与数据共用同一个
// 提交版本号，历史修订决定同步时每个版本区间使用的解析配置。
type OptionsMgo struct {
	coll *mongo.Collection
}

func (o *OptionsMgo) initIndex(ctx context.Context) error {
	_, err := o.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "database", Value: 1}, {Key: "version", Value: 1}},
	})
	return err
}

func (o *OptionsMgo) Stage(ctx context.Context, db string, opts model.ParsingOptions) error {
	_, err := o.coll.UpdateOne(ctx,
		bson.M{"database": db, "version": nil},
		bson.M{"$set": bson.M{"options": opts}},
		options.Update().SetUpsert(true),
	)
	return errs.WrapMsg(err, "stage options failed", "database", db)
}

func (o *OptionsMgo) Rollback(ctx context.Context, db string) (int64, error) {
	result, err := o.coll.DeleteMany(ctx, bson.M{"database": db, "version": nil})
	if err != nil {
		return 0, errs.WrapMsg(err, "rollback options failed", "database", db)
	}
	return result.DeletedCount, nil
}

func (o *OptionsMgo) HasUncommitted(ctx context.Context, db string) (bool, error) {
	count, err := mongoutil.Count(ctx, o.coll, bson.M{"database": db, "version": nil}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (o *OptionsMgo) Commit(ctx context.Context, db string, version int64) (bool, error) {
	result, err := o.coll.UpdateMany(ctx,
		bson.M{"database": db, "version": nil},
		bson.M{"$set": bson.M{"version": version}},
	)
	if err != nil {
		return false, errs.WrapMsg(err, "commit options failed", "database", db, "version", version)
	}
	return result.ModifiedCount > 0, nil
}

func (o *OptionsMgo) GetCommitted(ctx context.Context, db string) ([]*model.OptionsRevision, error) {
	return mongoutil.Find[*model.OptionsRevision](ctx, o.coll,
		bson.M{"database": db, "version": bson.M{"$ne": nil}},
		options.Find().SetSort(bson.M{"version": 1}),
	)
}

func (o *OptionsMgo) GetLatest(ctx context.Context, db string) (*model.OptionsRevision, error) {
	revision, err := mongoutil.FindOne[*model.OptionsRevision](ctx, o.coll,
		bson.M{"database": db, "version": bson.M{"$ne": nil}},
		options.FindOne().SetSort(bson.M{"version": -1}),
	)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return revision, nil
}
