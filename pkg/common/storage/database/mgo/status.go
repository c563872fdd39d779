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

func NewStatus(coll *mongo.Collection) (database.Status, error) {
	return &StatusMgo{coll: coll}, nil
}

// StatusMgo 数据库状态文档访问，每个数据库一条，_id即数据库名
//
// committed_version只在提交锁内更新，last_indexed_version只在
// 同步锁内更新，两者互不竞争。
type StatusMgo struct {
	coll *mongo.Collection
}

func (s *StatusMgo) Get(ctx context.Context, db string) (*model.Status, error) {
	status, err := mongoutil.FindOne[*model.Status](ctx, s.coll, bson.M{"_id": db})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &model.Status{ID: db}, nil
		}
		return nil, err
	}
	return status, nil
}

func (s *StatusMgo) SetCommitted(ctx context.Context, db string, version int64, opts *model.ParsingOptions) error {
	set := bson.M{"committed_version": version}
	if opts != nil {
		set["options_version"] = version
		set["parsing_options"] = opts
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": db}, bson.M{"$set": set}, options.Update().SetUpsert(true))
	return errs.WrapMsg(err, "set committed version failed", "database", db, "version", version)
}

func (s *StatusMgo) SetLastIndexed(ctx context.Context, db string, version int64) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": db},
		bson.M{"$set": bson.M{"last_indexed_version": version}}, options.Update().SetUpsert(true))
	return errs.WrapMsg(err, "set last indexed version failed", "database", db, "version", version)
}

func (s *StatusMgo) ClearLastIndexed(ctx context.Context, db string) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": db},
		bson.M{"$set": bson.M{"last_indexed_version": int64(0)}})
	return errs.WrapMsg(err, "clear last indexed version failed", "database", db)
}
