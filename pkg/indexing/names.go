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

import "fmt"

// ArcCount 历史索引分片数
//
// 修改会让既有数据库的历史文档落错分片，必须全量重建后才能变更。
const ArcCount = 5

const indexPrefix = "data-"

// IndexNames 一个数据库的搜索索引命名
//
// 每条记录的当前状态进latest索引，历史状态按记录ID的字节和落到
// 固定某个arc分片，保证重复同步幂等。
type IndexNames struct {
	database string
}

func NewIndexNames(database string) IndexNames {
	return IndexNames{database: database}
}

// Latest 当前状态索引名
func (n IndexNames) Latest() string {
	return indexPrefix + n.database + "-latest"
}

// Arc 第i个历史索引名
func (n IndexNames) Arc(i int) string {
	return fmt.Sprintf("%s%s-arc-%03d", indexPrefix, n.database, i)
}

// ArcFor 记录的历史状态所属的arc索引
func (n IndexNames) ArcFor(recordID string) string {
	var sum int
	for i := 0; i < len(recordID); i++ {
		sum += int(recordID[i])
	}
	return n.Arc(sum % ArcCount)
}

// Wildcard 匹配该数据库全部索引的通配名
func (n IndexNames) Wildcard() string {
	return indexPrefix + n.database + "-*"
}

// Template 索引模板名
func (n IndexNames) Template() string {
	return indexPrefix + n.database
}

// All 该数据库全部具体索引名，latest在前
func (n IndexNames) All() []string {
	names := make([]string, 0, ArcCount+1)
	names = append(names, n.Latest())
	for i := 0; i < ArcCount; i++ {
		names = append(names, n.Arc(i))
	}
	return names
}

// Arcs 全部arc索引名
func (n IndexNames) Arcs() []string {
	names := make([]string, 0, ArcCount)
	for i := 0; i < ArcCount; i++ {
		names = append(names, n.Arc(i))
	}
	return names
}
