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

// Package elastic 搜索引擎访问层
//
// 对go-elasticsearch做一层薄封装：索引模板、索引创建、同步期间的
// 参数调整、NDJSON批量写入、查询与聚合。所有网络与5xx错误包装为
// SearchUnavailable，mapping冲突包装为MappingConflict。
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/splitgill/splitgill/pkg/common/sgerrs"
)

type Client struct {
	es *elasticsearch.Client
}

func NewClient(cfg elasticsearch.Config) (*Client, error) {
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "build elasticsearch client failed")
	}
	return &Client{es: es}, nil
}

// Ping 连通性检查
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return sgerrs.ErrSearchUnavailable.WrapMsg("ping failed", "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return responseError(resp, "ping failed")
	}
	return nil
}

// PutIndexTemplate 创建或更新索引模板
func (c *Client) PutIndexTemplate(ctx context.Context, name string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.WrapMsg(err, "marshal index template failed", "template", name)
	}
	resp, err := c.es.Indices.PutIndexTemplate(name, bytes.NewReader(payload),
		c.es.Indices.PutIndexTemplate.WithContext(ctx))
	if err != nil {
		return sgerrs.ErrSearchUnavailable.WrapMsg("put index template failed", "template", name, "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return responseError(resp, "put index template failed", "template", name)
	}
	log.ZDebug(ctx, "index template updated", "template", name)
	return nil
}

// EnsureIndex 创建索引，已存在时静默返回
func (c *Client) EnsureIndex(ctx context.Context, name string) error {
	resp, err := c.es.Indices.Create(name, c.es.Indices.Create.WithContext(ctx))
	if err != nil {
		return sgerrs.ErrSearchUnavailable.WrapMsg("create index failed", "index", name, "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		body := readBody(resp)
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(body, "resource_already_exists_exception") {
			return nil
		}
		return responseErrorBody(resp.StatusCode, body, "create index failed", "index", name)
	}
	log.ZInfo(ctx, "index created", "index", name)
	return nil
}

// PutSettings 更新若干索引的动态参数
func (c *Client) PutSettings(ctx context.Context, settings map[string]any, indices ...string) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return errs.WrapMsg(err, "marshal index settings failed")
	}
	resp, err := c.es.Indices.PutSettings(bytes.NewReader(payload),
		c.es.Indices.PutSettings.WithContext(ctx),
		c.es.Indices.PutSettings.WithIndex(indices...))
	if err != nil {
		return sgerrs.ErrSearchUnavailable.WrapMsg("put settings failed", "indices", indices, "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return responseError(resp, "put settings failed", "indices", indices)
	}
	return nil
}

// Refresh 显式刷新若干索引
func (c *Client) Refresh(ctx context.Context, indices ...string) error {
	resp, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithContext(ctx),
		c.es.Indices.Refresh.WithIndex(indices...))
	if err != nil {
		return sgerrs.ErrSearchUnavailable.WrapMsg("refresh failed", "indices", indices, "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return responseError(resp, "refresh failed", "indices", indices)
	}
	return nil
}

// BulkResult 批量请求的逐条结果
type BulkResult struct {
	Took     int
	HasError bool
	Items    []BulkItemResult
}

// BulkItemResult 批量请求中单条操作的结果
type BulkItemResult struct {
	Action string
	DocID  string
	Status int
	Result string
	// Reason 失败时的错误类型，成功为空
	Reason string
}

// Failed 操作是否失败，删除不存在的文档不算失败
func (r *BulkItemResult) Failed() bool {
	if r.Status >= 200 && r.Status < 300 {
		return false
	}
	return !(r.Action == "delete" && r.Status == http.StatusNotFound)
}

// Transient 失败是否值得重试
func (r *BulkItemResult) Transient() bool {
	return r.Status == http.StatusTooManyRequests || r.Status == http.StatusServiceUnavailable
}

type bulkResponse struct {
	Took   int                                  `json:"took"`
	Errors bool                                 `json:"errors"`
	Items  []map[string]bulkResponseItemDetail  `json:"items"`
}

type bulkResponseItemDetail struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Result string `json:"result"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// Bulk 提交一段NDJSON批量请求体
//
// 网络错误与整体5xx/429包装为SearchUnavailable供调用方退避重试；
// 逐条结果原样返回，单条失败的分类由调用方决定。
func (c *Client) Bulk(ctx context.Context, body []byte) (*BulkResult, error) {
	resp, err := c.es.Bulk(bytes.NewReader(body), c.es.Bulk.WithContext(ctx))
	if err != nil {
		return nil, sgerrs.ErrSearchUnavailable.WrapMsg("bulk request failed", "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, responseError(resp, "bulk request failed")
	}
	var decoded bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errs.WrapMsg(err, "decode bulk response failed")
	}
	result := &BulkResult{Took: decoded.Took, HasError: decoded.Errors, Items: make([]BulkItemResult, 0, len(decoded.Items))}
	for _, item := range decoded.Items {
		for action, detail := range item {
			out := BulkItemResult{
				Action: action,
				DocID:  detail.ID,
				Status: detail.Status,
				Result: detail.Result,
			}
			if detail.Error != nil {
				out.Reason = detail.Error.Type
			}
			result.Items = append(result.Items, out)
		}
	}
	return result, nil
}

// DeleteByQuery 按查询删除，返回删除条数
func (c *Client) DeleteByQuery(ctx context.Context, query map[string]any, indices ...string) (int64, error) {
	payload, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return 0, errs.WrapMsg(err, "marshal delete query failed")
	}
	resp, err := c.es.DeleteByQuery(indices, bytes.NewReader(payload),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithIgnoreUnavailable(true))
	if err != nil {
		return 0, sgerrs.ErrSearchUnavailable.WrapMsg("delete by query failed", "indices", indices, "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return 0, responseError(resp, "delete by query failed", "indices", indices)
	}
	var decoded struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, errs.WrapMsg(err, "decode delete by query response failed")
	}
	return decoded.Deleted, nil
}

// SearchHit 一条命中
type SearchHit struct {
	ID     string         `json:"_id"`
	Index  string         `json:"_index"`
	Source map[string]any `json:"_source"`
}

// SearchResult 查询结果，聚合部分留给调用方解码
type SearchResult struct {
	Total        int64
	Hits         []SearchHit
	Aggregations json.RawMessage
}

// Search 执行一次查询
func (c *Client) Search(ctx context.Context, body map[string]any, indices ...string) (*SearchResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal search body failed")
	}
	resp, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(indices...),
		c.es.Search.WithBody(bytes.NewReader(payload)),
		c.es.Search.WithIgnoreUnavailable(true))
	if err != nil {
		return nil, sgerrs.ErrSearchUnavailable.WrapMsg("search failed", "indices", indices, "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, responseError(resp, "search failed", "indices", indices)
	}
	var decoded struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []SearchHit `json:"hits"`
		} `json:"hits"`
		Aggregations json.RawMessage `json:"aggregations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errs.WrapMsg(err, "decode search response failed")
	}
	return &SearchResult{
		Total:        decoded.Hits.Total.Value,
		Hits:         decoded.Hits.Hits,
		Aggregations: decoded.Aggregations,
	}, nil
}

// Count 按查询统计文档数
func (c *Client) Count(ctx context.Context, query map[string]any, indices ...string) (int64, error) {
	var opts []func(*esapi.CountRequest)
	opts = append(opts,
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(indices...),
		c.es.Count.WithIgnoreUnavailable(true))
	if query != nil {
		payload, err := json.Marshal(map[string]any{"query": query})
		if err != nil {
			return 0, errs.WrapMsg(err, "marshal count query failed")
		}
		opts = append(opts, c.es.Count.WithBody(bytes.NewReader(payload)))
	}
	resp, err := c.es.Count(opts...)
	if err != nil {
		return 0, sgerrs.ErrSearchUnavailable.WrapMsg("count failed", "indices", indices, "err", err.Error())
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return 0, responseError(resp, "count failed", "indices", indices)
	}
	var decoded struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, errs.WrapMsg(err, "decode count response failed")
	}
	return decoded.Count, nil
}

// responseError 把非2xx响应按状态分类包装
func responseError(resp *esapi.Response, msg string, kv ...any) error {
	return responseErrorBody(resp.StatusCode, readBody(resp), msg, kv...)
}

func responseErrorBody(status int, body, msg string, kv ...any) error {
	kv = append(kv, "status", status, "body", body)
	if status == http.StatusBadRequest && strings.Contains(body, "mapper") {
		return sgerrs.ErrMappingConflict.WrapMsg(msg, kv...)
	}
	return sgerrs.ErrSearchUnavailable.WrapMsg(msg, kv...)
}

const snippetLimit = 512

// readBody 读取响应体前若干字节用于错误信息
func readBody(resp *esapi.Response) string {
	if resp.Body == nil {
		return ""
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	return string(raw)
}
