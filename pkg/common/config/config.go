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

// Package config 定义数据版本库的配置结构
//
// 配置分为若干外部系统段（mongo、elastic、kafka）与行为段（sync、
// lock、scheduler、prometheus）。每个外部系统段提供一个Build方法，
// 产出对应客户端需要的配置对象。
//
// 配置通过LoadConfig从YAML文件加载，环境变量可按前缀覆盖任意字段。
package config

import (
	"time"

	"github.com/IBM/sarama"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/go-playground/validator/v10"
	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
)

// Config 库的完整配置
type Config struct {
	Mongo      Mongo      `mapstructure:"mongo"`
	Elastic    Elastic    `mapstructure:"elastic"`
	Sync       Sync       `mapstructure:"sync"`
	Lock       Lock       `mapstructure:"lock"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Scheduler  Scheduler  `mapstructure:"scheduler"`
	Prometheus Prometheus `mapstructure:"prometheus"`
}

// Mongo 文档存储配置
type Mongo struct {
	URI         string   `mapstructure:"uri"`
	Address     []string `mapstructure:"address"`
	Database    string   `mapstructure:"database" validate:"required"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	AuthSource  string   `mapstructure:"authSource"`
	MaxPoolSize int      `mapstructure:"maxPoolSize" validate:"gte=0"`
	MaxRetry    int      `mapstructure:"maxRetry" validate:"gte=0"`
}

// Elastic 搜索引擎配置
type Elastic struct {
	Address  []string `mapstructure:"address" validate:"min=1"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	// MaxRetry 客户端层面的请求重试次数（429/502/503自动重试）
	MaxRetry int `mapstructure:"maxRetry" validate:"gte=0"`
	// Compress 是否压缩请求体
	Compress bool `mapstructure:"compress"`
}

// Sync 同步引擎配置
type Sync struct {
	// BulkSize 单次bulk请求携带的操作数
	BulkSize int `mapstructure:"bulkSize" validate:"gt=0"`
	// Workers 并发工作协程数，1表示串行
	Workers int `mapstructure:"workers" validate:"gt=0"`
	// ParserCacheSize 每个工作协程的解析缓存容量
	ParserCacheSize int `mapstructure:"parserCacheSize" validate:"gt=0"`
	// MaxRetries 瞬时失败的bulk批次重试上限
	MaxRetries int `mapstructure:"maxRetries" validate:"gte=0"`
	// RetryBackoff 重试退避基准时长，按尝试次数指数放大
	RetryBackoff time.Duration `mapstructure:"retryBackoff"`
}

// Lock 分布式锁配置
type Lock struct {
	// TTL 超过该时长未续约的锁视为失主，可被抢占
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
	// AcquireTimeout 获取锁的等待上限
	AcquireTimeout time.Duration `mapstructure:"acquireTimeout" validate:"gt=0"`
	// RefreshInterval 持有期间的续约间隔，应显著小于TTL
	RefreshInterval time.Duration `mapstructure:"refreshInterval" validate:"gt=0"`
}

// Kafka 事件通知配置，Enable为false时事件静默丢弃
type Kafka struct {
	Enable       bool     `mapstructure:"enable"`
	Address      []string `mapstructure:"address"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	ProducerAck  string   `mapstructure:"producerAck"`
	CompressType string   `mapstructure:"compressType"`
	// EventTopic 提交与同步事件发布的主题
	EventTopic string `mapstructure:"eventTopic"`
}

// Scheduler 自动同步调度配置
type Scheduler struct {
	Enable bool `mapstructure:"enable"`
	// CronSpec robfig/cron格式的调度表达式
	CronSpec string `mapstructure:"cronSpec"`
}

// Prometheus 指标配置
type Prometheus struct {
	Enable bool `mapstructure:"enable"`
}

// Default 返回各段的默认值，加载配置文件前先以此为底
func Default() Config {
	return Config{
		Mongo: Mongo{
			Database:    "sg",
			MaxPoolSize: 100,
			MaxRetry:    3,
		},
		Elastic: Elastic{
			Address:  []string{"http://localhost:9200"},
			MaxRetry: 3,
		},
		Sync: Sync{
			BulkSize:        500,
			Workers:         4,
			ParserCacheSize: 100_000,
			MaxRetries:      5,
			RetryBackoff:    time.Second,
		},
		Lock: Lock{
			TTL:             time.Minute,
			AcquireTimeout:  30 * time.Second,
			RefreshInterval: 15 * time.Second,
		},
		Kafka: Kafka{
			ProducerAck: "all",
			EventTopic:  "sg-events",
		},
		Scheduler: Scheduler{
			CronSpec: "@every 5m",
		},
	}
}

// Validate 校验配置的结构约束
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errs.WrapMsg(err, "invalid config")
	}
	if c.Lock.RefreshInterval >= c.Lock.TTL {
		return errs.New("lock refreshInterval must be less than ttl",
			"refreshInterval", c.Lock.RefreshInterval.String(), "ttl", c.Lock.TTL.String()).Wrap()
	}
	if c.Kafka.Enable && len(c.Kafka.Address) == 0 {
		return errs.New("kafka enabled but no address configured").Wrap()
	}
	return nil
}

func (m *Mongo) Build() *mongoutil.Config {
	return &mongoutil.Config{
		Uri:         m.URI,
		Address:     m.Address,
		Database:    m.Database,
		Username:    m.Username,
		Password:    m.Password,
		AuthSource:  m.AuthSource,
		MaxPoolSize: m.MaxPoolSize,
		MaxRetry:    m.MaxRetry,
	}
}

func (e *Elastic) Build() elasticsearch.Config {
	return elasticsearch.Config{
		Addresses:           e.Address,
		Username:            e.Username,
		Password:            e.Password,
		MaxRetries:          e.MaxRetry,
		RetryOnStatus:       []int{429, 502, 503},
		CompressRequestBody: e.Compress,
	}
}

func (k *Kafka) Build() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	switch k.ProducerAck {
	case "no":
		cfg.Producer.RequiredAcks = sarama.NoResponse
	case "leader":
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		cfg.Producer.RequiredAcks = sarama.WaitForAll
	}
	switch k.CompressType {
	case "gzip":
		cfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}
	if k.Username != "" || k.Password != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = k.Username
		cfg.Net.SASL.Password = k.Password
	}
	return cfg
}
