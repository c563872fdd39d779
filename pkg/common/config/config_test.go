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

package config

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateLockIntervals(t *testing.T) {
	cfg := Default()
	cfg.Lock.RefreshInterval = cfg.Lock.TTL
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Lock.RefreshInterval = cfg.Lock.TTL - time.Second
	require.NoError(t, cfg.Validate())
}

func TestValidateKafkaNeedsAddress(t *testing.T) {
	cfg := Default()
	cfg.Kafka.Enable = true
	require.Error(t, cfg.Validate())

	cfg.Kafka.Address = []string{"localhost:9092"}
	require.NoError(t, cfg.Validate())
}

func TestValidateElasticAddress(t *testing.T) {
	cfg := Default()
	cfg.Elastic.Address = nil
	require.Error(t, cfg.Validate())
}

func TestElasticBuild(t *testing.T) {
	cfg := Default()
	built := cfg.Elastic.Build()
	require.Equal(t, cfg.Elastic.Address, built.Addresses)
	require.Equal(t, []int{429, 502, 503}, built.RetryOnStatus)
}

func TestKafkaBuildAcks(t *testing.T) {
	k := Kafka{ProducerAck: "leader"}
	require.Equal(t, sarama.WaitForLocal, k.Build().Producer.RequiredAcks)
	k = Kafka{ProducerAck: "no"}
	require.Equal(t, sarama.NoResponse, k.Build().Producer.RequiredAcks)
	k = Kafka{}
	require.Equal(t, sarama.WaitForAll, k.Build().Producer.RequiredAcks)
}
