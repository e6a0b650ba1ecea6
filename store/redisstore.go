// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCmdable abstracts the minimal surface RedisStore needs, so tests can
// supply a fake without a live Redis server. The Set signature matches
// *redis.Client's exactly (expiration as time.Duration) so a real client
// satisfies this interface with no adapter.
type RedisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore backs SortedStore with plain Redis string keys: the prefix
// followed by the u64 key rendered as a decimal string. Grounded on the teacher's RedisEvaler/
// GoRedisEvaler split: production code wires a real *redis.Client, tests
// wire a lightweight fake, both satisfying the same narrow interface.
type RedisStore struct {
	client RedisCmdable
	prefix string
}

// NewRedisStore wires a RedisStore against addr using a real go-redis
// client. prefix namespaces keys (e.g. "drum:") to avoid collisions with
// other data in the same Redis instance.
func NewRedisStore(addr, prefix string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr}), prefix: prefix}
}

// NewRedisStoreWithClient wires a RedisStore against an already-configured
// client, useful for tests or when the caller manages connection pooling
// itself.
func NewRedisStoreWithClient(client RedisCmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) redisKey(key uint64) string {
	return fmt.Sprintf("%s%d", r.prefix, key)
}

func (r *RedisStore) Get(ctx context.Context, key uint64) ([]byte, bool, error) {
	res, err := r.client.Get(ctx, r.redisKey(key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(res), true, nil
}

func (r *RedisStore) Put(ctx context.Context, key uint64, value []byte) error {
	return r.client.Set(ctx, r.redisKey(key), value, 0).Err()
}

func (r *RedisStore) Merge(ctx context.Context, keys []uint64, resolve Resolver) error {
	return defaultMerge(ctx, r, keys, resolve)
}

func (r *RedisStore) Close() error { return nil }
