// Copyright 2025 The Pulsegrid Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/murmur3"
	"go.uber.org/zap"
)

var (
	// ErrKVNotFound reports an absent key, member, or field.
	ErrKVNotFound = errors.New("kv: not found")
	// ErrKVTransient reports a retryable failure; callers retry at their
	// next natural trigger.
	ErrKVTransient = errors.New("kv: transient unavailable")
	// ErrKVFatal reports a non-retryable failure that escalates to the
	// process health surface.
	ErrKVFatal = errors.New("kv: fatal")
)

// RemoveResult is the outcome of a conditional remove. When not removed,
// Score carries the observed score if the member was present.
type RemoveResult struct {
	Removed  bool
	Score    float64
	HasScore bool
}

// MemberKey addresses one user's liveness score and state map for a batch read.
type MemberKey struct {
	SetKey   string
	Member   string
	StateKey string
}

// MemberSnapshot is the paired read result for one MemberKey.
type MemberSnapshot struct {
	Score    float64
	HasScore bool
	State    map[string]string
}

// KV exposes the scored-set and field-map primitives of the liveness store.
type KV interface {
	Upsert(ctx context.Context, key, member string, score float64) error
	RangeByScore(ctx context.Context, key string, upper float64, limit int64) ([]string, error)
	RemoveIfScoreBelow(ctx context.Context, key, member string, threshold float64) (RemoveResult, error)
	Score(ctx context.Context, key, member string) (float64, error)
	SetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	GetAll(ctx context.Context, key string) (map[string]string, error)
	GetField(ctx context.Context, key, field string) (string, error)
	MemberSnapshots(ctx context.Context, keys []MemberKey) ([]MemberSnapshot, error)
	Healthy(ctx context.Context) error
	Close() error
}

// removeIfScoreBelowScript is the single transactional unit behind offline
// confirmation. Racing the read and the remove on the client would let a
// concurrent heartbeat be erased.
//
// KEYS[1] = scored set key
// ARGV[1] = member
// ARGV[2] = threshold (epoch seconds)
// Returns {removed(0|1), observed score or ""}.
var removeIfScoreBelowScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score then
  return {0, ""}
end
if tonumber(score) < tonumber(ARGV[2]) then
  redis.call("ZREM", KEYS[1], ARGV[1])
  return {1, score}
end
return {0, score}
`)

var _ KV = (*RedisKV)(nil)

// RedisKV implements KV against a single Redis server.
type RedisKV struct {
	logger *zap.Logger
	client *redis.Client
}

func NewRedisKV(logger *zap.Logger, client *redis.Client) *RedisKV {
	return &RedisKV{
		logger: logger,
		client: client,
	}
}

func (r *RedisKV) Upsert(ctx context.Context, key, member string, score float64) error {
	err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	return classifyKVError(err)
}

func (r *RedisKV) RangeByScore(ctx context.Context, key string, upper float64, limit int64) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatFloat(upper, 'f', -1, 64),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, classifyKVError(err)
	}
	return members, nil
}

func (r *RedisKV) RemoveIfScoreBelow(ctx context.Context, key, member string, threshold float64) (RemoveResult, error) {
	raw, err := removeIfScoreBelowScript.Run(ctx, r.client, []string{key}, member, strconv.FormatFloat(threshold, 'f', -1, 64)).Result()
	if err != nil {
		return RemoveResult{}, classifyKVError(err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return RemoveResult{}, fmt.Errorf("%w: unexpected script reply %T", ErrKVFatal, raw)
	}

	removed, _ := reply[0].(int64)
	result := RemoveResult{Removed: removed == 1}
	if s, ok := reply[1].(string); ok && s != "" {
		score, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return RemoveResult{}, fmt.Errorf("%w: unparsable score %q", ErrKVFatal, s)
		}
		result.Score = score
		result.HasScore = true
	}
	return result, nil
}

func (r *RedisKV) Score(ctx context.Context, key, member string) (float64, error) {
	score, err := r.client.ZScore(ctx, key, member).Result()
	if err != nil {
		return 0, classifyKVError(err)
	}
	return score, nil
}

func (r *RedisKV) SetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyKVError(err)
	}
	return nil
}

func (r *RedisKV) GetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classifyKVError(err)
	}
	return fields, nil
}

func (r *RedisKV) GetField(ctx context.Context, key, field string) (string, error) {
	value, err := r.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", classifyKVError(err)
	}
	return value, nil
}

func (r *RedisKV) MemberSnapshots(ctx context.Context, keys []MemberKey) ([]MemberSnapshot, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	scoreCmds := make([]*redis.FloatCmd, len(keys))
	stateCmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		scoreCmds[i] = pipe.ZScore(ctx, k.SetKey, k.Member)
		stateCmds[i] = pipe.HGetAll(ctx, k.StateKey)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, classifyKVError(err)
	}

	snapshots := make([]MemberSnapshot, len(keys))
	for i := range keys {
		score, err := scoreCmds[i].Result()
		if err == nil {
			snapshots[i].Score = score
			snapshots[i].HasScore = true
		} else if !errors.Is(err, redis.Nil) {
			return nil, classifyKVError(err)
		}
		state, err := stateCmds[i].Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, classifyKVError(err)
		}
		snapshots[i].State = state
	}
	return snapshots, nil
}

func (r *RedisKV) Healthy(ctx context.Context) error {
	return classifyKVError(r.client.Ping(ctx).Err())
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

// classifyKVError folds driver errors into the three kinds callers dispatch on.
func classifyKVError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrKVNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrKVTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrKVFatal, err)
}

// shardedSetKey routes a user to its liveness shard. All operations on one
// user must resolve to the same shard key.
func shardedSetKey(prefix string, numShards int, user int64) string {
	if numShards <= 1 {
		return prefix
	}
	return prefix + ":" + strconv.Itoa(shardOf(user, numShards))
}

func shardOf(user int64, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	h := murmur3.Sum32([]byte(strconv.FormatInt(user, 10)))
	return int(h % uint32(numShards))
}

// allShardKeys lists every shard key for a full scan.
func allShardKeys(prefix string, numShards int) []string {
	if numShards <= 1 {
		return []string{prefix}
	}
	keys := make([]string, 0, numShards)
	for i := 0; i < numShards; i++ {
		keys = append(keys, prefix+":"+strconv.Itoa(i))
	}
	return keys
}
