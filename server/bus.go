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
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const EnvelopeKindStatusChanged = "status_changed"

// StatusTopic names the fanout topic carrying one user's transitions.
func StatusTopic(userID int64) string {
	return fmt.Sprintf("status:%d", userID)
}

// StatusEnvelope is the published unit for a status transition.
type StatusEnvelope struct {
	Kind   string `json:"kind"`
	UserID int64  `json:"user_id"`
	Status Status `json:"status"`
	Ts     int64  `json:"ts"`
}

// BusSubscriber receives envelopes for topics it has joined. Deliver must
// not block; slow consumers drop rather than stall the dispatcher.
type BusSubscriber interface {
	Deliver(topic string, envelope *StatusEnvelope)
}

// Bus is the topic fabric shared by all server instances. Delivery is
// at-most-once, best-effort, ordered per (publisher, topic) only.
type Bus interface {
	Join(ctx context.Context, topic string, sub BusSubscriber) error
	Leave(ctx context.Context, topic string, sub BusSubscriber) error
	Publish(ctx context.Context, topic string, envelope *StatusEnvelope) error
	Stop()
}

var _ Bus = (*RedisBus)(nil)

// RedisBus fans envelopes out across instances over Redis pub/sub. One
// Redis channel subscription exists per topic with local members; local
// delivery also flows through Redis so every instance observes the same
// per-topic order.
type RedisBus struct {
	logger        *zap.Logger
	client        *redis.Client
	channelPrefix string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	sync.RWMutex
	topics map[string]map[BusSubscriber]struct{}

	pubsub *redis.PubSub
}

func NewRedisBus(ctx context.Context, logger *zap.Logger, client *redis.Client, channelPrefix string) *RedisBus {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	b := &RedisBus{
		logger:        logger,
		client:        client,
		channelPrefix: channelPrefix,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		topics: make(map[string]map[BusSubscriber]struct{}),
		pubsub: client.Subscribe(ctx),
	}

	go b.dispatch()

	logger.Info("Fanout bus initialized", zap.String("channel_prefix", channelPrefix))

	return b
}

func (b *RedisBus) channel(topic string) string {
	return b.channelPrefix + ":" + topic
}

func (b *RedisBus) topicFromChannel(channel string) string {
	return strings.TrimPrefix(channel, b.channelPrefix+":")
}

// dispatch fans incoming pub/sub payloads out to local subscribers.
func (b *RedisBus) dispatch() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var envelope StatusEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logger.Warn("Failed to unmarshal bus envelope", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}

			topic := b.topicFromChannel(msg.Channel)

			b.RLock()
			members, ok := b.topics[topic]
			if !ok {
				b.RUnlock()
				continue
			}
			subs := make([]BusSubscriber, 0, len(members))
			for sub := range members {
				subs = append(subs, sub)
			}
			b.RUnlock()

			for _, sub := range subs {
				sub.Deliver(topic, &envelope)
			}
		}
	}
}

func (b *RedisBus) Join(ctx context.Context, topic string, sub BusSubscriber) error {
	first := b.addLocal(topic, sub)
	if !first {
		return nil
	}

	if err := b.pubsub.Subscribe(ctx, b.channel(topic)); err != nil {
		b.removeLocal(topic, sub)
		return fmt.Errorf("bus: subscribe %q: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Leave(ctx context.Context, topic string, sub BusSubscriber) error {
	last := b.removeLocal(topic, sub)
	if !last {
		return nil
	}

	if err := b.pubsub.Unsubscribe(ctx, b.channel(topic)); err != nil {
		return fmt.Errorf("bus: unsubscribe %q: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, envelope *StatusEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return classifyKVError(err)
	}
	return nil
}

// addLocal registers a local member and reports whether it was the topic's first.
func (b *RedisBus) addLocal(topic string, sub BusSubscriber) bool {
	b.Lock()
	defer b.Unlock()

	members, ok := b.topics[topic]
	if !ok {
		members = make(map[BusSubscriber]struct{}, 1)
		b.topics[topic] = members
	}
	members[sub] = struct{}{}
	return !ok
}

// removeLocal drops a local member and reports whether the topic emptied.
func (b *RedisBus) removeLocal(topic string, sub BusSubscriber) bool {
	b.Lock()
	defer b.Unlock()

	members, ok := b.topics[topic]
	if !ok {
		return false
	}
	if _, member := members[sub]; !member {
		return false
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(b.topics, topic)
		return true
	}
	return false
}

func (b *RedisBus) Stop() {
	b.ctxCancelFn()
	if err := b.pubsub.Close(); err != nil {
		b.logger.Debug("Could not close bus subscription", zap.Error(err))
	}
}
