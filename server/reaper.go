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
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Reaper converts expired heartbeats into offline transitions. It is the
// single source of offline events; sessions never remove liveness records
// on disconnect, so multi-device users do not flap.
type Reaper struct {
	logger   *zap.Logger
	config   *PresenceConfig
	kv       KV
	presence *PresenceStore
	bus      Bus
	metrics  Metrics

	nowFn func() int64

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	stopped     chan struct{}
}

// StartReaper begins the polling loop. The start phase is randomized within
// one poll interval so a second reaper run for availability rarely scans at
// the same instant.
func StartReaper(ctx context.Context, logger *zap.Logger, config *PresenceConfig, kv KV, presence *PresenceStore, bus Bus, metrics Metrics) *Reaper {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	r := &Reaper{
		logger:   logger,
		config:   config,
		kv:       kv,
		presence: presence,
		bus:      bus,
		metrics:  metrics,

		nowFn: func() int64 { return time.Now().UTC().Unix() },

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
		stopped:     make(chan struct{}),
	}

	go r.run()

	logger.Info("Reaper started",
		zap.Duration("poll_interval", config.PollInterval()),
		zap.Int64("batch_size", config.ReaperBatchSize),
		zap.Int("num_shards", config.NumShards))

	return r
}

func (r *Reaper) run() {
	defer close(r.stopped)

	jitter := time.Duration(rand.Int63n(int64(r.config.PollInterval()) + 1))
	select {
	case <-r.ctx.Done():
		return
	case <-time.After(jitter):
	}

	for {
		start := time.Now()
		fullBatch := r.tick()
		r.metrics.ReaperTick(time.Since(start))

		if fullBatch {
			// Pressure-responsive: a full batch means a backlog, scan
			// again immediately.
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			continue
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.config.PollInterval()):
		}
	}
}

// tick scans every shard once. A tick that has started completes; the loop
// honors cancellation only between ticks, preserving at-most-one publish
// per transition.
func (r *Reaper) tick() bool {
	now := r.nowFn()
	fullBatch := false

	for _, key := range allShardKeys(r.config.ScoredSetKeyPrefix, r.config.NumShards) {
		candidates, err := r.kv.RangeByScore(context.Background(), key, float64(now), r.config.ReaperBatchSize)
		if err != nil {
			// Abort the tick; the next poll retries from scratch.
			r.logger.Warn("Reaper scan failed", zap.String("key", key), zap.Error(err))
			return false
		}
		if int64(len(candidates)) >= r.config.ReaperBatchSize {
			fullBatch = true
		}

		for _, member := range candidates {
			user, perr := strconv.ParseInt(member, 10, 64)
			if perr != nil {
				r.logger.Warn("Skipping non-numeric liveness member", zap.String("member", member))
				continue
			}

			effect, err := r.presence.ConfirmOffline(context.Background(), user, now)
			if err != nil {
				r.logger.Warn("Failed to confirm offline", zap.Int64("uid", user), zap.Error(err))
				return false
			}
			if effect != EffectTransitioned {
				// The heartbeat won the race.
				continue
			}

			envelope := &StatusEnvelope{
				Kind:   EnvelopeKindStatusChanged,
				UserID: user,
				Status: StatusOffline,
				Ts:     now,
			}
			if err := r.bus.Publish(context.Background(), StatusTopic(user), envelope); err != nil {
				// Not retried; the user's next transition reconciles within
				// one heartbeat window.
				r.logger.Warn("Failed to publish offline transition", zap.Int64("uid", user), zap.Error(err))
				continue
			}
			r.metrics.CountReaped(1)
		}
	}

	return fullBatch
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (r *Reaper) Stop() {
	r.ctxCancelFn()
	<-r.stopped
	r.logger.Info("Reaper stopped")
}
