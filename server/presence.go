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
	"strconv"

	"go.uber.org/zap"
)

// Status is a user's reported presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Effect is the observable outcome of a presence-store operation. Callers
// publish to the fanout bus only on EffectTransitioned; that debounce is the
// sole mechanism preventing duplicate announcements at each heartbeat.
type Effect int

const (
	// EffectRefreshed extended liveness without a status change.
	EffectRefreshed Effect = iota
	// EffectUnchanged left both liveness and status as they were.
	EffectUnchanged
	// EffectIgnored dropped the operation (rate limit, or a semantic
	// change while not effectively online).
	EffectIgnored
	// EffectTransitioned changed the user's effective status.
	EffectTransitioned
)

const (
	fieldStatus        = "status"
	fieldUpdatedTs     = "updated_ts"
	fieldLastHeartbeat = "last_heartbeat_ts"
	fieldLastSeen      = "last_seen_ts"
)

// UserStatus is one user's effective status at a point in time.
type UserStatus struct {
	UserID int64
	Status Status
	Ts     int64
}

// PresenceStore owns all mutation of the liveness scored set and the
// per-user state maps. It holds no state of its own.
type PresenceStore struct {
	logger *zap.Logger
	kv     KV
	config *PresenceConfig
}

func NewPresenceStore(logger *zap.Logger, kv KV, config *PresenceConfig) *PresenceStore {
	return &PresenceStore{
		logger: logger,
		kv:     kv,
		config: config,
	}
}

func (p *PresenceStore) setKey(user int64) string {
	return shardedSetKey(p.config.ScoredSetKeyPrefix, p.config.NumShards, user)
}

func (p *PresenceStore) stateKey(user int64) string {
	return p.config.StateKeyPrefix + ":" + strconv.FormatInt(user, 10)
}

// RecordHeartbeat refreshes a user's liveness window. The rate limit is
// best-effort: the read of last_heartbeat_ts and the subsequent write are
// not atomic, and the worst case is one extra write per window.
func (p *PresenceStore) RecordHeartbeat(ctx context.Context, user, now int64) (Effect, error) {
	stateKey := p.stateKey(user)

	last, err := p.kv.GetField(ctx, stateKey, fieldLastHeartbeat)
	if err == nil {
		if lastTs, perr := strconv.ParseInt(last, 10, 64); perr == nil && now-lastTs < int64(p.config.MinIntervalSec) {
			return EffectIgnored, nil
		}
	} else if !errors.Is(err, ErrKVNotFound) {
		return EffectUnchanged, err
	}

	setKey := p.setKey(user)
	member := strconv.FormatInt(user, 10)

	wasOnline := false
	score, err := p.kv.Score(ctx, setKey, member)
	if err == nil {
		wasOnline = score >= float64(now)
	} else if !errors.Is(err, ErrKVNotFound) {
		return EffectUnchanged, err
	}

	expiry := float64(now + int64(p.config.HeartbeatWindowSec))
	if err := p.kv.Upsert(ctx, setKey, member, expiry); err != nil {
		return EffectUnchanged, err
	}
	if err := p.kv.SetFields(ctx, stateKey, map[string]string{
		fieldLastHeartbeat: strconv.FormatInt(now, 10),
	}, p.config.StateTTL()); err != nil {
		return EffectUnchanged, err
	}

	if wasOnline {
		return EffectRefreshed, nil
	}

	// The user re-entered liveness; away is an idle state of an active
	// session, so offline→online resets it.
	if err := p.writeTransition(ctx, user, StatusOnline, now, true); err != nil {
		return EffectTransitioned, err
	}
	return EffectTransitioned, nil
}

// SetSemantic switches between online and away for an effectively online
// user. It never touches the liveness scored set.
func (p *PresenceStore) SetSemantic(ctx context.Context, user int64, target Status, now int64) (Effect, error) {
	if target != StatusOnline && target != StatusAway {
		return EffectIgnored, nil
	}

	score, err := p.kv.Score(ctx, p.setKey(user), strconv.FormatInt(user, 10))
	if err != nil {
		if errors.Is(err, ErrKVNotFound) {
			return EffectIgnored, nil
		}
		return EffectUnchanged, err
	}
	if score < float64(now) {
		return EffectIgnored, nil
	}

	current := StatusOnline
	stored, err := p.kv.GetField(ctx, p.stateKey(user), fieldStatus)
	if err == nil {
		if s := Status(stored); s == StatusAway || s == StatusOnline {
			current = s
		}
	} else if !errors.Is(err, ErrKVNotFound) {
		return EffectUnchanged, err
	}

	if current == target {
		return EffectUnchanged, nil
	}

	if err := p.writeTransition(ctx, user, target, now, false); err != nil {
		return EffectUnchanged, err
	}
	return EffectTransitioned, nil
}

// ConfirmOffline converts an expired heartbeat into an offline transition.
// The conditional remove runs server-side as one transactional unit, so the
// reaper and a concurrent heartbeat cannot both win.
func (p *PresenceStore) ConfirmOffline(ctx context.Context, user, now int64) (Effect, error) {
	result, err := p.kv.RemoveIfScoreBelow(ctx, p.setKey(user), strconv.FormatInt(user, 10), float64(now))
	if err != nil {
		return EffectUnchanged, err
	}
	if !result.Removed {
		// The heartbeat won the race; the field map stays untouched.
		return EffectUnchanged, nil
	}

	if err := p.writeTransition(ctx, user, StatusOffline, now, true); err != nil {
		// Removal already happened, the transition stands.
		return EffectTransitioned, err
	}
	return EffectTransitioned, nil
}

// EffectiveStatus derives the status reported to observers. A missing or
// expired liveness record is offline regardless of the state map. On store
// failure the answer degrades to offline rather than fabricating liveness.
func (p *PresenceStore) EffectiveStatus(ctx context.Context, user, now int64) (Status, int64) {
	score, err := p.kv.Score(ctx, p.setKey(user), strconv.FormatInt(user, 10))
	if err != nil && !errors.Is(err, ErrKVNotFound) {
		return StatusOffline, now
	}
	online := err == nil && score >= float64(now)

	state, serr := p.kv.GetAll(ctx, p.stateKey(user))
	if serr != nil {
		return StatusOffline, now
	}

	return statusFromSnapshot(online, state, now)
}

// EffectiveStatusBatch computes effective statuses in one pipelined round trip.
func (p *PresenceStore) EffectiveStatusBatch(ctx context.Context, users []int64, now int64) ([]UserStatus, error) {
	if len(users) == 0 {
		return nil, nil
	}

	keys := make([]MemberKey, len(users))
	for i, user := range users {
		keys[i] = MemberKey{
			SetKey:   p.setKey(user),
			Member:   strconv.FormatInt(user, 10),
			StateKey: p.stateKey(user),
		}
	}

	snapshots, err := p.kv.MemberSnapshots(ctx, keys)
	if err != nil {
		return nil, err
	}

	statuses := make([]UserStatus, len(users))
	for i, snap := range snapshots {
		online := snap.HasScore && snap.Score >= float64(now)
		status, ts := statusFromSnapshot(online, snap.State, now)
		statuses[i] = UserStatus{UserID: users[i], Status: status, Ts: ts}
	}
	return statuses, nil
}

// statusFromSnapshot folds a liveness bit and a state map into the reported
// (status, ts) pair.
func statusFromSnapshot(online bool, state map[string]string, now int64) (Status, int64) {
	if !online {
		ts := now
		if v, ok := state[fieldLastSeen]; ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				ts = parsed
			}
		}
		return StatusOffline, ts
	}

	status := StatusOnline
	if v, ok := state[fieldStatus]; ok {
		if s := Status(v); s == StatusAway || s == StatusOnline {
			status = s
		}
	}
	ts := now
	if v, ok := state[fieldUpdatedTs]; ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = parsed
		}
	}
	return status, ts
}

// writeTransition persists a status change, keeping updated_ts monotonic
// non-decreasing: a write carrying an older ts than the stored one is
// skipped. The read and write are not atomic; like the heartbeat rate
// limit this is best-effort.
func (p *PresenceStore) writeTransition(ctx context.Context, user int64, status Status, now int64, lastSeen bool) error {
	stateKey := p.stateKey(user)

	stored, err := p.kv.GetField(ctx, stateKey, fieldUpdatedTs)
	if err == nil {
		if ts, perr := strconv.ParseInt(stored, 10, 64); perr == nil && ts > now {
			p.logger.Debug("Skipped stale status write",
				zap.Int64("uid", user), zap.Int64("ts", now), zap.Int64("stored_ts", ts))
			return nil
		}
	} else if !errors.Is(err, ErrKVNotFound) {
		return err
	}

	fields := map[string]string{
		fieldStatus:    string(status),
		fieldUpdatedTs: strconv.FormatInt(now, 10),
	}
	if lastSeen {
		fields[fieldLastSeen] = strconv.FormatInt(now, 10)
	}
	return p.kv.SetFields(ctx, stateKey, fields, p.config.StateTTL())
}
