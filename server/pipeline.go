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
	"errors"
	"time"

	"go.uber.org/zap"
)

// Pipeline routes inbound client messages to the presence store, the graph
// adapter, and the fanout bus.
type Pipeline struct {
	logger   *zap.Logger
	config   *Config
	presence *PresenceStore
	graph    GraphResolver
	bus      Bus
	metrics  Metrics

	nowFn func() int64
}

func NewPipeline(logger *zap.Logger, config *Config, presence *PresenceStore, graph GraphResolver, bus Bus, metrics Metrics) *Pipeline {
	return &Pipeline{
		logger:   logger,
		config:   config,
		presence: presence,
		graph:    graph,
		bus:      bus,
		metrics:  metrics,

		nowFn: func() int64 { return time.Now().UTC().Unix() },
	}
}

// ProcessRequest handles one inbound message. Protocol violations reply with
// an error message and keep the session alive; the return value is false
// only when the session must stop consuming.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, payload []byte) bool {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Debug("Received malformed message", zap.Error(err))
		session.SendMessage(&errorMessage{Type: MsgTypeError, Reason: ErrReasonMalformedMessage})
		return true
	}

	now := p.nowFn()

	switch msg.Type {
	case MsgTypeHeartbeat:
		p.handleHeartbeat(logger, session, now)
	case MsgTypeAway:
		p.handleSemantic(logger, session, StatusAway, now)
	case MsgTypeActive:
		p.handleSemantic(logger, session, StatusOnline, now)
	case MsgTypeSubscribe:
		p.handleSubscribe(logger, session, msg.TargetUserID, now)
	case MsgTypeUnsubscribe:
		p.handleUnsubscribe(logger, session, msg.TargetUserID)
	default:
		logger.Debug("Received unknown message type", zap.String("type", msg.Type))
		session.SendMessage(&errorMessage{Type: MsgTypeError, Reason: ErrReasonUnknownType})
	}
	return true
}

func (p *Pipeline) handleHeartbeat(logger *zap.Logger, session Session, now int64) {
	effect, err := p.presence.RecordHeartbeat(session.Context(), session.UserID(), now)
	if err != nil {
		// Transient store failures heal at the next heartbeat.
		logger.Warn("Failed to record heartbeat", zap.Error(err))
		return
	}
	if effect == EffectTransitioned {
		p.publishStatus(session.Context(), logger, session.UserID(), StatusOnline, now)
	}
}

func (p *Pipeline) handleSemantic(logger *zap.Logger, session Session, target Status, now int64) {
	effect, err := p.presence.SetSemantic(session.Context(), session.UserID(), target, now)
	if err != nil {
		logger.Warn("Failed to set semantic status", zap.String("target", string(target)), zap.Error(err))
		return
	}
	if effect == EffectTransitioned {
		p.publishStatus(session.Context(), logger, session.UserID(), target, now)
	}
}

func (p *Pipeline) handleSubscribe(logger *zap.Logger, session Session, target int64, now int64) {
	if target <= 0 {
		session.SendMessage(&errorMessage{Type: MsgTypeError, Reason: ErrReasonInvalidTarget})
		return
	}

	ctx := session.Context()
	self := session.UserID()

	if target != self {
		exists, err := p.graph.UserExists(ctx, target)
		if err != nil {
			// An unreachable graph store denies rather than fabricating trust.
			logger.Warn("Graph lookup failed, denying subscribe", zap.Int64("target", target), zap.Error(err))
			session.SendMessage(&subscribeDeniedMessage{Type: MsgTypeSubscribeDenied, TargetUserID: target, Reason: DenyReasonNotMutual})
			return
		}
		if !exists {
			session.SendMessage(&subscribeDeniedMessage{Type: MsgTypeSubscribeDenied, TargetUserID: target, Reason: DenyReasonUserNotFound})
			return
		}

		mutual, err := p.graph.IsMutual(ctx, self, target)
		if err != nil {
			logger.Warn("Graph lookup failed, denying subscribe", zap.Int64("target", target), zap.Error(err))
			session.SendMessage(&subscribeDeniedMessage{Type: MsgTypeSubscribeDenied, TargetUserID: target, Reason: DenyReasonNotMutual})
			return
		}
		if !mutual {
			session.SendMessage(&subscribeDeniedMessage{Type: MsgTypeSubscribeDenied, TargetUserID: target, Reason: DenyReasonNotMutual})
			return
		}
	}

	if err := session.JoinTopic(ctx, StatusTopic(target)); err != nil {
		if errors.Is(err, ErrSessionSubscriptionLimit) {
			session.SendMessage(&subscribeDeniedMessage{Type: MsgTypeSubscribeDenied, TargetUserID: target, Reason: DenyReasonTooManySubs})
			return
		}
		logger.Warn("Failed to join topic", zap.Int64("target", target), zap.Error(err))
		session.SendMessage(&subscribeDeniedMessage{Type: MsgTypeSubscribeDenied, TargetUserID: target, Reason: DenyReasonNotMutual})
		return
	}

	// Snapshot at ack time so late joiners do not wait a full heartbeat
	// window for the next transition.
	status, ts := p.presence.EffectiveStatus(ctx, target, now)
	session.SendMessage(&subscribeAckMessage{
		Type:         MsgTypeSubscribeAck,
		TargetUserID: target,
		Current:      statusSnapshot{Status: status, Ts: ts},
	})
}

func (p *Pipeline) handleUnsubscribe(logger *zap.Logger, session Session, target int64) {
	if target <= 0 {
		session.SendMessage(&errorMessage{Type: MsgTypeError, Reason: ErrReasonInvalidTarget})
		return
	}

	session.LeaveTopic(session.Context(), StatusTopic(target))
	session.SendMessage(&unsubscribeAckMessage{Type: MsgTypeUnsubscribeAck, TargetUserID: target})
}

func (p *Pipeline) publishStatus(ctx context.Context, logger *zap.Logger, userID int64, status Status, ts int64) {
	envelope := &StatusEnvelope{
		Kind:   EnvelopeKindStatusChanged,
		UserID: userID,
		Status: status,
		Ts:     ts,
	}
	if err := p.bus.Publish(ctx, StatusTopic(userID), envelope); err != nil {
		// Publish failures are discarded; liveness state in the store is
		// already correct and the next transition reconciles.
		logger.Warn("Failed to publish status transition", zap.Int64("uid", userID), zap.Error(err))
		return
	}
	p.metrics.CountStatusPublished(1)
}
