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
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrSessionSubscriptionLimit reports a socket at its subscription cap.
var ErrSessionSubscriptionLimit = errors.New("session subscription limit reached")

// Session is one accepted authenticated client socket.
type Session interface {
	ID() uuid.UUID
	UserID() int64
	ClientIP() string
	Context() context.Context
	Logger() *zap.Logger

	SendMessage(v any)
	JoinTopic(ctx context.Context, topic string) error
	LeaveTopic(ctx context.Context, topic string)

	Consume()
	Close(msg string)
}

type outMessage struct {
	userID   int64
	isStatus bool
	payload  []byte
}

var _ Session = (*sessionWS)(nil)
var _ BusSubscriber = (*sessionWS)(nil)

type sessionWS struct {
	sync.Mutex
	logger   *zap.Logger
	config   *Config
	id       uuid.UUID
	userID   int64
	clientIP string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	pingPeriodDuration time.Duration
	pongWaitDuration   time.Duration
	writeWaitDuration  time.Duration

	registry *SessionRegistry
	bus      Bus
	pipeline *Pipeline
	metrics  Metrics

	stopped                bool
	conn                   *websocket.Conn
	receivedMessageCounter int
	pingTimer              *time.Timer
	pingTimerCAS           *atomic.Uint32

	selfTopic string
	topics    map[string]struct{}

	// Outbound queue. The lock is held only for enqueue/dequeue, never
	// across a socket write.
	outMu        sync.Mutex
	outQueue     []*outMessage
	outNotify    chan struct{}
	lastStatusTs map[int64]int64
}

func NewSessionWS(logger *zap.Logger, config *Config, sessionID uuid.UUID, userID int64, clientIP string, conn *websocket.Conn, registry *SessionRegistry, bus Bus, pipeline *Pipeline, metrics Metrics) Session {
	sessionLogger := logger.With(zap.String("sid", sessionID.String()), zap.Int64("uid", userID))
	sessionLogger.Info("New WebSocket session connected")

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	return &sessionWS{
		logger:   sessionLogger,
		config:   config,
		id:       sessionID,
		userID:   userID,
		clientIP: clientIP,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		pingPeriodDuration: time.Duration(config.Socket.PingPeriodMs) * time.Millisecond,
		pongWaitDuration:   time.Duration(config.Socket.PongWaitMs) * time.Millisecond,
		writeWaitDuration:  time.Duration(config.Socket.WriteWaitMs) * time.Millisecond,

		registry: registry,
		bus:      bus,
		pipeline: pipeline,
		metrics:  metrics,

		stopped:                false,
		conn:                   conn,
		receivedMessageCounter: config.Socket.PingBackoffThreshold,
		pingTimer:              time.NewTimer(time.Duration(config.Socket.PingPeriodMs) * time.Millisecond),
		pingTimerCAS:           atomic.NewUint32(1),

		selfTopic: StatusTopic(userID),
		topics:    make(map[string]struct{}),

		outQueue:     make([]*outMessage, 0, config.Socket.OutgoingQueueSize),
		outNotify:    make(chan struct{}, 1),
		lastStatusTs: make(map[int64]int64),
	}
}

func (s *sessionWS) ID() uuid.UUID {
	return s.id
}

func (s *sessionWS) UserID() int64 {
	return s.userID
}

func (s *sessionWS) ClientIP() string {
	return s.clientIP
}

func (s *sessionWS) Context() context.Context {
	return s.ctx
}

func (s *sessionWS) Logger() *zap.Logger {
	return s.logger
}

// JoinTopic subscribes this socket to a fanout topic. Idempotent. The
// subscription cap never counts the self topic.
func (s *sessionWS) JoinTopic(ctx context.Context, topic string) error {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return nil
	}
	if _, ok := s.topics[topic]; ok {
		s.Unlock()
		return nil
	}
	if topic != s.selfTopic {
		subscribed := len(s.topics)
		if _, ok := s.topics[s.selfTopic]; ok {
			subscribed--
		}
		if subscribed >= s.config.Presence.MaxSubscriptionsPerSocket {
			s.Unlock()
			return ErrSessionSubscriptionLimit
		}
	}
	s.topics[topic] = struct{}{}
	s.Unlock()

	if err := s.bus.Join(ctx, topic, s); err != nil {
		s.Lock()
		delete(s.topics, topic)
		s.Unlock()
		return err
	}
	return nil
}

// LeaveTopic is idempotent and never detaches the self topic.
func (s *sessionWS) LeaveTopic(ctx context.Context, topic string) {
	if topic == s.selfTopic {
		return
	}

	s.Lock()
	_, ok := s.topics[topic]
	if ok {
		delete(s.topics, topic)
	}
	s.Unlock()
	if !ok {
		return
	}

	if err := s.bus.Leave(ctx, topic, s); err != nil {
		s.logger.Warn("Failed to leave topic", zap.String("topic", topic), zap.Error(err))
	}
}

// Deliver implements BusSubscriber. Envelopes carrying a ts older than the
// newest already queued for the same user are discarded; the bus gives no
// cross-publisher order, so the ts is the tiebreaker.
func (s *sessionWS) Deliver(topic string, envelope *StatusEnvelope) {
	if envelope.Kind != EnvelopeKindStatusChanged {
		return
	}

	s.outMu.Lock()
	if last, ok := s.lastStatusTs[envelope.UserID]; ok && envelope.Ts < last {
		s.outMu.Unlock()
		return
	}
	s.lastStatusTs[envelope.UserID] = envelope.Ts
	s.outMu.Unlock()

	payload, err := json.Marshal(&statusMessage{
		Type:   MsgTypeStatus,
		UserID: envelope.UserID,
		Status: envelope.Status,
		Ts:     envelope.Ts,
	})
	if err != nil {
		s.logger.Error("Could not marshal status message", zap.Error(err))
		return
	}

	s.enqueue(&outMessage{userID: envelope.UserID, isStatus: true, payload: payload})
}

// SendMessage marshals and queues a control message (acks, errors, snapshots).
func (s *sessionWS) SendMessage(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Could not marshal message", zap.Error(err))
		return
	}
	s.enqueue(&outMessage{payload: payload})
}

// enqueue adds to the outbound queue. When the queue is full the oldest
// pending status for the same user is dropped first, then the oldest
// pending status of any user; the session is never closed or blocked for
// queue pressure.
func (s *sessionWS) enqueue(m *outMessage) {
	s.outMu.Lock()
	if len(s.outQueue) >= s.config.Socket.OutgoingQueueSize {
		idx := -1
		if m.isStatus {
			for i, queued := range s.outQueue {
				if queued.isStatus && queued.userID == m.userID {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			for i, queued := range s.outQueue {
				if queued.isStatus {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			s.outMu.Unlock()
			s.logger.Warn("Outgoing queue full, dropping message")
			if m.isStatus {
				s.metrics.CountDroppedStatus(1)
			}
			return
		}
		s.outQueue = append(s.outQueue[:idx], s.outQueue[idx+1:]...)
		s.metrics.CountDroppedStatus(1)
	}
	s.outQueue = append(s.outQueue, m)
	s.outMu.Unlock()

	select {
	case s.outNotify <- struct{}{}:
	default:
	}
}

func (s *sessionWS) dequeue() *outMessage {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if len(s.outQueue) == 0 {
		return nil
	}
	m := s.outQueue[0]
	s.outQueue = s.outQueue[1:]
	return m
}

func (s *sessionWS) Consume() {
	s.conn.SetReadLimit(s.config.Socket.MaxMessageSizeBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration)); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		go s.Close("failed to set initial read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer()
		return nil
	})

	// Start a routine to process outbound messages.
	go s.processOutgoing()

	var reason string

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Ignore "normal" WebSocket errors.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				// Ignore underlying connection being shut down while read is waiting for data.
				if e, ok := err.(*net.OpError); !ok || e.Err.Error() != "use of closed network connection" {
					s.logger.Debug("Error reading message from client", zap.Error(err))
					reason = err.Error()
				}
			}
			break
		}

		s.receivedMessageCounter--
		if s.receivedMessageCounter <= 0 {
			s.receivedMessageCounter = s.config.Socket.PingBackoffThreshold
			if !s.maybeResetPingTimer() {
				// Problems resetting the ping timer indicate an error so we need to close the loop.
				reason = "error updating ping timer"
				break
			}
		}

		if !s.pipeline.ProcessRequest(s.logger, s, data) {
			reason = "error processing message"
			break
		}
		s.metrics.Message(int64(len(data)), false)
	}

	if reason != "" {
		s.metrics.Message(0, true)
	}

	s.Close(reason)
}

func (s *sessionWS) maybeResetPingTimer() bool {
	// If there's already a reset in progress there's no need to wait.
	if !s.pingTimerCAS.CompareAndSwap(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CompareAndSwap(0, 1)

	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	// CAS ensures concurrency is not a problem here.
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.pingPeriodDuration)
	err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration))
	s.Unlock()
	if err != nil {
		s.logger.Warn("Failed to set read deadline", zap.Error(err))
		s.Close("failed to set read deadline")
		return false
	}
	return true
}

func (s *sessionWS) processOutgoing() {
	var reason string

OutgoingLoop:
	for {
		select {
		case <-s.ctx.Done():
			// Session is closing, close the outgoing process routine.
			break OutgoingLoop
		case <-s.pingTimer.C:
			// Periodically send pings.
			if msg, ok := s.pingNow(); !ok {
				reason = msg
				break OutgoingLoop
			}
		case <-s.outNotify:
			for {
				m := s.dequeue()
				if m == nil {
					break
				}

				s.Lock()
				if s.stopped {
					// The connection may have stopped between the payload
					// being queued and reaching here.
					s.Unlock()
					break OutgoingLoop
				}
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
					s.Unlock()
					s.logger.Warn("Failed to set write deadline", zap.Error(err))
					reason = err.Error()
					break OutgoingLoop
				}
				if err := s.conn.WriteMessage(websocket.TextMessage, m.payload); err != nil {
					s.Unlock()
					s.logger.Warn("Could not write message", zap.Error(err))
					reason = err.Error()
					break OutgoingLoop
				}
				s.Unlock()
			}
		}
	}
	s.Close(reason)
}

func (s *sessionWS) pingNow() (string, bool) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return "", false
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
		s.Unlock()
		s.logger.Warn("Could not set write deadline to ping", zap.Error(err))
		return err.Error(), false
	}
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping", zap.Error(err))
		return err.Error(), false
	}

	return "", true
}

func (s *sessionWS) Close(msg string) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.topics = make(map[string]struct{})
	s.Unlock()

	// Cancel any ongoing operations tied to this session.
	s.ctxCancelFn()

	// Release all bus memberships, the self topic included. The session
	// context is already canceled, so cleanup runs on its own deadline.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), s.writeWaitDuration)
	for _, topic := range topics {
		if err := s.bus.Leave(cleanupCtx, topic, s); err != nil {
			s.logger.Warn("Failed to leave topic on close", zap.String("topic", topic), zap.Error(err))
		}
	}
	cleanupCancel()

	s.registry.Remove(s.id)

	s.pingTimer.Stop()

	// Send close message.
	if err := s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(s.writeWaitDuration)); err != nil {
		// This may not be possible if the socket was already fully closed by an error.
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	// Close WebSocket.
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close", zap.Error(err))
	}

	if msg != "" {
		s.logger.Info("Closed client connection", zap.String("reason", msg))
	} else {
		s.logger.Info("Closed client connection")
	}
}
