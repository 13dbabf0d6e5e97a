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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipelineFixture struct {
	pipeline *Pipeline
	kv       *fakeKV
	bus      *fakeBus
	graph    *fakeGraph
	now      int64
}

func newPipelineFixture() *pipelineFixture {
	config := NewConfig()
	kv := newFakeKV()
	bus := newFakeBus()
	graph := newFakeGraph()
	presence := NewPresenceStore(zap.NewNop(), kv, config.Presence)

	f := &pipelineFixture{
		kv:    kv,
		bus:   bus,
		graph: graph,
		now:   1000,
	}
	f.pipeline = NewPipeline(zap.NewNop(), config, presence, graph, bus, NewLocalMetrics("test"))
	f.pipeline.nowFn = func() int64 { return f.now }
	return f
}

func (f *pipelineFixture) process(t *testing.T, session Session, payload string) {
	t.Helper()
	require.True(t, f.pipeline.ProcessRequest(zap.NewNop(), session, []byte(payload)))
}

func TestPipelineHeartbeatPublishesOnTransitionOnly(t *testing.T) {
	f := newPipelineFixture()
	session := newFakeSession(7, f.bus, 500)

	f.process(t, session, `{"type":"presence.heartbeat"}`)

	published := f.bus.publishedTo("status:7")
	require.Len(t, published, 1)
	assert.Equal(t, StatusEnvelope{Kind: EnvelopeKindStatusChanged, UserID: 7, Status: StatusOnline, Ts: 1000}, published[0])

	f.now = 1010
	f.process(t, session, `{"type":"presence.heartbeat"}`)
	assert.Len(t, f.bus.publishedTo("status:7"), 1)
}

func TestPipelineAwayThenActivePublishes(t *testing.T) {
	f := newPipelineFixture()
	session := newFakeSession(7, f.bus, 500)

	f.process(t, session, `{"type":"presence.heartbeat"}`)

	f.now = 1020
	f.process(t, session, `{"type":"presence.away"}`)
	f.now = 1025
	f.process(t, session, `{"type":"presence.active"}`)

	published := f.bus.publishedTo("status:7")
	require.Len(t, published, 3)
	assert.Equal(t, StatusAway, published[1].Status)
	assert.Equal(t, int64(1020), published[1].Ts)
	assert.Equal(t, StatusOnline, published[2].Status)
	assert.Equal(t, int64(1025), published[2].Ts)
}

func TestPipelineAwayWithoutLivenessIsSilent(t *testing.T) {
	f := newPipelineFixture()
	session := newFakeSession(7, f.bus, 500)

	f.process(t, session, `{"type":"presence.away"}`)

	assert.Empty(t, f.bus.published)
	assert.Empty(t, session.sentMessages())
}

func TestPipelineSubscribeDeniedNotMutual(t *testing.T) {
	f := newPipelineFixture()
	f.graph.addUser(7, "seven")
	f.graph.follow(3, 7)
	session := newFakeSession(3, f.bus, 500)

	f.process(t, session, `{"type":"presence.subscribe","target_user_id":7}`)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	denied, ok := sent[0].(*subscribeDeniedMessage)
	require.True(t, ok)
	assert.Equal(t, int64(7), denied.TargetUserID)
	assert.Equal(t, DenyReasonNotMutual, denied.Reason)
	assert.False(t, session.joinedTopic("status:7"))
}

func TestPipelineSubscribeAckCarriesSnapshot(t *testing.T) {
	f := newPipelineFixture()
	f.graph.addUser(7, "seven")
	f.graph.follow(3, 7)
	f.graph.follow(7, 3)
	subject := newFakeSession(7, f.bus, 500)
	observer := newFakeSession(3, f.bus, 500)

	f.process(t, subject, `{"type":"presence.heartbeat"}`)
	f.now = 1020
	f.process(t, subject, `{"type":"presence.away"}`)
	// Keep the subject live past its first window; a refresh is not a
	// transition, so the stored status and updated_ts stay away/1020.
	f.now = 1030
	f.process(t, subject, `{"type":"presence.heartbeat"}`)

	f.now = 1040
	f.process(t, observer, `{"type":"presence.subscribe","target_user_id":7}`)

	sent := observer.sentMessages()
	require.Len(t, sent, 1)
	ack, ok := sent[0].(*subscribeAckMessage)
	require.True(t, ok)
	assert.Equal(t, int64(7), ack.TargetUserID)
	assert.Equal(t, StatusAway, ack.Current.Status)
	assert.Equal(t, int64(1020), ack.Current.Ts)
	assert.True(t, observer.joinedTopic("status:7"))
}

func TestPipelineSubscribeUnknownUserDenied(t *testing.T) {
	f := newPipelineFixture()
	session := newFakeSession(3, f.bus, 500)

	f.process(t, session, `{"type":"presence.subscribe","target_user_id":42}`)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	denied, ok := sent[0].(*subscribeDeniedMessage)
	require.True(t, ok)
	assert.Equal(t, DenyReasonUserNotFound, denied.Reason)
}

func TestPipelineSubscribeSelfSkipsAuthorization(t *testing.T) {
	f := newPipelineFixture()
	f.graph.err = errors.New("graph store down")
	session := newFakeSession(7, f.bus, 500)

	f.process(t, session, `{"type":"presence.subscribe","target_user_id":7}`)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	_, ok := sent[0].(*subscribeAckMessage)
	require.True(t, ok)
	assert.True(t, session.joinedTopic("status:7"))
}

func TestPipelineSubscribeGraphOutageDenies(t *testing.T) {
	f := newPipelineFixture()
	f.graph.err = fmt.Errorf("%w: connection refused", ErrGraphUnavailable)
	session := newFakeSession(3, f.bus, 500)

	f.process(t, session, `{"type":"presence.subscribe","target_user_id":7}`)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	denied, ok := sent[0].(*subscribeDeniedMessage)
	require.True(t, ok)
	assert.Equal(t, DenyReasonNotMutual, denied.Reason)
}

func TestPipelineSubscribeOverCapDenied(t *testing.T) {
	f := newPipelineFixture()
	f.graph.addUser(7, "seven")
	f.graph.addUser(8, "eight")
	for _, id := range []int64{7, 8} {
		f.graph.follow(3, id)
		f.graph.follow(id, 3)
	}
	session := newFakeSession(3, f.bus, 1)

	f.process(t, session, `{"type":"presence.subscribe","target_user_id":7}`)
	f.process(t, session, `{"type":"presence.subscribe","target_user_id":8}`)

	sent := session.sentMessages()
	require.Len(t, sent, 2)
	_, ok := sent[0].(*subscribeAckMessage)
	require.True(t, ok)
	denied, ok := sent[1].(*subscribeDeniedMessage)
	require.True(t, ok)
	assert.Equal(t, DenyReasonTooManySubs, denied.Reason)
	assert.False(t, session.joinedTopic("status:8"))
}

func TestPipelineUnsubscribeIdempotent(t *testing.T) {
	f := newPipelineFixture()
	f.graph.addUser(7, "seven")
	f.graph.follow(3, 7)
	f.graph.follow(7, 3)
	session := newFakeSession(3, f.bus, 500)

	f.process(t, session, `{"type":"presence.subscribe","target_user_id":7}`)
	f.process(t, session, `{"type":"presence.unsubscribe","target_user_id":7}`)
	f.process(t, session, `{"type":"presence.unsubscribe","target_user_id":7}`)

	assert.False(t, session.joinedTopic("status:7"))
	sent := session.sentMessages()
	require.Len(t, sent, 3)
	_, ok := sent[1].(*unsubscribeAckMessage)
	require.True(t, ok)
	_, ok = sent[2].(*unsubscribeAckMessage)
	require.True(t, ok)
}

func TestPipelineSubscriberReceivesTransitions(t *testing.T) {
	f := newPipelineFixture()
	f.graph.addUser(7, "seven")
	f.graph.follow(3, 7)
	f.graph.follow(7, 3)
	subject := newFakeSession(7, f.bus, 500)
	observer := newFakeSession(3, f.bus, 500)

	f.process(t, observer, `{"type":"presence.subscribe","target_user_id":7}`)
	f.process(t, subject, `{"type":"presence.heartbeat"}`)

	var statuses []*statusMessage
	for _, sent := range observer.sentMessages() {
		if status, ok := sent.(*statusMessage); ok {
			statuses = append(statuses, status)
		}
	}
	require.Len(t, statuses, 1)
	assert.Equal(t, int64(7), statuses[0].UserID)
	assert.Equal(t, StatusOnline, statuses[0].Status)
}

func TestPipelineMalformedMessageKeepsSession(t *testing.T) {
	f := newPipelineFixture()
	session := newFakeSession(7, f.bus, 500)

	require.True(t, f.pipeline.ProcessRequest(zap.NewNop(), session, []byte("{not json")))

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	errMsg, ok := sent[0].(*errorMessage)
	require.True(t, ok)
	assert.Equal(t, ErrReasonMalformedMessage, errMsg.Reason)
}

func TestPipelineUnknownTypeKeepsSession(t *testing.T) {
	f := newPipelineFixture()
	session := newFakeSession(7, f.bus, 500)

	f.process(t, session, `{"type":"presence.bogus"}`)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	errMsg, ok := sent[0].(*errorMessage)
	require.True(t, ok)
	assert.Equal(t, ErrReasonUnknownType, errMsg.Reason)
}

func TestPipelineSubscribeInvalidTarget(t *testing.T) {
	f := newPipelineFixture()
	session := newFakeSession(7, f.bus, 500)

	f.process(t, session, `{"type":"presence.subscribe"}`)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	errMsg, ok := sent[0].(*errorMessage)
	require.True(t, ok)
	assert.Equal(t, ErrReasonInvalidTarget, errMsg.Reason)
}
