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
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// fakeKV is an in-memory stand-in for the Redis-backed store with the same
// operation semantics, including the atomic conditional remove.
type fakeKV struct {
	mu   sync.Mutex
	sets map[string]map[string]float64
	maps map[string]map[string]string

	// failWith makes every operation fail, for degradation tests.
	failWith error
	// beforeRemove runs before the conditional remove executes, to
	// interleave a concurrent heartbeat.
	beforeRemove func()
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		sets: make(map[string]map[string]float64),
		maps: make(map[string]map[string]string),
	}
}

func (f *fakeKV) Upsert(ctx context.Context, key, member string, score float64) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]float64)
		f.sets[key] = set
	}
	set[member] = score
	return nil
}

func (f *fakeKV) RangeByScore(ctx context.Context, key string, upper float64, limit int64) ([]string, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for member, score := range f.sets[key] {
		if score <= upper {
			pairs = append(pairs, pair{member, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	members := make([]string, 0, len(pairs))
	for i, p := range pairs {
		if int64(i) >= limit {
			break
		}
		members = append(members, p.member)
	}
	return members, nil
}

func (f *fakeKV) RemoveIfScoreBelow(ctx context.Context, key, member string, threshold float64) (RemoveResult, error) {
	if f.failWith != nil {
		return RemoveResult{}, f.failWith
	}
	if f.beforeRemove != nil {
		f.beforeRemove()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	score, ok := f.sets[key][member]
	if !ok {
		return RemoveResult{}, nil
	}
	if score < threshold {
		delete(f.sets[key], member)
		return RemoveResult{Removed: true, Score: score, HasScore: true}, nil
	}
	return RemoveResult{Score: score, HasScore: true}, nil
}

func (f *fakeKV) Score(ctx context.Context, key, member string) (float64, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	score, ok := f.sets[key][member]
	if !ok {
		return 0, ErrKVNotFound
	}
	return score, nil
}

func (f *fakeKV) SetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.maps[key]
	if !ok {
		m = make(map[string]string)
		f.maps[key] = m
	}
	for field, value := range fields {
		m[field] = value
	}
	return nil
}

func (f *fakeKV) GetAll(ctx context.Context, key string) (map[string]string, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.maps[key]))
	for field, value := range f.maps[key] {
		out[field] = value
	}
	return out, nil
}

func (f *fakeKV) GetField(ctx context.Context, key, field string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.maps[key][field]
	if !ok {
		return "", ErrKVNotFound
	}
	return value, nil
}

func (f *fakeKV) MemberSnapshots(ctx context.Context, keys []MemberKey) ([]MemberSnapshot, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshots := make([]MemberSnapshot, len(keys))
	for i, k := range keys {
		if score, ok := f.sets[k.SetKey][k.Member]; ok {
			snapshots[i].Score = score
			snapshots[i].HasScore = true
		}
		state := make(map[string]string, len(f.maps[k.StateKey]))
		for field, value := range f.maps[k.StateKey] {
			state[field] = value
		}
		snapshots[i].State = state
	}
	return snapshots, nil
}

func (f *fakeKV) Healthy(ctx context.Context) error {
	return f.failWith
}

func (f *fakeKV) Close() error { return nil }

type publishedEnvelope struct {
	topic    string
	envelope StatusEnvelope
}

// fakeBus records publishes and fans them out to local joiners synchronously.
type fakeBus struct {
	mu          sync.Mutex
	published   []publishedEnvelope
	topics      map[string]map[BusSubscriber]struct{}
	failPublish error
}

func newFakeBus() *fakeBus {
	return &fakeBus{topics: make(map[string]map[BusSubscriber]struct{})}
}

func (b *fakeBus) Join(ctx context.Context, topic string, sub BusSubscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.topics[topic]
	if !ok {
		members = make(map[BusSubscriber]struct{})
		b.topics[topic] = members
	}
	members[sub] = struct{}{}
	return nil
}

func (b *fakeBus) Leave(ctx context.Context, topic string, sub BusSubscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.topics[topic]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(b.topics, topic)
		}
	}
	return nil
}

func (b *fakeBus) Publish(ctx context.Context, topic string, envelope *StatusEnvelope) error {
	b.mu.Lock()
	if b.failPublish != nil {
		b.mu.Unlock()
		return b.failPublish
	}
	b.published = append(b.published, publishedEnvelope{topic: topic, envelope: *envelope})
	subs := make([]BusSubscriber, 0)
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Deliver(topic, envelope)
	}
	return nil
}

func (b *fakeBus) Stop() {}

func (b *fakeBus) publishedTo(topic string) []StatusEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []StatusEnvelope
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p.envelope)
		}
	}
	return out
}

func (b *fakeBus) joined(topic string, sub BusSubscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[topic][sub]
	return ok
}

// fakeGraph is a directed edge set with profile names.
type fakeGraph struct {
	edges map[[2]int64]struct{}
	users map[int64]string
	err   error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		edges: make(map[[2]int64]struct{}),
		users: make(map[int64]string),
	}
}

func (g *fakeGraph) addUser(id int64, name string) {
	g.users[id] = name
}

func (g *fakeGraph) follow(a, b int64) {
	g.edges[[2]int64{a, b}] = struct{}{}
}

func (g *fakeGraph) IsMutual(ctx context.Context, a, b int64) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	if _, ok := g.edges[[2]int64{a, b}]; !ok {
		return false, nil
	}
	_, ok := g.edges[[2]int64{b, a}]
	return ok, nil
}

func (g *fakeGraph) UserExists(ctx context.Context, id int64) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	_, ok := g.users[id]
	return ok, nil
}

func (g *fakeGraph) Mutuals(ctx context.Context, a int64) ([]Friend, error) {
	if g.err != nil {
		return nil, g.err
	}
	var friends []Friend
	for edge := range g.edges {
		if edge[0] != a {
			continue
		}
		if _, ok := g.edges[[2]int64{edge[1], a}]; ok {
			friends = append(friends, Friend{UserID: edge[1], ProfileName: g.users[edge[1]]})
		}
	}
	sort.Slice(friends, func(i, j int) bool { return friends[i].UserID < friends[j].UserID })
	return friends, nil
}

// fakeSession satisfies Session for pipeline tests without a socket.
type fakeSession struct {
	id        uuid.UUID
	userID    int64
	logger    *zap.Logger
	bus       Bus
	maxSubs   int
	selfTopic string

	mu     sync.Mutex
	sent   []any
	topics map[string]struct{}
}

func newFakeSession(userID int64, bus Bus, maxSubs int) *fakeSession {
	return &fakeSession{
		id:        uuid.Must(uuid.NewV4()),
		userID:    userID,
		logger:    zap.NewNop(),
		bus:       bus,
		maxSubs:   maxSubs,
		selfTopic: StatusTopic(userID),
		topics:    make(map[string]struct{}),
	}
}

func (s *fakeSession) ID() uuid.UUID            { return s.id }
func (s *fakeSession) UserID() int64            { return s.userID }
func (s *fakeSession) ClientIP() string         { return "127.0.0.1" }
func (s *fakeSession) Context() context.Context { return context.Background() }
func (s *fakeSession) Logger() *zap.Logger      { return s.logger }

func (s *fakeSession) SendMessage(v any) {
	s.mu.Lock()
	s.sent = append(s.sent, v)
	s.mu.Unlock()
}

func (s *fakeSession) JoinTopic(ctx context.Context, topic string) error {
	s.mu.Lock()
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		return nil
	}
	if topic != s.selfTopic {
		subscribed := len(s.topics)
		if _, ok := s.topics[s.selfTopic]; ok {
			subscribed--
		}
		if subscribed >= s.maxSubs {
			s.mu.Unlock()
			return ErrSessionSubscriptionLimit
		}
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	if s.bus != nil {
		return s.bus.Join(ctx, topic, s)
	}
	return nil
}

func (s *fakeSession) LeaveTopic(ctx context.Context, topic string) {
	if topic == s.selfTopic {
		return
	}
	s.mu.Lock()
	_, ok := s.topics[topic]
	delete(s.topics, topic)
	s.mu.Unlock()
	if ok && s.bus != nil {
		_ = s.bus.Leave(ctx, topic, s)
	}
}

func (s *fakeSession) Deliver(topic string, envelope *StatusEnvelope) {
	s.mu.Lock()
	s.sent = append(s.sent, &statusMessage{
		Type:   MsgTypeStatus,
		UserID: envelope.UserID,
		Status: envelope.Status,
		Ts:     envelope.Ts,
	})
	s.mu.Unlock()
}

func (s *fakeSession) Consume()        {}
func (s *fakeSession) Close(msg string) {}

func (s *fakeSession) sentMessages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSession) joinedTopic(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}
