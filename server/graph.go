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
	"container/list"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrGraphUnavailable reports that the social-graph store could not answer.
// Callers treat it as authorization denied.
var ErrGraphUnavailable = errors.New("graph: store unavailable")

// Friend is one entry of a user's mutual-follow set.
type Friend struct {
	UserID      int64
	ProfileName string
}

// GraphResolver answers follow-graph questions for subscription authorization
// and the friends leaderboard.
type GraphResolver interface {
	// IsMutual reports whether a→b and b→a both exist. The check
	// short-circuits: an absent a→b edge answers false without touching b→a.
	IsMutual(ctx context.Context, a, b int64) (bool, error)
	UserExists(ctx context.Context, id int64) (bool, error)
	Mutuals(ctx context.Context, a int64) ([]Friend, error)
}

var _ GraphResolver = (*SQLGraphResolver)(nil)

// SQLGraphResolver resolves the follow graph from the relational store.
// Positive mutual answers are cached briefly to absorb subscribe bursts;
// negative answers are never cached, so a just-reciprocated follow is not
// spuriously denied.
type SQLGraphResolver struct {
	logger *zap.Logger
	db     *sql.DB
	cache  *mutualCache
}

func NewSQLGraphResolver(logger *zap.Logger, db *sql.DB) *SQLGraphResolver {
	return &SQLGraphResolver{
		logger: logger,
		db:     db,
		cache:  newMutualCache(8192, 60*time.Second),
	}
}

func (g *SQLGraphResolver) IsMutual(ctx context.Context, a, b int64) (bool, error) {
	key := mutualPairKey(a, b)
	if g.cache.get(key, time.Now()) {
		return true, nil
	}

	var forward bool
	err := g.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM followers WHERE following_user_id = $1 AND followed_user_id = $2)",
		a, b).Scan(&forward)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
	}
	if !forward {
		return false, nil
	}

	var reverse bool
	err = g.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM followers WHERE following_user_id = $1 AND followed_user_id = $2)",
		b, a).Scan(&reverse)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
	}

	if reverse {
		g.cache.put(key, time.Now())
	}
	return reverse, nil
}

func (g *SQLGraphResolver) UserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := g.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM app_users WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
	}
	return exists, nil
}

func (g *SQLGraphResolver) Mutuals(ctx context.Context, a int64) ([]Friend, error) {
	rows, err := g.db.QueryContext(ctx, `
SELECT u.id, u.profile_name
FROM followers f
JOIN followers r ON r.following_user_id = f.followed_user_id AND r.followed_user_id = f.following_user_id
JOIN app_users u ON u.id = f.followed_user_id
WHERE f.following_user_id = $1`, a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
	}
	defer rows.Close()

	var friends []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.UserID, &f.ProfileName); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
		}
		friends = append(friends, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
	}
	return friends, nil
}

func mutualPairKey(a, b int64) string {
	// Mutuality is symmetric; normalize so both directions share an entry.
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// mutualCache is a bounded LRU of positive mutual-follow answers with a TTL.
// The pack's corpus carries no bounded-LRU dependency, so it is built on
// container/list.
type mutualCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List
}

type mutualCacheEntry struct {
	key     string
	expires time.Time
}

func newMutualCache(capacity int, ttl time.Duration) *mutualCache {
	return &mutualCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *mutualCache) get(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*mutualCacheEntry)
	if now.After(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return false
	}
	c.order.MoveToFront(elem)
	return true
}

func (c *mutualCache) put(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*mutualCacheEntry).expires = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*mutualCacheEntry).key)
	}

	c.entries[key] = c.order.PushFront(&mutualCacheEntry{key: key, expires: now.Add(c.ttl)})
}

func (c *mutualCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
