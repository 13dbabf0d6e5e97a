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
)

// FriendStatus is one row of the "who is online among my mutuals" answer.
type FriendStatus struct {
	UserID      int64  `json:"user_id"`
	ProfileName string `json:"profile_name"`
	Status      Status `json:"status"`
	LastSeen    int64  `json:"last_seen"`
}

// FriendsLeaderboard computes the requester's mutuals sorted online-first,
// most recently updated first, truncated to limit.
func FriendsLeaderboard(ctx context.Context, graph GraphResolver, presence *PresenceStore, requester int64, limit int, now int64) ([]FriendStatus, error) {
	mutuals, err := graph.Mutuals(ctx, requester)
	if err != nil {
		return nil, err
	}
	if len(mutuals) == 0 {
		return []FriendStatus{}, nil
	}

	userIDs := make([]int64, len(mutuals))
	names := make(map[int64]string, len(mutuals))
	for i, friend := range mutuals {
		userIDs[i] = friend.UserID
		names[friend.UserID] = friend.ProfileName
	}

	statuses, err := presence.EffectiveStatusBatch(ctx, userIDs, now)
	if err != nil {
		return nil, err
	}

	rows := make([]FriendStatus, len(statuses))
	for i, st := range statuses {
		rows[i] = FriendStatus{
			UserID:      st.UserID,
			ProfileName: names[st.UserID],
			Status:      st.Status,
			LastSeen:    st.Ts,
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		iOnline := rows[i].Status == StatusOnline
		jOnline := rows[j].Status == StatusOnline
		if iOnline != jOnline {
			return iOnline
		}
		return rows[i].LastSeen > rows[j].LastSeen
	})

	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
