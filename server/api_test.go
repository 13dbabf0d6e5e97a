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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	key := []byte("testencryptionkey")

	token, err := generateToken(key, 7, time.Hour)
	require.NoError(t, err)

	userID, ok := parseToken(key, token)
	require.True(t, ok)
	assert.Equal(t, int64(7), userID)
}

func TestParseTokenRejectsWrongKey(t *testing.T) {
	token, err := generateToken([]byte("key-one"), 7, time.Hour)
	require.NoError(t, err)

	_, ok := parseToken([]byte("key-two"), token)
	assert.False(t, ok)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := generateToken([]byte("testencryptionkey"), 7, -time.Minute)
	require.NoError(t, err)

	_, ok := parseToken([]byte("testencryptionkey"), token)
	assert.False(t, ok)
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, ok := parseToken([]byte("testencryptionkey"), "not-a-token")
	assert.False(t, ok)
}
