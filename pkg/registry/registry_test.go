// Copyright 2025 The twinrelay-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	now := time.Now()

	sess := r.Register("s1", &Identity{UserID: "u1", Username: "alice", Role: "admin"}, now)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, now, sess.ConnectedAt)
	assert.Equal(t, "u1", sess.UserID())
	assert.Equal(t, "alice", sess.Username())

	got, err := r.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, sess, got)
	assert.Equal(t, 1, r.Count())
}

func TestAnonymousSession(t *testing.T) {
	r := New()
	sess := r.Register("s1", nil, time.Now())
	assert.Nil(t, sess.Identity)
	assert.Empty(t, sess.UserID())
	assert.Empty(t, sess.Username())
}

func TestJoinAndLeaveRoom(t *testing.T) {
	r := New()
	r.Register("s1", nil, time.Now())
	r.Register("s2", nil, time.Now())

	require.NoError(t, r.JoinRoom("s1", "bim-42"))
	require.NoError(t, r.JoinRoom("s2", "bim-42"))
	assert.ElementsMatch(t, []string{"s1", "s2"}, r.InRoom("bim-42"))
	assert.Equal(t, 2, r.CountInRoom("bim-42"))

	require.NoError(t, r.LeaveRoom("s1", "bim-42"))
	assert.ElementsMatch(t, []string{"s2"}, r.InRoom("bim-42"))

	// Leaving a room the session never joined is a no-op.
	require.NoError(t, r.LeaveRoom("s1", "bim-42"))
}

func TestRoomOperationsOnUnknownSession(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.JoinRoom("ghost", "bim-1"), ErrNotFound)
	assert.ErrorIs(t, r.LeaveRoom("ghost", "bim-1"), ErrNotFound)
	assert.ErrorIs(t, r.SubscribeSensor("ghost", "dev-1"), ErrNotFound)
	assert.ErrorIs(t, r.Unregister("ghost"), ErrNotFound)
}

func TestSensorSubscriptionsAreOneToMany(t *testing.T) {
	r := New()
	r.Register("s1", nil, time.Now())
	r.Register("s2", nil, time.Now())

	require.NoError(t, r.SubscribeSensor("s1", "dev-1"))
	require.NoError(t, r.SubscribeSensor("s2", "dev-1"))

	// The second subscriber must not displace the first.
	assert.ElementsMatch(t, []string{"s1", "s2"}, r.SensorSubscribers("dev-1"))
}

func TestUnsubscribeSensorIsSelective(t *testing.T) {
	r := New()
	r.Register("s1", nil, time.Now())
	r.Register("s2", nil, time.Now())
	require.NoError(t, r.SubscribeSensor("s1", "dev-1"))
	require.NoError(t, r.SubscribeSensor("s2", "dev-1"))

	require.NoError(t, r.UnsubscribeSensor("s1", "dev-1"))

	assert.ElementsMatch(t, []string{"s2"}, r.SensorSubscribers("dev-1"))
}

func TestUnregisterCleansUpEverything(t *testing.T) {
	r := New()
	r.Register("s1", nil, time.Now())
	r.Register("s2", nil, time.Now())
	require.NoError(t, r.JoinRoom("s1", "bim-42"))
	require.NoError(t, r.JoinRoom("s1", "map-7"))
	require.NoError(t, r.SubscribeSensor("s1", "dev-1"))
	require.NoError(t, r.SubscribeSensor("s2", "dev-1"))

	require.NoError(t, r.Unregister("s1"))

	assert.Empty(t, r.InRoom("bim-42"))
	assert.Empty(t, r.InRoom("map-7"))
	assert.ElementsMatch(t, []string{"s2"}, r.SensorSubscribers("dev-1"))
	_, err := r.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, r.Count())
}

func TestListAll(t *testing.T) {
	r := New()
	r.Register("s1", &Identity{UserID: "u1"}, time.Now())
	r.Register("s2", nil, time.Now())
	require.NoError(t, r.JoinRoom("s1", "bim-42"))

	infos := r.ListAll()
	require.Len(t, infos, 2)

	byID := map[string]SessionInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.Equal(t, []string{"bim-42"}, byID["s1"].Rooms)
	assert.Equal(t, "u1", byID["s1"].Identity.UserID)
	assert.Nil(t, byID["s2"].Identity)
	assert.Empty(t, byID["s2"].Rooms)
}
