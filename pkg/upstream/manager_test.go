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

package upstream

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/devstore"
)

func newTestManager(t *testing.T) (*Manager, *devstore.Store, chan Message) {
	t.Helper()
	store := devstore.New(devstore.Config{})
	t.Cleanup(store.Close)
	inbound := make(chan Message, 8)
	return New(config.DefaultConfig().Broker, store, inbound), store, inbound
}

func TestClientIDCarriesPrefix(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.True(t, strings.HasPrefix(m.ClientID(), "digital-twin-"))
}

func TestStampMessageAssignsTimestampAndID(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	data := map[string]interface{}{
		"command": "set-temp",
		// Caller-supplied stamps must be overridden.
		"timestamp": "1999-01-01T00:00:00Z",
		"messageId": "bogus",
	}

	payload, messageID, err := stampMessage(data, now)
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)
	assert.NotEqual(t, "bogus", messageID)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "set-temp", decoded["command"])
	assert.Equal(t, "2025-03-01T12:00:00Z", decoded["timestamp"])
	assert.Equal(t, messageID, decoded["messageId"])

	// The input map is not mutated.
	assert.Equal(t, "bogus", data["messageId"])
}

func TestStampMessageIDsAreUnique(t *testing.T) {
	data := map[string]interface{}{"command": "toggle"}

	_, id1, err := stampMessage(data, time.Now())
	require.NoError(t, err)
	_, id2, err := stampMessage(data, time.Now())
	require.NoError(t, err)

	// Same command published twice yields two distinct messages.
	assert.NotEqual(t, id1, id2)
}

func TestPublishBeforeConnectIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t)

	// Must log and return without panicking or queuing anything.
	m.Publish("x/y", map[string]interface{}{"a": 1}, nil)
	assert.False(t, m.IsConnected())
}

func TestSubscribeBeforeConnectIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Subscribe("sensors/+/data")
	assert.False(t, m.IsConnected())
}

func TestDisconnectWithoutConnect(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Disconnect()
	assert.False(t, m.IsConnected())
}

func TestStatusPayload(t *testing.T) {
	m, _, _ := newTestManager(t)

	payload := m.statusPayload("offline")
	assert.Equal(t, m.ClientID(), payload["clientId"])
	assert.Equal(t, "offline", payload["status"])
	assert.NotEmpty(t, payload["timestamp"])
}

func TestDeviceDataAccessors(t *testing.T) {
	m, store, _ := newTestManager(t)

	store.Upsert("dev-1", map[string]interface{}{"value": 1.0}, time.Now())

	rec, err := m.DeviceData("dev-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", rec.DeviceID)

	_, err = m.DeviceData("missing")
	assert.ErrorIs(t, err, devstore.ErrNotFound)

	assert.Len(t, m.AllDeviceData(), 1)
}

func TestDefaultTopics(t *testing.T) {
	assert.Equal(t, []string{
		"sensors/+/data",
		"devices/+/status",
		"alerts/+/trigger",
		"energy/+/consumption",
		"occupancy/+/data",
		"maintenance/+/updates",
	}, DefaultTopics)
}
