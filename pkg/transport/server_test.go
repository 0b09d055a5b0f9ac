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

package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/devstore"
	"github.com/twinops/twinrelay-go/pkg/fanout"
	"github.com/twinops/twinrelay-go/pkg/hooks"
	"github.com/twinops/twinrelay-go/pkg/registry"
	"github.com/twinops/twinrelay-go/pkg/upstream"
)

type stubPublisher struct{}

func (stubPublisher) Publish(string, map[string]interface{}, *upstream.PublishOptions) {}
func (stubPublisher) Subscribe(string)                                                 {}
func (stubPublisher) IsConnected() bool                                                { return true }

// staticVerifier accepts exactly one token.
type staticVerifier struct {
	token    string
	identity *registry.Identity
}

func (v *staticVerifier) Verify(token string) (*registry.Identity, error) {
	if token != v.token {
		return nil, fmt.Errorf("unknown token")
	}
	return v.identity, nil
}

func startTestServer(t *testing.T, verifier TokenVerifier) (*Server, *registry.Registry, string) {
	t.Helper()

	reg := registry.New()
	store := devstore.New(devstore.Config{})
	t.Cleanup(store.Close)

	svc := fanout.New(reg, store, stubPublisher{}, &hooks.LogSink{}, make(chan upstream.Message))

	cfg := config.DefaultConfig().Transport
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, svc, verifier)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv, reg, fmt.Sprintf("ws://%s/ws", srv.Addr())
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) fanout.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env fanout.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestConnectDeliversInitialEvents(t *testing.T) {
	_, reg, url := startTestServer(t, nil)

	conn := dial(t, url)

	assert.Equal(t, "system-status", readEnvelope(t, conn).Event)
	assert.Equal(t, "recent-alerts", readEnvelope(t, conn).Event)
	assert.Equal(t, "device-status-summary", readEnvelope(t, conn).Event)
	assert.Equal(t, 1, reg.Count())
}

func TestVerifiedTokenBindsIdentity(t *testing.T) {
	verifier := &staticVerifier{
		token:    "good",
		identity: &registry.Identity{UserID: "u1", Username: "alice", Role: "admin"},
	}
	_, _, url := startTestServer(t, verifier)

	conn := dial(t, url+"?token=good")
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "authenticate"}))

	env := readEnvelope(t, conn)
	require.Equal(t, "authenticated", env.Event)
	payload := env.Payload.(map[string]interface{})
	assert.Equal(t, true, payload["success"])
	user := payload["user"].(map[string]interface{})
	assert.Equal(t, "u1", user["userId"])
	assert.Equal(t, "alice", user["username"])
}

func TestBadTokenDegradesToAnonymous(t *testing.T) {
	verifier := &staticVerifier{token: "good"}
	_, reg, url := startTestServer(t, verifier)

	// Wrong token still connects; it just carries no identity.
	conn := dial(t, url+"?token=wrong")
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}
	assert.Equal(t, 1, reg.Count())

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "authenticate"}))

	env := readEnvelope(t, conn)
	require.Equal(t, "authenticated", env.Event)
	payload := env.Payload.(map[string]interface{})
	assert.Equal(t, false, payload["success"])
}

func TestRoomEventsFlowBetweenSessions(t *testing.T) {
	_, _, url := startTestServer(t, nil)

	first := dial(t, url)
	for i := 0; i < 3; i++ {
		readEnvelope(t, first)
	}
	second := dial(t, url)
	for i := 0; i < 3; i++ {
		readEnvelope(t, second)
	}

	require.NoError(t, first.WriteJSON(map[string]interface{}{"event": "join-room", "payload": "bim-42"}))
	// Wait for the join to land before the second session joins.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, second.WriteJSON(map[string]interface{}{"event": "join-room", "payload": "bim-42"}))

	env := readEnvelope(t, first)
	assert.Equal(t, "user-joined", env.Event)
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	_, reg, url := startTestServer(t, nil)

	first := dial(t, url)
	for i := 0; i < 3; i++ {
		readEnvelope(t, first)
	}
	second := dial(t, url)
	for i := 0; i < 3; i++ {
		readEnvelope(t, second)
	}

	require.NoError(t, second.Close())

	env := readEnvelope(t, first)
	assert.Equal(t, "user-disconnected", env.Event)
	require.Eventually(t, func() bool {
		return reg.Count() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUndecodableEventIsIgnored(t *testing.T) {
	_, reg, url := startTestServer(t, nil)

	conn := dial(t, url)
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	// Connection stays up; a valid event afterwards still works.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "authenticate"}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "authenticated", env.Event)
	assert.Equal(t, 1, reg.Count())
}

func TestOriginChecker(t *testing.T) {
	check := buildOriginChecker([]string{"https://dashboard.example.com", " https://ops.example.com ", "garbage"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:9000", true},
		{"https://dashboard.example.com", true},
		{"HTTPS://DASHBOARD.EXAMPLE.COM", true},
		{"https://ops.example.com", true},
		{"https://evil.example.com", false},
		{"http://dashboard.example.com", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		r := &http.Request{Header: http.Header{}}
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, check(r), "origin %q", tt.origin)
	}
}

func TestSendToUnknownSessionIsNoOp(t *testing.T) {
	srv, _, _ := startTestServer(t, nil)
	srv.Send("ghost", fanout.Envelope{Event: "sensor-data"})
}

func TestEnvelopeWireShape(t *testing.T) {
	msg, err := json.Marshal(fanout.Envelope{Event: "sensor-data", Payload: map[string]interface{}{"deviceId": "dev-1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"sensor-data","payload":{"deviceId":"dev-1"}}`, string(msg))
}
