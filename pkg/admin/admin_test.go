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

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/devstore"
	"github.com/twinops/twinrelay-go/pkg/registry"
	"github.com/twinops/twinrelay-go/pkg/upstream"
)

func newTestAPI(t *testing.T) (*APIServer, *devstore.Store, *registry.Registry) {
	t.Helper()
	store := devstore.New(devstore.Config{})
	t.Cleanup(store.Close)
	reg := registry.New()
	manager := upstream.New(config.DefaultConfig().Broker, store, make(chan upstream.Message, 1))
	return NewAPIServer(store, reg, manager), store, reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	api, store, reg := newTestAPI(t)
	store.Upsert("dev-1", map[string]interface{}{"status": "online"}, time.Now())
	store.Upsert("dev-2", map[string]interface{}{"status": "offline"}, time.Now())
	reg.Register("s1", nil, time.Now())

	rec := get(t, api.Handler(), "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status StatusInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.MQTTConnected)
	assert.Equal(t, 1, status.TotalClients)
	assert.Equal(t, 2, status.TotalDevices)
	assert.Equal(t, 1, status.OnlineDevices)
}

func TestDevicesEndpoint(t *testing.T) {
	api, store, _ := newTestAPI(t)
	store.Upsert("dev-1", map[string]interface{}{"value": 22.5}, time.Now())
	store.Upsert("dev-2", map[string]interface{}{"value": 19.0}, time.Now())

	rec := get(t, api.Handler(), "/api/v1/devices")
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 2)
	assert.Equal(t, "dev-1", devices[0]["deviceId"])
	assert.Equal(t, "dev-2", devices[1]["deviceId"])
}

func TestDeviceByIDEndpoint(t *testing.T) {
	api, store, _ := newTestAPI(t)
	store.Upsert("dev-1", map[string]interface{}{"value": 22.5}, time.Now())

	rec := get(t, api.Handler(), "/api/v1/devices/dev-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var device map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))
	assert.Equal(t, "dev-1", device["deviceId"])
}

func TestDeviceByIDNotFound(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := get(t, api.Handler(), "/api/v1/devices/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceByIDMissingID(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := get(t, api.Handler(), "/api/v1/devices/")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsEndpoint(t *testing.T) {
	api, _, reg := newTestAPI(t)
	reg.Register("s1", &registry.Identity{UserID: "u1"}, time.Now())
	require.NoError(t, reg.JoinRoom("s1", "bim-42"))

	rec := get(t, api.Handler(), "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []registry.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, []string{"bim-42"}, sessions[0].Rooms)
}

func TestHealthEndpoint(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := get(t, api.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	api, _, _ := newTestAPI(t)

	for _, path := range []string{"/api/v1/status", "/api/v1/devices", "/api/v1/devices/dev-1", "/api/v1/sessions"} {
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "path %s", path)
	}
}
