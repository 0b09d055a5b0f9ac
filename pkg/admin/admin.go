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

// Package admin provides a read-only REST API over the relay's
// in-memory state, for the dashboard's HTTP layer and for operators.
// It exposes no mutations; the realtime protocol is the only write
// surface.
package admin

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/twinops/twinrelay-go/pkg/devstore"
	"github.com/twinops/twinrelay-go/pkg/registry"
	"github.com/twinops/twinrelay-go/pkg/upstream"
)

// APIServer serves the relay state endpoints.
type APIServer struct {
	store     *devstore.Store
	reg       *registry.Registry
	manager   *upstream.Manager
	startedAt time.Time
}

// StatusInfo is the response body for /api/v1/status.
type StatusInfo struct {
	MQTTConnected bool      `json:"mqttConnected"`
	TotalClients  int       `json:"totalClients"`
	TotalDevices  int       `json:"totalDevices"`
	OnlineDevices int       `json:"onlineDevices"`
	UptimeSeconds int64     `json:"uptime"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewAPIServer creates the API server over the given relay state.
func NewAPIServer(store *devstore.Store, reg *registry.Registry, manager *upstream.Manager) *APIServer {
	return &APIServer{
		store:     store,
		reg:       reg,
		manager:   manager,
		startedAt: time.Now(),
	}
}

// Handler returns the route mux, exposed separately so tests can drive
// it with httptest.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/devices", s.handleDevices)
	mux.HandleFunc("/api/v1/devices/", s.handleDeviceByID)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Serve starts the API server. It blocks.
func (s *APIServer) Serve(addr string) error {
	log.Printf("Admin API server listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, StatusInfo{
		MQTTConnected: s.manager.IsConnected(),
		TotalClients:  s.reg.Count(),
		TotalDevices:  s.store.Len(),
		OnlineDevices: s.store.OnlineCount(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Timestamp:     time.Now().UTC(),
	})
}

func (s *APIServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.store.All())
}

func (s *APIServer) handleDeviceByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	deviceID := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	if deviceID == "" {
		s.writeError(w, http.StatusBadRequest, "Device ID is required")
		return
	}
	rec, err := s.store.Get(deviceID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	s.writeJSON(w, rec)
}

func (s *APIServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.reg.ListAll())
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Failed to encode admin response: %v", err)
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
