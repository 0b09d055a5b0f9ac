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

// Package registry provides a thread-safe, in-memory registry of active
// realtime sessions, their room memberships and their per-device sensor
// interests. Rooms and interests are one-to-many: a room maps to the
// set of member sessions and a device maps to the set of sessions
// subscribed to its sensor stream, with reverse indexes so a session's
// disconnect cleans up everything it touched.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a session identifier is unknown.
var ErrNotFound = errors.New("session not found")

// Identity is the authenticated user attached to a session. It is
// resolved from a verified token at connection time and is immutable
// for the session's lifetime. It is a display hint, not an
// authorization boundary.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Session is the bookkeeping record for one realtime connection.
type Session struct {
	ID          string
	ConnectedAt time.Time
	Identity    *Identity
	rooms       map[string]struct{}
}

// UserID returns the session's user identifier, or the empty string for
// anonymous sessions.
func (s *Session) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.UserID
}

// Username returns the session's display name, or the empty string for
// anonymous sessions.
func (s *Session) Username() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.Username
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID          string    `json:"sessionId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Identity    *Identity `json:"identity,omitempty"`
	Rooms       []string  `json:"rooms"`
}

// Registry tracks every connected session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{} // room name -> session ids

	sensorSubs     map[string]map[string]struct{} // device id -> session ids
	sessionSensors map[string]map[string]struct{} // session id -> device ids
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions:       make(map[string]*Session),
		rooms:          make(map[string]map[string]struct{}),
		sensorSubs:     make(map[string]map[string]struct{}),
		sessionSensors: make(map[string]map[string]struct{}),
	}
}

// Register creates a session with no rooms and the given identity
// (nil for anonymous connections).
func (r *Registry) Register(sessionID string, identity *Identity, now time.Time) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &Session{
		ID:          sessionID,
		ConnectedAt: now,
		Identity:    identity,
		rooms:       make(map[string]struct{}),
	}
	r.sessions[sessionID] = sess
	return sess
}

// Unregister removes a session, its room memberships and its sensor
// interests. It returns ErrNotFound for unknown sessions.
func (r *Registry) Unregister(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for room := range sess.rooms {
		r.removeFromRoom(room, sessionID)
	}
	for deviceID := range r.sessionSensors[sessionID] {
		r.removeSensorSub(deviceID, sessionID)
	}
	delete(r.sessionSensors, sessionID)
	delete(r.sessions, sessionID)
	return nil
}

// Get returns the session for an identifier.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// JoinRoom adds a session to a room.
func (r *Registry) JoinRoom(sessionID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[sessionID] = struct{}{}
	return nil
}

// LeaveRoom removes a session from a room. Leaving a room the session
// never joined is a no-op.
func (r *Registry) LeaveRoom(sessionID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(sess.rooms, room)
	r.removeFromRoom(room, sessionID)
	return nil
}

// InRoom returns the identifiers of every session in a room.
func (r *Registry) InRoom(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.rooms[room])
}

// SubscribeSensor records a session's interest in a device's sensor
// stream. Multiple sessions may subscribe to the same device.
func (r *Registry) SubscribeSensor(sessionID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	subs, ok := r.sensorSubs[deviceID]
	if !ok {
		subs = make(map[string]struct{})
		r.sensorSubs[deviceID] = subs
	}
	subs[sessionID] = struct{}{}

	devices, ok := r.sessionSensors[sessionID]
	if !ok {
		devices = make(map[string]struct{})
		r.sessionSensors[sessionID] = devices
	}
	devices[deviceID] = struct{}{}
	return nil
}

// UnsubscribeSensor removes one session's interest in a device without
// affecting other subscribers of the same device.
func (r *Registry) UnsubscribeSensor(sessionID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	r.removeSensorSub(deviceID, sessionID)
	if devices, ok := r.sessionSensors[sessionID]; ok {
		delete(devices, deviceID)
		if len(devices) == 0 {
			delete(r.sessionSensors, sessionID)
		}
	}
	return nil
}

// SensorSubscribers returns the identifiers of every session subscribed
// to a device's sensor stream.
func (r *Registry) SensorSubscribers(deviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.sensorSubs[deviceID])
}

// All returns the identifiers of every connected session.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountInRoom returns the number of sessions in a room.
func (r *Registry) CountInRoom(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// ListAll returns a snapshot of every connected session.
func (r *Registry) ListAll() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, SessionInfo{
			ID:          sess.ID,
			ConnectedAt: sess.ConnectedAt,
			Identity:    sess.Identity,
			Rooms:       keys(sess.rooms),
		})
	}
	return out
}

// removeFromRoom must be called with the write lock held.
func (r *Registry) removeFromRoom(room, sessionID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// removeSensorSub must be called with the write lock held.
func (r *Registry) removeSensorSub(deviceID, sessionID string) {
	subs, ok := r.sensorSubs[deviceID]
	if !ok {
		return
	}
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(r.sensorSubs, deviceID)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
