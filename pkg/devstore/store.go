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

// Package devstore provides the in-process cache of the last-known
// state of every device the relay has heard from. It is a liveness
// cache only; durability belongs to the persistence hooks.
package devstore

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for a device.
var ErrNotFound = errors.New("device not found")

// Record is the last-known state of one device. Payload is the full
// most recent inbound payload; writes replace it wholesale, never merge.
type Record struct {
	DeviceID string                 `json:"deviceId"`
	Payload  map[string]interface{} `json:"payload"`
	LastSeen time.Time              `json:"lastSeen"`
}

// Config controls optional expiry of stale records. Zero values disable
// the sweep, retaining records for the process lifetime.
type Config struct {
	DeviceExpiry    time.Duration
	CleanupInterval time.Duration
}

// Store is a thread-safe mapping from device identifier to its most
// recent reported payload. Iteration order is insertion order.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string

	config      Config
	cleanupTick *time.Ticker
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New creates a Store. If both expiry and cleanup interval are set, a
// background sweep removes records not seen within the expiry window.
func New(config Config) *Store {
	s := &Store{
		records:     make(map[string]*Record),
		config:      config,
		stopCleanup: make(chan struct{}),
	}
	if config.DeviceExpiry > 0 && config.CleanupInterval > 0 {
		s.cleanupTick = time.NewTicker(config.CleanupInterval)
		go s.cleanupLoop()
	}
	return s
}

// Upsert creates or replaces the record for a device, stamping LastSeen
// with the receipt time. The payload replaces any previous payload in
// full; stale fields from earlier messages never survive.
func (s *Store) Upsert(deviceID string, payload map[string]interface{}, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[deviceID]; !exists {
		s.order = append(s.order, deviceID)
	}
	s.records[deviceID] = &Record{
		DeviceID: deviceID,
		Payload:  payload,
		LastSeen: now,
	}
}

// Get returns the current record for a device, or ErrNotFound.
func (s *Store) Get(deviceID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// All returns every record in insertion order.
func (s *Store) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, id := range s.order {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of tracked devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// OnlineCount returns the number of devices whose last payload reported
// status "online".
func (s *Store) OnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if status, ok := rec.Payload["status"].(string); ok && status == "online" {
			n++
		}
	}
	return n
}

// Close stops the background sweep, if one is running.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.cleanupTick != nil {
			s.cleanupTick.Stop()
			close(s.stopCleanup)
		}
	})
}

func (s *Store) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTick.C:
			s.evictExpired(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.config.DeviceExpiry)
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	if removed > 0 {
		log.Printf("[INFO] Evicted %d stale device records", removed)
	}
}
