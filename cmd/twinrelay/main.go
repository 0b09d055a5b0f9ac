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

// package main is the entrypoint for the twinrelay application.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/twinops/twinrelay-go/pkg/admin"
	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/devstore"
	"github.com/twinops/twinrelay-go/pkg/fanout"
	"github.com/twinops/twinrelay-go/pkg/hooks"
	"github.com/twinops/twinrelay-go/pkg/metrics"
	"github.com/twinops/twinrelay-go/pkg/registry"
	"github.com/twinops/twinrelay-go/pkg/transport"
	"github.com/twinops/twinrelay-go/pkg/upstream"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (.yaml, .yml or .json)")
	flag.Parse()

	log.Println("Starting twinrelay...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.ApplyEnv()

	sink, err := hooks.NewSink(cfg.Hooks)
	if err != nil {
		log.Fatalf("Failed to build hook sink: %v", err)
	}
	defer sink.Close()

	// --- Relay state ---
	store := devstore.New(devstore.Config{
		DeviceExpiry:    cfg.Store.DeviceExpiry.Std(),
		CleanupInterval: cfg.Store.CleanupInterval.Std(),
	})
	defer store.Close()
	reg := registry.New()

	// --- Broker connection and fan-out loop ---
	inbound := make(chan upstream.Message, cfg.Broker.InboundQueueSize)
	manager := upstream.New(cfg.Broker, store, inbound)
	svc := fanout.New(reg, store, manager, sink, inbound)
	svc.Start()
	defer svc.Stop()

	manager.Connect()
	defer manager.Disconnect()

	// --- Realtime transport ---
	// Identity verification is supplied by the auth service; without it
	// every session is anonymous.
	ws := transport.NewServer(cfg.Transport, svc, nil)
	if err := ws.Start(); err != nil {
		log.Fatalf("WebSocket server failed to start: %v", err)
	}
	defer ws.Stop()

	// --- Metrics and admin servers ---
	go metrics.Serve(cfg.MetricsAddr)
	api := admin.NewAPIServer(store, reg, manager)
	go func() {
		if err := api.Serve(cfg.AdminAddr); err != nil {
			log.Printf("[ERROR] Admin API server failed: %v", err)
		}
	}()

	// --- Wait for shutdown signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
}
