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

// Package transport provides the WebSocket endpoint browser clients
// connect to. Each connection gets a reader goroutine that decodes
// inbound event envelopes and a writer goroutine that drains the
// session's buffered send queue, so per-session delivery order is FIFO
// and a slow session is dropped instead of blocking fan-out.
package transport

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/fanout"
	"github.com/twinops/twinrelay-go/pkg/metrics"
	"github.com/twinops/twinrelay-go/pkg/registry"
)

// TokenVerifier resolves a connection token into a verified identity.
// It is supplied by the external auth collaborator; the relay itself
// never issues or validates credentials. A nil verifier means every
// session is anonymous.
type TokenVerifier interface {
	Verify(token string) (*registry.Identity, error)
}

// inboundEnvelope is the wire shape of every client-originated event.
type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	dropOnce  sync.Once
}

// Server accepts WebSocket connections and bridges them to the fan-out
// service.
type Server struct {
	cfg      config.TransportConfig
	svc      *fanout.Service
	verifier TokenVerifier
	upgrader websocket.Upgrader

	listener net.Listener
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[string]*client
}

// NewServer creates the transport server and attaches it to the fan-out
// service as its delivery surface.
func NewServer(cfg config.TransportConfig, svc *fanout.Service, verifier TokenVerifier) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: buildOriginChecker(cfg.AllowedOrigins)}
	svc.AttachSender(s)
	return s
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] WebSocket server failed: %v", err)
		}
	}()

	log.Printf("WebSocket server listening on %s", ln.Addr())
	return nil
}

// Stop closes the listener and every active session.
func (s *Server) Stop() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.drop(c)
	}
	log.Println("WebSocket server stopped")
}

// Addr returns the network address the server is listening on, or nil
// before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Send queues an envelope for one session. A session that cannot drain
// its queue is dropped; fan-out never blocks on a slow client.
func (s *Server) Send(sessionID string, env fanout.Envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		log.Printf("[ERROR] Failed to encode %s event: %v", env.Event, err)
		return
	}

	s.mu.Lock()
	c, ok := s.clients[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		metrics.SessionsDroppedTotal.Inc()
		log.Printf("[WARN] Send queue full, dropping session %s", sessionID)
		s.drop(c)
	}
}

// serveWS upgrades the connection, resolves the session identity from
// the optional token query parameter and starts the session pumps.
// An invalid token degrades to an anonymous session; identity is a
// display hint, not an authorization boundary.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] WebSocket upgrade failed: %v", err)
		return
	}

	var identity *registry.Identity
	if token := r.URL.Query().Get("token"); token != "" && s.verifier != nil {
		identity, err = s.verifier.Verify(token)
		if err != nil {
			log.Printf("[WARN] Token verification failed for %s: %v", r.RemoteAddr, err)
			identity = nil
		}
	}

	c := &client{
		sessionID: uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, s.cfg.SendQueueSize),
	}

	s.mu.Lock()
	s.clients[c.sessionID] = c
	s.mu.Unlock()

	s.svc.Connect(c.sessionID, identity)

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.drop(c)
		c.conn.Close()
	}()

	pongWait := 2 * s.cfg.PingInterval.Std()
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[WARN] Set read deadline for %s: %v", c.sessionID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WARN] Read error for %s: %v", c.sessionID, err)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("[WARN] Extend read deadline for %s: %v", c.sessionID, err)
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("[WARN] Undecodable event from %s: %v", c.sessionID, err)
			continue
		}
		s.svc.Dispatch(c.sessionID, env.Event, env.Payload)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval.Std())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout.Std())); err != nil {
				s.drop(c)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("[WARN] Write error for %s: %v", c.sessionID, err)
				s.drop(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(s.cfg.WriteTimeout.Std())); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

// drop removes a session exactly once: it leaves the client map, its
// send queue is closed and the fan-out service unregisters it.
func (s *Server) drop(c *client) {
	c.dropOnce.Do(func() {
		s.mu.Lock()
		delete(s.clients, c.sessionID)
		close(c.send)
		s.mu.Unlock()

		s.svc.Disconnect(c.sessionID)
	})
}

// buildOriginChecker allows requests with no Origin header (non-browser
// clients), localhost origins and anything on the configured allowlist.
func buildOriginChecker(allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || u.Scheme == "" || u.Host == "" {
			log.Printf("[WARN] Ignoring invalid allowed origin %q", origin)
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	localHosts := map[string]struct{}{
		"127.0.0.1": {},
		"localhost": {},
		"::1":       {},
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return true
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		_, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]
		return ok
	}
}
