// Package gateway is the JSON-RPC over WebSocket hub: it authenticates
// subscribers, routes method calls to the owning subsystem, and fans
// broadcast events out to every connected client.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/approval"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/ingress"
	"github.com/openclaw/openclaw/internal/pairing"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/transcript"
	"github.com/openclaw/openclaw/internal/voicecall"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// ErrAuthRequired is returned when the bind mode exposes the gateway beyond
// loopback without a token or password configured. cmd maps it to exit 3.
var ErrAuthRequired = errors.New("non-loopback bind requires OPENCLAW_GATEWAY_TOKEN or OPENCLAW_GATEWAY_PASSWORD")

const shutdownGrace = 5 * time.Second

// Deps are the subsystems the method handlers call into. Nil fields make the
// corresponding methods answer UNAVAILABLE.
type Deps struct {
	Controller  *agent.Controller
	Registry    *sessions.Registry
	Transcripts *transcript.Store
	Gate        *ingress.Gate
	Cron        *cron.Service
	CronStore   *cron.Store
	Approvals   *approval.Engine
	Voice       *voicecall.Manager
	Pairing     *pairing.Store
	ConfigPath  string
}

// Server is the gateway hub: one WebSocket endpoint, one health endpoint,
// and the broadcast fan-out.
type Server struct {
	cfg    *config.Config
	events bus.EventPublisher
	deps   Deps
	router *MethodRouter

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the hub and registers every method handler.
func NewServer(cfg *config.Config, events bus.EventPublisher, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		deps:    deps,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)
	return s
}

// Router returns the method router for registering additional handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// ListenAddr resolves the bind mode to a TCP address. With bind=tailnet the
// tsnet listener owns the tailnet side and the local side stays on loopback.
// Non-loopback binds without auth are refused.
func ListenAddr(cfg *config.Config) (string, error) {
	gw := cfg.Gateway
	port := gw.Port
	if port == 0 {
		port = 18789
	}

	host := "127.0.0.1"
	switch gw.Bind {
	case "", "loopback", "tailnet":
	case "lan":
		host = "0.0.0.0"
	case "custom":
		if gw.Host == "" {
			return "", fmt.Errorf("bind=custom requires gateway.host")
		}
		host = gw.Host
	default:
		return "", fmt.Errorf("unknown gateway.bind %q", gw.Bind)
	}

	if host != "127.0.0.1" && gw.Token == "" && gw.Password == "" {
		return "", ErrAuthRequired
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

// checkOrigin validates the WebSocket Origin header against the whitelist.
// No configured origins or an absent header (CLI/SDK clients) allows all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// authorize checks the upgrade request's bearer token or password. With no
// auth configured every request passes; the loopback-only bind is enforced
// at listen time.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	password := s.cfg.Gateway.Password
	if token == "" && password == "" {
		return true
	}

	presented := r.URL.Query().Get("token")
	if presented == "" {
		presented = r.URL.Query().Get("password")
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	}
	if presented == "" {
		return false
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
		return true
	}
	if password != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(password)) == 1 {
		return true
	}
	return false
}

// BuildMux creates and caches the HTTP mux. Call before Start when the mux
// is needed for additional listeners (tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then drains with a shutdown
// broadcast and a bounded grace period.
func (s *Server) Start(ctx context.Context) error {
	addr, err := ListenAddr(s.cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := s.BuildMux()
	s.httpServer = &http.Server{Handler: mux}

	slog.Info("gateway.listening", "addr", ln.Addr().String(), "bind", s.cfg.Gateway.Bind)

	go func() {
		<-ctx.Done()
		s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, map[string]interface{}{
			"reason": "shutdown",
		}))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket authenticates and upgrades, then runs the client until it
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		slog.Warn("gateway.auth_rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent sends an event frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// Forward bus events to this subscriber; cache.* stays internal.
	s.events.Subscribe(c.id, func(event bus.Event) {
		if strings.HasPrefix(event.Name, "cache.") {
			return
		}
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.events.Unsubscribe(c.id)
	slog.Info("gateway.client_disconnected", "id", c.id)
}

// StartTestServer listens on 127.0.0.1:0 and returns the bound address plus
// a blocking start function. Integration tests use it.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	addr = ln.Addr().String()
	start = func() { s.Serve(ctx, ln) }
	return addr, start
}
