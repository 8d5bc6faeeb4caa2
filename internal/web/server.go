// Package web serves the status API: devices, accessories, permit join,
// the live event stream and Prometheus metrics.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"zigbee-homekit/internal/coordinator"
	"zigbee-homekit/internal/homekit"
	"zigbee-homekit/internal/metrics"
	"zigbee-homekit/internal/store"
)

// Backend is the network controller as the API sees it.
type Backend interface {
	Devices() ([]*store.Device, error)
	Device(ieee string) (*store.Device, error)
	PermitJoin(ctx context.Context, seconds uint8) error
	NetworkInfo() map[string]any
	Events() *coordinator.EventBus
}

// Accessories lists the HomeKit accessories.
type Accessories interface {
	Switches() []*homekit.SwitchAccessory
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP status API.
type Server struct {
	backend        Backend
	accessories    Accessories
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	handler        http.Handler
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubs         []func()
}

// NewServer creates the server and starts streaming controller events and
// accessory state changes to WebSocket clients.
func NewServer(backend Backend, accessories Accessories, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		backend:     backend,
		accessories: accessories,
		logger:      logger.With("component", "web"),
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubs = append(s.unsubs, backend.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	}))
	for _, sw := range accessories.Switches() {
		ieee := sw.IEEEAddr()
		s.unsubs = append(s.unsubs, sw.Subscribe(func(on bool) {
			s.wsHub.Broadcast(coordinator.Event{
				Type: EventAccessoryState,
				Data: accessoryState{IEEEAddr: ieee, On: on},
			})
		}))
	}

	s.routes()
	s.handler = metrics.Middleware(s.mux)
	return s
}

// EventAccessoryState is streamed on /ws when an accessory's cached state changes.
const EventAccessoryState = "accessoryState"

type accessoryState struct {
	IEEEAddr string `json:"ieee_addr"`
	On       bool   `json:"on"`
}

// Stop unsubscribes from events, shuts down the WebSocket hub and waits for
// its goroutine.
func (s *Server) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{ieee}", s.handleAPIGetDevice)
	s.mux.HandleFunc("GET /api/accessories", s.handleAPIListAccessories)
	s.mux.HandleFunc("POST /api/accessories/{ieee}/set", s.handleAPISetAccessory)
	s.mux.HandleFunc("GET /api/network", s.handleAPINetworkInfo)
	s.mux.HandleFunc("POST /api/network/permit-join", s.handleAPIPermitJoin)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot send custom headers on a WebSocket upgrade, so /ws
	// stays open; /api/ and /metrics need the key.
	if s.apiKey != "" && keyProtected(r.URL.Path) {
		if subtle.ConstantTimeCompare([]byte(requestKey(r)), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.handler.ServeHTTP(w, r)
}

func keyProtected(path string) bool {
	return strings.HasPrefix(path, "/api/") || path == "/metrics"
}

// requestKey reads X-API-Key, falling back to a bearer token so Prometheus
// can scrape with its authorization setting.
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
