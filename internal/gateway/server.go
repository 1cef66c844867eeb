// Package gateway serves the coordination REST API and the WebSocket
// telemetry feed over a single loopback HTTP server.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	v1 "warden/api/v1"
	"warden/internal/config"
	"warden/internal/delegation"
	"warden/internal/events"
	"warden/internal/gateway/handlers"
	"warden/internal/gateway/middleware"
	"warden/internal/gateway/websocket"
	"warden/internal/lifecycle"
	"warden/internal/metrics"
	"warden/internal/ratelimit"
	"warden/internal/registry"
	"warden/pkg/logger"
)

// alertInterval paces the alert snapshot broadcast. Frames only go out
// when the snapshot changed, so a short interval stays cheap.
const alertInterval = 5 * time.Second

// Options carries the coordination components the gateway exposes.
type Options struct {
	Config    *config.Config
	Bus       *events.Bus
	Registry  *registry.Registry
	Lifecycle *lifecycle.Machine
	Governor  *ratelimit.Governor
	Metrics   *metrics.Aggregator
	Decider   *delegation.Decider
	Version   string
}

// Server is the HTTP gateway. It owns the WebSocket hub, forwards
// every bus event onto it and runs the alert broadcast loop.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *websocket.Hub
	watcher    *Watcher
	apiRouter  *v1.Router
	cfg        *config.Config
	bus        *events.Bus
	registry   *registry.Registry
	version    string

	busSub   int
	done     chan struct{}
	stopOnce sync.Once

	// lastAlerts is only touched from the alert loop.
	lastAlerts []byte
}

// NewServer builds the gateway around fully constructed components.
func NewServer(opts Options) *Server {
	router := mux.NewRouter()

	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(router),
		),
	)

	s := &Server{
		httpServer: &http.Server{
			Handler:     handler,
			ReadTimeout: 60 * time.Second,
			// Write timeout stays off so long WebSocket sessions are
			// not cut; request contexts bound the REST handlers.
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		router:   router,
		hub:      websocket.NewHub(),
		cfg:      opts.Config,
		bus:      opts.Bus,
		registry: opts.Registry,
		version:  opts.Version,
		done:     make(chan struct{}),
	}

	s.apiRouter = v1.NewRouter(&v1.RouterDeps{
		Registry:  opts.Registry,
		Lifecycle: opts.Lifecycle,
		Governor:  opts.Governor,
		Metrics:   opts.Metrics,
		Decider:   opts.Decider,
		Version:   opts.Version,
	})
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.apiRouter.RegisterRoutes(s.router)

	// Bare liveness probe outside the versioned prefix.
	s.router.HandleFunc("/health", handlers.HealthHandler(s.version, s.degraded)).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(s.hub, w, r)
	})
}

// degraded reports whether the daemon is running on the memory
// fallback.
func (s *Server) degraded() bool {
	return s.registry != nil && s.registry.FallbackStatus().Active
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start() error {
	handlers.InitStartTime()

	host := "127.0.0.1"
	port := 7177
	if s.cfg != nil {
		if s.cfg.Gateway.Host != "" {
			host = s.cfg.Gateway.Host
		}
		if s.cfg.Gateway.Port != 0 {
			port = s.cfg.Gateway.Port
		}
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer.Addr = addr

	go s.hub.Run()

	if s.bus != nil {
		s.busSub = s.bus.Subscribe(s.forwardEvent)
	}
	go s.alertLoop()

	logger.Info().Str("addr", addr).Msg("starting gateway server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// forwardEvent relays one bus event to the WebSocket feed. The topic
// is the event name's prefix, so a client subscribed to "session"
// receives session:registered, session:heartbeat and the rest.
func (s *Server) forwardEvent(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.Warn().Err(err).Str("event", evt.Type).Msg("marshal bus event")
		return
	}

	topic := evt.Type
	if i := strings.Index(topic, ":"); i >= 0 {
		topic = topic[:i]
	}
	s.hub.Broadcast(topic, data)
}

// alertLoop periodically pushes the alert snapshot to subscribers of
// the "alerts" frames whenever it changes.
func (s *Server) alertLoop() {
	ticker := time.NewTicker(alertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastAlerts()
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastAlerts() {
	if s.registry == nil {
		return
	}

	alerts := s.registry.GetAlerts()
	if alerts == nil {
		alerts = []registry.Alert{}
	}
	data, err := json.Marshal(alerts)
	if err != nil {
		logger.Warn().Err(err).Msg("marshal alerts")
		return
	}
	if bytes.Equal(data, s.lastAlerts) {
		return
	}
	s.lastAlerts = data

	s.hub.BroadcastTyped("alerts", alerts)
}

// Shutdown stops background loops, disconnects WebSocket clients and
// drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("shutting down gateway server")

	s.stopOnce.Do(func() { close(s.done) })

	if s.bus != nil && s.busSub != 0 {
		s.bus.Unsubscribe(s.busSub)
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// IsReady reports whether Start has bound the listen address.
func (s *Server) IsReady() bool {
	return s.httpServer != nil && s.httpServer.Addr != ""
}

// SetWatcher attaches the config file watcher so Shutdown stops it.
func (s *Server) SetWatcher(w *Watcher) {
	s.watcher = w
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
