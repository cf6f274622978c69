package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/container"
	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/internal/fsm"
	"github.com/atlas-desktop/trading-core/internal/observability/eventlog"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// healthReporter is implemented by any manager exposing its own liveness
// detail. Managers report differing concrete structs from HealthStatus
// (vix.HealthStatus, etc.), so the aggregator below reflects over the
// method by name rather than requiring every manager satisfy this
// interface, mirroring internal/container's own verifyMethods idiom.
const healthMethodName = "HealthStatus"

// Server is the core's read-only HTTP/WS introspection surface
// (SPEC_FULL §A), grounded on internal/api/server.go's mux.Router +
// cors.Handler + graceful-shutdown idiom, trimmed to endpoints that only
// ever read state -- there is no /api/v1/backtest/run equivalent here.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	bus       *events.EventBus
	container *container.Container
	sink      *eventlog.Sink
	hub       *Hub

	// managers is the named set of live manager instances the /healthz
	// endpoint reflects HealthStatus() off of, in addition to whatever
	// container.FailedManagers() already reports failed at startup.
	managers map[string]any

	// machines is the named set of strategies' FSMs, dumped as msgpack
	// at /debug/fsm/{name} for compact operator polling (SPEC_FULL §B).
	machines map[string]*fsm.Machine
}

// NewServer wires the introspection endpoints over the given event bus
// and dependency container. sink may be nil (no archived event log).
func NewServer(logger *zap.Logger, config *types.ServerConfig, bus *events.EventBus, ctr *container.Container, sink *eventlog.Sink, managers map[string]any, machines map[string]*fsm.Machine) *Server {
	s := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		bus:       bus,
		container: ctr,
		sink:      sink,
		hub:       NewHub(logger),
		managers:  managers,
		machines:  machines,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.hub.SubscribeBus(bus)
	WireMetrics(bus)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/debug/eventlog", s.handleEventlog).Methods("GET")
	s.router.HandleFunc("/debug/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/debug/fsm/{name}", s.handleFSMDump).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promHandler()).Methods("GET")
	}
}

// managerHealth is the shape every manager's HealthStatus() struct is
// expected to marshal to, whatever its concrete Go type (vix.HealthStatus,
// the only such struct in this module, carries these field names).
type managerHealth struct {
	Healthy         bool   `json:"healthy"`
	Ready           bool   `json:"ready"`
	DependenciesMet bool   `json:"dependenciesMet"`
	Detail          string `json:"detail,omitempty"`
}

func reflectHealth(instance any) (managerHealth, bool) {
	v := reflectMethod(instance, healthMethodName)
	if v == nil {
		return managerHealth{}, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return managerHealth{}, false
	}
	var h managerHealth
	if err := json.Unmarshal(b, &h); err != nil {
		return managerHealth{}, false
	}
	return h, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	failed := s.container.FailedManagers()
	report := struct {
		OK       bool                     `json:"ok"`
		Failed   []string                 `json:"failedManagers,omitempty"`
		Managers map[string]managerHealth `json:"managers,omitempty"`
	}{
		OK:       len(failed) == 0,
		Failed:   failed,
		Managers: make(map[string]managerHealth),
	}
	for name, m := range s.managers {
		if h, ok := reflectHealth(m); ok {
			report.Managers[name] = h
			if !h.Healthy {
				report.OK = false
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !report.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.bus.Stats())
}

func (s *Server) handleEventlog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	eventType := q.Get("type")

	w.Header().Set("Content-Type", "application/json")

	if s.sink != nil {
		rows, err := s.sink.Query(eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(rows)
		return
	}
	json.NewEncoder(w).Encode(s.bus.History(limit))
}

func (s *Server) handleFSMDump(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	machine, ok := s.machines[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	b, err := machine.DumpHistory()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/msgpack")
	w.Write(b)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("observability: websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// Start runs the HTTP server, blocking until it exits or is Stopped.
func (s *Server) Start() error {
	go s.hub.Run(make(chan struct{}))

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{Addr: addr, Handler: handler}
	s.logger.Info("starting observability server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
