package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"avaneesh/cfdp-go/pkg/entity"
	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/store"
)

// Reporter is the view of an entity the server reports on
type Reporter interface {
	ID() pdu.EntityID
	Transactions() []entity.Status
	History(limit int) ([]store.Record, error)
}

// Health is the /health response body
type Health struct {
	Status       string        `json:"status"`
	Entity       pdu.EntityID  `json:"entity"`
	Uptime       time.Duration `json:"uptime_ns"`
	Transactions int           `json:"transactions"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Listen string // "host:port"
	Path   string // Metrics path (default /metrics)
}

// Server serves metrics, health and transaction reports
type Server struct {
	cfg      ServerConfig
	registry *prometheus.Registry
	reporter Reporter
	log      logger.Logger
	started  time.Time

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// NewRegistry returns a registry carrying the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

// NewServer creates a server over registry and reporter
func NewServer(cfg ServerConfig, registry *prometheus.Registry, reporter Reporter, log logger.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		reporter: reporter,
		log:      logger.Component(log, "metrics"),
		started:  time.Now(),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Method(http.MethodGet, s.cfg.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))
	r.Get("/health", s.health)
	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", s.transactions)
		r.Get("/history", s.history)
	})
	return r
}

// Start binds the listen address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.New("metrics server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Listen)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	srv := s.http
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("Server: %v", err)
		}
	}()
	s.log.Info("Serving %s, /health and /transactions on %s", s.cfg.Path, ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting briefly for requests in progress
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:       "healthy",
		Entity:       s.reporter.ID(),
		Uptime:       time.Since(s.started),
		Transactions: len(s.reporter.Transactions()),
	})
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.Transactions())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer"})
			return
		}
		limit = n
	}
	records, err := s.reporter.History(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
