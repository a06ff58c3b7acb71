package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/courier-dispatch/internal/cascade"
	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/ingest"
	"github.com/example/courier-dispatch/internal/lifecycle"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/payments"
	"github.com/example/courier-dispatch/internal/presence"
	"github.com/example/courier-dispatch/internal/registry"
	"github.com/example/courier-dispatch/internal/resync"
	"github.com/example/courier-dispatch/internal/routing"
	"github.com/example/courier-dispatch/internal/scoring"
	"github.com/example/courier-dispatch/internal/storage"
)

// Store is the combined persistence contract the server consumes.
type Store interface {
	storage.OrderStore
	storage.AssignmentStore
}

type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	reg      *registry.Registry
	presence *presence.Store
	search   *geo.Search
	scorer   *scoring.Scorer
	elig     scoring.Eligibility
	cascade  *cascade.Dispatcher
	orders   *lifecycle.Manager
	resyncer *resync.Resyncer
	producer *ingest.Producer
	locator  *geo.Locator
	ready    func() error

	mux *mux.Router
}

// Deps carries the optional collaborators; nil fields disable the feature.
type Deps struct {
	Store       Store
	Eligibility scoring.Eligibility
	Producer    *ingest.Producer
	Locator     *geo.Locator
	Commission  lifecycle.Commission
	Distance    lifecycle.DistanceEstimator
	Ready       func() error
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = logging.NewLogger(cfg.LogLevel)
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore()
	}

	reg := registry.New()
	pres := presence.NewStore(cfg.PresenceTTL, cfg.OfflineGrace, logging.ForComponent(logger, "presence"))
	search := &geo.Search{Presence: pres}
	scorer := &scoring.Scorer{
		Stats:         deps.Store,
		InternalBonus: cfg.InternalFleetBonus,
		Logger:        logging.ForComponent(logger, "scoring"),
	}

	orders := lifecycle.NewManager(lifecycle.Options{
		Store:          deps.Store,
		Send:           reg,
		Events:         eventsOrNil(deps.Producer),
		Commission:     deps.Commission,
		Distance:       deps.Distance,
		CommissionRate: cfg.CommissionRate,
		MaxPerClient:   cfg.MaxActiveOrdersPerClient,
		MaxPerDriver:   cfg.MaxActiveOrdersPerDriver,
		Logger:         logging.ForComponent(logger, "lifecycle"),
	})
	casc := cascade.NewDispatcher(cfg.OfferTimeout, reg, deps.Store, orders, logging.ForComponent(logger, "cascade"))
	orders.SetCanceller(casc)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		presence: pres,
		search:   search,
		scorer:   scorer,
		elig:     deps.Eligibility,
		cascade:  casc,
		orders:   orders,
		resyncer: &resync.Resyncer{Store: deps.Store, Cache: orders, Logger: logging.ForComponent(logger, "resync")},
		producer: deps.Producer,
		locator:  deps.Locator,
		ready:    deps.Ready,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv wires the server with env-driven collaborators and
// sensible fallbacks, the way local runs expect.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	deps := Deps{}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		deps.Store = ps
		deps.Ready = func() error { return ps.Ping(context.Background()) }
	}
	if len(cfg.KafkaBrokers) > 0 {
		deps.Producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.PresenceTopic, cfg.OrderEventTopic)
	}
	if cfg.RedisAddr != "" {
		deps.Locator = geo.NewLocator(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	var osrm routing.Client
	if cfg.OSRMEndpoint != "" {
		osrm = routing.NewOSRMClient(cfg.OSRMEndpoint)
	}
	deps.Distance = routing.NewEstimator(osrm, 5*time.Minute)
	deps.Commission = payments.NewStripeClient("usd")

	return NewServer(cfg, logger, deps), nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws/{role}/{party_id}", s.handleWS)
	s.mux.HandleFunc("/api/v1/admin/drivers/nearby", s.handleNearbyDrivers).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

// handleNearbyDrivers serves dashboard reads from the redis locator
// mirror when available, the live presence snapshot otherwise. Never the
// dispatch hot path.
func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	radius := s.cfg.SearchRadiusKm
	if v := r.URL.Query().Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}

	var drivers []models.DriverPresence
	if s.locator != nil {
		if found, err := s.locator.Nearby(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius, 50); err == nil {
			drivers = found
		}
	}
	if drivers == nil {
		for _, c := range s.search.FindNearby(models.Coord{Lat: lat, Lng: lng}, radius) {
			if p, ok := s.presence.Get(c.DriverID); ok {
				drivers = append(drivers, p)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"drivers": drivers})
}

func eventsOrNil(p *ingest.Producer) lifecycle.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}
