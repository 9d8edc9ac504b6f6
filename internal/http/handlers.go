package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"

	"github.com/shopspring/decimal"
)

// Server is the HTTP API process: routing plus the wired core.
type Server struct {
	Geo      geo.Geo
	Store    storage.Store
	Booking  *booking.Orchestrator
	Matching *matching.Engine
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry
	logger   *slog.Logger
	mux      *mux.Router

	// last reported online state per driver, so the gauge moves only on
	// actual state changes rather than on every ping
	onlineMu sync.Mutex
	online   map[string]bool
}

// NewServer wires routes and middleware around already-built components.
func NewServer(g geo.Geo, store storage.Store, orch *booking.Orchestrator, eng *matching.Engine, kp *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Geo:      g,
		Store:    store,
		Booking:  orch,
		Matching: eng,
		Kafka:    kp,
		WSReg:    wsreg,
		logger:   logger,
		mux:      mux.NewRouter(),
		online:   make(map[string]bool),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv builds the whole dependency graph from environment
// configuration: redis-backed geo and postgres when configured, in-memory
// fallbacks otherwise.
func NewServerFromEnv(cfg config.ServerConfig) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	var g geo.Geo
	if cfg.RedisAddr != "" {
		g = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.LocationFreshness)
	} else {
		g = geo.NewIndex(cfg.LocationFreshness)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := dispatch.NewWSRegistry()
	var pusher dispatch.Pusher
	switch {
	case cfg.FCMEndpoint != "":
		pusher = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	case cfg.PushEndpoint != "":
		pusher = dispatch.NewPushDispatcher(cfg.PushEndpoint)
	}
	hub := dispatch.NewHub(wsreg, pusher, logger)

	calc := fare.NewCalculator(fareConfigFrom(cfg))
	sm := lifecycle.NewStateMachine(store, g, calc, logger).
		WithPayments(payments.NewStripeProcessor(cfg.PaymentCurrency)).
		WithPublisher(hub)

	mcfg := matching.Config{
		RadiusKm:        cfg.SearchRadiusKm,
		MaxCandidates:   cfg.MaxCandidates,
		OfferTTL:        cfg.OfferTTL,
		SweepInterval:   cfg.OfferSweepEvery,
		ArrivalSpeedKmh: cfg.ArrivalSpeedKmh,
		MinArrivalMin:   5,
	}
	eng := matching.NewEngine(g, store, hub, sm, mcfg, logger)
	if cfg.OSRMEndpoint != "" {
		eng.WithETA(eta.NewOSRMClient(cfg.OSRMEndpoint), eta.NewCache(30*time.Second))
	}

	orch := booking.NewOrchestrator(store, calc, eng, sm, hub, logger).
		WithPolicy(booking.Policy{
			CustomerCancelGrace: cfg.CustomerCancelGrace,
			CustomerCancelFee:   decimal.NewFromFloat(cfg.CustomerCancelFee),
			DriverCancelFee:     decimal.NewFromFloat(cfg.DriverCancelFee),
		})

	return NewServer(g, store, orch, eng, kp, wsreg, logger), nil
}

// fareConfigFrom converts the flat env-loaded tariff into the
// calculator's decimal config.
func fareConfigFrom(cfg config.ServerConfig) fare.Config {
	cats := make(map[models.Category]fare.Rates, len(cfg.FareRates))
	for name, r := range cfg.FareRates {
		cats[models.Category(name)] = fare.Rates{
			Base:      decimal.NewFromFloat(r.Base),
			PerKm:     decimal.NewFromFloat(r.PerKm),
			PerMinute: decimal.NewFromFloat(r.PerMinute),
			SpeedKmh:  r.SpeedKmh,
		}
	}
	windows := make([]fare.SurgeWindow, 0, len(cfg.FareSurgeWindows))
	for _, w := range cfg.FareSurgeWindows {
		windows = append(windows, fare.SurgeWindow{
			HourWindow: fare.HourWindow{StartHour: w.StartHour, EndHour: w.EndHour},
			Multiplier: decimal.NewFromFloat(w.Multiplier),
		})
	}
	return fare.Config{
		Categories:     cats,
		SurgeWindows:   windows,
		NightWindow:    fare.HourWindow{StartHour: cfg.FareNightStart, EndHour: cfg.FareNightEnd},
		NightChargePct: decimal.NewFromFloat(cfg.FareNightChargePct),
		VATRatePct:     decimal.NewFromFloat(cfg.FareVATPct),
		MinDistanceKm:  cfg.FareMinDistanceKm,
		MaxDistanceKm:  cfg.FareMaxDistanceKm,
		BufferMinutes:  cfg.FareBufferMin,
		MinDurationMin: cfg.FareMinDurationMin,
	}
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/active", s.handleListActive).Methods("GET")
	api.HandleFunc("/rides/history", s.handleListHistory).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/events", s.handleListEvents).Methods("GET")
	api.HandleFunc("/rides/{id}/transition", s.handleTransition).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{id}/retry", s.handleRetry).Methods("POST")
	api.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/offers/{id}/decline", s.handleDeclineOffer).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateRideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, apperrors.Validation("body", "malformed json"))
		return
	}
	out, err := s.Booking.CreateRide(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, err := rideID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Booking.GetRide(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := rideID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.Booking.ListEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, err := rideID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req booking.TransitionInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validation("body", "malformed json"))
		return
	}
	ride, err := s.Booking.Transition(r.Context(), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	Actor  models.Actor `json:"actor"`
	Reason string       `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := rideID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validation("body", "malformed json"))
		return
	}
	ride, err := s.Booking.CancelRide(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := rideID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validation("body", "malformed json"))
		return
	}
	out, err := s.Booking.RetryMatch(r.Context(), id, req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	s.listRides(w, r, s.Booking.ListActive)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	s.listRides(w, r, s.Booking.ListHistory)
}

func (s *Server) listRides(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, userID string, role models.ActorRole) ([]*models.Ride, error)) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, apperrors.Validation("user_id", "required"))
		return
	}
	role := models.ActorRole(r.URL.Query().Get("role"))
	if role == "" {
		role = models.RoleCustomer
	}
	rides, err := list(r.Context(), userID, role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

type offerRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		s.writeError(w, apperrors.Validation("driver_id", "required"))
		return
	}
	ride, err := s.Matching.Accept(r.Context(), id, req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		s.writeError(w, apperrors.Validation("driver_id", "required"))
		return
	}
	if err := s.Matching.Decline(r.Context(), id, req.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeError(w, apperrors.Validation("body", "malformed json"))
		return
	}
	if u.DriverID == "" {
		s.writeError(w, apperrors.Validation("driver_id", "required"))
		return
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	// feed first: the consumer path is the durable one, the local upsert
	// just keeps a single-process deployment responsive
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Error("publish location failed", "driver_id", u.DriverID, "error", err)
		}
	}
	if err := s.Geo.Upsert(r.Context(), models.DriverAvailability{
		DriverID:  u.DriverID,
		Loc:       models.Coord{Lat: u.Lat, Lon: u.Lon},
		Online:    u.Online,
		Rating:    u.Rating,
		UpdatedAt: u.Timestamp,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.trackOnline(u.DriverID, u.Online)
	w.WriteHeader(http.StatusNoContent)
}

// trackOnline adjusts the drivers-online gauge only when a driver's
// reported state actually changes.
func (s *Server) trackOnline(driverID string, online bool) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	prev, seen := s.online[driverID]
	if seen && prev == online {
		return
	}
	if online {
		observability.DriversOnline.Inc()
	} else if seen {
		observability.DriversOnline.Dec()
	}
	s.online[driverID] = online
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response
		s.logger.Warn("websocket upgrade failed", "user_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	go s.wsReadLoop(id, conn)
}

// wsReadLoop drains the connection until it dies, then evicts the
// session so the registry never accumulates dead peers.
func (s *Server) wsReadLoop(id string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.WSReg.RemoveConn(id, conn)
			return
		}
	}
}

func rideID(r *http.Request) (uuid.UUID, error) { return pathUUID(r, "id") }

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[key])
	if err != nil {
		return uuid.Nil, apperrors.Validationf(key, "invalid uuid %q", mux.Vars(r)[key])
	}
	return id, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorBody{
		Error:  err.Error(),
		Reason: string(apperrors.ConflictReasonOf(err)),
	})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
