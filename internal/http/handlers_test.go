package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *geo.Index, *storage.MemoryStore) {
	t.Helper()
	logger := logging.NewNop()
	g := geo.NewIndex(2 * time.Minute)
	store := storage.NewMemoryStore()
	hub := dispatch.NewHub(dispatch.NewWSRegistry(), nil, logger)
	calc := fare.NewCalculator(fare.DefaultConfig())
	sm := lifecycle.NewStateMachine(store, g, calc, logger).WithPublisher(hub)
	eng := matching.NewEngine(g, store, hub, sm, matching.DefaultConfig(), logger)
	orch := booking.NewOrchestrator(store, calc, eng, sm, hub, logger)
	return NewServer(g, store, orch, eng, nil, dispatch.NewWSRegistry(), logger), g, store
}

func postJSON(t *testing.T, srv http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, srv http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func addDriver(t *testing.T, g *geo.Index, id string) {
	t.Helper()
	if err := g.Upsert(context.Background(), models.DriverAvailability{
		DriverID:  id,
		Loc:       models.Coord{Lat: -1.9451, Lon: 30.0619},
		Online:    true,
		Rating:    4.5,
		UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func createBody() map[string]any {
	return map[string]any{
		"customer_id":    "c1",
		"pickup":         map[string]any{"lat": -1.9441, "lon": 30.0619, "address": "Kigali Heights"},
		"destination":    map[string]any{"lat": -1.9706, "lon": 30.1044, "address": "Airport"},
		"category":       "standard",
		"payment_method": "cash",
	}
}

func TestCreateAcceptCompleteFlow(t *testing.T) {
	srv, g, store := newTestServer(t)
	addDriver(t, g, "d1")
	ctx := context.Background()

	w := postJSON(t, srv, "/api/v1/rides", createBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created booking.CreateRideOutput
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Match.Status != matching.MatchSearching {
		t.Fatalf("match = %+v, want searching", created.Match)
	}

	offers, _ := store.ListOffersByRide(ctx, created.Ride.ID)
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}

	w = postJSON(t, srv, fmt.Sprintf("/api/v1/offers/%s/accept", offers[0].ID),
		map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body = %s", w.Code, w.Body.String())
	}

	driverActor := map[string]any{"role": "driver", "id": "d1"}
	for _, to := range []string{"driver_arrived", "in_progress", "completed"} {
		w = postJSON(t, srv, fmt.Sprintf("/api/v1/rides/%s/transition", created.Ride.ID),
			map[string]any{"to": to, "actor": driverActor})
		if w.Code != http.StatusOK {
			t.Fatalf("transition to %s = %d, body = %s", to, w.Code, w.Body.String())
		}
	}

	w = get(t, srv, fmt.Sprintf("/api/v1/rides/%s", created.Ride.ID))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var ride models.Ride
	if err := json.Unmarshal(w.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode ride: %v", err)
	}
	if ride.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", ride.Status)
	}

	w = get(t, srv, fmt.Sprintf("/api/v1/rides/%s/events", created.Ride.ID))
	var events struct {
		Events []models.RideStatusEvent `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Events) != 4 {
		t.Fatalf("events = %d, want 4", len(events.Events))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, g, store := newTestServer(t)
	addDriver(t, g, "d1")
	ctx := context.Background()

	// validation -> 400
	bad := createBody()
	bad["category"] = "helicopter"
	if w := postJSON(t, srv, "/api/v1/rides", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("validation status = %d, want 400", w.Code)
	}

	// unknown ride -> 404
	if w := get(t, srv, "/api/v1/rides/00000000-0000-0000-0000-000000000001"); w.Code != http.StatusNotFound {
		t.Fatalf("not found status = %d, want 404", w.Code)
	}

	// malformed uuid -> 400
	if w := get(t, srv, "/api/v1/rides/not-a-uuid"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad uuid status = %d, want 400", w.Code)
	}

	// illegal transition -> 409 with reason code
	w := postJSON(t, srv, "/api/v1/rides", createBody())
	var created booking.CreateRideOutput
	json.Unmarshal(w.Body.Bytes(), &created)
	w = postJSON(t, srv, fmt.Sprintf("/api/v1/rides/%s/transition", created.Ride.ID),
		map[string]any{"to": "completed", "actor": map[string]any{"role": "system", "id": "system"}})
	if w.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d, body = %s", w.Code, w.Body.String())
	}
	var e errorBody
	json.Unmarshal(w.Body.Bytes(), &e)
	if e.Reason != "ILLEGAL_TRANSITION" {
		t.Fatalf("reason = %q, want ILLEGAL_TRANSITION", e.Reason)
	}

	// lost offer race -> 409 ALREADY_TAKEN
	offers, _ := store.ListOffersByRide(ctx, created.Ride.ID)
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}
	postJSON(t, srv, fmt.Sprintf("/api/v1/offers/%s/accept", offers[0].ID), map[string]any{"driver_id": "d1"})
	w = postJSON(t, srv, fmt.Sprintf("/api/v1/offers/%s/accept", offers[0].ID), map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second accept status = %d, want 409", w.Code)
	}
}

func TestDriverLocationIngest(t *testing.T) {
	srv, g, _ := newTestServer(t)

	w := postJSON(t, srv, "/internal/driver/locations", map[string]any{
		"driver_id": "d9", "lat": -1.95, "lon": 30.06, "online": true, "rating": 4.2,
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("ingest status = %d, body = %s", w.Code, w.Body.String())
	}
	if d, ok := g.Get("d9"); !ok || !d.Online {
		t.Fatalf("driver not indexed: %+v ok=%v", d, ok)
	}

	// missing driver id rejected
	w = postJSON(t, srv, "/internal/driver/locations", map[string]any{"lat": 1.0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad ingest status = %d, want 400", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if w := get(t, srv, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestDriversOnlineGaugeTracksStateChanges(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := testutil.ToFloat64(observability.DriversOnline)

	ping := func(online bool) {
		w := postJSON(t, srv, "/internal/driver/locations", map[string]any{
			"driver_id": "dg1", "lat": -1.95, "lon": 30.06, "online": online, "rating": 4.0,
		})
		if w.Code != http.StatusNoContent {
			t.Fatalf("ingest status = %d", w.Code)
		}
	}

	// a driver heartbeating every few seconds must count once, not per ping
	ping(true)
	ping(true)
	ping(true)
	if got := testutil.ToFloat64(observability.DriversOnline); got != base+1 {
		t.Fatalf("gauge = %v, want %v after repeated online pings", got, base+1)
	}
	ping(false)
	ping(false)
	if got := testutil.ToFloat64(observability.DriversOnline); got != base {
		t.Fatalf("gauge = %v, want %v after going offline", got, base)
	}
}

func TestWebSocketSessionEvictedOnClose(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/d1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := srv.WSReg.Send("d1", map[string]string{"event": "hello"}); err != nil {
		t.Fatalf("send to live session: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := srv.WSReg.Send("d1", map[string]string{"event": "ping"})
		if errors.Is(err, dispatch.ErrNoSession) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never evicted after close, last err: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketReconnectKeepsNewSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/d1"
	old, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer old.Close()
	fresh, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer fresh.Close()

	// the old connection's read loop dies when the registry closes it;
	// that must not evict the replacement session
	time.Sleep(100 * time.Millisecond)
	if err := srv.WSReg.Send("d1", map[string]string{"event": "ping"}); err != nil {
		t.Fatalf("reconnected session unreachable: %v", err)
	}
}

func TestFareConfigFromServerConfig(t *testing.T) {
	cfg := config.ServerConfig{
		FareRates: map[string]config.FareRate{
			"standard": {Base: 600, PerKm: 350, PerMinute: 12, SpeedKmh: 28},
		},
		FareSurgeWindows:   []config.FareSurgeWindow{{StartHour: 6, EndHour: 8, Multiplier: 1.5}},
		FareNightStart:     23,
		FareNightEnd:       4,
		FareNightChargePct: 15,
		FareVATPct:         20,
		FareMinDistanceKm:  0.1,
		FareMaxDistanceKm:  250,
		FareBufferMin:      5,
		FareMinDurationMin: 10,
	}

	fc := fareConfigFrom(cfg)
	std := fc.Categories[models.CategoryStandard]
	if !std.Base.Equal(decimal.NewFromInt(600)) || std.SpeedKmh != 28 {
		t.Fatalf("standard rates = %+v", std)
	}
	if !fc.VATRatePct.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("vat = %s, want 20", fc.VATRatePct)
	}
	if fc.MaxDistanceKm != 250 {
		t.Fatalf("max distance = %v, want 250", fc.MaxDistanceKm)
	}

	// the configured window must drive the calculator, not the defaults
	calc := fare.NewCalculator(fc)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	if got := calc.SurgeMultiplier(at); !got.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("surge at 07:00 = %s, want 1.5", got)
	}
	off := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := calc.SurgeMultiplier(off); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("surge at 12:00 = %s, want 1", got)
	}
}
