package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDEchoedOnResponses(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// generated when the client sends none
	w := get(t, srv, "/api/v1/rides/not-a-uuid")
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id header")
	}

	// a client-supplied id is echoed back unchanged
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rides/not-a-uuid", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
		t.Fatalf("request id = %q, want abc123", got)
	}
}

func TestRecoverMiddlewareReturnsJSONError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.recoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rides", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var e errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error != "internal error" {
		t.Fatalf("error = %q, want internal error", e.Error)
	}
}
