package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func TestTracingMiddlewareSetsRequestID(t *testing.T) {
	var seen string
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if seen == "" || seen == "unknown" {
		t.Fatalf("handler saw request id %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID = %q, want %q", got, seen)
	}
}

func TestTracingMiddlewareKeepsHijacker(t *testing.T) {
	srv := httptest.NewServer(TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Hijacker); !ok {
			http.Error(w, "not a hijacker", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d: %s", resp.StatusCode, body)
	}
}

func TestErrorRecoveryMiddleware(t *testing.T) {
	h := ErrorRecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	called := false
	h := CORSMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/rooms", nil))
	if rec.Code != http.StatusOK || called {
		t.Errorf("preflight status = %d, handler called = %v", rec.Code, called)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing Access-Control-Allow-Origin")
	}
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	if got := GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "unknown" {
		t.Errorf("GetRequestID = %q, want unknown", got)
	}
}

func TestSpanName(t *testing.T) {
	var got string
	r := mux.NewRouter()
	r.HandleFunc("/ws/rooms/{id}", func(w http.ResponseWriter, r *http.Request) { got = spanName(r) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/rooms/board-42", nil))
	if want := "GET /ws/rooms/{id}"; got != want {
		t.Errorf("routed span name = %q, want %q", got, want)
	}

	if got, want := spanName(httptest.NewRequest(http.MethodGet, "/plain", nil)), "GET /plain"; got != want {
		t.Errorf("unrouted span name = %q, want %q", got, want)
	}
}
