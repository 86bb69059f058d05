package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q, want ok", body.Status)
	}
}

func TestReadyzReflectsCheckers(t *testing.T) {
	t.Parallel()

	t.Run("all pass", func(t *testing.T) {
		t.Parallel()
		h := New(
			Checker{Name: "dispatch", Check: func(context.Context) error { return nil }},
			Checker{Name: "pool", Check: func(context.Context) error { return nil }},
		)
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body result
		_ = json.NewDecoder(rec.Body).Decode(&body)
		if body.Checks["dispatch"] != "ok" || body.Checks["pool"] != "ok" {
			t.Fatalf("checks = %v", body.Checks)
		}
	})

	t.Run("one fails", func(t *testing.T) {
		t.Parallel()
		h := New(
			Checker{Name: "dispatch", Check: func(context.Context) error {
				return errors.New("not registered")
			}},
			Checker{Name: "pool", Check: func(context.Context) error { return nil }},
		)
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		var body result
		_ = json.NewDecoder(rec.Body).Decode(&body)
		if body.Status != "fail" {
			t.Fatalf("status = %q, want fail", body.Status)
		}
		if body.Checks["dispatch"] != "fail: not registered" {
			t.Fatalf("dispatch check = %q", body.Checks["dispatch"])
		}
	})
}

func TestRegisterMountsRoutes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code == http.StatusNotFound {
			t.Fatalf("route %s not mounted", path)
		}
	}
}
