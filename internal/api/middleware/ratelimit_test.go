package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felixgeelhaar/dojo/internal/api/middleware"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}

func TestSubmitLimiter_Burst(t *testing.T) {
	l := middleware.NewSubmitLimiter(3)
	defer l.Close()
	h := l.Wrap(okHandler)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/submissions", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		h(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submissions", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	h(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}
}

func TestSubmitLimiter_PerClient(t *testing.T) {
	l := middleware.NewSubmitLimiter(1)
	defer l.Close()
	h := l.Wrap(okHandler)

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/submissions", nil)
		req.RemoteAddr = addr
		h(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Errorf("%s: status = %d, want 202", addr, rec.Code)
		}
	}
}

func TestSubmitLimiter_Disabled(t *testing.T) {
	l := middleware.NewSubmitLimiter(0)
	defer l.Close()
	h := l.Wrap(okHandler)

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/submissions", nil))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d limited with limiting disabled", i)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		xri    string
		remote string
		want   string
	}{
		{"forwarded chain", "203.0.113.7, 10.0.0.1", "", "10.0.0.1:80", "203.0.113.7"},
		{"real ip", "", "198.51.100.2", "10.0.0.1:80", "198.51.100.2"},
		{"remote addr", "", "", "192.0.2.9:41000", "192.0.2.9"},
		{"no port", "", "", "192.0.2.9", "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := middleware.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
