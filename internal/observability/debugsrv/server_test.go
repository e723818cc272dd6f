package debugsrv

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "tgrelay/pkg/logx"
)

func serve(t *testing.T, h http.Handler, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("m 1")) })
	s := New(Config{}, logx.Nop(), metrics, nil)
	h := s.handler(Config{Token: "sekret"})

	tests := []struct {
		name   string
		target string
		auth   string
		code   int
	}{
		{name: "no token", target: "/metrics", code: http.StatusUnauthorized},
		{name: "bearer", target: "/metrics", auth: "Bearer sekret", code: http.StatusOK},
		{name: "query", target: "/metrics?token=sekret", code: http.StatusOK},
		{name: "wrong query", target: "/metrics?token=nope", auth: "Bearer sekret", code: http.StatusUnauthorized},
		{name: "pprof off", target: "/debug/pprof/", auth: "Bearer sekret", code: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := serve(t, h, tt.target, tt.auth).Code; got != tt.code {
				t.Fatalf("status = %d, want %d", got, tt.code)
			}
		})
	}
}

func TestPprofEnabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil, nil)
	h := s.handler(Config{Pprof: true})
	if got := serve(t, h, "/debug/pprof/", "").Code; got != http.StatusOK {
		t.Fatalf("status = %d", got)
	}
	if got := serve(t, h, "/metrics", "").Code; got != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d", got)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	healthy := true
	s := New(Config{}, logx.Nop(), nil, func() (any, error) {
		if healthy {
			return map[string]int{"scheduled": 2}, nil
		}
		return nil, errors.New("store unavailable")
	})
	h := s.handler(Config{})

	w := serve(t, h, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"scheduled":2`) {
		t.Fatalf("healthy: %d %s", w.Code, w.Body.String())
	}
	healthy = false
	w = serve(t, h, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "store unavailable") {
		t.Fatalf("degraded: %d %s", w.Code, w.Body.String())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
