package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/streamvault/streamvault/internal/stream"
)

type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, chatID, messageID int64) (*stream.Source, error) {
	return nil, stream.ErrNotFound
}

func newTestServer(ready bool) *Server {
	gw := stream.NewGateway(staticResolver{}, nil, func() bool { return ready })
	return New("127.0.0.1:0", gw, func() bool { return ready })
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRootStatus(t *testing.T) {
	rec := get(t, newTestServer(true), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "StreamVault") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	if rec := get(t, newTestServer(true), "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("ready healthz = %d, want 200", rec.Code)
	}
	if rec := get(t, newTestServer(false), "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded healthz = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(true), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "streamvault_http_requests_total") {
		t.Error("metrics output lacks request counter")
	}
}

func TestStreamRouteMounted(t *testing.T) {
	// Resolution fails with not-found; the route itself must exist.
	rec := get(t, newTestServer(true), "/stream/123/456")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 from the resolver", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not found") {
		t.Errorf("body = %q, want the gateway's JSON error", rec.Body.String())
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/stream/123/456", "/stream/{chatID}/{messageID}"},
		{"/stream/-100999/1", "/stream/{chatID}/{messageID}"},
		{"/favicon.ico", "other"},
		{"/stream/", "other"},
	}
	for _, tt := range tests {
		if got := normalizeRoute(tt.path); got != tt.want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
