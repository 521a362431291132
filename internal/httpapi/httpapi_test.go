package httpapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mcprobe/controller/internal/probesession"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := probesession.NewCredentialStore(filepath.Join(t.TempDir(), "probes.json"))
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	sessions := probesession.NewManager(store)
	return NewServer(sessions, nil, nil)
}

func TestHealthReportsProbeCount(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := rec.Body.String()
	if got == "" {
		t.Fatal("expected a body")
	}
	if !strings.Contains(got, `"probes":0`) {
		t.Fatalf("body = %s, want probe count 0", got)
	}
}

func TestGetStatusMissingType(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status/play.example.com", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetDistributedMissingType(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/distributed/play.example.com", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStreamMissingParamsRegistersNoSession(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	// No Upgrade header: gin/gorilla reject the upgrade before any
	// session is registered. Either way the session registry stays
	// empty, which is the behavior under test.
	if _, ok := s.sessions.Get(""); ok {
		t.Fatal("expected no session registered without valid params")
	}
}
