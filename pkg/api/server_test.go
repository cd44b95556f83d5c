package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type staticProvider struct {
	status Status
}

func (p *staticProvider) Status() Status {
	return p.status
}

func testServer() *Server {
	provider := &staticProvider{
		status: Status{
			ClientID: "node-a",
			Uptime:   "1m0s",
			Sessions: []SessionStatus{
				{
					SessionID:    7,
					PeerAddress:  "/ip4/10.0.0.1/tcp/9000",
					State:        "active",
					Established:  time.Now().Add(-time.Minute),
					LastActivity: time.Now(),
					Delivered:    42,
					Dropped:      1,
				},
			},
		},
	}
	return NewServer("127.0.0.1:0", provider, nil)
}

func TestHealthz(t *testing.T) {
	s := testServer()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := testServer()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var got Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if got.ClientID != "node-a" {
		t.Errorf("clientId = %q", got.ClientID)
	}
	if len(got.Sessions) != 1 || got.Sessions[0].SessionID != 7 {
		t.Errorf("sessions = %+v", got.Sessions)
	}
	if got.Sessions[0].State != "active" {
		t.Errorf("state = %q", got.Sessions[0].State)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	s := testServer()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	var got []SessionStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(got) != 1 || got[0].Delivered != 42 {
		t.Errorf("sessions = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("metrics body is empty")
	}
}
