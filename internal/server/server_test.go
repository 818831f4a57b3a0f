package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ziadkadry99/partychat/internal/db"
	"github.com/ziadkadry99/partychat/internal/party"
	"github.com/ziadkadry99/partychat/internal/session"
)

func testRegistry(t *testing.T) *party.Registry {
	t.Helper()
	reg, err := party.NewRegistry([]party.Party{
		{ID: "party-b", Name: "Party B"},
		{ID: "party-a", Name: "Party A", LongName: "The A Party"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestHealthCheck(t *testing.T) {
	srv := New(Config{Port: 0}, testRegistry(t), nil, nil, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := New(Config{Port: 0, AllowAll: true}, testRegistry(t), nil, nil, nil)

	req := httptest.NewRequest("OPTIONS", "/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestListParties(t *testing.T) {
	srv := New(Config{}, testRegistry(t), nil, nil, nil)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/parties", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var parties []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &parties); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(parties) != 2 {
		t.Fatalf("expected 2 parties, got %d", len(parties))
	}
	if parties[0]["party_id"] != "party-a" || parties[0]["long_name"] != "The A Party" {
		t.Errorf("unexpected first party: %v", parties[0])
	}
}

func TestWebsocketRouteMounted(t *testing.T) {
	var hit bool
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusTeapot)
	})
	srv := New(Config{}, testRegistry(t), ws, nil, nil)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/ws", nil))
	if !hit || w.Code != http.StatusTeapot {
		t.Errorf("websocket handler not reached: hit=%v code=%d", hit, w.Code)
	}
}

func TestRecentSessions(t *testing.T) {
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer database.Close()

	journal := session.NewSQLiteJournal(database)
	start := time.Now().Add(-time.Minute)
	for i, id := range []string{"s1", "s2"} {
		err := journal.Record(t.Context(), session.Summary{
			ID:         id,
			Question:   "Rent?",
			PartyIDs:   []string{"party-a"},
			State:      session.StateCompleted,
			StartedAt:  start,
			FinishedAt: start.Add(time.Duration(i+1) * time.Second),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	srv := New(Config{}, testRegistry(t), nil, journal, nil)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/sessions?limit=1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []sessionSummary
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s2" || got[0].State != "completed" {
		t.Errorf("unexpected sessions: %+v", got)
	}

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/sessions?limit=abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestSessionsRouteNeedsLog(t *testing.T) {
	srv := New(Config{}, testRegistry(t), nil, nil, nil)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/sessions", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
