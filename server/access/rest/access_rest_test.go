package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tinode/topicsync/server/access"
)

func TestRestGate(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var resp response
		switch req.Endpoint {
		case "group":
			if req.Topic == "prices" {
				resp.Group = "traders"
			}
		case "permission":
			if req.Identity == "alice" {
				resp.Level = access.LevelWrite
			} else {
				resp.Level = access.LevelRead
			}
		default:
			resp.Err = "unknown endpoint"
		}
		json.NewEncoder(w).Encode(&resp)
	}))
	defer srv.Close()

	g, err := access.New(json.RawMessage(`{"type": "rest", "server_url": "` + srv.URL + `", "cache_ttl": 60}`))
	if err != nil {
		t.Fatal(err)
	}

	if grp := g.Group("prices"); grp != "traders" {
		t.Errorf("Expected group 'traders', got '%s'", grp)
	}
	if grp := g.Group("public"); grp != "" {
		t.Errorf("Expected no group, got '%s'", grp)
	}
	if lvl := g.Permission("alice", "prices"); lvl != access.LevelWrite {
		t.Errorf("Expected write, got %s", lvl)
	}
	if lvl := g.Permission("bob", "prices"); lvl != access.LevelRead {
		t.Errorf("Expected read, got %s", lvl)
	}

	before := atomic.LoadInt32(&calls)
	g.Group("prices")
	g.Permission("alice", "prices")
	if after := atomic.LoadInt32(&calls); after != before {
		t.Errorf("Cached answers must not call the server, %d extra calls", after-before)
	}
}

func TestRestGateUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	g, err := access.New(json.RawMessage(`{"type": "rest", "server_url": "` + srv.URL + `"}`))
	if err != nil {
		t.Fatal(err)
	}
	if access.Allowed(g, "alice", "prices", access.LevelRead) {
		t.Error("Broken access server must deny")
	}
}

func TestRestGateBadConfig(t *testing.T) {
	if _, err := access.New(json.RawMessage(`{"type": "rest", "server_url": "relative/path"}`)); err == nil {
		t.Error("Relative server_url must be rejected")
	}
}
