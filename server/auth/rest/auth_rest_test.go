package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinode/topicsync/server/auth"
)

func TestRestResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/auth/resolve" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var rq request
		json.NewDecoder(req.Body).Decode(&rq)
		var resp response
		switch rq.Secret {
		case "good":
			resp.Identity = "alice"
		case "old":
			resp.Err = "expired"
		}
		json.NewEncoder(w).Encode(&resp)
	}))
	defer srv.Close()

	r, err := auth.New(json.RawMessage(`{"type": "rest", "server_url": "` + srv.URL + `/auth",
		"use_separate_endpoints": true}`))
	if err != nil {
		t.Fatal(err)
	}

	if ident, err := r.ResolveIdentity("good"); err != nil || ident != "alice" {
		t.Errorf("Expected 'alice', got '%s' (%v)", ident, err)
	}
	if _, err := r.ResolveIdentity("old"); err != auth.ErrExpired {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
	if _, err := r.ResolveIdentity("unknown"); err != auth.ErrFailed {
		t.Errorf("Expected ErrFailed, got %v", err)
	}
}
