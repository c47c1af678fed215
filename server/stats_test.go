package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tinode/topicsync/server/replica"
	"github.com/tinode/topicsync/server/wsproxy"
)

func TestStatsEndpoint(t *testing.T) {
	st := newHubStats()
	svc := replica.NewService(replica.Config{})
	defer svc.Close()
	h := newHub(hubConfig{
		Service: svc,
		Proxy:   wsproxy.NewRegistry(wsproxy.Config{}),
		Stats:   st,
	})
	svc.SetBus(hubBus{hub: h})

	s := newTestSession(h, "alice")
	s.dispatchRaw(mustEnvelope(t, MsgSubscribe, "prices", 1))
	s.dispatchRaw([]byte("garbage"))
	s.dispatchRaw(mustEnvelope(t, MsgPing, 0, 2))
	receive(t, s)

	mux := http.NewServeMux()
	statsInit(mux, "/metrics", st)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"topicsync_sessions_live 1",
		"topicsync_subscriptions_live 1",
		"topicsync_tunnels_live 0",
		"topicsync_dispatch_errors_total 1",
		"topicsync_build_info{",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics must contain '%s'", want)
		}
	}
}

func TestStatsDisabled(t *testing.T) {
	mux := http.NewServeMux()
	statsInit(mux, "-", newHubStats())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled endpoint: want 404, got %d", rec.Code)
	}
}
