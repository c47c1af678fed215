package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"

	"github.com/tinode/topicsync/server/auth"
	"github.com/tinode/topicsync/server/auth/mock_auth"
	"github.com/tinode/topicsync/server/store/types"
)

// echoUpstream starts a websocket server which echoes every message and returns its URL.
func echoUpstream(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := http.Header{}
		hdr.Add("Set-Cookie", "upstream=1; Domain=internal.local; Path=/")
		conn, err := up.Upgrade(w, r, hdr)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDispatchPing(t *testing.T) {
	h := newTestHub(t, nil)
	s := newTestSession(h, "alice")

	before := time.Now().UnixMilli()
	s.dispatchRaw(mustEnvelope(t, MsgPing, 0, 42))

	env, err := parseEnvelope(receive(t, s))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != MsgPing {
		t.Errorf("Type: want ping, got %s", env.Type)
	}
	if env.Counter != 42 {
		t.Errorf("Counter: want 42, got %d", env.Counter)
	}
	var ts int64
	if err := env.decodeContent(&ts); err != nil {
		t.Fatal(err)
	}
	if ts < before {
		t.Errorf("timestamp %d is older than %d", ts, before)
	}
}

func TestDispatchMalformed(t *testing.T) {
	h := newTestHub(t, nil)
	s := newTestSession(h, "alice")

	s.dispatchRaw([]byte("not json"))
	s.dispatchRaw(mustEnvelope(t, MsgSubscribe, nil, 1))
	s.dispatchRaw(mustEnvelope(t, MsgCRUD, "wrong shape", 1))
	s.dispatchRaw(mustEnvelope(t, 77, "unknown", 1))

	expectNothing(t, s)
	if h.subscriptionCount() != 0 {
		t.Error("malformed subscribe must be ignored")
	}
}

func TestExtensionChain(t *testing.T) {
	h := newTestHub(t, nil)
	s := newTestSession(h, "alice")

	var handled []MsgType
	h.RegisterExtension(ExtensionFunc(func(sess *Session, env *Envelope) bool {
		if env.Type == 150 {
			panic("boom")
		}
		return false
	}))
	h.RegisterExtension(ExtensionFunc(func(sess *Session, env *Envelope) bool {
		if env.Type < 200 {
			handled = append(handled, env.Type)
			return true
		}
		return false
	}))

	s.dispatchRaw(mustEnvelope(t, 120, "x", 1))
	// Panic in an extension is recovered.
	s.dispatchRaw(mustEnvelope(t, 150, "x", 2))
	// Nobody handles it.
	s.dispatchRaw(mustEnvelope(t, 300, "x", 3))
	s.dispatchRaw(mustEnvelope(t, MsgRegisterWorkspace, "ws", 4))

	if len(handled) != 1 || handled[0] != 120 {
		t.Errorf("handled: want [120], got %v", handled)
	}
	if s.getWorkspace() != "ws" {
		t.Errorf("workspace: want 'ws', got '%s'", s.getWorkspace())
	}
}

func TestProxyEnvelopes(t *testing.T) {
	h := newTestHub(t, nil)
	s := newTestSession(h, "alice")
	upstream := echoUpstream(t)

	s.dispatchRaw(mustEnvelope(t, MsgProxyOpen, &ProxyMessage{Url: "/svc", Content: upstream}, 1))
	s.dispatchRaw(mustEnvelope(t, MsgProxyContent, &ProxyMessage{Url: "/svc", Content: "hello"}, 2))
	s.dispatchRaw(mustEnvelope(t, MsgProxyContent, newProxyContent("/svc", websocket.BinaryMessage, []byte{0, 1, 2}), 3))

	for _, want := range []string{"hello", "\x00\x01\x02"} {
		env, err := parseEnvelope(receive(t, s))
		if err != nil {
			t.Fatal(err)
		}
		var msg ProxyMessage
		if err := env.decodeContent(&msg); err != nil {
			t.Fatal(err)
		}
		data, err := msg.payload()
		if err != nil {
			t.Fatal(err)
		}
		if env.Type != MsgProxyContent || msg.Url != "/svc" || string(data) != want {
			t.Errorf("want ProxyContent /svc %q, got %s %s %q", want, env.Type, msg.Url, data)
		}
	}

	s.dispatchRaw(mustEnvelope(t, MsgProxyClose, &ProxyMessage{Url: "/svc"}, 4))
	if h.proxy.Len() != 0 {
		t.Errorf("tunnel must be closed, %d open", h.proxy.Len())
	}
}

func TestProxyOpenIgnoresHandshakeHeaders(t *testing.T) {
	h := newTestHub(t, nil)
	s := newTestSession(h, "alice")
	upstream := echoUpstream(t)

	s.dispatchRaw(mustEnvelope(t, MsgProxyOpen, &ProxyMessage{
		Url:     "/svc",
		Content: upstream,
		Headers: map[string]string{
			"Connection":        "close",
			"Upgrade":           "h2c",
			"Sec-WebSocket-Key": "abc",
			"X-Trace":           "t1",
		},
	}, 1))
	if h.proxy.Len() != 1 {
		t.Fatalf("tunnel must be open, %d open", h.proxy.Len())
	}
}

func TestUpgradePassThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	resolver := mock_auth.NewMockResolver(ctrl)
	resolver.EXPECT().ResolveIdentity("stranger").Return(types.Identity(""), auth.ErrFailed)
	resolver.EXPECT().ResolveIdentity("secret").Return(types.Identity("alice"), nil)

	h := newTestHub(t, nil)
	h.sessionCookie = "sid"
	var passed atomic.Int32
	handler := &wsHandler{
		hub:      h,
		resolver: resolver,
		next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed.Add(1)
			w.WriteHeader(http.StatusTeapot)
		}),
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// Plain HTTP request.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// No cookie.
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("upgrade without cookie must fail")
	} else if resp == nil || resp.StatusCode != http.StatusTeapot {
		t.Errorf("request without cookie must reach the next handler, got %v", resp)
	}

	// Unknown cookie.
	hdr := http.Header{"Cookie": {"sid=stranger"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, hdr); err == nil {
		t.Fatal("upgrade with unknown cookie must fail")
	}

	if n := passed.Load(); n != 3 {
		t.Errorf("next handler: want 3 calls, got %d", n)
	}

	// Known cookie.
	hdr = http.Header{"Cookie": {"sid=secret; other=1"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, mustEnvelope(t, MsgPing, 0, 9)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	env, err := parseEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != MsgPing || env.Counter != 9 {
		t.Errorf("unexpected reply %s", data)
	}

	var sess *Session
	h.sessions.Range(func(_ string, s *Session) bool {
		sess = s
		return false
	})
	if sess == nil || sess.ident != "alice" {
		t.Fatalf("session with identity 'alice' expected, got %v", sess)
	}

	conn.Close()
	deadline := time.Now().Add(time.Second)
	for h.sessions.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.sessions.Len() != 0 {
		t.Error("session must be cleaned up after disconnect")
	}
}

func TestDirectProxyRoute(t *testing.T) {
	h := newTestHub(t, nil)
	route := &proxyRoute{
		hub:          h,
		prefix:       "/app/",
		upstream:     echoUpstream(t),
		cookieDomain: "example.com",
	}
	srv := httptest.NewServer(route)
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/app/feed", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cookie := resp.Header.Get("Set-Cookie")
	if !strings.Contains(cookie, "upstream=1") || !strings.Contains(cookie, "Domain=example.com") {
		t.Errorf("Set-Cookie must be rewritten, got '%s'", cookie)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ping" {
		t.Errorf("echo: want 'ping', got '%s'", data)
	}
}

func TestUpstreamURI(t *testing.T) {
	pr := &proxyRoute{prefix: "/app/", upstream: "ws://backend:8080/v1/"}
	req := httptest.NewRequest(http.MethodGet, "/app/feed/live?x=1", nil)
	if got, want := pr.upstreamURI(req), "ws://backend:8080/v1/feed/live?x=1"; got != want {
		t.Errorf("want '%s', got '%s'", want, got)
	}
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")

	if got := clientAddr(req, true); got != "203.0.113.7" {
		t.Errorf("want forwarded address, got '%s'", got)
	}
	if got := clientAddr(req, false); got != "10.0.0.1:1234" {
		t.Errorf("want remote address, got '%s'", got)
	}
	req.Header.Set("X-Forwarded-For", "192.168.1.1")
	if got := clientAddr(req, true); got != "10.0.0.1:1234" {
		t.Errorf("private forwarded address must be ignored, got '%s'", got)
	}
}
