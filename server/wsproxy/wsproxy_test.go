package wsproxy

import (
	"bytes"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// upstream starts a WebSocket echo server. If closeAfter > 0 each connection is dropped after
// echoing that many messages.
func upstream(t *testing.T, closeAfter int, onConnect func(r *http.Request)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onConnect != nil {
			onConnect(r)
		}
		hdr := http.Header{}
		hdr.Add("Set-Cookie", "upstream=1; Domain=internal.local; Path=/")
		conn, err := upgrader.Upgrade(w, r, hdr)
		if err != nil {
			return
		}
		defer conn.Close()
		for n := 0; closeAfter <= 0 || n < closeAfter; n++ {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err = conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collector() (Sink, chan []byte) {
	ch := make(chan []byte, 16)
	return func(key Key, mt int, data []byte) { ch <- data }, ch
}

func receive(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for upstream reply")
	}
	return nil
}

func TestLargeMessageRoundTrip(t *testing.T) {
	_, url := upstream(t, 0, nil)
	reg := NewRegistry(Config{InitialBuffer: 500})
	defer reg.CloseAll()

	sink, ch := collector()
	key := Key{ConnID: "c1", Path: "/svc"}
	tun, resp, err := reg.Open(key, url, nil, sink)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, StateOpen, tun.State())

	msg := make([]byte, 3<<20)
	rand.Read(msg)
	require.NoError(t, reg.Send(key, websocket.BinaryMessage, msg))

	got := receive(t, ch)
	require.True(t, bytes.Equal(msg, got), "3MB message corrupted: got %d bytes", len(got))
}

func TestOpenReusesLiveTunnel(t *testing.T) {
	var connects int32
	_, url := upstream(t, 0, func(*http.Request) { atomic.AddInt32(&connects, 1) })
	reg := NewRegistry(Config{})
	defer reg.CloseAll()

	sink, _ := collector()
	key := Key{ConnID: "c1", Path: "/svc"}
	first, _, err := reg.Open(key, url, nil, sink)
	require.NoError(t, err)
	second, resp, err := reg.Open(key, url, nil, sink)
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Same(t, first, second)
	require.EqualValues(t, 1, atomic.LoadInt32(&connects))
}

func TestForwardedHeaders(t *testing.T) {
	seen := make(chan http.Header, 1)
	_, url := upstream(t, 0, func(r *http.Request) { seen <- r.Header.Clone() })
	reg := NewRegistry(Config{})
	defer reg.CloseAll()

	src := http.Header{}
	src.Set("Cookie", "sid=secret; theme=dark; lang=en")
	src.Set("Connection", "Upgrade")
	src.Set("Sec-WebSocket-Key", "abc")
	src.Set("X-Custom", "yes")
	hdr := ForwardHeaders(src, "sid", "10.0.0.7:5555", "hub.example.com")

	sink, _ := collector()
	_, resp, err := reg.Open(Key{"c1", "/h"}, url, hdr, sink)
	require.NoError(t, err)

	got := <-seen
	require.Equal(t, "theme=dark; lang=en", got.Get("Cookie"))
	require.Equal(t, "yes", got.Get("X-Custom"))
	require.Equal(t, "10.0.0.7", got.Get("X-Forwarded-For"))
	require.Equal(t, "hub.example.com", got.Get("X-Forwarded-Host"))
	require.NotEqual(t, "abc", got.Get("Sec-WebSocket-Key"))

	require.Equal(t, []string{"upstream=1; Path=/; Domain=hub.example.com"}, RewriteSetCookie(resp.Header, "hub.example.com"))
	require.Equal(t, []string{"upstream=1; Path=/"}, RewriteSetCookie(resp.Header, ""))
}

func TestReconnectOnFailure(t *testing.T) {
	var connects int32
	_, url := upstream(t, 1, func(*http.Request) { atomic.AddInt32(&connects, 1) })
	reg := NewRegistry(Config{PollInterval: 10 * time.Millisecond, PollAttempts: 5})
	defer reg.CloseAll()

	var reconnects int32
	reg.OnReconnect = func() { atomic.AddInt32(&reconnects, 1) }

	sink, ch := collector()
	key := Key{ConnID: "c1", Path: "/flaky"}
	tun, _, err := reg.Open(key, url, nil, sink)
	require.NoError(t, err)

	require.NoError(t, reg.Send(key, websocket.TextMessage, []byte("one")))
	require.Equal(t, "one", string(receive(t, ch)))

	// The upstream hangs up after one message.
	require.Eventually(t, func() bool { return tun.State() == StateClosed }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Send(key, websocket.TextMessage, []byte("two")))
	require.Equal(t, "two", string(receive(t, ch)))
	require.Equal(t, 1, tun.Retries())
	require.EqualValues(t, 1, atomic.LoadInt32(&reconnects))
	require.EqualValues(t, 2, atomic.LoadInt32(&connects))
}

func TestSendGivesUp(t *testing.T) {
	srv, url := upstream(t, 1, nil)
	reg := NewRegistry(Config{PollInterval: time.Millisecond, PollAttempts: 2, ReconnectAttempts: 2})
	defer reg.CloseAll()

	sink, ch := collector()
	key := Key{ConnID: "c1", Path: "/dead"}
	tun, _, err := reg.Open(key, url, nil, sink)
	require.NoError(t, err)
	require.NoError(t, reg.Send(key, websocket.TextMessage, []byte("one")))
	receive(t, ch)
	require.Eventually(t, func() bool { return tun.State() == StateClosed }, 5*time.Second, 10*time.Millisecond)

	srv.Close()
	require.ErrorIs(t, reg.Send(key, websocket.TextMessage, []byte("two")), ErrNotOpen)
	require.Equal(t, 2, tun.Retries())
}

func TestOpenFailure(t *testing.T) {
	reg := NewRegistry(Config{HandshakeTimeout: time.Second})
	sink, _ := collector()
	_, _, err := reg.Open(Key{"c1", "/x"}, "ws://127.0.0.1:1/none", nil, sink)
	require.Error(t, err)
	require.Equal(t, 0, reg.Len())
	require.ErrorIs(t, reg.Send(Key{"c1", "/x"}, websocket.TextMessage, nil), ErrNotOpen)
}

func TestClose(t *testing.T) {
	_, url := upstream(t, 0, nil)
	reg := NewRegistry(Config{})

	sink, _ := collector()
	a, _, err := reg.Open(Key{"c1", "/a"}, url, nil, sink)
	require.NoError(t, err)
	_, _, err = reg.Open(Key{"c1", "/b"}, url, nil, sink)
	require.NoError(t, err)
	_, _, err = reg.Open(Key{"c2", "/a"}, url, nil, sink)
	require.NoError(t, err)
	require.Equal(t, 3, reg.Len())

	reg.Close(Key{"c1", "/a"})
	reg.Close(Key{"c1", "/a"})
	require.Equal(t, StateClosed, a.State())
	require.ErrorIs(t, a.Send(websocket.TextMessage, []byte("x")), ErrClosed)

	reg.CloseConn("c1")
	require.Equal(t, 1, reg.Len())
	require.NotNil(t, reg.Get(Key{"c2", "/a"}))

	reg.CloseAll()
	require.Equal(t, 0, reg.Len())
}

func TestForwardHeadersAppendsChain(t *testing.T) {
	src := http.Header{}
	src.Set("X-Forwarded-For", "1.2.3.4")
	src.Set("Upgrade", "websocket")
	hdr := ForwardHeaders(src, "sid", "5.6.7.8:80", "")
	require.Equal(t, "1.2.3.4, 5.6.7.8", hdr.Get("X-Forwarded-For"))
	require.Empty(t, hdr.Get("Upgrade"))
	require.Empty(t, hdr.Get("Cookie"))
	require.Empty(t, hdr.Get("X-Forwarded-Host"))
}

func TestMergeHeadersSkipsHandshake(t *testing.T) {
	extra := http.Header{}
	extra.Set("Connection", "close")
	extra.Set("Upgrade", "h2c")
	extra.Set("Sec-WebSocket-Key", "abc")
	extra.Set("Sec-WebSocket-Version", "8")
	extra.Set("x-trace", "t1")
	hdr := MergeHeaders(ForwardHeaders(http.Header{"X-Trace": {"t0"}}, "sid", "", ""), extra)
	require.Equal(t, http.Header{"X-Trace": {"t1"}}, hdr)

	// The upstream handshake succeeds with the merged headers.
	_, url := upstream(t, 0, nil)
	reg := NewRegistry(Config{})
	defer reg.CloseAll()
	sink, _ := collector()
	_, _, err := reg.Open(Key{"c1", "/m"}, url, hdr, sink)
	require.NoError(t, err)
}

func TestPollBudgetOutlastsHandshake(t *testing.T) {
	conf := Config{HandshakeTimeout: 2 * time.Second, PollInterval: 100 * time.Millisecond}
	conf.setDefaults()
	require.Greater(t, time.Duration(conf.PollAttempts)*conf.PollInterval, conf.HandshakeTimeout)

	conf = Config{PollAttempts: 3}
	conf.setDefaults()
	require.Equal(t, 3, conf.PollAttempts)
}
