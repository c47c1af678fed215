/******************************************************************************
 *
 *  Description :
 *
 *    Direct proxy routes: a WebSocket opened under a configured path prefix
 *    is tunneled to an upstream WebSocket service.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinode/topicsync/server/frame"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/wsproxy"
)

// A message travelling from the upstream to the browser.
type relayed struct {
	messageType int
	data        []byte
}

// proxyRoute tunnels WebSockets under prefix to upstream.
type proxyRoute struct {
	hub      *Hub
	prefix   string
	upstream string
	// Domain substituted in upstream cookies. Empty makes them host-only.
	cookieDomain     string
	useXForwardedFor bool
}

// upstreamURI maps the request path under the prefix to the upstream.
func (pr *proxyRoute) upstreamURI(req *http.Request) string {
	uri := strings.TrimSuffix(pr.upstream, "/") + "/" + strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, pr.prefix), "/")
	uri = strings.TrimSuffix(uri, "/")
	if req.URL.RawQuery != "" {
		uri += "?" + req.URL.RawQuery
	}
	return uri
}

func (pr *proxyRoute) ServeHTTP(wrt http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		serve404(wrt, req)
		return
	}

	key := wsproxy.Key{ConnID: uuid.NewString(), Path: pr.prefix}
	header := wsproxy.ForwardHeaders(req.Header, pr.hub.sessionCookie, clientAddr(req, pr.useXForwardedFor), req.Host)

	out := make(chan relayed, sendQueueLimit)
	done := make(chan struct{})
	sink := func(_ wsproxy.Key, messageType int, data []byte) {
		select {
		case out <- relayed{messageType: messageType, data: data}:
		case <-done:
		}
	}

	_, resp, err := pr.hub.proxy.Open(key, pr.upstreamURI(req), header, sink)
	if err != nil {
		logs.Warn.Println("proxy: upstream unavailable", pr.prefix, err)
		http.Error(wrt, "upstream unavailable", http.StatusBadGateway)
		return
	}

	respHeader := http.Header{}
	if resp != nil {
		for _, c := range wsproxy.RewriteSetCookie(resp.Header, pr.cookieDomain) {
			respHeader.Add("Set-Cookie", c)
		}
	}
	ws, err := upgrader.Upgrade(wrt, req, respHeader)
	if err != nil {
		logs.Warn.Println("proxy: failed to upgrade", pr.prefix, err)
		close(done)
		pr.hub.proxy.Close(key)
		return
	}
	logs.Info.Println("proxy: tunnel opened", key.ConnID, pr.prefix)

	go pr.writeLoop(ws, out, done)
	go pr.readLoop(ws, key, done)
}

// readLoop relays browser messages to the upstream.
func (pr *proxyRoute) readLoop(ws *websocket.Conn, key wsproxy.Key, done chan struct{}) {
	defer func() {
		close(done)
		pr.hub.proxy.Close(key)
		ws.Close()
		logs.Info.Println("proxy: tunnel closed", key.ConnID, pr.prefix)
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := pr.hub.reader.ReadMessage(ws)
		if errors.Is(err, frame.ErrTooLarge) {
			logs.Warn.Println("proxy: message too large, dropped", key.ConnID)
			continue
		}
		if err != nil {
			return
		}
		pr.hub.stats.incoming()
		if err := pr.hub.proxy.Send(key, mt, data); err != nil {
			logs.Warn.Println("proxy: upstream send failed", key.ConnID, pr.prefix, err)
			return
		}
	}
}

// writeLoop relays upstream messages to the browser.
func (pr *proxyRoute) writeLoop(ws *websocket.Conn, out chan relayed, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg := <-out:
			if err := wsWrite(ws, msg.messageType, msg.data); err != nil {
				return
			}
			pr.hub.stats.outgoing()
		case <-ticker.C:
			if err := wsWrite(ws, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
