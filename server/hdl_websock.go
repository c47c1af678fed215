/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket connections. Requests which don't carry a known
 *    session cookie are passed on to the next handler.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinode/topicsync/server/auth"
	"github.com/tinode/topicsync/server/frame"
	"github.com/tinode/topicsync/server/logs"
)

const (
	// Terminate session after this timeout.
	idleSessionTimeout = time.Second * 55

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = idleSessionTimeout

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

func (sess *Session) closeWS() {
	if sess.ws != nil {
		sess.ws.Close()
	}
}

func (sess *Session) readLoop() {
	defer func() {
		sess.closeWS()
		sess.cleanUp()
	}()

	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sess.reader.ReadMessage(sess.ws)
		if errors.Is(err, frame.ErrTooLarge) {
			logs.Warn.Println("ws: message too large, dropped", sess.sid)
			sess.hub.stats.dispatchError()
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", sess.sid, err)
			}
			return
		}
		sess.hub.stats.incoming()
		sess.dispatchRaw(raw)
	}
}

func (sess *Session) sendMessage(msg []byte) bool {
	if err := wsWrite(sess.ws, websocket.TextMessage, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			logs.Err.Println("ws: writeLoop", sess.sid, err)
		}
		return false
	}
	sess.hub.stats.outgoing()
	return true
}

func (sess *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		sess.closeWS()
	}()

	for {
		select {
		case msg := <-sess.send:
			if !sess.sendMessage(msg) {
				return
			}

		case msg := <-sess.stop:
			// Shutdown requested, don't care if the message is delivered
			if msg != nil {
				wsWrite(sess.ws, websocket.TextMessage, msg)
			}
			wsWrite(sess.ws, websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case <-ticker.C:
			if err := wsWrite(sess.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", sess.sid, err)
				}
				return
			}
		}
	}
}

// Writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, msg []byte) error {
	if msg == nil {
		msg = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, msg)
}

// Handles websocket requests from peers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler upgrades requests which present a resolvable session cookie.
type wsHandler struct {
	hub      *Hub
	resolver auth.Resolver
	// Receives requests which are not hub connections.
	next http.Handler
	// Take client address from X-Forwarded-For.
	useXForwardedFor bool
}

func (wh *wsHandler) ServeHTTP(wrt http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		wh.next.ServeHTTP(wrt, req)
		return
	}
	cookie, err := req.Cookie(wh.hub.sessionCookie)
	if err != nil || cookie.Value == "" {
		wh.next.ServeHTTP(wrt, req)
		return
	}
	ident, err := wh.resolver.ResolveIdentity(cookie.Value)
	if err != nil || ident.IsZero() {
		if err != nil && err != auth.ErrFailed {
			logs.Warn.Println("ws: failed to resolve identity", err)
		}
		wh.next.ServeHTTP(wrt, req)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: Not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to Upgrade ", err)
		return
	}

	sess, count := wh.hub.sessions.NewSession(ws, "")
	sess.ident = ident
	sess.remoteAddr = clientAddr(req, wh.useXForwardedFor)
	sess.header = req.Header.Clone()
	sess.host = req.Host

	logs.Info.Println("ws: session started", sess.sid, sess.remoteAddr, ident, count)

	// Do work in goroutines to return from ServeHTTP() to release file pointers.
	// Otherwise "too many open files" will happen.
	go sess.writeLoop()
	go sess.readLoop()
}

// clientAddr returns the address of the client, optionally trusting X-Forwarded-For.
func clientAddr(req *http.Request, useXForwardedFor bool) string {
	if useXForwardedFor {
		// The left-most address is the original client.
		addr := strings.TrimSpace(strings.Split(req.Header.Get("X-Forwarded-For"), ",")[0])
		if isRoutableIP(addr) {
			return addr
		}
	}
	return req.RemoteAddr
}

// isRoutableIP checks that the address is a public IP.
func isRoutableIP(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast()
}

func serve404(wrt http.ResponseWriter, req *http.Request) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(http.StatusNotFound)
	json.NewEncoder(wrt).Encode(map[string]any{
		"code": http.StatusNotFound,
		"text": "not found",
		"ts":   time.Now().UTC().Round(time.Millisecond),
	})
}
