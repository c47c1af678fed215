/******************************************************************************
 *
 *  Description :
 *
 *  Handling of user sessions/connections. One user may have multiple sessions.
 *  Each session can subscribe to multiple topics.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinode/topicsync/server/frame"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/store/types"
	"github.com/tinode/topicsync/server/wsproxy"
)

// Maximum number of outbound messages queued for a session.
const sendQueueLimit = 256

// Session represents a single WS connection.
type Session struct {
	// Websocket. Nil for sessions created in tests.
	ws *websocket.Conn

	// Session ID
	sid string

	// IP address of the client.
	remoteAddr string

	// Identity resolved from the session cookie.
	ident types.Identity

	// Headers and host of the upgrade request, forwarded to proxy upstreams.
	header http.Header
	host   string

	hub *Hub

	// Reassembles incoming messages.
	reader *frame.Reader

	// Outbound messages, serialized.
	send chan []byte

	// Channel for shutting down the session, buffer 1.
	stop chan []byte

	// Session no longer accepts outbound messages.
	closed atomic.Bool
	// Cleanup cascade ran.
	gone atomic.Bool

	// Time when the session received any packet from client, unix nanoseconds.
	lastAction atomic.Int64

	// Held while a snapshot is queued to the session and while a delta is shared to it.
	snapshotLock sync.Mutex

	// Guards subs and workspace.
	lock sync.Mutex
	// Topics the session is subscribed to.
	subs map[string]struct{}
	// Workspace the session is bound to.
	workspace string
}

func newSession(hub *Hub, ws *websocket.Conn, sid string) *Session {
	return &Session{
		ws:     ws,
		sid:    sid,
		hub:    hub,
		reader: hub.reader,
		header: http.Header{},
		send:   make(chan []byte, sendQueueLimit),
		stop:   make(chan []byte, 1),
		subs:   make(map[string]struct{}),
	}
}

// queueOut attempts to send a serialized message. If the send buffer is full, timeout is 50 usec.
func (s *Session) queueOut(data []byte) bool {
	if s == nil {
		return true
	}
	if s.closed.Load() {
		return false
	}

	select {
	case s.send <- data:
	case <-time.After(time.Microsecond * 50):
		return false
	}
	return true
}

// stopSession asks the write loop to send an optional final message and terminate.
func (s *Session) stopSession(data []byte) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.stop <- data:
	default:
	}
}

func (s *Session) isClosed() bool {
	return s.closed.Load()
}

// markGone returns true for the first caller only.
func (s *Session) markGone() bool {
	return s.gone.CompareAndSwap(false, true)
}

func (s *Session) addSub(topicID string) {
	s.lock.Lock()
	s.subs[topicID] = struct{}{}
	s.lock.Unlock()
}

func (s *Session) delSub(topicID string) {
	s.lock.Lock()
	delete(s.subs, topicID)
	s.lock.Unlock()
}

func (s *Session) isSubscribed(topicID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.subs[topicID]
	return ok
}

func (s *Session) subTopics() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	topics := make([]string, 0, len(s.subs))
	for topicID := range s.subs {
		topics = append(topics, topicID)
	}
	return topics
}

// setWorkspace replaces the workspace binding and returns the previous one.
func (s *Session) setWorkspace(workspace string) string {
	s.lock.Lock()
	defer s.lock.Unlock()
	prev := s.workspace
	s.workspace = workspace
	return prev
}

func (s *Session) getWorkspace() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.workspace
}

func (s *Session) cleanUp() {
	s.hub.sessionGone(s)
	s.stopSession(nil)
}

// Message received, convert bytes to Envelope and dispatch.
func (s *Session) dispatchRaw(raw []byte) {
	env, err := parseEnvelope(raw)
	if err != nil {
		toLog := raw
		truncated := ""
		if len(raw) > 512 {
			toLog = raw[:512]
			truncated = "<...>"
		}
		logs.Warn.Printf("s.dispatch: failed to parse message '%s%s' from %s: %v", toLog, truncated, s.sid, err)
		s.hub.stats.dispatchError()
		return
	}
	s.dispatch(env, raw)
}

func (s *Session) dispatch(env *Envelope, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			logs.Err.Println("s.dispatch: panic", s.sid, env.Type, r, string(debug.Stack()))
			s.hub.stats.dispatchError()
		}
	}()

	s.lastAction.Store(time.Now().UnixNano())

	var err error
	switch env.Type {
	case MsgSubscribe:
		err = s.subscribe(env, raw)
	case MsgUnsubscribe:
		err = s.unsubscribe(env)
	case MsgCRUD:
		err = s.crud(env, raw)
	case MsgUpdateQueue:
		err = s.updateQueue(env, raw)
	case MsgPing:
		err = s.ping(env)
	case MsgSaveTopic:
		err = s.saveTopic(env)
	case MsgProxyOpen:
		err = s.proxyOpen(env)
	case MsgProxyContent:
		err = s.proxyContent(env)
	case MsgProxyClose:
		err = s.proxyClose(env)
	default:
		if !s.hub.runExtensions(s, env) {
			logs.Warn.Println("s.dispatch: unhandled message", s.sid, env.Type)
		}
	}

	if err != nil {
		logs.Warn.Println("s.dispatch:", s.sid, env.Type, err)
		s.hub.stats.dispatchError()
	}
}

func (s *Session) subscribe(env *Envelope, raw []byte) error {
	topicID, err := env.stringContent()
	if err != nil {
		return err
	}

	s.hub.subscribe(s, topicID, raw)
	return nil
}

func (s *Session) unsubscribe(env *Envelope) error {
	topicID, err := env.stringContent()
	if err != nil {
		return err
	}
	s.hub.removeSubscriber(s, topicID)
	return nil
}

func (s *Session) crud(env *Envelope, raw []byte) error {
	var msg types.CRUDMessage
	if err := env.decodeContent(&msg); err != nil {
		return err
	}
	if msg.TopicID == "" {
		return errors.New("crud without topic")
	}
	if !s.hub.mayWrite(s, msg.TopicID) {
		// Not the trader.
		return nil
	}

	if s.hub.svc.Topic(msg.TopicID).Process(s.ident, &msg) {
		s.hub.broadcast(s, msg.TopicID, raw)
	}
	return nil
}

func (s *Session) updateQueue(env *Envelope, raw []byte) error {
	var msg types.QueueMessage
	if err := env.decodeContent(&msg); err != nil {
		return err
	}
	if msg.TopicID == "" {
		return errors.New("queue update without topic")
	}

	if s.hub.svc.Topic(msg.TopicID).UpdateQueue(s.ident, &msg) {
		s.hub.broadcast(s, msg.TopicID, raw)
	}
	return nil
}

func (s *Session) ping(env *Envelope) error {
	raw, err := serializeEnvelope(MsgPing, unixMilli(), env.Counter)
	if err != nil {
		return err
	}
	s.queueOut(raw)
	return nil
}

func (s *Session) saveTopic(env *Envelope) error {
	topicID, err := env.stringContent()
	if err != nil {
		return err
	}
	s.hub.saveTopic(topicID)
	return nil
}

func (s *Session) proxyKey(path string) wsproxy.Key {
	return wsproxy.Key{ConnID: s.sid, Path: path}
}

func (s *Session) proxyOpen(env *Envelope) error {
	var msg ProxyMessage
	if err := env.decodeContent(&msg); err != nil {
		return err
	}
	if msg.Url == "" || msg.Content == "" {
		return errors.New("proxy open without path or upstream")
	}

	header := wsproxy.MergeHeaders(
		wsproxy.ForwardHeaders(s.header, s.hub.sessionCookie, s.remoteAddr, s.host), msg.header())
	_, _, err := s.hub.proxy.Open(s.proxyKey(msg.Url), msg.Content, header, s.hub.proxySink)
	return err
}

func (s *Session) proxyContent(env *Envelope) error {
	var msg ProxyMessage
	if err := env.decodeContent(&msg); err != nil {
		return err
	}
	data, err := msg.payload()
	if err != nil {
		return err
	}
	return s.hub.proxy.Send(s.proxyKey(msg.Url), msg.messageType(), data)
}

func (s *Session) proxyClose(env *Envelope) error {
	var msg ProxyMessage
	if err := env.decodeContent(&msg); err != nil {
		return err
	}
	s.hub.proxy.Close(s.proxyKey(msg.Url))
	return nil
}
