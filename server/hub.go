/******************************************************************************
 *
 *  Description :
 *
 *    Hub keeps track of which sessions are subscribed to which topics, fans
 *    replication messages out to the subscribers and ties sessions to the
 *    workspaces and tunnels they own.
 *
 *****************************************************************************/

package main

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinode/topicsync/server/bridge"
	"github.com/tinode/topicsync/server/concurrency"
	"github.com/tinode/topicsync/server/frame"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/replica"
	"github.com/tinode/topicsync/server/store/types"
	"github.com/tinode/topicsync/server/wsproxy"
)

// Topics with this prefix accept CRUD only from the first session which subscribed to them.
const traderPrefix = "$trader."

const (
	defaultShareRetries = 3
	defaultRetryPause   = 5 * time.Millisecond
	defaultSaveWorkers  = 8
)

// WorkspaceJobs controls background jobs running on behalf of a workspace.
type WorkspaceJobs interface {
	// StopWorkspace stops all jobs of the workspace.
	StopWorkspace(workspace string) error
}

// Extension handles envelopes of types the hub does not know about.
type Extension interface {
	// Handle returns true if the envelope was consumed.
	Handle(sess *Session, env *Envelope) bool
}

// ExtensionFunc adapts a function to the Extension interface.
type ExtensionFunc func(sess *Session, env *Envelope) bool

// Handle calls f(sess, env).
func (f ExtensionFunc) Handle(sess *Session, env *Envelope) bool {
	return f(sess, env)
}

// Subscribers of one topic.
type subscribers struct {
	lock    sync.Mutex
	members map[string]*Session
}

type hubConfig struct {
	// Topic registry. Required.
	Service *replica.Service
	// Tunnels to upstream sockets. Required.
	Proxy *wsproxy.Registry
	// Optional job control of workspaces.
	Jobs WorkspaceJobs
	// Attempts to queue a message to a slow session before it's evicted.
	ShareRetries int
	// Pause between the attempts.
	RetryPause time.Duration
	// Goroutines persisting topics.
	SaveWorkers int
	// Element class labels of topics.
	Classes map[string]string
	// Name of the cookie carrying the session secret. Never forwarded upstream.
	SessionCookie string
	// Initial and largest size of incoming messages.
	InitialBuffer int
	MaxMessage    int
	// Metrics. Required.
	Stats *hubStats
}

// Hub is the core structure which holds topic subscriptions.
type Hub struct {
	svc      *replica.Service
	proxy    *wsproxy.Registry
	jobs     WorkspaceJobs
	sessions *SessionStore
	stats    *hubStats
	classes  map[string]string

	sessionCookie string

	// Reassembles incoming messages.
	reader *frame.Reader

	// Persists topics off the dispatch loop.
	savePool *concurrency.GoRoutinePool

	shareRetries int
	retryPause   time.Duration

	// Counter of envelopes originated by the hub.
	counter atomic.Int64

	bridgeLock sync.RWMutex
	bridge     bridge.Bridge

	extLock    sync.RWMutex
	extensions []Extension

	// Topic ID -> subscribers. Each set has its own lock.
	topicsLock sync.Mutex
	topics     map[string]*subscribers

	// Topic ID -> session ID of the trader.
	tradersLock sync.Mutex
	traders     map[string]string

	// Workspace ID -> sessions bound to it.
	workspacesLock sync.Mutex
	workspaces     map[string]map[string]*Session
}

func newHub(conf hubConfig) *Hub {
	h := &Hub{
		svc:           conf.Service,
		proxy:         conf.Proxy,
		jobs:          conf.Jobs,
		stats:         conf.Stats,
		classes:       conf.Classes,
		sessionCookie: conf.SessionCookie,
		shareRetries:  conf.ShareRetries,
		retryPause:    conf.RetryPause,
		topics:        make(map[string]*subscribers),
		traders:       make(map[string]string),
		workspaces:    make(map[string]map[string]*Session),
		reader:        frame.NewReader(conf.InitialBuffer, conf.MaxMessage),
	}
	if h.shareRetries <= 0 {
		h.shareRetries = defaultShareRetries
	}
	if h.retryPause <= 0 {
		h.retryPause = defaultRetryPause
	}
	if conf.SaveWorkers <= 0 {
		conf.SaveWorkers = defaultSaveWorkers
	}
	h.savePool = concurrency.NewGoRoutinePool(conf.SaveWorkers)
	h.sessions = NewSessionStore(h)

	// Workspaces are the first extension.
	h.RegisterExtension(ExtensionFunc(h.registerWorkspace))

	h.stats.watch(h)
	return h
}

// RegisterExtension appends an extension to the chain. Extensions are consulted in the
// order of registration.
func (h *Hub) RegisterExtension(ext Extension) {
	h.extLock.Lock()
	h.extensions = append(h.extensions, ext)
	h.extLock.Unlock()
}

func (h *Hub) runExtensions(sess *Session, env *Envelope) bool {
	h.extLock.RLock()
	chain := h.extensions
	h.extLock.RUnlock()

	for _, ext := range chain {
		if ext.Handle(sess, env) {
			return true
		}
	}
	return false
}

func (h *Hub) setBridge(b bridge.Bridge) {
	h.bridgeLock.Lock()
	h.bridge = b
	h.bridgeLock.Unlock()
}

func (h *Hub) getBridge() bridge.Bridge {
	h.bridgeLock.RLock()
	defer h.bridgeLock.RUnlock()
	return h.bridge
}

func (h *Hub) nextCounter() int64 {
	return h.counter.Add(1)
}

// addSubscriber registers the session with the topic. Returns true if the session became
// the trader of the topic.
func (h *Hub) addSubscriber(sess *Session, topicID string) bool {
	h.topicsLock.Lock()
	set := h.topics[topicID]
	if set == nil {
		set = &subscribers{members: make(map[string]*Session)}
		h.topics[topicID] = set
	}
	set.lock.Lock()
	set.members[sess.sid] = sess
	set.lock.Unlock()
	h.topicsLock.Unlock()

	sess.addSub(topicID)

	if !strings.HasPrefix(topicID, traderPrefix) {
		return false
	}
	h.tradersLock.Lock()
	defer h.tradersLock.Unlock()
	if _, taken := h.traders[topicID]; taken {
		return false
	}
	h.traders[topicID] = sess.sid
	return true
}

// removeSubscriber detaches the session from the topic and releases the trader binding.
func (h *Hub) removeSubscriber(sess *Session, topicID string) {
	h.topicsLock.Lock()
	if set := h.topics[topicID]; set != nil {
		set.lock.Lock()
		delete(set.members, sess.sid)
		empty := len(set.members) == 0
		set.lock.Unlock()
		if empty {
			delete(h.topics, topicID)
		}
	}
	h.topicsLock.Unlock()

	sess.delSub(topicID)

	h.tradersLock.Lock()
	if h.traders[topicID] == sess.sid {
		delete(h.traders, topicID)
	}
	h.tradersLock.Unlock()
}

// subscribersOf returns a snapshot of the topic's subscribers.
func (h *Hub) subscribersOf(topicID string) []*Session {
	h.topicsLock.Lock()
	set := h.topics[topicID]
	h.topicsLock.Unlock()
	if set == nil {
		return nil
	}

	set.lock.Lock()
	defer set.lock.Unlock()
	result := make([]*Session, 0, len(set.members))
	for _, sess := range set.members {
		result = append(result, sess)
	}
	return result
}

// subscriptionCount returns the number of (session, topic) pairs.
func (h *Hub) subscriptionCount() int {
	h.topicsLock.Lock()
	defer h.topicsLock.Unlock()
	count := 0
	for _, set := range h.topics {
		set.lock.Lock()
		count += len(set.members)
		set.lock.Unlock()
	}
	return count
}

// traderOf returns the session ID of the topic's trader or an empty string.
func (h *Hub) traderOf(topicID string) string {
	h.tradersLock.Lock()
	defer h.tradersLock.Unlock()
	return h.traders[topicID]
}

// mayWrite checks the trader binding of the topic.
func (h *Hub) mayWrite(sess *Session, topicID string) bool {
	if !strings.HasPrefix(topicID, traderPrefix) {
		return true
	}
	return h.traderOf(topicID) == sess.sid
}

// Share queues the message to every subscriber of the topic except the origin. Sessions which
// don't accept the message after all retries are evicted. Origin may be nil.
func (h *Hub) Share(origin *Session, topicID string, raw []byte) {
	start := time.Now()
	for _, sess := range h.subscribersOf(topicID) {
		if sess == origin {
			continue
		}
		sess.snapshotLock.Lock()
		ok := h.deliver(sess, raw)
		sess.snapshotLock.Unlock()
		if !ok {
			logs.Warn.Println("hub: evicting unresponsive session", sess.sid, topicID)
			h.stats.evicted()
			h.evict(sess)
		}
	}
	h.stats.shared(time.Since(start))
}

func (h *Hub) deliver(sess *Session, raw []byte) bool {
	for attempt := 0; ; attempt++ {
		if sess.queueOut(raw) {
			return true
		}
		if attempt >= h.shareRetries || sess.isClosed() {
			return false
		}
		time.Sleep(h.retryPause)
	}
}

// broadcast shares the message locally and forwards it to the other nodes.
func (h *Hub) broadcast(origin *Session, topicID string, raw []byte) {
	h.Share(origin, topicID, raw)
	if b := h.getBridge(); b != nil {
		if err := b.Publish(topicID, raw); err != nil {
			logs.Warn.Println("hub: bridge publish failed", topicID, err)
		}
	}
}

// bridgeReceived applies a message shared by another node.
func (h *Hub) bridgeReceived(msg *bridge.Message) {
	env, err := parseEnvelope(msg.Payload)
	if err != nil {
		logs.Warn.Println("hub: malformed bridge message", msg.Origin, err)
		return
	}

	switch env.Type {
	case MsgCRUD:
		var crud types.CRUDMessage
		if err := env.decodeContent(&crud); err != nil || crud.TopicID != msg.Topic {
			logs.Warn.Println("hub: malformed bridge CRUD", msg.Origin, msg.Topic, err)
			return
		}
		if h.svc.Topic(crud.TopicID).Process(types.SystemIdentity, &crud) {
			h.Share(nil, crud.TopicID, msg.Payload)
		}
	case MsgUpdateQueue:
		var qm types.QueueMessage
		if err := env.decodeContent(&qm); err != nil || qm.TopicID != msg.Topic {
			logs.Warn.Println("hub: malformed bridge queue update", msg.Origin, msg.Topic, err)
			return
		}
		if h.svc.Topic(qm.TopicID).UpdateQueue(types.SystemIdentity, &qm) {
			h.Share(nil, qm.TopicID, msg.Payload)
		}
	default:
		logs.Warn.Println("hub: unexpected bridge message", msg.Origin, env.Type)
	}
}

// subscribe adds the session to subscribers of the topic and queues the current contents of the
// topic to it. Deltas shared to the session wait until the snapshot is queued. A session which
// cannot take the whole snapshot is evicted.
func (h *Hub) subscribe(sess *Session, topicID string, raw []byte) {
	sess.snapshotLock.Lock()
	if h.addSubscriber(sess, topicID) {
		sess.queueOut(raw)
	}
	t := h.svc.Topic(topicID)
	ok := h.queueSnapshot(sess, t)
	sess.snapshotLock.Unlock()

	if !ok {
		logs.Warn.Println("hub: evicting session with stalled snapshot", sess.sid, topicID)
		h.stats.evicted()
		h.evict(sess)
	}
}

func (h *Hub) queueSnapshot(sess *Session, t *replica.Topic) bool {
	for _, e := range t.RawEntries(sess.ident) {
		raw, err := serializeEnvelope(MsgCRUD, &types.CRUDMessage{
			TopicID:       t.ID(),
			ID:            e.ID,
			Type:          types.CRUDCreate,
			Class:         h.classes[t.ID()],
			Value:         e.Value,
			ValueType:     e.ValueType,
			ValueAssembly: e.ValueAssembly,
		}, h.nextCounter())
		if err != nil {
			logs.Warn.Println("hub: snapshot entry", t.ID(), e.ID, err)
			continue
		}
		if !h.deliver(sess, raw) {
			return false
		}
	}
	pending := t.Pending(sess.ident)
	for i := range pending {
		raw, err := serializeEnvelope(MsgUpdateQueue, &pending[i], h.nextCounter())
		if err != nil {
			continue
		}
		if !h.deliver(sess, raw) {
			return false
		}
	}
	return true
}

// saveTopic persists the topic on the worker pool.
func (h *Hub) saveTopic(topicID string) {
	h.savePool.Schedule(func() {
		t := h.svc.Lookup(topicID)
		if t == nil {
			logs.Warn.Println("hub: save of unknown topic", topicID)
			return
		}
		if err := t.Save(); err != nil {
			logs.Err.Println("hub: failed to save topic", topicID, err)
		}
	})
}

// registerWorkspace is the extension binding sessions to workspaces.
func (h *Hub) registerWorkspace(sess *Session, env *Envelope) bool {
	if env.Type != MsgRegisterWorkspace {
		return false
	}
	workspace, err := env.stringContent()
	if err != nil {
		logs.Warn.Println("hub: invalid workspace registration", sess.sid, err)
		return true
	}

	if prev := sess.setWorkspace(workspace); prev != "" && prev != workspace {
		h.unbindWorkspace(sess, prev)
	}
	h.workspacesLock.Lock()
	members := h.workspaces[workspace]
	if members == nil {
		members = make(map[string]*Session)
		h.workspaces[workspace] = members
	}
	members[sess.sid] = sess
	h.workspacesLock.Unlock()
	return true
}

// unbindWorkspace detaches the session from the workspace and stops jobs of the workspace.
func (h *Hub) unbindWorkspace(sess *Session, workspace string) {
	h.workspacesLock.Lock()
	members := h.workspaces[workspace]
	delete(members, sess.sid)
	if len(members) == 0 {
		delete(h.workspaces, workspace)
	}
	h.workspacesLock.Unlock()

	if h.jobs != nil {
		if err := h.jobs.StopWorkspace(workspace); err != nil {
			logs.Warn.Println("hub: failed to stop workspace jobs", workspace, err)
		}
	}
}

// workspaceSessions returns sessions bound to the workspace.
func (h *Hub) workspaceSessions(workspace string) []*Session {
	h.workspacesLock.Lock()
	defer h.workspacesLock.Unlock()
	result := make([]*Session, 0, len(h.workspaces[workspace]))
	for _, sess := range h.workspaces[workspace] {
		result = append(result, sess)
	}
	return result
}

// proxySink returns upstream messages to the session which owns the tunnel.
func (h *Hub) proxySink(key wsproxy.Key, messageType int, data []byte) {
	sess := h.sessions.Get(key.ConnID)
	if sess == nil {
		h.proxy.Close(key)
		return
	}
	raw, err := serializeEnvelope(MsgProxyContent, newProxyContent(key.Path, messageType, data), h.nextCounter())
	if err != nil {
		logs.Warn.Println("hub: proxy content", key.ConnID, key.Path, err)
		return
	}
	if !h.deliver(sess, raw) {
		logs.Warn.Println("hub: evicting session with stalled tunnel", sess.sid, key.Path)
		h.evict(sess)
	}
}

// sessionGone runs the cleanup cascade of a disconnected session. Safe to call more than once.
func (h *Hub) sessionGone(sess *Session) {
	if !sess.markGone() {
		return
	}

	for _, topicID := range sess.subTopics() {
		h.removeSubscriber(sess, topicID)
	}
	if workspace := sess.setWorkspace(""); workspace != "" {
		h.unbindWorkspace(sess, workspace)
	}
	h.proxy.CloseConn(sess.sid)
	h.sessions.Delete(sess)
}

// evict forcibly disconnects the session.
func (h *Hub) evict(sess *Session) {
	h.sessionGone(sess)
	sess.stopSession(nil)
}

// shutdown terminates sessions and tunnels, then persists everything.
func (h *Hub) shutdown() {
	h.sessions.Shutdown()
	h.proxy.CloseAll()
	if b := h.getBridge(); b != nil {
		if err := b.Close(); err != nil {
			logs.Warn.Println("hub: bridge close", err)
		}
	}
	h.savePool.Wait()
	h.savePool.Stop()

	// Flush the outbox so that pending messages don't reference dropped topics.
	h.svc.Close()
	if err := h.svc.SaveAll(); err != nil {
		logs.Err.Println("hub: failed to save topics", err)
	}
	logs.Info.Println("hub: shutdown completed")
}
