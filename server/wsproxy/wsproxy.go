// Package wsproxy relays WebSocket messages between downstream connections and upstream
// WebSocket services. Each (connection, path) pair gets its own upstream socket which is
// reopened when it fails.
package wsproxy

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinode/topicsync/server/frame"
	"github.com/tinode/topicsync/server/logs"
)

// State of a tunnel.
type State int32

const (
	// StateConnecting means the upstream socket is being dialed.
	StateConnecting State = iota
	// StateOpen means messages can be relayed.
	StateOpen
	// StateClosed means the upstream socket is gone, either closed or failed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNotOpen means the upstream socket could not be opened.
	ErrNotOpen = errors.New("wsproxy: tunnel not open")
	// ErrClosed means the tunnel was closed explicitly.
	ErrClosed = errors.New("wsproxy: tunnel closed")
)

// Key identifies a tunnel.
type Key struct {
	// ConnID is the ID of the downstream connection.
	ConnID string
	// Path is the logical path the downstream client talks to.
	Path string
}

// Sink receives messages from the upstream.
type Sink func(key Key, messageType int, data []byte)

// Config of the tunnels.
type Config struct {
	// Time to wait for the upstream handshake.
	HandshakeTimeout time.Duration
	// Sleep between checks of a tunnel which is not open yet.
	PollInterval time.Duration
	// Number of checks before giving up waiting. Defaults to enough checks to outlast the
	// handshake.
	PollAttempts int
	// Number of reconnects a single send may attempt.
	ReconnectAttempts int
	// Initial size of the message reassembly buffer.
	InitialBuffer int
	// Largest message relayed from the upstream.
	MaxMessage int
	// Time allowed to write a message to the upstream.
	WriteWait time.Duration
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = int(c.HandshakeTimeout/c.PollInterval) + 1
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 3
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Registry owns all tunnels of the process.
type Registry struct {
	conf   Config
	dialer *websocket.Dialer
	reader *frame.Reader

	lock    sync.Mutex
	tunnels map[Key]*Tunnel

	// OnReconnect is called on every reconnect attempt. Optional.
	OnReconnect func()
}

// NewRegistry creates an empty registry.
func NewRegistry(conf Config) *Registry {
	conf.setDefaults()
	return &Registry{
		conf: conf,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: conf.HandshakeTimeout,
		},
		reader:  frame.NewReader(conf.InitialBuffer, conf.MaxMessage),
		tunnels: make(map[Key]*Tunnel),
	}
}

// Tunnel is a relay to a single upstream socket.
type Tunnel struct {
	key  Key
	reg  *Registry
	sink Sink

	state   atomic.Int32
	retries atomic.Int32
	// Set by Close, never cleared.
	closed atomic.Bool

	// Guards conn, uri, header and serializes dialing.
	connLock sync.Mutex
	conn     *websocket.Conn
	uri      string
	header   http.Header

	// Serializes writes to conn.
	writeLock sync.Mutex
}

// State returns the current state of the tunnel.
func (t *Tunnel) State() State {
	return State(t.state.Load())
}

// Retries returns the number of reconnect attempts made so far.
func (t *Tunnel) Retries() int {
	return int(t.retries.Load())
}

// Key returns the key of the tunnel.
func (t *Tunnel) Key() Key {
	return t.key
}

// Open returns the tunnel for the key, connecting to uri if there is no live tunnel yet.
// If another caller is already connecting, Open waits for it to finish. The upstream
// handshake response is returned when this call dialed the socket.
func (r *Registry) Open(key Key, uri string, header http.Header, sink Sink) (*Tunnel, *http.Response, error) {
	r.lock.Lock()
	stale := r.tunnels[key]
	if stale != nil && stale.State() != StateClosed {
		r.lock.Unlock()
		if !stale.waitOpen() {
			return nil, nil, ErrNotOpen
		}
		return stale, nil, nil
	}

	t := &Tunnel{key: key, reg: r, sink: sink, uri: uri, header: header}
	t.state.Store(int32(StateConnecting))
	r.tunnels[key] = t
	r.lock.Unlock()

	if stale != nil {
		stale.shutdown()
	}

	t.connLock.Lock()
	resp, err := t.dialLocked()
	t.connLock.Unlock()
	if err != nil {
		r.remove(key, t)
		return nil, resp, err
	}
	return t, resp, nil
}

// Get returns the tunnel for the key or nil.
func (r *Registry) Get(key Key) *Tunnel {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.tunnels[key]
}

// Send relays a message to the upstream of the key.
func (r *Registry) Send(key Key, messageType int, data []byte) error {
	t := r.Get(key)
	if t == nil {
		return ErrNotOpen
	}
	return t.Send(messageType, data)
}

// Close closes the tunnel for the key. Closing a missing tunnel is a no-op.
func (r *Registry) Close(key Key) {
	r.lock.Lock()
	t := r.tunnels[key]
	delete(r.tunnels, key)
	r.lock.Unlock()

	if t != nil {
		t.shutdown()
	}
}

// CloseConn closes every tunnel of the downstream connection.
func (r *Registry) CloseConn(connID string) {
	r.lock.Lock()
	var victims []*Tunnel
	for key, t := range r.tunnels {
		if key.ConnID == connID {
			victims = append(victims, t)
			delete(r.tunnels, key)
		}
	}
	r.lock.Unlock()

	for _, t := range victims {
		t.shutdown()
	}
}

// CloseAll closes every tunnel.
func (r *Registry) CloseAll() {
	r.lock.Lock()
	all := r.tunnels
	r.tunnels = make(map[Key]*Tunnel)
	r.lock.Unlock()

	for _, t := range all {
		t.shutdown()
	}
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.tunnels)
}

// remove deletes the tunnel from the registry if it's still the one registered under the key.
func (r *Registry) remove(key Key, t *Tunnel) {
	r.lock.Lock()
	if r.tunnels[key] == t {
		delete(r.tunnels, key)
	}
	r.lock.Unlock()
}

// dialLocked connects to the upstream and starts the relay. Must be called with connLock held.
func (t *Tunnel) dialLocked() (*http.Response, error) {
	t.state.Store(int32(StateConnecting))
	conn, resp, err := t.reg.dialer.Dial(t.uri, t.header)
	if err != nil {
		t.state.Store(int32(StateClosed))
		logs.Warn.Println("wsproxy: dial failed", t.key.ConnID, t.uri, err)
		return resp, err
	}
	if t.closed.Load() {
		conn.Close()
		t.state.Store(int32(StateClosed))
		return resp, ErrClosed
	}
	t.conn = conn
	t.state.Store(int32(StateOpen))
	go t.relay(conn)
	return resp, nil
}

// relay copies upstream messages to the sink until the socket fails.
func (t *Tunnel) relay(conn *websocket.Conn) {
	for {
		mt, data, err := t.reg.reader.ReadMessage(conn)
		if err == frame.ErrTooLarge {
			logs.Warn.Println("wsproxy: upstream message too large, dropped", t.key.ConnID, t.key.Path)
			continue
		}
		if err != nil {
			if !t.closed.Load() {
				logs.Info.Println("wsproxy: upstream read failed", t.key.ConnID, t.key.Path, err)
			}
			t.connLock.Lock()
			if t.conn == conn {
				t.conn = nil
				t.state.Store(int32(StateClosed))
			}
			t.connLock.Unlock()
			conn.Close()
			return
		}
		if t.sink != nil {
			t.sink(t.key, mt, data)
		}
	}
}

// waitOpen polls the state until the tunnel is open or the attempts are exhausted.
func (t *Tunnel) waitOpen() bool {
	for i := 0; i < t.reg.conf.PollAttempts; i++ {
		switch t.State() {
		case StateOpen:
			return true
		case StateClosed:
			return false
		}
		time.Sleep(t.reg.conf.PollInterval)
	}
	return t.State() == StateOpen
}

func (t *Tunnel) write(messageType int, data []byte) error {
	t.connLock.Lock()
	conn := t.conn
	t.connLock.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.reg.conf.WriteWait))
	err := conn.WriteMessage(messageType, data)
	if err != nil {
		t.connLock.Lock()
		if t.conn == conn {
			t.conn = nil
			t.state.Store(int32(StateClosed))
		}
		t.connLock.Unlock()
		conn.Close()
	}
	return err
}

// reconnect dials the last known URI again unless somebody else already did.
func (t *Tunnel) reconnect() error {
	t.connLock.Lock()
	defer t.connLock.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	if t.State() == StateOpen {
		return nil
	}
	t.retries.Add(1)
	if t.reg.OnReconnect != nil {
		t.reg.OnReconnect()
	}
	_, err := t.dialLocked()
	return err
}

// Send relays a message to the upstream. If the upstream is not open, Send waits for it, then
// reconnects a bounded number of times.
func (t *Tunnel) Send(messageType int, data []byte) error {
	for attempt := 0; ; attempt++ {
		if t.closed.Load() {
			return ErrClosed
		}
		if t.State() == StateOpen || t.waitOpen() {
			err := t.write(messageType, data)
			if err == nil {
				return nil
			}
			logs.Info.Println("wsproxy: upstream write failed", t.key.ConnID, t.key.Path, err)
		}

		if attempt >= t.reg.conf.ReconnectAttempts {
			logs.Warn.Println("wsproxy: giving up on upstream", t.key.ConnID, t.uri)
			return ErrNotOpen
		}
		if err := t.reconnect(); err == ErrClosed {
			return err
		}
	}
}

// shutdown closes the upstream socket. Idempotent.
func (t *Tunnel) shutdown() {
	if t.closed.Swap(true) {
		return
	}
	t.connLock.Lock()
	conn := t.conn
	t.conn = nil
	t.state.Store(int32(StateClosed))
	t.connLock.Unlock()

	if conn != nil {
		t.writeLock.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeLock.Unlock()
		conn.Close()
	}
}
