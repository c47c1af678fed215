// Package client connects a process to a topicsync hub. The client is the replica.Bus of a
// local replica.Service: local topic mutations are sent to the hub and mutations made by
// other replicas are applied to local topics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinode/topicsync/server/frame"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/replica"
	"github.com/tinode/topicsync/server/store/types"
)

// Envelope types used by the client. They must match the hub.
const (
	msgSubscribe         = 1
	msgUnsubscribe       = 2
	msgUpdateQueue       = 11
	msgCRUD              = 14
	msgPing              = 15
	msgSaveTopic         = 19
	msgRegisterWorkspace = 100
)

const (
	defaultCookie    = "session"
	defaultWriteWait = 10 * time.Second
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: connection closed")

type envelope struct {
	Type    int             `json:"Type"`
	Content json.RawMessage `json:"Content,omitempty"`
	Counter int64           `json:"Counter"`
}

// Config describes the hub connection.
type Config struct {
	// URL of the hub's websocket endpoint, e.g. ws://localhost:6060/sync
	URL string
	// Session secret and the name of the cookie which carries it. Cookie defaults to "session".
	Secret string
	Cookie string
	// Extra handshake headers.
	Header http.Header
	// Largest accepted message, bytes. Zero means the frame package default.
	MaxMessage int
	// Timeout of a single write. Default 10 seconds.
	WriteWait time.Duration
}

// Client is a connection to the hub.
type Client struct {
	conn      *websocket.Conn
	svc       *replica.Service
	reader    *frame.Reader
	writeWait time.Duration

	// Serializes writes to conn.
	wlock   sync.Mutex
	counter atomic.Int64

	plock   sync.Mutex
	pending map[int64]chan int64

	done    chan struct{}
	closing atomic.Bool
	err     error
}

// Dial connects to the hub and binds the client as the bus of svc. Topics obtained from svc
// after Dial returns are subscribed at the hub.
func Dial(ctx context.Context, conf Config, svc *replica.Service) (*Client, error) {
	header := conf.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if conf.Secret != "" {
		name := conf.Cookie
		if name == "" {
			name = defaultCookie
		}
		header.Add("Cookie", (&http.Cookie{Name: name, Value: conf.Secret}).String())
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, conf.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.New("client: handshake failed, " + resp.Status)
		}
		return nil, err
	}

	c := &Client{
		conn:      conn,
		svc:       svc,
		reader:    frame.NewReader(0, conf.MaxMessage),
		writeWait: conf.WriteWait,
		pending:   make(map[int64]chan int64),
		done:      make(chan struct{}),
	}
	if c.writeWait <= 0 {
		c.writeWait = defaultWriteWait
	}

	go c.readLoop()
	svc.SetBus(c)

	// Topics which existed before the bus was bound are not known to the hub yet.
	for _, id := range svc.TopicIDs() {
		if err := c.Subscribe(id); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) write(t int, content any) (int64, error) {
	env := envelope{Type: t, Counter: c.counter.Add(1)}
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return 0, err
		}
		env.Content = raw
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return 0, err
	}

	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	c.wlock.Lock()
	defer c.wlock.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return 0, err
	}
	return env.Counter, nil
}

// Send implements replica.Bus.
func (c *Client) Send(msg *types.CRUDMessage) error {
	_, err := c.write(msgCRUD, msg)
	return err
}

// SendQueue implements replica.Bus.
func (c *Client) SendQueue(msg *types.QueueMessage) error {
	_, err := c.write(msgUpdateQueue, msg)
	return err
}

// Subscribe implements replica.Bus.
func (c *Client) Subscribe(topicID string) error {
	_, err := c.write(msgSubscribe, topicID)
	return err
}

// Unsubscribe stops delivery of the topic's messages. The local topic is kept.
func (c *Client) Unsubscribe(topicID string) error {
	_, err := c.write(msgUnsubscribe, topicID)
	return err
}

// SaveTopic asks the hub to persist the topic.
func (c *Client) SaveTopic(topicID string) error {
	_, err := c.write(msgSaveTopic, topicID)
	return err
}

// RegisterWorkspace binds the connection to a workspace.
func (c *Client) RegisterWorkspace(workspace string) error {
	_, err := c.write(msgRegisterWorkspace, workspace)
	return err
}

// Ping measures the round trip to the hub. Returns the round trip time and the hub's clock.
func (c *Client) Ping(ctx context.Context) (time.Duration, time.Time, error) {
	reply := make(chan int64, 1)
	counter := c.counter.Add(1)

	c.plock.Lock()
	c.pending[counter] = reply
	c.plock.Unlock()
	defer func() {
		c.plock.Lock()
		delete(c.pending, counter)
		c.plock.Unlock()
	}()

	data, _ := json.Marshal(&envelope{Type: msgPing, Content: json.RawMessage("0"), Counter: counter})
	start := time.Now()
	c.wlock.Lock()
	c.conn.SetWriteDeadline(start.Add(c.writeWait))
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	c.wlock.Unlock()
	if err != nil {
		return 0, time.Time{}, err
	}

	select {
	case ts := <-reply:
		return time.Since(start), time.UnixMilli(ts), nil
	case <-c.done:
		return 0, time.Time{}, ErrClosed
	case <-ctx.Done():
		return 0, time.Time{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.reader.ReadMessage(c.conn)
		if err == frame.ErrTooLarge {
			logs.Warn.Println("client: message from hub is too large, dropped")
			continue
		}
		if err != nil {
			if !c.closing.Load() {
				c.err = err
				logs.Warn.Println("client: connection lost:", err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logs.Warn.Println("client: malformed envelope:", err)
		return
	}

	switch env.Type {
	case msgCRUD:
		var msg types.CRUDMessage
		if err := json.Unmarshal(env.Content, &msg); err != nil || msg.TopicID == "" {
			logs.Warn.Println("client: malformed CRUD message", err)
			return
		}
		if t := c.svc.Lookup(msg.TopicID); t != nil {
			t.Process(types.SystemIdentity, &msg)
		}
	case msgUpdateQueue:
		var msg types.QueueMessage
		if err := json.Unmarshal(env.Content, &msg); err != nil || msg.TopicID == "" {
			logs.Warn.Println("client: malformed queue message", err)
			return
		}
		if t := c.svc.Lookup(msg.TopicID); t != nil {
			t.UpdateQueue(types.SystemIdentity, &msg)
		}
	case msgPing:
		var ts int64
		if err := json.Unmarshal(env.Content, &ts); err != nil {
			return
		}
		c.plock.Lock()
		reply := c.pending[env.Counter]
		c.plock.Unlock()
		if reply != nil {
			reply <- ts
		}
	case msgSubscribe:
		// Echo: this connection is the trader of the topic.
	default:
		logs.Info.Println("client: unhandled envelope type", strconv.Itoa(env.Type))
	}
}

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection terminated, nil if it was closed by Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close terminates the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}
	c.wlock.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wlock.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
