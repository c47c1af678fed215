package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinode/topicsync/server/replica"
	"github.com/tinode/topicsync/server/store/types"
)

type quote struct {
	Symbol string  `json:"symbol"`
	Ask    float64 `json:"ask"`
}

// relay is a minimal hub: it relays CRUD and queue envelopes to every other connection and
// answers pings.
type relay struct {
	lock     sync.Mutex
	conns    map[*websocket.Conn]bool
	cookies  []string
	received []envelope
}

func (r *relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.lock.Lock()
	r.conns[conn] = true
	if c, err := req.Cookie("sid"); err == nil {
		r.cookies = append(r.cookies, c.Value)
	}
	r.lock.Unlock()

	defer func() {
		r.lock.Lock()
		delete(r.conns, conn)
		r.lock.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		r.lock.Lock()
		r.received = append(r.received, env)
		switch env.Type {
		case msgCRUD, msgUpdateQueue:
			for other := range r.conns {
				if other != conn {
					other.WriteMessage(websocket.TextMessage, data)
				}
			}
		case msgPing:
			reply, _ := json.Marshal(&envelope{Type: msgPing, Content: json.RawMessage("1700000000000"), Counter: env.Counter})
			conn.WriteMessage(websocket.TextMessage, reply)
		}
		r.lock.Unlock()
	}
}

func (r *relay) kinds() []int {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []int
	for _, env := range r.received {
		out = append(out, env.Type)
	}
	return out
}

func (r *relay) sessionCookies() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.cookies...)
}

func newRelay(t *testing.T) (*relay, string) {
	t.Helper()
	r := &relay{conns: make(map[*websocket.Conn]bool)}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newService(t *testing.T) *replica.Service {
	t.Helper()
	schemas := replica.NewSchemas()
	replica.Register[quote](schemas, "quote", "client")
	svc := replica.NewService(replica.Config{Schemas: schemas, NewID: uuid.NewString})
	t.Cleanup(svc.Close)
	return svc
}

func dial(t *testing.T, url string, svc *replica.Service) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: url, Secret: "s3cret", Cookie: "sid"}, svc)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReplicationBetweenClients(t *testing.T) {
	r, url := newRelay(t)

	svcA, svcB := newService(t), newService(t)
	dial(t, url, svcA)
	dial(t, url, svcB)

	topicA := svcA.Topic("quotes")
	topicB := svcB.Topic("quotes")

	id := topicA.Add("alice", quote{Symbol: "ACME", Ask: 10.5})
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		_, ok := topicB.Get(types.SystemIdentity, id)
		return ok
	}, time.Second, 10*time.Millisecond)

	v, _ := topicB.Get(types.SystemIdentity, id)
	assert.Equal(t, quote{Symbol: "ACME", Ask: 10.5}, v)

	// Mutations in the other direction.
	require.True(t, topicB.Remove("bob", quote{Symbol: "ACME", Ask: 10.5}))
	require.Eventually(t, func() bool { return topicA.Len() == 0 }, time.Second, 10*time.Millisecond)

	// Queue items.
	item := topicA.Enqueue("alice", "rebalance", "nightly")
	require.NotNil(t, item)
	require.Eventually(t, func() bool { return len(topicB.Pending(types.SystemIdentity)) == 1 }, time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"s3cret", "s3cret"}, r.sessionCookies())
	assert.Contains(t, r.kinds(), msgSubscribe)
}

func TestDialSubscribesLoadedTopics(t *testing.T) {
	r, url := newRelay(t)

	svc := newService(t)
	svc.Topic("early")
	c := dial(t, url, svc)

	require.NoError(t, c.SaveTopic("early"))
	require.NoError(t, c.RegisterWorkspace("ws-1"))
	require.NoError(t, c.Unsubscribe("early"))

	require.Eventually(t, func() bool { return len(r.kinds()) == 4 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{msgSubscribe, msgSaveTopic, msgRegisterWorkspace, msgUnsubscribe}, r.kinds())
}

func TestPing(t *testing.T) {
	_, url := newRelay(t)
	c := dial(t, url, newService(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rtt, ts, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.True(t, rtt > 0)
	assert.Equal(t, int64(1700000000000), ts.UnixMilli())
}

func TestClose(t *testing.T) {
	_, url := newRelay(t)
	c := dial(t, url, newService(t))

	require.NoError(t, c.Close())
	<-c.Done()
	assert.NoError(t, c.Err())
	assert.ErrorIs(t, c.Subscribe("late"), ErrClosed)
	// Idempotent.
	assert.NoError(t, c.Close())
}

func TestDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, newService(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
