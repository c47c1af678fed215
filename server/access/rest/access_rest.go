// Package rest provides access control by calling a separate process over JSON RPC.
package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tinode/topicsync/server/access"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/store/types"
)

const defaultCacheTTL = 30 * time.Second

// gate answers permission queries by asking a remote server.
type gate struct {
	serverUrl            string
	useSeparateEndpoints bool
	client               *http.Client
	ttl                  time.Duration

	lock   sync.Mutex
	groups map[string]cached
	levels map[string]cached
}

type cached struct {
	group   string
	level   access.Level
	expires time.Time
}

// Request to the server.
type request struct {
	Endpoint string         `json:"endpoint"`
	Topic    string         `json:"topic"`
	Identity types.Identity `json:"identity,omitempty"`
}

// Response from the server.
type response struct {
	// Error message in case of an error.
	Err string `json:"err,omitempty"`
	// Access group of the topic.
	Group string `json:"group,omitempty"`
	// Access level of the identity.
	Level access.Level `json:"level,omitempty"`
}

// Init initializes the gate.
func (g *gate) Init(jsonconf json.RawMessage) error {
	type configType struct {
		// ServerUrl is the URL of the server to call.
		ServerUrl string `json:"server_url"`
		// Use separate endpoints, i.e. add request name to serverUrl path when making requests.
		UseSeparateEndpoints bool `json:"use_separate_endpoints"`
		// How long to remember answers, seconds.
		CacheTTL int `json:"cache_ttl"`
		// HTTP request timeout, seconds.
		Timeout int `json:"timeout"`
	}

	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("access_rest: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	serverUrl, err := url.Parse(config.ServerUrl)
	if err != nil || !serverUrl.IsAbs() {
		return errors.New("access_rest: invalid server_url")
	}
	if !strings.HasSuffix(serverUrl.Path, "/") {
		serverUrl.Path += "/"
	}

	g.serverUrl = serverUrl.String()
	g.useSeparateEndpoints = config.UseSeparateEndpoints
	g.ttl = defaultCacheTTL
	if config.CacheTTL > 0 {
		g.ttl = time.Duration(config.CacheTTL) * time.Second
	} else if config.CacheTTL < 0 {
		g.ttl = 0
	}
	timeout := 5 * time.Second
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}
	g.client = &http.Client{Timeout: timeout}
	g.groups = make(map[string]cached)
	g.levels = make(map[string]cached)

	return nil
}

// Execute HTTP POST to the server at the specified endpoint and with the provided payload.
func (g *gate) callEndpoint(endpoint, topic string, ident types.Identity) (*response, error) {
	content, err := json.Marshal(&request{Endpoint: endpoint, Topic: topic, Identity: ident})
	if err != nil {
		return nil, types.ErrMalformed
	}

	urlToCall := g.serverUrl
	if g.useSeparateEndpoints {
		epUrl, _ := url.Parse(g.serverUrl)
		epUrl.Path += endpoint
		urlToCall = epUrl.String()
	}

	post, err := g.client.Post(urlToCall, "application/json", bytes.NewBuffer(content))
	if err != nil {
		return nil, types.ErrInternal
	}
	defer post.Body.Close()

	body, err := io.ReadAll(post.Body)
	if err != nil {
		return nil, types.ErrInternal
	}

	var resp response
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, types.ErrInternal
	}
	if resp.Err != "" {
		return nil, types.StoreError(resp.Err)
	}
	return &resp, nil
}

func (g *gate) fromCache(m map[string]cached, key string) (cached, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	c, ok := m[key]
	if !ok || time.Now().After(c.expires) {
		return cached{}, false
	}
	return c, true
}

func (g *gate) toCache(m map[string]cached, key string, c cached) {
	if g.ttl <= 0 {
		return
	}
	c.expires = time.Now().Add(g.ttl)
	g.lock.Lock()
	m[key] = c
	g.lock.Unlock()
}

// Group returns the access group of the topic. Errors are treated as "restricted to nobody":
// the returned group is non-empty so that every non-system identity is denied.
func (g *gate) Group(topicID string) string {
	if c, ok := g.fromCache(g.groups, topicID); ok {
		return c.group
	}
	resp, err := g.callEndpoint("group", topicID, "")
	if err != nil {
		logs.Warn.Println("access_rest: group query failed", topicID, err)
		return "$unavailable"
	}
	g.toCache(g.groups, topicID, cached{group: resp.Group})
	return resp.Group
}

// Permission returns the access level of the identity on the topic.
func (g *gate) Permission(ident types.Identity, topicID string) access.Level {
	if ident == types.SystemIdentity {
		return access.LevelAdmin
	}
	key := string(ident) + "\x00" + topicID
	if c, ok := g.fromCache(g.levels, key); ok {
		return c.level
	}
	resp, err := g.callEndpoint("permission", topicID, ident)
	if err != nil {
		logs.Warn.Println("access_rest: permission query failed", ident, topicID, err)
		return access.LevelNone
	}
	g.toCache(g.levels, key, cached{level: resp.Level})
	return resp.Level
}

func init() {
	access.Register("rest", func() access.Handler { return &gate{} })
}
