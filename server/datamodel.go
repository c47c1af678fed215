/******************************************************************************
 *
 *  Description :
 *
 *    Wire format of messages exchanged between the hub and its clients.
 *
 *****************************************************************************/

package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// MsgType is the kind of an envelope. The numeric values are part of the wire protocol.
type MsgType int

const (
	// MsgSubscribe subscribes the session to a topic. Content: topic ID.
	MsgSubscribe MsgType = 1
	// MsgUnsubscribe removes the session from a topic. Content: topic ID.
	MsgUnsubscribe MsgType = 2
	// MsgUpdateQueue carries a queue item upsert.
	MsgUpdateQueue MsgType = 11
	// MsgCRUD carries an entry mutation.
	MsgCRUD MsgType = 14
	// MsgPing is a keepalive. The reply carries server time in unix milliseconds.
	MsgPing MsgType = 15
	// MsgSaveTopic asks the hub to persist a topic. Content: topic ID.
	MsgSaveTopic MsgType = 19
	// MsgProxyOpen opens a tunnel to an upstream WebSocket.
	MsgProxyOpen MsgType = 20
	// MsgProxyContent carries a message through a tunnel in either direction.
	MsgProxyContent MsgType = 21
	// MsgProxyClose closes a tunnel.
	MsgProxyClose MsgType = 22

	// MsgExtension is the first type handled by extensions.
	MsgExtension MsgType = 100
	// MsgRegisterWorkspace binds the session to a workspace. Content: workspace ID.
	MsgRegisterWorkspace MsgType = 100
)

func (t MsgType) String() string {
	switch t {
	case MsgSubscribe:
		return "subscribe"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgUpdateQueue:
		return "updatequeue"
	case MsgCRUD:
		return "crud"
	case MsgPing:
		return "ping"
	case MsgSaveTopic:
		return "savetopic"
	case MsgProxyOpen:
		return "proxyopen"
	case MsgProxyContent:
		return "proxycontent"
	case MsgProxyClose:
		return "proxyclose"
	case MsgRegisterWorkspace:
		return "registerworkspace"
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Envelope is the only message shape on the wire.
type Envelope struct {
	Type    MsgType         `json:"Type"`
	Content json.RawMessage `json:"Content,omitempty"`
	Counter int64           `json:"Counter"`
}

// ProxyMessage is the content of MsgProxyOpen, MsgProxyContent and MsgProxyClose.
// For MsgProxyOpen Content is the upstream URI, otherwise it's the relayed message.
type ProxyMessage struct {
	// Logical path of the tunnel, unique within the session.
	Url string `json:"Url"`
	// Upstream URI or payload.
	Content string `json:"Content,omitempty"`
	// Extra request headers for the upstream handshake. MsgProxyOpen only.
	Headers map[string]string `json:"Headers,omitempty"`
	// Content is base64-encoded binary data.
	Binary bool `json:"Binary,omitempty"`
}

// messageType returns the WebSocket message type of the payload.
func (pm *ProxyMessage) messageType() int {
	if pm.Binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// payload returns the relayed bytes.
func (pm *ProxyMessage) payload() ([]byte, error) {
	if pm.Binary {
		return base64.StdEncoding.DecodeString(pm.Content)
	}
	return []byte(pm.Content), nil
}

// header converts extra handshake headers.
func (pm *ProxyMessage) header() http.Header {
	h := http.Header{}
	for k, v := range pm.Headers {
		h.Set(k, v)
	}
	return h
}

func newProxyContent(path string, messageType int, data []byte) *ProxyMessage {
	pm := &ProxyMessage{Url: path}
	if messageType == websocket.BinaryMessage {
		pm.Binary = true
		pm.Content = base64.StdEncoding.EncodeToString(data)
	} else {
		pm.Content = string(data)
	}
	return pm
}

var errNoContent = errors.New("envelope has no content")

// serializeEnvelope builds a wire message.
func serializeEnvelope(t MsgType, content any, counter int64) ([]byte, error) {
	env := Envelope{Type: t, Counter: counter}
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		env.Content = raw
	}
	return json.Marshal(&env)
}

// parseEnvelope parses a wire message.
func parseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// decodeContent parses the envelope content into dst.
func (env *Envelope) decodeContent(dst any) error {
	if len(env.Content) == 0 {
		return errNoContent
	}
	return json.Unmarshal(env.Content, dst)
}

// stringContent returns content which is a JSON string such as a topic ID.
func (env *Envelope) stringContent() (string, error) {
	var s string
	if err := env.decodeContent(&s); err != nil {
		return "", err
	}
	if s == "" {
		return "", errNoContent
	}
	return s, nil
}

// unixMilli is the timestamp sent in ping replies.
func unixMilli() int64 {
	return time.Now().UnixMilli()
}
