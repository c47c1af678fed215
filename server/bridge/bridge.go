// Package bridge connects hubs running on different nodes so that a message shared on one node
// reaches subscribers connected to the others. Implementations register themselves by name.
package bridge

import (
	"encoding/json"
	"errors"
	"sync"
)

// Message is a hub envelope travelling between nodes.
type Message struct {
	// ID of the node which published the message.
	Origin string `json:"origin"`
	// Topic the message belongs to.
	Topic string `json:"topic"`
	// Serialized envelope.
	Payload json.RawMessage `json:"payload"`
}

// Handler is called for every message received from another node.
type Handler func(msg *Message)

// Bridge is a topic-based transport between nodes. Messages published by the node itself are
// never delivered back to it.
type Bridge interface {
	// Publish sends the payload to every other node subscribed to the topic.
	Publish(topic string, payload []byte) error
	// Subscribe starts delivering the topic's messages to the handler.
	Subscribe(topic string) error
	// Unsubscribe stops delivering the topic's messages.
	Unsubscribe(topic string) error
	// Close disconnects from the transport.
	Close() error
}

// Factory creates a configured bridge.
type Factory func(jsonconf json.RawMessage, nodeID string, handler Handler) (Bridge, error)

var (
	factoriesLock sync.Mutex
	factories     = make(map[string]Factory)
)

// Register makes a bridge implementation available by name.
func Register(name string, f Factory) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()

	if f == nil {
		panic("bridge: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("bridge: Register called twice for " + name)
	}
	factories[name] = f
}

// New creates a bridge of the named kind.
func New(name string, jsonconf json.RawMessage, nodeID string, handler Handler) (Bridge, error) {
	factoriesLock.Lock()
	f := factories[name]
	factoriesLock.Unlock()

	if f == nil {
		return nil, errors.New("bridge: unknown bridge '" + name + "'")
	}
	if handler == nil {
		return nil, errors.New("bridge: nil handler")
	}
	return f(jsonconf, nodeID, handler)
}

// Encode serializes a message for transports which carry opaque bytes.
func Encode(origin, topic string, payload []byte) ([]byte, error) {
	return json.Marshal(&Message{Origin: origin, Topic: topic, Payload: payload})
}

// Decode parses a serialized message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Topic == "" {
		return nil, errors.New("bridge: message without topic")
	}
	return &msg, nil
}
