// Package memory is a bridge between hubs living in the same process, used in tests and
// single-binary demos.
package memory

import (
	"encoding/json"
	"sync"

	"github.com/tinode/topicsync/server/bridge"
)

// Network connects in-process bridges.
type Network struct {
	lock  sync.RWMutex
	nodes map[*node]struct{}
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[*node]struct{})}
}

// Join attaches a new node to the network.
func (n *Network) Join(nodeID string, handler bridge.Handler) bridge.Bridge {
	nd := &node{id: nodeID, net: n, handler: handler, topics: make(map[string]bool)}
	n.lock.Lock()
	n.nodes[nd] = struct{}{}
	n.lock.Unlock()
	return nd
}

type node struct {
	id      string
	net     *Network
	handler bridge.Handler

	lock   sync.RWMutex
	topics map[string]bool
}

func (nd *node) subscribed(topic string) bool {
	nd.lock.RLock()
	defer nd.lock.RUnlock()
	return nd.topics[topic]
}

func (nd *node) Publish(topic string, payload []byte) error {
	nd.net.lock.RLock()
	var targets []*node
	for other := range nd.net.nodes {
		if other != nd && other.subscribed(topic) {
			targets = append(targets, other)
		}
	}
	nd.net.lock.RUnlock()

	for _, other := range targets {
		data := append(json.RawMessage(nil), payload...)
		other.handler(&bridge.Message{Origin: nd.id, Topic: topic, Payload: data})
	}
	return nil
}

func (nd *node) Subscribe(topic string) error {
	nd.lock.Lock()
	nd.topics[topic] = true
	nd.lock.Unlock()
	return nil
}

func (nd *node) Unsubscribe(topic string) error {
	nd.lock.Lock()
	delete(nd.topics, topic)
	nd.lock.Unlock()
	return nil
}

func (nd *node) Close() error {
	nd.net.lock.Lock()
	delete(nd.net.nodes, nd)
	nd.net.lock.Unlock()
	return nil
}

// Default is the network used by bridges created from the config file.
var Default = NewNetwork()

func init() {
	bridge.Register("memory", func(_ json.RawMessage, nodeID string, h bridge.Handler) (bridge.Bridge, error) {
		return Default.Join(nodeID, h), nil
	})
}
