// Package p2p bridges hubs over libp2p gossipsub, without a central broker. Nodes find each
// other through bootstrap addresses or mDNS.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/tinode/topicsync/server/bridge"
	"github.com/tinode/topicsync/server/logs"
)

const topicPrefix = "topicsync/"

type configType struct {
	ListenAddrs     []string `json:"listen_addrs"`
	Bootstrap       []string `json:"bootstrap"`
	Rendezvous      string   `json:"rendezvous"`
	EnableMDNS      bool     `json:"enable_mdns"`
	IdentityKeyFile string   `json:"identity_key_file"`
}

// Bridge is a gossipsub-backed bridge.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	nodeID  string
	handler bridge.Handler
	host    host.Host
	ps      *pubsub.PubSub

	lock   sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]func()
}

// New starts a libp2p host and joins gossipsub.
func New(jsonconf json.RawMessage, nodeID string, handler bridge.Handler) (bridge.Bridge, error) {
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return nil, errors.New("bridge p2p: failed to parse config: " + err.Error())
		}
	}
	return start(config, nodeID, handler)
}

func start(config configType, nodeID string, handler bridge.Handler) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())

	listenAddrs := make([]ma.Multiaddr, 0, len(config.ListenAddrs))
	for _, s := range config.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("bridge p2p: invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	opts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if config.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(config.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("bridge p2p: load identity key: %w", err)
		}
		opts = append(opts, libp2p.Identity(key))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bridge p2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("bridge p2p: create gossipsub: %w", err)
	}

	b := &Bridge{
		ctx:     ctx,
		cancel:  cancel,
		nodeID:  nodeID,
		handler: handler,
		host:    h,
		ps:      ps,
		topics:  make(map[string]*pubsub.Topic),
		subs:    make(map[string]func()),
	}

	if config.EnableMDNS {
		service := mdns.NewMdnsService(h, config.Rendezvous, &mdnsNotifee{host: h})
		if err := service.Start(); err != nil {
			logs.Warn.Println("bridge p2p: mdns start failed", err)
		}
	}

	for _, raw := range config.Bootstrap {
		if err := b.Connect(raw); err != nil {
			logs.Warn.Println("bridge p2p: bootstrap failed", raw, err)
		}
	}

	logs.Info.Println("bridge p2p: started as", h.ID())
	return b, nil
}

// Connect dials a peer given its full multiaddress including the /p2p/ component.
func (b *Bridge) Connect(addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	return b.host.Connect(b.ctx, *info)
}

// ListenAddrs returns the dialable addresses of this node.
func (b *Bridge) ListenAddrs() []string {
	out := make([]string, 0, len(b.host.Addrs()))
	for _, addr := range b.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), b.host.ID().String()))
	}
	return out
}

func (b *Bridge) joinLocked(name string) (*pubsub.Topic, error) {
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := b.ps.Join(topicPrefix + name)
	if err != nil {
		return nil, err
	}
	b.topics[name] = t
	return t, nil
}

// Publish gossips the payload to the topic.
func (b *Bridge) Publish(topic string, payload []byte) error {
	data, err := bridge.Encode(b.nodeID, topic, payload)
	if err != nil {
		return err
	}
	b.lock.Lock()
	t, err := b.joinLocked(topic)
	b.lock.Unlock()
	if err != nil {
		return err
	}
	return t.Publish(b.ctx, data)
}

// Subscribe starts delivering the topic's messages.
func (b *Bridge) Subscribe(topic string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, ok := b.subs[topic]; ok {
		return nil
	}
	t, err := b.joinLocked(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}

	subCtx, subCancel := context.WithCancel(b.ctx)
	self := b.host.ID()
	go func() {
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == self {
				continue
			}
			m, err := bridge.Decode(msg.Data)
			if err != nil {
				logs.Warn.Println("bridge p2p: invalid message", err)
				continue
			}
			if m.Origin == b.nodeID {
				continue
			}
			b.handler(m)
		}
	}()

	b.subs[topic] = func() {
		subCancel()
		sub.Cancel()
	}
	return nil
}

// Unsubscribe stops delivering the topic's messages.
func (b *Bridge) Unsubscribe(topic string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if cancel, ok := b.subs[topic]; ok {
		cancel()
		delete(b.subs, topic)
	}
	return nil
}

// Close leaves all topics and stops the host.
func (b *Bridge) Close() error {
	b.cancel()
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, cancel := range b.subs {
		cancel()
	}
	for _, t := range b.topics {
		t.Close()
	}
	return b.host.Close()
}

type mdnsNotifee struct {
	host host.Host
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		logs.Warn.Println("bridge p2p: mdns connect failed", info.ID, err)
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func init() {
	bridge.Register("p2p", New)
}
