package replica

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tinode/topicsync/server/access"
	"github.com/tinode/topicsync/server/store/types"
)

// recordingBus remembers everything sent through it.
type recordingBus struct {
	lock  sync.Mutex
	crud  []*types.CRUDMessage
	queue []*types.QueueMessage
	subs  []string
}

func (b *recordingBus) Send(msg *types.CRUDMessage) error {
	b.lock.Lock()
	b.crud = append(b.crud, msg)
	b.lock.Unlock()
	return nil
}

func (b *recordingBus) SendQueue(msg *types.QueueMessage) error {
	b.lock.Lock()
	b.queue = append(b.queue, msg)
	b.lock.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(topicID string) error {
	b.lock.Lock()
	b.subs = append(b.subs, topicID)
	b.lock.Unlock()
	return nil
}

func (b *recordingBus) sent() []*types.CRUDMessage {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]*types.CRUDMessage(nil), b.crud...)
}

// groupGate restricts every topic to a single group with fixed member levels.
type groupGate struct {
	group   string
	members map[types.Identity]access.Level
}

func (g *groupGate) Group(string) string { return g.group }

func (g *groupGate) Permission(ident types.Identity, _ string) access.Level {
	return g.members[ident]
}

// seqIDs returns a generator of predictable entry IDs.
func seqIDs(prefix string) func() string {
	var n int64
	return func() string {
		return prefix + strconv.FormatInt(atomic.AddInt64(&n, 1), 10)
	}
}

type price struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
}

func newTestService(bus Bus, gate access.Gate, store Persister) *Service {
	schemas := NewSchemas()
	Register[price](schemas, "price", "market")
	return NewService(Config{
		Bus:     bus,
		Gate:    gate,
		Store:   store,
		Schemas: schemas,
		NewID:   seqIDs("e"),
		Classes: map[string]string{"prices": "Price"},
	})
}
