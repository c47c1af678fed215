// Package memory is a database adapter which keeps topic contents in process memory.
// The data does not survive a restart. It's useful for tests and single-node deployments
// where topics are rebuilt from other replicas.
package memory

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/tinode/topicsync/server/store"
	t "github.com/tinode/topicsync/server/store/types"
)

const (
	adpVersion  = 100
	adapterName = "memory"
)

type configType struct {
	// Preload persisted topics from a JSON dump: topic ID -> list of entries.
	Preload map[string][]t.Entry `json:"preload,omitempty"`
}

type adapter struct {
	lock    sync.RWMutex
	open    bool
	entries map[string]map[string]t.Entry
	queues  map[string]map[string]t.QueueMessage
}

// New returns an unregistered instance of the memory adapter, useful in tests.
func New() *adapter {
	return &adapter{}
}

// Open initializes the in-memory maps.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.open {
		return errors.New("adapter memory is already open")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter memory failed to parse config: " + err.Error())
		}
	}

	a.entries = make(map[string]map[string]t.Entry)
	a.queues = make(map[string]map[string]t.QueueMessage)
	for topic, list := range config.Preload {
		m := make(map[string]t.Entry, len(list))
		for _, e := range list {
			m[e.ID] = e
		}
		a.entries[topic] = m
	}
	a.open = true
	return nil
}

// Close drops all data.
func (a *adapter) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.open = false
	a.entries = nil
	a.queues = nil
	return nil
}

// IsOpen checks if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.open
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	return adpVersion, nil
}

// CheckDbVersion always succeeds: there is no schema to check.
func (a *adapter) CheckDbVersion() error {
	return nil
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

// CreateDb clears all data if reset is true.
func (a *adapter) CreateDb(reset bool) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if reset || a.entries == nil {
		a.entries = make(map[string]map[string]t.Entry)
		a.queues = make(map[string]map[string]t.QueueMessage)
	}
	a.open = true
	return nil
}

// Version returns adapter version.
func (a *adapter) Version() int {
	return adpVersion
}

// Stats returns the number of topics and entries held.
func (a *adapter) Stats() any {
	a.lock.RLock()
	defer a.lock.RUnlock()

	count := 0
	for _, m := range a.entries {
		count += len(m)
	}
	return map[string]int{"topics": len(a.entries), "entries": count}
}

// EntriesApply applies the change log in order.
func (a *adapter) EntriesApply(topic string, changes []t.EntryChange) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.open {
		return t.ErrNotOpen
	}

	m := a.entries[topic]
	if m == nil {
		m = make(map[string]t.Entry)
		a.entries[topic] = m
	}
	for _, ch := range changes {
		switch ch.Command {
		case t.CommandAdd:
			m[ch.EntryID] = t.Entry{
				ID:            ch.EntryID,
				Value:         append(json.RawMessage(nil), ch.Payload...),
				ValueType:     ch.ValueType,
				ValueAssembly: ch.ValueAssembly,
			}
		case t.CommandRemove:
			delete(m, ch.EntryID)
		default:
			return t.ErrMalformed
		}
	}
	if len(m) == 0 {
		delete(a.entries, topic)
	}
	return nil
}

// EntriesGetAll returns entries of a topic sorted by ID.
func (a *adapter) EntriesGetAll(topic string) ([]t.Entry, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if !a.open {
		return nil, t.ErrNotOpen
	}

	m := a.entries[topic]
	result := make([]t.Entry, 0, len(m))
	for _, e := range m {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// EntriesDeleteAll deletes all data of a topic.
func (a *adapter) EntriesDeleteAll(topic string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.open {
		return t.ErrNotOpen
	}
	delete(a.entries, topic)
	delete(a.queues, topic)
	return nil
}

// TopicsList returns sorted IDs of topics with entries.
func (a *adapter) TopicsList() ([]string, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if !a.open {
		return nil, t.ErrNotOpen
	}
	topics := make([]string, 0, len(a.entries))
	for topic := range a.entries {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics, nil
}

// QueueUpsert inserts or replaces queue items.
func (a *adapter) QueueUpsert(msgs []t.QueueMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.open {
		return t.ErrNotOpen
	}
	for _, msg := range msgs {
		q := a.queues[msg.TopicID]
		if q == nil {
			q = make(map[string]t.QueueMessage)
			a.queues[msg.TopicID] = q
		}
		q[msg.ID] = msg
	}
	return nil
}

// QueueGetAll returns queue items ordered by creation time.
func (a *adapter) QueueGetAll(topic string) ([]t.QueueMessage, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if !a.open {
		return nil, t.ErrNotOpen
	}
	q := a.queues[topic]
	result := make([]t.QueueMessage, 0, len(q))
	for _, msg := range q {
		result = append(result, msg)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreationTimestamp.Equal(result[j].CreationTimestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreationTimestamp.Before(result[j].CreationTimestamp)
	})
	return result, nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
