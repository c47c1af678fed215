// Package replica implements topics: keyed collections of values which are kept in sync
// across processes by replaying each other's change records.
package replica

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tinode/topicsync/server/access"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/store/types"
)

// Bus delivers replication messages to the other replicas of a topic.
type Bus interface {
	// Send broadcasts an entry mutation.
	Send(msg *types.CRUDMessage) error
	// SendQueue broadcasts a queue item change.
	SendQueue(msg *types.QueueMessage) error
	// Subscribe requests delivery of the topic's messages from other replicas.
	Subscribe(topicID string) error
}

// Persister durably stores topic contents.
type Persister interface {
	Persist(topic string, changes []types.EntryChange) error
	PersistQueue(topic string, msgs []types.QueueMessage) error
	Hydrate(topic string) ([]types.Entry, error)
	HydrateQueue(topic string) ([]types.QueueMessage, error)
	Delete(topic string) error
}

// Config is the set of collaborators of a Service. Only Schemas is required to be non-nil
// for decoding typed values, everything else has a usable default.
type Config struct {
	// Bus may be nil and bound later with SetBus.
	Bus Bus
	// Gate defaults to access.AllowAll.
	Gate access.Gate
	// Store may be nil: topics start empty and Save is a no-op.
	Store Persister
	// Schemas defaults to NewSchemas().
	Schemas *Schemas
	// NewID generates entry and queue item IDs. Defaults to random UUIDs.
	NewID func() string
	// Classes maps topic IDs to element class labels.
	Classes map[string]string
}

// Service is the registry of topics known to this process.
type Service struct {
	gate    access.Gate
	store   Persister
	schemas *Schemas
	newID   func() string
	classes map[string]string

	busLock sync.RWMutex
	bus     Bus

	topicsLock sync.Mutex
	topics     map[string]*Topic

	out *outbox
}

// NewService creates a topic registry.
func NewService(conf Config) *Service {
	s := &Service{
		bus:     conf.Bus,
		gate:    conf.Gate,
		store:   conf.Store,
		schemas: conf.Schemas,
		newID:   conf.NewID,
		classes: conf.Classes,
		topics:  make(map[string]*Topic),
	}
	if s.gate == nil {
		s.gate = access.AllowAll{}
	}
	if s.schemas == nil {
		s.schemas = NewSchemas()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.out = newOutbox(s.deliver)
	return s
}

// SetBus binds the bus after construction.
func (s *Service) SetBus(bus Bus) {
	s.busLock.Lock()
	s.bus = bus
	s.busLock.Unlock()
}

func (s *Service) getBus() Bus {
	s.busLock.RLock()
	defer s.busLock.RUnlock()
	return s.bus
}

// Schemas returns the schema registry used to decode values.
func (s *Service) Schemas() *Schemas {
	return s.schemas
}

// Gate returns the access gate consulted by topics.
func (s *Service) Gate() access.Gate {
	return s.gate
}

func (s *Service) deliver(item outgoing) {
	bus := s.getBus()
	if bus == nil {
		return
	}
	var err error
	if item.crud != nil {
		err = bus.Send(item.crud)
	} else if item.queue != nil {
		err = bus.SendQueue(item.queue)
	}
	if err != nil {
		logs.Warn.Println("replica: bus send failed", err)
	}
}

// Topic returns the topic with the given ID, creating and hydrating it on first access.
func (s *Service) Topic(id string) *Topic {
	s.topicsLock.Lock()
	if t := s.topics[id]; t != nil {
		s.topicsLock.Unlock()
		return t
	}
	t := newTopic(id, s)
	// Lock the topic before publishing it so that other callers wait for hydration.
	t.lock.Lock()
	s.topics[id] = t
	s.topicsLock.Unlock()

	t.hydrate()
	t.lock.Unlock()

	if bus := s.getBus(); bus != nil {
		if err := bus.Subscribe(id); err != nil {
			logs.Warn.Println("replica: failed to subscribe", id, err)
		}
	}
	return t
}

// Lookup returns a topic only if it's already loaded.
func (s *Service) Lookup(id string) *Topic {
	s.topicsLock.Lock()
	defer s.topicsLock.Unlock()
	return s.topics[id]
}

// TopicIDs returns the IDs of all loaded topics in sorted order.
func (s *Service) TopicIDs() []string {
	s.topicsLock.Lock()
	ids := make([]string, 0, len(s.topics))
	for id := range s.topics {
		ids = append(ids, id)
	}
	s.topicsLock.Unlock()
	sort.Strings(ids)
	return ids
}

// Remove evicts the topic from memory and deletes its persisted contents.
func (s *Service) Remove(id string) error {
	s.topicsLock.Lock()
	delete(s.topics, id)
	s.topicsLock.Unlock()

	if s.store == nil {
		return nil
	}
	return s.store.Delete(id)
}

// Publish adds a value to the topic on behalf of an upstream caller such as a job scheduler.
func (s *Service) Publish(ident types.Identity, topicID string, v any) bool {
	return s.Topic(topicID).Add(ident, v) != ""
}

// Subscribe asks the bus to deliver messages of the topic and loads the topic.
func (s *Service) Subscribe(topicID string) *Topic {
	return s.Topic(topicID)
}

// SaveAll persists every loaded topic. All topics are attempted even if some fail.
func (s *Service) SaveAll() error {
	s.topicsLock.Lock()
	all := make([]*Topic, 0, len(s.topics))
	for _, t := range s.topics {
		all = append(all, t)
	}
	s.topicsLock.Unlock()

	var errs []error
	for _, t := range all {
		if err := t.Save(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outstanding returns the number of messages waiting to be handed to the bus.
func (s *Service) Outstanding() int {
	return s.out.depth()
}

// Close delivers the remaining outgoing messages. Mutations after Close are not replicated.
func (s *Service) Close() {
	s.out.close()
}

func (s *Service) classOf(topicID string) string {
	return s.classes[topicID]
}
