// Package store provides methods for registering and accessing database adapters.
package store

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/tinode/topicsync/server/store/adapter"
	"github.com/tinode/topicsync/server/store/types"
)

var (
	adp               adapter.Adapter
	availableAdapters = make(map[string]adapter.Adapter)
	adpLock           sync.RWMutex

	// Encryption of payloads at rest, nil if disabled.
	encryption *PayloadEncryption
)

// Unique ID generator
var uGen types.UidGenerator

type configType struct {
	// 16-byte key for XTEA. Used to initialize types.UidGenerator.
	UidKey []byte `json:"uid_key"`
	// Snowflake worker ID, must be unique within the cluster.
	WorkerID int `json:"worker_id"`
	// DB adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Key for AES-GCM encryption of entry values and queue messages at rest, 16, 24 or
	// 32 bytes. Payloads are stored in the clear if empty.
	EncryptionKey []byte `json:"encryption_key"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// Default XTEA key used when the config does not provide one. Ids remain unique but
// become predictable.
var defaultUidKey = []byte("topicsync-uidkey")

func openAdapter(jsonconf json.RawMessage) error {
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
		}
	}

	adpLock.Lock()
	defer adpLock.Unlock()

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only entry in availableAdapters.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: db adapter is not specified. Please set `store_config.use_adapter` in the config file")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	if config.WorkerID < 0 || config.WorkerID > 1023 {
		return errors.New("store: invalid worker ID")
	}

	key := config.UidKey
	if len(key) == 0 {
		key = defaultUidKey
	}
	if err := uGen.Init(uint(config.WorkerID), key); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	enc, err := NewPayloadEncryption(config.EncryptionKey)
	if err != nil {
		return errors.New("store: " + err.Error())
	}
	encryption = enc

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

func getAdapter() adapter.Adapter {
	adpLock.RLock()
	defer adpLock.RUnlock()
	return adp
}

// PersistentStorageInterface defines methods used for interation with persistent storage.
type PersistentStorageInterface interface {
	Open(jsonconf json.RawMessage) error
	Close() error
	IsOpen() bool
	GetAdapterName() string
	GetAdapterVersion() int
	GetDbVersion() int
	InitDb(jsonconf json.RawMessage, reset bool) error
	GetUidString() string
	DbStats() func() any
}

// Store is the main object for interacting with persistent storage.
var Store PersistentStorageInterface = storeObj{}

type storeObj struct{}

// Open initializes the persistence system. Adapter holds a connection pool for a database instance.
func (storeObj) Open(jsonconf json.RawMessage) error {
	if err := openAdapter(jsonconf); err != nil {
		return err
	}

	return getAdapter().CheckDbVersion()
}

// Close terminates connection to persistent storage.
func (storeObj) Close() error {
	if a := getAdapter(); a != nil && a.IsOpen() {
		return a.Close()
	}
	return nil
}

// IsOpen checks if persistent storage connection has been initialized.
func (storeObj) IsOpen() bool {
	if a := getAdapter(); a != nil {
		return a.IsOpen()
	}
	return false
}

// GetAdapterName returns the name of the current adater.
func (storeObj) GetAdapterName() string {
	if a := getAdapter(); a != nil {
		return a.GetName()
	}
	return ""
}

// GetAdapterVersion returns version of the current adater.
func (storeObj) GetAdapterVersion() int {
	if a := getAdapter(); a != nil {
		return a.Version()
	}
	return -1
}

// GetDbVersion returns version of the underlying database.
func (storeObj) GetDbVersion() int {
	if a := getAdapter(); a != nil {
		vers, _ := a.GetDbVersion()
		return vers
	}
	return -1
}

// InitDb creates and configures a new database instance. If 'reset' is true it will first
// attempt to drop an existing database. If the adapter is not open, it will use the config
// to open the adapter first.
func (s storeObj) InitDb(jsonconf json.RawMessage, reset bool) error {
	if !s.IsOpen() {
		if err := openAdapter(jsonconf); err != nil {
			return err
		}
	}
	return getAdapter().CreateDb(reset)
}

// GetUidString generates a unique entry id.
func (storeObj) GetUidString() string {
	return uGen.GetStr()
}

// DbStats returns a callback returning db connection stats object.
func (s storeObj) DbStats() func() any {
	if !s.IsOpen() {
		return nil
	}
	a := getAdapter()
	return a.Stats
}

// RegisterAdapter makes a persistence adapter available.
// If Register is called twice or if the adapter is nil, it panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	adpLock.Lock()
	defer adpLock.Unlock()

	adapterName := a.GetName()
	if _, ok := availableAdapters[adapterName]; ok {
		panic("store: adapter '" + adapterName + "' is already registered")
	}
	availableAdapters[adapterName] = a
}

// AvailableAdapters returns sorted names of registered adapters.
func AvailableAdapters() []string {
	adpLock.RLock()
	defer adpLock.RUnlock()

	names := make([]string, 0, len(availableAdapters))
	for name := range availableAdapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EntriesPersistenceInterface is an interface which defines methods for persisting topic contents.
type EntriesPersistenceInterface interface {
	Persist(topic string, changes []types.EntryChange) error
	PersistQueue(topic string, msgs []types.QueueMessage) error
	Hydrate(topic string) ([]types.Entry, error)
	HydrateQueue(topic string) ([]types.QueueMessage, error)
	Delete(topic string) error
	Topics() ([]string, error)
}

// EntriesObjMapper is a struct to hold methods for persistence mapping for topic entries.
// Note: Entries is the same as Entries*Mapper*, but `Entries` is used for consistency with
// other object mappers.
type EntriesObjMapper struct{}

// Entries is an instance of EntriesObjMapper to map methods to.
var Entries EntriesPersistenceInterface = EntriesObjMapper{}

func openedAdapter() (adapter.Adapter, error) {
	a := getAdapter()
	if a == nil || !a.IsOpen() {
		return nil, types.ErrNotOpen
	}
	return a, nil
}

func getEncryption() *PayloadEncryption {
	adpLock.RLock()
	defer adpLock.RUnlock()
	return encryption
}

// Persist writes the change log of a topic.
func (EntriesObjMapper) Persist(topic string, changes []types.EntryChange) error {
	if len(changes) == 0 {
		return nil
	}
	a, err := openedAdapter()
	if err != nil {
		return err
	}
	if changes, err = getEncryption().sealChanges(changes); err != nil {
		return err
	}
	return a.EntriesApply(topic, changes)
}

// PersistQueue writes queue items of a topic.
func (EntriesObjMapper) PersistQueue(topic string, msgs []types.QueueMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	a, err := openedAdapter()
	if err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].TopicID = topic
	}
	if msgs, err = getEncryption().sealQueue(msgs); err != nil {
		return err
	}
	return a.QueueUpsert(msgs)
}

// Hydrate loads all persisted entries of a topic.
func (EntriesObjMapper) Hydrate(topic string) ([]types.Entry, error) {
	a, err := openedAdapter()
	if err != nil {
		return nil, err
	}
	entries, err := a.EntriesGetAll(topic)
	if err != nil {
		return nil, err
	}
	if err = getEncryption().openEntries(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// HydrateQueue loads the work queue of a topic.
func (EntriesObjMapper) HydrateQueue(topic string) ([]types.QueueMessage, error) {
	a, err := openedAdapter()
	if err != nil {
		return nil, err
	}
	msgs, err := a.QueueGetAll(topic)
	if err != nil {
		return nil, err
	}
	if err = getEncryption().openQueue(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Delete removes all persisted data of a topic.
func (EntriesObjMapper) Delete(topic string) error {
	a, err := openedAdapter()
	if err != nil {
		return err
	}
	return a.EntriesDeleteAll(topic)
}

// Topics lists all topics with persisted entries.
func (EntriesObjMapper) Topics() ([]string, error) {
	a, err := openedAdapter()
	if err != nil {
		return nil, err
	}
	return a.TopicsList()
}
