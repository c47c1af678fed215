// Package adapter contains the interfaces to be implemented by the database adapter
package adapter

import (
	"encoding/json"

	t "github.com/tinode/topicsync/server/store/types"
)

// Adapter is the interface that must be implemented by a database
// adapter. The current schema supports a single connection by database type.
type Adapter interface {
	// General

	// Open and configure the adapter
	Open(config json.RawMessage) error
	// Close the adapter
	Close() error
	// IsOpen checks if the adapter is ready for use
	IsOpen() bool
	// GetDbVersion returns current database version.
	GetDbVersion() (int, error)
	// CheckDbVersion checks if the actual database version matches adapter version.
	CheckDbVersion() error
	// GetName returns the name of the adapter
	GetName() string
	// CreateDb creates the database optionally dropping an existing database first.
	CreateDb(reset bool) error
	// Version returns adapter version
	Version() int
	// DB connection stats object.
	Stats() any

	// Topic entries

	// EntriesApply applies the change log of a topic in order: Add upserts the entry,
	// Remove deletes it.
	EntriesApply(topic string, changes []t.EntryChange) error
	// EntriesGetAll returns all persisted entries of a topic.
	EntriesGetAll(topic string) ([]t.Entry, error)
	// EntriesDeleteAll deletes all entries and queue items of a topic.
	EntriesDeleteAll(topic string) error
	// TopicsList returns IDs of all topics which have persisted entries.
	TopicsList() ([]string, error)

	// Topic work queues

	// QueueUpsert inserts or replaces queue items.
	QueueUpsert(msgs []t.QueueMessage) error
	// QueueGetAll returns queue items of a topic ordered by creation time.
	QueueGetAll(topic string) ([]t.QueueMessage, error)
}
