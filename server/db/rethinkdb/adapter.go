// Package rethinkdb is a database adapter for RethinkDB.
package rethinkdb

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	rdb "gopkg.in/rethinkdb/rethinkdb-go.v6"

	"github.com/tinode/topicsync/server/db/common"
	"github.com/tinode/topicsync/server/store"
	t "github.com/tinode/topicsync/server/store/types"
)

// adapter holds RethinkDb connection data.
type adapter struct {
	conn    *rdb.Session
	dbName  string
	version int
}

const (
	defaultHost     = "localhost:28015"
	defaultDatabase = "topicsync"

	adpVersion  = 100
	adapterName = "rethinkdb"
)

type configType struct {
	Database            string `json:"database,omitempty"`
	Addresses           any    `json:"addresses,omitempty"`
	Username            string `json:"username,omitempty"`
	Password            string `json:"password,omitempty"`
	AuthKey             string `json:"authkey,omitempty"`
	Timeout             int    `json:"timeout,omitempty"`
	WriteTimeout        int    `json:"write_timeout,omitempty"`
	ReadTimeout         int    `json:"read_timeout,omitempty"`
	KeepAlivePeriod     int    `json:"keep_alive_timeout,omitempty"`
	InitialCap          int    `json:"initial_cap,omitempty"`
	MaxOpen             int    `json:"max_open,omitempty"`
	DiscoverHosts       bool   `json:"discover_hosts,omitempty"`
	NodeRefreshInterval int    `json:"node_refresh_interval,omitempty"`
}

// entryDoc is a row of the "entries" table. The primary key is a topic:id string.
type entryDoc struct {
	Id            string `rethinkdb:"id"`
	Topic         string `rethinkdb:"topic"`
	EntryID       string `rethinkdb:"entry"`
	Value         string `rethinkdb:"value"`
	ValueType     string `rethinkdb:"valuetype"`
	ValueAssembly string `rethinkdb:"valueassembly"`
}

// queueDoc is a row of the "queue" table. The primary key is a topic:id string.
type queueDoc struct {
	Id         string     `rethinkdb:"id"`
	Topic      string     `rethinkdb:"topic"`
	QueueID    string     `rethinkdb:"queueid"`
	Message    string     `rethinkdb:"message,omitempty"`
	Comment    string     `rethinkdb:"comment,omitempty"`
	Executed   bool       `rethinkdb:"executed"`
	CreatedAt  time.Time  `rethinkdb:"createdat"`
	ExecutedAt *time.Time `rethinkdb:"executedat,omitempty"`
}

func docID(topic, id string) string {
	return topic + ":" + id
}

// Open initializes rethinkdb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter rethinkdb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter rethinkdb failed to parse config: " + err.Error())
		}
	}

	var opts rdb.ConnectOpts

	switch addr := config.Addresses.(type) {
	case nil:
		opts.Address = defaultHost
	case string:
		opts.Address = addr
	case []any:
		for _, h := range addr {
			host, ok := h.(string)
			if !ok {
				return errors.New("adapter rethinkdb failed to parse config.Addresses")
			}
			opts.Addresses = append(opts.Addresses, host)
		}
	default:
		return errors.New("adapter rethinkdb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	opts.Database = a.dbName
	opts.Username = config.Username
	opts.Password = config.Password
	opts.AuthKey = config.AuthKey
	opts.Timeout = time.Duration(config.Timeout) * time.Second
	opts.WriteTimeout = time.Duration(config.WriteTimeout) * time.Second
	opts.ReadTimeout = time.Duration(config.ReadTimeout) * time.Second
	opts.KeepAlivePeriod = time.Duration(config.KeepAlivePeriod) * time.Second
	opts.InitialCap = config.InitialCap
	opts.MaxOpen = config.MaxOpen
	opts.DiscoverHosts = config.DiscoverHosts
	opts.NodeRefreshInterval = time.Duration(config.NodeRefreshInterval) * time.Second

	a.conn, err = rdb.Connect(opts)
	if err != nil {
		a.conn = nil
		return err
	}
	a.version = -1
	return nil
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		// Close will wait for all outstanding requests to finish
		err = a.conn.Close()
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	cursor, err := rdb.DB(a.dbName).Table("kvmeta").Get("version").Field("value").Run(a.conn)
	if err != nil {
		if isMissingDb(err) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return -1, errors.New("Database not initialized")
	}

	var vers int
	if err = cursor.One(&vers); err != nil {
		return -1, err
	}

	a.version = vers
	return vers, nil
}

// CheckDbVersion checks whether the actual DB version matches the expected version of this adapter.
func (a *adapter) CheckDbVersion() error {
	version, err := a.GetDbVersion()
	if err != nil {
		return err
	}

	if version != adpVersion {
		return errors.New("Invalid database version " + strconv.Itoa(version) +
			". Expected " + strconv.Itoa(adpVersion))
	}
	return nil
}

// Version returns adapter version.
func (adapter) Version() int {
	return adpVersion
}

// GetName returns string that adapter uses to register itself with store.
func (a *adapter) GetName() string {
	return adapterName
}

// Stats reports if the session is connected.
func (a *adapter) Stats() any {
	if a.conn == nil {
		return nil
	}
	return map[string]bool{"connected": a.conn.IsConnected()}
}

// CreateDb initializes the storage. If reset is true, the database is first deleted losing all the data.
func (a *adapter) CreateDb(reset bool) error {
	// Drop database if exists, ignore error if it does not.
	if reset {
		rdb.DBDrop(a.dbName).RunWrite(a.conn)
	}

	if _, err := rdb.DBCreate(a.dbName).RunWrite(a.conn); err != nil {
		return err
	}

	// Key-value metadata such as the DB version.
	if _, err := rdb.DB(a.dbName).TableCreate("kvmeta", rdb.TableCreateOpts{PrimaryKey: "key"}).RunWrite(a.conn); err != nil {
		return err
	}

	// Topic entries. The primary key is a topic:id string.
	if _, err := rdb.DB(a.dbName).TableCreate("entries", rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}
	if _, err := rdb.DB(a.dbName).Table("entries").IndexCreate("topic").RunWrite(a.conn); err != nil {
		return err
	}

	// Topic work queues. The primary key is a topic:id string.
	if _, err := rdb.DB(a.dbName).TableCreate("queue", rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}
	if _, err := rdb.DB(a.dbName).Table("queue").IndexCreate("topic").RunWrite(a.conn); err != nil {
		return err
	}

	for _, table := range []string{"kvmeta", "entries", "queue"} {
		if err := rdb.DB(a.dbName).Table(table).IndexWait().Exec(a.conn); err != nil {
			return err
		}
	}

	if _, err := rdb.DB(a.dbName).Table("kvmeta").Insert(
		map[string]any{"key": "version", "value": adpVersion}).RunWrite(a.conn); err != nil {
		return err
	}
	a.version = adpVersion
	return nil
}

// EntriesApply collapses the change log, then upserts and deletes the surviving entries.
// RethinkDB has no multi-document transactions: each batch is atomic per document.
func (a *adapter) EntriesApply(topic string, changes []t.EntryChange) error {
	upserts, deletes, err := common.Split(changes)
	if err != nil {
		return err
	}

	if len(upserts) > 0 {
		docs := make([]entryDoc, 0, len(upserts))
		for _, ch := range upserts {
			docs = append(docs, entryDoc{
				Id:            docID(topic, ch.EntryID),
				Topic:         topic,
				EntryID:       ch.EntryID,
				Value:         string(ch.Payload),
				ValueType:     ch.ValueType,
				ValueAssembly: ch.ValueAssembly,
			})
		}
		if _, err = rdb.DB(a.dbName).Table("entries").
			Insert(docs, rdb.InsertOpts{Conflict: "replace"}).RunWrite(a.conn); err != nil {
			return err
		}
	}

	if len(deletes) > 0 {
		ids := make([]any, len(deletes))
		for i, id := range deletes {
			ids[i] = docID(topic, id)
		}
		if _, err = rdb.DB(a.dbName).Table("entries").GetAll(ids...).Delete().RunWrite(a.conn); err != nil {
			return err
		}
	}
	return nil
}

// EntriesGetAll returns all entries of a topic sorted by ID.
func (a *adapter) EntriesGetAll(topic string) ([]t.Entry, error) {
	cursor, err := rdb.DB(a.dbName).Table("entries").GetAllByIndex("topic", topic).
		OrderBy("entry").Run(a.conn)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var docs []entryDoc
	if err = cursor.All(&docs); err != nil {
		return nil, err
	}

	var result []t.Entry
	for _, doc := range docs {
		result = append(result, t.Entry{
			ID:            doc.EntryID,
			Value:         json.RawMessage(doc.Value),
			ValueType:     doc.ValueType,
			ValueAssembly: doc.ValueAssembly,
		})
	}
	return result, nil
}

// EntriesDeleteAll deletes all entries and queue items of a topic.
func (a *adapter) EntriesDeleteAll(topic string) error {
	if _, err := rdb.DB(a.dbName).Table("entries").GetAllByIndex("topic", topic).
		Delete().RunWrite(a.conn); err != nil {
		return err
	}
	_, err := rdb.DB(a.dbName).Table("queue").GetAllByIndex("topic", topic).Delete().RunWrite(a.conn)
	return err
}

// TopicsList returns IDs of topics with persisted entries.
func (a *adapter) TopicsList() ([]string, error) {
	cursor, err := rdb.DB(a.dbName).Table("entries").
		Distinct(rdb.DistinctOpts{Index: "topic"}).Run(a.conn)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var topics []string
	if err = cursor.All(&topics); err != nil {
		return nil, err
	}
	sort.Strings(topics)
	return topics, nil
}

// QueueUpsert inserts or replaces queue items.
func (a *adapter) QueueUpsert(msgs []t.QueueMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]queueDoc, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		docs = append(docs, queueDoc{
			Id:         docID(msg.TopicID, msg.ID),
			Topic:      msg.TopicID,
			QueueID:    msg.ID,
			Message:    string(msg.Message),
			Comment:    msg.Comment,
			Executed:   msg.Executed,
			CreatedAt:  msg.CreationTimestamp,
			ExecutedAt: msg.ExecutionTimestamp,
		})
	}
	_, err := rdb.DB(a.dbName).Table("queue").Insert(docs, rdb.InsertOpts{Conflict: "replace"}).RunWrite(a.conn)
	return err
}

// QueueGetAll returns queue items of a topic ordered by creation time.
func (a *adapter) QueueGetAll(topic string) ([]t.QueueMessage, error) {
	cursor, err := rdb.DB(a.dbName).Table("queue").GetAllByIndex("topic", topic).Run(a.conn)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var docs []queueDoc
	if err = cursor.All(&docs); err != nil {
		return nil, err
	}

	var result []t.QueueMessage
	for _, doc := range docs {
		msg := t.QueueMessage{
			ID:                 doc.QueueID,
			TopicID:            doc.Topic,
			Comment:            doc.Comment,
			Executed:           doc.Executed,
			CreationTimestamp:  doc.CreatedAt,
			ExecutionTimestamp: doc.ExecutedAt,
		}
		if doc.Message != "" {
			msg.Message = json.RawMessage(doc.Message)
		}
		result = append(result, msg)
	}
	common.SortQueue(result)
	return result, nil
}

func isMissingDb(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}

func init() {
	store.RegisterAdapter(&adapter{})
}
