// Package mongodb is a database adapter for MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tinode/topicsync/server/db/common"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/store"
	t "github.com/tinode/topicsync/server/store/types"
)

// adapter holds MongoDB connection data.
type adapter struct {
	conn            *mdb.Client
	db              *mdb.Database
	dbName          string
	version         int
	ctx             context.Context
	useTransactions bool
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "topicsync"

	adpVersion  = 100
	adapterName = "mongodb"
)

// See https://godoc.org/go.mongodb.org/mongo-driver/mongo/options#ClientOptions for explanations.
type configType struct {
	// A single "host:port" string or a list of them.
	Addresses      any `json:"addresses,omitempty"`
	ConnectTimeout int `json:"timeout,omitempty"`

	// Options separately from ClientOptions (custom options):
	Database   string `json:"database,omitempty"`
	ReplicaSet string `json:"replica_set,omitempty"`

	AuthSource string `json:"auth_source,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// entryDoc is a document of the "entries" collection. The primary key is a topic:id string.
// The value is kept as raw JSON text.
type entryDoc struct {
	Id            string `bson:"_id"`
	Topic         string `bson:"topic"`
	EntryID       string `bson:"id"`
	Value         string `bson:"value"`
	ValueType     string `bson:"valuetype"`
	ValueAssembly string `bson:"valueassembly"`
}

// queueDoc is a document of the "queue" collection. The primary key is a topic:id string.
type queueDoc struct {
	Id         string     `bson:"_id"`
	Topic      string     `bson:"topic"`
	QueueID    string     `bson:"id"`
	Message    string     `bson:"message,omitempty"`
	Comment    string     `bson:"comment,omitempty"`
	Executed   bool       `bson:"executed"`
	CreatedAt  time.Time  `bson:"createdat"`
	ExecutedAt *time.Time `bson:"executedat,omitempty"`
}

func docID(topic, id string) string {
	return topic + ":" + id
}

func parseAddresses(addr any) ([]string, error) {
	switch addr := addr.(type) {
	case nil:
		return []string{defaultHost}, nil
	case string:
		return []string{addr}, nil
	case []any:
		hosts := make([]string, 0, len(addr))
		for _, h := range addr {
			host, ok := h.(string)
			if !ok {
				return nil, errors.New("adapter mongodb failed to parse config.Addresses")
			}
			hosts = append(hosts, host)
		}
		return hosts, nil
	}
	return nil, errors.New("adapter mongodb failed to parse config.Addresses")
}

// Open initializes mongodb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter mongodb failed to parse config: " + err.Error())
		}
	}

	var opts mdbopts.ClientOptions

	hosts, err := parseAddresses(config.Addresses)
	if err != nil {
		return err
	}
	opts.SetHosts(hosts)

	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(time.Duration(config.ConnectTimeout) * time.Second)
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.ReplicaSet == "" {
		logs.Info.Println("MongoDB configured as standalone or replica_set option not set. Transaction support is disabled.")
	} else {
		opts.SetReplicaSet(config.ReplicaSet)
		a.useTransactions = true
	}

	if config.Username != "" {
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: "SCRAM-SHA-256",
				AuthSource:    config.AuthSource,
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   config.Password != "",
			})
	}

	a.ctx = context.Background()
	if a.conn, err = mdb.Connect(a.ctx, &opts); err != nil {
		a.conn = nil
		return err
	}
	if err = a.conn.Ping(a.ctx, nil); err != nil {
		a.conn.Disconnect(a.ctx)
		a.conn = nil
		return err
	}
	a.db = a.conn.Database(a.dbName)
	a.version = -1

	return nil
}

// Close the adapter
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(a.ctx)
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen checks if the adapter is ready for use
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var result struct {
		Key   string `bson:"_id"`
		Value int
	}
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, b.M{"_id": "version"}).Decode(&result); err != nil {
		if errors.Is(err, mdb.ErrNoDocuments) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}

	a.version = result.Value
	return result.Value, nil
}

// CheckDbVersion checks if the actual database version matches adapter version.
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

// Version returns adapter version
func (a *adapter) Version() int {
	return adpVersion
}

// GetName returns the name of the adapter
func (a *adapter) GetName() string {
	return adapterName
}

// Stats returns the number of sessions in progress.
func (a *adapter) Stats() any {
	if a.conn == nil {
		return nil
	}
	return map[string]int{"sessions_in_progress": a.conn.NumberSessionsInProgress()}
}

// CreateDb creates the database optionally dropping an existing database first.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		logs.Info.Print("Dropping database...")
		if err := a.db.Drop(a.ctx); err != nil {
			return err
		}
	} else if a.isDbInitialized() {
		return errors.New("Database already initialized")
	}
	// Collections do not need to be explicitly created since MongoDB creates them with first write operation

	indexes := []struct {
		Collection string
		IndexOpts  mdb.IndexModel
	}{
		// Entries of a topic ordered by ID.
		{
			Collection: "entries",
			IndexOpts:  mdb.IndexModel{Keys: b.D{{Key: "topic", Value: 1}, {Key: "id", Value: 1}}},
		},
		// Queue of a topic ordered by creation time.
		{
			Collection: "queue",
			IndexOpts:  mdb.IndexModel{Keys: b.D{{Key: "topic", Value: 1}, {Key: "createdat", Value: 1}}},
		},
	}

	for _, idx := range indexes {
		if _, err := a.db.Collection(idx.Collection).Indexes().CreateOne(a.ctx, idx.IndexOpts); err != nil {
			return err
		}
	}

	// Collection "kvmeta" with metadata key-value pairs.
	// Key in "_id" field.
	// Record current DB version.
	if _, err := a.db.Collection("kvmeta").InsertOne(a.ctx, map[string]any{"_id": "version", "value": adpVersion}); err != nil {
		return err
	}
	a.version = adpVersion
	return nil
}

func (a *adapter) maybeStartTransaction(sess mdb.Session) error {
	if a.useTransactions {
		return sess.StartTransaction()
	}
	return nil
}

func (a *adapter) maybeCommitTransaction(ctx context.Context, sess mdb.Session) error {
	if a.useTransactions {
		return sess.CommitTransaction(ctx)
	}
	return nil
}

// withSession runs fn in a session, inside a transaction when the server supports them.
func (a *adapter) withSession(fn func(sc mdb.SessionContext) error) error {
	sess, err := a.conn.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(a.ctx)

	if err = a.maybeStartTransaction(sess); err != nil {
		return err
	}
	return mdb.WithSession(a.ctx, sess, func(sc mdb.SessionContext) error {
		if err := fn(sc); err != nil {
			if a.useTransactions {
				sess.AbortTransaction(sc)
			}
			return err
		}
		return a.maybeCommitTransaction(sc, sess)
	})
}

// EntriesApply collapses the change log and applies it as a single bulk write.
func (a *adapter) EntriesApply(topic string, changes []t.EntryChange) error {
	upserts, deletes, err := common.Split(changes)
	if err != nil {
		return err
	}

	models := make([]mdb.WriteModel, 0, len(upserts)+1)
	for _, ch := range upserts {
		doc := entryDoc{
			Id:            docID(topic, ch.EntryID),
			Topic:         topic,
			EntryID:       ch.EntryID,
			Value:         string(ch.Payload),
			ValueType:     ch.ValueType,
			ValueAssembly: ch.ValueAssembly,
		}
		models = append(models,
			mdb.NewReplaceOneModel().SetFilter(b.M{"_id": doc.Id}).SetReplacement(doc).SetUpsert(true))
	}
	if len(deletes) > 0 {
		ids := make([]string, len(deletes))
		for i, id := range deletes {
			ids[i] = docID(topic, id)
		}
		models = append(models, mdb.NewDeleteManyModel().SetFilter(b.M{"_id": b.M{"$in": ids}}))
	}
	if len(models) == 0 {
		return nil
	}

	return a.withSession(func(sc mdb.SessionContext) error {
		_, err := a.db.Collection("entries").BulkWrite(sc, models, mdbopts.BulkWrite().SetOrdered(true))
		return err
	})
}

// EntriesGetAll returns all entries of a topic sorted by ID.
func (a *adapter) EntriesGetAll(topic string) ([]t.Entry, error) {
	findOpts := mdbopts.Find().SetSort(b.D{{Key: "id", Value: 1}})
	cur, err := a.db.Collection("entries").Find(a.ctx, b.M{"topic": topic}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	var result []t.Entry
	for cur.Next(a.ctx) {
		var doc entryDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, t.Entry{
			ID:            doc.EntryID,
			Value:         json.RawMessage(doc.Value),
			ValueType:     doc.ValueType,
			ValueAssembly: doc.ValueAssembly,
		})
	}
	return result, cur.Err()
}

// EntriesDeleteAll deletes all entries and queue items of a topic.
func (a *adapter) EntriesDeleteAll(topic string) error {
	return a.withSession(func(sc mdb.SessionContext) error {
		if _, err := a.db.Collection("entries").DeleteMany(sc, b.M{"topic": topic}); err != nil {
			return err
		}
		_, err := a.db.Collection("queue").DeleteMany(sc, b.M{"topic": topic})
		return err
	})
}

// TopicsList returns IDs of topics with persisted entries.
func (a *adapter) TopicsList() ([]string, error) {
	res, err := a.db.Collection("entries").Distinct(a.ctx, "topic", b.M{})
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(res))
	for _, v := range res {
		if s, ok := v.(string); ok {
			topics = append(topics, s)
		}
	}
	return topics, nil
}

// QueueUpsert inserts or replaces queue items.
func (a *adapter) QueueUpsert(msgs []t.QueueMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	models := make([]mdb.WriteModel, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		doc := queueDoc{
			Id:         docID(msg.TopicID, msg.ID),
			Topic:      msg.TopicID,
			QueueID:    msg.ID,
			Message:    string(msg.Message),
			Comment:    msg.Comment,
			Executed:   msg.Executed,
			CreatedAt:  msg.CreationTimestamp,
			ExecutedAt: msg.ExecutionTimestamp,
		}
		models = append(models,
			mdb.NewReplaceOneModel().SetFilter(b.M{"_id": doc.Id}).SetReplacement(doc).SetUpsert(true))
	}
	_, err := a.db.Collection("queue").BulkWrite(a.ctx, models)
	return err
}

// QueueGetAll returns queue items of a topic ordered by creation time.
func (a *adapter) QueueGetAll(topic string) ([]t.QueueMessage, error) {
	cur, err := a.db.Collection("queue").Find(a.ctx, b.M{"topic": topic})
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	var result []t.QueueMessage
	for cur.Next(a.ctx) {
		var doc queueDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, err
		}
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
	if err = cur.Err(); err != nil {
		return nil, err
	}
	common.SortQueue(result)
	return result, nil
}

func (a *adapter) isDbInitialized() bool {
	var result map[string]int

	findOpts := mdbopts.FindOneOptions{Projection: b.M{"value": 1, "_id": 0}}
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, b.M{"_id": "version"}, &findOpts).Decode(&result); err != nil {
		return false
	}
	return true
}

func init() {
	store.RegisterAdapter(&adapter{})
}
