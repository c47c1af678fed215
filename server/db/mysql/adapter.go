// Package mysql is a database adapter for MySQL.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/tinode/topicsync/server/db/common"
	"github.com/tinode/topicsync/server/store"
	t "github.com/tinode/topicsync/server/store/types"
)

// adapter holds MySQL connection data.
type adapter struct {
	db      *sqlx.DB
	dsn     string
	dbName  string
	version int

	// Single query timeout.
	sqlTimeout time.Duration
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/topicsync?parseTime=true"
	defaultDatabase = "topicsync"

	adpVersion  = 100
	adapterName = "mysql"
)

type configType struct {
	DSN    string `json:"dsn,omitempty"`
	DBName string `json:"database,omitempty"`

	// Maximum number of open connections to the database.
	MaxOpenConns int `json:"max_open_conns,omitempty"`
	// Maximum number of connections in the idle connection pool.
	MaxIdleConns int `json:"max_idle_conns,omitempty"`
	// Maximum amount of time a connection may be reused (in seconds).
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty"`
	// DB request timeout (in seconds).
	SqlTimeout int `json:"sql_timeout,omitempty"`
}

// entryRow is a row of the entries table.
type entryRow struct {
	ID            string `db:"id"`
	Value         []byte `db:"value"`
	ValueType     string `db:"valuetype"`
	ValueAssembly string `db:"valueassembly"`
}

// queueRow is a row of the queue table.
type queueRow struct {
	ID         string     `db:"id"`
	Message    []byte     `db:"message"`
	Comment    string     `db:"comment"`
	Executed   bool       `db:"executed"`
	CreatedAt  time.Time  `db:"createdat"`
	ExecutedAt *time.Time `db:"executedat"`
}

func (a *adapter) getContext() (context.Context, context.CancelFunc) {
	if a.sqlTimeout > 0 {
		return context.WithTimeout(context.Background(), a.sqlTimeout)
	}
	return context.Background(), nil
}

// Open initializes the connection pool. A missing database is not an error: it may be
// created later by CreateDb.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	dsn := config.DSN
	if dsn == "" {
		dsn = defaultDSN
	}

	cfg, err := ms.ParseDSN(dsn)
	if err != nil {
		return errors.New("mysql adapter failed to parse dsn: " + err.Error())
	}
	// Times are stored in UTC and must be scanned into time.Time.
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	a.dbName = config.DBName
	if a.dbName == "" {
		a.dbName = cfg.DBName
	}
	if a.dbName == "" {
		a.dbName = defaultDatabase
	}
	cfg.DBName = a.dbName
	a.dsn = cfg.FormatDSN()

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	err = a.db.Ping()
	if isMissingDb(err) {
		// Missing DB is OK if we are initializing the database.
		a.db.Close()
		cfg.DBName = ""
		if a.db, err = sqlx.Open("mysql", cfg.FormatDSN()); err != nil {
			return err
		}
		err = a.db.Ping()
	}
	if err != nil {
		a.db.Close()
		a.db = nil
		return err
	}

	if config.MaxOpenConns > 0 {
		a.db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		a.db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		a.db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}
	if config.SqlTimeout > 0 {
		a.sqlTimeout = time.Duration(config.SqlTimeout) * time.Second
	}

	a.version = -1
	return nil
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}
	var vers string
	err := a.db.GetContext(ctx, &vers, "SELECT `value` FROM kvmeta WHERE `key`='version'")
	if err != nil {
		if isMissingDb(err) || isMissingTable(err) || errors.Is(err, sql.ErrNoRows) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}

	a.version, _ = strconv.Atoi(vers)
	return a.version, nil
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

// GetName returns string that adapter uses to register itself with store.
func (a *adapter) GetName() string {
	return adapterName
}

// Version returns adapter version.
func (adapter) Version() int {
	return adpVersion
}

// Stats returns the connection pool stats.
func (a *adapter) Stats() any {
	if a.db == nil {
		return nil
	}
	return a.db.Stats()
}

// CreateDb initializes the storage. MySQL commits DDL statements implicitly so
// the schema is created statement by statement.
func (a *adapter) CreateDb(reset bool) error {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	// Pin a single connection: USE only affects the current session.
	conn, err := a.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if reset {
		if _, err = conn.ExecContext(ctx, "DROP DATABASE IF EXISTS "+a.dbName); err != nil {
			return err
		}
	}

	if _, err = conn.ExecContext(ctx, "CREATE DATABASE "+a.dbName+
		" CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	if _, err = conn.ExecContext(ctx, "USE "+a.dbName); err != nil {
		return err
	}

	if _, err = conn.ExecContext(ctx,
		`CREATE TABLE kvmeta(`+
			"`key` CHAR(32),"+
			"`value` TEXT,"+
			"PRIMARY KEY(`key`)"+
			`)`); err != nil {
		return err
	}

	if _, err = conn.ExecContext(ctx,
		`CREATE TABLE entries(
			topic 			VARCHAR(255) NOT NULL,
			id 				VARCHAR(255) NOT NULL,
			value 			JSON,
			valuetype 		VARCHAR(255) NOT NULL DEFAULT '',
			valueassembly 	VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY(topic, id)
		)`); err != nil {
		return err
	}

	if _, err = conn.ExecContext(ctx,
		`CREATE TABLE queue(
			topic 		VARCHAR(255) NOT NULL,
			id 			VARCHAR(255) NOT NULL,
			message 	JSON,
			comment 	TEXT,
			executed 	BOOLEAN NOT NULL DEFAULT FALSE,
			createdat 	DATETIME(3) NOT NULL,
			executedat 	DATETIME(3),
			PRIMARY KEY(topic, id),
			INDEX queue_topic_createdat(topic, createdat)
		)`); err != nil {
		return err
	}

	if _, err = conn.ExecContext(ctx, "INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?)",
		strconv.Itoa(adpVersion)); err != nil {
		return err
	}

	// The pool may still be bound to a connection without a database.
	a.db.Close()
	if a.db, err = sqlx.Open("mysql", a.dsn); err != nil {
		return err
	}
	a.version = adpVersion
	return nil
}

// EntriesApply collapses the change log and applies it in a single transaction.
func (a *adapter) EntriesApply(topic string, changes []t.EntryChange) error {
	upserts, deletes, err := common.Split(changes)
	if err != nil {
		return err
	}

	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, ch := range upserts {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO entries(topic, id, value, valuetype, valueassembly) VALUES(?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				value=VALUES(value), valuetype=VALUES(valuetype), valueassembly=VALUES(valueassembly)`,
			topic, ch.EntryID, string(ch.Payload), ch.ValueType, ch.ValueAssembly); err != nil {
			return err
		}
	}

	if len(deletes) > 0 {
		var query string
		var args []any
		if query, args, err = sqlx.In("DELETE FROM entries WHERE topic=? AND id IN (?)", topic, deletes); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// EntriesGetAll returns all entries of a topic sorted by ID.
func (a *adapter) EntriesGetAll(topic string) ([]t.Entry, error) {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}
	var rows []entryRow
	if err := a.db.SelectContext(ctx, &rows,
		"SELECT id, value, valuetype, valueassembly FROM entries WHERE topic=? ORDER BY id", topic); err != nil {
		return nil, err
	}

	result := make([]t.Entry, 0, len(rows))
	for _, row := range rows {
		result = append(result, t.Entry{
			ID:            row.ID,
			Value:         row.Value,
			ValueType:     row.ValueType,
			ValueAssembly: row.ValueAssembly,
		})
	}
	return result, nil
}

// EntriesDeleteAll deletes all entries and queue items of a topic.
func (a *adapter) EntriesDeleteAll(topic string) error {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM entries WHERE topic=?", topic); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM queue WHERE topic=?", topic); err != nil {
		return err
	}
	return tx.Commit()
}

// TopicsList returns IDs of topics with persisted entries.
func (a *adapter) TopicsList() ([]string, error) {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}
	var topics []string
	if err := a.db.SelectContext(ctx, &topics, "SELECT DISTINCT topic FROM entries ORDER BY topic"); err != nil {
		return nil, err
	}
	return topics, nil
}

// QueueUpsert inserts or replaces queue items.
func (a *adapter) QueueUpsert(msgs []t.QueueMessage) error {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for i := range msgs {
		msg := &msgs[i]
		var message any
		if len(msg.Message) > 0 {
			message = string(msg.Message)
		}
		var executedAt any
		if msg.ExecutionTimestamp != nil {
			executedAt = msg.ExecutionTimestamp.UTC()
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO queue(topic, id, message, comment, executed, createdat, executedat)
			VALUES(?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				message=VALUES(message), comment=VALUES(comment), executed=VALUES(executed),
				createdat=VALUES(createdat), executedat=VALUES(executedat)`,
			msg.TopicID, msg.ID, message, msg.Comment, msg.Executed,
			msg.CreationTimestamp.UTC(), executedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueueGetAll returns queue items of a topic ordered by creation time.
func (a *adapter) QueueGetAll(topic string) ([]t.QueueMessage, error) {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}
	var rows []queueRow
	if err := a.db.SelectContext(ctx, &rows,
		`SELECT id, message, IFNULL(comment, '') AS comment, executed, createdat, executedat
		FROM queue WHERE topic=? ORDER BY createdat, id`, topic); err != nil {
		return nil, err
	}

	result := make([]t.QueueMessage, 0, len(rows))
	for _, row := range rows {
		result = append(result, t.QueueMessage{
			ID:                 row.ID,
			TopicID:            topic,
			Message:            row.Message,
			Comment:            row.Comment,
			Executed:           row.Executed,
			CreationTimestamp:  row.CreatedAt,
			ExecutionTimestamp: row.ExecutedAt,
		})
	}
	// Rows with equal timestamps are already in ID order; this keeps the order stable
	// regardless of the collation.
	common.SortQueue(result)
	return result, nil
}

func mysqlErrorNumber(err error) uint16 {
	var myerr *ms.MySQLError
	if errors.As(err, &myerr) {
		return myerr.Number
	}
	return 0
}

// ER_BAD_DB_ERROR
func isMissingDb(err error) bool {
	return mysqlErrorNumber(err) == 1049
}

// ER_NO_SUCH_TABLE
func isMissingTable(err error) bool {
	return mysqlErrorNumber(err) == 1146
}

func init() {
	store.RegisterAdapter(&adapter{})
}
