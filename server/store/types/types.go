// Package types provides data types shared by the replication store, its persistence
// adapters and the hub.
package types

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// StoreError satisfies Error interface but allows constant values for
// direct comparison.
type StoreError string

// Error is required by error interface.
func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrMalformed means the input cannot be parsed or is otherwise wrong.
	ErrMalformed = StoreError("malformed")
	// ErrNotFound means the object was not found.
	ErrNotFound = StoreError("not found")
	// ErrUnsupported means an operation is not supported.
	ErrUnsupported = StoreError("unsupported")
	// ErrNotOpen means the persistence layer has not been opened yet.
	ErrNotOpen = StoreError("not open")
)

// Identity is an opaque caller identity supplied by an external resolver.
type Identity string

// SystemIdentity is the identity the server uses for its own mutations, e.g. replication
// traffic received from other nodes. Access gates always grant it full access.
const SystemIdentity Identity = "$system"

// IsZero checks if identity is unset.
func (id Identity) IsZero() bool {
	return id == ""
}

// Opaque is a payload which could not be decoded into a registered type. It holds the raw
// JSON text unchanged.
type Opaque string

// MarshalJSON writes the raw payload back as is if it's valid JSON, otherwise as a JSON string.
func (o Opaque) MarshalJSON() ([]byte, error) {
	if json.Valid([]byte(o)) {
		return []byte(o), nil
	}
	return json.Marshal(string(o))
}

// Command is the kind of a change log record.
type Command int

const (
	// CommandAdd means the entry was inserted.
	CommandAdd Command = iota
	// CommandRemove means the entry was deleted.
	CommandRemove
)

func (c Command) String() string {
	switch c {
	case CommandAdd:
		return "add"
	case CommandRemove:
		return "remove"
	}
	return "unknown"
}

// EntryChange is a single record of the topic's change log.
type EntryChange struct {
	Command       Command
	EntryID       string
	Payload       json.RawMessage
	TopicID       string
	ValueType     string
	ValueAssembly string
}

// Entry is a serialized (id, value) pair of a topic together with its declared type.
type Entry struct {
	ID            string          `json:"ID"`
	Value         json.RawMessage `json:"Value"`
	ValueType     string          `json:"ValueType,omitempty"`
	ValueAssembly string          `json:"ValueAssembly,omitempty"`
}

// CRUDType is the kind of a replicated mutation.
type CRUDType int

const (
	// CRUDCreate is a newly inserted entry.
	CRUDCreate CRUDType = iota
	// CRUDUpdate is an entry which changed its value.
	CRUDUpdate
	// CRUDDelete is an entry which was removed.
	CRUDDelete
)

var crudNames = []string{"Create", "Update", "Delete"}

func (c CRUDType) String() string {
	if c >= 0 && int(c) < len(crudNames) {
		return crudNames[c]
	}
	return "CRUDType(" + strconv.Itoa(int(c)) + ")"
}

// MarshalJSON writes CRUDType as an integer.
func (c CRUDType) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(c))), nil
}

// UnmarshalJSON accepts either the integer value or the name of the CRUD type.
func (c *CRUDType) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		for i, n := range crudNames {
			if n == name {
				*c = CRUDType(i)
				return nil
			}
		}
		return errors.New("CRUDType.UnmarshalJSON: unknown type " + name)
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return errors.New("CRUDType.UnmarshalJSON: " + err.Error())
	}
	*c = CRUDType(v)
	return nil
}

// CRUDMessage is the wire form of a single topic mutation. Class is the element class label
// of the topic, passed through unchanged. ValueType and ValueAssembly are the schema registry
// lookup keys.
type CRUDMessage struct {
	TopicID       string          `json:"TopicID"`
	ID            string          `json:"ID"`
	Type          CRUDType        `json:"Type"`
	Class         string          `json:"Class,omitempty"`
	Value         json.RawMessage `json:"Value,omitempty"`
	ValueType     string          `json:"ValueType,omitempty"`
	ValueAssembly string          `json:"ValueAssembly,omitempty"`
}

// QueueMessage is an ordered work item attached to a topic.
type QueueMessage struct {
	ID                 string          `json:"ID"`
	TopicID            string          `json:"TopicID"`
	Message            json.RawMessage `json:"Message,omitempty"`
	Comment            string          `json:"Comment,omitempty"`
	Executed           bool            `json:"Executed"`
	CreationTimestamp  time.Time       `json:"CreationTimestamp"`
	ExecutionTimestamp *time.Time      `json:"ExecutionTimestamp,omitempty"`
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
