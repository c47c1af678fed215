package replica

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/tinode/topicsync/server/store/types"
)

// DecodeFunc converts a serialized payload into a typed value.
type DecodeFunc func(raw json.RawMessage) (any, error)

type schemaKey struct {
	valueType string
	assembly  string
}

// Schemas maps (type-tag, schema-name) pairs to decode functions and Go types back to
// their tags. Payloads with unknown tags are kept as types.Opaque.
type Schemas struct {
	lock     sync.RWMutex
	decoders map[schemaKey]DecodeFunc
	tags     map[reflect.Type]schemaKey
}

// NewSchemas creates a registry with the JSON primitives pre-registered.
func NewSchemas() *Schemas {
	s := &Schemas{
		decoders: make(map[schemaKey]DecodeFunc),
		tags:     make(map[reflect.Type]schemaKey),
	}
	Register[string](s, "string", "")
	Register[float64](s, "number", "")
	Register[bool](s, "bool", "")
	Register[map[string]any](s, "object", "")
	Register[[]any](s, "array", "")
	return s
}

// Register associates type T with the given tag pair. Values of type T are tagged with the pair
// when emitted and payloads carrying the pair are decoded into T.
func Register[T any](s *Schemas, valueType, assembly string) {
	var zero T
	s.RegisterFunc(valueType, assembly, reflect.TypeOf(zero), func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// RegisterFunc registers a custom decoder. The typ may be nil if values are never emitted locally.
func (s *Schemas) RegisterFunc(valueType, assembly string, typ reflect.Type, fn DecodeFunc) {
	if valueType == "" {
		panic("schemas: empty value type")
	}
	key := schemaKey{valueType, assembly}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.decoders[key] = fn
	if typ != nil {
		s.tags[typ] = key
	}
}

// Decode converts the raw payload using the decoder registered for the pair. Unknown pairs
// yield types.Opaque with no error. A decoder failure yields types.Opaque and the error.
func (s *Schemas) Decode(valueType, assembly string, raw json.RawMessage) (any, error) {
	s.lock.RLock()
	fn := s.decoders[schemaKey{valueType, assembly}]
	s.lock.RUnlock()

	if fn == nil {
		return types.Opaque(raw), nil
	}
	v, err := fn(raw)
	if err != nil {
		return types.Opaque(raw), fmt.Errorf("decode %s/%s: %w", valueType, assembly, err)
	}
	return v, nil
}

// TagOf returns the tag pair registered for the dynamic type of v, or empty strings.
func (s *Schemas) TagOf(v any) (string, string) {
	if v == nil {
		return "", ""
	}
	s.lock.RLock()
	key, ok := s.tags[reflect.TypeOf(v)]
	s.lock.RUnlock()
	if !ok {
		return "", ""
	}
	return key.valueType, key.assembly
}

// canonical serializes v and produces a key such that two values which serialize to equivalent
// JSON documents produce the same key.
func canonical(v any) (string, json.RawMessage, error) {
	var raw []byte
	switch val := v.(type) {
	case json.RawMessage:
		raw = val
	case types.Opaque:
		r, err := val.MarshalJSON()
		if err != nil {
			return "", nil, err
		}
		raw = r
	default:
		r, err := json.Marshal(v)
		if err != nil {
			return "", nil, err
		}
		raw = r
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", nil, err
	}
	key, err := json.Marshal(generic)
	if err != nil {
		return "", nil, err
	}
	return string(key), json.RawMessage(raw), nil
}
