// Package auth resolves opaque connection secrets, such as session cookies, into caller identities.
package auth

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/tinode/topicsync/server/store/types"
)

// AuthErr is a structure for reporting an error condition.
type AuthErr string

func (e AuthErr) Error() string {
	return string(e)
}

const (
	// ErrInternal means DB or other internal failure
	ErrInternal = AuthErr("internal")
	// ErrMalformed means the secret is malformed
	ErrMalformed = AuthErr("malformed")
	// ErrFailed means the secret is not recognized
	ErrFailed = AuthErr("failed")
	// ErrUnsupported means an operation is not supported
	ErrUnsupported = AuthErr("unsupported")
	// ErrExpired means the secret has expired
	ErrExpired = AuthErr("expired")
)

// Resolver maps a secret presented by a connecting client to an identity.
type Resolver interface {
	// ResolveIdentity returns the identity which owns the secret or an error if the secret
	// is unknown, expired or malformed.
	ResolveIdentity(secret string) (types.Identity, error)
}

// Handler is the interface which resolvers configurable from the config file must implement.
type Handler interface {
	Resolver
	// Init initializes the handler.
	Init(jsonconf json.RawMessage) error
}

var (
	handlersLock sync.Mutex
	handlers     = make(map[string]func() Handler)
)

// Register makes a resolver available by name. Panics on nil or duplicate registration.
func Register(name string, factory func() Handler) {
	handlersLock.Lock()
	defer handlersLock.Unlock()

	if factory == nil {
		panic("auth: Register factory is nil")
	}
	if _, dup := handlers[name]; dup {
		panic("auth: Register called twice for " + name)
	}
	handlers[name] = factory
}

// New creates the resolver named by the "type" field of the config. Empty config yields
// a resolver which recognizes nobody.
func New(jsonconf json.RawMessage) (Resolver, error) {
	if len(jsonconf) == 0 {
		return &Static{}, nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(jsonconf, &head); err != nil {
		return nil, errors.New("auth: failed to parse config: " + err.Error())
	}
	if head.Type == "" {
		head.Type = "static"
	}

	handlersLock.Lock()
	factory := handlers[head.Type]
	handlersLock.Unlock()
	if factory == nil {
		return nil, errors.New("auth: unknown resolver type '" + head.Type + "'")
	}

	h := factory()
	if err := h.Init(jsonconf); err != nil {
		return nil, err
	}
	return h, nil
}

// Static resolves secrets using a fixed table from the config file.
type Static struct {
	secrets map[string]types.Identity
}

// Init parses {"type": "static", "secrets": {"secret-value": "identity"}}.
func (s *Static) Init(jsonconf json.RawMessage) error {
	var config struct {
		Secrets map[string]types.Identity `json:"secrets"`
	}
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("auth static: failed to parse config: " + err.Error())
	}
	s.secrets = config.Secrets
	return nil
}

// ResolveIdentity looks the secret up in the table.
func (s *Static) ResolveIdentity(secret string) (types.Identity, error) {
	if secret == "" {
		return "", ErrMalformed
	}
	if ident, ok := s.secrets[secret]; ok {
		return ident, nil
	}
	return "", ErrFailed
}

func init() {
	Register("static", func() Handler { return &Static{} })
}
