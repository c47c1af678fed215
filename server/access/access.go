// Package access defines the interface consulted by replicated topics before reading or
// mutating their contents, and a static configuration-driven implementation of it.
package access

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/tinode/topicsync/server/store/types"
)

// Level is the permission granted to an identity on a topic.
type Level int

// Access levels.
const (
	// LevelNone means no access at all.
	LevelNone Level = iota * 10
	// LevelRead permits queries.
	LevelRead
	// LevelWrite permits mutations.
	LevelWrite
	// LevelAdmin permits everything.
	LevelAdmin
)

// String returns human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelAdmin:
		return "admin"
	}
	return "unkn"
}

// ParseLevel parses a level name. Unknown names map to LevelNone.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read", "r":
		return LevelRead
	case "write", "w", "rw":
		return LevelWrite
	case "admin", "a", "root":
		return LevelAdmin
	}
	return LevelNone
}

// UnmarshalJSON accepts either a level name or a number.
func (l *Level) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*l = ParseLevel(name)
		return nil
	}
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*l = Level(v)
	return nil
}

// Gate answers permission queries. It's consulted, never owned, by the topic store.
type Gate interface {
	// Group returns the access-control group attached to the topic or an empty string if
	// the topic is not access controlled.
	Group(topicID string) string
	// Permission returns the access level of the identity on the topic.
	Permission(ident types.Identity, topicID string) Level
}

// Handler is a Gate which can be configured by name from the config file.
type Handler interface {
	Gate
	// Init configures the gate.
	Init(jsonconf json.RawMessage) error
}

var (
	handlersLock sync.Mutex
	handlers     = make(map[string]func() Handler)
)

// Register makes a gate implementation available by name. Panics on duplicates.
func Register(name string, factory func() Handler) {
	handlersLock.Lock()
	defer handlersLock.Unlock()

	if factory == nil {
		panic("access: Register factory is nil")
	}
	if _, dup := handlers[name]; dup {
		panic("access: Register called twice for " + name)
	}
	handlers[name] = factory
}

// New instantiates and configures the gate named by the "type" field of the config.
// An empty config yields a gate which allows everything.
func New(jsonconf json.RawMessage) (Gate, error) {
	if len(jsonconf) == 0 {
		return AllowAll{}, nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(jsonconf, &head); err != nil {
		return nil, errors.New("access: failed to parse config: " + err.Error())
	}
	if head.Type == "" || head.Type == "none" {
		return AllowAll{}, nil
	}

	handlersLock.Lock()
	factory := handlers[head.Type]
	handlersLock.Unlock()

	if factory == nil {
		return nil, errors.New("access: unknown gate type '" + head.Type + "'")
	}
	h := factory()
	if err := h.Init(jsonconf); err != nil {
		return nil, err
	}
	return h, nil
}

// Allowed reports whether the identity has at least the required level on the topic. Topics
// without an access group and the system identity are always allowed.
func Allowed(g Gate, ident types.Identity, topicID string, required Level) bool {
	if g == nil || ident == types.SystemIdentity {
		return true
	}
	if g.Group(topicID) == "" {
		return true
	}
	return g.Permission(ident, topicID) >= required
}

// AllowAll is a gate which does not restrict any topic.
type AllowAll struct{}

// Group always returns an empty string.
func (AllowAll) Group(string) string { return "" }

// Permission always returns LevelAdmin.
func (AllowAll) Permission(types.Identity, string) Level { return LevelAdmin }

// Static is a gate configured entirely from the config file.
type Static struct {
	// Topic ID -> group.
	groups map[string]string
	// Topic ID prefix -> group, checked when the exact ID is not found.
	prefixes map[string]string
	// Group -> identity -> level. Identity "*" matches everyone.
	members map[string]map[string]Level
}

// Init parses the config:
//
//	{"type": "static",
//	 "groups": {"prices": "traders"},
//	 "prefix_groups": {"$trader.": "traders"},
//	 "members": {"traders": {"alice": "write", "*": "read"}}}
func (s *Static) Init(jsonconf json.RawMessage) error {
	var config struct {
		Groups       map[string]string           `json:"groups"`
		PrefixGroups map[string]string           `json:"prefix_groups"`
		Members      map[string]map[string]Level `json:"members"`
	}
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("access static: failed to parse config: " + err.Error())
	}
	s.groups = config.Groups
	s.prefixes = config.PrefixGroups
	s.members = config.Members
	return nil
}

// Group returns the group of the topic, exact match first, then the longest matching prefix.
func (s *Static) Group(topicID string) string {
	if g, ok := s.groups[topicID]; ok {
		return g
	}
	best, group := 0, ""
	for prefix, g := range s.prefixes {
		if len(prefix) > best && strings.HasPrefix(topicID, prefix) {
			best, group = len(prefix), g
		}
	}
	return group
}

// Permission looks up the identity in the topic's group.
func (s *Static) Permission(ident types.Identity, topicID string) Level {
	if ident == types.SystemIdentity {
		return LevelAdmin
	}
	group := s.Group(topicID)
	if group == "" {
		return LevelAdmin
	}
	members := s.members[group]
	if lvl, ok := members[string(ident)]; ok {
		return lvl
	}
	return members["*"]
}

func init() {
	Register("static", func() Handler { return &Static{} })
}
