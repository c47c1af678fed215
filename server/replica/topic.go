package replica

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tinode/topicsync/server/access"
	"github.com/tinode/topicsync/server/concurrency"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/store/types"
)

// entry is a value stored in a topic.
type entry struct {
	value     any
	key       string
	raw       json.RawMessage
	valueType string
	assembly  string
}

// Callback is invoked after an entry is inserted into or removed from the topic.
type Callback func(entryID string, value any)

// Topic is a keyed collection of values replicated across processes. Each value is stored
// at most once: the value to entry ID mapping is a bijection.
type Topic struct {
	id  string
	svc *Service

	// Serializes all access to the fields below.
	lock concurrency.SimpleMutex

	// Entry ID -> entry.
	entries map[string]*entry
	// Canonical value -> entry ID.
	index map[string]string
	// Changes since the last Save.
	log changeLog

	// Queue item ID -> item.
	queue map[string]*types.QueueMessage
	// IDs of queue items changed since the last Save.
	queueDirty map[string]struct{}

	onAdd    []Callback
	onRemove []Callback
}

// pendingCall is a callback invocation deferred until the topic lock is released.
type pendingCall struct {
	cb      Callback
	entryID string
	value   any
}

func newTopic(id string, svc *Service) *Topic {
	return &Topic{
		id:         id,
		svc:        svc,
		lock:       concurrency.NewSimpleMutex(),
		entries:    make(map[string]*entry),
		index:      make(map[string]string),
		queue:      make(map[string]*types.QueueMessage),
		queueDirty: make(map[string]struct{}),
	}
}

// ID returns the topic ID.
func (t *Topic) ID() string {
	return t.id
}

// hydrate loads persisted contents. Must be called with the lock held.
func (t *Topic) hydrate() {
	if t.svc.store == nil {
		return
	}

	stored, err := t.svc.store.Hydrate(t.id)
	if err != nil {
		logs.Warn.Println("topic: failed to hydrate", t.id, err)
	}
	for _, rec := range stored {
		value, err := t.svc.schemas.Decode(rec.ValueType, rec.ValueAssembly, rec.Value)
		if err != nil {
			logs.Warn.Println("topic: stored value kept opaque", t.id, rec.ID, err)
		}
		e, err := newEntry(value, rec.ValueType, rec.ValueAssembly)
		if err != nil {
			logs.Warn.Println("topic: skipping invalid stored value", t.id, rec.ID, err)
			continue
		}
		if _, dup := t.index[e.key]; dup {
			continue
		}
		t.entries[rec.ID] = e
		t.index[e.key] = rec.ID
	}

	queue, err := t.svc.store.HydrateQueue(t.id)
	if err != nil {
		logs.Warn.Println("topic: failed to hydrate queue", t.id, err)
	}
	for i := range queue {
		msg := queue[i]
		t.queue[msg.ID] = &msg
	}
}

func newEntry(value any, valueType, assembly string) (*entry, error) {
	key, raw, err := canonical(value)
	if err != nil {
		return nil, err
	}
	return &entry{value: value, key: key, raw: raw, valueType: valueType, assembly: assembly}, nil
}

func (t *Topic) allowed(ident types.Identity, required access.Level) bool {
	return access.Allowed(t.svc.gate, ident, t.id, required)
}

// entryFor builds an entry from a locally supplied value, tagging it from the schema registry.
func (t *Topic) entryFor(v any) (*entry, error) {
	valueType, assembly := t.svc.schemas.TagOf(v)
	return newEntry(v, valueType, assembly)
}

func (t *Topic) change(cmd types.Command, entryID string, e *entry) types.EntryChange {
	return types.EntryChange{
		Command:       cmd,
		EntryID:       entryID,
		Payload:       e.raw,
		TopicID:       t.id,
		ValueType:     e.valueType,
		ValueAssembly: e.assembly,
	}
}

// emit queues a CRUD message for the bus. Called with the lock held to preserve order.
func (t *Topic) emit(crud types.CRUDType, entryID string, e *entry) {
	t.svc.out.push(outgoing{crud: &types.CRUDMessage{
		TopicID:       t.id,
		ID:            entryID,
		Type:          crud,
		Class:         t.svc.classOf(t.id),
		Value:         e.raw,
		ValueType:     e.valueType,
		ValueAssembly: e.assembly,
	}})
}

// insertLocked adds the entry under the ID and records the change.
func (t *Topic) insertLocked(entryID string, e *entry, calls []pendingCall) []pendingCall {
	t.entries[entryID] = e
	t.index[e.key] = entryID
	t.log.append(t.change(types.CommandAdd, entryID, e))
	for _, cb := range t.onAdd {
		calls = append(calls, pendingCall{cb, entryID, e.value})
	}
	return calls
}

// deleteLocked removes the entry with the ID and records the change.
func (t *Topic) deleteLocked(entryID string, e *entry, calls []pendingCall) []pendingCall {
	delete(t.entries, entryID)
	delete(t.index, e.key)
	t.log.append(t.change(types.CommandRemove, entryID, e))
	for _, cb := range t.onRemove {
		calls = append(calls, pendingCall{cb, entryID, e.value})
	}
	return calls
}

// exchangeLocked replaces the value of an existing entry keeping the ID. The pending Add of the
// old value is dropped from the log, then Remove(old) and Add(new) are recorded.
func (t *Topic) exchangeLocked(entryID string, old, e *entry, calls []pendingCall) []pendingCall {
	t.log.dropAdd(entryID, old.key)
	calls = t.deleteLocked(entryID, old, calls)
	return t.insertLocked(entryID, e, calls)
}

func (t *Topic) runCallbacks(calls []pendingCall) {
	for _, c := range calls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logs.Warn.Println("topic: callback panic", t.id, c.entryID, r)
				}
			}()
			c.cb(c.entryID, c.value)
		}()
	}
}

// Add inserts the value under a newly generated ID and broadcasts a Create. It returns the new
// ID or an empty string if the identity may not write or the value is already present.
func (t *Topic) Add(ident types.Identity, v any) string {
	if !t.allowed(ident, access.LevelWrite) {
		return ""
	}
	e, err := t.entryFor(v)
	if err != nil {
		logs.Warn.Println("topic: add of unserializable value", t.id, err)
		return ""
	}

	t.lock.Lock()
	if _, dup := t.index[e.key]; dup {
		t.lock.Unlock()
		return ""
	}
	entryID := t.svc.newID()
	calls := t.insertLocked(entryID, e, nil)
	t.emit(types.CRUDCreate, entryID, e)
	t.lock.Unlock()

	t.runCallbacks(calls)
	return entryID
}

// Remove deletes the value and broadcasts a Delete.
func (t *Topic) Remove(ident types.Identity, v any) bool {
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}
	key, _, err := canonical(v)
	if err != nil {
		return false
	}

	t.lock.Lock()
	entryID, ok := t.index[key]
	if !ok {
		t.lock.Unlock()
		return false
	}
	e := t.entries[entryID]
	calls := t.deleteLocked(entryID, e, nil)
	t.emit(types.CRUDDelete, entryID, e)
	t.lock.Unlock()

	t.runCallbacks(calls)
	return true
}

// Exchange replaces oldValue with newValue under the same entry ID and broadcasts an Update.
// It fails if oldValue is absent or newValue is already stored.
func (t *Topic) Exchange(ident types.Identity, oldValue, newValue any) bool {
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}
	oldKey, _, err := canonical(oldValue)
	if err != nil {
		return false
	}
	e, err := t.entryFor(newValue)
	if err != nil {
		logs.Warn.Println("topic: exchange to unserializable value", t.id, err)
		return false
	}

	t.lock.Lock()
	entryID, ok := t.index[oldKey]
	if _, taken := t.index[e.key]; !ok || taken {
		t.lock.Unlock()
		return false
	}
	calls := t.exchangeLocked(entryID, t.entries[entryID], e, nil)
	t.emit(types.CRUDUpdate, entryID, e)
	t.lock.Unlock()

	t.runCallbacks(calls)
	return true
}

// AddByID inserts the value under the given ID without broadcasting.
func (t *Topic) AddByID(ident types.Identity, entryID string, v any) bool {
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}
	e, err := t.entryFor(v)
	if err != nil {
		return false
	}
	t.lock.Lock()
	calls, ok := t.addByIDLocked(entryID, e)
	t.lock.Unlock()

	t.runCallbacks(calls)
	return ok
}

func (t *Topic) addByIDLocked(entryID string, e *entry) ([]pendingCall, bool) {
	if _, exists := t.entries[entryID]; exists {
		return nil, false
	}
	if _, dup := t.index[e.key]; dup {
		return nil, false
	}
	return t.insertLocked(entryID, e, nil), true
}

// RemoveByID deletes the entry without broadcasting.
func (t *Topic) RemoveByID(ident types.Identity, entryID string) bool {
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}
	t.lock.Lock()
	calls, ok := t.removeByIDLocked(entryID)
	t.lock.Unlock()

	t.runCallbacks(calls)
	return ok
}

func (t *Topic) removeByIDLocked(entryID string) ([]pendingCall, bool) {
	e, ok := t.entries[entryID]
	if !ok {
		return nil, false
	}
	return t.deleteLocked(entryID, e, nil), true
}

// ExchangeByID replaces the value of the entry without broadcasting.
func (t *Topic) ExchangeByID(ident types.Identity, entryID string, v any) bool {
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}
	e, err := t.entryFor(v)
	if err != nil {
		return false
	}
	t.lock.Lock()
	calls, ok := t.exchangeByIDLocked(entryID, e)
	t.lock.Unlock()

	t.runCallbacks(calls)
	return ok
}

func (t *Topic) exchangeByIDLocked(entryID string, e *entry) ([]pendingCall, bool) {
	old, ok := t.entries[entryID]
	if !ok || old.key == e.key {
		return nil, false
	}
	if _, taken := t.index[e.key]; taken {
		return nil, false
	}
	return t.exchangeLocked(entryID, old, e, nil), true
}

// Process applies a mutation received from another replica. Known IDs are removed on Delete and
// exchanged otherwise. Unknown IDs are inserted unless the message is a Delete. Undecodable
// payloads are stored as types.Opaque. Returns true if the topic changed.
func (t *Topic) Process(ident types.Identity, msg *types.CRUDMessage) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}

	var e *entry
	if msg.Type != types.CRUDDelete {
		value, err := t.svc.schemas.Decode(msg.ValueType, msg.ValueAssembly, msg.Value)
		if err != nil {
			logs.Warn.Println("topic: value kept opaque", t.id, msg.ID, err)
		}
		if e, err = newEntry(value, msg.ValueType, msg.ValueAssembly); err != nil {
			// Not even valid JSON: keep the text as a string.
			e, _ = newEntry(types.Opaque(fmt.Sprintf("%q", string(msg.Value))), msg.ValueType, msg.ValueAssembly)
			logs.Warn.Println("topic: invalid payload stored as text", t.id, msg.ID, err)
		}
	}

	t.lock.Lock()
	var calls []pendingCall
	var applied bool
	if _, known := t.entries[msg.ID]; known {
		if msg.Type == types.CRUDDelete {
			calls, applied = t.removeByIDLocked(msg.ID)
		} else {
			calls, applied = t.exchangeByIDLocked(msg.ID, e)
		}
	} else if msg.Type != types.CRUDDelete {
		calls, applied = t.addByIDLocked(msg.ID, e)
	}
	t.lock.Unlock()

	t.runCallbacks(calls)
	return applied
}

// Undo rewinds the newest change log record and applies its inverse. The inverse is broadcast
// like any other mutation but is not recorded: the record simply disappears from the log.
func (t *Topic) Undo(ident types.Identity) bool {
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}

	t.lock.Lock()
	rec, ok := t.log.rewind()
	if !ok {
		t.lock.Unlock()
		return false
	}

	var cb []Callback
	var value any
	switch rec.Command {
	case types.CommandAdd:
		e := t.entries[rec.EntryID]
		if e == nil {
			break
		}
		delete(t.entries, rec.EntryID)
		delete(t.index, e.key)
		t.emit(types.CRUDDelete, rec.EntryID, e)
		cb, value = t.onRemove, e.value
	case types.CommandRemove:
		if _, exists := t.entries[rec.EntryID]; exists {
			break
		}
		v, err := t.svc.schemas.Decode(rec.ValueType, rec.ValueAssembly, rec.Payload)
		if err != nil {
			logs.Warn.Println("topic: undo restores opaque value", t.id, rec.EntryID, err)
		}
		e, err := newEntry(v, rec.ValueType, rec.ValueAssembly)
		if err != nil {
			break
		}
		if _, dup := t.index[e.key]; dup {
			break
		}
		t.entries[rec.EntryID] = e
		t.index[e.key] = rec.EntryID
		t.emit(types.CRUDCreate, rec.EntryID, e)
		cb, value = t.onAdd, e.value
	}
	t.lock.Unlock()

	calls := make([]pendingCall, 0, len(cb))
	for _, c := range cb {
		calls = append(calls, pendingCall{c, rec.EntryID, value})
	}
	t.runCallbacks(calls)
	return true
}

// Get returns the value stored under the entry ID.
func (t *Topic) Get(ident types.Identity, entryID string) (any, bool) {
	if !t.allowed(ident, access.LevelRead) {
		return nil, false
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	e, ok := t.entries[entryID]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Query returns the values matching the predicate, ordered by entry ID. Returns nil if the
// identity may not read the topic.
func (t *Topic) Query(ident types.Identity, pred func(entryID string, value any) bool) []any {
	if !t.allowed(ident, access.LevelRead) {
		return nil
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	var result []any
	for _, id := range t.sortedIDs() {
		v := t.entries[id].value
		if pred == nil || pred(id, v) {
			result = append(result, v)
		}
	}
	return result
}

// KeyValues returns a copy of the entry ID to value mapping.
func (t *Topic) KeyValues(ident types.Identity) map[string]any {
	result := make(map[string]any)
	if !t.allowed(ident, access.LevelRead) {
		return result
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	for id, e := range t.entries {
		result[id] = e.value
	}
	return result
}

// RawEntries returns serialized entries ordered by ID.
func (t *Topic) RawEntries(ident types.Identity) []types.Entry {
	if !t.allowed(ident, access.LevelRead) {
		return nil
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	result := make([]types.Entry, 0, len(t.entries))
	for _, id := range t.sortedIDs() {
		e := t.entries[id]
		result = append(result, types.Entry{
			ID:            id,
			Value:         e.raw,
			ValueType:     e.valueType,
			ValueAssembly: e.assembly,
		})
	}
	return result
}

// Load inserts serialized entries, e.g. produced by RawEntries of another topic, without
// broadcasting. Entries which conflict with existing ones are skipped. Returns the number
// of inserted entries.
func (t *Topic) Load(ident types.Identity, entries []types.Entry) int {
	if !t.allowed(ident, access.LevelWrite) {
		return 0
	}
	var all []pendingCall
	count := 0

	t.lock.Lock()
	for _, rec := range entries {
		value, err := t.svc.schemas.Decode(rec.ValueType, rec.ValueAssembly, rec.Value)
		if err != nil {
			logs.Warn.Println("topic: loaded value kept opaque", t.id, rec.ID, err)
		}
		e, err := newEntry(value, rec.ValueType, rec.ValueAssembly)
		if err != nil {
			continue
		}
		if calls, ok := t.addByIDLocked(rec.ID, e); ok {
			all = append(all, calls...)
			count++
		}
	}
	t.lock.Unlock()

	t.runCallbacks(all)
	return count
}

func (t *Topic) sortedIDs() []string {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of entries.
func (t *Topic) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.entries)
}

// Changes returns a copy of the change log.
func (t *Topic) Changes() []types.EntryChange {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.log.snapshot()
}

// NetChange returns the last recorded command for the entry since the last Save.
func (t *Topic) NetChange(entryID string) (types.Command, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.log.net(entryID)
}

// OnAdd registers a callback invoked after each insertion.
func (t *Topic) OnAdd(cb Callback) {
	t.lock.Lock()
	t.onAdd = append(t.onAdd, cb)
	t.lock.Unlock()
}

// OnRemove registers a callback invoked after each removal.
func (t *Topic) OnRemove(cb Callback) {
	t.lock.Lock()
	t.onRemove = append(t.onRemove, cb)
	t.lock.Unlock()
}

// Save hands the change log and the changed queue items to the persister and clears them.
// On failure nothing is cleared and the error is returned.
func (t *Topic) Save() error {
	if t.svc.store == nil {
		return nil
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.log.len() > 0 {
		if err := t.svc.store.Persist(t.id, t.log.snapshot()); err != nil {
			return fmt.Errorf("topic %s: persist: %w", t.id, err)
		}
		t.log.clear()
	}

	if len(t.queueDirty) > 0 {
		msgs := make([]types.QueueMessage, 0, len(t.queueDirty))
		for id := range t.queueDirty {
			if msg := t.queue[id]; msg != nil {
				msgs = append(msgs, *msg)
			}
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
		if err := t.svc.store.PersistQueue(t.id, msgs); err != nil {
			return fmt.Errorf("topic %s: persist queue: %w", t.id, err)
		}
		t.queueDirty = make(map[string]struct{})
	}
	return nil
}
