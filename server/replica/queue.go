package replica

import (
	"encoding/json"
	"sort"

	"github.com/tinode/topicsync/server/access"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/store/types"
)

// Enqueue appends a work item to the topic's queue and broadcasts it.
func (t *Topic) Enqueue(ident types.Identity, message any, comment string) *types.QueueMessage {
	if !t.allowed(ident, access.LevelWrite) {
		return nil
	}
	raw, err := json.Marshal(message)
	if err != nil {
		logs.Warn.Println("topic: enqueue of unserializable message", t.id, err)
		return nil
	}

	msg := &types.QueueMessage{
		ID:                t.svc.newID(),
		TopicID:           t.id,
		Message:           raw,
		Comment:           comment,
		CreationTimestamp: types.TimeNow(),
	}

	t.lock.Lock()
	t.queue[msg.ID] = msg
	t.queueDirty[msg.ID] = struct{}{}
	out := *msg
	t.svc.out.push(outgoing{queue: &out})
	t.lock.Unlock()

	return msg
}

// UpdateQueue applies a queue item received from another replica without broadcasting.
// Execution is sticky: an executed item never reverts to pending.
func (t *Topic) UpdateQueue(ident types.Identity, msg *types.QueueMessage) bool {
	if msg == nil || msg.ID == "" || (msg.TopicID != "" && msg.TopicID != t.id) {
		return false
	}
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	upd := *msg
	upd.TopicID = t.id
	if cur := t.queue[msg.ID]; cur != nil {
		if cur.Executed && !upd.Executed {
			return false
		}
		if cur.Executed == upd.Executed && cur.Comment == upd.Comment && string(cur.Message) == string(upd.Message) {
			return false
		}
	}
	t.queue[upd.ID] = &upd
	t.queueDirty[upd.ID] = struct{}{}
	return true
}

// MarkExecuted flags the item as done and broadcasts the change.
func (t *Topic) MarkExecuted(ident types.Identity, queueID string) bool {
	if !t.allowed(ident, access.LevelWrite) {
		return false
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	msg := t.queue[queueID]
	if msg == nil || msg.Executed {
		return false
	}
	now := types.TimeNow()
	msg.Executed = true
	msg.ExecutionTimestamp = &now
	t.queueDirty[queueID] = struct{}{}
	out := *msg
	t.svc.out.push(outgoing{queue: &out})
	return true
}

// Pending returns the items not yet executed ordered by creation time.
func (t *Topic) Pending(ident types.Identity) []types.QueueMessage {
	if !t.allowed(ident, access.LevelRead) {
		return nil
	}

	t.lock.Lock()
	var result []types.QueueMessage
	for _, msg := range t.queue {
		if !msg.Executed {
			result = append(result, *msg)
		}
	}
	t.lock.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreationTimestamp.Equal(result[j].CreationTimestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreationTimestamp.Before(result[j].CreationTimestamp)
	})
	return result
}
