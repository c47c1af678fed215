// Package common contains utility methods used by all adapters.
package common

import (
	"sort"

	t "github.com/tinode/topicsync/server/store/types"
)

// Collapse reduces a change log to the last change of each entry. Applying the result has the
// same effect as applying the whole log. Relative order of the surviving changes is preserved.
func Collapse(changes []t.EntryChange) []t.EntryChange {
	last := make(map[string]int, len(changes))
	for i, ch := range changes {
		last[ch.EntryID] = i
	}
	if len(last) == len(changes) {
		return changes
	}
	out := make([]t.EntryChange, 0, len(last))
	for i, ch := range changes {
		if last[ch.EntryID] == i {
			out = append(out, ch)
		}
	}
	return out
}

// Split separates collapsed changes into entries to upsert and IDs to delete.
func Split(changes []t.EntryChange) (upserts []t.EntryChange, deletes []string, err error) {
	for _, ch := range Collapse(changes) {
		switch ch.Command {
		case t.CommandAdd:
			upserts = append(upserts, ch)
		case t.CommandRemove:
			deletes = append(deletes, ch.EntryID)
		default:
			return nil, nil, t.ErrMalformed
		}
	}
	return upserts, deletes, nil
}

// SortQueue orders queue items by creation time, then by ID.
func SortQueue(msgs []t.QueueMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreationTimestamp.Equal(msgs[j].CreationTimestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreationTimestamp.Before(msgs[j].CreationTimestamp)
	})
}
