package common

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	t "github.com/tinode/topicsync/server/store/types"
)

func TestSplit(tt *testing.T) {
	changes := []t.EntryChange{
		{Command: t.CommandAdd, EntryID: "a", Payload: []byte(`1`)},
		{Command: t.CommandAdd, EntryID: "b", Payload: []byte(`2`)},
		{Command: t.CommandRemove, EntryID: "a", Payload: []byte(`1`)},
		{Command: t.CommandRemove, EntryID: "b", Payload: []byte(`2`)},
		{Command: t.CommandAdd, EntryID: "b", Payload: []byte(`3`)},
		{Command: t.CommandRemove, EntryID: "c", Payload: []byte(`4`)},
	}

	upserts, deletes, err := Split(changes)
	if err != nil {
		tt.Fatal(err)
	}
	wantUp := []t.EntryChange{{Command: t.CommandAdd, EntryID: "b", Payload: []byte(`3`)}}
	if diff := cmp.Diff(wantUp, upserts); diff != "" {
		tt.Errorf("Upserts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "c"}, deletes); diff != "" {
		tt.Errorf("Deletes mismatch (-want +got):\n%s", diff)
	}

	if _, _, err := Split([]t.EntryChange{{Command: 7, EntryID: "x"}}); err != t.ErrMalformed {
		tt.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestSortQueue(tt *testing.T) {
	now := time.Now()
	msgs := []t.QueueMessage{
		{ID: "c", CreationTimestamp: now},
		{ID: "b", CreationTimestamp: now.Add(-time.Second)},
		{ID: "a", CreationTimestamp: now},
	}
	SortQueue(msgs)
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, ids); diff != "" {
		tt.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
}
