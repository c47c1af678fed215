package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinode/topicsync/server/db/common/testsuite"
	t "github.com/tinode/topicsync/server/store/types"
)

func TestConformance(tt *testing.T) {
	a := New()
	if err := a.Open(nil); err != nil {
		tt.Fatal(err)
	}
	defer a.Close()
	testsuite.Run(tt, a)
}

func TestEntriesApply(tt *testing.T) {
	a := New()
	if err := a.Open(nil); err != nil {
		tt.Fatal(err)
	}
	defer a.Close()

	changes := []t.EntryChange{
		{Command: t.CommandAdd, EntryID: "a", Payload: json.RawMessage(`1`), ValueType: "int"},
		{Command: t.CommandAdd, EntryID: "b", Payload: json.RawMessage(`2`), ValueType: "int"},
		{Command: t.CommandRemove, EntryID: "a", Payload: json.RawMessage(`1`)},
		{Command: t.CommandAdd, EntryID: "c", Payload: json.RawMessage(`"x"`)},
	}
	if err := a.EntriesApply("grp1", changes); err != nil {
		tt.Fatal(err)
	}

	got, err := a.EntriesGetAll("grp1")
	if err != nil {
		tt.Fatal(err)
	}
	want := []t.Entry{
		{ID: "b", Value: json.RawMessage(`2`), ValueType: "int"},
		{ID: "c", Value: json.RawMessage(`"x"`)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		tt.Errorf("EntriesGetAll mismatch (-want +got):\n%s", diff)
	}

	topics, _ := a.TopicsList()
	if diff := cmp.Diff([]string{"grp1"}, topics); diff != "" {
		tt.Errorf("TopicsList mismatch (-want +got):\n%s", diff)
	}

	if err := a.EntriesDeleteAll("grp1"); err != nil {
		tt.Fatal(err)
	}
	got, _ = a.EntriesGetAll("grp1")
	if len(got) != 0 {
		tt.Errorf("Expected no entries after delete, got %d", len(got))
	}
}

func TestQueueOrder(tt *testing.T) {
	a := New()
	if err := a.Open(nil); err != nil {
		tt.Fatal(err)
	}
	defer a.Close()

	now := time.Now().UTC()
	msgs := []t.QueueMessage{
		{ID: "2", TopicID: "q", CreationTimestamp: now.Add(time.Second)},
		{ID: "1", TopicID: "q", CreationTimestamp: now},
	}
	if err := a.QueueUpsert(msgs); err != nil {
		tt.Fatal(err)
	}
	msgs[1].Executed = true
	if err := a.QueueUpsert(msgs[1:]); err != nil {
		tt.Fatal(err)
	}

	got, _ := a.QueueGetAll("q")
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		tt.Fatalf("Unexpected queue order %+v", got)
	}
	if !got[0].Executed {
		tt.Error("Upsert must replace the existing item")
	}
}

func TestClosedAdapter(tt *testing.T) {
	a := New()
	if _, err := a.EntriesGetAll("x"); err != t.ErrNotOpen {
		tt.Errorf("Expected ErrNotOpen, got %v", err)
	}
}
