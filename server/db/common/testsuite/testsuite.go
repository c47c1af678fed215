// Package testsuite is a conformance test shared by all database adapters.
package testsuite

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinode/topicsync/server/store/adapter"
	t "github.com/tinode/topicsync/server/store/types"
)

// Run exercises an open adapter with an empty database. The topic IDs used are prefixed with
// "suite." so that the suite can share a database with other data.
func Run(tt *testing.T, adp adapter.Adapter) {
	tt.Run("EntriesApply", func(tt *testing.T) { entriesApply(tt, adp) })
	tt.Run("Queue", func(tt *testing.T) { queue(tt, adp) })
	tt.Run("DeleteAll", func(tt *testing.T) { deleteAll(tt, adp) })
}

func change(cmd t.Command, id, payload string) t.EntryChange {
	return t.EntryChange{
		Command:   cmd,
		EntryID:   id,
		Payload:   json.RawMessage(payload),
		TopicID:   "suite.entries",
		ValueType: "object",
	}
}

func entriesApply(tt *testing.T, adp adapter.Adapter) {
	const topic = "suite.entries"
	err := adp.EntriesApply(topic, []t.EntryChange{
		change(t.CommandAdd, "a", `{"n":1}`),
		change(t.CommandAdd, "b", `{"n":2}`),
		change(t.CommandAdd, "c", `{"n":3}`),
		change(t.CommandRemove, "b", `{"n":2}`),
		change(t.CommandRemove, "c", `{"n":3}`),
		change(t.CommandAdd, "c", `{"n":4}`),
	})
	if err != nil {
		tt.Fatal(err)
	}

	got, err := adp.EntriesGetAll(topic)
	if err != nil {
		tt.Fatal(err)
	}
	want := []t.Entry{
		{ID: "a", Value: json.RawMessage(`{"n":1}`), ValueType: "object"},
		{ID: "c", Value: json.RawMessage(`{"n":4}`), ValueType: "object"},
	}
	if diff := cmp.Diff(want, got, cmp.Transformer("compact", compactJSON)); diff != "" {
		tt.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}

	topics, err := adp.TopicsList()
	if err != nil {
		tt.Fatal(err)
	}
	found := false
	for _, name := range topics {
		found = found || name == topic
	}
	if !found {
		tt.Errorf("Topic '%s' missing from %v", topic, topics)
	}

	// Removing a missing entry is not an error.
	if err = adp.EntriesApply(topic, []t.EntryChange{change(t.CommandRemove, "zzz", `0`)}); err != nil {
		tt.Error(err)
	}
}

func queue(tt *testing.T, adp adapter.Adapter) {
	const topic = "suite.queue"
	now := time.Now().UTC().Round(time.Millisecond)
	msgs := []t.QueueMessage{
		{ID: "q2", TopicID: topic, Message: json.RawMessage(`{"job":2}`), CreationTimestamp: now},
		{ID: "q1", TopicID: topic, Message: json.RawMessage(`{"job":1}`), Comment: "first", CreationTimestamp: now.Add(-time.Second)},
	}
	if err := adp.QueueUpsert(msgs); err != nil {
		tt.Fatal(err)
	}

	done := now.Add(time.Second)
	msgs[1].Executed = true
	msgs[1].ExecutionTimestamp = &done
	if err := adp.QueueUpsert(msgs[1:]); err != nil {
		tt.Fatal(err)
	}

	got, err := adp.QueueGetAll(topic)
	if err != nil {
		tt.Fatal(err)
	}
	want := []t.QueueMessage{msgs[1], msgs[0]}
	if diff := cmp.Diff(want, got, cmp.Transformer("compact", compactJSON),
		cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		tt.Errorf("Queue mismatch (-want +got):\n%s", diff)
	}
}

func deleteAll(tt *testing.T, adp adapter.Adapter) {
	const topic = "suite.delete"
	if err := adp.EntriesApply(topic, []t.EntryChange{change(t.CommandAdd, "x", `"x"`)}); err != nil {
		tt.Fatal(err)
	}
	if err := adp.QueueUpsert([]t.QueueMessage{{ID: "q", TopicID: topic, CreationTimestamp: time.Now()}}); err != nil {
		tt.Fatal(err)
	}
	if err := adp.EntriesDeleteAll(topic); err != nil {
		tt.Fatal(err)
	}
	if got, _ := adp.EntriesGetAll(topic); len(got) != 0 {
		tt.Errorf("Expected no entries, got %v", got)
	}
	if got, _ := adp.QueueGetAll(topic); len(got) != 0 {
		tt.Errorf("Expected no queue items, got %v", got)
	}
}

// compactJSON normalizes whitespace so that databases which reformat JSON compare equal.
func compactJSON(in json.RawMessage) string {
	var v any
	if err := json.Unmarshal(in, &v); err != nil {
		return string(in)
	}
	out, _ := json.Marshal(v)
	return string(out)
}
