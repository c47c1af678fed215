package store_test

import (
	"encoding/json"
	"testing"

	_ "github.com/tinode/topicsync/server/db/memory"
	"github.com/tinode/topicsync/server/store"
	"github.com/tinode/topicsync/server/store/types"
)

func TestOpenMemoryAdapter(t *testing.T) {
	conf := json.RawMessage(`{"use_adapter": "memory", "worker_id": 3, "uid_key": "la6YsO+bNX/+XIkOqc5Svw=="}`)
	if err := store.Store.Open(conf); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Store.Close()

	if name := store.Store.GetAdapterName(); name != "memory" {
		t.Errorf("Adapter name: expected 'memory', got '%s'", name)
	}
	if err := store.Store.Open(conf); err == nil {
		t.Error("Second Open must fail")
	}

	id1, id2 := store.Store.GetUidString(), store.Store.GetUidString()
	if id1 == "" || id1 == id2 {
		t.Errorf("Expected two distinct ids, got '%s' and '%s'", id1, id2)
	}

	changes := []types.EntryChange{
		{Command: types.CommandAdd, EntryID: id1, TopicID: "grp", Payload: json.RawMessage(`{"x":1}`)},
	}
	if err := store.Entries.Persist("grp", changes); err != nil {
		t.Fatal(err)
	}
	entries, err := store.Entries.Hydrate("grp")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != id1 {
		t.Fatalf("Unexpected hydrated entries %+v", entries)
	}

	if err := store.Entries.Delete("grp"); err != nil {
		t.Fatal(err)
	}
	topics, _ := store.Entries.Topics()
	if len(topics) != 0 {
		t.Errorf("Expected no topics, got %v", topics)
	}
}

func TestEncryptedPayloads(t *testing.T) {
	// Key is bytes 0..31. Entry "old" was stored in the clear.
	conf := json.RawMessage(`{
		"use_adapter": "memory",
		"encryption_key": "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=",
		"adapters": {"memory": {"preload": {"grp": [{"ID": "old", "Value": "legacy"}]}}}
	}`)
	if err := store.Store.Open(conf); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Store.Close()

	changes := []types.EntryChange{
		{Command: types.CommandAdd, EntryID: "new", TopicID: "grp", Payload: json.RawMessage(`{"x":1}`)},
	}
	if err := store.Entries.Persist("grp", changes); err != nil {
		t.Fatal(err)
	}
	entries, err := store.Entries.Hydrate("grp")
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, e := range entries {
		got[e.ID] = string(e.Value)
	}
	if len(got) != 2 || got["new"] != `{"x":1}` || got["old"] != `"legacy"` {
		t.Errorf("Unexpected hydrated entries %v", got)
	}

	msgs := []types.QueueMessage{{ID: "q1", Message: json.RawMessage(`"run"`), CreationTimestamp: types.TimeNow()}}
	if err := store.Entries.PersistQueue("grp", msgs); err != nil {
		t.Fatal(err)
	}
	queue, err := store.Entries.HydrateQueue("grp")
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 || string(queue[0].Message) != `"run"` {
		t.Errorf("Unexpected hydrated queue %+v", queue)
	}
}

func TestInvalidEncryptionKey(t *testing.T) {
	conf := json.RawMessage(`{"use_adapter": "memory", "encryption_key": "c2hvcnQ="}`)
	if err := store.Store.Open(conf); err == nil {
		store.Store.Close()
		t.Fatal("Open with a 5-byte key must fail")
	}
}

func TestRegisterNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Registering a nil adapter must panic")
		}
	}()
	store.RegisterAdapter(nil)
}
