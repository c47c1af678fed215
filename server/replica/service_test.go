package replica

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"

	"github.com/tinode/topicsync/server/store/mock_store"
	"github.com/tinode/topicsync/server/store/types"
)

func TestServiceRemove(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mock_store.NewMockEntriesPersistenceInterface(ctrl)
	defer ctrl.Finish()

	m.EXPECT().Hydrate("t").Return(nil, nil).Times(2)
	m.EXPECT().HydrateQueue("t").Return(nil, nil).Times(2)
	m.EXPECT().Delete("t").Return(nil)

	svc := newTestService(nil, nil, m)
	defer svc.Close()

	first := svc.Topic("t")
	first.Add(alice, "x")
	if err := svc.Remove("t"); err != nil {
		t.Fatal(err)
	}
	if svc.Lookup("t") != nil {
		t.Error("Removed topic must be evicted")
	}
	if second := svc.Topic("t"); second == first || second.Len() != 0 {
		t.Error("Topic must be recreated empty after removal")
	}
}

func TestServiceSaveAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mock_store.NewMockEntriesPersistenceInterface(ctrl)
	defer ctrl.Finish()

	m.EXPECT().Hydrate(gomock.Any()).Return(nil, nil).AnyTimes()
	m.EXPECT().HydrateQueue(gomock.Any()).Return(nil, nil).AnyTimes()
	m.EXPECT().Persist("a", gomock.Any()).Return(nil)
	m.EXPECT().Persist("b", gomock.Any()).Return(errors.New("boom"))

	svc := newTestService(nil, nil, m)
	defer svc.Close()
	svc.Publish(alice, "a", "one")
	svc.Publish(alice, "b", "two")

	if err := svc.SaveAll(); err == nil {
		t.Error("Expected error from topic 'b'")
	}
	if len(svc.Lookup("a").Changes()) != 0 || len(svc.Lookup("b").Changes()) != 1 {
		t.Error("Only the successfully saved topic must have its log cleared")
	}
	if diff := cmp.Diff([]string{"a", "b"}, svc.TopicIDs()); diff != "" {
		t.Errorf("Topic IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceSubscribesOnLoad(t *testing.T) {
	bus := &recordingBus{}
	svc := NewService(Config{})
	svc.SetBus(bus)
	defer svc.Close()

	svc.Topic("x")
	svc.Topic("x")
	svc.Subscribe("y")

	bus.lock.Lock()
	defer bus.lock.Unlock()
	if diff := cmp.Diff([]string{"x", "y"}, bus.subs); diff != "" {
		t.Errorf("Subscriptions mismatch (-want +got):\n%s", diff)
	}
}

func TestOutboxPreservesOrder(t *testing.T) {
	bus := &recordingBus{}
	svc := newTestService(bus, nil, nil)

	var wg sync.WaitGroup
	for _, id := range []string{"t1", "t2", "t3"} {
		topic := svc.Topic(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				topic.Add(alice, i)
			}
		}()
	}
	wg.Wait()
	svc.Close()

	if svc.Outstanding() != 0 {
		t.Errorf("Outbox must be drained, %d left", svc.Outstanding())
	}

	next := map[string]int{}
	for _, msg := range bus.sent() {
		var n int
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			t.Fatal(err)
		}
		if n != next[msg.TopicID] {
			t.Fatalf("Topic %s: expected value %d, got %d", msg.TopicID, next[msg.TopicID], n)
		}
		next[msg.TopicID]++
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if next[id] != 100 {
			t.Errorf("Topic %s: expected 100 messages, got %d", id, next[id])
		}
	}

	// Mutations after close are not replicated but still applied.
	topic := svc.Topic("late")
	if topic.Add(alice, "x") == "" {
		t.Error("Add after close must still apply locally")
	}
}

func TestSchemas(t *testing.T) {
	s := NewSchemas()
	Register[price](s, "price", "market")

	if vt, asm := s.TagOf(price{}); vt != "price" || asm != "market" {
		t.Errorf("Unexpected tag %s/%s", vt, asm)
	}
	if vt, _ := s.TagOf(struct{}{}); vt != "" {
		t.Errorf("Unregistered type must have no tag, got %s", vt)
	}

	v, err := s.Decode("price", "market", json.RawMessage(`{"symbol":"A","bid":2}`))
	if err != nil || v != (price{"A", 2}) {
		t.Errorf("Unexpected decode result %#v, %v", v, err)
	}
	v, err = s.Decode("unknown", "", json.RawMessage(`[1,2]`))
	if err != nil || v != types.Opaque(`[1,2]`) {
		t.Errorf("Unknown tag must decode to Opaque, got %#v, %v", v, err)
	}
	v, err = s.Decode("price", "market", json.RawMessage(`42`))
	if err == nil || v != types.Opaque(`42`) {
		t.Errorf("Decode failure must yield Opaque and an error, got %#v, %v", v, err)
	}
}

func TestCanonical(t *testing.T) {
	cases := []struct {
		a, b  any
		equal bool
	}{
		{json.RawMessage(`{"b":1,"a":[1,2]}`), map[string]any{"a": []int{1, 2}, "b": 1}, true},
		{types.Opaque(`"x"`), "x", true},
		{price{"A", 1}, json.RawMessage(`{"bid":1,"symbol":"A"}`), true},
		{1, "1", false},
		{json.Number("10000000000000001"), json.RawMessage(`10000000000000000`), false},
	}
	for i, tc := range cases {
		ka, _, err := canonical(tc.a)
		if err != nil {
			t.Fatal(i, err)
		}
		kb, _, err := canonical(tc.b)
		if err != nil {
			t.Fatal(i, err)
		}
		if (ka == kb) != tc.equal {
			t.Errorf("case %d: keys %s and %s, expected equal=%v", i, ka, kb, tc.equal)
		}
	}
}
