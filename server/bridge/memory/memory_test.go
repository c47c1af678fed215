package memory

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinode/topicsync/server/bridge"
)

func TestMemoryBridge(t *testing.T) {
	network := NewNetwork()

	got := map[string][]string{}
	recorder := func(node string) bridge.Handler {
		return func(msg *bridge.Message) {
			got[node] = append(got[node], msg.Origin+":"+msg.Topic+":"+string(msg.Payload))
		}
	}

	a := network.Join("a", recorder("a"))
	b := network.Join("b", recorder("b"))
	c := network.Join("c", recorder("c"))

	a.Subscribe("t")
	b.Subscribe("t")
	c.Subscribe("other")

	a.Publish("t", []byte(`1`))
	b.Unsubscribe("t")
	a.Publish("t", []byte(`2`))
	c.Close()
	b.Subscribe("other")
	b.Publish("other", []byte(`3`))

	want := map[string][]string{"b": {`a:t:1`}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistered(t *testing.T) {
	br, err := bridge.New("memory", nil, "node", func(*bridge.Message) {})
	if err != nil {
		t.Fatal(err)
	}
	br.Close()

	if _, err := bridge.New("nope", nil, "node", func(*bridge.Message) {}); err == nil {
		t.Error("Unknown bridge must fail")
	}
}
