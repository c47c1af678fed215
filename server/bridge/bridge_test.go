package bridge

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode("n1", "prices", []byte(`{"Type":14}`))
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Origin != "n1" || msg.Topic != "prices" || string(msg.Payload) != `{"Type":14}` {
		t.Errorf("Unexpected message %+v", msg)
	}

	if _, err := Decode([]byte(`{"origin":"n1"}`)); err == nil {
		t.Error("Message without topic must be rejected")
	}
	if _, err := Decode(json.RawMessage(`garbage`)); err == nil {
		t.Error("Garbage must be rejected")
	}
}
