package types

import (
	"encoding/json"
	"testing"
)

func TestCRUDTypeJSON(t *testing.T) {
	cases := []struct {
		in   string
		want CRUDType
	}{
		{`0`, CRUDCreate},
		{`1`, CRUDUpdate},
		{`2`, CRUDDelete},
		{`"Create"`, CRUDCreate},
		{`"Update"`, CRUDUpdate},
		{`"Delete"`, CRUDDelete},
	}
	for _, tc := range cases {
		var got CRUDType
		if err := json.Unmarshal([]byte(tc.in), &got); err != nil {
			t.Errorf("%s: unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.in, tc.want, got)
		}
	}

	var bad CRUDType
	if err := json.Unmarshal([]byte(`"Upsert"`), &bad); err == nil {
		t.Error("Unknown CRUD type name must fail to parse")
	}

	out, _ := json.Marshal(&CRUDMessage{TopicID: "t", ID: "k", Type: CRUDDelete})
	if string(out) != `{"TopicID":"t","ID":"k","Type":2}` {
		t.Errorf("Unexpected wire form %s", out)
	}
}

func TestOpaqueMarshal(t *testing.T) {
	out, _ := json.Marshal(Opaque(`{"a":1}`))
	if string(out) != `{"a":1}` {
		t.Errorf("Valid JSON must be written as is, got %s", out)
	}
	out, _ = json.Marshal(Opaque(`not json`))
	if string(out) != `"not json"` {
		t.Errorf("Invalid JSON must be quoted, got %s", out)
	}
}
