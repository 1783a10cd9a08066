package protocol

import (
	"encoding/json"
	"testing"
)

func TestObjectKeepsZeroValuedFields(t *testing.T) {
	b, err := json.Marshal(New(TypeSetNickNameResult).
		Set("Success", false).
		Set("Time", 0.0))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"Success":false,"Time":0,"Type":"SetNickNameResult"}`
	if string(b) != want {
		t.Fatalf("encoded %s, want %s", b, want)
	}
}

func TestObjectOmitsUnsetFields(t *testing.T) {
	b, err := json.Marshal(New(TypeJoin).Set("NickName", "Bob"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"NickName":"Bob","Type":"Join"}`
	if string(b) != want {
		t.Fatalf("encoded %s, want %s", b, want)
	}
}

func TestObjectEncodesEmptySliceAsArray(t *testing.T) {
	b, err := json.Marshal(New(TypeUsers).Set("Users", []UserEntry{}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"Type":"Users","Users":[]}`
	if string(b) != want {
		t.Fatalf("encoded %s, want %s", b, want)
	}
}

func TestInboundIgnoresUnknownFields(t *testing.T) {
	var in Inbound
	err := json.Unmarshal([]byte(`{"Type":"Tell","Tell":"42","Color":"red"}`), &in)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if in.Type != TypeTell || in.Tell != "42" || in.NickName != "" {
		t.Fatalf("decoded %+v", in)
	}
}
