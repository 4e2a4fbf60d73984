package model

import (
	"encoding/json"
	"testing"
)

func TestMetadataKeepsInsertionOrder(t *testing.T) {
	m := NewMetadata(MetaState, "APPARITION", MetaRawAction, "APPARITION", MetaColE, "130")
	m.Set(MetaState, "DISPARITION")
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"state":"DISPARITION","raw_action":"APPARITION","col_e":"130"}`
	if string(data) != want {
		t.Fatalf("json: %s", data)
	}
	var back Metadata
	if err := json.Unmarshal([]byte(`{"b":"1","a":true,"c":"x"}`), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	keys := back.Keys()
	if len(keys) != 3 || keys[0] != "b" || keys[1] != "a" || keys[2] != "c" {
		t.Fatalf("keys: %v", keys)
	}
	if back.Value("a") != "true" {
		t.Fatalf("non-string value: %q", back.Value("a"))
	}
}

func TestEventStateFallsBackToAction(t *testing.T) {
	ev := CanonicalEvent{EventType: "Apparition alarme"}
	if !ev.IsState(StateApparition) {
		t.Fatalf("expected apparition from action text")
	}
	ev = CanonicalEvent{EventType: TypePDFEvent, State: StateDisparition}
	if !ev.IsState(StateDisparition) || ev.IsState(StateApparition) {
		t.Fatalf("state mismatch")
	}
}
