package bridge

import "testing"

func TestParseEvent_Basic(t *testing.T) {
	e, ok := ParseEvent(`{"type":"response.output_text.delta","delta":"hi"}`)
	if !ok {
		t.Fatal("expected valid event")
	}
	if !e.IsOutputTextDelta() {
		t.Fatalf("type = %q, want output_text.delta predicate true", e.Type)
	}
	if e.Delta() != "hi" {
		t.Fatalf("Delta() = %q", e.Delta())
	}
}

func TestParseEvent_InvalidJSON(t *testing.T) {
	if _, ok := ParseEvent("not json"); ok {
		t.Fatal("expected invalid JSON to be rejected")
	}
}

func TestParseEvent_MissingType(t *testing.T) {
	if _, ok := ParseEvent(`{"delta":"hi"}`); ok {
		t.Fatal("expected missing type field to be rejected")
	}
}

func TestEvent_IsReasoningPrefix(t *testing.T) {
	e, _ := ParseEvent(`{"type":"response.reasoning.delta","delta":"secret"}`)
	if !e.IsReasoning() {
		t.Fatal("expected reasoning.delta to match IsReasoning")
	}
}

func TestEvent_ResponseObjectExtraction(t *testing.T) {
	e, ok := ParseEvent(`{"type":"response.completed","response":{"id":"r1","output":[]}}`)
	if !ok {
		t.Fatal("expected valid event")
	}
	raw := e.ResponseObject()
	if raw == nil {
		t.Fatal("expected non-nil response object")
	}
	if string(raw) != `{"id":"r1","output":[]}` {
		t.Fatalf("ResponseObject() = %s", raw)
	}
}
