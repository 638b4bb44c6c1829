package bridge

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Event is one parsed Responses-API SSE event. Most fields are read lazily
// via gjson against the raw payload rather than unmarshaled into a full
// struct — upstream's event shapes vary by type and most fields (tool call
// arguments, parameters) are opaque pass-through data anyway.
type Event struct {
	Type string
	Raw  []byte
}

// ParseEvent parses one SSE frame's data payload into an Event. frame.Event
// (the `event:` line) is informational; the payload's own `type` field is
// authoritative, matching how upstream actually emits these.
func ParseEvent(data string) (Event, bool) {
	raw := []byte(data)
	if !gjson.ValidBytes(raw) {
		return Event{}, false
	}
	typ := gjson.GetBytes(raw, "type").String()
	if typ == "" {
		return Event{}, false
	}
	return Event{Type: typ, Raw: raw}, true
}

// IsReasoning reports whether this event describes hidden reasoning and
// must never reach the client.
func (e Event) IsReasoning() bool {
	return strings.HasPrefix(e.Type, "response.reasoning.")
}

func (e Event) IsOutputTextDelta() bool { return e.Type == "response.output_text.delta" }
func (e Event) IsOutputTextDone() bool  { return e.Type == "response.output_text.done" }
func (e Event) IsOutputItemAdded() bool { return e.Type == "response.output_item.added" }
func (e Event) IsOutputItemDone() bool  { return e.Type == "response.output_item.done" }
func (e Event) IsContentPartAdded() bool { return e.Type == "response.content_part.added" }
func (e Event) IsContentPartDone() bool  { return e.Type == "response.content_part.done" }
func (e Event) IsCompleted() bool       { return e.Type == "response.completed" }
func (e Event) IsRefusal() bool          { return strings.HasPrefix(e.Type, "response.refusal.") }

// Delta returns the event's "delta" string field, if present.
func (e Event) Delta() string {
	return gjson.GetBytes(e.Raw, "delta").String()
}

// ContentPartType returns the "part.type" field of a content_part event.
func (e Event) ContentPartType() string {
	return gjson.GetBytes(e.Raw, "part.type").String()
}

// ResponseObject returns the raw JSON of the "response" field carried by a
// response.completed event.
func (e Event) ResponseObject() []byte {
	r := gjson.GetBytes(e.Raw, "response")
	if !r.Exists() {
		return nil
	}
	return []byte(r.Raw)
}
