package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxFrameExcerpt = 256

// DecodeError reports an inbound frame that could not be turned into an Event.
// The frame is dropped; the link stays up.
type DecodeError struct {
	Reason string
	Frame  []byte
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Excerpt returns a bounded prefix of the offending frame for logging.
func (e *DecodeError) Excerpt() string {
	if len(e.Frame) <= maxFrameExcerpt {
		return string(e.Frame)
	}
	return string(e.Frame[:maxFrameExcerpt]) + "..."
}

// Codec converts between wire frames and typed events/commands.
type Codec struct {
	schema *jsonschema.Schema
	now    func() time.Time
}

// NewCodec compiles the event schema.
func NewCodec() (*Codec, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	schema, err := c.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Codec{schema: schema, now: time.Now}, nil
}

// SetClock overrides the receive-time source. Intended for tests.
func (c *Codec) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

type wireEvent struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp"`
	Line      string          `json:"line"`
	Source    string          `json:"source"`
	Mode      string          `json:"mode"`
	Persona   string          `json:"persona"`
	Command   string          `json:"command"`
	Status    json.RawMessage `json:"status"`
	ID        json.RawMessage `json:"id"`
	Tool      string          `json:"tool"`
	Path      string          `json:"path"`
	Diff      string          `json:"diff"`
}

// Decode parses one inbound frame. Both the flat `<Event>` form and the
// `{topic, data: <Event>}` envelope are accepted: a non-null top-level field wins,
// otherwise the field is taken from `data`. When neither level names a type, a
// topic that is itself a known kind (e.g. "HEARTBEAT") supplies it.
func (c *Codec) Decode(frame []byte) (Event, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(frame, &top); err != nil {
		return Event{}, &DecodeError{Reason: "invalid json", Frame: frame, Err: err}
	}
	if top == nil {
		return Event{}, &DecodeError{Reason: "frame is not an object", Frame: frame}
	}

	var topic string
	if raw, ok := top["topic"]; ok {
		_ = json.Unmarshal(raw, &topic)
	}

	var nested map[string]json.RawMessage
	if raw, ok := top["data"]; ok && isObject(raw) {
		if err := json.Unmarshal(raw, &nested); err != nil {
			return Event{}, &DecodeError{Reason: "invalid data payload", Frame: frame, Err: err}
		}
	}

	merged := make(map[string]json.RawMessage, len(top)+len(nested))
	for k, v := range nested {
		merged[k] = v
	}
	for k, v := range top {
		if k == "topic" || (k == "data" && nested != nil) || isNull(v) {
			continue
		}
		merged[k] = v
	}

	var kind Kind
	if raw, ok := merged["type"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Event{}, &DecodeError{Reason: "type is not a string", Frame: frame, Err: err}
		}
		kind = Kind(s)
	}
	if kind == "" && Kind(topic).Valid() {
		kind = Kind(topic)
	}
	if kind == "" {
		return Event{}, &DecodeError{Reason: "missing event type", Frame: frame}
	}
	if !kind.Valid() {
		return Event{}, &DecodeError{Reason: fmt.Sprintf("unknown event type %q", kind), Frame: frame}
	}
	merged["type"], _ = json.Marshal(string(kind))

	canonical, err := json.Marshal(merged)
	if err != nil {
		return Event{}, &DecodeError{Reason: "re-encode event", Frame: frame, Err: err}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(canonical))
	if err != nil {
		return Event{}, &DecodeError{Reason: "invalid json", Frame: frame, Err: err}
	}
	if err := c.schema.Validate(doc); err != nil {
		return Event{}, &DecodeError{Reason: fmt.Sprintf("%s failed validation", kind), Frame: frame, Err: err}
	}

	var w wireEvent
	if err := json.Unmarshal(canonical, &w); err != nil {
		return Event{}, &DecodeError{Reason: "invalid event fields", Frame: frame, Err: err}
	}

	ev := Event{
		Kind:       kind,
		Topic:      topic,
		Message:    w.Message,
		Timestamp:  w.Timestamp,
		Line:       w.Line,
		Source:     w.Source,
		Mode:       w.Mode,
		Persona:    w.Persona,
		Command:    w.Command,
		ID:         normalizeID(w.ID),
		Tool:       w.Tool,
		Path:       w.Path,
		Diff:       w.Diff,
		ReceivedAt: c.now(),
	}
	if kind == KindHeartbeat && len(w.Status) > 0 && !isNull(w.Status) {
		if err := json.Unmarshal(w.Status, &ev.Status); err != nil {
			return Event{}, &DecodeError{Reason: "invalid heartbeat status", Frame: frame, Err: err}
		}
	}
	return ev, nil
}

// Encode serializes an outbound command.
func (c *Codec) Encode(cmd Command) ([]byte, error) {
	return Encode(cmd)
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// normalizeID accepts string or integer ids; the mock daemons emit both.
func normalizeID(raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
