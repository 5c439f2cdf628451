// Package protocol defines the wire contract between the control plane and the
// agent daemon: inbound events, outbound commands, and the envelope codec.
package protocol

import "time"

// Kind discriminates inbound events. On the wire it is carried in the "type" field.
type Kind string

const (
	KindThought         Kind = "THOUGHT"
	KindAction          Kind = "ACTION"
	KindSuccess         Kind = "SUCCESS"
	KindTerminalOutput  Kind = "TERMINAL_OUTPUT"
	KindModeChanged     Kind = "MODE_CHANGED"
	KindCommandExecuted Kind = "COMMAND_EXECUTED"
	KindHeartbeat       Kind = "HEARTBEAT"
	KindIntervention    Kind = "INTERVENTION"
	KindStatus          Kind = "STATUS"
	KindError           Kind = "ERROR"
)

// Well-known STATUS / ERROR messages.
const (
	StatusConnectionActive = "CONNECTION_ACTIVE"
	ErrorTerminalLink      = "TERMINAL_LINK_FAILURE"
)

var knownKinds = map[Kind]struct{}{
	KindThought:         {},
	KindAction:          {},
	KindSuccess:         {},
	KindTerminalOutput:  {},
	KindModeChanged:     {},
	KindCommandExecuted: {},
	KindHeartbeat:       {},
	KindIntervention:    {},
	KindStatus:          {},
	KindError:           {},
}

// Valid reports whether k is one of the kinds the daemon is known to emit.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// HeartbeatStatus is the optional stats block of a HEARTBEAT. Absent fields are nil.
type HeartbeatStatus struct {
	TasksCompleted *int    `json:"tasks_completed,omitempty"`
	UptimeHuman    *string `json:"uptime_human,omitempty"`
	UptimeSeconds  *int64  `json:"uptime_seconds,omitempty"`
	ActiveSessions *int    `json:"active_sessions,omitempty"`
	Version        *string `json:"version,omitempty"`
	Status         *string `json:"status,omitempty"`
}

// Event is one decoded daemon->UI message. Events are values; nothing mutates an
// Event (or what its pointer fields reference) after Decode returns it.
type Event struct {
	Kind      Kind
	Topic     string
	Message   string
	Timestamp string

	// TERMINAL_OUTPUT
	Line   string
	Source string

	// MODE_CHANGED
	Mode    string
	Persona string

	// COMMAND_EXECUTED
	Command string

	// HEARTBEAT
	Status HeartbeatStatus

	// INTERVENTION
	ID   string
	Tool string
	Path string
	Diff string

	ReceivedAt time.Time
}

// InterventionRequest is the actionable part of an INTERVENTION event.
type InterventionRequest struct {
	ID        string
	Tool      string
	Path      string
	Diff      string
	Message   string
	Timestamp string
}

// Intervention extracts the approval request carried by an INTERVENTION event.
func (e Event) Intervention() (InterventionRequest, bool) {
	if e.Kind != KindIntervention || e.ID == "" {
		return InterventionRequest{}, false
	}
	return InterventionRequest{
		ID:        e.ID,
		Tool:      e.Tool,
		Path:      e.Path,
		Diff:      e.Diff,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}, true
}

// IsReadySignal reports whether the event is the peer's readiness announcement.
func (e Event) IsReadySignal() bool {
	return e.Kind == KindStatus && e.Message == StatusConnectionActive
}

// NewLocalEvent builds an event synthesized on this side of the link (e.g. the
// terminal link failure notice). Timestamp uses the daemon's HH:MM:SS display form.
func NewLocalEvent(kind Kind, message string, now time.Time) Event {
	return Event{
		Kind:       kind,
		Message:    message,
		Timestamp:  now.Format(time.TimeOnly),
		ReceivedAt: now,
	}
}
