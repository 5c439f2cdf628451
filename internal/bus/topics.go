package bus

import "time"

// Link topics.
const (
	TopicLinkState = "link.state"
)

// Bridge topics. TopicEvent fires once per fully-applied inbound event.
const (
	TopicEvent        = "bridge.event"
	TopicTerminalLine = "bridge.terminal"
	TopicStats        = "bridge.stats"
	TopicMode         = "bridge.mode"
)

// Intervention topics.
const (
	TopicInterventionRequested = "intervention.requested"
	TopicInterventionResolved  = "intervention.resolved"
)

// Operator and process topics.
const (
	TopicKillSwitch     = "control.kill_switch"
	TopicConfigReloaded = "config.reloaded"
)

// LinkStateEvent is published on every link state transition.
type LinkStateEvent struct {
	State   string        // OFFLINE, CONNECTING, SYNCHRONIZED or FAILED
	Attempt int           // Reconnect attempt being waited on
	Delay   time.Duration // Backoff before that attempt
	Error   string        // Close reason, if any
}

// InterventionEvent is published when a request is activated, queued or resolved.
type InterventionEvent struct {
	ID       string // Request id
	Tool     string // Gated operation
	Path     string // Target resource
	Queued   bool   // True when another request was already active
	Approved bool   // Decision, only meaningful on TopicInterventionResolved
}

// KillSwitchEvent is published when the operator toggles the kill switch.
type KillSwitchEvent struct {
	Halted bool
}
