package daemonsim

import (
	"time"

	"github.com/basket/orbital/internal/protocol"
)

// Step is one scripted trajectory event. INTERVENTION steps get a fresh id each
// time they are played and hold the script until the operator decides.
type Step struct {
	Kind    protocol.Kind
	Message string
	Tool    string
	Path    string
	Diff    string
}

// DefaultScript is the demo trajectory played to every connected control plane.
func DefaultScript() []Step {
	return []Step{
		{Kind: protocol.KindThought, Message: "Analyzing project structure for security vulnerabilities..."},
		{Kind: protocol.KindAction, Message: "Scanning src/auth.ts and config.yaml"},
		{
			Kind:    protocol.KindIntervention,
			Message: "Sensitive action detected: WRITE_FILE",
			Tool:    "WRITE_FILE",
			Path:    "src/jcapy/config.py",
			Diff:    "-    MAX_FAILURES = 5\n+    MAX_FAILURES = 3",
		},
		{Kind: protocol.KindThought, Message: "Updating circuit breaker threshold."},
		{Kind: protocol.KindSuccess, Message: "Security policy updated successfully."},
	}
}

// wireEvent is the daemon->UI frame. Trajectory events go out flat with a
// type; everything else is wrapped in an envelope whose topic names the kind.
type wireEvent struct {
	Type      string                    `json:"type,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Timestamp string                    `json:"timestamp,omitempty"`
	ID        string                    `json:"id,omitempty"`
	Tool      string                    `json:"tool,omitempty"`
	Path      string                    `json:"path,omitempty"`
	Diff      string                    `json:"diff,omitempty"`
	Line      string                    `json:"line,omitempty"`
	Source    string                    `json:"source,omitempty"`
	Mode      string                    `json:"mode,omitempty"`
	Persona   string                    `json:"persona,omitempty"`
	Command   string                    `json:"command,omitempty"`
	Status    *protocol.HeartbeatStatus `json:"status,omitempty"`
}

type envelope struct {
	Topic string    `json:"topic"`
	Data  wireEvent `json:"data"`
}

func (s Step) event(id string, now time.Time) wireEvent {
	ev := wireEvent{
		Type:      string(s.Kind),
		Message:   s.Message,
		Timestamp: now.Format(time.TimeOnly),
	}
	if s.Kind == protocol.KindIntervention {
		ev.ID = id
		ev.Tool = s.Tool
		ev.Path = s.Path
		ev.Diff = s.Diff
	}
	return ev
}

func trajectory(kind protocol.Kind, message string, now time.Time) wireEvent {
	return wireEvent{Type: string(kind), Message: message, Timestamp: now.Format(time.TimeOnly)}
}

func wrap(kind protocol.Kind, data wireEvent, now time.Time) envelope {
	data.Timestamp = now.Format(time.RFC3339)
	return envelope{Topic: string(kind), Data: data}
}
