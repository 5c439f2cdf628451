package bridge

import (
	"github.com/basket/orbital/internal/link"
	"github.com/basket/orbital/internal/protocol"
)

// EventView is an event-log entry as the UI renders it. Only the entry naming
// the active intervention is actionable; resolved interventions carry their
// decision.
type EventView struct {
	protocol.Event
	Actionable bool
	Resolved   bool
	Approved   bool
}

// Snapshot is a consistent copy of everything the UI shows. It never reflects
// a partially-applied event.
type Snapshot struct {
	SessionID string
	LinkState link.State
	Attempt   int
	LinkError string

	Events   []EventView
	Terminal []TerminalLine
	Active   *protocol.InterventionRequest
	Queued   []protocol.InterventionRequest

	Mode    string
	Persona string
	Stats   Stats
	Halted  bool
	History []string
}

// Snapshot copies the current UI-facing state.
func (b *Bridge) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		SessionID: b.sessionID,
		LinkState: b.linkState,
		Attempt:   b.attempt,
		Terminal:  b.terminal.Items(),
		Queued:    b.gate.Queued(),
		Mode:      b.mode,
		Persona:   b.persona,
		Stats:     b.stats,
		Halted:    b.halted,
		History:   b.history.Entries(),
	}
	if b.linkErr != nil {
		s.LinkError = b.linkErr.Error()
	}
	active, hasActive := b.gate.Active()
	if hasActive {
		s.Active = &active
	}

	s.Events = make([]EventView, 0, b.events.Len())
	b.events.Each(func(ev protocol.Event) bool {
		v := EventView{Event: ev}
		if ev.Kind == protocol.KindIntervention && ev.ID != "" {
			v.Actionable = hasActive && ev.ID == active.ID
			v.Approved, v.Resolved = b.gate.Decision(ev.ID)
		}
		s.Events = append(s.Events, v)
		return true
	})
	return s
}
