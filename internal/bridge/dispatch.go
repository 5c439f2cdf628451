package bridge

import (
	"context"
	"errors"

	"github.com/basket/orbital/internal/audit"
	"github.com/basket/orbital/internal/bus"
	"github.com/basket/orbital/internal/link"
	otelPkg "github.com/basket/orbital/internal/otel"
	"github.com/basket/orbital/internal/protocol"
)

// HandleFrame decodes one inbound frame and applies it. Undecodable frames are
// logged and dropped; the link stays up.
func (b *Bridge) HandleFrame(frame []byte) {
	ev, err := b.codec.Decode(frame)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			b.logger.Warn("dropping undecodable frame", "reason", de.Reason, "error", err, "frame", de.Excerpt())
		} else {
			b.logger.Warn("dropping undecodable frame", "error", err)
		}
		b.metrics.DecodeError(context.Background())
		return
	}
	b.dispatch(ev)
}

// HandleState records a link transition. Exhausting the reconnect budget also
// appends a terminal ERROR event to the event log.
func (b *Bridge) HandleState(change link.StateChange) {
	var notes []bus.Event
	var failure *protocol.Event

	b.mu.Lock()
	notes = b.applyStateLocked(change, notes)
	if change.State == link.StateFailed {
		ev := protocol.NewLocalEvent(protocol.KindError, protocol.ErrorTerminalLink, b.now())
		notes = b.applyLocked(ev, notes)
		failure = &ev
	}
	subs := b.subscribers
	b.mu.Unlock()

	b.publish(notes)
	b.metrics.LinkTransition(context.Background(), string(change.State))
	if failure == nil {
		return
	}
	reason := ""
	if change.Err != nil {
		reason = change.Err.Error()
	}
	b.audit.Record(audit.Entry{
		SessionID: b.sessionID,
		Action:    audit.ActionLinkFailed,
		Decision:  "failed",
		Reason:    reason,
	})
	for _, fn := range subs {
		fn(*failure)
	}
}

// dispatch applies ev in full under the state lock, then notifies the bus and
// the registered subscribers in order.
func (b *Bridge) dispatch(ev protocol.Event) {
	_, span := otelPkg.StartSpan(context.Background(), b.tracer, "bridge.dispatch",
		otelPkg.AttrEventKind.String(string(ev.Kind)),
		otelPkg.AttrSessionID.String(b.sessionID),
	)
	defer span.End()

	b.mu.Lock()
	notes := b.applyLocked(ev, nil)
	subs := b.subscribers
	b.mu.Unlock()

	b.publish(notes)
	for _, fn := range subs {
		fn(ev)
	}
}

// applyLocked is the single pass every event goes through.
func (b *Bridge) applyLocked(ev protocol.Event, notes []bus.Event) []bus.Event {
	b.pushEventLocked(ev)
	notes = append(notes, bus.Event{Topic: bus.TopicEvent, Payload: ev})

	switch ev.Kind {
	case protocol.KindTerminalOutput:
		source := ev.Source
		if source == "" {
			source = SourceDaemon
		}
		line := b.pushLineLocked(ev.Line, source)
		notes = append(notes, bus.Event{Topic: bus.TopicTerminalLine, Payload: line})

	case protocol.KindCommandExecuted:
		line := b.pushLineLocked("$ "+ev.Command, SourceDaemon)
		notes = append(notes, bus.Event{Topic: bus.TopicTerminalLine, Payload: line})

	case protocol.KindModeChanged:
		b.mode = ev.Mode
		if ev.Persona != "" {
			b.persona = ev.Persona
		}
		notes = append(notes, bus.Event{Topic: bus.TopicMode, Payload: ev})

	case protocol.KindHeartbeat:
		notes = b.markReadyLocked(notes)
		b.stats = b.stats.merge(ev.Status, ev.ReceivedAt)
		notes = append(notes, bus.Event{Topic: bus.TopicStats, Payload: b.stats})

	case protocol.KindStatus:
		if ev.IsReadySignal() {
			notes = b.markReadyLocked(notes)
		}

	case protocol.KindIntervention:
		notes = b.offerLocked(ev, notes)
	}
	return notes
}

func (b *Bridge) markReadyLocked(notes []bus.Event) []bus.Event {
	change, ok := b.link.MarkReady()
	if !ok {
		return notes
	}
	return b.applyStateLocked(change, notes)
}

func (b *Bridge) applyStateLocked(change link.StateChange, notes []bus.Event) []bus.Event {
	b.linkState = change.State
	b.attempt = change.Attempt
	b.linkErr = change.Err
	note := bus.LinkStateEvent{State: string(change.State), Attempt: change.Attempt, Delay: change.Delay}
	if change.Err != nil {
		note.Error = change.Err.Error()
	}
	return append(notes, bus.Event{Topic: bus.TopicLinkState, Payload: note})
}

func (b *Bridge) offerLocked(ev protocol.Event, notes []bus.Event) []bus.Event {
	req, ok := ev.Intervention()
	if !ok {
		return notes
	}
	switch b.gate.offer(req, ev.ReceivedAt) {
	case offerDuplicate:
		b.logger.Warn("duplicate intervention ignored", "intervention_id", req.ID)
		return notes
	case offerQueued:
		b.logger.Info("intervention queued behind active request",
			"intervention_id", req.ID, "pending", b.gate.Pending())
		b.metrics.InterventionQueued(context.Background())
		return append(notes, bus.Event{Topic: bus.TopicInterventionRequested, Payload: bus.InterventionEvent{
			ID: req.ID, Tool: req.Tool, Path: req.Path, Queued: true,
		}})
	default:
		b.logger.Info("intervention awaiting decision", "intervention_id", req.ID, "tool", req.Tool, "path", req.Path)
		b.metrics.InterventionQueued(context.Background())
		return append(notes, bus.Event{Topic: bus.TopicInterventionRequested, Payload: bus.InterventionEvent{
			ID: req.ID, Tool: req.Tool, Path: req.Path,
		}})
	}
}

// pushEventLocked appends to the event log and releases the displayed
// decision of an evicted intervention once no retained event refers to it.
func (b *Bridge) pushEventLocked(ev protocol.Event) {
	if ev.Kind == protocol.KindIntervention && ev.ID != "" {
		b.eventRefs[ev.ID]++
	}
	old, evicted := b.events.Push(ev)
	if !evicted || old.Kind != protocol.KindIntervention || old.ID == "" {
		return
	}
	b.eventRefs[old.ID]--
	if b.eventRefs[old.ID] > 0 {
		return
	}
	delete(b.eventRefs, old.ID)
	if _, resolved := b.gate.Decision(old.ID); resolved {
		b.gate.forget(old.ID)
	}
}

func (b *Bridge) pushLineLocked(text, source string) TerminalLine {
	line := TerminalLine{Text: text, Source: source, At: b.now()}
	b.terminal.Push(line)
	return line
}

func (b *Bridge) publish(notes []bus.Event) {
	for _, n := range notes {
		b.bus.Publish(n.Topic, n.Payload)
	}
}
