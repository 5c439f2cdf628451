// Package bridge is the control plane's view of one daemon session. It decodes
// inbound frames, applies each event to the bounded logs, stats, mode and the
// intervention gate, and carries operator commands back out over the link.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/orbital/internal/audit"
	"github.com/basket/orbital/internal/bus"
	"github.com/basket/orbital/internal/link"
	otelPkg "github.com/basket/orbital/internal/otel"
	"github.com/basket/orbital/internal/protocol"
	"github.com/basket/orbital/internal/shared"
)

const (
	DefaultEventCapacity    = 100
	DefaultTerminalCapacity = 500
)

// Terminal line sources.
const (
	SourceDaemon   = "daemon"
	SourceOperator = "operator"
)

// Subscriber observes every event after it has been fully applied. Subscribers
// run in registration order on the goroutine that applied the event.
type Subscriber func(ev protocol.Event)

// Config wires a Bridge. Zero values select the defaults.
type Config struct {
	Endpoint         string
	Transport        link.Transport
	Policy           link.Policy
	EventCapacity    int
	TerminalCapacity int

	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otelPkg.Metrics
	Bus       *bus.Bus
	Audit     *audit.Journal
	SessionID string

	// Now and After replace the wall clock and the backoff timer in tests.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// TerminalLine is one line of the raw terminal log.
type TerminalLine struct {
	Text   string
	Source string
	At     time.Time
}

// Bridge owns the state of one UI session. All methods are safe for
// concurrent use.
type Bridge struct {
	codec     *protocol.Codec
	link      *link.Supervisor
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otelPkg.Metrics
	bus       *bus.Bus
	audit     *audit.Journal
	sessionID string
	now       func() time.Time

	// decideMu serializes Decide so the active request cannot change between
	// the id check and resolution.
	decideMu sync.Mutex

	mu          sync.Mutex
	linkState   link.State
	attempt     int
	linkErr     error
	events      *Ring[protocol.Event]
	eventRefs   map[string]int
	terminal    *Ring[TerminalLine]
	gate        *Gate
	history     *History
	mode        string
	persona     string
	stats       Stats
	halted      bool
	subscribers []Subscriber
}

// New builds a bridge in the OFFLINE state. Nothing is dialed until Start.
func New(cfg Config) (*Bridge, error) {
	codec, err := protocol.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	codec.SetClock(now)

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = shared.NewSessionID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sessionID)
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	eventCap := cfg.EventCapacity
	if eventCap <= 0 {
		eventCap = DefaultEventCapacity
	}
	terminalCap := cfg.TerminalCapacity
	if terminalCap <= 0 {
		terminalCap = DefaultTerminalCapacity
	}

	b := &Bridge{
		codec:     codec,
		logger:    logger.With("subsystem", "bridge"),
		tracer:    tracer,
		metrics:   cfg.Metrics,
		bus:       cfg.Bus,
		audit:     cfg.Audit,
		sessionID: sessionID,
		now:       now,
		linkState: link.StateOffline,
		events:    NewRing[protocol.Event](eventCap),
		eventRefs: make(map[string]int),
		terminal:  NewRing[TerminalLine](terminalCap),
		gate:      NewGate(),
		history:   NewHistory(),
	}
	b.link = link.NewSupervisor(link.Config{
		Endpoint:  cfg.Endpoint,
		Transport: cfg.Transport,
		Policy:    cfg.Policy,
		Handler:   b,
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   cfg.Metrics,
		After:     cfg.After,
	})
	return b, nil
}

// SessionID identifies this bridge in logs, traces and the audit journal.
func (b *Bridge) SessionID() string { return b.sessionID }

// Start opens the link. It returns immediately; progress is reported through
// link state changes.
func (b *Bridge) Start(ctx context.Context) error {
	return b.link.Start(shared.WithSessionID(ctx, b.sessionID))
}

// Retry restarts a FAILED or stopped link with a fresh attempt budget. It is a
// no-op while the link is running.
func (b *Bridge) Retry(ctx context.Context) error {
	b.logger.Info("manual link retry", "state", b.link.State())
	return b.Start(ctx)
}

// Stop closes the link and waits for it to wind down. After Stop returns no
// further events are applied. Stop is idempotent.
func (b *Bridge) Stop() {
	b.link.Stop()
}

// SetPolicy swaps the reconnect policy; it applies from the next attempt.
func (b *Bridge) SetPolicy(p link.Policy) {
	b.link.SetPolicy(p)
}

// Subscribe registers fn to observe applied events, after all earlier
// registrations.
func (b *Bridge) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, fn)
	b.mu.Unlock()
}

// LinkState returns the last state reported by the link.
func (b *Bridge) LinkState() link.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linkState
}

// Active returns the intervention awaiting a decision.
func (b *Bridge) Active() (protocol.InterventionRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gate.Active()
}

// Decide answers the active intervention. It fails with a ProtocolViolation
// wrapping ErrNoActiveRequest unless id names the active request. When the
// send fails the request stays active so the operator can decide again.
func (b *Bridge) Decide(ctx context.Context, id string, approved bool) error {
	b.decideMu.Lock()
	defer b.decideMu.Unlock()

	ctx, span := otelPkg.StartClientSpan(ctx, b.tracer, "bridge.decide",
		otelPkg.AttrInterventionID.String(id),
		otelPkg.AttrApproved.Bool(approved),
		otelPkg.AttrSessionID.String(b.sessionID),
	)
	defer span.End()

	b.mu.Lock()
	active, ok := b.gate.Active()
	b.mu.Unlock()
	if !ok || active.ID != id {
		err := &ProtocolViolation{Op: "decide", ID: id, Err: ErrNoActiveRequest}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no active request")
		b.logger.Warn("decision rejected", "intervention_id", id, "error", err)
		return err
	}

	if err := b.send(ctx, protocol.ApproveAction{ID: id, Approved: approved}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}

	b.mu.Lock()
	done, next, err := b.gate.resolve(id, approved)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	waited := b.now().Sub(done.receivedAt)
	b.metrics.InterventionDecided(ctx, approved, waited)
	b.audit.Record(audit.Entry{
		SessionID: b.sessionID,
		Action:    audit.ActionIntervention,
		Decision:  audit.Decision(approved),
		Subject:   id,
		Tool:      done.req.Tool,
		Path:      done.req.Path,
	})
	b.logger.Info("intervention decided",
		"intervention_id", id, "approved", approved, "tool", done.req.Tool, "waited", waited)
	b.bus.Publish(bus.TopicInterventionResolved, bus.InterventionEvent{
		ID: id, Tool: done.req.Tool, Path: done.req.Path, Approved: approved,
	})
	if next != nil {
		b.logger.Info("queued intervention promoted", "intervention_id", next.ID)
		b.bus.Publish(bus.TopicInterventionRequested, bus.InterventionEvent{
			ID: next.ID, Tool: next.Tool, Path: next.Path,
		})
	}
	return nil
}

// Submit sends an operator command. Blank input is ignored. The command is
// recorded in history and echoed to the terminal log before it is sent; a
// send failure is returned but does not undo either.
func (b *Bridge) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	b.mu.Lock()
	b.history.Add(text)
	line := b.pushLineLocked("$ "+text, SourceOperator)
	b.mu.Unlock()
	b.bus.Publish(bus.TopicTerminalLine, line)

	if err := b.send(ctx, protocol.ExecuteCommand{Command: text}); err != nil {
		return fmt.Errorf("execute command: %w", err)
	}
	return nil
}

// RecallPrevious returns the previous history entry. ok is false when there
// is no history.
func (b *Bridge) RecallPrevious() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Previous()
}

// RecallNext returns the next history entry, or "" once past the newest.
func (b *Bridge) RecallNext() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Next()
}

// SwitchPersona asks the daemon to change persona. Local state follows the
// daemon's MODE_CHANGED reply, not this call.
func (b *Bridge) SwitchPersona(ctx context.Context, persona string) error {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		return &ProtocolViolation{Op: "switch_persona", Err: errors.New("persona is required")}
	}
	if err := b.send(ctx, protocol.SwitchPersona{Persona: persona}); err != nil {
		return fmt.Errorf("switch persona: %w", err)
	}
	return nil
}

// ToggleKillSwitch flips the local halt flag and returns the new value. The
// flag is display-only; nothing is sent to the daemon.
func (b *Bridge) ToggleKillSwitch() bool {
	b.mu.Lock()
	b.halted = !b.halted
	halted := b.halted
	b.mu.Unlock()

	decision := "released"
	if halted {
		decision = "engaged"
	}
	b.logger.Warn("kill switch toggled", "halted", halted)
	b.audit.Record(audit.Entry{SessionID: b.sessionID, Action: audit.ActionKillSwitch, Decision: decision})
	b.bus.Publish(bus.TopicKillSwitch, bus.KillSwitchEvent{Halted: halted})
	return halted
}

func (b *Bridge) send(ctx context.Context, cmd protocol.Command) error {
	frame, err := b.codec.Encode(cmd)
	if err != nil {
		return err
	}
	err = b.link.Send(ctx, frame)
	b.metrics.CommandSent(ctx, cmd.CommandType(), err)
	if err != nil {
		b.logger.Warn("command not sent", "type", cmd.CommandType(), "error", err)
		return err
	}
	b.logger.Debug("command sent", "type", cmd.CommandType())
	return nil
}
