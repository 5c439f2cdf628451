package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the link instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesReceived       metric.Int64Counter
	DecodeErrors         metric.Int64Counter
	CommandsSent         metric.Int64Counter
	SendFailures         metric.Int64Counter
	ReconnectAttempts    metric.Int64Counter
	LinkFailures         metric.Int64Counter
	LinkTransitions      metric.Int64Counter
	DialDuration         metric.Float64Histogram
	InterventionsPending metric.Int64UpDownCounter
	InterventionsDecided metric.Int64Counter
	InterventionLatency  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.FramesReceived, err = meter.Int64Counter("orbital.link.frames",
		metric.WithDescription("Inbound frames received from the daemon"),
	)
	if err != nil {
		return nil, err
	}

	m.DecodeErrors, err = meter.Int64Counter("orbital.link.decode_errors",
		metric.WithDescription("Inbound frames dropped as undecodable"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsSent, err = meter.Int64Counter("orbital.link.commands",
		metric.WithDescription("Outbound commands written to the daemon"),
	)
	if err != nil {
		return nil, err
	}

	m.SendFailures, err = meter.Int64Counter("orbital.link.send_failures",
		metric.WithDescription("Outbound commands rejected by the transport"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconnectAttempts, err = meter.Int64Counter("orbital.link.reconnects",
		metric.WithDescription("Reconnect attempts after unexpected closure"),
	)
	if err != nil {
		return nil, err
	}

	m.LinkFailures, err = meter.Int64Counter("orbital.link.failures",
		metric.WithDescription("Times the reconnect budget was exhausted"),
	)
	if err != nil {
		return nil, err
	}

	m.LinkTransitions, err = meter.Int64Counter("orbital.link.transitions",
		metric.WithDescription("Link state changes by target state"),
	)
	if err != nil {
		return nil, err
	}

	m.DialDuration, err = meter.Float64Histogram("orbital.link.dial.duration",
		metric.WithDescription("Transport dial duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InterventionsPending, err = meter.Int64UpDownCounter("orbital.intervention.pending",
		metric.WithDescription("Interventions awaiting an operator decision (active plus queued)"),
	)
	if err != nil {
		return nil, err
	}

	m.InterventionsDecided, err = meter.Int64Counter("orbital.intervention.decided",
		metric.WithDescription("Interventions resolved by the operator"),
	)
	if err != nil {
		return nil, err
	}

	m.InterventionLatency, err = meter.Float64Histogram("orbital.intervention.latency",
		metric.WithDescription("Time from intervention receipt to operator decision in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) FrameReceived(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesReceived.Add(ctx, 1)
}

func (m *Metrics) DecodeError(ctx context.Context) {
	if m == nil {
		return
	}
	m.DecodeErrors.Add(ctx, 1)
}

func (m *Metrics) CommandSent(ctx context.Context, commandType string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrCommandType.String(commandType))
	if err != nil {
		m.SendFailures.Add(ctx, 1, attrs)
		return
	}
	m.CommandsSent.Add(ctx, 1, attrs)
}

func (m *Metrics) ReconnectAttempt(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(AttrAttempt.Int(attempt)))
}

func (m *Metrics) LinkFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.LinkFailures.Add(ctx, 1)
}

func (m *Metrics) LinkTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.LinkTransitions.Add(ctx, 1, metric.WithAttributes(AttrLinkState.String(state)))
}

func (m *Metrics) Dial(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DialDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", err == nil)))
}

func (m *Metrics) InterventionQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.InterventionsPending.Add(ctx, 1)
}

func (m *Metrics) InterventionDecided(ctx context.Context, approved bool, waited time.Duration) {
	if m == nil {
		return
	}
	m.InterventionsPending.Add(ctx, -1)
	m.InterventionsDecided.Add(ctx, 1, metric.WithAttributes(AttrApproved.Bool(approved)))
	m.InterventionLatency.Record(ctx, waited.Seconds())
}
