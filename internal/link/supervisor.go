package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/basket/orbital/internal/otel"
)

// State is the link lifecycle as seen by the rest of the control plane.
type State string

const (
	StateOffline      State = "OFFLINE"
	StateConnecting   State = "CONNECTING"
	StateSynchronized State = "SYNCHRONIZED"
	StateFailed       State = "FAILED"
)

// StateChange describes one transition. Attempt is the reconnect attempt the
// link is waiting on (0 for the initial connection); Delay is the backoff
// before that attempt; Err is the close reason that caused it, or
// ErrLinkExhausted for FAILED.
type StateChange struct {
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Handler receives inbound frames and state changes. All HandleFrame calls are
// made from the supervisor's single run goroutine, in receipt order.
type Handler interface {
	HandleFrame(frame []byte)
	HandleState(change StateChange)
}

// Config wires a Supervisor.
type Config struct {
	Endpoint  string
	Transport Transport
	Policy    Policy
	Handler   Handler
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otelPkg.Metrics

	// After replaces the backoff timer. Tests inject an immediately-firing
	// channel; production uses a cancellable time.Timer.
	After func(time.Duration) <-chan time.Time
}

// Supervisor keeps one connection to the daemon alive. It is the only writer of
// the link State.
type Supervisor struct {
	endpoint  string
	transport Transport
	handler   Handler
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otelPkg.Metrics
	after     func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	policy  Policy
	state   State
	attempt int
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSupervisor builds an idle (OFFLINE) supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &WebSocketTransport{}
	}
	policy := cfg.Policy
	if policy.MaxAttempts <= 0 && policy.BaseDelay <= 0 && policy.MaxDelay <= 0 {
		policy = DefaultPolicy()
	}
	return &Supervisor{
		endpoint:  cfg.Endpoint,
		transport: transport,
		handler:   cfg.Handler,
		logger:    logger.With("subsystem", "link"),
		tracer:    tracer,
		metrics:   cfg.Metrics,
		after:     cfg.After,
		policy:    policy,
		state:     StateOffline,
	}
}

// State returns the current link state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the current reconnect attempt counter.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// SetPolicy replaces the reconnect policy. It applies from the next attempt.
func (s *Supervisor) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("reconnect policy updated",
		"max_attempts", p.MaxAttempts, "base_delay", p.BaseDelay, "max_delay", p.MaxDelay)
}

// Start opens the link and keeps it open until Stop. Calling Start while the
// link is running is a no-op; calling it after FAILED is the manual retry.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("link: supervisor has no handler")
	}
	s.mu.Lock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.mu.Unlock()
			return nil
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.attempt = 0
	s.state = StateConnecting
	s.mu.Unlock()

	s.logger.Info("link starting", "endpoint", s.endpoint)
	s.handler.HandleState(StateChange{State: StateConnecting})
	go s.run(runCtx, done)
	return nil
}

// Stop tears the link down: cancels any pending backoff, closes the open
// connection, and waits for the run goroutine to exit. No handler call happens
// after Stop returns. Stop is idempotent. It must not be called from inside a
// Handler callback.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	if conn != nil {
		_ = conn.Close("control plane stopped")
	}
	<-done

	s.mu.Lock()
	s.state = StateOffline
	s.attempt = 0
	s.mu.Unlock()
	s.logger.Info("link stopped")
	s.handler.HandleState(StateChange{State: StateOffline})
}

// Send writes one frame. It fails with ErrNotConnected when no connection is
// open; callers decide whether to retry.
func (s *Supervisor) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, frame); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// MarkReady records the peer's readiness signal. It moves CONNECTING to
// SYNCHRONIZED only while a connection is open, and resets the attempt counter.
// The change is returned rather than delivered: the caller is the Handler that
// is currently processing the readiness frame and applies it itself.
func (s *Supervisor) MarkReady() (StateChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state != StateConnecting {
		return StateChange{}, false
	}
	s.state = StateSynchronized
	s.attempt = 0
	s.logger.Info("link synchronized")
	return StateChange{State: StateSynchronized}, true
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		closeErr := s.serve(ctx)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		policy := s.policy
		s.attempt++
		attempt := s.attempt
		if attempt > policy.MaxAttempts {
			s.attempt = policy.MaxAttempts
			s.state = StateFailed
			s.mu.Unlock()

			err := fmt.Errorf("%w after %d attempts: %v", ErrLinkExhausted, policy.MaxAttempts, closeErr)
			s.logger.Error("link failed", "endpoint", s.endpoint, "attempts", policy.MaxAttempts, "error", closeErr)
			s.metrics.LinkFailure(ctx)
			s.handler.HandleState(StateChange{State: StateFailed, Attempt: policy.MaxAttempts, Err: err})
			return
		}
		delay := policy.Delay(attempt)
		s.state = StateConnecting
		s.mu.Unlock()

		s.logger.Warn("link closed unexpectedly, reconnecting",
			"attempt", attempt, "max_attempts", policy.MaxAttempts, "delay", delay, "error", closeErr)
		s.metrics.ReconnectAttempt(ctx, attempt)
		s.handler.HandleState(StateChange{State: StateConnecting, Attempt: attempt, Delay: delay, Err: closeErr})

		if !s.wait(ctx, delay) {
			return
		}
	}
}

// serve dials once and pumps frames until the connection ends. The returned
// error is that connection's single close reason.
func (s *Supervisor) serve(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close("control plane stopped")
		return ctx.Err()
	}
	s.conn = conn
	readyOnOpen := s.policy.ReadyOnOpen
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close("link closed")
	}()

	s.logger.Info("link open", "endpoint", s.endpoint)
	if readyOnOpen {
		if change, ok := s.MarkReady(); ok {
			s.handler.HandleState(change)
		}
	}

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}
		s.metrics.FrameReceived(ctx)
		s.handler.HandleFrame(frame)
	}
}

func (s *Supervisor) dial(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	timeout := s.policy.DialTimeout
	s.mu.Unlock()

	dialCtx, span := otelPkg.StartClientSpan(ctx, s.tracer, "link.dial",
		otelPkg.AttrEndpoint.String(s.endpoint))
	defer span.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(dialCtx, timeout)
		defer cancel()
	}

	started := time.Now()
	conn, err := s.transport.Dial(dialCtx, s.endpoint)
	s.metrics.Dial(ctx, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	if s.after != nil {
		select {
		case <-ctx.Done():
			return false
		case <-s.after(d):
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
