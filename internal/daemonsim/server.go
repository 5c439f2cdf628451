// Package daemonsim is a stand-in agent daemon. It speaks the daemon side of the
// link protocol over WebSocket: a scripted reasoning trajectory that halts on
// interventions, periodic heartbeats, and replies to operator commands.
package daemonsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/orbital/internal/cron"
	otelPkg "github.com/basket/orbital/internal/otel"
	"github.com/basket/orbital/internal/protocol"
	"github.com/basket/orbital/internal/shared"
)

const (
	DefaultHeartbeat = "@every 5s"
	DefaultStepDelay = 1500 * time.Millisecond
	DefaultVersion   = "sim-1.0"

	writeTimeout = 5 * time.Second
)

// Config wires a Server. Zero values select the defaults.
type Config struct {
	// Heartbeat is a cron spec ("@every 5s" or 5-field).
	Heartbeat string
	StepDelay time.Duration
	// Loop replays the script after its last step.
	Loop bool
	// ApprovalTimeout abandons an unanswered intervention and moves on. Zero
	// waits for the operator indefinitely.
	ApprovalTimeout time.Duration
	Script          []Step
	Version         string

	// AllowOrigins is passed to websocket.Accept for browser clients.
	AllowOrigins []string

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Server accepts control-plane connections and runs one simulated session per
// connection.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	started time.Time

	tasks    atomic.Int64
	sessions atomic.Int64

	mu      sync.Mutex
	persona string
	cancels map[*session]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New validates cfg and returns a server ready to mount.
func New(cfg Config) (*Server, error) {
	if cfg.Heartbeat == "" {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if _, err := cron.NextRunTime(cfg.Heartbeat, time.Now()); err != nil {
		return nil, fmt.Errorf("daemonsim: heartbeat: %w", err)
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = DefaultStepDelay
	}
	if cfg.Script == nil {
		cfg.Script = DefaultScript()
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("subsystem", "daemonsim"),
		tracer:  tracer,
		started: time.Now(),
		persona: "default",
		cancels: make(map[*session]context.CancelFunc),
	}, nil
}

// Handler serves the daemon endpoint at /ws and a liveness probe at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"active_sessions": s.sessions.Load(),
			"persona":         s.Persona(),
			"version":         s.cfg.Version,
		})
	})
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down and ends
// every open session.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("daemonsim: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("simulated daemon listening", "addr", ln.Addr().String(), "heartbeat", s.cfg.Heartbeat)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close ends every open session and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect()
	s.wg.Wait()
}

// Disconnect drops every open session without closing the server, which lets
// clients exercise their reconnect path.
func (s *Server) Disconnect() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// ActiveSessions returns the number of connected control planes.
func (s *Server) ActiveSessions() int {
	return int(s.sessions.Load())
}

// ControlPlaneSessions lists the session ids connected control planes
// announced on upgrade. Clients that sent none are omitted.
func (s *Server) ControlPlaneSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for sess := range s.cancels {
		if sess.uiSession != "" {
			ids = append(ids, sess.uiSession)
		}
	}
	sort.Strings(ids)
	return ids
}

// Persona returns the persona most recently selected by a control plane.
func (s *Server) Persona() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// TasksCompleted returns the number of approved interventions.
func (s *Server) TasksCompleted() int {
	return int(s.tasks.Load())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{
		id:        uuid.NewString(),
		uiSession: r.Header.Get(shared.SessionHeader),
		conn:      conn,
		decisions: make(chan protocol.ApproveAction, 8),
	}
	sess.logger = s.logger.With("sim_session", sess.id, "ui_session", sess.uiSession)
	if !s.register(sess, cancel) {
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "server closing")
		return
	}
	defer func() {
		cancel()
		s.unregister(sess)
		sess.logger.Info("ws: control plane disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()
	sess.logger.Info("ws: control plane connected", "remote", r.RemoteAddr)

	if err := sess.write(ctx, trajectory(protocol.KindStatus, protocol.StatusConnectionActive, time.Now())); err != nil {
		sess.logger.Warn("ws: greeting failed", "error", err)
		return
	}

	heartbeat, err := cron.NewScheduler(cron.Config{
		Spec:   s.cfg.Heartbeat,
		Logger: sess.logger,
		Job: func(ctx context.Context, at time.Time) {
			if err := sess.write(ctx, s.heartbeat(at)); err != nil {
				sess.logger.Debug("heartbeat not sent", "error", err)
			}
		},
	})
	if err != nil {
		sess.logger.Error("heartbeat schedule", "error", err)
		return
	}
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	var script sync.WaitGroup
	script.Add(1)
	go func() {
		defer script.Done()
		s.play(ctx, sess)
	}()
	defer script.Wait()

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				sess.logger.Warn("ws: read error, closing", "error", err)
			}
			cancel()
			return
		}
		s.handleCommand(ctx, sess, raw)
	}
}

func (s *Server) register(sess *session, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.cancels[sess] = cancel
	s.wg.Add(1)
	s.sessions.Add(1)
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.cancels, sess)
	s.mu.Unlock()
	s.sessions.Add(-1)
	s.wg.Done()
}

func (s *Server) handleCommand(ctx context.Context, sess *session, raw []byte) {
	cmd, err := protocol.DecodeCommand(raw)
	if err != nil {
		sess.logger.Warn("ws: undecodable command", "error", err)
		_ = sess.write(ctx, trajectory(protocol.KindError, "unrecognized command", time.Now()))
		return
	}

	ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, "daemonsim.command",
		otelPkg.AttrCommandType.String(cmd.CommandType()))
	defer span.End()
	sess.logger.Info("ws: command", "type", cmd.CommandType())

	switch c := cmd.(type) {
	case protocol.ApproveAction:
		select {
		case sess.decisions <- c:
		default:
			sess.logger.Warn("decision dropped, backlog full", "intervention_id", c.ID)
		}
		return

	case protocol.ExecuteCommand:
		now := time.Now()
		err = sess.write(ctx, wrap(protocol.KindCommandExecuted, wireEvent{Command: c.Command}, now))
		if err == nil {
			err = sess.write(ctx, wrap(protocol.KindTerminalOutput, wireEvent{
				Line:   "simulated: " + c.Command,
				Source: "daemon",
			}, now))
		}

	case protocol.SwitchPersona:
		s.mu.Lock()
		s.persona = c.Persona
		s.mu.Unlock()
		err = sess.write(ctx, wrap(protocol.KindModeChanged, wireEvent{Mode: "persona", Persona: c.Persona}, time.Now()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply failed")
		sess.logger.Warn("ws: reply failed", "type", cmd.CommandType(), "error", err)
	}
}

func (s *Server) heartbeat(at time.Time) envelope {
	uptime := at.Sub(s.started).Round(time.Second)
	tasks := int(s.tasks.Load())
	human := uptime.String()
	seconds := int64(uptime / time.Second)
	sessions := int(s.sessions.Load())
	version := s.cfg.Version
	status := "running"
	return wrap(protocol.KindHeartbeat, wireEvent{Status: &protocol.HeartbeatStatus{
		TasksCompleted: &tasks,
		UptimeHuman:    &human,
		UptimeSeconds:  &seconds,
		ActiveSessions: &sessions,
		Version:        &version,
		Status:         &status,
	}}, at)
}

// play runs the script for one session until ctx ends or, without Loop, the
// script is exhausted.
func (s *Server) play(ctx context.Context, sess *session) {
	if len(s.cfg.Script) == 0 {
		return
	}
	for {
		for _, step := range s.cfg.Script {
			if !sleep(ctx, s.cfg.StepDelay) {
				return
			}
			id := ""
			if step.Kind == protocol.KindIntervention {
				id = fmt.Sprintf("tx_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
			}
			if err := sess.write(ctx, step.event(id, time.Now())); err != nil {
				return
			}
			if id == "" {
				continue
			}

			sess.logger.Info("halted for operator approval", "intervention_id", id)
			approved, ok := sess.await(ctx, id, s.cfg.ApprovalTimeout)
			if ctx.Err() != nil {
				return
			}
			if !ok {
				sess.logger.Info("no decision within timeout, continuing", "intervention_id", id)
				continue
			}
			var reply wireEvent
			if approved {
				s.tasks.Add(1)
				reply = trajectory(protocol.KindSuccess, "Action approved and executed.", time.Now())
			} else {
				reply = trajectory(protocol.KindAction, "Action rejected by operator.", time.Now())
			}
			if err := sess.write(ctx, reply); err != nil {
				return
			}
		}
		if !s.cfg.Loop {
			return
		}
	}
}

type session struct {
	id        string
	uiSession string
	conn      *websocket.Conn
	logger    *slog.Logger
	decisions chan protocol.ApproveAction

	mu sync.Mutex
}

func (c *session) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// await blocks until a decision for id arrives. Decisions for other ids are
// logged and discarded. ok is false when the timeout elapsed or ctx ended.
func (c *session) await(ctx context.Context, id string, timeout time.Duration) (approved, ok bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return false, false
		case <-expired:
			return false, false
		case d := <-c.decisions:
			if d.ID == id {
				return d.Approved, true
			}
			c.logger.Warn("decision for unknown intervention ignored", "intervention_id", d.ID, "awaiting", id)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
