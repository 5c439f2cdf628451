package bridge

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/orbital/internal/audit"
	"github.com/basket/orbital/internal/bus"
	"github.com/basket/orbital/internal/link"
	"github.com/basket/orbital/internal/protocol"
)

type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("closed locally")
	case f, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	}
}

func (c *pipeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return link.ErrNotConnected
	default:
	}
	c.out <- frame
	return nil
}

func (c *pipeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type pipeTransport struct {
	conns chan *pipeConn
}

func (t *pipeTransport) Dial(context.Context, string) (link.Conn, error) {
	select {
	case c := <-t.conns:
		return c, nil
	default:
		return nil, errors.New("connection refused")
	}
}

func immediateAfter(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func newOffline(t *testing.T, cfg Config) *Bridge {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// connect starts a bridge over a pipe and waits for the peer's readiness
// signal to be applied.
func connect(t *testing.T, cfg Config) (*Bridge, *pipeConn, *pipeTransport) {
	t.Helper()
	conn := newPipeConn()
	tr := &pipeTransport{conns: make(chan *pipeConn, 4)}
	tr.conns <- conn
	cfg.Transport = tr
	if cfg.Policy == (link.Policy{}) {
		cfg.Policy = link.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	}
	if cfg.After == nil {
		cfg.After = immediateAfter
	}
	b := newOffline(t, cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	conn.in <- []byte(`{"type":"STATUS","message":"CONNECTION_ACTIVE"}`)
	waitFor(t, func() bool { return b.LinkState() == link.StateSynchronized })
	return b, conn, tr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func readCommand(t *testing.T, conn *pipeConn) protocol.Command {
	t.Helper()
	select {
	case frame := <-conn.out:
		cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			t.Fatalf("decode outbound frame %s: %v", frame, err)
		}
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound frame")
		return nil
	}
}

func assertNoCommand(t *testing.T, conn *pipeConn) {
	t.Helper()
	select {
	case frame := <-conn.out:
		t.Fatalf("unexpected outbound frame %s", frame)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBridge_HeartbeatEnvelopeSynchronizesAndMergesStats(t *testing.T) {
	conn := newPipeConn()
	tr := &pipeTransport{conns: make(chan *pipeConn, 1)}
	tr.conns <- conn
	b := newOffline(t, Config{Transport: tr, Policy: link.DefaultPolicy()})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	conn.in <- []byte(`{"topic":"HEARTBEAT","data":{"status":{"tasks_completed":7,"uptime_human":"2h"}}}`)
	waitFor(t, func() bool { return b.LinkState() == link.StateSynchronized })

	s := b.Snapshot()
	if s.Stats.Tasks != 7 || s.Stats.Uptime != "2h" {
		t.Fatalf("stats = %+v, want tasks 7 uptime 2h", s.Stats)
	}

	// A later heartbeat without uptime keeps the previous value.
	conn.in <- []byte(`{"type":"HEARTBEAT","status":{"tasks_completed":8}}`)
	waitFor(t, func() bool { return b.Snapshot().Stats.Tasks == 8 })
	if got := b.Snapshot().Stats.Uptime; got != "2h" {
		t.Fatalf("uptime = %q, want 2h kept", got)
	}
}

func TestBridge_InterventionDecideApproves(t *testing.T) {
	b, conn, _ := connect(t, Config{})

	conn.in <- []byte(`{"type":"INTERVENTION","id":"x1","tool":"WRITE_FILE","path":"cfg.py","diff":"-5\n+3","message":"approve write","timestamp":"10:00:00"}`)
	waitFor(t, func() bool { _, ok := b.Active(); return ok })

	if err := b.Decide(context.Background(), "x1", true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	cmd := readCommand(t, conn)
	approve, ok := cmd.(protocol.ApproveAction)
	if !ok || approve.ID != "x1" || !approve.Approved {
		t.Fatalf("outbound = %#v, want APPROVE_ACTION x1 true", cmd)
	}
	assertNoCommand(t, conn)

	s := b.Snapshot()
	if s.Active != nil {
		t.Fatalf("active = %+v, want cleared", s.Active)
	}
	var found bool
	for _, ev := range s.Events {
		if ev.Kind == protocol.KindIntervention && ev.ID == "x1" {
			found = true
			if !ev.Resolved || !ev.Approved || ev.Actionable {
				t.Fatalf("history entry = %+v, want resolved approved non-actionable", ev)
			}
			if ev.Diff != "-5\n+3" {
				t.Fatalf("diff = %q", ev.Diff)
			}
		}
	}
	if !found {
		t.Fatal("intervention missing from event log")
	}

	err := b.Decide(context.Background(), "x1", false)
	if !errors.Is(err, ErrNoActiveRequest) {
		t.Fatalf("second Decide err = %v, want ErrNoActiveRequest", err)
	}
	assertNoCommand(t, conn)
}

func TestBridge_DecideMismatchLeavesStateUnchanged(t *testing.T) {
	b := newOffline(t, Config{})
	b.HandleFrame([]byte(`{"type":"INTERVENTION","id":"x1","tool":"WRITE_FILE"}`))

	err := b.Decide(context.Background(), "other", true)
	var pv *ProtocolViolation
	if !errors.As(err, &pv) || !errors.Is(err, ErrNoActiveRequest) {
		t.Fatalf("err = %v, want ProtocolViolation wrapping ErrNoActiveRequest", err)
	}
	if active, ok := b.Active(); !ok || active.ID != "x1" {
		t.Fatalf("active = %+v, %v; want x1", active, ok)
	}
}

func TestBridge_DecideSendFailureKeepsRequestPending(t *testing.T) {
	b := newOffline(t, Config{})
	b.HandleFrame([]byte(`{"type":"INTERVENTION","id":"x1"}`))

	err := b.Decide(context.Background(), "x1", true)
	if !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if active, ok := b.Active(); !ok || active.ID != "x1" {
		t.Fatal("request cleared although nothing was sent")
	}
}

func TestBridge_ConcurrentInterventionsQueue(t *testing.T) {
	b, conn, _ := connect(t, Config{})

	conn.in <- []byte(`{"type":"INTERVENTION","id":"x1"}`)
	conn.in <- []byte(`{"type":"INTERVENTION","id":"x2"}`)
	conn.in <- []byte(`{"type":"INTERVENTION","id":"x1"}`)
	waitFor(t, func() bool { return len(b.Snapshot().Events) == 4 })

	s := b.Snapshot()
	if s.Active == nil || s.Active.ID != "x1" {
		t.Fatalf("active = %+v, want x1", s.Active)
	}
	if len(s.Queued) != 1 || s.Queued[0].ID != "x2" {
		t.Fatalf("queued = %+v, want [x2]", s.Queued)
	}

	if err := b.Decide(context.Background(), "x2", true); !errors.Is(err, ErrNoActiveRequest) {
		t.Fatalf("deciding queued request: %v", err)
	}
	if err := b.Decide(context.Background(), "x1", false); err != nil {
		t.Fatalf("Decide x1: %v", err)
	}
	readCommand(t, conn)
	if active, ok := b.Active(); !ok || active.ID != "x2" {
		t.Fatalf("active = %+v, want x2 promoted", active)
	}
}

func TestBridge_ReconnectKeepsInterventionPending(t *testing.T) {
	b, conn, tr := connect(t, Config{})
	conn.in <- []byte(`{"type":"INTERVENTION","id":"x1"}`)
	waitFor(t, func() bool { _, ok := b.Active(); return ok })

	next := newPipeConn()
	tr.conns <- next
	close(conn.in)
	waitFor(t, func() bool { return b.LinkState() == link.StateConnecting })

	next.in <- []byte(`{"type":"STATUS","message":"CONNECTION_ACTIVE"}`)
	next.in <- []byte(`{"type":"THOUGHT","message":"resuming","timestamp":"10:00:01"}`)
	waitFor(t, func() bool { return b.LinkState() == link.StateSynchronized })

	if active, ok := b.Active(); !ok || active.ID != "x1" {
		t.Fatal("reconnect cleared the pending intervention")
	}
	if err := b.Decide(context.Background(), "x1", true); err != nil {
		t.Fatalf("Decide after reconnect: %v", err)
	}
	if cmd := readCommand(t, next); cmd.(protocol.ApproveAction).ID != "x1" {
		t.Fatalf("outbound = %#v", cmd)
	}
}

func TestBridge_EventLogBoundedAndOrdered(t *testing.T) {
	b := newOffline(t, Config{EventCapacity: 3})
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		b.HandleFrame([]byte(`{"type":"THOUGHT","message":"` + msg + `","timestamp":"10:00:00"}`))
	}
	events := b.Snapshot().Events
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	for i, want := range []string{"c", "d", "e"} {
		if events[i].Message != want {
			t.Fatalf("events[%d] = %q, want %q", i, events[i].Message, want)
		}
	}
}

func TestBridge_TerminalLines(t *testing.T) {
	b := newOffline(t, Config{TerminalCapacity: 2})
	b.HandleFrame([]byte(`{"type":"TERMINAL_OUTPUT","line":"first"}`))
	b.HandleFrame([]byte(`{"type":"TERMINAL_OUTPUT","line":"second","source":"pytest"}`))
	b.HandleFrame([]byte(`{"type":"COMMAND_EXECUTED","command":"ls -la"}`))

	lines := b.Snapshot().Terminal
	if len(lines) != 2 {
		t.Fatalf("lines = %+v", lines)
	}
	if lines[0].Text != "second" || lines[0].Source != "pytest" {
		t.Fatalf("lines[0] = %+v", lines[0])
	}
	if lines[1].Text != "$ ls -la" {
		t.Fatalf("prompt echo = %q, want $ ls -la", lines[1].Text)
	}
}

func TestBridge_ModeChanged(t *testing.T) {
	b := newOffline(t, Config{})
	b.HandleFrame([]byte(`{"type":"MODE_CHANGED","mode":"AUTONOMOUS","persona":"architect"}`))
	b.HandleFrame([]byte(`{"type":"MODE_CHANGED","mode":"SUPERVISED"}`))
	s := b.Snapshot()
	if s.Mode != "SUPERVISED" || s.Persona != "architect" {
		t.Fatalf("mode/persona = %q/%q", s.Mode, s.Persona)
	}
}

func TestBridge_MalformedFramesDropped(t *testing.T) {
	b := newOffline(t, Config{})
	for _, frame := range []string{
		`not json`,
		`[1,2,3]`,
		`{"type":"TELEPORT","message":"?"}`,
		`{"type":"INTERVENTION","tool":"WRITE_FILE"}`,
		`{"message":"no type"}`,
	} {
		b.HandleFrame([]byte(frame))
	}
	if n := len(b.Snapshot().Events); n != 0 {
		t.Fatalf("events = %d, want 0", n)
	}
	b.HandleFrame([]byte(`{"type":"SUCCESS","message":"still alive","timestamp":"10:00:00"}`))
	if n := len(b.Snapshot().Events); n != 1 {
		t.Fatalf("events = %d, want 1 after a valid frame", n)
	}
}

func TestBridge_SubmitEchoesAndRecords(t *testing.T) {
	b, conn, _ := connect(t, Config{})
	if err := b.Submit(context.Background(), "git status"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cmd := readCommand(t, conn)
	if exec, ok := cmd.(protocol.ExecuteCommand); !ok || exec.Command != "git status" {
		t.Fatalf("outbound = %#v", cmd)
	}
	s := b.Snapshot()
	if len(s.History) != 1 || s.History[0] != "git status" {
		t.Fatalf("history = %v", s.History)
	}
	last := s.Terminal[len(s.Terminal)-1]
	if last.Text != "$ git status" || last.Source != SourceOperator {
		t.Fatalf("echo = %+v", last)
	}
	if got, ok := b.RecallPrevious(); !ok || got != "git status" {
		t.Fatalf("RecallPrevious = %q, %v", got, ok)
	}
	if got := b.RecallNext(); got != "" {
		t.Fatalf("RecallNext = %q, want cleared", got)
	}
}

func TestBridge_SubmitBlankIsNoop(t *testing.T) {
	b := newOffline(t, Config{})
	for _, in := range []string{"", "   ", "\t\n"} {
		if err := b.Submit(context.Background(), in); err != nil {
			t.Fatalf("Submit(%q): %v", in, err)
		}
	}
	s := b.Snapshot()
	if len(s.History) != 0 || len(s.Terminal) != 0 {
		t.Fatalf("history=%v terminal=%v, want both empty", s.History, s.Terminal)
	}
}

func TestBridge_SubmitOfflineReportsNotConnected(t *testing.T) {
	b := newOffline(t, Config{})
	err := b.Submit(context.Background(), "ls")
	if !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	s := b.Snapshot()
	if len(s.History) != 1 || len(s.Terminal) != 1 {
		t.Fatalf("optimistic echo missing: history=%v terminal=%v", s.History, s.Terminal)
	}
}

func TestBridge_SwitchPersona(t *testing.T) {
	b, conn, _ := connect(t, Config{})
	if err := b.SwitchPersona(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank persona")
	}
	if err := b.SwitchPersona(context.Background(), "reviewer"); err != nil {
		t.Fatalf("SwitchPersona: %v", err)
	}
	if cmd := readCommand(t, conn); cmd.(protocol.SwitchPersona).Persona != "reviewer" {
		t.Fatalf("outbound = %#v", cmd)
	}
	if b.Snapshot().Persona != "" {
		t.Fatal("persona changed before daemon confirmed")
	}
}

func TestBridge_LinkExhaustedSurfacesError(t *testing.T) {
	home := t.TempDir()
	journal, err := audit.Open(home)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	b := newOffline(t, Config{
		Transport: &pipeTransport{conns: make(chan *pipeConn)},
		Policy:    link.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		After:     immediateAfter,
		Audit:     journal,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	waitFor(t, func() bool { return b.LinkState() == link.StateFailed })

	s := b.Snapshot()
	last := s.Events[len(s.Events)-1]
	if last.Kind != protocol.KindError || last.Message != protocol.ErrorTerminalLink {
		t.Fatalf("last event = %+v, want ERROR %s", last, protocol.ErrorTerminalLink)
	}
	if !strings.Contains(s.LinkError, "exhausted") {
		t.Fatalf("LinkError = %q", s.LinkError)
	}

	waitFor(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(home, "logs", audit.FileName))
		return err == nil && strings.Contains(string(raw), audit.ActionLinkFailed)
	})
}

func TestBridge_RetryAfterFailure(t *testing.T) {
	tr := &pipeTransport{conns: make(chan *pipeConn, 1)}
	b := newOffline(t, Config{
		Transport: tr,
		Policy:    link.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		After:     immediateAfter,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	waitFor(t, func() bool { return b.LinkState() == link.StateFailed })

	conn := newPipeConn()
	tr.conns <- conn
	if err := b.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	conn.in <- []byte(`{"type":"STATUS","message":"CONNECTION_ACTIVE"}`)
	waitFor(t, func() bool { return b.LinkState() == link.StateSynchronized })
}

func TestBridge_StopIsIdempotent(t *testing.T) {
	b, _, _ := connect(t, Config{})
	b.Stop()
	b.Stop()
	if got := b.LinkState(); got != link.StateOffline {
		t.Fatalf("state = %s, want OFFLINE", got)
	}
}

func TestBridge_SubscribersRunInRegistrationOrder(t *testing.T) {
	b := newOffline(t, Config{})
	var order []string
	b.Subscribe(func(ev protocol.Event) { order = append(order, "first:"+ev.Message) })
	b.Subscribe(func(ev protocol.Event) {
		// The event is fully applied before any subscriber runs.
		if n := len(b.Snapshot().Events); n != 1 {
			t.Errorf("subscriber saw %d events, want 1", n)
		}
		order = append(order, "second:"+ev.Message)
	})
	b.HandleFrame([]byte(`{"type":"ACTION","message":"edit","timestamp":"10:00:00"}`))
	if strings.Join(order, ",") != "first:edit,second:edit" {
		t.Fatalf("order = %v", order)
	}
}

func TestBridge_KillSwitchIsLocal(t *testing.T) {
	notify := bus.New()
	sub := notify.Subscribe(bus.TopicKillSwitch)
	defer notify.Unsubscribe(sub)

	b, conn, _ := connect(t, Config{Bus: notify})
	if !b.ToggleKillSwitch() {
		t.Fatal("first toggle should engage")
	}
	if !b.Snapshot().Halted {
		t.Fatal("snapshot not halted")
	}
	assertNoCommand(t, conn)
	select {
	case ev := <-sub.Ch():
		if !ev.Payload.(bus.KillSwitchEvent).Halted {
			t.Fatalf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no kill switch notification")
	}
	if b.ToggleKillSwitch() {
		t.Fatal("second toggle should release")
	}
}

func TestBridge_ResolvedIDStaysClosedAfterEviction(t *testing.T) {
	b, conn, _ := connect(t, Config{EventCapacity: 2})
	conn.in <- []byte(`{"type":"INTERVENTION","id":"x1"}`)
	waitFor(t, func() bool { _, ok := b.Active(); return ok })
	if err := b.Decide(context.Background(), "x1", true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	readCommand(t, conn)

	conn.in <- []byte(`{"type":"THOUGHT","message":"a"}`)
	conn.in <- []byte(`{"type":"THOUGHT","message":"b"}`)
	conn.in <- []byte(`{"type":"INTERVENTION","id":"x1"}`)
	conn.in <- []byte(`{"type":"THOUGHT","message":"c"}`)
	waitFor(t, func() bool {
		ev := b.Snapshot().Events
		return len(ev) == 2 && ev[1].Message == "c"
	})

	if req, ok := b.Active(); ok {
		t.Fatalf("resolved request %s became active again: %+v", req.ID, req)
	}
	if ev := b.Snapshot().Events[0]; ev.ID != "x1" || ev.Actionable {
		t.Fatalf("repeated x1 entry = %+v, want non-actionable", ev)
	}
}
