package daemonsim_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/orbital/internal/bridge"
	"github.com/basket/orbital/internal/daemonsim"
	"github.com/basket/orbital/internal/link"
	"github.com/basket/orbital/internal/protocol"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newBridge(t *testing.T, endpoint string) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(bridge.Config{
		Endpoint: endpoint,
		Policy: link.Policy{
			MaxAttempts: 5,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
			DialTimeout: 2 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func hasEvent(s bridge.Snapshot, kind protocol.Kind) bool {
	for _, ev := range s.Events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func TestBridgeAgainstSimulator(t *testing.T) {
	sim, ts := startSim(t, daemonsim.Config{Script: interventionScript, Heartbeat: "@every 1s"})
	b := newBridge(t, wsURL(ts))
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventually(t, "SYNCHRONIZED", func() bool { return b.LinkState() == link.StateSynchronized })
	if got := sim.ControlPlaneSessions(); len(got) != 1 || got[0] != b.SessionID() {
		t.Fatalf("ControlPlaneSessions = %v, want [%s]", got, b.SessionID())
	}
	eventually(t, "active intervention", func() bool { return b.Snapshot().Active != nil })

	snap := b.Snapshot()
	if snap.Active.Tool != "WRITE_FILE" {
		t.Fatalf("active = %+v", snap.Active)
	}
	if err := b.Decide(ctx, snap.Active.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	eventually(t, "SUCCESS event", func() bool { return hasEvent(b.Snapshot(), protocol.KindSuccess) })
	if sim.TasksCompleted() != 1 {
		t.Fatalf("TasksCompleted = %d, want 1", sim.TasksCompleted())
	}

	eventually(t, "heartbeat stats", func() bool {
		st := b.Snapshot().Stats
		return st.Version == daemonsim.DefaultVersion && st.Tasks == 1
	})
}

func TestBridgeCommandsAgainstSimulator(t *testing.T) {
	_, ts := startSim(t, daemonsim.Config{Script: []daemonsim.Step{}})
	b := newBridge(t, wsURL(ts))
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "SYNCHRONIZED", func() bool { return b.LinkState() == link.StateSynchronized })

	if err := b.Submit(ctx, "whoami"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eventually(t, "command echo and output", func() bool { return len(b.Snapshot().Terminal) >= 3 })
	lines := b.Snapshot().Terminal
	if lines[0].Text != "$ whoami" || lines[0].Source != bridge.SourceOperator {
		t.Fatalf("first line = %+v", lines[0])
	}
	if lines[1].Text != "$ whoami" || lines[1].Source != bridge.SourceDaemon {
		t.Fatalf("second line = %+v", lines[1])
	}

	if err := b.SwitchPersona(ctx, "auditor"); err != nil {
		t.Fatalf("SwitchPersona: %v", err)
	}
	eventually(t, "persona applied", func() bool { return b.Snapshot().Persona == "auditor" })
}

func TestBridgeReconnectsAfterDrop(t *testing.T) {
	sim, ts := startSim(t, daemonsim.Config{Script: []daemonsim.Step{}})
	b := newBridge(t, wsURL(ts))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "SYNCHRONIZED", func() bool { return b.LinkState() == link.StateSynchronized })
	eventually(t, "one session", func() bool { return sim.ActiveSessions() == 1 })

	sim.Disconnect()

	eventually(t, "reconnect", func() bool {
		return b.LinkState() == link.StateSynchronized && sim.ActiveSessions() == 1 && countReady(b.Snapshot()) >= 2
	})
}

func countReady(s bridge.Snapshot) int {
	n := 0
	for _, ev := range s.Events {
		if ev.IsReadySignal() {
			n++
		}
	}
	return n
}
