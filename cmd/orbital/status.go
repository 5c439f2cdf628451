package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/orbital/internal/bridge"
	"github.com/basket/orbital/internal/bus"
	"github.com/basket/orbital/internal/link"
	"github.com/basket/orbital/internal/protocol"
)

// runStatusCommand connects once, waits for the first heartbeat and prints the
// daemon's stats. Exit codes: 0 ok, 1 unreachable or timed out, 2 usage.
func runStatusCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	timeout := fs.Duration("timeout", 10*time.Second, "how long to wait for a heartbeat")
	endpoint := fs.String("endpoint", "", "daemon endpoint (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 || *timeout <= 0 {
		fmt.Fprintln(os.Stderr, "usage: orbital status [-timeout 10s] [-endpoint ws://host:port/ws]")
		return 2
	}

	rt, err := bootstrap(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer rt.Close()

	target := *endpoint
	if target == "" {
		target = rt.cfg.Endpoint
	}
	eventBus := bus.New()
	b, err := rt.newBridge(target, eventBus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer b.Stop()

	heartbeats := make(chan struct{}, 1)
	b.Subscribe(func(ev protocol.Event) {
		if ev.Kind != protocol.KindHeartbeat {
			return
		}
		select {
		case heartbeats <- struct{}{}:
		default:
		}
	})
	states := eventBus.Subscribe(bus.TopicLinkState)
	defer eventBus.Unsubscribe(states)

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := b.Start(waitCtx); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	for {
		select {
		case <-heartbeats:
			snap := b.Snapshot()
			printStatus(stdout, target, snap)
			return 0
		case msg := <-states.Ch():
			note, ok := msg.Payload.(bus.LinkStateEvent)
			if ok && note.State == string(link.StateFailed) {
				fmt.Fprintf(os.Stderr, "status: %s unreachable: %s\n", target, note.Error)
				return 1
			}
		case <-waitCtx.Done():
			snap := b.Snapshot()
			fmt.Fprintf(os.Stderr, "status: no heartbeat from %s within %s (link %s)\n", target, *timeout, snap.LinkState)
			return 1
		}
	}
}

func printStatus(w io.Writer, endpoint string, snap bridge.Snapshot) {
	s := snap.Stats
	fmt.Fprintf(w, "endpoint:        %s\n", endpoint)
	fmt.Fprintf(w, "link:            %s\n", snap.LinkState)
	fmt.Fprintf(w, "daemon version:  %s\n", orDash(s.Version))
	fmt.Fprintf(w, "daemon status:   %s\n", orDash(s.DaemonStatus))
	fmt.Fprintf(w, "uptime:          %s\n", orDash(s.Uptime))
	fmt.Fprintf(w, "tasks completed: %d\n", s.Tasks)
	fmt.Fprintf(w, "active sessions: %d\n", s.ActiveSessions)
	if snap.Persona != "" {
		fmt.Fprintf(w, "persona:         %s\n", snap.Persona)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
