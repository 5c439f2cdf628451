package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/orbital/internal/daemonsim"
)

// runSimulateCommand serves the scripted daemon until interrupted. Flags
// override the simulator section of config.yaml.
func runSimulateCommand(ctx context.Context, args []string) int {
	rt, err := bootstrap(ctx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		return 1
	}
	defer rt.Close()
	simCfg := rt.cfg.Simulator

	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	addr := fs.String("addr", simCfg.BindAddr, "listen address")
	heartbeat := fs.String("heartbeat", simCfg.Heartbeat, "heartbeat schedule (cron spec or @every)")
	step := fs.Duration("step", time.Duration(simCfg.StepDelayMS)*time.Millisecond, "delay between scripted events")
	once := fs.Bool("once", !simCfg.LoopEnabled(), "play the script once instead of looping")
	approvalTimeout := fs.Duration("approval-timeout", 0, "give up on an intervention after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: orbital simulate [-addr host:port] [-heartbeat spec] [-step 1.5s] [-once] [-approval-timeout 0]")
		return 2
	}

	logger := rt.logger.With("subsystem", "daemonsim")
	sim, err := daemonsim.New(daemonsim.Config{
		Heartbeat:       *heartbeat,
		StepDelay:       *step,
		Loop:            !*once,
		ApprovalTimeout: *approvalTimeout,
		Logger:          logger,
		Tracer:          rt.otel.Tracer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		return 2
	}
	defer sim.Close()

	if err := sim.ListenAndServe(ctx, *addr); err != nil {
		logger.Error("simulated daemon stopped", "error", err)
		return 1
	}
	return 0
}
