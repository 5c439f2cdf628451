package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	name := "orbital"
	fmt.Fprintf(w, `Usage of %[1]s:

INTERACTIVE MODE (default):
  %[1]s                          Open the control plane TUI

HEADLESS MODE:
  %[1]s -headless                Keep the link up and log every event to stdout

SUBCOMMANDS:
  %[1]s simulate [flags]         Run the simulated agent daemon
                                 Flags: -addr, -heartbeat, -step, -once, -approval-timeout
  %[1]s status [-timeout 10s]    Connect once, wait for a heartbeat, print daemon stats
  %[1]s endpoint [ws-url]        Show or save the daemon endpoint in config.yaml
  %[1]s doctor [-json]           Check config, permissions and daemon reachability
  %[1]s version                  Print the version

FLAGS:
`, name)
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  ORBITAL_HOME            Data directory (default: ~/.orbital)
  ORBITAL_ENDPOINT        Daemon WebSocket endpoint (overrides config.yaml)
  ORBITAL_LOG_LEVEL       debug, info, warn or error
  ORBITAL_MAX_ATTEMPTS    Reconnect attempts before the link fails
  ORBITAL_SIMULATOR_ADDR  Listen address for `+"`"+`orbital simulate`+"`"+`
  ORBITAL_NO_TUI          Set to 1 to run headless

EXAMPLES:
  Demo without a daemon:  %[1]s simulate &  %[1]s
  Point at a daemon:      %[1]s endpoint ws://10.0.0.5:8000/ws
`, name)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("ORBITAL_NO_TUI") == ""
	headless := flag.Bool("headless", false, "run without the TUI, logging events to stdout")
	endpoint := flag.String("endpoint", "", "daemon endpoint for this session (overrides config)")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	if *headless {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "simulate":
			os.Exit(runSimulateCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "endpoint":
			os.Exit(runEndpointCommand(args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	if err := runControlPlane(ctx, controlPlaneOptions{
		interactive: interactive,
		endpoint:    *endpoint,
	}); err != nil {
		os.Exit(1)
	}
}

// fatalStartup reports a startup failure as one structured line and exits.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"orbital","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
