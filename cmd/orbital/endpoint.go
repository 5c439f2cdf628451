package main

import (
	"fmt"
	"io"
	"os"

	"github.com/basket/orbital/internal/config"
)

// runEndpointCommand saves the daemon endpoint to config.yaml. With no
// argument it prints the endpoint currently in effect.
func runEndpointCommand(args []string, stdout io.Writer) int {
	switch len(args) {
	case 0:
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "endpoint: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, cfg.Endpoint)
		return 0
	case 1:
	default:
		fmt.Fprintln(os.Stderr, "usage: orbital endpoint [ws://host:port/ws]")
		return 2
	}

	home := config.HomeDir()
	if err := config.SetEndpoint(home, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "endpoint: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "endpoint saved to %s\n", config.ConfigPath(home))
	return 0
}
