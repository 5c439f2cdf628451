// Package doctor runs the local diagnostics behind `orbital doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/orbital/internal/config"
	"github.com/basket/orbital/internal/cron"
	"github.com/basket/orbital/internal/otel"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, FAIL, WARN or SKIP
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkSimulator,
		checkTelemetry,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// endpointAddr splits a ws/wss endpoint into host:port, filling the scheme's
// default port.
func endpointAddr(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	port := u.Port()
	switch u.Scheme {
	case "ws":
		if port == "" {
			port = "80"
		}
	case "wss":
		if port == "" {
			port = "443"
		}
	default:
		return "", fmt.Errorf("scheme %q is not ws or wss", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := endpointAddr(cfg.Endpoint); err != nil {
		return CheckResult{
			Name:    "Config",
			Status:  StatusFail,
			Message: fmt.Sprintf("Endpoint %s is invalid", cfg.Endpoint),
			Detail:  err.Error(),
		}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  "Run `orbital endpoint ws://host:port/ws` to create it",
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, filepath.Join(cfg.HomeDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and log directories writable"}
}

func checkSimulator(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Simulator", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.Simulator.Heartbeat, time.Now())
	if err != nil {
		return CheckResult{
			Name:    "Simulator",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Heartbeat schedule %q is invalid", cfg.Simulator.Heartbeat),
			Detail:  err.Error(),
		}
	}
	return CheckResult{
		Name:    "Simulator",
		Status:  StatusPass,
		Message: fmt.Sprintf("Heartbeat %q, bind %s", cfg.Simulator.Heartbeat, cfg.Simulator.BindAddr),
		Detail:  fmt.Sprintf("next heartbeat %s", next.Format(time.TimeOnly)),
	}
}

func checkTelemetry(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Config missing"}
	}
	t := cfg.Telemetry
	if !t.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: "Disabled (no-op providers)"}
	}
	switch t.Exporter {
	case otel.ExporterOTLPHTTP, "":
		if strings.TrimSpace(t.Endpoint) == "" {
			return CheckResult{Name: "Telemetry", Status: StatusWarn, Message: "OTLP exporter without endpoint, localhost:4318 applies"}
		}
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("OTLP to %s", t.Endpoint)}
	case otel.ExporterStdout, otel.ExporterNone:
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("Exporter %s", t.Exporter)}
	default:
		return CheckResult{Name: "Telemetry", Status: StatusFail, Message: fmt.Sprintf("Unknown exporter %q", t.Exporter)}
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	addr, err := endpointAddr(cfg.Endpoint)
	if err != nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Endpoint invalid"}
	}
	host, _, _ := net.SplitHostPort(addr)

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", time.Since(start).Milliseconds()),
		}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(lookupCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Daemon not listening on %s", addr),
			Detail:  fmt.Sprintf("%v (start one with `orbital simulate`)", err),
		}
	}
	conn.Close()

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("Reached %s (%dms)", addr, latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
