package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/orbital/internal/audit"
	"github.com/basket/orbital/internal/bridge"
	"github.com/basket/orbital/internal/bus"
	"github.com/basket/orbital/internal/config"
	otelPkg "github.com/basket/orbital/internal/otel"
	"github.com/basket/orbital/internal/protocol"
	"github.com/basket/orbital/internal/telemetry"
	"github.com/basket/orbital/internal/tui"
)

type controlPlaneOptions struct {
	interactive bool
	endpoint    string
}

// services bundles the process-wide services every mode needs.
type services struct {
	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer
	journal   *audit.Journal
	otel      *otelPkg.Provider
	metrics   *otelPkg.Metrics
}

// bootstrap loads config and brings up logging, the audit journal and
// telemetry, in that order. quiet keeps logs off stdout.
func bootstrap(ctx context.Context, quiet bool) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &services{cfg: cfg, logger: logger, logCloser: closer}

	rt.journal, err = audit.Open(cfg.HomeDir)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	telemetryCfg := cfg.Telemetry
	if quiet && telemetryCfg.Exporter == otelPkg.ExporterStdout && telemetryCfg.TraceFile == "" {
		telemetryCfg.TraceFile = filepath.Join(cfg.HomeDir, "logs", "traces.jsonl")
	}
	rt.otel, err = otelPkg.Init(ctx, telemetryCfg)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.metrics, err = otelPkg.NewMetrics(rt.otel.Meter)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return rt, nil
}

func (rt *services) newBridge(endpoint string, eventBus *bus.Bus) (*bridge.Bridge, error) {
	return bridge.New(bridge.Config{
		Endpoint:         endpoint,
		Policy:           rt.cfg.Link.Policy(),
		EventCapacity:    rt.cfg.Buffers.Events,
		TerminalCapacity: rt.cfg.Buffers.Terminal,
		Logger:           rt.logger,
		Tracer:           rt.otel.Tracer,
		Metrics:          rt.metrics,
		Bus:              eventBus,
		Audit:            rt.journal,
	})
}

func (rt *services) Close() {
	if rt.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.otel.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.logger.Warn("audit journal close failed", "error", err)
		}
	}
	if rt.logCloser != nil {
		_ = rt.logCloser.Close()
	}
}

func runControlPlane(ctx context.Context, opts controlPlaneOptions) error {
	rt, err := bootstrap(ctx, opts.interactive)
	if err != nil {
		fatalStartup(nil, "E_BOOTSTRAP", err)
	}
	defer rt.Close()
	logger := rt.logger
	slog.SetDefault(logger)

	endpoint := opts.endpoint
	if endpoint == "" {
		endpoint = rt.cfg.Endpoint
	}
	eventBus := bus.New()
	b, err := rt.newBridge(endpoint, eventBus)
	if err != nil {
		fatalStartup(logger, "E_BRIDGE_INIT", err)
	}
	defer b.Stop()

	logger.Info("startup phase",
		"phase", "bridge_ready",
		"endpoint", endpoint,
		"session_id", b.SessionID(),
		"interactive", opts.interactive,
		"config_fingerprint", rt.cfg.Fingerprint(),
	)

	watcher := config.NewWatcher(rt.cfg.HomeDir, rt.cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
	} else {
		go applyReloads(watcher.Events(), endpoint, b, eventBus, logger)
	}

	var states *bus.Subscription
	if !opts.interactive {
		states = watchHeadless(b, eventBus, logger)
		defer eventBus.Unsubscribe(states)
	}

	if err := b.Start(ctx); err != nil {
		fatalStartup(logger, "E_LINK_START", err)
	}

	if opts.interactive {
		err := tui.Run(ctx, tui.Config{Controller: b, Bus: eventBus, Endpoint: endpoint})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tui exited", "error", err)
			return err
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "reason", ctx.Err())
			return nil
		case msg := <-states.Ch():
			if note, ok := msg.Payload.(bus.LinkStateEvent); ok {
				logger.Info("link state",
					"state", note.State,
					"attempt", note.Attempt,
					"delay", note.Delay,
					"error", note.Error,
				)
			}
		}
	}
}

// watchHeadless logs every applied event and returns the link-state
// subscription. Call it before Start so the greeting is not missed.
func watchHeadless(b *bridge.Bridge, eventBus *bus.Bus, logger *slog.Logger) *bus.Subscription {
	b.Subscribe(func(ev protocol.Event) { logEvent(logger, ev) })
	return eventBus.Subscribe(bus.TopicLinkState)
}

// applyReloads pushes changed link settings into the running bridge. The
// endpoint is fixed for the life of the process.
func applyReloads(events <-chan config.ReloadEvent, running string, b *bridge.Bridge, eventBus *bus.Bus, logger *slog.Logger) {
	for ev := range events {
		if ev.Err != nil {
			logger.Warn("config reload rejected", "path", ev.Path, "error", ev.Err)
			continue
		}
		b.SetPolicy(ev.Config.Link.Policy())
		if ev.Config.Endpoint != running {
			logger.Warn("endpoint change takes effect on restart",
				"running", running,
				"configured", ev.Config.Endpoint,
			)
		}
		eventBus.Publish(bus.TopicConfigReloaded, ev.Config.Fingerprint())
		logger.Info("config reloaded", "path", ev.Path, "fingerprint", ev.Config.Fingerprint())
	}
}

func logEvent(logger *slog.Logger, ev protocol.Event) {
	attrs := []any{"kind", string(ev.Kind)}
	switch ev.Kind {
	case protocol.KindIntervention:
		attrs = append(attrs, "id", ev.ID, "tool", ev.Tool, "path", ev.Path)
		logger.Warn("intervention awaiting decision; open the TUI to approve or reject", attrs...)
		return
	case protocol.KindTerminalOutput:
		attrs = append(attrs, "line", ev.Line, "source", ev.Source)
	case protocol.KindModeChanged:
		attrs = append(attrs, "mode", ev.Mode, "persona", ev.Persona)
	case protocol.KindCommandExecuted:
		attrs = append(attrs, "command", ev.Command)
	case protocol.KindHeartbeat:
		logger.Debug("event", attrs...)
		return
	default:
		attrs = append(attrs, "message", ev.Message)
	}
	logger.Info("event", attrs...)
}
