package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/orbital/internal/bridge"
	"github.com/basket/orbital/internal/bus"
	"github.com/basket/orbital/internal/config"
	"github.com/basket/orbital/internal/doctor"
	"github.com/basket/orbital/internal/protocol"
	"github.com/basket/orbital/internal/telemetry"
)

func TestPrintUsage_ListsSubcommands(t *testing.T) {
	var out bytes.Buffer
	printUsage(&out)
	for _, want := range []string{"simulate", "status", "endpoint", "-headless", "ORBITAL_HOME"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func TestRunEndpointCommand_SaveAndShow(t *testing.T) {
	home := setTestConfig(t, "ws://old:8000/ws")

	var out bytes.Buffer
	if code := runEndpointCommand([]string{"wss://daemon.example:443/ws"}, &out); code != 0 {
		t.Fatalf("save exit code %d, want 0", code)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Endpoint != "wss://daemon.example:443/ws" {
		t.Fatalf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.Link.MaxAttempts != 1 {
		t.Fatalf("link settings lost on save: %+v", cfg.Link)
	}

	out.Reset()
	if code := runEndpointCommand(nil, &out); code != 0 {
		t.Fatalf("show exit code %d, want 0", code)
	}
	if strings.TrimSpace(out.String()) != "wss://daemon.example:443/ws" {
		t.Fatalf("show printed %q", out.String())
	}
}

func TestRunEndpointCommand_Errors(t *testing.T) {
	setTestConfig(t, "ws://old:8000/ws")

	if code := runEndpointCommand([]string{"http://nope"}, &bytes.Buffer{}); code != 1 {
		t.Fatalf("bad scheme exit code %d, want 1", code)
	}
	if code := runEndpointCommand([]string{"ws://a/ws", "ws://b/ws"}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("two args exit code %d, want 2", code)
	}
}

func TestApplyReloads_UpdatesPolicyAndPublishes(t *testing.T) {
	b, err := bridge.New(bridge.Config{Endpoint: "ws://127.0.0.1:1/ws"})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicConfigReloaded)
	defer eventBus.Unsubscribe(sub)

	good, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	events := make(chan config.ReloadEvent, 2)
	events <- config.ReloadEvent{Path: "config.yaml", Err: errors.New("parse config.yaml: bad indent")}
	events <- config.ReloadEvent{Path: "config.yaml", Config: good}
	close(events)

	applyReloads(events, good.Endpoint, b, eventBus, slog.New(slog.DiscardHandler))

	select {
	case msg := <-sub.Ch():
		if msg.Payload != good.Fingerprint() {
			t.Fatalf("payload = %v, want %s", msg.Payload, good.Fingerprint())
		}
	default:
		t.Fatal("no config.reloaded event for the good reload")
	}
	select {
	case msg := <-sub.Ch():
		t.Fatalf("rejected reload was published: %+v", msg)
	default:
	}
}

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(telemetry.NewHandler(&buf, slog.LevelInfo))

	logEvent(logger, protocol.Event{Kind: protocol.KindIntervention, ID: "tx_9", Tool: "WRITE_FILE", Path: "a.go"})
	logEvent(logger, protocol.Event{Kind: protocol.KindThought, Message: "Analyzing"})
	logEvent(logger, protocol.Event{Kind: protocol.KindHeartbeat})

	got := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"id":"tx_9"`, `"message":"Analyzing"`} {
		if !strings.Contains(got, want) {
			t.Errorf("log missing %s:\n%s", want, got)
		}
	}
	if strings.Contains(got, "HEARTBEAT") {
		t.Errorf("heartbeat logged at info:\n%s", got)
	}
}

func TestRunDoctorCommand_JSON(t *testing.T) {
	setTestConfig(t, "ws://127.0.0.1:1/ws")

	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), []string{"-json"}, &out); code != 0 {
		t.Fatalf("exit code %d, want 0:\n%s", code, out.String())
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if diag.System.Version != Version {
		t.Fatalf("version = %q, want %q", diag.System.Version, Version)
	}
	if len(diag.Results) == 0 {
		t.Fatal("no checks reported")
	}
}

func TestRunDoctorCommand_BadEndpointFails(t *testing.T) {
	setTestConfig(t, "http://daemon/ws")

	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), nil, &out); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "Endpoint http://daemon/ws is invalid") {
		t.Fatalf("report missing config failure:\n%s", out.String())
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchHeadless_LogsGreeting(t *testing.T) {
	endpoint := startSimulator(t)
	var logs lockedBuffer
	logger := slog.New(telemetry.NewHandler(&logs, slog.LevelInfo))

	eventBus := bus.New()
	b, err := bridge.New(bridge.Config{Endpoint: endpoint, Logger: logger, Bus: eventBus})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	states := watchHeadless(b, eventBus, logger)
	defer eventBus.Unsubscribe(states)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	select {
	case msg := <-states.Ch():
		if note, ok := msg.Payload.(bus.LinkStateEvent); !ok || note.State != "CONNECTING" {
			t.Fatalf("first link state = %+v, want CONNECTING", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no link state published")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), `"message":"CONNECTION_ACTIVE"`) {
		if time.Now().After(deadline) {
			t.Fatalf("greeting never logged:\n%s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
