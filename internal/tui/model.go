package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/orbital/internal/bridge"
	"github.com/basket/orbital/internal/bus"
	"github.com/basket/orbital/internal/link"
)

// Controller is the slice of the bridge the view drives. *bridge.Bridge
// satisfies it.
type Controller interface {
	Snapshot() bridge.Snapshot
	Decide(ctx context.Context, id string, approved bool) error
	Submit(ctx context.Context, text string) error
	RecallPrevious() (string, bool)
	RecallNext() string
	SwitchPersona(ctx context.Context, persona string) error
	ToggleKillSwitch() bool
	Retry(ctx context.Context) error
}

// Config wires the control-plane view.
type Config struct {
	Controller Controller
	Bus        *bus.Bus
	Endpoint   string
}

const terminalRows = 6

type busMsg struct{ event bus.Event }

type tickMsg time.Time

type ctxDoneMsg struct{}

// resultMsg reports the outcome of an operator action run off the UI loop.
type resultMsg struct {
	op  string
	err error
}

// Model is the Bubble Tea model of the control plane.
type Model struct {
	ctx      context.Context
	ctrl     Controller
	sub      *bus.Subscription
	endpoint string
	st       styles

	snap   bridge.Snapshot
	input  textinput.Model
	stream viewport.Model
	width  int
	height int
	notice string
}

// New builds the model and subscribes it to bridge notifications.
func New(ctx context.Context, cfg Config) Model {
	input := textinput.New()
	input.Prompt = "$ "
	input.Placeholder = "command, or /persona <name>"
	input.CharLimit = 4000
	input.Focus()

	stream := viewport.New(0, 0)
	stream.MouseWheelEnabled = true
	stream.MouseWheelDelta = 3

	m := Model{
		ctx:      ctx,
		ctrl:     cfg.Controller,
		endpoint: cfg.Endpoint,
		st:       newStyles(),
		input:    input,
		stream:   stream,
	}
	if cfg.Bus != nil {
		m.sub = cfg.Bus.SubscribeBuffered("", 256)
	}
	m.snap = m.ctrl.Snapshot()
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, tickCmd(), waitCtxDone(m.ctx)}
	if m.sub != nil {
		cmds = append(cmds, waitForBus(m.sub))
	}
	return tea.Batch(cmds...)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

// waitForBus blocks until the bridge publishes a change.
func waitForBus(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busMsg{event: ev}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case busMsg:
		if msg.event.Topic == bus.TopicKillSwitch {
			if ks, ok := msg.event.Payload.(bus.KillSwitchEvent); ok && ks.Halted {
				m.notice = "Kill switch engaged (local only)"
			}
		}
		m = m.refresh()
		return m, waitForBus(m.sub)

	case tickMsg:
		m = m.refresh()
		return m, tickCmd()

	case resultMsg:
		if msg.err != nil {
			m.notice = humanError(msg.op, msg.err)
		} else if msg.op != "submit" {
			m.notice = ""
		}
		m = m.refresh()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(20, msg.Width-4)
		m = m.refresh()
		return m, nil

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.stream, cmd = m.stream.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter":
		line := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		if line == "" {
			return m, nil
		}
		if persona, ok := personaArg(line); ok {
			return m, m.run("persona", func(ctx context.Context) error {
				return m.ctrl.SwitchPersona(ctx, persona)
			})
		}
		return m, m.run("submit", func(ctx context.Context) error {
			return m.ctrl.Submit(ctx, line)
		})

	case "up":
		if prev, ok := m.ctrl.RecallPrevious(); ok {
			m.input.SetValue(prev)
			m.input.CursorEnd()
		}
		return m, nil

	case "down":
		m.input.SetValue(m.ctrl.RecallNext())
		m.input.CursorEnd()
		return m, nil

	case "pgup":
		m.stream.LineUp(max(1, m.stream.Height-1))
		return m, nil

	case "pgdown":
		m.stream.LineDown(max(1, m.stream.Height-1))
		return m, nil

	case "ctrl+x":
		m.ctrl.ToggleKillSwitch()
		m = m.refresh()
		return m, nil

	case "ctrl+r":
		if m.snap.LinkState == link.StateFailed || m.snap.LinkState == link.StateOffline {
			m.notice = "Retrying link..."
			return m, m.run("retry", m.ctrl.Retry)
		}
		return m, nil

	case "ctrl+y", "ctrl+n":
		if m.snap.Active == nil {
			m.notice = "No intervention is awaiting a decision"
			return m, nil
		}
		id := m.snap.Active.ID
		approved := msg.String() == "ctrl+y"
		return m, m.run("decide", func(ctx context.Context) error {
			return m.ctrl.Decide(ctx, id, approved)
		})
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// run executes an operator action off the UI loop and reports its result.
func (m Model) run(op string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return resultMsg{op: op, err: fn(ctx)}
	}
}

// refresh pulls a fresh snapshot and re-lays out the stream, following the
// newest entry unless the operator scrolled away from it.
func (m Model) refresh() Model {
	m.snap = m.ctrl.Snapshot()

	follow := m.stream.AtBottom() || m.stream.TotalLineCount() == 0
	m.stream.Width = max(20, m.width)
	m.stream.Height = m.streamHeight()
	m.stream.SetContent(m.renderStream())
	if follow {
		m.stream.GotoBottom()
	}
	return m
}

func (m Model) streamHeight() int {
	if m.height <= 0 {
		return 10
	}
	used := 2 + // header, stats
		1 + terminalRows + // terminal title, lines
		1 // input
	used += strings.Count(m.renderFooter(), "\n") + 1
	if panel := m.renderIntervention(); panel != "" {
		used += strings.Count(panel, "\n") + 1
	}
	return max(3, m.height-used)
}

// personaArg reports whether line is the /persona command and returns its
// argument.
func personaArg(line string) (string, bool) {
	name, rest, _ := strings.Cut(line, " ")
	if name != "/persona" {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
